package broker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/squadmate-gg/backend/internal/storage/postgres"
)

// SessionStore persists sessions with guarded monotonic transitions.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (postgres.Session, error)
	Activate(ctx context.Context, id uuid.UUID, startTime time.Time) (bool, error)
	CancelPending(ctx context.Context, id uuid.UUID) (bool, error)
}

// UserStore loads user profiles for counterpart identity snapshots.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (postgres.User, error)
}

// MatchMarker transitions a user's waiting queue entry to matched.
type MatchMarker interface {
	MarkMatched(ctx context.Context, userID uuid.UUID, game string) error
}

// Handshake drives the match negotiation: an external matcher proposes a
// pairing (session already persisted as pending), both parties are notified,
// and the designated provider accepts or rejects. The session row is the
// handshake state; its guarded pending→{active,cancelled} update is what
// makes a duplicate or racing decision a no-op, even across broker
// instances sharing one store.
//
// An offered handshake that never receives a decision stays pending
// indefinitely; there is no expiry.
type Handshake struct {
	registry *Registry
	sessions SessionStore
	users    UserStore
	queue    MatchMarker
	stats    *Stats
	log      *zap.Logger
	now      func() time.Time
}

// NewHandshake creates the coordinator.
func NewHandshake(registry *Registry, sessions SessionStore, users UserStore, queue MatchMarker, stats *Stats, log *zap.Logger) *Handshake {
	return &Handshake{
		registry: registry,
		sessions: sessions,
		users:    users,
		queue:    queue,
		stats:    stats,
		log:      log,
		now:      time.Now,
	}
}

// Trigger offers an existing pending session to both parties. Called by the
// external matcher after it persisted the session.
//
// Postcondition: Both parties' private channels received match.found with the
// counterpart's identity, the client's waiting queue entry is marked matched,
// and a stats recompute is triggered for the session's game.
func (h *Handshake) Trigger(ctx context.Context, sessionID uuid.UUID) error {
	session, err := h.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, postgres.ErrSessionNotFound) {
			return ErrNotFound
		}
		return &PersistenceError{Op: "handshake.trigger", Err: err}
	}
	if session.Status != postgres.SessionPending {
		return &ValidationError{Field: "sessionId", Reason: "session is not pending"}
	}

	client, err := h.users.GetByID(ctx, session.ClientID)
	if err != nil {
		return &PersistenceError{Op: "handshake.trigger", Err: err}
	}
	provider, err := h.users.GetByID(ctx, session.ProviderID)
	if err != nil {
		return &PersistenceError{Op: "handshake.trigger", Err: err}
	}

	// The matched user stops counting toward the waiting queue. A client
	// who was never queued (direct booking) is fine.
	if err := h.queue.MarkMatched(ctx, session.ClientID, session.Game); err != nil && !errors.Is(err, postgres.ErrQueueEntryNotFound) {
		h.log.Warn("marking queue entry matched failed",
			zap.String("sessionId", sessionID.String()), zap.Error(err))
	}
	h.stats.Trigger(session.Game)

	h.notify(session.ClientID, TypeMatchFound, MatchFound{
		SessionID:   sessionID,
		Counterpart: Counterpart{ID: provider.ID, Username: provider.Username, Rank: provider.Rank},
	})
	h.notify(session.ProviderID, TypeMatchFound, MatchFound{
		SessionID:   sessionID,
		Counterpart: Counterpart{ID: client.ID, Username: client.Username, Rank: client.Rank},
	})

	h.log.Info("match offered",
		zap.String("sessionId", sessionID.String()),
		zap.String("clientId", session.ClientID.String()),
		zap.String("providerId", session.ProviderID.String()),
		zap.String("game", session.Game))
	return nil
}

// Accept records the provider's acceptance. Only the designated provider is
// honored; a decision after the handshake already resolved is ignored.
//
// Postcondition: On the winning call the session is active, the client's
// private channel received match.accepted, and both parties' open
// connections joined `session:{sessionID}`. A store failure leaves the
// session pending and broadcasts nothing.
func (h *Handshake) Accept(ctx context.Context, sessionID, by uuid.UUID) error {
	session, err := h.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, postgres.ErrSessionNotFound) {
			return ErrNotFound
		}
		return &PersistenceError{Op: "handshake.accept", Err: err}
	}
	if session.ProviderID != by {
		return ErrUnauthorized
	}

	fired, err := h.sessions.Activate(ctx, sessionID, h.now())
	if err != nil {
		return &PersistenceError{Op: "handshake.accept", Err: err}
	}
	if !fired {
		// Already resolved; at most one transition per handshake.
		h.log.Debug("duplicate accept ignored", zap.String("sessionId", sessionID.String()))
		return nil
	}

	provider, err := h.users.GetByID(ctx, by)
	if err != nil {
		// The transition already happened; fall back to an empty name
		// rather than failing the accepted handshake.
		h.log.Warn("loading provider profile failed", zap.Error(err))
		provider = postgres.User{ID: by}
	}
	h.notify(session.ClientID, TypeMatchAccepted, MatchAccepted{
		SessionID:        sessionID,
		ProviderID:       by,
		ProviderUsername: provider.Username,
	})

	room := SessionGroup(sessionID)
	h.moveIntoRoom(session.ClientID, room)
	h.moveIntoRoom(session.ProviderID, room)

	h.log.Info("match accepted",
		zap.String("sessionId", sessionID.String()),
		zap.String("providerId", by.String()))
	return nil
}

// Reject records the provider's rejection.
//
// Postcondition: On the winning call the session is cancelled and the
// client's private channel received match.rejected; no session room exists.
func (h *Handshake) Reject(ctx context.Context, sessionID, by uuid.UUID, reason string) error {
	session, err := h.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, postgres.ErrSessionNotFound) {
			return ErrNotFound
		}
		return &PersistenceError{Op: "handshake.reject", Err: err}
	}
	if session.ProviderID != by {
		return ErrUnauthorized
	}

	fired, err := h.sessions.CancelPending(ctx, sessionID)
	if err != nil {
		return &PersistenceError{Op: "handshake.reject", Err: err}
	}
	if !fired {
		h.log.Debug("duplicate reject ignored", zap.String("sessionId", sessionID.String()))
		return nil
	}

	if reason == "" {
		reason = "provider declined"
	}
	h.notify(session.ClientID, TypeMatchRejected, MatchRejected{SessionID: sessionID, Reason: reason})

	h.log.Info("match rejected",
		zap.String("sessionId", sessionID.String()),
		zap.String("providerId", by.String()),
		zap.String("reason", reason))
	return nil
}

// notify encodes and pushes an event to every open connection on the user's
// private channel.
func (h *Handshake) notify(userID uuid.UUID, eventType string, payload any) {
	frame, err := EncodeOutbound(eventType, payload)
	if err != nil {
		h.log.Error("encoding notification failed",
			zap.String("type", eventType), zap.Error(err))
		return
	}
	h.registry.Broadcast(UserGroup(userID), frame)
}

// moveIntoRoom joins every open connection of the user to the session room.
func (h *Handshake) moveIntoRoom(userID uuid.UUID, room string) {
	for _, conn := range h.registry.Members(UserGroup(userID)) {
		if err := h.registry.Join(conn.ID(), room); err != nil {
			h.log.Warn("joining session room failed",
				zap.String("connId", conn.ID()), zap.Error(err))
		}
	}
}
