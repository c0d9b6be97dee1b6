package broker

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/squadmate-gg/backend/internal/storage/postgres"
)

// MessageStore appends chat messages durably.
type MessageStore interface {
	Append(ctx context.Context, sessionID, senderID uuid.UUID, content, msgType string) (postgres.ChatMessage, error)
}

// Relay manages session chat rooms: membership in `session:{id}` groups and
// persist-then-broadcast message delivery. History retrieval is served by a
// separate read path, not the relay.
type Relay struct {
	registry *Registry
	sessions SessionStore
	messages MessageStore
	log      *zap.Logger
}

// NewRelay creates the session relay.
func NewRelay(registry *Registry, sessions SessionStore, messages MessageStore, log *zap.Logger) *Relay {
	return &Relay{
		registry: registry,
		sessions: sessions,
		messages: messages,
		log:      log,
	}
}

// JoinRoom adds the connection to the session's chat room. Only the
// session's client or provider may join. No history backfill happens here.
func (r *Relay) JoinRoom(ctx context.Context, conn *Conn, sessionID uuid.UUID) error {
	session, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, postgres.ErrSessionNotFound) {
			return ErrNotFound
		}
		return &PersistenceError{Op: "session.join", Err: err}
	}
	if conn.UserID() != session.ClientID && conn.UserID() != session.ProviderID {
		return ErrUnauthorized
	}
	return r.registry.Join(conn.ID(), SessionGroup(sessionID))
}

// Send persists a chat message, then broadcasts the stored record to the
// room. A member only ever observes a message that has a matching row: a
// failed write broadcasts nothing.
//
// Precondition: The connection must be a member of the session room.
// Postcondition: On success every room member received chat.message carrying
// the store-assigned ID and timestamp.
func (r *Relay) Send(ctx context.Context, conn *Conn, sessionID uuid.UUID, content, msgType string) error {
	room := SessionGroup(sessionID)
	if !r.isMember(conn.ID(), room) {
		return ErrUnauthorized
	}

	stored, err := r.messages.Append(ctx, sessionID, conn.UserID(), content, msgType)
	if err != nil {
		return &PersistenceError{Op: "chat.send", Err: err}
	}

	frame, err := EncodeOutbound(TypeChatMessage, ChatMessageEvent{
		ID:             stored.ID,
		SessionID:      stored.SessionID,
		SenderID:       stored.SenderID,
		SenderUsername: conn.Identity().Username,
		Content:        stored.Content,
		Type:           stored.Type,
		CreatedAt:      stored.CreatedAt,
	})
	if err != nil {
		return err
	}
	delivered := r.registry.Broadcast(room, frame)
	r.log.Debug("chat message relayed",
		zap.String("sessionId", sessionID.String()),
		zap.String("senderId", conn.UserID().String()),
		zap.Int("delivered", delivered))
	return nil
}

func (r *Relay) isMember(connID, group string) bool {
	for _, member := range r.registry.Members(group) {
		if member.ID() == connID {
			return true
		}
	}
	return false
}
