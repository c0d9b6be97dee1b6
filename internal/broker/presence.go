package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PresenceStore persists a user's online flag and last-seen timestamp.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID uuid.UUID, online bool, lastSeen time.Time) error
}

// Presence tracks how many live connections each user holds and flips the
// durable online flag only on the 0→1 and 1→0 transitions, so a user with
// two tabs open stays online until the last tab disconnects.
type Presence struct {
	store PresenceStore
	log   *zap.Logger
	now   func() time.Time

	mu     sync.Mutex
	counts map[uuid.UUID]int
}

// NewPresence creates a Presence tracker backed by the given store.
func NewPresence(store PresenceStore, log *zap.Logger) *Presence {
	return &Presence{
		store:  store,
		log:    log,
		now:    time.Now,
		counts: make(map[uuid.UUID]int),
	}
}

// Connected records one more live connection for the user.
//
// Postcondition: The durable online flag is set true iff this was the user's
// first connection. A store failure leaves the in-memory count incremented;
// the flag converges on the next transition.
func (p *Presence) Connected(ctx context.Context, userID uuid.UUID) error {
	p.mu.Lock()
	p.counts[userID]++
	first := p.counts[userID] == 1
	p.mu.Unlock()

	if !first {
		return nil
	}
	if err := p.store.SetOnline(ctx, userID, true, p.now()); err != nil {
		p.log.Warn("marking user online failed",
			zap.String("userId", userID.String()), zap.Error(err))
		return &PersistenceError{Op: "presence.online", Err: err}
	}
	return nil
}

// Disconnected records one fewer live connection for the user.
//
// Postcondition: The durable online flag is set false, with last-seen stamped
// now, iff this was the user's last connection. Calls without a matching
// Connected are ignored.
func (p *Presence) Disconnected(ctx context.Context, userID uuid.UUID) error {
	p.mu.Lock()
	count, ok := p.counts[userID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	count--
	last := count == 0
	if last {
		delete(p.counts, userID)
	} else {
		p.counts[userID] = count
	}
	p.mu.Unlock()

	if !last {
		return nil
	}
	if err := p.store.SetOnline(ctx, userID, false, p.now()); err != nil {
		p.log.Warn("marking user offline failed",
			zap.String("userId", userID.String()), zap.Error(err))
		return &PersistenceError{Op: "presence.offline", Err: err}
	}
	return nil
}

// Override sets the durable online flag directly, regardless of connection
// count. A later disconnect transition still flips the flag back.
func (p *Presence) Override(ctx context.Context, userID uuid.UUID, online bool) error {
	if err := p.store.SetOnline(ctx, userID, online, p.now()); err != nil {
		return &PersistenceError{Op: "presence.override", Err: err}
	}
	return nil
}

// Connections returns the live connection count for a user.
func (p *Presence) Connections(userID uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[userID]
}
