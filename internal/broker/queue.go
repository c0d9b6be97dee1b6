package broker

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/squadmate-gg/backend/internal/catalog"
	"github.com/squadmate-gg/backend/internal/storage/postgres"
)

// QueueStore persists matchmaking queue entries.
type QueueStore interface {
	Upsert(ctx context.Context, userID uuid.UUID, game, mode string) (postgres.QueueEntry, error)
	CancelByUser(ctx context.Context, userID uuid.UUID) ([]string, error)
}

// Queue manages matchmaking queue membership: the durable entry rows and the
// ephemeral watcher groups that receive queue.update broadcasts.
type Queue struct {
	registry *Registry
	store    QueueStore
	catalog  *catalog.Catalog
	stats    *Stats
	log      *zap.Logger
}

// NewQueue creates the membership manager.
func NewQueue(registry *Registry, store QueueStore, cat *catalog.Catalog, stats *Stats, log *zap.Logger) *Queue {
	return &Queue{
		registry: registry,
		store:    store,
		catalog:  cat,
		stats:    stats,
		log:      log,
	}
}

// Join enters the connection's user into the queue for (game, mode).
// Idempotent: re-joining refreshes the entry's mode and timestamp and leaves
// a single waiting row and a single group membership. The row upsert is
// atomic at the store, so two racing joins for the same user settle on one
// row.
//
// Postcondition: On success the user has a waiting entry for (user, game),
// the connection watches `queue:{game}` and `queue:{game}:{mode}`, and a
// stats recompute is triggered for game.
func (q *Queue) Join(ctx context.Context, conn *Conn, game, mode string) error {
	if !q.catalog.HasGame(game) {
		return &ValidationError{Field: "game", Reason: "unknown game " + game}
	}
	if !q.catalog.HasMode(game, mode) {
		return &ValidationError{Field: "mode", Reason: "unknown mode " + mode + " for " + game}
	}

	if _, err := q.store.Upsert(ctx, conn.UserID(), game, mode); err != nil {
		return &PersistenceError{Op: "queue.join", Err: err}
	}

	if err := q.registry.Join(conn.ID(), QueueGroup(game)); err != nil {
		return err
	}
	if err := q.registry.Join(conn.ID(), QueueModeGroup(game, mode)); err != nil {
		return err
	}

	q.log.Info("user joined queue",
		zap.String("userId", conn.UserID().String()),
		zap.String("game", game),
		zap.String("mode", mode))
	q.stats.SendCached(ctx, conn, game)
	q.stats.Trigger(game)
	return nil
}

// Leave cancels the user's waiting entries and removes the connection from
// every queue watcher group. A connection that was never queued is a no-op,
// not an error.
//
// Postcondition: No waiting entry remains for the user; the connection holds
// no `queue:`-prefixed membership; a recompute is triggered for every game
// the user was waiting in or watching.
func (q *Queue) Leave(ctx context.Context, conn *Conn) error {
	cancelled, err := q.store.CancelByUser(ctx, conn.UserID())
	if err != nil {
		// Groups are still cleared so the connection stops receiving
		// updates; the rows converge on the next leave or disconnect.
		q.registry.LeavePrefix(conn.ID(), QueuePrefix)
		return &PersistenceError{Op: "queue.leave", Err: err}
	}
	left := q.registry.LeavePrefix(conn.ID(), QueuePrefix)

	games := make(map[string]bool, len(cancelled))
	for _, game := range cancelled {
		games[game] = true
	}
	for _, group := range left {
		games[gameFromQueueGroup(group)] = true
	}
	delete(games, "")

	if len(cancelled) > 0 {
		q.log.Info("user left queue",
			zap.String("userId", conn.UserID().String()),
			zap.Strings("games", cancelled))
	}
	for game := range games {
		q.stats.Trigger(game)
	}
	return nil
}

// gameFromQueueGroup extracts the game from `queue:{game}` or
// `queue:{game}:{mode}` group names.
func gameFromQueueGroup(group string) string {
	rest := strings.TrimPrefix(group, QueuePrefix)
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		return rest[:i]
	}
	return rest
}
