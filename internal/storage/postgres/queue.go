package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queue entry statuses.
const (
	QueueWaiting   = "waiting"
	QueueMatched   = "matched"
	QueueCancelled = "cancelled"
)

// ErrQueueEntryNotFound is returned when a queue entry lookup yields no results.
var ErrQueueEntryNotFound = errors.New("queue entry not found")

// QueueEntry represents a user waiting to be matched for a game. At most one
// row exists per (user_id, game) pair, enforced by a unique constraint.
type QueueEntry struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Game      string
	GameMode  string
	Status    string
	CreatedAt time.Time
}

// QueueRepository provides queue entry persistence operations.
type QueueRepository struct {
	db *pgxpool.Pool
}

// NewQueueRepository creates a QueueRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewQueueRepository(db *pgxpool.Pool) *QueueRepository {
	return &QueueRepository{db: db}
}

// Upsert creates or refreshes the queue entry for (userID, game). The write
// is atomic at the store: racing upserts for the same pair settle on a single
// waiting row, never two. Re-joining refreshes the mode and timestamp.
//
// Precondition: game must be non-empty.
// Postcondition: Exactly one row exists for (userID, game) with
// status=waiting and the supplied mode.
func (r *QueueRepository) Upsert(ctx context.Context, userID uuid.UUID, game, mode string) (QueueEntry, error) {
	var e QueueEntry
	err := r.db.QueryRow(ctx,
		`INSERT INTO queue_entries (id, user_id, game, game_mode, status)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, game) DO UPDATE
		 SET game_mode = EXCLUDED.game_mode,
		     status = EXCLUDED.status,
		     created_at = NOW()
		 RETURNING id, user_id, game, game_mode, status, created_at`,
		uuid.New(), userID, game, mode, QueueWaiting,
	).Scan(&e.ID, &e.UserID, &e.Game, &e.GameMode, &e.Status, &e.CreatedAt)
	if err != nil {
		return QueueEntry{}, fmt.Errorf("upserting queue entry: %w", err)
	}
	return e, nil
}

// CancelByUser marks all of the user's waiting entries as cancelled and
// returns the games they covered. A user with no waiting entries yields an
// empty slice and no error.
//
// Postcondition: No waiting entry remains for userID.
func (r *QueueRepository) CancelByUser(ctx context.Context, userID uuid.UUID) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE queue_entries SET status = $1
		 WHERE user_id = $2 AND status = $3
		 RETURNING game`,
		QueueCancelled, userID, QueueWaiting,
	)
	if err != nil {
		return nil, fmt.Errorf("cancelling queue entries: %w", err)
	}
	defer rows.Close()

	var games []string
	for rows.Next() {
		var game string
		if err := rows.Scan(&game); err != nil {
			return nil, fmt.Errorf("scanning cancelled game: %w", err)
		}
		games = append(games, game)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading cancelled games: %w", err)
	}
	return games, nil
}

// MarkMatched transitions the user's waiting entry for game to matched.
//
// Postcondition: Returns ErrQueueEntryNotFound if no waiting entry exists.
func (r *QueueRepository) MarkMatched(ctx context.Context, userID uuid.UUID, game string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE queue_entries SET status = $1
		 WHERE user_id = $2 AND game = $3 AND status = $4`,
		QueueMatched, userID, game, QueueWaiting,
	)
	if err != nil {
		return fmt.Errorf("marking queue entry matched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrQueueEntryNotFound
	}
	return nil
}

// CountWaiting returns the number of waiting entries for the given game.
func (r *QueueRepository) CountWaiting(ctx context.Context, game string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE game = $1 AND status = $2`,
		game, QueueWaiting,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting waiting entries: %w", err)
	}
	return count, nil
}

// GetByUserAndGame retrieves the queue entry for (userID, game).
//
// Postcondition: Returns the entry or ErrQueueEntryNotFound.
func (r *QueueRepository) GetByUserAndGame(ctx context.Context, userID uuid.UUID, game string) (QueueEntry, error) {
	var e QueueEntry
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, game, game_mode, status, created_at
		 FROM queue_entries WHERE user_id = $1 AND game = $2`,
		userID, game,
	).Scan(&e.ID, &e.UserID, &e.Game, &e.GameMode, &e.Status, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return QueueEntry{}, ErrQueueEntryNotFound
		}
		return QueueEntry{}, fmt.Errorf("querying queue entry: %w", err)
	}
	return e, nil
}
