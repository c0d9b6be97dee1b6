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

// Session statuses. Transitions are monotonic: pending may become active or
// cancelled, active may become completed or cancelled, and completed and
// cancelled are terminal.
const (
	SessionPending   = "pending"
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionCancelled = "cancelled"
)

// ErrSessionNotFound is returned when a session lookup yields no results.
var ErrSessionNotFound = errors.New("session not found")

// Session represents a paid coaching/teammate session between a client and
// a provider.
type Session struct {
	ID         uuid.UUID
	ClientID   uuid.UUID
	ProviderID uuid.UUID
	Game       string
	Mode       string
	Status     string
	StartTime  *time.Time
	Price      int64
	CreatedAt  time.Time
}

// SessionRepository provides session persistence operations.
type SessionRepository struct {
	db *pgxpool.Pool
}

// NewSessionRepository creates a SessionRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewSessionRepository(db *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, client_id, provider_id, game, mode, status, start_time, price, created_at`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.ClientID, &s.ProviderID, &s.Game, &s.Mode,
		&s.Status, &s.StartTime, &s.Price, &s.CreatedAt)
	return s, err
}

// Create inserts a new pending session. Called by the matcher surface when a
// pairing is proposed.
//
// Postcondition: Returns the created Session with status=pending.
func (r *SessionRepository) Create(ctx context.Context, clientID, providerID uuid.UUID, game, mode string, price int64) (Session, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO sessions (id, client_id, provider_id, game, mode, status, price)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+sessionColumns,
		uuid.New(), clientID, providerID, game, mode, SessionPending, price,
	)
	s, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("inserting session: %w", err)
	}
	return s, nil
}

// GetByID retrieves a session by ID.
//
// Postcondition: Returns the Session or ErrSessionNotFound.
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (Session, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("querying session: %w", err)
	}
	return s, nil
}

// Activate transitions the session from pending to active and stamps the
// start time. The guarded UPDATE makes the transition fire at most once even
// across racing callers and multiple broker instances.
//
// Postcondition: Returns true iff this call performed the transition; false
// means the session was missing or not pending.
func (r *SessionRepository) Activate(ctx context.Context, id uuid.UUID, startTime time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions SET status = $1, start_time = $2
		 WHERE id = $3 AND status = $4`,
		SessionActive, startTime, id, SessionPending,
	)
	if err != nil {
		return false, fmt.Errorf("activating session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelPending transitions the session from pending to cancelled.
//
// Postcondition: Returns true iff this call performed the transition.
func (r *SessionRepository) CancelPending(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions SET status = $1
		 WHERE id = $2 AND status = $3`,
		SessionCancelled, id, SessionPending,
	)
	if err != nil {
		return false, fmt.Errorf("cancelling session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelActive transitions the session from active to cancelled.
//
// Postcondition: Returns true iff this call performed the transition.
func (r *SessionRepository) CancelActive(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions SET status = $1
		 WHERE id = $2 AND status = $3`,
		SessionCancelled, id, SessionActive,
	)
	if err != nil {
		return false, fmt.Errorf("cancelling session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete transitions the session from active to completed.
//
// Postcondition: Returns true iff this call performed the transition.
func (r *SessionRepository) Complete(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions SET status = $1
		 WHERE id = $2 AND status = $3`,
		SessionCompleted, id, SessionActive,
	)
	if err != nil {
		return false, fmt.Errorf("completing session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
