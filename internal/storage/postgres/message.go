package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChatMessage is an append-only chat message inside a session room. ID and
// CreatedAt are assigned by the store; rows are never mutated.
type ChatMessage struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	SenderID  uuid.UUID
	Content   string
	Type      string
	CreatedAt time.Time
}

// MessageRepository provides chat message persistence operations.
type MessageRepository struct {
	db *pgxpool.Pool
}

// NewMessageRepository creates a MessageRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

// Append durably writes a chat message and returns the persisted record with
// the store-assigned ID and timestamp. The relay broadcasts only what this
// method returned, so a broadcast message always has a matching row.
//
// Precondition: content must be non-empty.
// Postcondition: Returns the persisted ChatMessage or a non-nil error; on
// error, no row was written.
func (r *MessageRepository) Append(ctx context.Context, sessionID, senderID uuid.UUID, content, msgType string) (ChatMessage, error) {
	var m ChatMessage
	err := r.db.QueryRow(ctx,
		`INSERT INTO messages (id, session_id, sender_id, content, type)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, session_id, sender_id, content, type, created_at`,
		uuid.New(), sessionID, senderID, content, msgType,
	).Scan(&m.ID, &m.SessionID, &m.SenderID, &m.Content, &m.Type, &m.CreatedAt)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("inserting message: %w", err)
	}
	return m, nil
}

// CountBySession returns the number of messages stored for a session.
// Used by tests and the health surface; history retrieval itself is served
// by the read API, not the broker.
func (r *MessageRepository) CountBySession(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = $1`, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}
