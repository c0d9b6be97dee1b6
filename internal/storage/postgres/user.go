package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// ErrUserNotFound is returned when a user lookup yields no results.
var ErrUserNotFound = errors.New("user not found")

// ErrUserExists is returned when attempting to create a duplicate username.
var ErrUserExists = errors.New("user already exists")

// User represents a marketplace user. IsOnline and LastSeen are the durable
// presence fields and are mutated only through SetOnline; LastSeen is nil
// for a user who has never connected.
type User struct {
	ID            uuid.UUID
	Username      string
	PasswordHash  string
	IsProvider    bool
	PreferredGame string
	Rank          string
	IsOnline      bool
	LastSeen      *time.Time
	CreatedAt     time.Time
}

// UserRepository provides user persistence operations.
type UserRepository struct {
	db *pgxpool.Pool
}

// NewUserRepository creates a UserRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, username, password_hash, is_provider, preferred_game, rank, is_online, last_seen, created_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsProvider,
		&u.PreferredGame, &u.Rank, &u.IsOnline, &u.LastSeen, &u.CreatedAt)
	return u, err
}

// Create inserts a new user with a bcrypt-hashed password.
//
// Precondition: username and password must be non-empty.
// Postcondition: Returns the created User with ID and CreatedAt set,
// or ErrUserExists if the username is taken.
func (r *UserRepository) Create(ctx context.Context, username, password string, isProvider bool, preferredGame, rank string) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hashing password: %w", err)
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO users (id, username, password_hash, is_provider, preferred_game, rank)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+userColumns,
		uuid.New(), username, string(hash), isProvider, preferredGame, rank,
	)
	u, err := scanUser(row)
	if err != nil {
		if isDuplicateKeyError(err) {
			return User{}, ErrUserExists
		}
		return User{}, fmt.Errorf("inserting user: %w", err)
	}
	return u, nil
}

// GetByID retrieves a user by ID.
//
// Postcondition: Returns the User or ErrUserNotFound.
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// SetOnline updates the durable presence fields for the given user.
//
// Precondition: lastSeen must not be the zero time.
// Postcondition: is_online and last_seen are updated, or ErrUserNotFound
// is returned.
func (r *UserRepository) SetOnline(ctx context.Context, id uuid.UUID, online bool, lastSeen time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET is_online = $1, last_seen = $2 WHERE id = $3`,
		online, lastSeen, id,
	)
	if err != nil {
		return fmt.Errorf("updating presence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
