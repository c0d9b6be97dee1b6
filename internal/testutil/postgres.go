// Package testutil provides test helpers including container management.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/squadmate-gg/backend/internal/config"
	"github.com/squadmate-gg/backend/internal/storage/postgres"
)

// PostgresContainer wraps a testcontainers PostgreSQL instance.
type PostgresContainer struct {
	container testcontainers.Container
	Pool      *postgres.Pool
	RawPool   *pgxpool.Pool
	Config    config.DatabaseConfig
}

// NewPostgresContainer starts a PostgreSQL test container and returns
// a connected Pool.
//
// Precondition: Docker must be available.
// Postcondition: Returns a running container with a connected pool,
// or fails the test.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()
	ctx := context.Background()
	start := time.Now()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v [%s]", err, time.Since(start))
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("getting container host: %v", err)
	}

	mappedPort, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("getting mapped port: %v", err)
	}

	dbCfg := config.DatabaseConfig{
		Host:            host,
		Port:            mappedPort.Int(),
		User:            "test",
		Password:        "test",
		Name:            "test",
		SSLMode:         "disable",
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
	}

	pool, err := postgres.NewPool(ctx, dbCfg)
	if err != nil {
		t.Fatalf("connecting to test postgres: %v [%s]", err, time.Since(start))
	}

	t.Logf("postgres container started [%s]", time.Since(start))

	pc := &PostgresContainer{
		container: container,
		Pool:      pool,
		RawPool:   pool.DB(),
		Config:    dbCfg,
	}

	t.Cleanup(func() {
		pool.Close()
		_ = container.Terminate(ctx)
	})

	return pc
}

// ApplyMigrations runs the schema creation SQL directly for tests.
// This avoids requiring the migrate tool in the test environment.
//
// Precondition: Pool must be connected.
// Postcondition: The users, queue_entries, sessions, and messages tables
// exist in the test database.
func (pc *PostgresContainer) ApplyMigrations(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	start := time.Now()

	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id             UUID         PRIMARY KEY,
			username       VARCHAR(64)  NOT NULL UNIQUE,
			password_hash  TEXT         NOT NULL,
			is_provider    BOOLEAN      NOT NULL DEFAULT FALSE,
			preferred_game TEXT         NOT NULL DEFAULT '',
			rank           TEXT         NOT NULL DEFAULT '',
			is_online      BOOLEAN      NOT NULL DEFAULT FALSE,
			last_seen      TIMESTAMPTZ,
			created_at     TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS queue_entries (
			id         UUID        PRIMARY KEY,
			user_id    UUID        NOT NULL REFERENCES users (id),
			game       TEXT        NOT NULL,
			game_mode  TEXT        NOT NULL,
			status     TEXT        NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, game)
		);
		CREATE INDEX IF NOT EXISTS idx_queue_entries_game_status
			ON queue_entries (game, status);

		CREATE TABLE IF NOT EXISTS sessions (
			id          UUID        PRIMARY KEY,
			client_id   UUID        NOT NULL REFERENCES users (id),
			provider_id UUID        NOT NULL REFERENCES users (id),
			game        TEXT        NOT NULL,
			mode        TEXT        NOT NULL,
			status      TEXT        NOT NULL,
			start_time  TIMESTAMPTZ,
			price       BIGINT      NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status);

		CREATE TABLE IF NOT EXISTS messages (
			id         UUID        PRIMARY KEY,
			session_id UUID        NOT NULL REFERENCES sessions (id),
			sender_id  UUID        NOT NULL REFERENCES users (id),
			content    TEXT        NOT NULL,
			type       TEXT        NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, created_at);
	`

	if _, err := pc.RawPool.Exec(ctx, schema); err != nil {
		t.Fatalf("applying schema: %v", err)
	}
	t.Logf("schema applied [%s]", time.Since(start))
}
