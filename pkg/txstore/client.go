// Package txstore is the Transactional Store (§4.3): projects, connectors,
// survey responses with embeddings, cached feedback analyses, and persisted
// CRO reports. Follows pkg/database/client.go's shape — pgx driver,
// golang-migrate with embedded migrations run on startup — but queries
// through sqlx instead of a generated ent client (DESIGN.md).
package txstore

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds connection-pool settings for the transactional store.
type Config struct {
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig fills pool settings not supplied by the caller.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Client wraps a pooled *sqlx.DB and exposes one repository per entity.
type Client struct {
	db *sqlx.DB

	Projects  *ProjectRepo
	Connectors *ConnectorRepo
	Surveys   *SurveyRepo
	Feedback  *FeedbackRepo
	Reports   *ReportRepo
}

// DB returns the underlying database handle for health checks.
func (c *Client) DB() *stdsql.DB { return c.db.DB }

// Close releases the connection pool.
func (c *Client) Close() error { return c.db.Close() }

// NewClient opens the pool, runs migrations, and wires the repositories.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	db, err := stdsql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := createVectorIndex(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create vector index: %w", err)
	}

	sdb := sqlx.NewDb(db, "pgx")

	return &Client{
		db:         sdb,
		Projects:   &ProjectRepo{db: sdb},
		Connectors: &ConnectorRepo{db: sdb},
		Surveys:    &SurveyRepo{db: sdb},
		Feedback:   &FeedbackRepo{db: sdb},
		Reports:    &ReportRepo{db: sdb},
	}, nil
}

// NewClientFromDB wraps an already-open connection (used by tests against a
// testcontainers-managed Postgres).
func NewClientFromDB(db *stdsql.DB) *Client {
	sdb := sqlx.NewDb(db, "pgx")
	return &Client{
		db:         sdb,
		Projects:   &ProjectRepo{db: sdb},
		Connectors: &ConnectorRepo{db: sdb},
		Surveys:    &SurveyRepo{db: sdb},
		Feedback:   &FeedbackRepo{db: sdb},
		Reports:    &ReportRepo{db: sdb},
	}
}

// runMigrations applies every embedded *.sql migration using golang-migrate,
// the same shape as runMigrations in pkg/database/client.go.
func runMigrations(db *stdsql.DB) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "croanalysis", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Don't call m.Close(): it would also close db via the postgres driver,
	// which the caller still owns.
	return sourceDriver.Close()
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	for _, entry := range entries {
		if !entry.IsDir() && len(entry.Name()) > 4 && entry.Name()[len(entry.Name())-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}

// createVectorIndex creates the IVFFlat cosine-distance index on
// survey_responses.comment_embedding (§4.3: "list-based inverted file with
// 100 clusters"). Not expressible as a plain migration because it must be
// idempotent against re-runs and tolerant of an empty table at first boot.
func createVectorIndex(ctx context.Context, db *stdsql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_survey_responses_embedding
		ON survey_responses
		USING ivfflat (comment_embedding vector_cosine_ops)
		WITH (lists = 100)
	`)
	return err
}

// Health reports whether the underlying connection is reachable, in the
// same shape pkg/database/health.go returns to the /health endpoint.
func Health(ctx context.Context, db *stdsql.DB) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return "unreachable", err
	}
	return "ok", nil
}
