// Package database provides the PostgreSQL client, embedded schema
// migrations, and the schema version guard for the pipeline's storage tier.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql (migrations)
)

//go:embed migrations
var migrationsFS embed.FS

// SupportedSchemaVersion is the schema_version value this build understands.
// The client refuses to operate against any other version.
const SupportedSchemaVersion = 1

// ErrSchemaVersion indicates the database schema version does not match what
// this build supports.
var ErrSchemaVersion = errors.New("unsupported schema version")

// Client wraps a pgx connection pool with migration and health helpers.
type Client struct {
	pool *pgxpool.Pool
	cfg  Config
}

// Pool returns the underlying connection pool for direct queries.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Config returns the configuration the client was opened with.
func (c *Client) Config() Config {
	return c.cfg
}

// Close releases the connection pool.
func (c *Client) Close() {
	c.pool.Close()
}

// NewClient opens a connection pool, applies pending migrations, and verifies
// the schema version. Schema creation is idempotent; connecting to an
// already-migrated database applies nothing.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(cfg); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	client := &Client{pool: pool, cfg: cfg}
	if err := client.checkSchemaVersion(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return client, nil
}

// checkSchemaVersion compares the single schema_version row against
// SupportedSchemaVersion.
func (c *Client) checkSchemaVersion(ctx context.Context) error {
	var version int
	err := c.pool.QueryRow(ctx, `SELECT version FROM schema_version`).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version != SupportedSchemaVersion {
		return fmt.Errorf("%w: database has %d, this build supports %d",
			ErrSchemaVersion, version, SupportedSchemaVersion)
	}
	return nil
}

// runMigrations applies embedded SQL migrations through golang-migrate.
// Migration files are embedded into the binary with go:embed so production
// deployments need no external files. The migration run uses a dedicated
// short-lived database/sql connection; the pgx pool never sees DDL.
func runMigrations(cfg Config) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found — binary may be built incorrectly")
	}

	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err == nil {
		slog.Info("Database migrations applied")
	}

	// Close only the migration source. m.Close() would also close the
	// database driver, which closes the *sql.DB mid-use.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// hasEmbeddedMigrations checks if the embedded FS contains any .sql migration files
func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && len(entry.Name()) > 4 && entry.Name()[len(entry.Name())-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}
