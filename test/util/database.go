// Package util provides shared helpers for database-backed tests.
package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/chatvault/skypetl/pkg/database"
)

var (
	// Shared connection string for all tests in local dev
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestDatabase connects a database.Client to a fresh PostgreSQL schema
// and returns it with its config. Both CI and local dev use per-test schemas
// for isolation:
//   - CI: connects to an external PostgreSQL service via CI_DATABASE_URL
//   - Local: uses a shared testcontainer, started once per package
//
// Migrations run inside the test schema through the client's normal startup
// path. The schema is dropped on test cleanup.
func SetupTestDatabase(t *testing.T) (*database.Client, database.Config) {
	ctx := context.Background()

	connStr := getOrCreateSharedDatabase(t)
	schemaName := GenerateSchemaName(t)

	// Create the schema over a short-lived connection before the client
	// pins its search_path to it.
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	pool.Close()
	require.NoError(t, err)
	t.Logf("Created test schema: %s", schemaName)

	cfg := configFromConnString(t, connStr)
	cfg.SearchPath = schemaName

	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		pool, err := pgxpool.New(context.Background(), connStr)
		if err != nil {
			t.Logf("Warning: failed to reconnect for schema cleanup: %v", err)
			return
		}
		defer pool.Close()
		if _, err := pool.Exec(context.Background(),
			fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName)); err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schemaName, err)
		}
	})

	return client, cfg
}

// configFromConnString translates a connection URL into the client's Config.
func configFromConnString(t *testing.T, connStr string) database.Config {
	t.Helper()
	parsed, err := pgxpool.ParseConfig(connStr)
	require.NoError(t, err)
	cc := parsed.ConnConfig
	return database.Config{
		Host:            cc.Host,
		Port:            int(cc.Port),
		User:            cc.User,
		Password:        cc.Password,
		Database:        cc.Database,
		SSLMode:         "disable",
		MaxConns:        10,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// getOrCreateSharedDatabase returns a connection string to the shared database.
// In CI, uses CI_DATABASE_URL. In local dev, creates a shared testcontainer once.
func getOrCreateSharedDatabase(t *testing.T) string {
	// Check if we're in CI with an external database
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		return ciDatabaseURL
	}

	// Local dev: ensure shared container is started (once per package)
	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer for all tests")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}

		sharedConnStr = connStr
		t.Logf("Shared container ready: %s", sharedConnStr)
	})

	require.NoError(t, containerErr, "Failed to setup shared test container")
	return sharedConnStr
}

// GenerateSchemaName creates a unique, PostgreSQL-safe schema name for the test.
// Format: test_<sanitized_test_name>_<random_hex>
func GenerateSchemaName(t *testing.T) string {
	testName := strings.ToLower(t.Name())
	testName = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, testName)

	// Limit length to avoid PostgreSQL's 63 char identifier limit
	if len(testName) > 40 {
		testName = testName[:40]
	}

	randomBytes := make([]byte, 4)
	_, err := rand.Read(randomBytes)
	if err != nil {
		t.Fatalf("failed to generate random bytes for schema name: %v", err)
	}
	return fmt.Sprintf("test_%s_%s", testName, hex.EncodeToString(randomBytes))
}
