package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_USER",
		"POSTGRES_PASSWORD", "POSTGRES_DB", "POSTGRES_SSLMODE", "POSTGRES_MAX_CONNS",
	} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "skypetl", cfg.User)
	assert.Equal(t, "skypetl", cfg.Database)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, int32(10), cfg.MaxConns)
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_PORT", "15432")
	t.Setenv("POSTGRES_USER", "ingest")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "exports")
	t.Setenv("POSTGRES_MAX_CONNS", "4")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, 15432, cfg.Port)
	assert.Equal(t, "ingest", cfg.User)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "exports", cfg.Database)
	assert.Equal(t, int32(4), cfg.MaxConns)
}

func TestLoadConfigFromEnvInvalidPort(t *testing.T) {
	t.Setenv("POSTGRES_PORT", "not-a-port")
	_, err := LoadConfigFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POSTGRES_PORT")
}

func TestDSN(t *testing.T) {
	cfg := Config{
		Host: "localhost", Port: 5432, User: "u", Password: "p",
		Database: "d", SSLMode: "disable",
	}
	assert.Equal(t,
		"host=localhost port=5432 user=u password=p dbname=d sslmode=disable",
		cfg.DSN())
}
