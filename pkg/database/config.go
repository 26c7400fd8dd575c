package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds database connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// SearchPath pins every connection to one schema. Empty means the
	// server default. Tests use this for per-test schema isolation.
	SearchPath string

	// Connection pool settings
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN renders the config as a pgx-compatible connection string. Keywords pgx
// does not recognize as connection settings, search_path included, become
// per-connection runtime parameters.
func (c Config) DSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
	if c.SearchPath != "" {
		dsn += " search_path=" + c.SearchPath
	}
	return dsn
}

// LoadConfigFromEnv loads database configuration from the POSTGRES_*
// environment variables.
func LoadConfigFromEnv() (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("POSTGRES_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid POSTGRES_PORT: %w", err)
	}

	maxConns, err := strconv.Atoi(getEnvOrDefault("POSTGRES_MAX_CONNS", "10"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid POSTGRES_MAX_CONNS: %w", err)
	}

	return Config{
		Host:            getEnvOrDefault("POSTGRES_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("POSTGRES_USER", "skypetl"),
		Password:        os.Getenv("POSTGRES_PASSWORD"),
		Database:        getEnvOrDefault("POSTGRES_DB", "skypetl"),
		SSLMode:         getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
		MaxConns:        int32(maxConns),
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
