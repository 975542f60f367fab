// Package config loads service configuration from the environment, with
// an optional .env file for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/evoladder/evoladder/internal/sqlstore"
)

// Config is the full service configuration. Required variables missing
// from the environment are fatal at startup.
type Config struct {
	DatabaseURL  string
	DatabaseType sqlstore.Dialect

	ListenAddr string

	// WorkerProcesses sizes the replay parse pool.
	WorkerProcesses int
	// GlobalTimeout is the idle timeout for interactive views.
	GlobalTimeout time.Duration

	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string

	CatalogDir      string
	ReplayDir       string
	FailedWritesLog string

	InternationalNames bool
}

// Load reads the environment. envFile, when non-empty, is loaded first
// without overriding variables already set.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else {
		// Best effort: a .env in the working directory is a dev nicety.
		godotenv.Load()
	}

	c := &Config{
		ListenAddr:      envOr("LISTEN_ADDR", ":8080"),
		CatalogDir:      os.Getenv("CATALOG_DIR"),
		ReplayDir:       envOr("REPLAY_DIR", "replays"),
		FailedWritesLog: envOr("FAILED_WRITES_LOG", "failed_writes.jsonl"),
		SupabaseURL:     os.Getenv("SUPABASE_URL"),
		SupabaseKey:     os.Getenv("SUPABASE_KEY"),
		SupabaseBucket:  envOr("SUPABASE_BUCKET", "replays"),
	}

	var err error
	if c.DatabaseURL, err = required("DATABASE_URL"); err != nil {
		return nil, err
	}
	dbType, err := required("DATABASE_TYPE")
	if err != nil {
		return nil, err
	}
	if c.DatabaseType, err = sqlstore.ParseDialect(dbType); err != nil {
		return nil, err
	}

	if c.WorkerProcesses, err = envInt("WORKER_PROCESSES", 4); err != nil {
		return nil, err
	}
	secs, err := envInt("GLOBAL_TIMEOUT", 900)
	if err != nil {
		return nil, err
	}
	c.GlobalTimeout = time.Duration(secs) * time.Second

	c.InternationalNames = os.Getenv("INTERNATIONAL_NAMES") == "true"

	if c.SupabaseURL != "" && c.SupabaseKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL set without SUPABASE_KEY")
	}
	return c, nil
}

func required(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is not set", key)
	}
	return v, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}
