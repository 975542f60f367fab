package config

import (
	"testing"
	"time"

	"github.com/evoladder/evoladder/internal/sqlstore"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "ladder.db")
	t.Setenv("DATABASE_TYPE", "sqlite")

	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.DatabaseType != sqlstore.SQLite {
		t.Errorf("dialect = %v", c.DatabaseType)
	}
	if c.WorkerProcesses != 4 {
		t.Errorf("workers = %d, want default 4", c.WorkerProcesses)
	}
	if c.GlobalTimeout != 900*time.Second {
		t.Errorf("timeout = %v", c.GlobalTimeout)
	}
	if c.ListenAddr != ":8080" {
		t.Errorf("listen = %q", c.ListenAddr)
	}
}

func TestMissingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_TYPE", "sqlite")
	if _, err := Load(""); err == nil {
		t.Fatal("missing DATABASE_URL accepted")
	}

	t.Setenv("DATABASE_URL", "ladder.db")
	t.Setenv("DATABASE_TYPE", "")
	if _, err := Load(""); err == nil {
		t.Fatal("missing DATABASE_TYPE accepted")
	}

	t.Setenv("DATABASE_TYPE", "oracle")
	if _, err := Load(""); err == nil {
		t.Fatal("unknown dialect accepted")
	}
}

func TestBadNumbers(t *testing.T) {
	t.Setenv("DATABASE_URL", "ladder.db")
	t.Setenv("DATABASE_TYPE", "sqlite")

	t.Setenv("WORKER_PROCESSES", "zero")
	if _, err := Load(""); err == nil {
		t.Fatal("non-numeric WORKER_PROCESSES accepted")
	}
	t.Setenv("WORKER_PROCESSES", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("zero WORKER_PROCESSES accepted")
	}
}

func TestSupabaseNeedsKey(t *testing.T) {
	t.Setenv("DATABASE_URL", "ladder.db")
	t.Setenv("DATABASE_TYPE", "sqlite")
	t.Setenv("SUPABASE_URL", "https://x.supabase.co")
	t.Setenv("SUPABASE_KEY", "")

	if _, err := Load(""); err == nil {
		t.Fatal("SUPABASE_URL without key accepted")
	}
}
