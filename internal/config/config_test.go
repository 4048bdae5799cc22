package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "polystore.db" {
		t.Fatalf("unexpected storage defaults %+v", cfg.Storage)
	}
	if cfg.Sync.BatchSize != 100 || cfg.Sync.MaxRetries != 3 {
		t.Fatalf("unexpected sync defaults %+v", cfg.Sync)
	}
	if cfg.CDS.RequiredApprovals != 2 || cfg.CDS.DistinctApprovers {
		t.Fatalf("unexpected cds defaults %+v", cfg.CDS)
	}
	if cfg.MAC.DecisionTTL != 5*time.Minute {
		t.Fatalf("unexpected mac defaults %+v", cfg.MAC)
	}
}

func TestFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "polystore.yaml")
	body := []byte("listen_addr: \":9090\"\nstorage:\n  driver: memory\nsync:\n  batch_size: 25\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.Storage.Driver != "memory" || cfg.Sync.BatchSize != 25 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Fatalf("unset keys must keep defaults, got %+v", cfg.Sync)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("POLYSTORE_STORAGE_DRIVER", "postgres")
	t.Setenv("POLYSTORE_STORAGE_DSN", "postgres://db/polystore")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != "postgres://db/polystore" {
		t.Fatalf("environment not applied: %+v", cfg.Storage)
	}
}

func TestValidation(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cfg.Storage.Driver = "oracle"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("unknown driver must fail validation")
	}

	cfg.Storage.Driver = "sqlite"
	cfg.Storage.Path = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("sqlite without a path must fail validation")
	}

	cfg.Storage.Path = "x.db"
	cfg.Archive.Enabled = true
	cfg.Archive.Bucket = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("archiving without a bucket must fail validation")
	}
}

func TestMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("an explicitly named missing config file must fail")
	}
}
