package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chainfeed.app/internal/ledger"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "chainfeed.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Difficulty != ledger.DefaultDifficulty || cfg.HashScheme != "fold32" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoad_RepoConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "chainfeed.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Snapshots.Every != 5*time.Minute || cfg.Storage.Driver != DriverSQLite {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoad_OverridesAndNormalizes(t *testing.T) {
	p := writeConfig(t, `
difficulty: 1
hash_scheme: " FOLD32-Signed "
max_mining_iterations: 1000
storage:
  driver: Memory
snapshots:
  every: 30s
transport:
  max_queue: 100000
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HashScheme != "fold32-signed" || cfg.Storage.Driver != DriverMemory {
		t.Fatalf("not normalized: %+v", cfg)
	}
	if cfg.Storage.LedgerKey != "blockchain" {
		t.Fatalf("unset keys should keep defaults: %+v", cfg.Storage)
	}
	if cfg.Transport.MaxQueue != 1024 {
		t.Fatalf("max_queue=%d want clamp to 1024", cfg.Transport.MaxQueue)
	}
	opts := cfg.LedgerOptions()
	if opts.Scheme != ledger.SchemeFold32Signed || opts.Difficulty != 1 || opts.MaxIterations != 1000 {
		t.Fatalf("ledger options=%+v", opts)
	}
	if cfg.Snapshots.Every != 30*time.Second {
		t.Fatalf("every=%s", cfg.Snapshots.Every)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown scheme":      "hash_scheme: sha256\n",
		"negative difficulty": "difficulty: -1\n",
		"unreachable signed":  "hash_scheme: fold32-signed\ndifficulty: 2\n",
		"unreachable fold32":  "difficulty: 9\n",
		"unknown driver":      "storage:\n  driver: redis\n",
		"same keys":           "storage:\n  ledger_key: k\n  user_key: k\n",
		"sqlite without path": "storage:\n  driver: sqlite\n  path: \"\"\n",
		"events without dir":  "events:\n  enabled: true\n  dir: \"\"\n",
		"bad yaml":            "difficulty: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), "chainfeed.yaml") {
				t.Fatalf("error should name the file: %v", err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !os.IsNotExist(err) {
		t.Fatalf("err=%v want not-exist", err)
	}
}
