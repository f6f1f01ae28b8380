package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chainfeed.app/internal/ledger"
)

type Config struct {
	Difficulty          int    `yaml:"difficulty"`
	HashScheme          string `yaml:"hash_scheme"`
	MaxMiningIterations uint64 `yaml:"max_mining_iterations"`

	Storage   StorageConfig   `yaml:"storage"`
	Events    EventsConfig    `yaml:"events"`
	Snapshots SnapshotsConfig `yaml:"snapshots"`
	Transport TransportConfig `yaml:"transport"`
}

type StorageConfig struct {
	Driver    string `yaml:"driver"`
	Path      string `yaml:"path"`
	LedgerKey string `yaml:"ledger_key"`
	UserKey   string `yaml:"user_key"`
}

type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type SnapshotsConfig struct {
	Dir   string        `yaml:"dir"`
	Every time.Duration `yaml:"every"`
	Keep  int           `yaml:"keep"`
}

type TransportConfig struct {
	MaxQueue int `yaml:"max_queue"`
}

const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

func Defaults() Config {
	return Config{
		Difficulty: ledger.DefaultDifficulty,
		HashScheme: string(ledger.SchemeFold32),
		Storage: StorageConfig{
			Driver:    DriverSQLite,
			Path:      "./data/chainfeed.sqlite",
			LedgerKey: "blockchain",
			UserKey:   "username",
		},
		Events: EventsConfig{
			Enabled: true,
			Dir:     "./data/events",
		},
		Snapshots: SnapshotsConfig{
			Dir:   "./data/snapshots",
			Every: 5 * time.Minute,
			Keep:  12,
		},
		Transport: TransportConfig{
			MaxQueue: 32,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	c.HashScheme = strings.ToLower(strings.TrimSpace(c.HashScheme))
	if c.HashScheme == "" {
		c.HashScheme = string(ledger.SchemeFold32)
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverSQLite
	}
	if strings.TrimSpace(c.Storage.LedgerKey) == "" {
		c.Storage.LedgerKey = "blockchain"
	}
	if strings.TrimSpace(c.Storage.UserKey) == "" {
		c.Storage.UserKey = "username"
	}
	if c.Snapshots.Keep < 0 {
		c.Snapshots.Keep = 0
	}
	if c.Transport.MaxQueue <= 0 {
		c.Transport.MaxQueue = 32
	}
	if c.Transport.MaxQueue > 1024 {
		c.Transport.MaxQueue = 1024
	}
}

func (c Config) Validate() error {
	scheme := ledger.Scheme(c.HashScheme)
	if !scheme.Valid() {
		return fmt.Errorf("unknown hash_scheme %q", c.HashScheme)
	}
	if c.Difficulty < 0 {
		return fmt.Errorf("difficulty must be >= 0, got %d", c.Difficulty)
	}
	if c.Difficulty > scheme.MaxDifficulty() {
		return fmt.Errorf("difficulty %d can never be met by hash_scheme %s (max %d)", c.Difficulty, scheme, scheme.MaxDifficulty())
	}
	switch c.Storage.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Storage.LedgerKey == c.Storage.UserKey {
		return fmt.Errorf("storage.ledger_key and storage.user_key must differ")
	}
	if c.Events.Enabled && strings.TrimSpace(c.Events.Dir) == "" {
		return fmt.Errorf("events.dir is required when events are enabled")
	}
	if c.Snapshots.Every > 0 && strings.TrimSpace(c.Snapshots.Dir) == "" {
		return fmt.Errorf("snapshots.dir is required when snapshots.every is set")
	}
	return nil
}

// LedgerOptions returns the ledger options this configuration selects.
func (c Config) LedgerOptions() ledger.Options {
	return ledger.Options{
		Difficulty:    c.Difficulty,
		Scheme:        ledger.Scheme(c.HashScheme),
		MaxIterations: c.MaxMiningIterations,
	}
}
