// Package config loads the shared-ledger configuration from YAML.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/shared-ledger/ledger"
)

// Config is the complete configuration shared by the server and the CLI.
type Config struct {
	Participants        ParticipantsConfig `yaml:"participants"`
	ReimbursementMarker string             `yaml:"reimbursement_marker"`
	Currency            string             `yaml:"currency"`
	Store               StoreConfig        `yaml:"store"`
	Server              ServerConfig       `yaml:"server"`
	Remote              RemoteConfig       `yaml:"remote"`
	RefreshTimeout      Duration           `yaml:"refresh_timeout"`
	LogLevel            string             `yaml:"log_level"`
}

type ParticipantsConfig struct {
	First  string `yaml:"first"`
	Second string `yaml:"second"`
}

// StoreConfig selects the ledger.Store backing the server.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory", "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

type RemoteConfig struct {
	URL string `yaml:"url"`
}

// Duration reads "10s" style strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Default returns the configuration of the legacy deployment.
func Default() *Config {
	return &Config{
		Participants: ParticipantsConfig{
			First:  string(ledger.DefaultPair.First),
			Second: string(ledger.DefaultPair.Second),
		},
		ReimbursementMarker: ledger.DefaultMarker,
		Currency:            ledger.DefaultCurrency,
		Store:               StoreConfig{Driver: DriverSQLite, DSN: "ledger.db"},
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Remote:         RemoteConfig{URL: "http://localhost:8080"},
		RefreshTimeout: Duration{10 * time.Second},
		LogLevel:       "info",
	}
}

// LoadFromFile reads a YAML file over the defaults. Keys missing from the
// file keep their default value.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is LoadFromFile, or Default when path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return LoadFromFile(path)
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if _, err := c.Classifier(); err != nil {
		return fmt.Errorf("participants: %w", err)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q (want memory, sqlite or postgres)", c.Store.Driver)
	}

	if c.RefreshTimeout.Duration <= 0 {
		return fmt.Errorf("refresh_timeout must be positive")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Pair returns the configured participants.
func (c *Config) Pair() ledger.Pair {
	return ledger.Pair{
		First:  ledger.Participant(strings.TrimSpace(c.Participants.First)),
		Second: ledger.Participant(strings.TrimSpace(c.Participants.Second)),
	}
}

// Classifier builds the event classifier for the configured participants.
func (c *Config) Classifier() (*ledger.Classifier, error) {
	return ledger.NewClassifier(c.Pair(), c.ReimbursementMarker)
}

// Level parses log_level.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// Logger builds the text logger used by the binaries.
func (c *Config) Logger() *slog.Logger {
	level, _ := c.Level()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
