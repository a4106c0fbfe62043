// Package config loads the service configuration from YAML and checks
// it against an embedded CUE schema before anything touches the values.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/muster-io/muster/internal/notary"
)

//go:embed schema.cue
var schemaSource string

// Config is the validated service configuration.
type Config struct {
	DBPath     string `yaml:"db_path" json:"db_path"`
	LogLevel   string `yaml:"log_level" json:"log_level"`
	AuditQueue int    `yaml:"audit_queue" json:"audit_queue"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DBPath:     "muster.db",
		LogLevel:   "info",
		AuditQueue: notary.DefaultQueueSize,
	}
}

// Load reads a YAML config file, fills unset fields with defaults and
// validates the result. An empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate unifies the configuration with the embedded schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("config schema missing #Config: %w", err)
	}

	unified := def.Unify(ctx.Encode(c))
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SlogLevel maps the configured level to a slog.Level.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
