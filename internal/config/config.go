// Package config loads the daemon configuration used by `realmsup run`.
//
// Precedence, lowest first: Default(), the TOML file, REALMSUP_* environment
// variables, command-line flags (applied by the CLI).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/roach88/realmsup/internal/ir"
)

// Environment overrides.
const (
	EnvLogLevel = "REALMSUP_LOG_LEVEL"
	EnvDatabase = "REALMSUP_DB"
	EnvSocket   = "REALMSUP_SOCKET"
)

// Config is the resolved daemon configuration.
type Config struct {
	Name     string
	Database string
	Socket   string
	LogLevel slog.Level
	// ReceiveDeadline of zero disables the supervisor receive deadline.
	ReceiveDeadline time.Duration
	// Badges overrides the topology's badge assignment field by field;
	// zero keeps the topology value.
	Badges ir.BadgeValues
}

type fileConfig struct {
	Name            string `toml:"name"`
	Database        string `toml:"database"`
	Socket          string `toml:"socket"`
	LogLevel        string `toml:"log_level"`
	ReceiveDeadline string `toml:"receive_deadline"`
	Badges          struct {
		Request uint64 `toml:"request"`
		Fault   uint64 `toml:"fault"`
	} `toml:"badges"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Name:     "realmsup",
		Database: "realmsup.db",
		LogLevel: slog.LevelInfo,
	}
}

// Load reads path on top of Default. Unknown keys are an error so typos
// do not silently fall back to defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("load config: unknown keys %s", strings.Join(keys, ", "))
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}

	if meta.IsDefined("database") {
		cfg.Database = strings.TrimSpace(raw.Database)
	}

	if meta.IsDefined("socket") {
		cfg.Socket = strings.TrimSpace(raw.Socket)
	}

	if meta.IsDefined("log_level") {
		lvl, ok := ParseLevel(raw.LogLevel)
		if !ok {
			return Config{}, fmt.Errorf("parse log_level: unknown level %q", raw.LogLevel)
		}
		cfg.LogLevel = lvl
	}

	if meta.IsDefined("receive_deadline") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReceiveDeadline))
		if err != nil {
			return Config{}, fmt.Errorf("parse receive_deadline: %w", err)
		}
		if d < 0 {
			return Config{}, fmt.Errorf("parse receive_deadline: %s is negative", d)
		}
		cfg.ReceiveDeadline = d
	}

	if meta.IsDefined("badges", "request") {
		cfg.Badges.Request = raw.Badges.Request
	}

	if meta.IsDefined("badges", "fault") {
		cfg.Badges.Fault = raw.Badges.Fault
	}

	return cfg, nil
}

// ApplyEnv applies REALMSUP_* overrides. Unparseable values are ignored.
func ApplyEnv(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.LogLevel = lvl
	}
	if v := strings.TrimSpace(os.Getenv(EnvDatabase)); v != "" {
		cfg.Database = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSocket)); v != "" {
		cfg.Socket = v
	}
}

// ApplyBadges returns t's badge values with the configured overrides.
func (c Config) ApplyBadges(t ir.BadgeValues) ir.BadgeValues {
	if c.Badges.Request != 0 {
		t.Request = c.Badges.Request
	}
	if c.Badges.Fault != 0 {
		t.Fault = c.Badges.Fault
	}
	return t
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "trace":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
