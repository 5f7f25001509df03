// Package config provides configuration loading and defaults for the swaddle
// daemon.
//
// Configuration is loaded from a TOML file in the user's data directory. The
// file covers inhibit timing, the inhibitor command line, which media players
// are considered, bus call timeouts, and logging. Values are resolved once at
// startup; the daemon never reloads them.
package config

//go:generate go run ../../cmd/genconfig

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"tools.zach/dev/swaddle/internal/atomicfile"
	"tools.zach/dev/swaddle/internal/migrate"
	"tools.zach/dev/swaddle/internal/paths"
)

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config represents the top-level application configuration.
type Config struct {
	// Version is the config schema version used for migrations.
	Version int `toml:"version"`
	// Debug lowers the log level to debug regardless of [LogConfig.Level].
	Debug bool `toml:"debug"`
	// Server holds inhibit timing.
	Server ServerConfig `toml:"server"`
	// Inhibitor holds the external inhibitor command settings.
	Inhibitor InhibitorConfig `toml:"inhibitor"`
	// Players holds media player discovery settings.
	Players PlayersConfig `toml:"players"`
	// Bus holds session bus settings.
	Bus BusConfig `toml:"bus"`
	// Log holds logging settings.
	Log LogConfig `toml:"log"`
}

// ServerConfig holds the two cadences that drive the reconciliation loop.
type ServerConfig struct {
	// InhibitDurationSeconds is how long each inhibitor child lives, and
	// therefore how far apart start/stop decisions are while inhibiting.
	InhibitDurationSeconds uint64 `toml:"inhibit_duration_seconds"`
	// SleepDurationSeconds is the poll interval between playback checks.
	SleepDurationSeconds uint64 `toml:"sleep_duration_seconds"`
}

// InhibitorConfig holds the command line used to block idle.
type InhibitorConfig struct {
	// Command is the inhibitor binary, looked up in PATH when not absolute.
	Command string `toml:"command"`
	// What is the inhibition class passed to --what.
	What string `toml:"what"`
	// Who is the application name passed to --who.
	Who string `toml:"who"`
	// Why is the human-readable reason passed to --why.
	Why string `toml:"why"`
	// Mode is the inhibition mode passed to --mode: "block" or "delay".
	Mode string `toml:"mode"`
	// StopTimeoutSeconds bounds each wait after signalling the child.
	StopTimeoutSeconds uint64 `toml:"stop_timeout_seconds"`
}

// PlayersConfig holds media player discovery settings.
type PlayersConfig struct {
	// Prefix is the bus name prefix identifying media players.
	Prefix string `toml:"prefix"`
	// Ignore lists glob patterns for bus names that never inhibit.
	Ignore []string `toml:"ignore"`
}

// BusConfig holds session bus settings.
type BusConfig struct {
	// CallTimeoutSeconds bounds every bus method call.
	CallTimeoutSeconds uint64 `toml:"call_timeout_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation.
	MaxSizeMB int `toml:"max_size_mb"`
}

// ///////////////////////////////////////////////
// Default Configuration
// ///////////////////////////////////////////////

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: migrate.Config.CurrentVersion,
		Debug:   false,
		Server: ServerConfig{
			InhibitDurationSeconds: 25,
			SleepDurationSeconds:   5,
		},
		Inhibitor: InhibitorConfig{
			Command:            "systemd-inhibit",
			What:               "idle",
			Who:                "swaddle",
			Why:                "audio playing",
			Mode:               "block",
			StopTimeoutSeconds: 2,
		},
		Players: PlayersConfig{
			Prefix: "org.mpris.MediaPlayer2.",
			Ignore: []string{},
		},
		Bus: BusConfig{
			CallTimeoutSeconds: 5,
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
	}
}

// ExampleConfig returns a Config suitable for generating config.default.toml.
func ExampleConfig() *Config {
	return DefaultConfig()
}

// ///////////////////////////////////////////////
// Durations
// ///////////////////////////////////////////////

// InhibitDuration returns [ServerConfig.InhibitDurationSeconds] as a duration.
func (c *Config) InhibitDuration() time.Duration {
	return time.Duration(c.Server.InhibitDurationSeconds) * time.Second
}

// PollInterval returns [ServerConfig.SleepDurationSeconds] as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Server.SleepDurationSeconds) * time.Second
}

// StopTimeout returns [InhibitorConfig.StopTimeoutSeconds] as a duration.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Inhibitor.StopTimeoutSeconds) * time.Second
}

// CallTimeout returns [BusConfig.CallTimeoutSeconds] as a duration.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Bus.CallTimeoutSeconds) * time.Second
}

// ///////////////////////////////////////////////
// PeekVersion
// ///////////////////////////////////////////////

// PeekVersion reads just the version field from raw TOML bytes.
// Returns 1 if the version field is missing or zero; unversioned files
// predate the schema registry.
func PeekVersion(data []byte) int {
	var v struct {
		Version int `toml:"version"`
	}
	if err := toml.Unmarshal(data, &v); err != nil {
		return 1
	}
	if v.Version == 0 {
		return 1
	}
	return v.Version
}

// ///////////////////////////////////////////////
// Loading and Saving
// ///////////////////////////////////////////////

// Load reads and parses the configuration file from dataDir/config.toml.
// If the file doesn't exist, returns DefaultConfig.
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, paths.ConfigFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	version := PeekVersion(data)

	shouldMigrate := migrate.Config.NeedsMigration(version)
	if shouldMigrate {
		// Write backup before migration
		if backupErr := os.WriteFile(path+".bak", data, 0o644); backupErr != nil {
			slog.Warn("failed to write config backup", "error", backupErr)
		}
		var migrateErr error
		data, _, migrateErr = migrate.Config.Run(data, version)
		if migrateErr != nil {
			return nil, fmt.Errorf("migrate config: %w", migrateErr)
		}
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Version = migrate.Config.CurrentVersion

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if shouldMigrate {
		if err := cfg.Save(path); err != nil {
			slog.Warn("failed to save migrated config", "error", err)
		}
	}

	return cfg, nil
}

// Save writes the config to disk as TOML using atomic file write.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return atomicfile.Write(path, buf.Bytes(), 0o644)
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// maxSeconds is the largest whole-second count a [time.Duration] can hold.
const maxSeconds = uint64(math.MaxInt64 / int64(time.Second))

// checkSeconds rejects zero and values that overflow [time.Duration].
func checkSeconds(key string, v uint64) error {
	if v == 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	if v > maxSeconds {
		return fmt.Errorf("%s must be <= %d, got %d", key, maxSeconds, v)
	}
	return nil
}

// Validate checks that all configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if err := checkSeconds("inhibit_duration_seconds", c.Server.InhibitDurationSeconds); err != nil {
		return err
	}
	if err := checkSeconds("sleep_duration_seconds", c.Server.SleepDurationSeconds); err != nil {
		return err
	}
	// The loop sleeps for poll interval plus inhibit duration while inhibiting.
	if c.Server.InhibitDurationSeconds+c.Server.SleepDurationSeconds > maxSeconds {
		return fmt.Errorf("inhibit_duration_seconds + sleep_duration_seconds must be <= %d", maxSeconds)
	}

	if strings.TrimSpace(c.Inhibitor.Command) == "" {
		return fmt.Errorf("inhibitor.command must not be empty")
	}
	if c.Inhibitor.What == "" {
		return fmt.Errorf("inhibitor.what must not be empty")
	}
	switch c.Inhibitor.Mode {
	case "block", "delay":
	default:
		return fmt.Errorf("invalid inhibitor.mode %q: must be block or delay", c.Inhibitor.Mode)
	}
	if err := checkSeconds("stop_timeout_seconds", c.Inhibitor.StopTimeoutSeconds); err != nil {
		return err
	}

	if c.Players.Prefix == "" {
		return fmt.Errorf("players.prefix must not be empty")
	}
	for _, pattern := range c.Players.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid players.ignore pattern %q", pattern)
		}
	}

	if err := checkSeconds("call_timeout_seconds", c.Bus.CallTimeoutSeconds); err != nil {
		return err
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log.level %q: must be trace, debug, info, warn, or error", c.Log.Level)
	}
	if c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("max_size_mb must be > 0, got %d", c.Log.MaxSizeMB)
	}

	return nil
}
