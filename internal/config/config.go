// Package config loads the relay server configuration from a TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config mirrors the TOML file layout.
type Config struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
	Log    LogSection    `toml:"log"`
}

type ServerSection struct {
	ListenAddr    string `toml:"listen_addr"`
	WebSocketAddr string `toml:"websocket_addr"`
	MetricsAddr   string `toml:"metrics_addr"`
	DatabasePath  string `toml:"database_path"`
}

type LimitsSection struct {
	MaxHistory         int `toml:"max_history"`
	MaxClients         int `toml:"max_clients"`
	MaxNicknameLength  int `toml:"max_nickname_length"`
	MaxImageBytes      int `toml:"max_image_bytes"`
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`
	OutboundQueue      int `toml:"outbound_queue"`
	ShutdownFlushMS    int `toml:"shutdown_flush_ms"`
}

type LogSection struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Server: ServerSection{
			ListenAddr:   ":6000",
			DatabasePath: "chat_record.db",
		},
		Limits: LimitsSection{
			MaxHistory:        10,
			MaxNicknameLength: 32,
			MaxImageBytes:     14 << 20, // a 10 MiB image after base64
			OutboundQueue:     256,
			ShutdownFlushMS:   200,
		},
		Log: LogSection{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// Load reads path, writing the defaults there first if it does not exist.
// Keys absent from the file keep their default values.
func Load(path string) (Config, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Unwritable location is not fatal; run with defaults.
		_ = writeDefault(path, cfg)
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		return fmt.Errorf("server.listen_addr must be set")
	}
	if c.Limits.MaxHistory < 0 {
		return fmt.Errorf("limits.max_history must not be negative")
	}
	if c.Limits.MaxClients < 0 {
		return fmt.Errorf("limits.max_clients must not be negative")
	}
	if c.Limits.MaxNicknameLength <= 0 {
		return fmt.Errorf("limits.max_nickname_length must be positive")
	}
	if c.Limits.OutboundQueue <= 0 {
		return fmt.Errorf("limits.outbound_queue must be positive")
	}
	return nil
}

func (l LimitsSection) IdleTimeout() time.Duration {
	return time.Duration(l.IdleTimeoutSeconds) * time.Second
}

func (l LimitsSection) ShutdownFlush() time.Duration {
	return time.Duration(l.ShutdownFlushMS) * time.Millisecond
}

// DatabasePath returns the database path with ~ expanded.
func (c Config) DatabasePath() (string, error) {
	return ExpandHome(c.Server.DatabasePath)
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

func writeDefault(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Chat relay server configuration
# Generated with default values; restart the server after editing.

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
