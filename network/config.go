package network

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Config defines configuration for a node.
type Config struct {
	Host             string        `json:"host"`
	Port             int           `json:"port"`
	Transport        string        `json:"transport"`
	DedupWindow      time.Duration `json:"dedup_window"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	Peers            []string      `json:"peers"`
	MetricsAddr      string        `json:"metrics_addr"`
	HealthAddr       string        `json:"health_addr"`

	Logger *slog.Logger `json:"-"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:             "127.0.0.1",
		Port:             7946,
		Transport:        "ws",
		DedupWindow:      DefaultDedupWindow,
		HandshakeTimeout: DefaultHandshakeTimeout,
		Peers:            []string{},
	}
}

// Validate checks the configuration for values a node cannot run with. The
// in-process "mem" transport is rejected here, because it needs a shared hub
// that only a caller can provide; see NewNode.
func (c Config) Validate() error {
	return c.validate(false)
}

func (c Config) validate(injected bool) error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	switch c.Transport {
	case "ws", "zmq", "tcp":
	case "mem":
		if !injected {
			return fmt.Errorf("%w: transport %q requires an injected transport", ErrInvalidConfig, c.Transport)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}
	if c.DedupWindow <= 0 {
		return fmt.Errorf("%w: dedup window must be positive", ErrInvalidConfig)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: handshake timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// fileConfig is the on-disk form of Config, with durations as strings such
// as "10s".
type fileConfig struct {
	Host             *string  `json:"host"`
	Port             *int     `json:"port"`
	Transport        *string  `json:"transport"`
	DedupWindow      *string  `json:"dedup_window"`
	HandshakeTimeout *string  `json:"handshake_timeout"`
	Peers            []string `json:"peers"`
	MetricsAddr      *string  `json:"metrics_addr"`
	HealthAddr       *string  `json:"health_addr"`
}

// LoadConfig reads a JSON configuration file. Fields missing from the file
// keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("failed to parse config %q: %w", path, err)
	}

	if fc.Host != nil {
		cfg.Host = *fc.Host
	}
	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if fc.Transport != nil {
		cfg.Transport = *fc.Transport
	}
	if fc.DedupWindow != nil {
		if cfg.DedupWindow, err = time.ParseDuration(*fc.DedupWindow); err != nil {
			return cfg, fmt.Errorf("invalid dedup_window: %w", err)
		}
	}
	if fc.HandshakeTimeout != nil {
		if cfg.HandshakeTimeout, err = time.ParseDuration(*fc.HandshakeTimeout); err != nil {
			return cfg, fmt.Errorf("invalid handshake_timeout: %w", err)
		}
	}
	if fc.Peers != nil {
		cfg.Peers = fc.Peers
	}
	if fc.MetricsAddr != nil {
		cfg.MetricsAddr = *fc.MetricsAddr
	}
	if fc.HealthAddr != nil {
		cfg.HealthAddr = *fc.HealthAddr
	}

	return cfg, cfg.Validate()
}
