package network

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/voidnet/transport"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "ws", cfg.Transport)
	assert.Equal(t, DefaultDedupWindow, cfg.DedupWindow)
	assert.Equal(t, DefaultHandshakeTimeout, cfg.HandshakeTimeout)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty host", func(c *Config) { c.Host = "" }},
		{"negative port", func(c *Config) { c.Port = -1 }},
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"unknown transport", func(c *Config) { c.Transport = "udp" }},
		{"in-process transport without hub", func(c *Config) { c.Transport = "mem" }},
		{"zero dedup window", func(c *Config) { c.DedupWindow = 0 }},
		{"negative handshake timeout", func(c *Config) { c.HandshakeTimeout = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voidnet.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"port": 8000,
		"transport": "zmq",
		"dedup_window": "30s",
		"peers": ["tcp://10.0.0.2:8000"],
		"metrics_addr": ":9090"
	}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "zmq", cfg.Transport)
	assert.Equal(t, 30*time.Second, cfg.DedupWindow)
	assert.Equal(t, DefaultHandshakeTimeout, cfg.HandshakeTimeout)
	assert.Equal(t, []string{"tcp://10.0.0.2:8000"}, cfg.Peers)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Empty(t, cfg.HealthAddr)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	_, err = LoadConfig(write("garbage.json", "{"))
	assert.Error(t, err)

	_, err = LoadConfig(write("duration.json", `{"handshake_timeout": "soon"}`))
	assert.Error(t, err)

	_, err = LoadConfig(write("invalid.json", `{"transport": "udp"}`))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewNodeMemoryTransport(t *testing.T) {
	cfg := testConfig("node-a", 7946)

	_, err := NewNode(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	n, err := NewNode(cfg, transport.NewMemoryTransport(transport.NewHub()))
	require.NoError(t, err)
	t.Cleanup(n.Stop)
	assert.Equal(t, "mem", n.Identity().Scheme)
}
