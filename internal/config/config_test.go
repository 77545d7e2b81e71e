package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/ecsnet/internal/core/failure"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60, cfg.Batcher.FPS)
	assert.Equal(t, 64<<10, cfg.Batcher.MaxBatchBytes)
	assert.Equal(t, uint64(1000), cfg.Reconnect.InitialDelayMS)
	assert.Equal(t, uint64(60000), cfg.Reconnect.MaxDelayMS)
	assert.Equal(t, 1.5, cfg.Reconnect.Multiplier)
	assert.True(t, cfg.Reconnect.Jitter)
	assert.Zero(t, cfg.Reconnect.MaxAttempts)
}

func TestLoad(t *testing.T) {
	t.Run("overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ecsnet.toml")
		require.NoError(t, os.WriteFile(path, []byte(`
[server]
listen_address = "127.0.0.1:9000"
transport = "quic"
write_timeout = "3s"
bridge_channels = [10, 11]

[batcher]
fps = 30

[modules]
search_paths = ["a", "b"]
autoload = ["ecs"]
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddress)
		assert.Equal(t, "quic", cfg.Server.Transport)
		assert.Equal(t, 3*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, []uint16{10, 11}, cfg.Server.BridgeChannels)
		assert.Equal(t, 30, cfg.Batcher.FPS)
		assert.Equal(t, 64<<10, cfg.Batcher.MaxBatchBytes)
		assert.Equal(t, []string{"a", "b"}, cfg.Modules.SearchPaths)
		assert.Equal(t, []string{"ecs"}, cfg.Modules.Autoload)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		assert.True(t, failure.Is(err, failure.KindNotFound))
	})

	tests := []struct {
		name string
		text string
	}{
		{"syntax", "[server"},
		{"unknown key", "[server]\nlisten = \"x\""},
		{"transport", "[server]\ntransport = \"tcp\""},
		{"fps", "[batcher]\nfps = 0"},
		{"multiplier", "[reconnect]\nmultiplier = 0.5"},
		{"delays", "[reconnect]\ninitial_delay_ms = 5000\nmax_delay_ms = 100"},
		{"postgres without dsn", "[snapshot]\ndriver = \"postgres\""},
		{"half tls", "[server]\ntls_cert_file = \"cert.pem\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			assert.True(t, failure.Is(err, failure.KindInvalidInput), "got %v", err)
		})
	}
}
