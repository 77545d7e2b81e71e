package injector

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/ecsnet/internal/config"
	"github.com/zeusync/ecsnet/internal/core/ecs"
	"github.com/zeusync/ecsnet/internal/core/module"
	"github.com/zeusync/ecsnet/internal/core/protocol"
)

func TestInitializeApp(t *testing.T) {
	ecs.ResetWorld()
	t.Cleanup(ecs.ResetWorld)

	cfg := config.Default()
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Server.BridgeChannels = []uint16{5}
	cfg.Logging.Level = "error"

	app, cleanup, err := InitializeApp(cfg)
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, []uint16{5}, app.Bridge.Channels())
	assert.Equal(t, []string{module.WorldModule}, app.Modules())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, app.Server.IsRunning, 2*time.Second, 5*time.Millisecond)
	resp, err := http.Get("http://" + app.Server.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = app.Server.Registry().RegisterSystem("chat", 5)
	require.NoError(t, err)
	assert.Contains(t, app.Server.Registry().Manifest().Channels, "chat")
	assert.Equal(t, protocol.ControlChannel, app.Server.Registry().Manifest().Channels["control"])

	// the world is reachable through its capabilities
	entity, err := app.View.Spawn(ctx)
	require.NoError(t, err)
	assert.True(t, app.World.IsAlive(entity))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.False(t, app.Server.IsRunning())
}

func TestProvideServerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Server.RateLimit = 50
	out, err := ProvideServerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Server.ListenAddress, out.ListenAddr)
	assert.Equal(t, 50, out.RateLimit)
	assert.Equal(t, 60, out.Batcher.FPS)
	assert.Nil(t, out.TLS)

	cfg.Server.Transport = "quic"
	cfg.Server.TLSCertFile = "missing.pem"
	cfg.Server.TLSKeyFile = "missing.key"
	_, err = ProvideServerConfig(cfg)
	assert.Error(t, err)
}
