package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/ecsnet/internal/core/events/bus"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/protocol"
	"github.com/zeusync/ecsnet/internal/server"
)

func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	srv := server.New(server.DefaultServerConfig(), nil, nil, nil, log.NewNop())
	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		httpServer.Close()
	})
	return srv, "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	config := DefaultClientConfig()
	config.ServerAddr = url
	config.Reconnect = ReconnectConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
	}
	c := NewClient(config, log.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient(t *testing.T) {
	srv, url := startServer(t)
	_, err := srv.Registry().RegisterSystem("world", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newTestClient(t, url)
	require.NoError(t, c.Connect(ctx))
	assert.ErrorIs(t, c.Connect(ctx), ErrAlreadyConnected)
	require.NoError(t, c.WaitForManifest(ctx))

	id, ok := c.ChannelID("world")
	require.True(t, ok)
	assert.Equal(t, uint16(1), id)

	t.Run("register and discover", func(t *testing.T) {
		id, err := c.RegisterPlugin(ctx, "chat")
		require.NoError(t, err)
		assert.Equal(t, protocol.PluginChannelMin, id)

		require.Eventually(t, func() bool {
			got, ok := c.ChannelID("chat")
			return ok && got == id
		}, time.Second, time.Millisecond)

		_, err = c.RegisterSystem(ctx, "world", 2)
		assert.ErrorIs(t, err, ErrRegisterRejected)

		found, ok, err := c.QueryChannel(ctx, "chat")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, id, found)

		channels, err := c.ListChannels(ctx)
		require.NoError(t, err)
		assert.Len(t, channels, 3)
	})

	t.Run("handlers receive broadcasts", func(t *testing.T) {
		received := make(chan protocol.Packet, 1)
		c.On(1, func(p protocol.Packet) { received <- p })

		require.NoError(t, srv.Broadcast(protocol.NewPacket(1, 4, protocol.PriorityBlocker, []byte("tick"))))
		select {
		case p := <-received:
			assert.Equal(t, []byte("tick"), p.Payload)
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast not received")
		}
	})

	t.Run("send reaches the bus", func(t *testing.T) {
		assert.ErrorIs(t, c.SendNamed("missing", 1, protocol.PriorityLow, nil), ErrUnknownChannel)
		published := make(chan bus.Message, 1)
		sub, err := srv.Bus().Subscribe(1, func(msg bus.Message) error {
			published <- msg
			return nil
		})
		require.NoError(t, err)
		defer sub.Cancel()

		require.NoError(t, c.SendNamed("world", 1, protocol.PriorityLow, []byte("move")))
		select {
		case msg := <-published:
			assert.Equal(t, []byte("move"), msg.Payload)
			assert.NotEmpty(t, msg.Origin)
		case <-time.After(2 * time.Second):
			t.Fatal("packet not published")
		}
	})

	t.Run("unregister updates the manifest", func(t *testing.T) {
		require.NoError(t, srv.UnregisterChannel(1))
		require.Eventually(t, func() bool {
			_, ok := c.ChannelID("world")
			return !ok
		}, time.Second, time.Millisecond)
	})
}

func TestClientReconnect(t *testing.T) {
	srv, url := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newTestClient(t, url)

	var mu sync.Mutex
	var states []StateKind
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s.Kind)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(ctx))
	require.Eventually(t, func() bool { return len(srv.Sessions()) == 1 }, time.Second, time.Millisecond)
	first := srv.Sessions()[0].ID

	require.NoError(t, srv.Disconnect(first, "kicked"))
	require.Eventually(t, func() bool {
		sessions := srv.Sessions()
		return len(sessions) == 1 && sessions[0].ID != first && c.IsConnected()
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, c.WaitForManifest(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(states), 4)
	assert.Equal(t, StateConnected, states[0])
	assert.Equal(t, StateDisconnected, states[1])
	assert.Equal(t, StateReconnecting, states[2])
	assert.Equal(t, StateConnected, states[len(states)-1])
}

func TestClientFailsAfterMaxAttempts(t *testing.T) {
	srv, url := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newTestClient(t, url)
	c.reconnect.config.MaxAttempts = 2
	require.NoError(t, c.Connect(ctx))
	require.Eventually(t, func() bool { return len(srv.Sessions()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, srv.Close())
	require.Eventually(t, func() bool {
		return c.State().Kind == StateFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Send(protocol.NewPacket(1, 1, protocol.PriorityLow, nil)), ErrNotConnected)
}

func TestClientClose(t *testing.T) {
	_, url := startServer(t)
	c := newTestClient(t, url)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.IsClosed())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
	assert.ErrorIs(t, c.Send(protocol.NewPacket(1, 1, protocol.PriorityLow, nil)), ErrClientClosed)
}
