package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/ecsnet/internal/core/events/bus"
	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/protocol"
	"github.com/zeusync/ecsnet/internal/core/protocol/websocket"
)

const waitFor = 2 * time.Second

type testClient struct {
	conn    *websocket.Conn
	packets chan protocol.Packet
}

func (c *testClient) send(t *testing.T, packets ...protocol.Packet) {
	t.Helper()
	require.NoError(t, c.conn.WriteMessage(protocol.EncodeFrame(packets...)))
}

// next returns the next packet matching keep, skipping the rest.
func (c *testClient) next(t *testing.T, keep func(protocol.Packet) bool) protocol.Packet {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case p, ok := <-c.packets:
			require.True(t, ok, "connection closed")
			if keep(p) {
				return p
			}
		case <-timeout:
			t.Fatal("timed out waiting for packet")
		}
	}
}

func (c *testClient) control(t *testing.T, typ protocol.ControlType) protocol.Packet {
	t.Helper()
	return c.next(t, func(p protocol.Packet) bool {
		return p.Channel == protocol.ControlChannel && p.Type == uint16(typ)
	})
}

func (c *testClient) data(t *testing.T) protocol.Packet {
	t.Helper()
	return c.next(t, func(p protocol.Packet) bool { return p.Channel != protocol.ControlChannel })
}

func (c *testClient) closed(t *testing.T) {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case _, ok := <-c.packets:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("connection still open")
		}
	}
}

type fixture struct {
	server *Server
	url    string
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	config := DefaultServerConfig()
	if mutate != nil {
		mutate(&config)
	}
	srv := New(config, nil, nil, nil, log.NewNop())
	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		httpServer.Close()
	})
	return &fixture{server: srv, url: "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"}
}

func (f *fixture) dial(t *testing.T) *testClient {
	t.Helper()
	before := f.server.GetStats().TotalConnections

	conn, err := websocket.Dial(context.Background(), f.url, websocket.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close("test done") })

	c := &testClient{conn: conn, packets: make(chan protocol.Packet, 256)}
	go func() {
		defer close(c.packets)
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			packets, err := protocol.DecodeFrame(data)
			if err != nil {
				return
			}
			for _, p := range packets {
				c.packets <- p
			}
		}
	}()

	require.Eventually(t, func() bool {
		return f.server.GetStats().TotalConnections > before
	}, waitFor, time.Millisecond)
	return c
}

// session returns the newest session.
func (f *fixture) session(t *testing.T) *Session {
	t.Helper()
	var newest *Session
	for _, s := range f.server.Sessions() {
		if newest == nil || s.ConnectedAt.After(newest.ConnectedAt) {
			newest = s
		}
	}
	require.NotNil(t, newest)
	return newest
}

func TestServerConnect(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.server.Registry().RegisterSystem("movement", 5)
	require.NoError(t, err)

	c := f.dial(t)
	manifest, err := protocol.DecodeManifest(c.control(t, protocol.ControlChannelManifest).Payload)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint16{"control": 0, "movement": 5}, manifest.Channels)

	session := f.session(t)
	assert.Contains(t, []ConnectionState{StateConnected, StateActive}, session.State())
	assert.Equal(t, websocket.TransportName, session.Info().Transport)
}

func TestServerControl(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)
	c.control(t, protocol.ControlChannelManifest)

	t.Run("register plugin", func(t *testing.T) {
		c.send(t, protocol.RegisterPluginPacket("chat"))

		notice, err := protocol.DecodeChannelRegistered(c.control(t, protocol.ControlChannelRegistered).Payload)
		require.NoError(t, err)
		assert.Equal(t, "chat", notice.Name)

		resp, err := protocol.DecodeRegisterResponse(c.control(t, protocol.ControlRegisterResponse).Payload)
		require.NoError(t, err)
		assert.True(t, resp.OK)
		assert.Equal(t, protocol.PluginChannelMin, resp.ID)
	})

	t.Run("register system conflict", func(t *testing.T) {
		c.send(t, protocol.RegisterSystemPacket(3, "physics"))
		resp, err := protocol.DecodeRegisterResponse(c.control(t, protocol.ControlRegisterResponse).Payload)
		require.NoError(t, err)
		require.True(t, resp.OK)
		assert.Equal(t, uint16(3), resp.ID)

		c.send(t, protocol.RegisterSystemPacket(3, "other"))
		resp, err = protocol.DecodeRegisterResponse(c.control(t, protocol.ControlRegisterResponse).Payload)
		require.NoError(t, err)
		assert.False(t, resp.OK)
		assert.NotEmpty(t, resp.Error)
	})

	t.Run("query", func(t *testing.T) {
		c.send(t, protocol.QueryChannelPacket("physics"))
		resp, err := protocol.DecodeQueryResponse(c.control(t, protocol.ControlQueryResponse).Payload)
		require.NoError(t, err)
		assert.True(t, resp.Found)
		assert.Equal(t, uint16(3), resp.ID)

		c.send(t, protocol.QueryChannelPacket("missing"))
		resp, err = protocol.DecodeQueryResponse(c.control(t, protocol.ControlQueryResponse).Payload)
		require.NoError(t, err)
		assert.False(t, resp.Found)
	})

	t.Run("list and manifest", func(t *testing.T) {
		c.send(t, protocol.ListChannelsPacket(), protocol.RequestManifestPacket())
		channels, err := protocol.DecodeListResponse(c.control(t, protocol.ControlListResponse).Payload)
		require.NoError(t, err)
		assert.Len(t, channels, 3)

		manifest, err := protocol.DecodeManifest(c.control(t, protocol.ControlChannelManifest).Payload)
		require.NoError(t, err)
		assert.Equal(t, uint16(3), manifest.Channels["physics"])
	})

	t.Run("unexpected control type", func(t *testing.T) {
		before := f.server.GetStats().Malformed
		c.send(t, protocol.RegisterResponse{OK: true, ID: 1}.Packet())
		c.control(t, protocol.ControlError)
		assert.Equal(t, before+1, f.server.GetStats().Malformed)
	})
}

func TestServerInbound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.server.Registry().RegisterSystem("input", 7)
	require.NoError(t, err)

	received := make(chan bus.Message, 1)
	_, err = f.server.Bus().Subscribe(7, func(msg bus.Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	c := f.dial(t)
	session := f.session(t)

	t.Run("publishes on the bus", func(t *testing.T) {
		c.send(t, protocol.NewPacket(7, 2, protocol.PriorityHigh, []byte("jump")))
		select {
		case msg := <-received:
			assert.Equal(t, uint16(7), msg.Channel)
			assert.Equal(t, uint16(2), msg.Type)
			assert.Equal(t, []byte("jump"), msg.Payload)
			assert.Equal(t, session.ID, msg.Origin)
		case <-time.After(waitFor):
			t.Fatal("message not published")
		}
		assert.Equal(t, StateActive, session.State())
	})

	t.Run("unknown channel is dropped", func(t *testing.T) {
		c.send(t, protocol.NewPacket(77, 1, protocol.PriorityLow, nil))
		require.Eventually(t, func() bool {
			return f.server.GetStats().UnknownChannel == 1
		}, waitFor, time.Millisecond)
	})

	t.Run("malformed frame keeps the connection", func(t *testing.T) {
		require.NoError(t, c.conn.WriteMessage([]byte{0, 0, 0, 5}))
		require.Eventually(t, func() bool {
			return f.server.GetStats().Malformed == 1
		}, waitFor, time.Millisecond)

		c.send(t, protocol.QueryChannelPacket("input"))
		c.control(t, protocol.ControlQueryResponse)
		assert.Equal(t, uint64(1), session.Info().Malformed)
	})
}

func TestServerBroadcast(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.server.Registry().RegisterSystem("world", 1)
	require.NoError(t, err)
	_, err = f.server.Registry().RegisterSystem("chat", 2)
	require.NoError(t, err)

	a := f.dial(t)
	sessionA := f.session(t)
	b := f.dial(t)
	sessionB := f.session(t)
	require.NotEqual(t, sessionA.ID, sessionB.ID)

	require.NoError(t, f.server.SubscribeOnly(sessionB.ID, 2))

	require.NoError(t, f.server.Broadcast(protocol.NewPacket(1, 1, protocol.PriorityLow, []byte("low"))))
	require.NoError(t, f.server.Broadcast(protocol.NewPacket(1, 2, protocol.PriorityHigh, []byte("high"))))
	require.NoError(t, f.server.Broadcast(protocol.NewPacket(2, 1, protocol.PriorityMedium, []byte("hello"))))
	assert.Equal(t, 2, f.server.Batcher().Flush())

	// channel order, then priority within the frame
	assert.Equal(t, []byte("high"), a.data(t).Payload)
	assert.Equal(t, []byte("low"), a.data(t).Payload)
	assert.Equal(t, []byte("hello"), a.data(t).Payload)
	assert.Equal(t, []byte("hello"), b.data(t).Payload)

	t.Run("blocker is immediate", func(t *testing.T) {
		require.NoError(t, f.server.Broadcast(protocol.NewPacket(2, 9, protocol.PriorityBlocker, []byte("now"))))
		assert.Equal(t, []byte("now"), b.data(t).Payload)
		assert.Zero(t, f.server.Batcher().Stats().Queued)
	})

	t.Run("unknown channel", func(t *testing.T) {
		err := f.server.Broadcast(protocol.NewPacket(50, 1, protocol.PriorityLow, nil))
		assert.ErrorIs(t, err, ErrUnknownChannel)
		assert.True(t, failure.Is(err, failure.KindNotRegistered))

		err = f.server.SendTo(sessionA.ID, protocol.NewPacket(50, 1, protocol.PriorityLow, nil))
		assert.ErrorIs(t, err, ErrUnknownChannel)
		assert.True(t, failure.Is(err, failure.KindNotRegistered))
	})

	t.Run("direct send", func(t *testing.T) {
		require.NoError(t, f.server.SendTo(sessionA.ID, protocol.NewPacket(1, 3, protocol.PriorityLow, []byte("only a"))))
		got := a.next(t, func(p protocol.Packet) bool { return p.Channel == 1 && p.Type == 3 })
		assert.Equal(t, []byte("only a"), got.Payload)
		assert.ErrorIs(t, f.server.SendTo("nobody", protocol.NewPacket(1, 3, protocol.PriorityLow, nil)), ErrClientNotFound)
	})

	t.Run("unregister notifies", func(t *testing.T) {
		require.NoError(t, f.server.UnregisterChannel(1))
		id, err := protocol.DecodeChannelUnregistered(b.control(t, protocol.ControlChannelUnregistered).Payload)
		require.NoError(t, err)
		assert.Equal(t, uint16(1), id)
		assert.ErrorIs(t, f.server.Broadcast(protocol.NewPacket(1, 1, protocol.PriorityLow, nil)), ErrUnknownChannel)
	})

	stats := f.server.GetStats()
	assert.Equal(t, int64(2), stats.Connections)
	assert.GreaterOrEqual(t, stats.PacketsOut, uint64(5))
}

func TestServerLimits(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxClients = 1 })
	f.dial(t)

	conn, err := websocket.Dial(context.Background(), f.url, websocket.DefaultConfig())
	require.NoError(t, err)
	defer conn.Close("done")
	_, err = conn.ReadMessage()
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		return f.server.GetStats().Rejected == 1
	}, waitFor, time.Millisecond)
	assert.Equal(t, int64(1), f.server.GetStats().Connections)
}

func TestServerHealthChecks(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.IdleAfter = time.Minute
		c.ClientTimeout = time.Hour
	})

	disconnected := make(chan string, 1)
	f.server.OnDisconnect(func(_ *Session, reason string) { disconnected <- reason })

	c := f.dial(t)
	session := f.session(t)

	f.server.performHealthChecks(time.Now().Add(2 * time.Minute))
	assert.Equal(t, StateIdle, session.State())

	f.server.performHealthChecks(time.Now().Add(2 * time.Hour))
	assert.Equal(t, StateDisconnected, session.State())
	assert.Equal(t, "client timeout", <-disconnected)
	assert.Equal(t, "client timeout", session.Reason())
	c.closed(t)
	assert.Equal(t, int64(0), f.server.GetStats().Connections)
}

func TestServerLifecycle(t *testing.T) {
	config := DefaultServerConfig()
	config.ListenAddr = "127.0.0.1:0"
	dashboard := log.NewDashboard(16)
	srv := New(config, nil, nil, dashboard, log.NewWithDashboard(log.LevelInfo, dashboard))

	ctx := context.Background()
	require.NoError(t, srv.Start(ctx))
	assert.ErrorIs(t, srv.Start(ctx), ErrServerAlreadyRunning)
	assert.True(t, srv.IsRunning())

	base := "http://" + srv.Addr()
	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Get(base + "/dashboard")
	require.NoError(t, err)
	var view dashboardView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	_ = resp.Body.Close()
	assert.True(t, view.Stats.Running)
	assert.Contains(t, view.Channels, "control")
	assert.NotEmpty(t, view.Logs)

	require.NoError(t, srv.Stop(ctx))
	assert.ErrorIs(t, srv.Stop(ctx), ErrServerNotRunning)
	require.NoError(t, srv.Close())
	assert.ErrorIs(t, srv.Start(ctx), ErrServerClosed)
}
