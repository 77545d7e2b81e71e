// Package client is the Go SDK for the connection fabric: it dials the
// server, tracks the channel manifest, routes packets to per-channel
// handlers and reconnects with backoff.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/protocol"
	"github.com/zeusync/ecsnet/internal/core/protocol/quic"
	"github.com/zeusync/ecsnet/internal/core/protocol/websocket"
)

const (
	TransportWebSocket = websocket.TransportName
	TransportQUIC      = quic.TransportName
)

// Config holds configuration for the client
type Config struct {
	// ServerAddr is a ws:// url for websocket or host:port for QUIC.
	ServerAddr     string
	Transport      string
	ConnectTimeout time.Duration
	MaxMessageSize int
	// TLS is used by QUIC; nil skips certificate verification.
	TLS *tls.Config

	AutoReconnect bool
	Reconnect     ReconnectConfig

	LogLevel log.Level
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		ServerAddr:     "ws://localhost:8080/ws",
		Transport:      TransportWebSocket,
		ConnectTimeout: 10 * time.Second,
		MaxMessageSize: 1 << 20,
		AutoReconnect:  true,
		Reconnect:      DefaultReconnectConfig(),
		LogLevel:       log.LevelInfo,
	}
}

// PacketHandler receives packets of one channel. Handlers run on the read
// goroutine and should not block.
type PacketHandler func(packet protocol.Packet)

// Client represents a fabric client connection
type Client struct {
	config    Config
	logger    log.Log
	reconnect *Reconnector

	connMu sync.RWMutex
	conn   protocol.Conn

	manifestMu    sync.RWMutex
	manifest      map[string]uint16
	manifestReady chan struct{}

	handlerMu sync.RWMutex
	handlers  map[uint16][]PacketHandler

	waiterMu sync.Mutex
	waiters  map[protocol.ControlType][]chan protocol.Packet

	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	workers   sync.WaitGroup
}

// NewClient creates a new client. The logger may be nil.
func NewClient(config Config, logger log.Log) *Client {
	if logger == nil {
		logger = log.New(config.LogLevel)
	}
	if config.Transport == "" {
		config.Transport = TransportWebSocket
	}
	c := &Client{
		config:        config,
		logger:        logger.With(log.String("component", "client")),
		manifest:      make(map[string]uint16),
		manifestReady: make(chan struct{}),
		handlers:      make(map[uint16][]PacketHandler),
		waiters:       make(map[protocol.ControlType][]chan protocol.Packet),
		done:          make(chan struct{}),
	}
	c.reconnect = NewReconnector(config.Reconnect, logger)
	c.logger.Info("Client created",
		log.String("server_addr", config.ServerAddr),
		log.String("transport", config.Transport))
	return c
}

// Connect establishes connection to the server
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.connected.Load() {
		return ErrAlreadyConnected
	}
	if err := c.connect(ctx); err != nil {
		return err
	}
	c.reconnect.Connected()
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	if c.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	c.logger.Info("Connecting to server", log.String("addr", c.config.ServerAddr))
	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Error("Failed to connect to server",
			log.String("addr", c.config.ServerAddr),
			log.Error(err))
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.manifestMu.Lock()
	c.manifestReady = make(chan struct{})
	c.manifestMu.Unlock()

	c.connected.Store(true)
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		c.readLoop(conn)
	}()

	c.logger.Info("Connected to server", log.String("remote_addr", conn.RemoteAddr()))
	return nil
}

func (c *Client) dial(ctx context.Context) (protocol.Conn, error) {
	switch c.config.Transport {
	case TransportWebSocket:
		config := websocket.DefaultConfig()
		if c.config.MaxMessageSize > 0 {
			config.MaxMessageSize = int64(c.config.MaxMessageSize)
		}
		return websocket.Dial(ctx, c.config.ServerAddr, config)
	case TransportQUIC:
		config := quic.DefaultConfig()
		if c.config.MaxMessageSize > 0 {
			config.MaxMessageSize = c.config.MaxMessageSize
		}
		tlsConfig := c.config.TLS
		if tlsConfig == nil {
			tlsConfig = quic.InsecureClientTLS()
		}
		return quic.Dial(ctx, c.config.ServerAddr, tlsConfig, config)
	default:
		return nil, fmt.Errorf("%w: transport %q", ErrInvalidConfig, c.config.Transport)
	}
}

func (c *Client) readLoop(conn protocol.Conn) {
	c.logger.Debug("Packet receiver started")
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, err)
			c.logger.Debug("Packet receiver stopped")
			return
		}
		packets, err := protocol.DecodeFrame(data)
		if err != nil {
			c.logger.Warn("Dropping malformed frame", log.Int("size", len(data)), log.Error(err))
			continue
		}
		for _, packet := range packets {
			c.dispatch(packet)
		}
	}
}

func (c *Client) dispatch(packet protocol.Packet) {
	if packet.Channel == protocol.ControlChannel {
		c.handleControl(packet)
	}

	c.handlerMu.RLock()
	handlers := c.handlers[packet.Channel]
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(packet)
	}
}

func (c *Client) handleControl(packet protocol.Packet) {
	t := protocol.ControlType(packet.Type)
	switch t {
	case protocol.ControlChannelManifest:
		manifest, err := protocol.DecodeManifest(packet.Payload)
		if err != nil {
			c.logger.Error("Corrupt channel manifest", log.Error(err))
			return
		}
		c.manifestMu.Lock()
		c.manifest = manifest.Channels
		select {
		case <-c.manifestReady:
		default:
			close(c.manifestReady)
		}
		c.manifestMu.Unlock()
		c.logger.Debug("Channel manifest updated", log.Int("channels", len(manifest.Channels)))

	case protocol.ControlChannelRegistered:
		ch, err := protocol.DecodeChannelRegistered(packet.Payload)
		if err != nil {
			c.logger.Warn("Malformed channel notice", log.Error(err))
			return
		}
		c.manifestMu.Lock()
		c.manifest[ch.Name] = ch.ID
		c.manifestMu.Unlock()

	case protocol.ControlChannelUnregistered:
		id, err := protocol.DecodeChannelUnregistered(packet.Payload)
		if err != nil {
			c.logger.Warn("Malformed channel notice", log.Error(err))
			return
		}
		c.manifestMu.Lock()
		for name, cid := range c.manifest {
			if cid == id {
				delete(c.manifest, name)
			}
		}
		c.manifestMu.Unlock()

	case protocol.ControlRegisterResponse, protocol.ControlQueryResponse, protocol.ControlListResponse:
		c.resolve(t, packet)

	case protocol.ControlError:
		c.logger.Warn("Server reported an error", log.String("error", string(packet.Payload)))
	}
}

// await queues a waiter for the next control reply of type t. Replies on a
// connection arrive in request order.
func (c *Client) await(t protocol.ControlType) chan protocol.Packet {
	ch := make(chan protocol.Packet, 1)
	c.waiterMu.Lock()
	c.waiters[t] = append(c.waiters[t], ch)
	c.waiterMu.Unlock()
	return ch
}

func (c *Client) resolve(t protocol.ControlType, packet protocol.Packet) {
	c.waiterMu.Lock()
	queue := c.waiters[t]
	if len(queue) == 0 {
		c.waiterMu.Unlock()
		return
	}
	ch := queue[0]
	c.waiters[t] = queue[1:]
	c.waiterMu.Unlock()
	ch <- packet
}

func (c *Client) abandonWaiters() {
	c.waiterMu.Lock()
	for t, queue := range c.waiters {
		for _, ch := range queue {
			close(ch)
		}
		delete(c.waiters, t)
	}
	c.waiterMu.Unlock()
}

func (c *Client) request(ctx context.Context, packet protocol.Packet, reply protocol.ControlType) (protocol.Packet, error) {
	wait := c.await(reply)
	if err := c.Send(packet); err != nil {
		c.waiterMu.Lock()
		queue := c.waiters[reply]
		for i, ch := range queue {
			if ch == wait {
				c.waiters[reply] = append(queue[:i], queue[i+1:]...)
				break
			}
		}
		c.waiterMu.Unlock()
		return protocol.Packet{}, err
	}
	select {
	case p, ok := <-wait:
		if !ok {
			return protocol.Packet{}, ErrNotConnected
		}
		return p, nil
	case <-ctx.Done():
		return protocol.Packet{}, ctx.Err()
	}
}

func (c *Client) connectionLost(conn protocol.Conn, cause error) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	c.connMu.Unlock()

	c.connected.Store(false)
	c.abandonWaiters()
	if c.closed.Load() {
		return
	}

	c.logger.Warn("Connection lost", log.Error(cause))
	c.reconnect.Disconnected()
	if c.config.AutoReconnect {
		c.workers.Add(1)
		go func() {
			defer c.workers.Done()
			c.reconnectLoop()
		}()
	}
}

func (c *Client) reconnectLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, err := c.reconnect.WaitBeforeReconnect(ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("Giving up on reconnection", log.Error(err))
			}
			return
		}
		err := c.connect(ctx)
		if err == nil {
			c.reconnect.Connected()
			return
		}
		if c.closed.Load() {
			return
		}
		c.logger.Warn("Reconnection failed",
			log.Int("attempt", c.reconnect.Attempt()),
			log.Error(err))
	}
}

// Disconnect closes the connection without reconnecting.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.logger.Info("Disconnecting from server")
	c.connected.Store(false)
	c.abandonWaiters()
	err := conn.Close("client disconnect")
	c.reconnect.Disconnected()
	return err
}

// Close closes the client and releases all resources
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("Closing client")
	close(c.done)
	if c.connected.Load() {
		_ = c.Disconnect()
	}
	c.workers.Wait()
	c.logger.Info("Client closed")
	return nil
}

// Send writes packets as one frame.
func (c *Client) Send(packets ...protocol.Packet) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(protocol.EncodeFrame(packets...))
}

// SendNamed resolves channel through the manifest and sends one packet.
func (c *Client) SendNamed(channel string, typ uint16, priority protocol.Priority, payload []byte) error {
	id, ok := c.ChannelID(channel)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	return c.Send(protocol.NewPacket(id, typ, priority, payload))
}

// On registers handler for packets of channel.
func (c *Client) On(channel uint16, handler PacketHandler) {
	c.handlerMu.Lock()
	c.handlers[channel] = append(c.handlers[channel], handler)
	c.handlerMu.Unlock()
	c.logger.Debug("Packet handler registered", log.Uint16("channel", channel))
}

// OnStateChange registers fn for every reconnect state transition.
func (c *Client) OnStateChange(fn func(State)) {
	c.reconnect.OnStateChange(fn)
}

func (c *Client) State() State { return c.reconnect.State() }

// ChannelID resolves a channel name through the last manifest.
func (c *Client) ChannelID(name string) (uint16, bool) {
	c.manifestMu.RLock()
	defer c.manifestMu.RUnlock()
	id, ok := c.manifest[name]
	return id, ok
}

// Manifest returns a copy of the known channels.
func (c *Client) Manifest() map[string]uint16 {
	c.manifestMu.RLock()
	defer c.manifestMu.RUnlock()
	out := make(map[string]uint16, len(c.manifest))
	for name, id := range c.manifest {
		out[name] = id
	}
	return out
}

// WaitForManifest blocks until the current connection delivered a manifest.
func (c *Client) WaitForManifest(ctx context.Context) error {
	c.manifestMu.RLock()
	ready := c.manifestReady
	c.manifestMu.RUnlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestManifest asks the server to resend the manifest.
func (c *Client) RequestManifest() error {
	return c.Send(protocol.RequestManifestPacket())
}

func (c *Client) RegisterSystem(ctx context.Context, name string, id uint16) (uint16, error) {
	return c.register(ctx, protocol.RegisterSystemPacket(id, name))
}

func (c *Client) RegisterPlugin(ctx context.Context, name string) (uint16, error) {
	return c.register(ctx, protocol.RegisterPluginPacket(name))
}

func (c *Client) register(ctx context.Context, packet protocol.Packet) (uint16, error) {
	reply, err := c.request(ctx, packet, protocol.ControlRegisterResponse)
	if err != nil {
		return 0, err
	}
	resp, err := protocol.DecodeRegisterResponse(reply.Payload)
	if err != nil {
		return 0, err
	}
	if !resp.OK {
		return 0, fmt.Errorf("%w: %s", ErrRegisterRejected, resp.Error)
	}
	return resp.ID, nil
}

// QueryChannel asks the server for the id of name.
func (c *Client) QueryChannel(ctx context.Context, name string) (uint16, bool, error) {
	reply, err := c.request(ctx, protocol.QueryChannelPacket(name), protocol.ControlQueryResponse)
	if err != nil {
		return 0, false, err
	}
	resp, err := protocol.DecodeQueryResponse(reply.Payload)
	if err != nil {
		return 0, false, err
	}
	return resp.ID, resp.Found, nil
}

func (c *Client) ListChannels(ctx context.Context) ([]protocol.Channel, error) {
	reply, err := c.request(ctx, protocol.ListChannelsPacket(), protocol.ControlListResponse)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeListResponse(reply.Payload)
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// IsClosed returns true if the client is closed
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}
