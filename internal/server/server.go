// Package server is the connection fabric: it accepts duplex connections,
// answers control traffic, publishes inbound packets on the internal bus
// and writes batched frames to subscribed connections.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/ecsnet/internal/core/events/bus"
	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/protocol"
	"github.com/zeusync/ecsnet/internal/core/protocol/batcher"
	"github.com/zeusync/ecsnet/internal/core/protocol/middlewares"
	"github.com/zeusync/ecsnet/internal/core/protocol/quic"
	"github.com/zeusync/ecsnet/internal/core/protocol/websocket"
	"github.com/zeusync/ecsnet/pkg/concurrent"
	"github.com/zeusync/ecsnet/pkg/sequence"
)

const (
	TransportWebSocket = "websocket"
	TransportQUIC      = "quic"
)

// Config holds server configuration
type Config struct {
	ListenAddr     string
	Transport      string
	MaxClients     int
	MaxMessageSize int
	SendQueueSize  int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// Health monitoring
	HealthCheckInterval time.Duration
	IdleAfter           time.Duration
	ClientTimeout       time.Duration

	// RateLimit is packets per second per client; 0 disables it.
	RateLimit int

	Batcher batcher.Config
	// TLS is required for QUIC; a self-signed config is generated when nil.
	TLS *tls.Config
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() Config {
	return Config{
		ListenAddr:          "127.0.0.1:8080",
		Transport:           TransportWebSocket,
		MaxClients:          1000,
		MaxMessageSize:      1 << 20,
		SendQueueSize:       256,
		WriteTimeout:        10 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		IdleAfter:           10 * time.Second,
		ClientTimeout:       60 * time.Second,
		Batcher: batcher.Config{
			FPS:           batcher.DefaultFPS,
			MaxBatchBytes: batcher.DefaultMaxBatchBytes,
		},
	}
}

// PacketHandler observes inbound non-control packets after they were
// published on the bus.
type PacketHandler func(session *Session, packet protocol.Packet)

// DisconnectHandler is told about every dropped connection.
type DisconnectHandler func(session *Session, reason string)

// Server represents the connection fabric
type Server struct {
	config    Config
	registry  *protocol.ChannelRegistry
	bus       bus.Bus
	batcher   *batcher.Batcher
	chain     *middlewares.Chain
	metrics   *middlewares.Metrics
	dashboard *log.Dashboard
	upgrader  *websocket.Upgrader
	logger    log.Log

	sessions     sync.Map // map[string]*Session
	sessionCount atomic.Int64

	hooksMu      sync.RWMutex
	onPacket     []PacketHandler
	onDisconnect []DisconnectHandler

	stats counters

	running atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	workers sync.WaitGroup

	httpServer   *http.Server
	listener     net.Listener
	quicListener *quic.Listener
	addr         atomic.Value
	unwatch      func()
}

type counters struct {
	totalConnections atomic.Uint64
	rejected         atomic.Uint64
	packetsIn        atomic.Uint64
	malformed        atomic.Uint64
	unknownChannel   atomic.Uint64
	directSent       atomic.Uint64
	framesSent       atomic.Uint64
	dropped          atomic.Uint64
}

// Stats contains server statistics
type Stats struct {
	Running          bool           `json:"running"`
	Connections      int64          `json:"connections"`
	States           map[string]int `json:"states"`
	TotalConnections uint64         `json:"total_connections"`
	Rejected         uint64         `json:"rejected"`
	PacketsIn        uint64         `json:"packets_in"`
	PacketsOut       uint64         `json:"packets_out"`
	FramesSent       uint64         `json:"frames_sent"`
	Malformed        uint64         `json:"malformed"`
	UnknownChannel   uint64         `json:"unknown_channel"`
	Dropped          uint64         `json:"dropped"`
	Channels         int            `json:"channels"`
	Batcher          batcher.Stats  `json:"batcher"`
}

// New creates the fabric. The dashboard may be nil.
func New(config Config, registry *protocol.ChannelRegistry, eventBus bus.Bus, dashboard *log.Dashboard, logger log.Log) *Server {
	if logger == nil {
		logger = log.Provide()
	}
	if registry == nil {
		registry = protocol.NewChannelRegistry(logger)
	}
	if eventBus == nil {
		eventBus = bus.New()
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = DefaultServerConfig().SendQueueSize
	}
	if config.MaxClients <= 0 {
		config.MaxClients = DefaultServerConfig().MaxClients
	}

	s := &Server{
		config:    config,
		registry:  registry,
		bus:       eventBus,
		dashboard: dashboard,
		metrics:   middlewares.NewMetrics(),
		logger:    logger.With(log.String("component", "server")),
	}
	s.batcher = batcher.New(config.Batcher, batcher.SinkFunc(s.writeFrame), logger)
	s.chain = middlewares.NewChain(middlewares.NewLogging(logger), s.metrics)
	if config.RateLimit > 0 {
		s.chain.Add(middlewares.NewRateLimit(config.RateLimit, time.Second, logger))
	}

	wsConfig := websocket.DefaultConfig()
	wsConfig.MaxMessageSize = int64(config.MaxMessageSize)
	wsConfig.ReadTimeout = config.ReadTimeout
	wsConfig.WriteTimeout = config.WriteTimeout
	s.upgrader = websocket.NewUpgrader(wsConfig)

	for _, ch := range registry.List() {
		eventBus.DeclareChannel(ch.ID)
	}
	s.unwatch = registry.Watch(s.onRegistryChange)

	s.logger.Info("Server created",
		log.String("listen_addr", config.ListenAddr),
		log.String("transport", config.Transport),
		log.Int("max_clients", config.MaxClients))
	return s
}

func (s *Server) Registry() *protocol.ChannelRegistry { return s.registry }
func (s *Server) Bus() bus.Bus                        { return s.bus }
func (s *Server) Batcher() *batcher.Batcher           { return s.batcher }
func (s *Server) Middlewares() *middlewares.Chain     { return s.chain }

// Use appends a middleware to the inbound chain.
func (s *Server) Use(m middlewares.Middleware) {
	s.chain.Add(m)
}

func (s *Server) OnPacket(h PacketHandler) {
	s.hooksMu.Lock()
	s.onPacket = append(s.onPacket, h)
	s.hooksMu.Unlock()
}

func (s *Server) OnDisconnect(h DisconnectHandler) {
	s.hooksMu.Lock()
	s.onDisconnect = append(s.onDisconnect, h)
	s.hooksMu.Unlock()
}

// Start listens on the configured address and runs the batch loop and the
// health monitor until Stop.
func (s *Server) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}

	s.logger.Info("Starting server")
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		cancel()
		s.running.Store(false)
		s.logger.Error("Failed to create listener", log.Error(err))
		return errors.Join(ErrListenerFailed, err)
	}
	s.listener = listener
	s.addr.Store(listener.Addr().String())
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.goWorker(func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", log.Error(err))
		}
	})

	if s.config.Transport == TransportQUIC {
		if err = s.startQUIC(runCtx, listener.Addr().String()); err != nil {
			_ = s.httpServer.Close()
			cancel()
			s.workers.Wait()
			s.running.Store(false)
			return err
		}
	}

	s.goWorker(func() { s.batcher.Run(runCtx) })
	s.goWorker(func() { s.healthMonitor(runCtx) })

	s.logger.Info("Server listening", log.String("addr", s.Addr()))
	return nil
}

func (s *Server) startQUIC(ctx context.Context, addr string) error {
	tlsConfig := s.config.TLS
	if tlsConfig == nil {
		generated, err := quic.SelfSignedTLS()
		if err != nil {
			return errors.Join(ErrListenerFailed, err)
		}
		tlsConfig = generated
	}

	quicConfig := quic.DefaultConfig()
	quicConfig.MaxMessageSize = s.config.MaxMessageSize
	quicConfig.WriteTimeout = s.config.WriteTimeout

	listener, err := quic.Listen(addr, tlsConfig, quicConfig, s.logger)
	if err != nil {
		return errors.Join(ErrListenerFailed, err)
	}
	s.quicListener = listener

	s.goWorker(func() {
		for {
			conn, err := listener.Accept(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, protocol.ErrTransportClosed) {
					s.logger.Error("Failed to accept connection", log.Error(err))
				}
				return
			}
			go s.Serve(conn)
		}
	})
	return nil
}

func (s *Server) goWorker(fn func()) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		fn()
	}()
}

// Addr is the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if addr, ok := s.addr.Load().(string); ok {
		return addr
	}
	return s.config.ListenAddr
}

// Stop closes listeners and every connection, then waits for workers.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrServerNotRunning
	}
	s.logger.Info("Stopping server")

	s.cancel()
	if s.quicListener != nil {
		_ = s.quicListener.Close()
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			_ = s.httpServer.Close()
		}
	}

	s.dropAll("server shutting down")
	s.workers.Wait()
	s.logger.Info("Server stopped")
	return nil
}

// Close stops the server if needed and releases the registry watch.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.Stop(context.Background()); err != nil {
		s.dropAll("server closed")
	}
	s.unwatch()
	s.logger.Info("Server closed")
	return nil
}

func (s *Server) dropAll(reason string) {
	concurrent.ParallelMute(s.Sessions(), func(session *Session) error {
		s.drop(session, reason)
		return nil
	})
}

func (s *Server) IsRunning() bool { return s.running.Load() }

// Serve runs one connection until it drops. It blocks.
func (s *Server) Serve(conn protocol.Conn) {
	if int(s.sessionCount.Load()) >= s.config.MaxClients {
		s.stats.rejected.Add(1)
		s.logger.Warn("Maximum clients reached, rejecting connection", log.String("remote_addr", conn.RemoteAddr()))
		_ = conn.Close(ErrMaxClientsReached.Error())
		return
	}

	session := newSession(conn, s.config.SendQueueSize, s.logger)
	if err := s.chain.OnConnect(context.Background(), session.middleware); err != nil {
		s.stats.rejected.Add(1)
		session.logger.Warn("Connection refused by middleware", log.Error(err))
		session.close(err.Error())
		return
	}

	s.sessions.Store(session.ID, session)
	s.sessionCount.Add(1)
	s.stats.totalConnections.Add(1)

	go session.writeLoop(func(err error) {
		session.logger.Debug("Write failed", log.Error(err))
		s.drop(session, "write failed")
	})

	// the manifest is the first frame every client sees
	_ = session.enqueue(protocol.EncodeFrame(s.registry.Manifest().Packet()))
	session.transition(StateConnected, StateConnecting)

	session.logger.Info("Client connected",
		log.String("transport", conn.Transport()),
		log.Int64("total_clients", s.sessionCount.Load()))

	s.readLoop(session)
}

func (s *Server) readLoop(session *Session) {
	for {
		data, err := session.Conn.ReadMessage()
		if err != nil {
			reason := "connection closed"
			if !errors.Is(err, protocol.ErrConnectionClosed) {
				reason = err.Error()
				session.logger.Debug("Read failed", log.Error(err))
			}
			s.drop(session, reason)
			return
		}
		session.touch()

		packets, err := protocol.DecodeFrame(data)
		if err != nil {
			session.malformed.Add(1)
			s.stats.malformed.Add(1)
			s.metrics.Reject()
			session.logger.Warn("Dropping malformed frame", log.Int("size", len(data)), log.Error(err))
			continue
		}
		for _, packet := range packets {
			s.handlePacket(session, packet)
		}
	}
}

func (s *Server) handlePacket(session *Session, packet protocol.Packet) {
	session.packetsIn.Add(1)
	s.stats.packetsIn.Add(1)

	ctx := context.Background()
	if err := s.chain.BeforeHandle(ctx, session.middleware, packet); err != nil {
		s.metrics.Reject()
		return
	}

	start := time.Now()
	var err error
	if packet.Channel == protocol.ControlChannel {
		err = s.handleControl(session, packet)
	} else {
		err = s.handleData(session, packet)
	}
	s.chain.AfterHandle(ctx, session.middleware, packet, time.Since(start), err)
}

func (s *Server) handleData(session *Session, packet protocol.Packet) error {
	if !s.registry.IsRegistered(packet.Channel) {
		s.stats.unknownChannel.Add(1)
		session.logger.Warn("Packet on unknown channel", log.Uint16("channel", packet.Channel))
		return unknownChannel("server.handle_data", packet.Channel)
	}

	err := s.bus.Publish(bus.FromPacket(packet, session.ID))

	s.hooksMu.RLock()
	handlers := s.onPacket
	s.hooksMu.RUnlock()
	for _, h := range handlers {
		h(session, packet)
	}
	return err
}

// drop closes session once and notifies disconnect handlers.
func (s *Server) drop(session *Session, reason string) {
	if !session.close(reason) {
		return
	}
	s.sessions.Delete(session.ID)
	s.sessionCount.Add(-1)
	s.chain.OnDisconnect(context.Background(), session.middleware, reason)

	s.hooksMu.RLock()
	handlers := s.onDisconnect
	s.hooksMu.RUnlock()
	for _, h := range handlers {
		h(session, reason)
	}

	session.logger.Info("Client disconnected",
		log.String("reason", reason),
		log.Int64("total_clients", s.sessionCount.Load()))
}

// Broadcast queues packet for every connection subscribed to its channel.
// Blocker packets go out immediately.
func (s *Server) Broadcast(packet protocol.Packet) error {
	if !s.registry.IsRegistered(packet.Channel) {
		return unknownChannel("server.broadcast", packet.Channel)
	}
	return s.batcher.Enqueue(packet)
}

// unknownChannel fails NotRegistered and still matches ErrUnknownChannel.
func unknownChannel(op string, channel uint16) error {
	return failure.Wrap(failure.KindNotRegistered, op, fmt.Errorf("%w: %d", ErrUnknownChannel, channel))
}

// SendTo writes packet to one connection, skipping the batcher.
func (s *Server) SendTo(sessionID string, packet protocol.Packet) error {
	session, ok := s.Session(sessionID)
	if !ok {
		return ErrClientNotFound
	}
	if !s.registry.IsRegistered(packet.Channel) {
		return unknownChannel("server.send_to", packet.Channel)
	}
	if err := session.enqueue(protocol.EncodeFrame(packet)); err != nil {
		s.stats.dropped.Add(1)
		return err
	}
	s.stats.directSent.Add(1)
	return nil
}

// writeFrame is the batcher sink.
func (s *Server) writeFrame(channel uint16, frame []byte) {
	s.sessions.Range(func(_, value any) bool {
		session := value.(*Session)
		if !session.Subscribed(channel) {
			return true
		}
		if err := session.enqueue(frame); err != nil {
			s.stats.dropped.Add(1)
			session.logger.Warn("Frame dropped", log.Uint16("channel", channel), log.Error(err))
			return true
		}
		s.stats.framesSent.Add(1)
		return true
	})
}

func (s *Server) broadcastControl(packets ...protocol.Packet) {
	frame := protocol.EncodeFrame(packets...)
	s.sessions.Range(func(_, value any) bool {
		if err := value.(*Session).enqueue(frame); err != nil {
			s.stats.dropped.Add(1)
		}
		return true
	})
}

func (s *Server) onRegistryChange(change protocol.ChannelChange) {
	var notice protocol.Packet
	switch change.Kind {
	case protocol.ChannelAdded:
		s.bus.DeclareChannel(change.Channel.ID)
		notice = protocol.ChannelRegisteredPacket(change.Channel)
	case protocol.ChannelRemoved:
		s.batcher.Drop(change.Channel.ID)
		notice = protocol.ChannelUnregisteredPacket(change.Channel.ID)
	default:
		return
	}
	s.broadcastControl(notice, s.registry.Manifest().Packet())
}

// UnregisterChannel removes a channel and tells every connection.
func (s *Server) UnregisterChannel(id uint16) error {
	_, err := s.registry.Unregister(id)
	return err
}

func (s *Server) Session(id string) (*Session, bool) {
	value, ok := s.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return value.(*Session), true
}

func (s *Server) Sessions() []*Session {
	var out []*Session
	s.sessions.Range(func(_, value any) bool {
		out = append(out, value.(*Session))
		return true
	})
	return out
}

// Disconnect closes one connection with reason.
func (s *Server) Disconnect(id, reason string) error {
	session, ok := s.Session(id)
	if !ok {
		return ErrClientNotFound
	}
	s.drop(session, reason)
	return nil
}

// Subscribe adds channel to the connection's subscriptions.
func (s *Server) Subscribe(id string, channel uint16) error {
	session, ok := s.Session(id)
	if !ok {
		return ErrClientNotFound
	}
	session.subscribe(channel)
	return nil
}

func (s *Server) Unsubscribe(id string, channel uint16) error {
	session, ok := s.Session(id)
	if !ok {
		return ErrClientNotFound
	}
	session.unsubscribe(channel)
	return nil
}

// SubscribeOnly limits the connection to channels.
func (s *Server) SubscribeOnly(id string, channels ...uint16) error {
	session, ok := s.Session(id)
	if !ok {
		return ErrClientNotFound
	}
	session.subscribeOnly(channels)
	return nil
}

// GetStats returns server statistics
func (s *Server) GetStats() Stats {
	batch := s.batcher.Stats()
	return Stats{
		Running:     s.running.Load(),
		Connections: s.sessionCount.Load(),
		States: sequence.CountBy(sequence.From(s.Sessions()), func(session *Session) string {
			return session.State().String()
		}),
		TotalConnections: s.stats.totalConnections.Load(),
		Rejected:         s.stats.rejected.Load(),
		PacketsIn:        s.stats.packetsIn.Load(),
		PacketsOut:       batch.Packets + batch.Blockers + s.stats.directSent.Load(),
		FramesSent:       s.stats.framesSent.Load(),
		Malformed:        s.stats.malformed.Load(),
		UnknownChannel:   s.stats.unknownChannel.Load(),
		Dropped:          s.stats.dropped.Load(),
		Channels:         len(s.registry.List()),
		Batcher:          batch,
	}
}

// healthMonitor moves silent connections to Idle and drops those past the
// client timeout.
func (s *Server) healthMonitor(ctx context.Context) {
	if s.config.HealthCheckInterval <= 0 {
		return
	}
	s.logger.Debug("Health monitor started")

	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthChecks(time.Now())
		case <-ctx.Done():
			s.logger.Debug("Health monitor stopped")
			return
		}
	}
}

func (s *Server) performHealthChecks(now time.Time) {
	var idle, timedOut int
	for _, session := range s.Sessions() {
		silent := now.Sub(session.LastSeen())
		switch {
		case s.config.ClientTimeout > 0 && silent > s.config.ClientTimeout:
			timedOut++
			s.drop(session, "client timeout")
		case s.config.IdleAfter > 0 && silent > s.config.IdleAfter:
			if session.transition(StateIdle, StateActive, StateConnected) {
				idle++
			}
		}
	}

	if idle > 0 || timedOut > 0 {
		s.logger.Info("Health check completed",
			log.Int("idle_clients", idle),
			log.Int("disconnected_clients", timedOut),
			log.Int64("active_clients", s.sessionCount.Load()))
	}
}
