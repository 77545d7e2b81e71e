package middlewares

import (
	"context"
	"sync"
	"time"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/protocol"
)

// RateLimit drops inbound packets past limit per window for each client.
// Control packets are never limited.
type RateLimit struct {
	logger  log.Log
	limit   int
	window  time.Duration
	clients sync.Map // client ID -> *clientRateLimit
	now     func() time.Time
}

type clientRateLimit struct {
	mu     sync.Mutex
	count  int
	window time.Time
}

func NewRateLimit(limit int, window time.Duration, logger log.Log) *RateLimit {
	return &RateLimit{
		logger: logger.With(log.String("middleware", "rate_limit")),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (m *RateLimit) Name() string { return "rate_limit" }

func (m *RateLimit) Priority() uint16 { return 800 }

func (m *RateLimit) OnConnect(_ context.Context, peer Peer) error {
	m.clients.Store(peer.ID, &clientRateLimit{window: m.now()})
	return nil
}

func (m *RateLimit) OnDisconnect(_ context.Context, peer Peer, _ string) {
	m.clients.Delete(peer.ID)
}

func (m *RateLimit) BeforeHandle(_ context.Context, peer Peer, packet protocol.Packet) error {
	if m.limit <= 0 || packet.Channel == protocol.ControlChannel {
		return nil
	}

	now := m.now()
	value, _ := m.clients.LoadOrStore(peer.ID, &clientRateLimit{window: now})
	limit := value.(*clientRateLimit)

	limit.mu.Lock()
	defer limit.mu.Unlock()

	if now.Sub(limit.window) > m.window {
		limit.count = 0
		limit.window = now
	}
	if limit.count >= m.limit {
		m.logger.Warn("Rate limit exceeded",
			log.String("client_id", peer.ID),
			log.Uint16("channel", packet.Channel),
			log.Int("limit", m.limit),
		)
		return failure.Newf(failure.KindInvalidState, "middleware.rate_limit", "client %s exceeded %d packets per %s", peer.ID, m.limit, m.window)
	}
	limit.count++
	return nil
}

func (m *RateLimit) AfterHandle(context.Context, Peer, protocol.Packet, time.Duration, error) {}
