package middlewares

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/ecsnet/internal/core/protocol"
)

// Metrics counts handled packets per channel.
type Metrics struct {
	channels    sync.Map // channel id -> *channelMetrics
	connects    atomic.Uint64
	disconnects atomic.Uint64
	rejected    atomic.Uint64
}

type channelMetrics struct {
	mu          sync.Mutex
	count       uint64
	errors      uint64
	bytes       uint64
	totalTime   time.Duration
	lastUpdated time.Time
}

type ChannelMetrics struct {
	Count       uint64        `json:"count"`
	Errors      uint64        `json:"errors"`
	Bytes       uint64        `json:"bytes"`
	AverageTime time.Duration `json:"average_time"`
	LastUpdated time.Time     `json:"last_updated"`
}

type MetricsSnapshot struct {
	Connects    uint64                    `json:"connects"`
	Disconnects uint64                    `json:"disconnects"`
	Rejected    uint64                    `json:"rejected"`
	Channels    map[uint16]ChannelMetrics `json:"channels"`
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) Name() string { return "metrics" }

func (m *Metrics) Priority() uint16 { return 100 }

func (m *Metrics) OnConnect(context.Context, Peer) error {
	m.connects.Add(1)
	return nil
}

func (m *Metrics) OnDisconnect(context.Context, Peer, string) {
	m.disconnects.Add(1)
}

func (m *Metrics) BeforeHandle(context.Context, Peer, protocol.Packet) error {
	return nil
}

func (m *Metrics) AfterHandle(_ context.Context, _ Peer, packet protocol.Packet, elapsed time.Duration, err error) {
	value, _ := m.channels.LoadOrStore(packet.Channel, &channelMetrics{})
	metrics := value.(*channelMetrics)

	metrics.mu.Lock()
	metrics.count++
	metrics.bytes += uint64(len(packet.Payload))
	metrics.totalTime += elapsed
	metrics.lastUpdated = time.Now()
	if err != nil {
		metrics.errors++
	}
	metrics.mu.Unlock()
}

// Reject records a packet dropped before it reached the chain.
func (m *Metrics) Reject() {
	m.rejected.Add(1)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	out := MetricsSnapshot{
		Connects:    m.connects.Load(),
		Disconnects: m.disconnects.Load(),
		Rejected:    m.rejected.Load(),
		Channels:    make(map[uint16]ChannelMetrics),
	}
	m.channels.Range(func(key, value any) bool {
		metrics := value.(*channelMetrics)
		metrics.mu.Lock()
		cm := ChannelMetrics{
			Count:       metrics.count,
			Errors:      metrics.errors,
			Bytes:       metrics.bytes,
			LastUpdated: metrics.lastUpdated,
		}
		if metrics.count > 0 {
			cm.AverageTime = metrics.totalTime / time.Duration(metrics.count)
		}
		metrics.mu.Unlock()
		out.Channels[key.(uint16)] = cm
		return true
	})
	return out
}
