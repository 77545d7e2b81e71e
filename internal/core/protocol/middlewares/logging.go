package middlewares

import (
	"context"
	"time"

	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/protocol"
)

// Logging traces connection lifecycle and packet handling at debug level.
type Logging struct {
	logger log.Log
}

func NewLogging(logger log.Log) *Logging {
	return &Logging{logger: logger.With(log.String("middleware", "logging"))}
}

func (m *Logging) Name() string { return "logging" }

func (m *Logging) Priority() uint16 { return 1000 }

func (m *Logging) OnConnect(_ context.Context, peer Peer) error {
	m.logger.Debug("Client connected",
		log.String("client_id", peer.ID),
		log.String("remote_addr", peer.RemoteAddr),
		log.String("transport", peer.Transport),
	)
	return nil
}

func (m *Logging) OnDisconnect(_ context.Context, peer Peer, reason string) {
	m.logger.Debug("Client disconnected",
		log.String("client_id", peer.ID),
		log.String("remote_addr", peer.RemoteAddr),
		log.String("reason", reason),
		log.Duration("duration", time.Since(peer.ConnectedAt)),
	)
}

func (m *Logging) BeforeHandle(_ context.Context, peer Peer, packet protocol.Packet) error {
	m.logger.Debug("Processing packet",
		log.String("client_id", peer.ID),
		log.Uint16("channel", packet.Channel),
		log.Uint16("type", packet.Type),
		log.String("priority", packet.Priority.String()),
		log.Int("size", len(packet.Payload)),
	)
	return nil
}

func (m *Logging) AfterHandle(_ context.Context, peer Peer, packet protocol.Packet, elapsed time.Duration, err error) {
	fields := []log.Field{
		log.String("client_id", peer.ID),
		log.Uint16("channel", packet.Channel),
		log.Uint16("type", packet.Type),
		log.Duration("elapsed", elapsed),
	}
	if err != nil {
		m.logger.Warn("Packet handling failed", append(fields, log.Error(err))...)
		return
	}
	m.logger.Debug("Packet handled", fields...)
}
