package server

import (
	"errors"
	"sync"

	"github.com/zeusync/ecsnet/internal/core/ecs"
	"github.com/zeusync/ecsnet/internal/core/events/bus"
	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/protocol"
	"github.com/zeusync/ecsnet/pkg/sequence"
)

// Bridge turns bus traffic on selected channels into connection
// broadcasts. Inbound packets already reach the bus through the server, so
// a bridged channel relays every client packet to every subscribed client,
// the sender included.
type Bridge struct {
	server *Server
	logger log.Log

	mu       sync.RWMutex
	bridged  map[uint16]bus.Subscription
	bindings map[ecs.EntityID]string
}

func NewBridge(server *Server, logger log.Log) *Bridge {
	if logger == nil {
		logger = log.Provide()
	}
	b := &Bridge{
		server:   server,
		logger:   logger.With(log.String("component", "bridge")),
		bridged:  make(map[uint16]bus.Subscription),
		bindings: make(map[ecs.EntityID]string),
	}
	server.OnDisconnect(func(session *Session, _ string) {
		b.unbindConnection(session.ID)
	})
	return b
}

// BridgeChannel forwards every bus message on channel to the connections.
// Blocker messages skip the batcher.
func (b *Bridge) BridgeChannel(channel uint16) error {
	const op = "bridge.bridge_channel"
	if channel == protocol.ControlChannel {
		return failure.New(failure.KindInvalidInput, op, "control channel cannot be bridged")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bridged[channel]; ok {
		return failure.Newf(failure.KindAlreadyExists, op, "channel %d is already bridged", channel)
	}

	sub, err := b.server.bus.Subscribe(channel, func(msg bus.Message) error {
		return b.forward(msg)
	})
	if err != nil {
		return failure.Wrap(failure.KindInvalidState, op, err)
	}
	b.bridged[channel] = sub
	b.logger.Info("Channel bridged", log.Uint16("channel", channel))
	return nil
}

func (b *Bridge) forward(msg bus.Message) error {
	err := b.server.Broadcast(msg.Packet())
	if err != nil {
		b.logger.Warn("Forward failed",
			log.Uint16("channel", msg.Channel),
			log.String("origin", msg.Origin),
			log.Error(err))
	}
	return err
}

// Unbridge stops forwarding channel.
func (b *Bridge) Unbridge(channel uint16) error {
	b.mu.Lock()
	sub, ok := b.bridged[channel]
	delete(b.bridged, channel)
	b.mu.Unlock()
	if !ok {
		return failure.Newf(failure.KindNotFound, "bridge.unbridge", "channel %d is not bridged", channel)
	}
	return sub.Cancel()
}

// Channels lists bridged channel ids in ascending order.
func (b *Bridge) Channels() []uint16 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := sequence.Keys(b.bridged).Sort(func(a, c uint16) bool { return a < c }).Collect()
	if out == nil {
		out = []uint16{}
	}
	return out
}

// Bind routes direct sends for entity to a connection.
func (b *Bridge) Bind(entity ecs.EntityID, connectionID string) error {
	if _, ok := b.server.Session(connectionID); !ok {
		return ErrClientNotFound
	}
	b.mu.Lock()
	b.bindings[entity] = connectionID
	b.mu.Unlock()
	return nil
}

func (b *Bridge) Unbind(entity ecs.EntityID) {
	b.mu.Lock()
	delete(b.bindings, entity)
	b.mu.Unlock()
}

// Binding returns the connection bound to entity.
func (b *Bridge) Binding(entity ecs.EntityID) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.bindings[entity]
	return id, ok
}

func (b *Bridge) unbindConnection(connectionID string) {
	b.mu.Lock()
	for entity, id := range b.bindings {
		if id == connectionID {
			delete(b.bindings, entity)
		}
	}
	b.mu.Unlock()
}

// SendTo writes packet straight to one connection. An unknown connection
// is a no-op.
func (b *Bridge) SendTo(connectionID string, packet protocol.Packet) error {
	err := b.server.SendTo(connectionID, packet)
	if errors.Is(err, ErrClientNotFound) {
		b.logger.Debug("Direct send without target", log.String("client_id", connectionID))
		return nil
	}
	return err
}

// SendToEntity resolves entity through its binding. An unbound entity is a
// no-op.
func (b *Bridge) SendToEntity(entity ecs.EntityID, packet protocol.Packet) error {
	id, ok := b.Binding(entity)
	if !ok {
		b.logger.Debug("Direct send to unbound entity",
			log.Uint32("entity_index", entity.Index),
			log.Uint32("entity_generation", entity.Generation))
		return nil
	}
	return b.SendTo(id, packet)
}

// Close cancels every forwarder.
func (b *Bridge) Close() error {
	b.mu.Lock()
	subs := b.bridged
	b.bridged = make(map[uint16]bus.Subscription)
	b.mu.Unlock()

	var err error
	for _, sub := range subs {
		if cerr := sub.Cancel(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
