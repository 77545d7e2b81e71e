package bus

import (
	"time"

	"github.com/zeusync/ecsnet/internal/core/protocol"
)

// Bus is a thread-safe, in-process pub/sub keyed by channel id. Channel ids
// share the numbering of the wire channel registry, so a bus channel and a
// wire channel with the same id carry the same traffic.
//
// Key characteristics:
// - Channel fan-out: handlers subscribe to one channel id, or to all of them.
// - Synchronous delivery: Publish calls handlers in the caller goroutine.
// - Error aggregation: handler errors are joined and returned from Publish/PublishBatch.
// - Optional observability: metrics are produced only when observers are registered.
//
// Handlers should be quick or offload heavy work to avoid blocking publishers.
type Bus interface {
	// Publish delivers msg synchronously to every subscriber of msg.Channel,
	// then to every wildcard subscriber.
	Publish(msg Message) error
	// PublishWithFilters drops msg without error when any filter rejects it.
	PublishWithFilters(msg Message, filters ...Filter) error
	// PublishAsync publishes in a separate goroutine; the returned channel
	// receives the joined error (or nil) and is then closed.
	PublishAsync(msg Message) <-chan error
	// PublishBatch publishes sequentially and aggregates errors.
	PublishBatch(msgs ...Message) error

	Subscribe(channel uint16, handler Handler) (Subscription, error)
	// SubscribeAll receives every published message regardless of channel.
	SubscribeAll(handler Handler) (Subscription, error)
	// Unsubscribe is safe with nil.
	Unsubscribe(Subscription) error

	// DeclareChannel records a channel without subscribing. Idempotent.
	DeclareChannel(channel uint16)
	Channels() []ChannelInfo
	HasSubscribers(channel uint16) bool

	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
	// GetMetrics is a best-effort snapshot, collected only while an
	// observer is registered.
	GetMetrics() Metrics

	// SaveState serializes declared channels. Subscriptions are not
	// persisted.
	SaveState() ([]byte, error)
	LoadState(data []byte) error
}

// Message is one unit of bus traffic. Treat it as read-only once published.
type Message struct {
	Channel  uint16
	Type     uint16
	Priority protocol.Priority
	Payload  []byte
	// Origin names the connection the message arrived from; empty for
	// messages produced in-process.
	Origin    string
	Timestamp time.Time
}

func NewMessage(channel, typ uint16, priority protocol.Priority, payload []byte) Message {
	return Message{Channel: channel, Type: typ, Priority: priority, Payload: payload, Timestamp: time.Now()}
}

// FromPacket wraps a packet received from origin.
func FromPacket(p protocol.Packet, origin string) Message {
	return Message{
		Channel:   p.Channel,
		Type:      p.Type,
		Priority:  p.Priority,
		Payload:   p.Payload,
		Origin:    origin,
		Timestamp: time.Now(),
	}
}

func (m Message) Packet() protocol.Packet {
	return protocol.NewPacket(m.Channel, m.Type, m.Priority, m.Payload)
}

type (
	Handler func(msg Message) error
	// Filter decides whether a message should be delivered.
	Filter func(msg Message) bool
)

// Subscription is a registered handler. Cancel is safe to call repeatedly.
type Subscription interface {
	ID() string
	// Channel is the subscribed channel; Wildcard reports SubscribeAll.
	Channel() uint16
	Wildcard() bool
	IsActive() bool
	Cancel() error
}

// Observer is notified about deliveries and errors. Observers should
// return quickly.
type Observer interface {
	OnPublish(msg Message)
	OnDelivered(msg Message, handlers int, err error, duration time.Duration)
}

type Metrics struct {
	Published         uint64
	DeliveredHandlers uint64
	Errors            uint64
	DroppedByFilters  uint64
	SubscribersActive uint64
	Channels          uint64
}

type ChannelInfo struct {
	Channel uint16
	Subs    int
}
