package ecs

import (
	"time"

	"github.com/cespare/xxhash/v2"
)

// EventID is a stable tag shared by producers and subscribers.
type EventID uint32

// Built-in lifecycle events. Custom events use EventIDOf.
const (
	EventBeforeEntitySpawn EventID = iota + 1
	EventAfterEntitySpawn
	EventBeforeEntityDespawn
	EventAfterEntityDespawn
	EventBeforeComponentAdd
	EventAfterComponentAdd
	EventBeforeComponentRemove
	EventAfterComponentRemove
	EventBeforeSystemExecute
	EventAfterSystemExecute
	EventModuleLoaded
	EventModuleUnloaded
)

// reservedEventIDs is the range kept for built-in events.
const reservedEventIDs = 1 << 10

// EventIDOf derives a custom event tag from name. Tags never collide with the
// built-in range.
func EventIDOf(name string) EventID {
	id := uint32(xxhash.Sum64String(name))
	if id < reservedEventIDs {
		id |= 1 << 31
	}
	return EventID(id)
}

// Priority orders queued events during a drain, highest first.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
	PriorityPre
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	case PriorityPre:
		return "pre"
	default:
		return "unknown"
	}
}

func (p Priority) valid() bool { return p <= PriorityPre }

// Phase selects when a subscriber runs relative to the event.
type Phase uint8

const (
	PhasePre Phase = iota
	PhasePost
)

func (p Phase) String() string {
	if p == PhasePre {
		return "pre"
	}
	return "post"
}

// Verdict is a Pre handler's answer. Post handler verdicts are ignored.
type Verdict uint8

const (
	Proceed Verdict = iota
	Cancel
)

// Event is an untyped notification; handlers interpret Data.
type Event struct {
	ID        EventID
	Data      []byte
	Priority  Priority
	Source    EntityRef
	Timestamp time.Time
}

func NewEvent(id EventID, data []byte) Event {
	return Event{ID: id, Data: data, Priority: PriorityNormal, Source: EntityRef{ID: NullEntity}}
}

// WithSource returns a copy of the event attributed to source.
func (e Event) WithSource(source EntityRef) Event {
	e.Source = source
	return e
}

func (e Event) WithPriority(p Priority) Event {
	e.Priority = p
	return e
}

// HandlerRef names the capability operation that receives an event. The
// command payload is the encoded Event; the reply's first byte, if present,
// is the Verdict.
type HandlerRef struct {
	Capability string
	Op         string
}

// Subscription binds a handler to an event in one phase.
type Subscription struct {
	ID      SubscriptionID
	EventID EventID
	Phase   Phase
	Handler HandlerRef
}
