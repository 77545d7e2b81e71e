package bus

import (
	"bytes"
	"encoding/gob"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// persistence structures
type busState struct {
	Channels []uint16
}

type subscription struct {
	id       string
	channel  uint16
	wildcard bool
	handler  Handler
	active   atomic.Bool
	cancel   func()
	once     sync.Once
}

func (s *subscription) ID() string      { return s.id }
func (s *subscription) Channel() uint16 { return s.channel }
func (s *subscription) Wildcard() bool  { return s.wildcard }
func (s *subscription) IsActive() bool  { return s.active.Load() }
func (s *subscription) Cancel() error {
	s.once.Do(func() {
		s.active.Store(false)
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}

// inMemoryBus is the only Bus implementation.
type inMemoryBus struct {
	mu sync.RWMutex
	// handlers: channel -> subID -> subscription
	handlers  map[uint16]map[string]*subscription
	wildcard  map[string]*subscription
	metrics   Metrics
	observers map[Observer]struct{}
}

func New() Bus {
	return &inMemoryBus{
		handlers:  make(map[uint16]map[string]*subscription),
		wildcard:  make(map[string]*subscription),
		observers: make(map[Observer]struct{}),
	}
}

func (b *inMemoryBus) Publish(msg Message) error {
	return b.deliver(msg)
}

func (b *inMemoryBus) PublishWithFilters(msg Message, filters ...Filter) error {
	for _, f := range filters {
		if !f(msg) {
			b.mu.Lock()
			if len(b.observers) > 0 {
				b.metrics.DroppedByFilters += 1
			}
			b.mu.Unlock()
			return nil
		}
	}
	return b.Publish(msg)
}

func (b *inMemoryBus) Subscribe(channel uint16, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("bus: nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declareLocked(channel)

	s := &subscription{id: uuid.NewString(), channel: channel, handler: handler}
	s.active.Store(true)
	s.cancel = func() {
		b.mu.Lock()
		delete(b.handlers[channel], s.id)
		b.mu.Unlock()
	}
	b.handlers[channel][s.id] = s
	return s, nil
}

func (b *inMemoryBus) SubscribeAll(handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("bus: nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscription{id: uuid.NewString(), wildcard: true, handler: handler}
	s.active.Store(true)
	s.cancel = func() {
		b.mu.Lock()
		delete(b.wildcard, s.id)
		b.mu.Unlock()
	}
	b.wildcard[s.id] = s
	return s, nil
}

func (b *inMemoryBus) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return nil
	}
	return sub.Cancel()
}

func (b *inMemoryBus) PublishAsync(msg Message) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- b.Publish(msg)
		close(ch)
	}()
	return ch
}

func (b *inMemoryBus) PublishBatch(msgs ...Message) error {
	var all error
	for _, m := range msgs {
		if err := b.Publish(m); err != nil {
			all = errors.Join(all, err)
		}
	}
	return all
}

func (b *inMemoryBus) DeclareChannel(channel uint16) {
	b.mu.Lock()
	b.declareLocked(channel)
	b.mu.Unlock()
}

func (b *inMemoryBus) declareLocked(channel uint16) {
	if b.handlers[channel] == nil {
		b.handlers[channel] = make(map[string]*subscription)
	}
}

func (b *inMemoryBus) HasSubscribers(channel uint16) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[channel]) > 0 || len(b.wildcard) > 0
}

func (b *inMemoryBus) AddObserver(obs Observer) {
	b.mu.Lock()
	b.observers[obs] = struct{}{}
	b.mu.Unlock()
}

func (b *inMemoryBus) RemoveObserver(obs Observer) {
	b.mu.Lock()
	delete(b.observers, obs)
	b.mu.Unlock()
}

func (b *inMemoryBus) GetMetrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}

// Channels lists declared channels in id order.
func (b *inMemoryBus) Channels() []ChannelInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ChannelInfo, 0, len(b.handlers))
	for ch, subs := range b.handlers {
		out = append(out, ChannelInfo{Channel: ch, Subs: len(subs)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func (b *inMemoryBus) SaveState() ([]byte, error) {
	b.mu.RLock()
	s := busState{Channels: make([]uint16, 0, len(b.handlers))}
	for ch := range b.handlers {
		s.Channels = append(s.Channels, ch)
	}
	b.mu.RUnlock()
	sort.Slice(s.Channels, func(i, j int) bool { return s.Channels[i] < s.Channels[j] })

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *inMemoryBus) LoadState(data []byte) error {
	var s busState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range s.Channels {
		b.declareLocked(ch)
	}
	return nil
}

func (b *inMemoryBus) deliver(msg Message) error {
	start := time.Now()
	b.mu.RLock()
	inner := b.handlers[msg.Channel]
	subs := make([]*subscription, 0, len(inner)+len(b.wildcard))
	for _, s := range inner {
		subs = append(subs, s)
	}
	for _, s := range b.wildcard {
		subs = append(subs, s)
	}
	var observers []Observer
	if len(b.observers) > 0 {
		observers = make([]Observer, 0, len(b.observers))
		for obs := range b.observers {
			observers = append(observers, obs)
		}
	}
	b.mu.RUnlock()

	for _, obs := range observers {
		obs.OnPublish(msg)
	}

	var all error
	delivered := 0
	for _, s := range subs {
		if !s.IsActive() {
			continue
		}
		delivered++
		if err := s.handler(msg); err != nil {
			all = errors.Join(all, err)
		}
	}

	if len(observers) > 0 {
		dur := time.Since(start)
		for _, obs := range observers {
			obs.OnDelivered(msg, delivered, all, dur)
		}
		// update metrics only when observing
		b.mu.Lock()
		b.metrics.Published += 1
		b.metrics.DeliveredHandlers += uint64(delivered)
		if all != nil {
			b.metrics.Errors += 1
		}
		b.metrics.Channels = uint64(len(b.handlers))
		subsCount := uint64(len(b.wildcard))
		for _, m := range b.handlers {
			subsCount += uint64(len(m))
		}
		b.metrics.SubscribersActive = subsCount
		b.mu.Unlock()
	}
	return all
}
