package protocol

import (
	"sort"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
)

const (
	ControlChannel     uint16 = 0
	ControlChannelName        = "control"

	SystemChannelMin uint16 = 1
	SystemChannelMax uint16 = 999
	PluginChannelMin uint16 = 1000
)

// Owner is the kind of party that registered a channel.
type Owner uint8

const (
	OwnerCore Owner = iota
	OwnerSystem
	OwnerPlugin
)

func (o Owner) String() string {
	switch o {
	case OwnerCore:
		return "core"
	case OwnerSystem:
		return "system"
	default:
		return "plugin"
	}
}

// OwnerOf derives the owner from the id range.
func OwnerOf(id uint16) Owner {
	switch {
	case id == ControlChannel:
		return OwnerCore
	case id <= SystemChannelMax:
		return OwnerSystem
	default:
		return OwnerPlugin
	}
}

type Channel struct {
	ID    uint16
	Name  string
	Owner Owner
}

// ChangeKind tells registry watchers what happened.
type ChangeKind uint8

const (
	ChannelAdded ChangeKind = iota
	ChannelRemoved
)

type ChannelChange struct {
	Kind    ChangeKind
	Channel Channel
}

// ChannelRegistry assigns channel ids. Id 0 is the control channel, system
// channels pick an id in [1,999], plugin channels get monotonically
// increasing ids from 1000. Names are NFC-normalized and unique across both
// ranges.
type ChannelRegistry struct {
	mu         sync.RWMutex
	byID       map[uint16]Channel
	byName     map[string]uint16
	nextPlugin uint32
	watchers   map[int]func(ChannelChange)
	nextWatch  int
	logger     log.Log
}

func NewChannelRegistry(logger log.Log) *ChannelRegistry {
	if logger == nil {
		logger = log.Provide()
	}
	r := &ChannelRegistry{
		byID:       make(map[uint16]Channel),
		byName:     make(map[string]uint16),
		nextPlugin: uint32(PluginChannelMin),
		watchers:   make(map[int]func(ChannelChange)),
		logger:     logger.With(log.String("component", "channel_registry")),
	}
	control := Channel{ID: ControlChannel, Name: ControlChannelName, Owner: OwnerCore}
	r.byID[ControlChannel] = control
	r.byName[ControlChannelName] = ControlChannel
	return r
}

func normalizeName(op, name string) (string, error) {
	n := norm.NFC.String(name)
	if n == "" {
		return "", failure.New(failure.KindInvalidInput, op, "empty channel name")
	}
	if len(n) > 0xFFFF {
		return "", failure.Newf(failure.KindInvalidInput, op, "channel name is %d bytes", len(n))
	}
	return n, nil
}

// RegisterSystem claims id for name.
func (r *ChannelRegistry) RegisterSystem(name string, id uint16) (Channel, error) {
	const op = "protocol.register_system"

	n, err := normalizeName(op, name)
	if err != nil {
		return Channel{}, err
	}
	if id == ControlChannel {
		return Channel{}, failure.New(failure.KindInvalidInput, op, "channel 0 is reserved for control")
	}
	if id > SystemChannelMax {
		return Channel{}, failure.Newf(failure.KindInvalidInput, op, "channel %d is outside the system range [%d,%d]", id, SystemChannelMin, SystemChannelMax)
	}

	r.mu.Lock()
	if err = r.claimable(op, n, id); err != nil {
		r.mu.Unlock()
		return Channel{}, err
	}
	ch := r.insert(Channel{ID: id, Name: n, Owner: OwnerSystem})
	watchers := r.watchersLocked()
	r.mu.Unlock()

	r.notify(watchers, ChannelChange{Kind: ChannelAdded, Channel: ch})
	return ch, nil
}

// RegisterPlugin assigns the next plugin id to name. Plugin ids are never
// reused; running out of them is fatal.
func (r *ChannelRegistry) RegisterPlugin(name string) (Channel, error) {
	const op = "protocol.register_plugin"

	n, err := normalizeName(op, name)
	if err != nil {
		return Channel{}, err
	}

	r.mu.Lock()
	if _, taken := r.byName[n]; taken {
		r.mu.Unlock()
		return Channel{}, failure.Newf(failure.KindAlreadyExists, op, "channel name %q", n)
	}
	if r.nextPlugin > 0xFFFF {
		r.mu.Unlock()
		return Channel{}, failure.New(failure.KindFatal, op, "plugin channel ids exhausted")
	}
	ch := r.insert(Channel{ID: uint16(r.nextPlugin), Name: n, Owner: OwnerPlugin})
	r.nextPlugin++
	watchers := r.watchersLocked()
	r.mu.Unlock()

	r.notify(watchers, ChannelChange{Kind: ChannelAdded, Channel: ch})
	return ch, nil
}

func (r *ChannelRegistry) claimable(op, name string, id uint16) error {
	if _, taken := r.byName[name]; taken {
		return failure.Newf(failure.KindAlreadyExists, op, "channel name %q", name)
	}
	if held, taken := r.byID[id]; taken {
		return failure.Newf(failure.KindAlreadyExists, op, "channel %d held by %q", id, held.Name)
	}
	return nil
}

func (r *ChannelRegistry) insert(ch Channel) Channel {
	r.byID[ch.ID] = ch
	r.byName[ch.Name] = ch.ID
	r.logger.Info("Channel registered",
		log.Uint16("channel", ch.ID),
		log.String("name", ch.Name),
		log.String("owner", ch.Owner.String()))
	return ch
}

func (r *ChannelRegistry) Unregister(id uint16) (Channel, error) {
	const op = "protocol.unregister_channel"
	if id == ControlChannel {
		return Channel{}, failure.New(failure.KindInvalidInput, op, "control channel cannot be unregistered")
	}

	r.mu.Lock()
	ch, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return Channel{}, failure.Newf(failure.KindNotFound, op, "channel %d", id)
	}
	delete(r.byID, id)
	delete(r.byName, ch.Name)
	watchers := r.watchersLocked()
	r.mu.Unlock()

	r.logger.Info("Channel unregistered", log.Uint16("channel", id), log.String("name", ch.Name))
	r.notify(watchers, ChannelChange{Kind: ChannelRemoved, Channel: ch})
	return ch, nil
}

func (r *ChannelRegistry) Lookup(id uint16) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byID[id]
	return ch, ok
}

// ID resolves a channel name.
func (r *ChannelRegistry) ID(name string) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[norm.NFC.String(name)]
	return id, ok
}

func (r *ChannelRegistry) IsRegistered(id uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// List returns every channel, control included, ordered by id.
func (r *ChannelRegistry) List() []Channel {
	r.mu.RLock()
	channels := make([]Channel, 0, len(r.byID))
	for _, ch := range r.byID {
		channels = append(channels, ch)
	}
	r.mu.RUnlock()
	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })
	return channels
}

func (r *ChannelRegistry) Manifest() Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := Manifest{Channels: make(map[string]uint16, len(r.byName))}
	for name, id := range r.byName {
		m.Channels[name] = id
	}
	return m
}

// Watch calls fn after every registration change, outside the registry
// lock. The returned func stops the watch.
func (r *ChannelRegistry) Watch(fn func(ChannelChange)) func() {
	r.mu.Lock()
	id := r.nextWatch
	r.nextWatch++
	r.watchers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}
}

func (r *ChannelRegistry) watchersLocked() []func(ChannelChange) {
	out := make([]func(ChannelChange), 0, len(r.watchers))
	for _, fn := range r.watchers {
		out = append(out, fn)
	}
	return out
}

func (r *ChannelRegistry) notify(watchers []func(ChannelChange), change ChannelChange) {
	for _, fn := range watchers {
		fn(change)
	}
}
