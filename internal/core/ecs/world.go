package ecs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/storage"
	"github.com/zeusync/ecsnet/internal/core/vtable"
	"github.com/zeusync/ecsnet/pkg/encoding"
)

// Options configures a World.
type Options struct {
	Logger log.Log
	// Table is the capability table the world dispatches handlers and
	// system updates through. A fresh table is created when nil.
	Table *vtable.Table
	// MaxRetries is the default retry budget of registered systems.
	MaxRetries int
	// Snapshots persists world snapshots. An in-memory store is used when nil.
	Snapshots storage.Store
}

const DefaultMaxRetries = 3

type entityRecord struct {
	components map[ComponentID]struct{}
}

// World is the root aggregate: entities, component pools, queries, events,
// systems and resources, plus the capability table everything dispatches
// through. At most one World exists per process; see InitializeWorld.
type World struct {
	// mu guards the entity structure: allocator, records and the pool map.
	// Pools carry their own guards and are only touched while mu is held.
	mu        sync.RWMutex
	allocator *Allocator
	records   []entityRecord
	pools     map[ComponentID]*Pool[Component]
	version   atomic.Uint64

	registry  *ComponentRegistry
	queries   *queryTable
	events    *Dispatcher
	scheduler *Scheduler

	resMu     sync.RWMutex
	resources map[string][]byte

	locked atomic.Bool
	closed atomic.Bool
	frames atomic.Uint64

	table     *vtable.Table
	snapshots storage.Store
	logger    log.Log

	bindMu    sync.Mutex
	endpoints []*vtable.Endpoint

	holdersMu  sync.Mutex
	holders    map[uint64]RefHolder
	nextHolder uint64
}

func newWorld(opts Options) *World {
	logger := opts.Logger
	if logger == nil {
		logger = log.Provide()
	}
	table := opts.Table
	if table == nil {
		table = vtable.New(logger)
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	snapshots := opts.Snapshots
	if snapshots == nil {
		snapshots = storage.NewMemoryStore()
	}

	w := &World{
		allocator: NewAllocator(),
		pools:     make(map[ComponentID]*Pool[Component]),
		registry:  NewComponentRegistry(),
		queries:   newQueryTable(),
		resources: make(map[string][]byte),
		table:     table,
		snapshots: snapshots,
		logger:    logger.With(log.String("component", "world")),
	}
	w.events = NewDispatcher(tableInvoker{table: table}, logger)
	w.scheduler = NewScheduler(tableUpdater{table: table}, maxRetries, logger)
	w.scheduler.hooks = schedulerHooks{before: w.beforeSystem, after: w.afterSystem}
	return w
}

// Table returns the world's capability table.
func (w *World) Table() *vtable.Table { return w.table }

func (w *World) Events() *Dispatcher { return w.events }

func (w *World) Scheduler() *Scheduler { return w.scheduler }

func (w *World) Registry() *ComponentRegistry { return w.registry }

// Version changes on every structural mutation.
func (w *World) Version() uint64 { return w.version.Load() }

func (w *World) mutable(op string) error {
	if w.closed.Load() {
		return failure.New(failure.KindInvalidState, op, "world is shut down")
	}
	if w.locked.Load() {
		return failure.New(failure.KindInvalidState, op, "world is locked")
	}
	return nil
}

func (w *World) live(op string) error {
	if w.closed.Load() {
		return failure.New(failure.KindInvalidState, op, "world is shut down")
	}
	return nil
}

// record returns the record for index, growing the table as needed. Caller
// holds mu for writing.
func (w *World) record(index uint32) *entityRecord {
	for uint32(len(w.records)) <= index {
		w.records = append(w.records, entityRecord{})
	}
	return &w.records[index]
}

// poolFor returns the pool of id, creating it under the world's ownership if
// no system registered the type. Caller holds mu for writing.
func (w *World) poolFor(id ComponentID) *Pool[Component] {
	pool, ok := w.pools[id]
	if !ok {
		w.registry.adopt(id)
		pool = NewPool[Component](64)
		w.pools[id] = pool
	}
	return pool
}

func (w *World) guard(ctx context.Context, id EventID, source EntityID, data []byte) error {
	ev := NewEvent(id, data).WithSource(w.Ref(source)).WithPriority(PriorityPre)
	return w.events.CheckPre(ctx, ev)
}

func (w *World) notify(id EventID, source EntityID, data []byte) {
	if !w.events.HasSubscribers(id) {
		return
	}
	_ = w.events.Emit(NewEvent(id, data).WithSource(w.Ref(source)))
}

func componentPayload(id ComponentID) []byte {
	return encoding.NewWriter(4).U32(uint32(id)).Bytes()
}

// Spawn creates an entity with no components.
func (w *World) Spawn(ctx context.Context) (EntityID, error) {
	return w.SpawnWithComponents(ctx, nil)
}

func (w *World) SpawnWithComponents(ctx context.Context, components []Component) (EntityID, error) {
	ids, err := w.SpawnBatch(ctx, [][]Component{components})
	if err != nil {
		return NullEntity, err
	}
	return ids[0], nil
}

// SpawnBatch creates one entity per bundle. The whole batch becomes visible
// to queries at once.
func (w *World) SpawnBatch(ctx context.Context, bundles [][]Component) ([]EntityID, error) {
	const op = "ecs.entity/spawn_batch"
	if err := w.mutable(op); err != nil {
		return nil, err
	}
	for _, bundle := range bundles {
		if err := uniqueComponents(op, bundle); err != nil {
			return nil, err
		}
	}
	count := encoding.NewWriter(4).U32(uint32(len(bundles))).Bytes()
	if err := w.guard(ctx, EventBeforeEntitySpawn, NullEntity, count); err != nil {
		return nil, err
	}

	w.mu.Lock()
	ids, err := w.allocator.AllocateBatch(len(bundles))
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	for i, id := range ids {
		rec := w.record(id.Index)
		rec.components = make(map[ComponentID]struct{}, len(bundles[i]))
		for _, c := range bundles[i] {
			w.poolFor(c.ID).Insert(id, c.clone())
			rec.components[c.ID] = struct{}{}
		}
	}
	w.version.Add(1)
	w.mu.Unlock()

	for _, id := range ids {
		w.notify(EventAfterEntitySpawn, id, nil)
	}
	return ids, nil
}

func uniqueComponents(op string, components []Component) error {
	seen := make(map[ComponentID]struct{}, len(components))
	for _, c := range components {
		if _, dup := seen[c.ID]; dup {
			return failure.Newf(failure.KindInvalidInput, op, "component %#08x listed twice", uint32(c.ID))
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

func (w *World) Despawn(ctx context.Context, e EntityID) error {
	const op = "ecs.entity/despawn_entity"
	if err := w.mutable(op); err != nil {
		return err
	}
	if err := w.checkAlive(e, op); err != nil {
		return err
	}
	if err := w.guard(ctx, EventBeforeEntityDespawn, e, nil); err != nil {
		return err
	}

	w.mu.Lock()
	if err := w.allocator.check(e, op); err != nil {
		w.mu.Unlock()
		return err
	}
	rec := w.record(e.Index)
	for id := range rec.components {
		if pool, ok := w.pools[id]; ok {
			pool.Remove(e)
		}
	}
	rec.components = nil
	err := w.allocator.Free(e)
	w.version.Add(1)
	w.mu.Unlock()

	if err != nil {
		return err
	}
	w.notify(EventAfterEntityDespawn, e, nil)
	return nil
}

// DespawnBatch despawns every entity it can and joins the failures.
func (w *World) DespawnBatch(ctx context.Context, entities []EntityID) (int, error) {
	var errs []error
	n := 0
	for _, e := range entities {
		if err := w.Despawn(ctx, e); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// CloneEntity spawns a new entity carrying copies of e's components.
func (w *World) CloneEntity(ctx context.Context, e EntityID) (EntityID, error) {
	components, err := w.AllComponents(e)
	if err != nil {
		return NullEntity, err
	}
	return w.SpawnWithComponents(ctx, components)
}

func (w *World) checkAlive(e EntityID, op string) error {
	if err := w.live(op); err != nil {
		return err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.allocator.check(e, op)
}

func (w *World) IsAlive(e EntityID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.allocator.IsAlive(e)
}

// Exists reports whether e's index is occupied by any generation.
func (w *World) Exists(e EntityID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.allocator.Occupied(e.Index)
}

// Entities returns every live entity in index order.
func (w *World) Entities() []EntityID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.entitiesLocked()
}

func (w *World) entitiesLocked() []EntityID {
	out := make([]EntityID, 0, len(w.records))
	for index := range w.records {
		if w.allocator.Occupied(uint32(index)) {
			gen, _ := w.allocator.Generation(uint32(index))
			out = append(out, EntityID{Index: uint32(index), Generation: gen})
		}
	}
	return out
}

func (w *World) EntityCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.allocator.Len()
}

func (w *World) Generation(index uint32) (uint32, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.allocator.Generation(index)
}

// InsertResource stores data under name, returning the previous value.
func (w *World) InsertResource(name string, data []byte) ([]byte, bool) {
	w.resMu.Lock()
	defer w.resMu.Unlock()
	prev, ok := w.resources[name]
	w.resources[name] = append([]byte(nil), data...)
	return prev, ok
}

func (w *World) Resource(name string) ([]byte, error) {
	w.resMu.RLock()
	defer w.resMu.RUnlock()
	data, ok := w.resources[name]
	if !ok {
		return nil, failure.Newf(failure.KindNotFound, "ecs.world/get_resource", "resource %q", name)
	}
	return append([]byte(nil), data...), nil
}

func (w *World) RemoveResource(name string) ([]byte, error) {
	w.resMu.Lock()
	defer w.resMu.Unlock()
	data, ok := w.resources[name]
	if !ok {
		return nil, failure.Newf(failure.KindNotFound, "ecs.world/remove_resource", "resource %q", name)
	}
	delete(w.resources, name)
	return data, nil
}

func (w *World) HasResource(name string) bool {
	w.resMu.RLock()
	defer w.resMu.RUnlock()
	_, ok := w.resources[name]
	return ok
}

// ResourceNames lists resources in lexical order.
func (w *World) ResourceNames() []string {
	w.resMu.RLock()
	names := make([]string, 0, len(w.resources))
	for name := range w.resources {
		names = append(names, name)
	}
	w.resMu.RUnlock()
	sort.Strings(names)
	return names
}

// Lock rejects structural mutations until Unlock. Reads are unaffected.
func (w *World) Lock() { w.locked.Store(true) }

func (w *World) Unlock() { w.locked.Store(false) }

func (w *World) IsLocked() bool { return w.locked.Load() }

// Clear despawns every entity without lifecycle events and drops queued events.
func (w *World) Clear() int {
	w.mu.Lock()
	n := w.allocator.Len()
	w.allocator = NewAllocator()
	w.records = nil
	for _, pool := range w.pools {
		pool.Clear()
	}
	w.version.Add(1)
	w.mu.Unlock()

	w.events.ClearQueue()
	return n
}

// Reset returns the world to its initial state, keeping the capability table.
func (w *World) Reset() {
	w.Clear()
	w.mu.Lock()
	w.pools = make(map[ComponentID]*Pool[Component])
	w.registry.replace(nil)
	w.mu.Unlock()

	w.resMu.Lock()
	w.resources = make(map[string][]byte)
	w.resMu.Unlock()

	w.queries.reset()
	w.events.reset()
	w.scheduler.reset()
	w.frames.Store(0)
	w.locked.Store(false)
}

// Validate cross-checks entity records against pool contents.
func (w *World) Validate() error {
	const op = "ecs.world/validate"
	w.mu.RLock()
	defer w.mu.RUnlock()

	var errs []error
	for index, rec := range w.records {
		gen, _ := w.allocator.Generation(uint32(index))
		e := EntityID{Index: uint32(index), Generation: gen}
		alive := w.allocator.Occupied(uint32(index))
		if !alive && len(rec.components) > 0 {
			errs = append(errs, failure.Newf(failure.KindInvalidState, op, "dead %s still lists components", e))
			continue
		}
		for id := range rec.components {
			pool, ok := w.pools[id]
			if !ok || !pool.Contains(e) {
				errs = append(errs, failure.Newf(failure.KindInvalidState, op, "%s missing component %#08x", e, uint32(id)))
			}
		}
	}
	for id, pool := range w.pools {
		for _, e := range pool.Entities() {
			if !w.allocator.IsAlive(e) {
				errs = append(errs, failure.Newf(failure.KindInvalidState, op, "pool %#08x holds dead %s", uint32(id), e))
				continue
			}
			if _, ok := w.records[e.Index].components[id]; !ok {
				errs = append(errs, failure.Newf(failure.KindInvalidState, op, "pool %#08x holds unlisted %s", uint32(id), e))
			}
		}
	}
	return errors.Join(errs...)
}

// WorldStats is a point-in-time summary.
type WorldStats struct {
	Entities       uint64
	ComponentTypes uint64
	Components     uint64
	Queries        uint64
	Subscriptions  uint64
	QueuedEvents   uint64
	Systems        uint64
	Resources      uint64
	Frames         uint64
	Version        uint64
}

func (w *World) Stats() WorldStats {
	w.mu.RLock()
	stats := WorldStats{
		Entities:       uint64(w.allocator.Len()),
		ComponentTypes: uint64(len(w.pools)),
	}
	for _, pool := range w.pools {
		stats.Components += uint64(pool.Len())
	}
	w.mu.RUnlock()

	w.resMu.RLock()
	stats.Resources = uint64(len(w.resources))
	w.resMu.RUnlock()

	stats.Queries = uint64(w.queries.len())
	stats.Subscriptions = uint64(w.events.SubscriptionCount())
	stats.QueuedEvents = uint64(w.events.QueueLen())
	stats.Systems = uint64(w.scheduler.Len())
	stats.Frames = w.frames.Load()
	stats.Version = w.version.Load()
	return stats
}

// StepReport describes one frame.
type StepReport struct {
	Events DrainReport
	Frame  FrameReport
}

// Step drains the event queue then runs every stage of the scheduler.
// Vetoed events and failing systems are reported, not returned.
func (w *World) Step(ctx context.Context, dt float64) (StepReport, error) {
	const op = "ecs.world/step"
	if err := w.live(op); err != nil {
		return StepReport{}, err
	}

	var report StepReport
	events, err := w.events.ProcessQueue(ctx)
	report.Events = events
	if err != nil && !failure.Is(err, failure.KindCancelled) {
		return report, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return report, failure.Wrap(failure.KindCancelled, op, ctxErr)
	}

	frame, err := w.scheduler.Run(ctx, dt)
	report.Frame = frame
	w.frames.Add(1)
	return report, err
}

// Shutdown closes the world. Later mutations fail InvalidState and weak
// references stop upgrading.
func (w *World) Shutdown(_ context.Context) error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.unbind()
	w.events.reset()
	w.logger.Info("World shut down", log.Uint64("frames", w.frames.Load()))
	return nil
}

func (w *World) IsShutdown() bool { return w.closed.Load() }
