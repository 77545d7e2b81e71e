package ecs

import (
	"bytes"
	"context"
	"encoding/gob"
	"weak"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/storage"
)

type snapshotComponent struct {
	Index      uint32
	Generation uint32
	SizeHint   uint32
	Data       []byte
}

type snapshotType struct {
	Name  string
	Owner SystemID
}

// worldSnapshot is the gob form of the entity store. Queries, subscriptions
// and systems are capability-backed and stay with the running process.
type worldSnapshot struct {
	Allocator  allocatorState
	Components map[ComponentID][]snapshotComponent
	Types      map[ComponentID]snapshotType
	Resources  map[string][]byte
}

func (w *World) capture() worldSnapshot {
	w.mu.RLock()
	snap := worldSnapshot{
		Allocator:  w.allocator.state(),
		Components: make(map[ComponentID][]snapshotComponent, len(w.pools)),
		Types:      make(map[ComponentID]snapshotType),
	}
	for id, pool := range w.pools {
		entities := pool.Entities()
		out := make([]snapshotComponent, 0, len(entities))
		for _, e := range entities {
			if c, ok := pool.Get(e); ok {
				out = append(out, snapshotComponent{Index: e.Index, Generation: e.Generation, SizeHint: c.SizeHint, Data: c.Data})
			}
		}
		snap.Components[id] = out
	}
	w.mu.RUnlock()

	w.registry.mu.RLock()
	for id, t := range w.registry.types {
		snap.Types[id] = snapshotType{Name: t.name, Owner: t.owner}
	}
	w.registry.mu.RUnlock()

	w.resMu.RLock()
	snap.Resources = make(map[string][]byte, len(w.resources))
	for name, data := range w.resources {
		snap.Resources[name] = data
	}
	w.resMu.RUnlock()
	return snap
}

// EncodeSnapshot serializes the entity store into an opaque blob.
func (w *World) EncodeSnapshot() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w.capture()); err != nil {
		return nil, failure.Wrap(failure.KindSerialization, "ecs.world/create_snapshot", err)
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot replaces the entity store with the blob's contents, then
// runs the reference repair pass over every tracked RefHolder. Queued events
// are dropped; subscriptions, queries and systems are kept.
func (w *World) DecodeSnapshot(data []byte) error {
	const op = "ecs.world/restore_snapshot"
	if err := w.mutable(op); err != nil {
		return err
	}

	var snap worldSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return failure.Wrap(failure.KindDeserialization, op, err)
	}
	allocator, err := allocatorFromState(snap.Allocator)
	if err != nil {
		return err
	}

	records := make([]entityRecord, len(snap.Allocator.Generations))
	pools := make(map[ComponentID]*Pool[Component], len(snap.Components))
	for id, entries := range snap.Components {
		pool := NewPool[Component](len(entries))
		for _, entry := range entries {
			e := EntityID{Index: entry.Index, Generation: entry.Generation}
			if !allocator.IsAlive(e) {
				return failure.Newf(failure.KindDeserialization, op, "component %#08x stored for dead %s", uint32(id), e)
			}
			pool.Insert(e, Component{ID: id, Data: entry.Data, SizeHint: entry.SizeHint})
			rec := &records[e.Index]
			if rec.components == nil {
				rec.components = make(map[ComponentID]struct{})
			}
			rec.components[id] = struct{}{}
		}
		pools[id] = pool
	}

	types := make(map[ComponentID]componentType, len(snap.Types))
	for id, t := range snap.Types {
		types[id] = componentType{name: t.Name, owner: t.Owner}
	}

	w.mu.Lock()
	w.allocator = allocator
	w.records = records
	w.pools = pools
	w.registry.replace(types)
	w.version.Add(1)
	w.mu.Unlock()

	w.resMu.Lock()
	w.resources = snap.Resources
	if w.resources == nil {
		w.resources = make(map[string][]byte)
	}
	w.resMu.Unlock()

	w.events.ClearQueue()
	w.repairTracked()
	return nil
}

func (w *World) CreateSnapshot(ctx context.Context, name string) error {
	if err := w.live("ecs.world/create_snapshot"); err != nil {
		return err
	}
	data, err := w.EncodeSnapshot()
	if err != nil {
		return err
	}
	if err = w.snapshots.Save(ctx, storage.KindSnapshot, name, data); err != nil {
		return err
	}
	w.logger.Info("Snapshot created", log.String("name", name), log.Int("bytes", len(data)))
	return nil
}

func (w *World) RestoreSnapshot(ctx context.Context, name string) error {
	blob, err := w.snapshots.Load(ctx, storage.KindSnapshot, name)
	if err != nil {
		return err
	}
	if err = w.DecodeSnapshot(blob.Data); err != nil {
		return err
	}
	w.logger.Info("Snapshot restored", log.String("name", name), log.Int("entities", w.EntityCount()))
	return nil
}

func (w *World) Snapshots(ctx context.Context) ([]string, error) {
	return w.snapshots.List(ctx, storage.KindSnapshot)
}

func (w *World) DeleteSnapshot(ctx context.Context, name string) error {
	return w.snapshots.Delete(ctx, storage.KindSnapshot, name)
}

// SnapshotStore returns the store holding snapshots and module state.
func (w *World) SnapshotStore() storage.Store { return w.snapshots }

// RepairRef re-links a reference that lost its world, typically after
// decoding. It reports whether the entity is alive; a dead reference stays
// linked but invalid until repaired again.
func (w *World) RepairRef(ref EntityRef) (EntityRef, bool) {
	ref.world = weak.Make(w)
	return ref, !ref.ID.IsNull() && w.IsAlive(ref.ID)
}

// RepairRefs re-links refs in place and returns how many are valid.
func (w *World) RepairRefs(refs []EntityRef) int {
	valid := 0
	for i := range refs {
		var ok bool
		refs[i], ok = w.RepairRef(refs[i])
		if ok {
			valid++
		}
	}
	return valid
}

func (w *World) RepairSubscriptionRef(ref SubscriptionRef) (SubscriptionRef, bool) {
	ref.world = weak.Make(w)
	_, ok := w.events.Subscription(ref.ID)
	return ref, ok
}

// RefHolder owns weak references that must be re-linked after the entity
// store is replaced. RepairRefs returns how many of them are valid again.
type RefHolder interface {
	RepairRefs(w *World) int
}

type RefHolderFunc func(w *World) int

func (f RefHolderFunc) RepairRefs(w *World) int { return f(w) }

// TrackRefs adds h to the repair pass that follows every restore. The
// returned func removes it.
func (w *World) TrackRefs(h RefHolder) func() {
	w.holdersMu.Lock()
	w.nextHolder++
	id := w.nextHolder
	if w.holders == nil {
		w.holders = make(map[uint64]RefHolder)
	}
	w.holders[id] = h
	w.holdersMu.Unlock()

	return func() {
		w.holdersMu.Lock()
		delete(w.holders, id)
		w.holdersMu.Unlock()
	}
}

func (w *World) repairTracked() {
	w.holdersMu.Lock()
	holders := make([]RefHolder, 0, len(w.holders))
	for _, h := range w.holders {
		holders = append(holders, h)
	}
	w.holdersMu.Unlock()

	valid := 0
	for _, h := range holders {
		valid += h.RepairRefs(w)
	}
	if len(holders) > 0 {
		w.logger.Debug("References repaired", log.Int("holders", len(holders)), log.Int("valid", valid))
	}
}
