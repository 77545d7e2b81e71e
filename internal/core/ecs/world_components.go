package ecs

import (
	"context"
	"errors"
	"sort"

	"github.com/zeusync/ecsnet/internal/core/failure"
)

// RegisterComponent records name under owner and creates its pool.
func (w *World) RegisterComponent(name string, owner SystemID) (ComponentID, error) {
	if err := w.live("ecs.component/register_component"); err != nil {
		return 0, err
	}
	id, err := w.registry.Register(name, owner)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	if _, ok := w.pools[id]; !ok {
		w.pools[id] = NewPool[Component](64)
	}
	w.mu.Unlock()
	return id, nil
}

// AddComponent attaches c to e. Adding a type the entity already carries
// fails AlreadyExists; use ReplaceComponent to overwrite.
func (w *World) AddComponent(ctx context.Context, e EntityID, c Component) error {
	const op = "ecs.component/add_component"
	if err := w.mutable(op); err != nil {
		return err
	}
	if err := w.checkAlive(e, op); err != nil {
		return err
	}
	if w.HasComponent(e, c.ID) {
		return failure.Newf(failure.KindAlreadyExists, op, "%s already has component %#08x", e, uint32(c.ID))
	}
	if err := w.guard(ctx, EventBeforeComponentAdd, e, componentPayload(c.ID)); err != nil {
		return err
	}

	w.mu.Lock()
	if err := w.allocator.check(e, op); err != nil {
		w.mu.Unlock()
		return err
	}
	rec := w.record(e.Index)
	if _, ok := rec.components[c.ID]; ok {
		w.mu.Unlock()
		return failure.Newf(failure.KindAlreadyExists, op, "%s already has component %#08x", e, uint32(c.ID))
	}
	if rec.components == nil {
		rec.components = make(map[ComponentID]struct{})
	}
	w.poolFor(c.ID).Insert(e, c.clone())
	rec.components[c.ID] = struct{}{}
	w.version.Add(1)
	w.mu.Unlock()

	w.notify(EventAfterComponentAdd, e, componentPayload(c.ID))
	return nil
}

// AddComponents attaches each component in turn and joins the failures.
func (w *World) AddComponents(ctx context.Context, e EntityID, components []Component) error {
	if err := uniqueComponents("ecs.component/add_components", components); err != nil {
		return err
	}
	var errs []error
	for _, c := range components {
		if err := w.AddComponent(ctx, e, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReplaceComponent overwrites c on e, adding it if absent, and returns the
// previous value.
func (w *World) ReplaceComponent(ctx context.Context, e EntityID, c Component) (Component, bool, error) {
	const op = "ecs.component/replace_component"
	if err := w.mutable(op); err != nil {
		return Component{}, false, err
	}
	if err := w.checkAlive(e, op); err != nil {
		return Component{}, false, err
	}
	guarded := false
	for {
		w.mu.Lock()
		if err := w.allocator.check(e, op); err != nil {
			w.mu.Unlock()
			return Component{}, false, err
		}
		rec := w.record(e.Index)
		_, present := rec.components[c.ID]
		if !present && !guarded {
			// Adding goes through the before-add guard, which must not run under w.mu.
			w.mu.Unlock()
			if err := w.guard(ctx, EventBeforeComponentAdd, e, componentPayload(c.ID)); err != nil {
				return Component{}, false, err
			}
			guarded = true
			continue
		}
		if rec.components == nil {
			rec.components = make(map[ComponentID]struct{})
		}
		prev, ok := w.poolFor(c.ID).Insert(e, c.clone())
		rec.components[c.ID] = struct{}{}
		if !present {
			w.version.Add(1)
		}
		w.mu.Unlock()

		if !present {
			w.notify(EventAfterComponentAdd, e, componentPayload(c.ID))
		}
		return prev, ok, nil
	}
}

func (w *World) RemoveComponent(ctx context.Context, e EntityID, id ComponentID) (Component, error) {
	const op = "ecs.component/remove_component"
	if err := w.mutable(op); err != nil {
		return Component{}, err
	}
	if err := w.checkAlive(e, op); err != nil {
		return Component{}, err
	}
	if !w.HasComponent(e, id) {
		return Component{}, failure.Newf(failure.KindNotFound, op, "%s has no component %#08x", e, uint32(id))
	}
	if err := w.guard(ctx, EventBeforeComponentRemove, e, componentPayload(id)); err != nil {
		return Component{}, err
	}

	w.mu.Lock()
	if err := w.allocator.check(e, op); err != nil {
		w.mu.Unlock()
		return Component{}, err
	}
	rec := w.record(e.Index)
	delete(rec.components, id)
	var (
		removed Component
		ok      bool
	)
	if pool, exists := w.pools[id]; exists {
		removed, ok = pool.Remove(e)
	}
	w.version.Add(1)
	w.mu.Unlock()

	if !ok {
		return Component{}, failure.Newf(failure.KindNotFound, op, "%s has no component %#08x", e, uint32(id))
	}
	w.notify(EventAfterComponentRemove, e, componentPayload(id))
	return removed, nil
}

func (w *World) RemoveComponents(ctx context.Context, e EntityID, ids []ComponentID) ([]Component, error) {
	var (
		out  []Component
		errs []error
	)
	for _, id := range ids {
		c, err := w.RemoveComponent(ctx, e, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, c)
	}
	return out, errors.Join(errs...)
}

// ClearComponents removes every component of e and returns how many were
// removed. A Pre veto on any of them stops the clear at that point.
func (w *World) ClearComponents(ctx context.Context, e EntityID) (int, error) {
	ids, err := w.ComponentIDs(e)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if _, err := w.RemoveComponent(ctx, e, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (w *World) Component(e EntityID, id ComponentID) (Component, error) {
	const op = "ecs.component/get_component"
	if err := w.live(op); err != nil {
		return Component{}, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if err := w.allocator.check(e, op); err != nil {
		return Component{}, err
	}
	pool, ok := w.pools[id]
	if !ok {
		return Component{}, failure.Newf(failure.KindNotFound, op, "component %#08x", uint32(id))
	}
	c, ok := pool.Get(e)
	if !ok {
		return Component{}, failure.Newf(failure.KindNotFound, op, "%s has no component %#08x", e, uint32(id))
	}
	return c.clone(), nil
}

// Components returns the requested components of e. Missing ones are skipped.
func (w *World) Components(e EntityID, ids []ComponentID) ([]Component, error) {
	const op = "ecs.component/get_components"
	if err := w.live(op); err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if err := w.allocator.check(e, op); err != nil {
		return nil, err
	}
	out := make([]Component, 0, len(ids))
	for _, id := range ids {
		if pool, ok := w.pools[id]; ok {
			if c, ok := pool.Get(e); ok {
				out = append(out, c.clone())
			}
		}
	}
	return out, nil
}

// AllComponents returns every component of e ordered by ComponentID.
func (w *World) AllComponents(e EntityID) ([]Component, error) {
	ids, err := w.ComponentIDs(e)
	if err != nil {
		return nil, err
	}
	return w.Components(e, ids)
}

// ComponentIDs returns e's component set ordered by ComponentID.
func (w *World) ComponentIDs(e EntityID) ([]ComponentID, error) {
	const op = "ecs.component/component_ids"
	w.mu.RLock()
	defer w.mu.RUnlock()
	if err := w.allocator.check(e, op); err != nil {
		return nil, err
	}
	return sortedSet(w.records[e.Index].components), nil
}

func (w *World) HasComponent(e EntityID, id ComponentID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.allocator.IsAlive(e) {
		return false
	}
	_, ok := w.records[e.Index].components[id]
	return ok
}

// HasComponents reports whether e carries all of ids.
func (w *World) HasComponents(e EntityID, ids []ComponentID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.allocator.IsAlive(e) {
		return false
	}
	set := w.records[e.Index].components
	for _, id := range ids {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

// UpdateComponent rewrites e's component in place under the pool's write
// guard. The closure must not call back into the world.
func (w *World) UpdateComponent(e EntityID, id ComponentID, fn func([]byte) []byte) error {
	const op = "ecs.component/update_component"
	if err := w.mutable(op); err != nil {
		return err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if err := w.allocator.check(e, op); err != nil {
		return err
	}
	pool, ok := w.pools[id]
	if !ok || !pool.Update(e, func(c Component) Component {
		c.Data = fn(c.Data)
		c.SizeHint = uint32(len(c.Data))
		return c
	}) {
		return failure.Newf(failure.KindNotFound, op, "%s has no component %#08x", e, uint32(id))
	}
	return nil
}

func (w *World) EntitiesWithComponent(id ComponentID) []EntityID {
	return w.EntitiesWithComponents([]ComponentID{id})
}

func (w *World) EntitiesWithComponents(ids []ComponentID) []EntityID {
	out, _ := w.match(Filter{Required: ids})
	return out
}

// CountComponents returns how many entities carry id.
func (w *World) CountComponents(id ComponentID) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	pool, ok := w.pools[id]
	if !ok {
		return 0
	}
	return pool.Len()
}

func sortedSet(set map[ComponentID]struct{}) []ComponentID {
	ids := make([]ComponentID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
