package ecs

import (
	"hash/fnv"
	"sync"

	"github.com/zeusync/ecsnet/internal/core/failure"
)

// ComponentID is the FNV-1a 32-bit hash of a component's stable type name.
type ComponentID uint32

func ComponentIDOf(name string) ComponentID {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return ComponentID(h.Sum32())
}

// Component is a component value as it crosses the binding boundary.
type Component struct {
	ID       ComponentID
	Data     []byte
	SizeHint uint32
}

func NewComponent(name string, data []byte) Component {
	return Component{ID: ComponentIDOf(name), Data: data, SizeHint: uint32(len(data))}
}

func (c Component) clone() Component {
	c.Data = append([]byte(nil), c.Data...)
	return c
}

type componentType struct {
	name  string
	owner SystemID
}

// ComponentRegistry records which names map to which IDs and which system owns
// each component type.
type ComponentRegistry struct {
	mu    sync.RWMutex
	types map[ComponentID]componentType
}

func NewComponentRegistry() *ComponentRegistry {
	return &ComponentRegistry{types: make(map[ComponentID]componentType)}
}

// Register is idempotent for the same (name, owner). A different name with
// the same hash is a programmer error and fails Fatal.
func (r *ComponentRegistry) Register(name string, owner SystemID) (ComponentID, error) {
	const op = "ecs.register_component"
	if name == "" {
		return 0, failure.New(failure.KindInvalidInput, op, "empty component name")
	}

	id := ComponentIDOf(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[id]; ok {
		switch {
		case existing.name != name:
			return 0, failure.Newf(failure.KindFatal, op, "%q and %q both hash to %#08x", existing.name, name, uint32(id))
		case existing.owner != owner:
			return 0, failure.Newf(failure.KindAlreadyExists, op, "%q is owned by system %d", name, existing.owner)
		}
		return id, nil
	}

	r.types[id] = componentType{name: name, owner: owner}
	return id, nil
}

// adopt records an anonymous component type first seen through add_component.
func (r *ComponentRegistry) adopt(id ComponentID) {
	r.mu.Lock()
	if _, ok := r.types[id]; !ok {
		r.types[id] = componentType{owner: WorldSystem}
	}
	r.mu.Unlock()
}

// replace swaps the whole table; nil empties it.
func (r *ComponentRegistry) replace(types map[ComponentID]componentType) {
	if types == nil {
		types = make(map[ComponentID]componentType)
	}
	r.mu.Lock()
	r.types = types
	r.mu.Unlock()
}

func (r *ComponentRegistry) Name(id ComponentID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[id]
	return t.name, ok && t.name != ""
}

func (r *ComponentRegistry) Owner(id ComponentID) (SystemID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[id]
	return t.owner, ok
}

// OwnedBy lists the component types owned by system.
func (r *ComponentRegistry) OwnedBy(system SystemID) []ComponentID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []ComponentID
	for id, t := range r.types {
		if t.owner == system {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *ComponentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}
