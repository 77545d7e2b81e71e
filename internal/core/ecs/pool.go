package ecs

import (
	"sync"

	"github.com/kamstrup/intmap"
)

type slot[T any] struct {
	generation uint32
	value      T
}

// Pool maps live entities to values of one component type. Reads share the
// guard, writes hold it exclusively, and no reference into the pool escapes:
// mutation goes through Insert/Remove or Update.
type Pool[T any] struct {
	mu    sync.RWMutex
	slots *intmap.Map[uint32, slot[T]]
}

func NewPool[T any](capacity int) *Pool[T] {
	return &Pool[T]{slots: intmap.New[uint32, slot[T]](capacity)}
}

// Insert stores v for e and returns the value it displaced, if any.
// A value held by an older generation of the same index is discarded.
func (p *Pool[T]) Insert(e EntityID, v T) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, ok := p.slots.Get(e.Index)
	p.slots.Put(e.Index, slot[T]{generation: e.Generation, value: v})
	if ok && prev.generation == e.Generation {
		return prev.value, true
	}
	var zero T
	return zero, false
}

func (p *Pool[T]) Get(e EntityID) (T, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.slots.Get(e.Index)
	if !ok || s.generation != e.Generation {
		var zero T
		return zero, false
	}
	return s.value, true
}

func (p *Pool[T]) Remove(e EntityID) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots.Get(e.Index)
	if !ok || s.generation != e.Generation {
		var zero T
		return zero, false
	}
	p.slots.Del(e.Index)
	return s.value, true
}

func (p *Pool[T]) Contains(e EntityID) bool {
	_, ok := p.Get(e)
	return ok
}

// Update replaces the value for e with fn(value) under the write guard.
func (p *Pool[T]) Update(e EntityID, fn func(T) T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots.Get(e.Index)
	if !ok || s.generation != e.Generation {
		return false
	}
	s.value = fn(s.value)
	p.slots.Put(e.Index, s)
	return true
}

func (p *Pool[T]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.slots.Len()
}

func (p *Pool[T]) Clear() {
	p.mu.Lock()
	p.slots.Clear()
	p.mu.Unlock()
}

// Entities returns the handles currently stored, in no particular order.
func (p *Pool[T]) Entities() []EntityID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]EntityID, 0, p.slots.Len())
	p.slots.ForEach(func(index uint32, s slot[T]) bool {
		out = append(out, EntityID{Index: index, Generation: s.generation})
		return true
	})
	return out
}
