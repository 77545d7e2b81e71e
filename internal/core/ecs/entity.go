package ecs

import (
	"fmt"
	"math"

	"github.com/zeusync/ecsnet/internal/core/failure"
)

// EntityID is a generational handle. Two handles are equal only if both the
// index and the generation match.
type EntityID struct {
	Index      uint32
	Generation uint32
}

// NullEntity never refers to a live entity.
var NullEntity = EntityID{Index: math.MaxUint32, Generation: 0}

func (e EntityID) IsNull() bool { return e == NullEntity }

func (e EntityID) String() string {
	if e.IsNull() {
		return "entity(null)"
	}
	return fmt.Sprintf("entity(%d@%d)", e.Index, e.Generation)
}

type freeSlot struct {
	index      uint32
	generation uint32
}

// Allocator hands out generational entity handles. It is not safe for
// concurrent use; the World guards it with its structural lock.
type Allocator struct {
	nextIndex   uint32
	free        []freeSlot
	generations []uint32
	alive       []bool
}

func NewAllocator() *Allocator {
	return &Allocator{}
}

// Allocate reuses the most recently freed index with a bumped generation, or
// takes a fresh index at generation zero.
func (a *Allocator) Allocate() (EntityID, error) {
	if n := len(a.free); n > 0 {
		slot := a.free[n-1]
		a.free = a.free[:n-1]
		id := EntityID{Index: slot.index, Generation: slot.generation + 1}
		a.generations[slot.index] = id.Generation
		a.alive[slot.index] = true
		return id, nil
	}

	// MaxUint32 is the null index.
	if a.nextIndex == math.MaxUint32 {
		return NullEntity, failure.New(failure.KindFatal, "ecs.allocate", "entity index space exhausted")
	}
	id := EntityID{Index: a.nextIndex, Generation: 0}
	a.nextIndex++
	a.generations = append(a.generations, 0)
	a.alive = append(a.alive, true)
	return id, nil
}

// AllocateBatch takes n handles: first from the free list, then a block of
// fresh indices. On failure nothing is allocated.
func (a *Allocator) AllocateBatch(n int) ([]EntityID, error) {
	if n < 0 {
		return nil, failure.New(failure.KindInvalidInput, "ecs.allocate_batch", "negative count")
	}
	fresh := n - len(a.free)
	if fresh > 0 && uint64(a.nextIndex)+uint64(fresh) > math.MaxUint32 {
		return nil, failure.New(failure.KindFatal, "ecs.allocate_batch", "entity index space exhausted")
	}

	ids := make([]EntityID, 0, n)
	for i := 0; i < n; i++ {
		id, err := a.Allocate()
		if err != nil {
			for _, allocated := range ids {
				_ = a.Free(allocated)
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Free releases e. A generation that has reached its maximum retires the
// index instead of recycling it.
func (a *Allocator) Free(e EntityID) error {
	if err := a.check(e, "ecs.free"); err != nil {
		return err
	}
	a.alive[e.Index] = false
	if e.Generation == math.MaxUint32 {
		return nil
	}
	a.free = append(a.free, freeSlot{index: e.Index, generation: e.Generation})
	return nil
}

func (a *Allocator) IsAlive(e EntityID) bool {
	return a.check(e, "") == nil
}

// Occupied reports whether any generation of index is alive.
func (a *Allocator) Occupied(index uint32) bool {
	return index < uint32(len(a.alive)) && a.alive[index]
}

// Generation returns the current generation of index.
func (a *Allocator) Generation(index uint32) (uint32, bool) {
	if index >= uint32(len(a.generations)) {
		return 0, false
	}
	return a.generations[index], true
}

// Len returns the number of live handles.
func (a *Allocator) Len() int {
	n := 0
	for _, alive := range a.alive {
		if alive {
			n++
		}
	}
	return n
}

// Capacity returns the number of indices ever handed out.
func (a *Allocator) Capacity() int {
	return int(a.nextIndex)
}

// check fails NotFound for handles that never named an entity and
// ExpiredEntity for any handle whose index was allocated but is no longer
// alive under that generation.
func (a *Allocator) check(e EntityID, op string) error {
	if e.IsNull() || e.Index >= uint32(len(a.generations)) {
		return failure.Newf(failure.KindNotFound, op, "%s", e)
	}
	if gen := a.generations[e.Index]; gen != e.Generation {
		return failure.Newf(failure.KindExpiredEntity, op, "%s: current generation is %d", e, gen)
	}
	if !a.alive[e.Index] {
		return failure.Newf(failure.KindExpiredEntity, op, "%s was freed", e)
	}
	return nil
}

// allocatorState is the serializable form used by world snapshots.
type allocatorState struct {
	NextIndex   uint32
	FreeIndex   []uint32
	FreeGen     []uint32
	Generations []uint32
	Alive       []bool
}

func (a *Allocator) state() allocatorState {
	s := allocatorState{
		NextIndex:   a.nextIndex,
		Generations: append([]uint32(nil), a.generations...),
		Alive:       append([]bool(nil), a.alive...),
	}
	for _, slot := range a.free {
		s.FreeIndex = append(s.FreeIndex, slot.index)
		s.FreeGen = append(s.FreeGen, slot.generation)
	}
	return s
}

func allocatorFromState(s allocatorState) (*Allocator, error) {
	if len(s.Generations) != int(s.NextIndex) || len(s.Alive) != int(s.NextIndex) || len(s.FreeIndex) != len(s.FreeGen) {
		return nil, failure.New(failure.KindDeserialization, "ecs.restore", "inconsistent allocator state")
	}
	a := &Allocator{
		nextIndex:   s.NextIndex,
		generations: s.Generations,
		alive:       s.Alive,
	}
	for i := range s.FreeIndex {
		a.free = append(a.free, freeSlot{index: s.FreeIndex[i], generation: s.FreeGen[i]})
	}
	return a, nil
}
