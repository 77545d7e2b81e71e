package ecs

import "sync/atomic"

type (
	SubscriptionID uint64
	QueryID        uint64
	SystemID       uint64
	StorageID      uint64
)

// WorldSystem owns component pools that were not registered by any system.
const WorldSystem SystemID = 0

// sequence issues monotonically increasing identifiers starting at 1.
type sequence struct {
	last atomic.Uint64
}

func (s *sequence) next() uint64 {
	return s.last.Add(1)
}

func (s *sequence) current() uint64 {
	return s.last.Load()
}

// advance moves the sequence past v so restored identifiers are never reissued.
func (s *sequence) advance(v uint64) {
	for {
		cur := s.last.Load()
		if cur >= v || s.last.CompareAndSwap(cur, v) {
			return
		}
	}
}
