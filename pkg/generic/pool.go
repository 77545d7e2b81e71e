package generic

import "sync"

// Pool is a typed wrapper over sync.Pool.
type Pool[T any] struct {
	pool sync.Pool
}

// NewPool returns a Pool that calls generate when it runs empty.
func NewPool[T any](generate func() T) *Pool[T] {
	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				return generate()
			},
		},
	}
}

// NewHotPool returns a Pool pre-filled with hotSize generated values.
func NewHotPool[T any](generate func() T, hotSize int) *Pool[T] {
	p := NewPool[T](generate)
	for range hotSize {
		p.pool.Put(generate())
	}
	return p
}

// Get takes a value from the pool, generating one if it is empty.
func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns value to the pool for reuse.
func (p *Pool[T]) Put(value T) {
	p.pool.Put(value)
}
