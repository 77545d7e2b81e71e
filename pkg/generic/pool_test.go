package generic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool(t *testing.T) {
	t.Run("empty pool generates", func(t *testing.T) {
		calls := 0
		p := NewPool(func() []byte {
			calls++
			return make([]byte, 0, 8)
		})
		assert.Equal(t, 8, cap(p.Get()))
		assert.Equal(t, 1, calls)
	})

	t.Run("hot pool is filled up front", func(t *testing.T) {
		calls := 0
		p := NewHotPool(func() *int {
			calls++
			v := calls
			return &v
		}, 3)
		assert.Equal(t, 3, calls)
		assert.NotNil(t, p.Get())
	})

	t.Run("put values are reusable", func(t *testing.T) {
		p := NewPool(func() *int { return new(int) })
		v := p.Get()
		*v = 42
		p.Put(v)
		assert.NotNil(t, p.Get())
	})
}
