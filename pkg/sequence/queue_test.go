package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeap(t *testing.T) {
	h := NewHeap(func(a, b int) bool { return a > b })
	_, ok := h.Pop()
	assert.False(t, ok)

	for _, v := range []int{3, 9, 1, 7, 5} {
		h.Push(v)
	}
	top, ok := h.Peek()
	require.True(t, ok)
	assert.Equal(t, 9, top)

	var out []int
	for !h.IsEmpty() {
		v, _ := h.Pop()
		out = append(out, v)
	}
	assert.Equal(t, []int{9, 7, 5, 3, 1}, out)

	h.Push(4)
	h.Push(2)
	assert.Equal(t, 2, h.Clear())
	assert.Equal(t, 0, h.Len())
}
