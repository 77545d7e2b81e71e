package sequence

import "container/heap"

type heapItems[T any] struct {
	items []T
	less  func(a, b T) bool
}

func (h *heapItems[T]) Len() int {
	return len(h.items)
}

func (h *heapItems[T]) Less(i, j int) bool {
	return h.less(h.items[i], h.items[j])
}

func (h *heapItems[T]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *heapItems[T]) Push(x any) {
	h.items = append(h.items, x.(T))
}

func (h *heapItems[T]) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	var zero T
	old[n-1] = zero // avoid memory leak
	h.items = old[:n-1]
	return item
}

// Heap is a binary heap whose root is the element ordered first by less.
// It is not safe for concurrent use.
type Heap[T any] struct {
	h heapItems[T]
}

func NewHeap[T any](less func(a, b T) bool) *Heap[T] {
	return &Heap[T]{h: heapItems[T]{less: less}}
}

func (q *Heap[T]) Push(value T) {
	heap.Push(&q.h, value)
}

func (q *Heap[T]) Pop() (T, bool) {
	if q.h.Len() == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(&q.h).(T), true
}

func (q *Heap[T]) Peek() (T, bool) {
	if q.h.Len() == 0 {
		var zero T
		return zero, false
	}
	return q.h.items[0], true
}

func (q *Heap[T]) Len() int {
	return q.h.Len()
}

func (q *Heap[T]) IsEmpty() bool {
	return q.h.Len() == 0
}

// Clear drops every element and returns how many there were.
func (q *Heap[T]) Clear() int {
	n := len(q.h.items)
	clear(q.h.items)
	q.h.items = q.h.items[:0]
	return n
}
