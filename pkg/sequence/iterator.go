package sequence

import (
	"iter"
	"sort"
)

// Iterator is a lazy, chainable view over a sequence of T.
type Iterator[T any] struct {
	seq iter.Seq[T]
}

func From[T any](data []T) *Iterator[T] {
	return &Iterator[T]{seq: func(yield func(T) bool) {
		for _, v := range data {
			if !yield(v) {
				return
			}
		}
	}}
}

// Keys iterates the keys of m in map order.
func Keys[K comparable, V any](m map[K]V) *Iterator[K] {
	return &Iterator[K]{seq: func(yield func(K) bool) {
		for k := range m {
			if !yield(k) {
				return
			}
		}
	}}
}

func (i *Iterator[T]) Seq() iter.Seq[T] {
	return i.seq
}

func (i *Iterator[T]) Collect() []T {
	var out []T
	for v := range i.seq {
		out = append(out, v)
	}
	return out
}

func (i *Iterator[T]) Filter(pred func(T) bool) *Iterator[T] {
	return &Iterator[T]{seq: func(yield func(T) bool) {
		for v := range i.seq {
			if pred(v) && !yield(v) {
				return
			}
		}
	}}
}

// Sort collects the iterator and orders it stably by less.
func (i *Iterator[T]) Sort(less func(a, b T) bool) *Iterator[T] {
	data := i.Collect()
	sort.SliceStable(data, func(a, b int) bool { return less(data[a], data[b]) })
	return From(data)
}

func (i *Iterator[T]) Count() int {
	n := 0
	for range i.seq {
		n++
	}
	return n
}

// Map collects fn applied to every element.
func Map[T, S any](it *Iterator[T], fn func(T) S) []S {
	var out []S
	for v := range it.seq {
		out = append(out, fn(v))
	}
	return out
}

// CountBy counts elements per key.
func CountBy[T any, K comparable](it *Iterator[T], key func(T) K) map[K]int {
	counts := make(map[K]int)
	for v := range it.seq {
		counts[key(v)]++
	}
	return counts
}
