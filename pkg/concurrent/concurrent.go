package concurrent

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ForEach runs action for every item in its own goroutine, at most limit at a
// time (limit <= 0 means unbounded). It waits for all of them and returns the
// first error; the context passed to action is cancelled once one fails.
func ForEach[T any](ctx context.Context, items []T, limit int, action func(context.Context, T) error) error {
	group, groupCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		group.SetLimit(limit)
	}
	for _, item := range items {
		group.Go(func() error {
			return action(groupCtx, item)
		})
	}
	return group.Wait()
}

// ParallelMute runs action for every item concurrently and ignores the errors.
func ParallelMute[T any](items []T, action func(T) error) {
	wg := sync.WaitGroup{}
	for _, item := range items {
		wg.Add(1)
		go func(value T) {
			defer wg.Done()
			_ = action(value)
		}(item)
	}
	wg.Wait()
}

// Batch splits items into chunks of batchSize and hands each chunk to action
// in its own goroutine.
func Batch[T any](items []T, batchSize int, action func([]T)) {
	if batchSize <= 0 {
		batchSize = len(items)
	}
	var wg sync.WaitGroup
	for idx := 0; idx < len(items); idx += batchSize {
		end := idx + batchSize
		if end > len(items) {
			end = len(items)
		}
		wg.Add(1)
		go func(chunk []T) {
			defer wg.Done()
			action(chunk)
		}(items[idx:end])
	}
	wg.Wait()
}
