package ecs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
)

func testWorld(t *testing.T) *World {
	t.Helper()
	w := newWorld(Options{Logger: log.NewNop()})
	t.Cleanup(func() { _ = w.Shutdown(context.Background()) })
	return w
}

// bindVerdict serves capability on w's table, answering every event with v.
func bindVerdict(ctx context.Context, w *World, capability string, v Verdict, calls *atomic.Int32) HandlerRef {
	w.Table().Bind(ctx, capability, func(context.Context, string, []byte) ([]byte, error) {
		calls.Add(1)
		return EncodeVerdict(v), nil
	})
	return HandlerRef{Capability: capability, Op: "handle"}
}

var (
	position = NewComponent("position", []byte{1, 2})
	velocity = NewComponent("velocity", []byte{3})
	frozen   = NewComponent("frozen", nil)
)

func TestWorldEntities(t *testing.T) {
	ctx := context.Background()

	t.Run("spawn despawn recycle", func(t *testing.T) {
		w := testWorld(t)
		e1, err := w.Spawn(ctx)
		require.NoError(t, err)
		require.NoError(t, w.Despawn(ctx, e1))
		assert.True(t, failure.Is(w.Despawn(ctx, e1), failure.KindExpiredEntity))
		_, err = w.Component(e1, position.ID)
		assert.True(t, failure.Is(err, failure.KindExpiredEntity))

		e2, err := w.Spawn(ctx)
		require.NoError(t, err)

		assert.Equal(t, e1.Index, e2.Index)
		assert.Equal(t, e1.Generation+1, e2.Generation)
		assert.False(t, w.IsAlive(e1))
		assert.True(t, w.Exists(e1))
		assert.True(t, failure.Is(w.Despawn(ctx, e1), failure.KindExpiredEntity))
	})

	t.Run("despawn drops components", func(t *testing.T) {
		w := testWorld(t)
		e, err := w.SpawnWithComponents(ctx, []Component{position, velocity})
		require.NoError(t, err)
		require.NoError(t, w.Despawn(ctx, e))
		assert.Zero(t, w.CountComponents(position.ID))
		assert.NoError(t, w.Validate())
	})

	t.Run("duplicate component in a bundle is rejected", func(t *testing.T) {
		w := testWorld(t)
		_, err := w.SpawnWithComponents(ctx, []Component{position, position})
		assert.True(t, failure.Is(err, failure.KindInvalidInput))
		assert.Zero(t, w.EntityCount())
	})

	t.Run("clone copies components", func(t *testing.T) {
		w := testWorld(t)
		e, _ := w.SpawnWithComponents(ctx, []Component{position})
		clone, err := w.CloneEntity(ctx, e)
		require.NoError(t, err)
		assert.NotEqual(t, e, clone)

		c, err := w.Component(clone, position.ID)
		require.NoError(t, err)
		assert.Equal(t, position.Data, c.Data)
	})

	t.Run("despawn batch joins failures", func(t *testing.T) {
		w := testWorld(t)
		ids, err := w.SpawnBatch(ctx, make([][]Component, 3))
		require.NoError(t, err)
		n, err := w.DespawnBatch(ctx, append(ids, NullEntity))
		assert.Equal(t, 3, n)
		assert.True(t, failure.Is(err, failure.KindNotFound))
	})

	t.Run("lock rejects mutations", func(t *testing.T) {
		w := testWorld(t)
		w.Lock()
		_, err := w.Spawn(ctx)
		assert.True(t, failure.Is(err, failure.KindInvalidState))
		w.Unlock()
		_, err = w.Spawn(ctx)
		assert.NoError(t, err)
	})

	t.Run("pre despawn veto leaves the world unchanged", func(t *testing.T) {
		w := testWorld(t)
		bindCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var calls atomic.Int32
		h := bindVerdict(bindCtx, w, "test.guard", Cancel, &calls)
		_, err := w.Events().Subscribe(EventBeforeEntityDespawn, PhasePre, h)
		require.NoError(t, err)

		e, _ := w.SpawnWithComponents(ctx, []Component{position})
		err = w.Despawn(ctx, e)
		assert.True(t, failure.Is(err, failure.KindCancelled))
		assert.True(t, w.IsAlive(e))
		assert.True(t, w.HasComponent(e, position.ID))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("lifecycle post events are queued", func(t *testing.T) {
		w := testWorld(t)
		bindCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var calls atomic.Int32
		h := bindVerdict(bindCtx, w, "test.observer", Proceed, &calls)
		_, _ = w.Events().Subscribe(EventAfterEntitySpawn, PhasePost, h)
		_, _ = w.Events().Subscribe(EventAfterComponentAdd, PhasePost, h)

		e, _ := w.Spawn(ctx)
		require.NoError(t, w.AddComponent(ctx, e, velocity))
		assert.Equal(t, 2, w.Events().QueueLen())

		report, err := w.Step(ctx, 0.016)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Events.Dispatched)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("shutdown rejects further use", func(t *testing.T) {
		w := newWorld(Options{Logger: log.NewNop()})
		require.NoError(t, w.Shutdown(ctx))
		_, err := w.Spawn(ctx)
		assert.True(t, failure.Is(err, failure.KindInvalidState))
		_, err = w.Step(ctx, 1)
		assert.True(t, failure.Is(err, failure.KindInvalidState))
	})
}

func TestWorldComponents(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate add fails and replace overwrites", func(t *testing.T) {
		w := testWorld(t)
		e, _ := w.Spawn(ctx)
		require.NoError(t, w.AddComponent(ctx, e, position))

		err := w.AddComponent(ctx, e, NewComponent("position", []byte{9}))
		assert.True(t, failure.Is(err, failure.KindAlreadyExists))

		prev, replaced, err := w.ReplaceComponent(ctx, e, NewComponent("position", []byte{9}))
		require.NoError(t, err)
		assert.True(t, replaced)
		assert.Equal(t, position.Data, prev.Data)

		c, _ := w.Component(e, position.ID)
		assert.Equal(t, []byte{9}, c.Data)
	})

	t.Run("replace on a missing type adds it", func(t *testing.T) {
		w := testWorld(t)
		e, _ := w.Spawn(ctx)
		_, replaced, err := w.ReplaceComponent(ctx, e, velocity)
		require.NoError(t, err)
		assert.False(t, replaced)
		assert.True(t, w.HasComponent(e, velocity.ID))
	})

	t.Run("concurrent replace of a missing type never collides", func(t *testing.T) {
		w := testWorld(t)
		const writers = 16
		for round := 0; round < 20; round++ {
			e, err := w.Spawn(ctx)
			require.NoError(t, err)

			var wg sync.WaitGroup
			var added atomic.Int32
			errs := make(chan error, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, replaced, err := w.ReplaceComponent(ctx, e, NewComponent("velocity", []byte{byte(i)}))
					if err != nil {
						errs <- err
						return
					}
					if !replaced {
						added.Add(1)
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				assert.NoError(t, err)
			}
			assert.Equal(t, int32(1), added.Load())
			assert.True(t, w.HasComponent(e, velocity.ID))
		}
	})

	t.Run("remove and clear", func(t *testing.T) {
		w := testWorld(t)
		e, _ := w.SpawnWithComponents(ctx, []Component{position, velocity, frozen})

		removed, err := w.RemoveComponent(ctx, e, velocity.ID)
		require.NoError(t, err)
		assert.Equal(t, velocity.Data, removed.Data)

		_, err = w.RemoveComponent(ctx, e, velocity.ID)
		assert.True(t, failure.Is(err, failure.KindNotFound))

		n, err := w.ClearComponents(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		ids, _ := w.ComponentIDs(e)
		assert.Empty(t, ids)
	})

	t.Run("stored values are copies", func(t *testing.T) {
		w := testWorld(t)
		data := []byte{1}
		e, _ := w.SpawnWithComponents(ctx, []Component{NewComponent("copy", data)})
		data[0] = 2
		c, _ := w.Component(e, ComponentIDOf("copy"))
		assert.Equal(t, byte(1), c.Data[0])
	})

	t.Run("update in place", func(t *testing.T) {
		w := testWorld(t)
		e, _ := w.SpawnWithComponents(ctx, []Component{position})
		require.NoError(t, w.UpdateComponent(e, position.ID, func(b []byte) []byte { return append(b, 7) }))
		c, _ := w.Component(e, position.ID)
		assert.Equal(t, []byte{1, 2, 7}, c.Data)
		assert.Equal(t, uint32(3), c.SizeHint)
	})

	t.Run("unregistered types are adopted by the world", func(t *testing.T) {
		w := testWorld(t)
		e, _ := w.Spawn(ctx)
		require.NoError(t, w.AddComponent(ctx, e, frozen))
		owner, ok := w.Registry().Owner(frozen.ID)
		require.True(t, ok)
		assert.Equal(t, WorldSystem, owner)
	})

	t.Run("registration sets the owner", func(t *testing.T) {
		w := testWorld(t)
		id, err := w.RegisterComponent("health", 4)
		require.NoError(t, err)
		owner, _ := w.Registry().Owner(id)
		assert.Equal(t, SystemID(4), owner)
		assert.Equal(t, 0, w.CountComponents(id))
	})

	t.Run("stale handles fail expired", func(t *testing.T) {
		w := testWorld(t)
		e, _ := w.Spawn(ctx)
		require.NoError(t, w.Despawn(ctx, e))
		_, _ = w.Spawn(ctx)
		err := w.AddComponent(ctx, e, position)
		assert.True(t, failure.Is(err, failure.KindExpiredEntity))
		_, err = w.Component(e, position.ID)
		assert.True(t, failure.Is(err, failure.KindExpiredEntity))
	})
}

func TestWorldBatchSpawnAtomicity(t *testing.T) {
	ctx := context.Background()
	w := testWorld(t)
	f := Filter{Required: []ComponentID{position.ID, velocity.ID}}

	const batchSize = 200
	bundles := make([][]Component, batchSize)
	for i := range bundles {
		bundles[i] = []Component{position, velocity}
	}

	var (
		wg      sync.WaitGroup
		stop    atomic.Bool
		partial atomic.Int32
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			matched, err := w.match(f)
			if err != nil {
				continue
			}
			if n := len(matched); n != 0 && n%batchSize != 0 {
				partial.Add(1)
			}
		}
	}()

	for i := 0; i < 10; i++ {
		_, err := w.SpawnBatch(ctx, bundles)
		require.NoError(t, err)
	}
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, partial.Load(), "a query observed a partially installed batch")
	assert.Len(t, w.EntitiesWithComponents(f.Required), 10*batchSize)
}

func TestWorldResourcesAndStats(t *testing.T) {
	ctx := context.Background()
	w := testWorld(t)

	_, existed := w.InsertResource("config", []byte("a"))
	assert.False(t, existed)
	prev, existed := w.InsertResource("config", []byte("b"))
	assert.True(t, existed)
	assert.Equal(t, []byte("a"), prev)

	data, err := w.Resource("config")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), data)
	assert.Equal(t, []string{"config"}, w.ResourceNames())

	_, err = w.RemoveResource("config")
	require.NoError(t, err)
	_, err = w.Resource("config")
	assert.True(t, failure.Is(err, failure.KindNotFound))

	_, _ = w.SpawnWithComponents(ctx, []Component{position})
	_, _ = w.SpawnWithComponents(ctx, []Component{position, velocity})
	stats := w.Stats()
	assert.Equal(t, uint64(2), stats.Entities)
	assert.Equal(t, uint64(3), stats.Components)
	assert.Equal(t, uint64(2), stats.ComponentTypes)

	assert.Equal(t, 2, w.Clear())
	assert.Zero(t, w.EntityCount())
	assert.NoError(t, w.Validate())
}

func TestGlobalWorld(t *testing.T) {
	ResetWorld()
	t.Cleanup(ResetWorld)

	_, err := CurrentWorld()
	assert.True(t, failure.Is(err, failure.KindInvalidState))

	w, err := InitializeWorld(Options{Logger: log.NewNop()})
	require.NoError(t, err)

	_, err = InitializeWorld(Options{Logger: log.NewNop()})
	assert.True(t, failure.Is(err, failure.KindAlreadyExists))

	current, err := CurrentWorld()
	require.NoError(t, err)
	assert.Same(t, w, current)

	require.NoError(t, ShutdownWorld(context.Background()))
	assert.True(t, w.IsShutdown())
	_, err = CurrentWorld()
	assert.True(t, failure.Is(err, failure.KindInvalidState))
}
