package view_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/ecsnet/internal/core/ecs"
	"github.com/zeusync/ecsnet/internal/core/ecs/view"
	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/vtable"
)

func boundView(t *testing.T) (*view.View, *ecs.World) {
	t.Helper()
	ecs.ResetWorld()
	ctx, cancel := context.WithCancel(context.Background())

	table := vtable.New(log.NewNop())
	w, err := ecs.InitializeWorld(ecs.Options{Logger: log.NewNop(), Table: table})
	require.NoError(t, err)
	w.Bind(ctx)
	table.ServeRegistry(ctx)

	t.Cleanup(func() {
		ecs.ResetWorld()
		cancel()
	})
	return view.New(table), w
}

func TestViewWithoutViewModel(t *testing.T) {
	v := view.New(vtable.New(log.NewNop()))
	_, err := v.Spawn(context.Background())
	assert.True(t, failure.Is(err, failure.KindNotImplemented))
}

func TestViewEntitiesAndComponents(t *testing.T) {
	ctx := context.Background()
	v, w := boundView(t)

	pos := ecs.NewComponent("position", []byte{1, 2, 3})
	vel := ecs.NewComponent("velocity", []byte{4})

	e, err := v.SpawnWithComponents(ctx, []ecs.Component{pos})
	require.NoError(t, err)
	assert.True(t, w.IsAlive(e))

	require.NoError(t, v.AddComponent(ctx, e, vel))
	err = v.AddComponent(ctx, e, vel)
	assert.True(t, failure.Is(err, failure.KindAlreadyExists))

	got, err := v.Component(ctx, e, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, pos.Data, got.Data)

	has, err := v.HasComponents(ctx, e, []ecs.ComponentID{pos.ID, vel.ID})
	require.NoError(t, err)
	assert.True(t, has)

	prev, replaced, err := v.ReplaceComponent(ctx, e, ecs.NewComponent("velocity", []byte{9}))
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, []byte{4}, prev.Data)

	removed, err := v.RemoveComponent(ctx, e, vel.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, removed.Data)

	ids, err := v.SpawnBatch(ctx, [][]ecs.Component{{pos}, {pos, vel}})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	n, err := v.CountComponents(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, err := v.EntityCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, v.Despawn(ctx, e))
	alive, err := v.IsAlive(ctx, e)
	require.NoError(t, err)
	assert.False(t, alive)

	err = v.Despawn(ctx, e)
	assert.True(t, failure.Is(err, failure.KindExpiredEntity))
}

func TestViewQueries(t *testing.T) {
	ctx := context.Background()
	v, _ := boundView(t)

	a := ecs.NewComponent("a", nil)
	b := ecs.NewComponent("b", nil)
	_, _ = v.SpawnWithComponents(ctx, []ecs.Component{a})
	only, _ := v.SpawnWithComponents(ctx, []ecs.Component{a, b})

	q, err := v.CreateQuery(ctx, ecs.Filter{Required: []ecs.ComponentID{a.ID, b.ID}})
	require.NoError(t, err)

	matched, err := v.ExecuteQuery(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []ecs.EntityID{only}, matched)

	results, err := v.ExecuteQueryWithComponents(ctx, q)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Components, 2)

	require.NoError(t, v.UpdateQuery(ctx, q, ecs.Filter{Required: []ecs.ComponentID{a.ID}}))
	chunks, err := v.ExecuteQueryBatch(ctx, q, 1)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)

	_, err = v.CreateQuery(ctx, ecs.Filter{Required: []ecs.ComponentID{a.ID}, Excluded: []ecs.ComponentID{a.ID}})
	assert.True(t, failure.Is(err, failure.KindInvalidInput))

	require.NoError(t, v.DeleteQuery(ctx, q))
	_, err = v.QueryCount(ctx, q)
	assert.True(t, failure.Is(err, failure.KindNotFound))
}

func TestViewEvents(t *testing.T) {
	ctx := context.Background()
	v, _ := boundView(t)

	t.Run("pre handler vetoes despawn", func(t *testing.T) {
		var calls atomic.Int32
		_, cancel, err := v.SubscribeFunc(ctx, ecs.EventBeforeEntityDespawn, ecs.PhasePre, func(context.Context, ecs.Event) ecs.Verdict {
			calls.Add(1)
			return ecs.Cancel
		})
		require.NoError(t, err)

		e, _ := v.Spawn(ctx)
		err = v.Despawn(ctx, e)
		assert.True(t, failure.Is(err, failure.KindCancelled))
		assert.Equal(t, int32(1), calls.Load())

		alive, _ := v.IsAlive(ctx, e)
		assert.True(t, alive)

		cancel()
		require.NoError(t, v.Despawn(ctx, e))
	})

	t.Run("custom events reach post handlers on drain", func(t *testing.T) {
		id := ecs.EventIDOf("chat.message")
		got := make(chan []byte, 1)
		_, cancel, err := v.SubscribeFunc(ctx, id, ecs.PhasePost, func(_ context.Context, ev ecs.Event) ecs.Verdict {
			got <- ev.Data
			return ecs.Proceed
		})
		require.NoError(t, err)
		defer cancel()

		require.NoError(t, v.Emit(ctx, ecs.NewEvent(id, []byte("hi"))))
		size, err := v.EventQueueSize(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, size)

		report, err := v.ProcessEventQueue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Dispatched)
		assert.Equal(t, []byte("hi"), <-got)

		subs, err := v.Subscriptions(ctx, id)
		require.NoError(t, err)
		assert.Len(t, subs, 1)
	})

	t.Run("unsubscribe all", func(t *testing.T) {
		id := ecs.EventIDOf("bulk")
		for i := 0; i < 3; i++ {
			_, _, err := v.SubscribeFunc(ctx, id, ecs.PhasePost, func(context.Context, ecs.Event) ecs.Verdict { return ecs.Proceed })
			require.NoError(t, err)
		}
		n, err := v.UnsubscribeAll(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		has, err := v.HasSubscribers(ctx, id)
		require.NoError(t, err)
		assert.False(t, has)
	})
}

func TestViewSystems(t *testing.T) {
	ctx := context.Background()
	v, _ := boundView(t)

	var frames atomic.Int32
	var lastDT atomic.Value
	id, err := v.RegisterSystemFunc(ctx, ecs.SystemDescriptor{Name: "movement", Stage: ecs.StageUpdate}, func(_ context.Context, dt float64) error {
		frames.Add(1)
		lastDT.Store(dt)
		return nil
	})
	require.NoError(t, err)

	report, err := v.Step(ctx, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Frame.Executed)
	assert.Equal(t, int32(1), frames.Load())
	assert.Equal(t, 0.5, lastDT.Load())

	require.NoError(t, v.DisableSystem(ctx, id))
	frame, err := v.RunSystems(ctx, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1, frame.Skipped)

	info, err := v.System(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "movement", info.Name)
	assert.Equal(t, ecs.SystemDisabled, info.State)

	stats, err := v.SystemStats(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ExecutionCount)

	caps, err := v.Capabilities(ctx)
	require.NoError(t, err)
	assert.Contains(t, caps, ecs.CapabilitySystem)
	assert.Contains(t, caps, info.Update.Capability)
}

func TestViewWorld(t *testing.T) {
	ctx := context.Background()
	v, _ := boundView(t)

	replaced, err := v.InsertResource(ctx, "config", []byte("x"))
	require.NoError(t, err)
	assert.False(t, replaced)

	data, err := v.Resource(ctx, "config")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)

	_, _ = v.Spawn(ctx)
	require.NoError(t, v.CreateSnapshot(ctx, "one"))
	names, err := v.Snapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, names)

	require.NoError(t, v.Lock(ctx))
	_, err = v.Spawn(ctx)
	assert.True(t, failure.Is(err, failure.KindInvalidState))
	require.NoError(t, v.Unlock(ctx))

	n, err := v.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, v.RestoreSnapshot(ctx, "one"))
	stats, err := v.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Entities)
	assert.Equal(t, uint64(1), stats.Resources)
}
