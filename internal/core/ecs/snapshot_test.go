package ecs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/storage"
)

func TestSnapshots(t *testing.T) {
	ctx := context.Background()

	t.Run("restore brings back entities components and resources", func(t *testing.T) {
		w := testWorld(t)
		keep, _ := w.SpawnWithComponents(ctx, []Component{position, velocity})
		gone, _ := w.SpawnWithComponents(ctx, []Component{frozen})
		_, err := w.RegisterComponent("health", 7)
		require.NoError(t, err)
		w.InsertResource("time", []byte{9})

		require.NoError(t, w.CreateSnapshot(ctx, "before"))

		require.NoError(t, w.Despawn(ctx, keep))
		_, _ = w.Spawn(ctx)
		w.InsertResource("time", []byte{10})

		require.NoError(t, w.RestoreSnapshot(ctx, "before"))
		assert.True(t, w.IsAlive(keep))
		assert.True(t, w.IsAlive(gone))
		assert.Equal(t, 2, w.EntityCount())

		c, err := w.Component(keep, velocity.ID)
		require.NoError(t, err)
		assert.Equal(t, velocity.Data, c.Data)

		data, err := w.Resource("time")
		require.NoError(t, err)
		assert.Equal(t, []byte{9}, data)

		owner, ok := w.Registry().Owner(ComponentIDOf("health"))
		require.True(t, ok)
		assert.Equal(t, SystemID(7), owner)
		assert.NoError(t, w.Validate())
	})

	t.Run("restored allocator keeps generations", func(t *testing.T) {
		w := testWorld(t)
		e, _ := w.Spawn(ctx)
		require.NoError(t, w.Despawn(ctx, e))
		require.NoError(t, w.CreateSnapshot(ctx, "s"))
		require.NoError(t, w.RestoreSnapshot(ctx, "s"))

		next, err := w.Spawn(ctx)
		require.NoError(t, err)
		assert.Equal(t, EntityID{Index: e.Index, Generation: e.Generation + 1}, next)
	})

	t.Run("list and delete", func(t *testing.T) {
		store := storage.NewMemoryStore()
		w := newWorld(Options{Snapshots: store})
		t.Cleanup(func() { _ = w.Shutdown(ctx) })

		require.NoError(t, w.CreateSnapshot(ctx, "b"))
		require.NoError(t, w.CreateSnapshot(ctx, "a"))
		names, err := w.Snapshots(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, names)
		assert.Same(t, store, w.SnapshotStore())

		require.NoError(t, w.DeleteSnapshot(ctx, "a"))
		err = w.RestoreSnapshot(ctx, "a")
		assert.True(t, failure.Is(err, failure.KindNotFound))
	})

	t.Run("restore is refused while locked", func(t *testing.T) {
		w := testWorld(t)
		require.NoError(t, w.CreateSnapshot(ctx, "s"))
		w.Lock()
		err := w.RestoreSnapshot(ctx, "s")
		assert.True(t, failure.Is(err, failure.KindInvalidState))
	})

	t.Run("garbage blob", func(t *testing.T) {
		w := testWorld(t)
		err := w.DecodeSnapshot([]byte("not a snapshot"))
		assert.True(t, failure.Is(err, failure.KindDeserialization))
	})

	t.Run("restore runs the repair pass over tracked references", func(t *testing.T) {
		w := testWorld(t)
		kept, _ := w.Spawn(ctx)
		dropped, _ := w.Spawn(ctx)
		require.NoError(t, w.CreateSnapshot(ctx, "refs"))
		require.NoError(t, w.Despawn(ctx, kept))

		// as if decoded: ids without a world link
		refs := []EntityRef{{ID: kept}, {ID: dropped}, {ID: EntityID{Index: 0, Generation: 5}}}
		calls := 0
		untrack := w.TrackRefs(RefHolderFunc(func(w *World) int {
			calls++
			return w.RepairRefs(refs)
		}))

		require.NoError(t, w.RestoreSnapshot(ctx, "refs"))
		assert.Equal(t, 1, calls)
		assert.True(t, refs[0].Valid())
		assert.True(t, refs[1].Valid())
		assert.False(t, refs[2].Valid())

		untrack()
		require.NoError(t, w.RestoreSnapshot(ctx, "refs"))
		assert.Equal(t, 1, calls)
	})

	t.Run("decoded event sources are repaired", func(t *testing.T) {
		w := testWorld(t)
		e, _ := w.Spawn(ctx)
		ev, err := DecodeEvent(EncodeEvent(NewEvent(EventIDOf("x"), nil).WithSource(w.Ref(e))))
		require.NoError(t, err)
		assert.False(t, ev.Source.Valid())

		repaired, ok := w.RepairRef(ev.Source)
		assert.True(t, ok)
		assert.True(t, repaired.Valid())

		refs := []EntityRef{ev.Source, {ID: NullEntity}}
		assert.Equal(t, 1, w.RepairRefs(refs))
		assert.True(t, refs[0].Valid())
	})
}

func TestRefs(t *testing.T) {
	ctx := context.Background()

	t.Run("upgrade follows entity lifetime", func(t *testing.T) {
		w := testWorld(t)
		e, _ := w.Spawn(ctx)
		ref := w.Ref(e)

		got, id, err := ref.Upgrade()
		require.NoError(t, err)
		assert.Same(t, w, got)
		assert.Equal(t, e, id)

		require.NoError(t, w.Despawn(ctx, e))
		_, _, err = ref.Upgrade()
		assert.True(t, failure.Is(err, failure.KindNotFound) || failure.Is(err, failure.KindExpiredEntity))
		assert.False(t, ref.Valid())
	})

	t.Run("repair never moves onto a recycled index", func(t *testing.T) {
		w := testWorld(t)
		e, _ := w.Spawn(ctx)
		ref := w.Ref(e)
		require.NoError(t, w.Despawn(ctx, e))

		next, _ := w.Spawn(ctx)
		require.Equal(t, e.Index, next.Index)

		repaired, err := ref.Repair()
		assert.True(t, failure.Is(err, failure.KindExpiredEntity))
		assert.Equal(t, e, repaired.ID)
		assert.False(t, repaired.Valid())
	})

	t.Run("repair relinks a live entity", func(t *testing.T) {
		w := testWorld(t)
		e, _ := w.Spawn(ctx)
		repaired, err := w.Ref(e).Repair()
		require.NoError(t, err)
		assert.Equal(t, e, repaired.ID)
		assert.True(t, repaired.Valid())

		_, err = EntityRef{ID: NullEntity}.Repair()
		assert.True(t, failure.Is(err, failure.KindNotFound))
	})

	t.Run("references do not outlive the world", func(t *testing.T) {
		w := newWorld(Options{})
		e, _ := w.Spawn(ctx)
		ref := w.Ref(e)
		require.NoError(t, w.Shutdown(ctx))

		assert.Nil(t, ref.World())
		_, _, err := ref.Upgrade()
		assert.True(t, failure.Is(err, failure.KindExpiredEntity))
	})

	t.Run("null reference", func(t *testing.T) {
		_, _, err := EntityRef{ID: NullEntity}.Upgrade()
		assert.True(t, failure.Is(err, failure.KindNotFound))
	})

	t.Run("subscription refs", func(t *testing.T) {
		w := testWorld(t)
		id, err := w.Events().Subscribe(EventIDOf("x"), PhasePost, ref("h"))
		require.NoError(t, err)
		sref := w.SubscriptionRef(id)

		sub, err := sref.Upgrade()
		require.NoError(t, err)
		assert.Equal(t, id, sub.ID)

		repaired, ok := w.RepairSubscriptionRef(SubscriptionRef{ID: id})
		assert.True(t, ok)
		assert.True(t, repaired.Valid())

		require.NoError(t, sref.Cancel())
		assert.False(t, sref.Valid())
	})
}
