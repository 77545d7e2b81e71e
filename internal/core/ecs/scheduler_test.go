package ecs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
)

// frameLog records system runs and the peak number running at once.
type frameLog struct {
	mu      sync.Mutex
	order   []string
	running map[string]bool
	overlap [][2]string
	fail    map[string]error
}

func newFrameLog() *frameLog {
	return &frameLog{running: map[string]bool{}, fail: map[string]error{}}
}

func (l *frameLog) UpdateSystem(_ context.Context, system SystemInfo, _ float64) error {
	l.mu.Lock()
	for other := range l.running {
		l.overlap = append(l.overlap, [2]string{other, system.Name})
	}
	l.running[system.Name] = true
	l.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.running, system.Name)
	l.order = append(l.order, system.Name)
	return l.fail[system.Name]
}

func (l *frameLog) overlapped(a, b string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pair := range l.overlap {
		if (pair[0] == a && pair[1] == b) || (pair[0] == b && pair[1] == a) {
			return true
		}
	}
	return false
}

func desc(name string, stage Stage, deps ...SystemID) SystemDescriptor {
	return SystemDescriptor{Name: name, Stage: stage, Dependencies: deps, Update: HandlerRef{Capability: "system." + name, Op: "update"}}
}

func TestScheduler(t *testing.T) {
	ctx := context.Background()

	t.Run("stages run in order", func(t *testing.T) {
		fl := newFrameLog()
		s := NewScheduler(fl, 3, log.NewNop())
		_, _ = s.Register(desc("render", StageRender))
		_, _ = s.Register(desc("layout", StageLayout))
		_, _ = s.Register(desc("pre", StagePreUpdate))
		_, _ = s.Register(desc("post", StagePostUpdate))

		report, err := s.Run(ctx, 0.016)
		require.NoError(t, err)
		assert.Equal(t, 4, report.Executed)
		assert.Equal(t, []string{"pre", "post", "layout", "render"}, fl.order)
	})

	t.Run("dependencies finish before dependents start", func(t *testing.T) {
		fl := newFrameLog()
		s := NewScheduler(fl, 3, log.NewNop())
		a, _ := s.Register(desc("a", StageUpdate))
		b, _ := s.Register(desc("b", StageUpdate, a))
		_, _ = s.Register(desc("c", StageUpdate, b))
		require.NoError(t, s.UpdateDependencies(a, nil))

		_, err := s.Run(ctx, 0.016)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, fl.order)
		assert.False(t, fl.overlapped("a", "b"))
		assert.False(t, fl.overlapped("b", "c"))
	})

	t.Run("shared pools serialize and disjoint pools may overlap", func(t *testing.T) {
		fl := newFrameLog()
		s := NewScheduler(fl, 3, log.NewNop())
		shared := []ComponentID{position.ID}

		d1 := desc("writer1", StageUpdate)
		d1.Pools = shared
		d2 := desc("writer2", StageUpdate)
		d2.Pools = shared
		d3 := desc("other", StageUpdate)
		d3.Pools = []ComponentID{velocity.ID}
		for _, d := range []SystemDescriptor{d1, d2, d3} {
			_, err := s.Register(d)
			require.NoError(t, err)
		}

		_, err := s.Run(ctx, 0.016)
		require.NoError(t, err)
		assert.Len(t, fl.order, 3)
		assert.False(t, fl.overlapped("writer1", "writer2"))
	})

	t.Run("disabled systems are skipped", func(t *testing.T) {
		fl := newFrameLog()
		s := NewScheduler(fl, 3, log.NewNop())
		id, _ := s.Register(desc("a", StageUpdate))
		require.NoError(t, s.Disable(id))

		report, err := s.Run(ctx, 0.016)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Skipped)
		assert.Empty(t, fl.order)

		enabled, _ := s.IsEnabled(id)
		assert.False(t, enabled)
	})

	t.Run("retries are exhausted within one frame", func(t *testing.T) {
		fl := newFrameLog()
		fl.fail["flaky"] = errors.New("boom")
		s := NewScheduler(fl, 2, log.NewNop())
		id, _ := s.Register(desc("flaky", StageUpdate))

		report, err := s.Run(ctx, 0.016)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed)
		assert.Equal(t, []string{"flaky", "flaky", "flaky"}, fl.order)

		info, err := s.System(id)
		require.NoError(t, err)
		assert.Equal(t, SystemFailed, info.State)
		assert.Equal(t, "boom", info.LastError)
		stats, _ := s.Stats(id)
		assert.Equal(t, int64(3), stats.ExecutionCount)
		assert.Equal(t, int64(3), stats.FailureCount)

		report, _ = s.Run(ctx, 0.016)
		assert.Equal(t, 1, report.Skipped)

		require.NoError(t, s.Enable(id))
		info, _ = s.System(id)
		assert.Equal(t, SystemEnabled, info.State)
		assert.Zero(t, info.Failures)
	})

	t.Run("a transient failure is retried before dependents run", func(t *testing.T) {
		var mu sync.Mutex
		var order []string
		blips := 1
		s := NewScheduler(UpdaterFunc(func(_ context.Context, system SystemInfo, _ float64) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, system.Name)
			if system.Name == "flaky" && blips > 0 {
				blips--
				return errors.New("blip")
			}
			return nil
		}), 1, log.NewNop())
		flaky, _ := s.Register(desc("flaky", StageUpdate))
		_, err := s.Register(desc("reader", StageUpdate, flaky))
		require.NoError(t, err)

		report, err := s.Run(ctx, 0.016)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Executed)
		assert.Zero(t, report.Failed)
		assert.Equal(t, []string{"flaky", "flaky", "reader"}, order)

		info, _ := s.System(flaky)
		assert.NotEqual(t, SystemFailed, info.State)
		assert.Zero(t, info.Failures)

		stats, err := s.Stats(flaky)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.ExecutionCount)
		assert.Equal(t, int64(1), stats.FailureCount)

		s.ClearStats()
		stats, _ = s.Stats(flaky)
		assert.Zero(t, stats.ExecutionCount)
	})

	t.Run("registration and dependency rules", func(t *testing.T) {
		s := NewScheduler(newFrameLog(), 3, log.NewNop())
		a, err := s.Register(desc("a", StageUpdate))
		require.NoError(t, err)
		b, err := s.Register(desc("b", StageUpdate, a))
		require.NoError(t, err)

		_, err = s.Register(desc("a", StageUpdate))
		assert.True(t, failure.Is(err, failure.KindAlreadyExists))

		_, err = s.Register(desc("orphan", StageUpdate, 99))
		assert.True(t, failure.Is(err, failure.KindNotFound))

		err = s.UpdateDependencies(a, []SystemID{b})
		assert.True(t, failure.Is(err, failure.KindInvalidInput))
		err = s.UpdateDependencies(a, []SystemID{a})
		assert.True(t, failure.Is(err, failure.KindInvalidInput))

		assert.Equal(t, []SystemID{b}, s.Dependents(a))

		_, err = s.Unregister(a)
		assert.True(t, failure.Is(err, failure.KindInvalidState))

		info, err := s.Unregister(b)
		require.NoError(t, err)
		assert.Equal(t, SystemUnregistered, info.State)
		_, err = s.Unregister(a)
		require.NoError(t, err)
		assert.Zero(t, s.Len())
	})

	t.Run("invalid descriptors", func(t *testing.T) {
		s := NewScheduler(newFrameLog(), 3, log.NewNop())
		_, err := s.Register(SystemDescriptor{Name: "x"})
		assert.True(t, failure.Is(err, failure.KindInvalidInput))
		bad := desc("x", Stage(42))
		_, err = s.Register(bad)
		assert.True(t, failure.Is(err, failure.KindInvalidInput))
	})
}
