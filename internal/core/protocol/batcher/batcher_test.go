package batcher

import (
	"context"
	"encoding/binary"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/protocol"
)

type written struct {
	channel uint16
	frame   []byte
}

type recordingSink struct {
	mu     sync.Mutex
	frames []written
}

func (s *recordingSink) WriteFrame(channel uint16, frame []byte) {
	s.mu.Lock()
	s.frames = append(s.frames, written{channel: channel, frame: frame})
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *recordingSink) all() []written {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]written(nil), s.frames...)
}

func TestBatcher(t *testing.T) {
	t.Run("orders by priority then arrival", func(t *testing.T) {
		sink := &recordingSink{}
		b := New(Config{}, sink, log.NewNop())

		p1 := protocol.NewPacket(7, 1, protocol.PriorityLow, []byte{1})
		p2 := protocol.NewPacket(7, 2, protocol.PriorityCritical, []byte{2})
		p3 := protocol.NewPacket(7, 3, protocol.PriorityHigh, []byte{3})
		for _, p := range []protocol.Packet{p1, p2, p3} {
			require.NoError(t, b.Enqueue(p))
		}

		frame := b.GetBatch(7)
		require.NotNil(t, frame)
		assert.Equal(t, uint32(3), binary.BigEndian.Uint32(frame[:4]))

		off := protocol.FrameOverhead
		for _, want := range []protocol.Packet{p2, p3, p1} {
			n := int(binary.BigEndian.Uint32(frame[off:]))
			assert.Equal(t, protocol.HeaderSize+1, n)
			off += protocol.PacketOverhead
			assert.Equal(t, want.Marshal(), frame[off:off+n])
			off += n
		}
		assert.Equal(t, len(frame), off)

		assert.Equal(t, 0, b.Pending(7))
		assert.Nil(t, b.GetBatch(7))
		assert.Zero(t, sink.count())
	})

	t.Run("byte budget defers the remainder", func(t *testing.T) {
		packet := protocol.NewPacket(1, 1, protocol.PriorityMedium, make([]byte, 20))
		per := protocol.FramedSize(packet)
		b := New(Config{MaxBatchBytes: protocol.FrameOverhead + 2*per}, &recordingSink{}, log.NewNop())

		for i := 0; i < 5; i++ {
			require.NoError(t, b.Enqueue(packet))
		}
		sizes := []int{}
		for b.Pending(1) > 0 {
			packets, err := protocol.DecodeFrame(b.GetBatch(1))
			require.NoError(t, err)
			sizes = append(sizes, len(packets))
		}
		assert.Equal(t, []int{2, 2, 1}, sizes)
	})

	t.Run("oversized packet is sent alone", func(t *testing.T) {
		b := New(Config{MaxBatchBytes: 32}, &recordingSink{}, log.NewNop())
		big := protocol.NewPacket(1, 1, protocol.PriorityHigh, make([]byte, 100))
		small := protocol.NewPacket(1, 2, protocol.PriorityLow, []byte{1})
		require.NoError(t, b.Enqueue(small))
		require.NoError(t, b.Enqueue(big))

		packets, err := protocol.DecodeFrame(b.GetBatch(1))
		require.NoError(t, err)
		require.Len(t, packets, 1)
		assert.True(t, packets[0].Equal(big))
		assert.Equal(t, 1, b.Pending(1))
	})

	t.Run("blocker bypasses the queue", func(t *testing.T) {
		sink := &recordingSink{}
		b := New(Config{}, sink, log.NewNop())
		require.NoError(t, b.Enqueue(protocol.NewPacket(3, 1, protocol.PriorityLow, nil)))
		urgent := protocol.NewPacket(3, 9, protocol.PriorityBlocker, []byte("now"))
		require.NoError(t, b.Enqueue(urgent))

		frames := sink.all()
		require.Len(t, frames, 1)
		assert.Equal(t, uint16(3), frames[0].channel)
		packets, err := protocol.DecodeFrame(frames[0].frame)
		require.NoError(t, err)
		require.Len(t, packets, 1)
		assert.True(t, packets[0].Equal(urgent))
		assert.Equal(t, 1, b.Pending(3))
		assert.Equal(t, uint64(1), b.Stats().Blockers)
	})

	t.Run("invalid priority", func(t *testing.T) {
		b := New(Config{}, &recordingSink{}, log.NewNop())
		err := b.Enqueue(protocol.Packet{Channel: 1, Priority: protocol.Priority(9)})
		assert.True(t, failure.Is(err, failure.KindInvalidInput))
	})

	t.Run("flush emits one frame per channel", func(t *testing.T) {
		sink := &recordingSink{}
		b := New(Config{}, sink, log.NewNop())
		for _, ch := range []uint16{9, 2, 5} {
			require.NoError(t, b.Enqueue(protocol.NewPacket(ch, 1, protocol.PriorityMedium, nil)))
			require.NoError(t, b.Enqueue(protocol.NewPacket(ch, 2, protocol.PriorityMedium, nil)))
		}
		assert.Equal(t, 3, b.Flush())

		frames := sink.all()
		require.Len(t, frames, 3)
		assert.Equal(t, []uint16{2, 5, 9}, []uint16{frames[0].channel, frames[1].channel, frames[2].channel})
		stats := b.Stats()
		assert.Equal(t, 0, stats.Queued)
		assert.Equal(t, uint64(3), stats.Frames)
		assert.Equal(t, uint64(6), stats.Packets)
		assert.Equal(t, 0, b.Flush())
	})

	t.Run("drop", func(t *testing.T) {
		b := New(Config{}, &recordingSink{}, log.NewNop())
		require.NoError(t, b.Enqueue(protocol.NewPacket(4, 1, protocol.PriorityLow, nil)))
		require.NoError(t, b.Enqueue(protocol.NewPacket(4, 1, protocol.PriorityLow, nil)))
		assert.Equal(t, 2, b.Drop(4))
		assert.Equal(t, 0, b.Drop(4))
		assert.Nil(t, b.GetBatch(4))
	})

	t.Run("frame rate", func(t *testing.T) {
		b := New(Config{FPS: 20}, &recordingSink{}, log.NewNop())
		assert.Equal(t, 50*time.Millisecond, b.FrameDuration())
		require.NoError(t, b.SetFrameRate(100))
		assert.Equal(t, 10*time.Millisecond, b.FrameDuration())
		require.NoError(t, b.SetFrameRate(5000))
		assert.Equal(t, time.Millisecond, b.FrameDuration())
		assert.True(t, failure.Is(b.SetFrameRate(0), failure.KindInvalidInput))
	})

	t.Run("run flushes on tick and on stop", func(t *testing.T) {
		sink := &recordingSink{}
		b := New(Config{FPS: 200}, sink, log.NewNop())
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			b.Run(ctx)
			close(done)
		}()

		require.NoError(t, b.Enqueue(protocol.NewPacket(1, 1, protocol.PriorityMedium, nil)))
		require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)

		require.NoError(t, b.SetFrameRate(1))
		require.NoError(t, b.Enqueue(protocol.NewPacket(1, 2, protocol.PriorityMedium, nil)))
		cancel()
		<-done
		assert.Equal(t, 2, sink.count())
	})
}

func TestBatchPriorityOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := New(Config{}, &recordingSink{}, log.NewNop())

	for i := 0; i < 500; i++ {
		p := protocol.NewPacket(1, uint16(i), protocol.Priority(rng.Intn(4)), nil)
		require.NoError(t, b.Enqueue(p))
	}
	packets, err := protocol.DecodeFrame(b.GetBatch(1))
	require.NoError(t, err)
	require.Len(t, packets, 500)

	for i := 1; i < len(packets); i++ {
		prev, cur := packets[i-1], packets[i]
		if prev.Priority == cur.Priority {
			assert.Less(t, prev.Type, cur.Type, "arrival order within a priority")
		} else {
			assert.Greater(t, prev.Priority, cur.Priority)
		}
	}
}
