// Package batcher groups outbound packets into per-channel frames that are
// flushed once per tick.
package batcher

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/protocol"
	"github.com/zeusync/ecsnet/pkg/generic"
	"github.com/zeusync/ecsnet/pkg/sequence"
)

const (
	DefaultFPS           = 60
	DefaultMaxBatchBytes = 64 << 10
)

type Config struct {
	FPS           int
	MaxBatchBytes int
}

func (c Config) withDefaults() Config {
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = DefaultMaxBatchBytes
	}
	return c
}

// Sink receives finished frames. Frames are not reused after the call.
type Sink interface {
	WriteFrame(channel uint16, frame []byte)
}

type SinkFunc func(channel uint16, frame []byte)

func (f SinkFunc) WriteFrame(channel uint16, frame []byte) { f(channel, frame) }

type Stats struct {
	Queued   int
	Frames   uint64
	Packets  uint64
	Blockers uint64
}

type entry struct {
	packet protocol.Packet
	seq    uint64
}

// Higher priority first, then arrival order.
func before(a, b entry) bool {
	if a.packet.Priority != b.packet.Priority {
		return a.packet.Priority > b.packet.Priority
	}
	return a.seq < b.seq
}

type Batcher struct {
	mu       sync.Mutex
	queues   map[uint16]*sequence.Heap[entry]
	seq      uint64
	maxBytes int

	frameDuration atomic.Int64
	rate          chan time.Duration

	sink     Sink
	builders *generic.Pool[*protocol.FrameBuilder]
	logger   log.Log

	frames   atomic.Uint64
	packets  atomic.Uint64
	blockers atomic.Uint64
}

func New(cfg Config, sink Sink, logger log.Log) *Batcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Provide()
	}
	b := &Batcher{
		queues:   make(map[uint16]*sequence.Heap[entry]),
		maxBytes: cfg.MaxBatchBytes,
		rate:     make(chan time.Duration, 1),
		sink:     sink,
		logger:   logger.With(log.String("component", "batcher")),
		builders: generic.NewHotPool(func() *protocol.FrameBuilder {
			return protocol.NewFrameBuilder(4 << 10)
		}, 2),
	}
	b.frameDuration.Store(int64(durationFor(cfg.FPS)))
	return b
}

func durationFor(fps int) time.Duration {
	d := time.Duration(1000/fps) * time.Millisecond
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// Enqueue schedules p for the next flush of its channel. Blocker packets
// are written to the sink immediately as a one-packet frame.
func (b *Batcher) Enqueue(p protocol.Packet) error {
	if !p.Priority.Valid() {
		return failure.Newf(failure.KindInvalidInput, "batcher.enqueue", "unknown priority %d", p.Priority)
	}
	if p.Priority == protocol.PriorityBlocker {
		b.blockers.Add(1)
		b.sink.WriteFrame(p.Channel, protocol.EncodeFrame(p))
		return nil
	}

	b.mu.Lock()
	q, ok := b.queues[p.Channel]
	if !ok {
		q = sequence.NewHeap(before)
		b.queues[p.Channel] = q
	}
	b.seq++
	q.Push(entry{packet: p, seq: b.seq})
	b.mu.Unlock()
	return nil
}

// GetBatch pops packets of channel into one frame until the byte budget is
// reached; the rest stay queued. A packet larger than the budget is sent in
// a frame of its own. It returns nil when the channel has nothing queued.
func (b *Batcher) GetBatch(channel uint16) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batchLocked(channel)
}

func (b *Batcher) batchLocked(channel uint16) []byte {
	q, ok := b.queues[channel]
	if !ok || q.IsEmpty() {
		return nil
	}

	builder := b.builders.Get()
	defer func() {
		builder.Reset()
		b.builders.Put(builder)
	}()

	for {
		next, ok := q.Peek()
		if !ok {
			break
		}
		if builder.Count() > 0 && builder.Len()+protocol.FramedSize(next.packet) > b.maxBytes {
			break
		}
		q.Pop()
		builder.Add(next.packet)
	}
	if q.IsEmpty() {
		delete(b.queues, channel)
	}

	b.frames.Add(1)
	b.packets.Add(uint64(builder.Count()))
	return append([]byte(nil), builder.Bytes()...)
}

// Flush emits at most one frame per channel, in channel order, and returns
// how many frames were written.
func (b *Batcher) Flush() int {
	type out struct {
		channel uint16
		frame   []byte
	}

	b.mu.Lock()
	channels := make([]uint16, 0, len(b.queues))
	for ch := range b.queues {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	frames := make([]out, 0, len(channels))
	for _, ch := range channels {
		if frame := b.batchLocked(ch); frame != nil {
			frames = append(frames, out{channel: ch, frame: frame})
		}
	}
	b.mu.Unlock()

	for _, f := range frames {
		b.sink.WriteFrame(f.channel, f.frame)
	}
	return len(frames)
}

// Run flushes every frame duration until ctx is done, then flushes once
// more.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.FrameDuration())
	defer ticker.Stop()

	b.logger.Info("Batch loop started", log.Duration("frame_duration", b.FrameDuration()))
	for {
		select {
		case <-ctx.Done():
			b.Flush()
			b.logger.Info("Batch loop stopped")
			return
		case <-ticker.C:
			b.Flush()
		case d := <-b.rate:
			ticker.Reset(d)
		}
	}
}

// SetFrameRate changes the tick rate; a running loop picks it up on its
// next iteration.
func (b *Batcher) SetFrameRate(fps int) error {
	if fps <= 0 {
		return failure.Newf(failure.KindInvalidInput, "batcher.set_frame_rate", "fps must be positive, got %d", fps)
	}
	d := durationFor(fps)
	b.frameDuration.Store(int64(d))

	select {
	case <-b.rate:
	default:
	}
	select {
	case b.rate <- d:
	default:
	}
	b.logger.Debug("Frame rate changed", log.Int("fps", fps), log.Duration("frame_duration", d))
	return nil
}

func (b *Batcher) FrameDuration() time.Duration {
	return time.Duration(b.frameDuration.Load())
}

func (b *Batcher) Pending(channel uint16) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[channel]; ok {
		return q.Len()
	}
	return 0
}

// Drop discards everything queued for channel.
func (b *Batcher) Drop(channel uint16) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[channel]
	if !ok {
		return 0
	}
	delete(b.queues, channel)
	return q.Clear()
}

func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	queued := 0
	for _, q := range b.queues {
		queued += q.Len()
	}
	b.mu.Unlock()
	return Stats{
		Queued:   queued,
		Frames:   b.frames.Load(),
		Packets:  b.packets.Load(),
		Blockers: b.blockers.Load(),
	}
}
