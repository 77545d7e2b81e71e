package protocol

import (
	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/pkg/encoding"
)

// FrameOverhead is the packet_count prefix; each packet adds PacketOverhead.
const (
	FrameOverhead  = 4
	PacketOverhead = 4
)

// FrameBuilder accumulates packets into a batched frame:
// u32 packet_count, then per packet u32 length and the packet bytes.
type FrameBuilder struct {
	buf   []byte
	count uint32
}

func NewFrameBuilder(capacity int) *FrameBuilder {
	if capacity < FrameOverhead {
		capacity = FrameOverhead
	}
	b := &FrameBuilder{buf: make([]byte, FrameOverhead, capacity)}
	return b
}

func (b *FrameBuilder) Add(p Packet) *FrameBuilder {
	n := uint32(p.Size())
	b.buf = append(b.buf, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	b.buf = p.AppendTo(b.buf)
	b.count++
	return b
}

func (b *FrameBuilder) Count() int { return int(b.count) }

// Len is the encoded size so far, prefix included.
func (b *FrameBuilder) Len() int { return len(b.buf) }

// Bytes finalizes the count prefix. The builder stays usable.
func (b *FrameBuilder) Bytes() []byte {
	c := b.count
	b.buf[0], b.buf[1], b.buf[2], b.buf[3] = byte(c>>24), byte(c>>16), byte(c>>8), byte(c)
	return b.buf
}

// Reset empties the builder, keeping its buffer.
func (b *FrameBuilder) Reset() {
	b.buf = b.buf[:FrameOverhead]
	b.count = 0
}

// EncodeFrame batches packets into one frame.
func EncodeFrame(packets ...Packet) []byte {
	size := FrameOverhead
	for _, p := range packets {
		size += PacketOverhead + p.Size()
	}
	b := NewFrameBuilder(size)
	for _, p := range packets {
		b.Add(p)
	}
	return b.Bytes()
}

// FramedSize is what p adds to a frame.
func FramedSize(p Packet) int {
	return PacketOverhead + p.Size()
}

// DecodeFrame splits a frame into packets. Any malformed entry fails the
// whole frame.
func DecodeFrame(data []byte) ([]Packet, error) {
	const op = "protocol.decode_frame"

	r := encoding.NewReader(data)
	count := int(r.U32())
	if r.Err() != nil {
		return nil, failure.Newf(failure.KindInvalidInput, op, "frame too small: %d bytes", len(data))
	}
	if !r.Fits(count, PacketOverhead+HeaderSize) {
		return nil, failure.Newf(failure.KindInvalidInput, op, "frame declares %d packets in %d bytes", count, len(data))
	}

	packets := make([]Packet, 0, count)
	for i := 0; i < count; i++ {
		n := r.U32()
		if r.Err() != nil || uint64(n) > uint64(r.Remaining()) {
			return nil, failure.Newf(failure.KindInvalidInput, op, "packet %d length %d exceeds frame", i, n)
		}
		raw := r.Raw(int(n))
		p, used, err := parse(raw)
		if err != nil {
			return nil, failure.Wrap(failure.KindInvalidInput, op, err)
		}
		if used != len(raw) {
			return nil, failure.Newf(failure.KindInvalidInput, op, "packet %d declares %d bytes, carries %d", i, used, len(raw))
		}
		packets = append(packets, p)
	}
	if r.Remaining() != 0 {
		return nil, failure.Newf(failure.KindInvalidInput, op, "%d trailing bytes", r.Remaining())
	}
	return packets, nil
}
