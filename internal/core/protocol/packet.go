// Package protocol implements the binary wire format shared by the server and
// its clients: packets, batched frames, the channel registry and the control
// channel messages.
package protocol

import (
	"bytes"
	"fmt"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/pkg/encoding"
)

// HeaderSize is the fixed packet header: channel u16, type u16, priority u8,
// payload length u32, all big-endian.
const HeaderSize = 9

// Priority orders packets inside a channel's batch.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
	// PriorityBlocker bypasses batching and is written immediately.
	PriorityBlocker
)

var priorityNames = [...]string{"low", "medium", "high", "critical", "blocker"}

func (p Priority) String() string {
	if int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return fmt.Sprintf("priority(%d)", uint8(p))
}

func (p Priority) Valid() bool {
	return p <= PriorityBlocker
}

// ParsePriority converts a wire byte, rejecting values outside the enum.
func ParsePriority(b uint8) (Priority, error) {
	p := Priority(b)
	if !p.Valid() {
		return 0, failure.Newf(failure.KindInvalidInput, "protocol.priority", "unknown priority %d", b)
	}
	return p, nil
}

// Packet is the unit carried on a channel.
type Packet struct {
	Channel  uint16
	Type     uint16
	Priority Priority
	Payload  []byte
}

func NewPacket(channel, typ uint16, priority Priority, payload []byte) Packet {
	return Packet{Channel: channel, Type: typ, Priority: priority, Payload: payload}
}

// Size is the serialized length.
func (p Packet) Size() int {
	return HeaderSize + len(p.Payload)
}

func (p Packet) Marshal() []byte {
	return p.AppendTo(make([]byte, 0, p.Size()))
}

// AppendTo appends the serialized packet to buf.
func (p Packet) AppendTo(buf []byte) []byte {
	buf = append(buf,
		byte(p.Channel>>8), byte(p.Channel),
		byte(p.Type>>8), byte(p.Type),
		byte(p.Priority))
	n := uint32(len(p.Payload))
	buf = append(buf, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(buf, p.Payload...)
}

func (p Packet) Equal(other Packet) bool {
	return p.Channel == other.Channel &&
		p.Type == other.Type &&
		p.Priority == other.Priority &&
		bytes.Equal(p.Payload, other.Payload)
}

func (p Packet) String() string {
	return fmt.Sprintf("packet{channel=%d type=%d priority=%s len=%d}", p.Channel, p.Type, p.Priority, len(p.Payload))
}

// Parse decodes one packet from the front of data. Bytes after the declared
// payload are ignored. The payload is copied.
func Parse(data []byte) (Packet, error) {
	p, _, err := parse(data)
	return p, err
}

// parse also returns the number of bytes consumed.
func parse(data []byte) (Packet, int, error) {
	const op = "protocol.parse"
	if len(data) < HeaderSize {
		return Packet{}, 0, failure.Newf(failure.KindInvalidInput, op, "packet too small: %d bytes", len(data))
	}

	r := encoding.NewReader(data)
	channel := r.U16()
	typ := r.U16()
	priority, err := ParsePriority(r.U8())
	if err != nil {
		return Packet{}, 0, err
	}
	n := r.U32()
	if uint64(n) > uint64(r.Remaining()) {
		return Packet{}, 0, failure.Newf(failure.KindInvalidInput, op, "payload length %d exceeds remaining %d bytes", n, r.Remaining())
	}
	payload := append([]byte{}, r.Raw(int(n))...)

	return Packet{Channel: channel, Type: typ, Priority: priority, Payload: payload}, HeaderSize + int(n), nil
}
