package encoding

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrShortBuffer is returned by Reader when a field extends past the input.
var ErrShortBuffer = errors.New("encoding: short buffer")

// Writer appends big-endian fields to a growing buffer.
type Writer struct {
	buf []byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) U8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) Bool(v bool) *Writer {
	if v {
		return w.U8(1)
	}
	return w.U8(0)
}

func (w *Writer) U16(v uint16) *Writer {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) U32(v uint32) *Writer {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) U64(v uint64) *Writer {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
	return w
}

func (w *Writer) F64(v float64) *Writer {
	return w.U64(math.Float64bits(v))
}

// Raw appends b without a length prefix.
func (w *Writer) Raw(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// Bytes16 appends b with a u16 length prefix.
func (w *Writer) Bytes16(b []byte) *Writer {
	return w.U16(uint16(len(b))).Raw(b)
}

// Bytes32 appends b with a u32 length prefix.
func (w *Writer) Bytes32(b []byte) *Writer {
	return w.U32(uint32(len(b))).Raw(b)
}

// String16 appends s with a u16 length prefix.
func (w *Writer) String16(s string) *Writer {
	return w.U16(uint16(len(s))).Raw([]byte(s))
}

func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) Bytes() []byte { return w.buf }

// Reader consumes big-endian fields. The first failure is sticky: later reads
// return zero values and Err reports the failure.
type Reader struct {
	data []byte
	off  int
	err  error
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = ErrShortBuffer
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) U8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *Reader) Bool() bool {
	return r.U8() != 0
}

func (r *Reader) U16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *Reader) U32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *Reader) U64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *Reader) F64() float64 {
	return math.Float64frombits(r.U64())
}

// Raw returns the next n bytes. The slice aliases the input.
func (r *Reader) Raw(n int) []byte {
	return r.take(n)
}

// Bytes16 reads a u16-prefixed byte string and returns a copy.
func (r *Reader) Bytes16() []byte {
	return clone(r.take(int(r.U16())))
}

// Bytes32 reads a u32-prefixed byte string and returns a copy.
func (r *Reader) Bytes32() []byte {
	n := r.U32()
	if uint64(n) > uint64(r.Remaining()) {
		r.fail()
		return nil
	}
	return clone(r.take(int(n)))
}

func (r *Reader) String16() string {
	return string(r.take(int(r.U16())))
}

// Rest returns every unread byte.
func (r *Reader) Rest() []byte {
	return r.take(r.Remaining())
}

func (r *Reader) Remaining() int {
	if r.err != nil {
		return 0
	}
	return len(r.data) - r.off
}

func (r *Reader) Err() error { return r.err }

// Fits reports whether n elements of at least size bytes can still be read.
// A count that cannot fit fails the reader.
func (r *Reader) Fits(n, size int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || uint64(n)*uint64(size) > uint64(r.Remaining()) {
		r.fail()
		return false
	}
	return true
}

func (r *Reader) fail() {
	if r.err == nil {
		r.err = ErrShortBuffer
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
