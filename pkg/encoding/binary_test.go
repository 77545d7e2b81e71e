package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReader(t *testing.T) {
	w := NewWriter(32).U8(7).U16(0x0102).U32(3).String16("ok").Bytes32([]byte{9, 9})
	assert.Equal(t, []byte{7, 0x01, 0x02, 0, 0, 0, 3, 0, 2, 'o', 'k', 0, 0, 0, 2, 9, 9}, w.Bytes())

	r := NewReader(w.Bytes())
	assert.Equal(t, uint8(7), r.U8())
	assert.Equal(t, uint16(0x0102), r.U16())
	assert.Equal(t, uint32(3), r.U32())
	assert.Equal(t, "ok", r.String16())
	assert.Equal(t, []byte{9, 9}, r.Bytes32())
	require.NoError(t, r.Err())
	assert.Zero(t, r.Remaining())
}

func TestReaderShortBuffer(t *testing.T) {
	t.Run("sticky error", func(t *testing.T) {
		r := NewReader([]byte{0, 5, 'a'})
		assert.Equal(t, "", r.String16())
		assert.ErrorIs(t, r.Err(), ErrShortBuffer)
		assert.Zero(t, r.U32())
	})

	t.Run("oversized length prefix", func(t *testing.T) {
		r := NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 1})
		assert.Nil(t, r.Bytes32())
		assert.ErrorIs(t, r.Err(), ErrShortBuffer)
	})
}
