package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	t.Run("message includes op kind and cause", func(t *testing.T) {
		err := Wrap(KindReceiveError, "vtable.send_command", errors.New("reply closed"))
		assert.Equal(t, "vtable.send_command: receive error: reply closed", err.Error())
	})

	t.Run("kind survives fmt wrapping", func(t *testing.T) {
		inner := New(KindExpiredEntity, "ecs.entity/despawn_entity", "generation 3 != 4")
		outer := fmt.Errorf("despawn: %w", inner)

		assert.Equal(t, KindExpiredEntity, KindOf(outer))
		assert.True(t, Is(outer, KindExpiredEntity))
		assert.True(t, errors.Is(outer, ErrExpiredEntity))
		assert.False(t, errors.Is(outer, ErrNotFound))
	})

	t.Run("nested kinds are all visible", func(t *testing.T) {
		err := Wrap(KindSendError, "bridge", New(KindNotRegistered, "channel", "42"))
		assert.True(t, Is(err, KindSendError))
		assert.True(t, Is(err, KindNotRegistered))
		assert.True(t, IsTransient(err))
	})

	t.Run("uncategorized errors are generic", func(t *testing.T) {
		assert.Equal(t, KindGeneric, KindOf(errors.New("boom")))
		assert.Nil(t, Wrap(KindTimeout, "x", nil))
	})
}
