package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/ecsnet/internal/config"
	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
)

func instant(r *Reconnector) *Reconnector {
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestReconnectBackoff(t *testing.T) {
	r := instant(NewReconnector(ReconnectConfig{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
	}, log.NewNop()))
	r.Disconnected()

	var delays []time.Duration
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, r.Attempt())
		d, err := r.WaitBeforeReconnect(context.Background())
		require.NoError(t, err)
		delays = append(delays, d)
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second,
	}, delays)
	assert.Equal(t, State{Kind: StateReconnecting, Attempt: 5, NextDelay: 10 * time.Second}, r.State())

	r.Connected()
	assert.Equal(t, StateConnected, r.State().Kind)
	assert.Equal(t, time.Second, r.CurrentDelay())
	assert.Zero(t, r.Attempt())
}

func TestReconnectJitter(t *testing.T) {
	r := instant(NewReconnector(DefaultReconnectConfig(), log.NewNop()))

	for _, sample := range []float64{0, 0.5, 0.999} {
		r.random = func() float64 { return sample }
		r.Disconnected()
		d, err := r.WaitBeforeReconnect(context.Background())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, d, 850*time.Millisecond)
		assert.LessOrEqual(t, d, 1150*time.Millisecond)
	}

	r.random = func() float64 { return 0 }
	r.Disconnected()
	d, _ := r.WaitBeforeReconnect(context.Background())
	assert.InDelta(t, float64(850*time.Millisecond), float64(d), float64(time.Microsecond))
	// jitter never compounds into the base delay
	assert.Equal(t, 1500*time.Millisecond, r.CurrentDelay())
}

func TestReconnectMaxAttempts(t *testing.T) {
	r := instant(NewReconnector(ReconnectConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   1.5,
		MaxAttempts:  2,
	}, log.NewNop()))

	var states []StateKind
	r.OnStateChange(func(s State) { states = append(states, s.Kind) })

	r.Disconnected()
	for i := 0; i < 2; i++ {
		_, err := r.WaitBeforeReconnect(context.Background())
		require.NoError(t, err)
	}
	assert.False(t, r.ShouldReconnect())

	_, err := r.WaitBeforeReconnect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReconnectFailed))
	assert.True(t, failure.Is(err, failure.KindInvalidState))
	assert.Equal(t, StateFailed, r.State().Kind)
	assert.Contains(t, r.State().Reason, "max attempts (2)")

	assert.Equal(t, []StateKind{StateDisconnected, StateReconnecting, StateReconnecting, StateFailed}, states)
}

func TestReconnectCancel(t *testing.T) {
	r := NewReconnector(ReconnectConfig{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}, log.NewNop())
	r.Disconnected()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.WaitBeforeReconnect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, time.Hour, r.CurrentDelay())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", State{Kind: StateConnected}.String())
	assert.Equal(t, "reconnecting(attempt=2, delay=1.5s)",
		State{Kind: StateReconnecting, Attempt: 2, NextDelay: 1500 * time.Millisecond}.String())
	assert.Equal(t, "failed(gone)", State{Kind: StateFailed, Reason: "gone"}.String())
}

func TestReconnectConfigFrom(t *testing.T) {
	got := ReconnectConfigFrom(config.Default().Reconnect)
	assert.Equal(t, DefaultReconnectConfig(), got)
}
