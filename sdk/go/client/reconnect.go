package client

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/zeusync/ecsnet/internal/config"
	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
)

// ReconnectConfig drives the backoff between reconnect attempts.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxAttempts of 0 retries forever.
	MaxAttempts int
	// Jitter spreads each wait by up to 15% either way.
	Jitter bool
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   1.5,
		Jitter:       true,
	}
}

const jitterSpread = 0.15

type StateKind uint8

const (
	StateConnected StateKind = iota
	StateDisconnected
	StateReconnecting
	StateFailed
)

func (k StateKind) String() string {
	switch k {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(k))
	}
}

// State is a reconnect state. Attempt and NextDelay are set while
// Reconnecting, Reason once Failed.
type State struct {
	Kind      StateKind
	Attempt   int
	NextDelay time.Duration
	Reason    string
}

func (s State) String() string {
	switch s.Kind {
	case StateReconnecting:
		return fmt.Sprintf("reconnecting(attempt=%d, delay=%s)", s.Attempt, s.NextDelay)
	case StateFailed:
		return fmt.Sprintf("failed(%s)", s.Reason)
	default:
		return s.Kind.String()
	}
}

// Reconnector is the client reconnect state machine:
// Connected -> Disconnected -> Reconnecting{n} -> Connected or Failed.
type Reconnector struct {
	mu      sync.Mutex
	config  ReconnectConfig
	state   State
	attempt int
	current time.Duration

	listenerMu sync.RWMutex
	listeners  []func(State)

	random func() float64
	sleep  func(ctx context.Context, d time.Duration) error
	logger log.Log
}

func NewReconnector(config ReconnectConfig, logger log.Log) *Reconnector {
	if logger == nil {
		logger = log.Provide()
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	return &Reconnector{
		config:  config,
		state:   State{Kind: StateConnected},
		current: config.InitialDelay,
		random:  rand.Float64,
		sleep:   sleepContext,
		logger:  logger.With(log.String("component", "reconnect")),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// CurrentDelay is the base delay of the next wait, before jitter.
func (r *Reconnector) CurrentDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Reconnector) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// OnStateChange registers fn for every transition. It is called outside
// the controller lock.
func (r *Reconnector) OnStateChange(fn func(State)) {
	r.listenerMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenerMu.Unlock()
}

func (r *Reconnector) emit(state State) {
	r.listenerMu.RLock()
	listeners := r.listeners
	r.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(state)
	}
}

// Disconnected resets the backoff after a lost connection.
func (r *Reconnector) Disconnected() {
	r.mu.Lock()
	r.attempt = 0
	r.current = r.config.InitialDelay
	r.state = State{Kind: StateDisconnected}
	state := r.state
	r.mu.Unlock()

	r.logger.Info("Connection lost, initiating reconnection")
	r.emit(state)
}

// Connected resets the backoff after a successful (re)connect.
func (r *Reconnector) Connected() {
	r.mu.Lock()
	attempts := r.attempt
	r.attempt = 0
	r.current = r.config.InitialDelay
	r.state = State{Kind: StateConnected}
	state := r.state
	r.mu.Unlock()

	if attempts > 0 {
		r.logger.Info("Reconnected", log.Int("attempts", attempts))
	}
	r.emit(state)
}

// Fail moves to the terminal Failed state.
func (r *Reconnector) Fail(reason string) {
	r.mu.Lock()
	if r.state.Kind == StateFailed {
		r.mu.Unlock()
		return
	}
	r.state = State{Kind: StateFailed, Reason: reason}
	state := r.state
	r.mu.Unlock()

	r.logger.Error("Reconnection failed permanently", log.String("reason", reason))
	r.emit(state)
}

// ShouldReconnect reports whether another attempt is allowed.
func (r *Reconnector) ShouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shouldReconnectLocked()
}

func (r *Reconnector) shouldReconnectLocked() bool {
	switch r.state.Kind {
	case StateDisconnected, StateReconnecting:
		return r.config.MaxAttempts == 0 || r.attempt < r.config.MaxAttempts
	default:
		return false
	}
}

// WaitBeforeReconnect sleeps for the next backoff delay and returns it.
// Once MaxAttempts is reached it fails with ErrReconnectFailed and the
// controller moves to Failed.
func (r *Reconnector) WaitBeforeReconnect(ctx context.Context) (time.Duration, error) {
	const op = "client.wait_before_reconnect"

	r.mu.Lock()
	if !r.shouldReconnectLocked() {
		kind := r.state.Kind
		attempts := r.attempt
		r.mu.Unlock()
		if kind == StateDisconnected || kind == StateReconnecting {
			r.Fail(fmt.Sprintf("max attempts (%d) reached", attempts))
		}
		return 0, failure.Wrap(failure.KindInvalidState, op, ErrReconnectFailed)
	}

	r.attempt++
	delay := r.current
	if r.config.Jitter {
		factor := 1 + (r.random()*2-1)*jitterSpread
		delay = time.Duration(float64(delay) * factor)
	}
	r.state = State{Kind: StateReconnecting, Attempt: r.attempt, NextDelay: delay}
	state := r.state
	r.mu.Unlock()

	r.logger.Info("Reconnection attempt scheduled",
		log.Int("attempt", state.Attempt),
		log.Duration("delay", delay))
	r.emit(state)

	if err := r.sleep(ctx, delay); err != nil {
		return delay, err
	}

	r.mu.Lock()
	next := time.Duration(float64(r.current) * r.config.Multiplier)
	if next > r.config.MaxDelay {
		next = r.config.MaxDelay
	}
	r.current = next
	r.mu.Unlock()
	return delay, nil
}

// ReconnectConfigFrom converts the [reconnect] configuration section.
func ReconnectConfigFrom(c config.ReconnectConfig) ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: time.Duration(c.InitialDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(c.MaxDelayMS) * time.Millisecond,
		Multiplier:   c.Multiplier,
		MaxAttempts:  c.MaxAttempts,
		Jitter:       c.Jitter,
	}
}
