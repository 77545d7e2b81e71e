package vtable

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
)

// DefaultBuffer is the command backlog of endpoints created by Serve.
const DefaultBuffer = 64

// Command is one (op, payload, reply) entry of a capability FIFO.
// Reply is buffered with capacity one; a consumer must either send exactly
// one Response or close it.
type Command struct {
	Op      string
	Payload []byte
	Reply   chan Response
}

// Response is the result of a command. Err carries the handler's error as-is.
type Response struct {
	Payload []byte
	Err     error
}

// HandlerFunc processes one command on the endpoint goroutine.
type HandlerFunc func(ctx context.Context, op string, payload []byte) ([]byte, error)

// Endpoint is the receiving side of a capability. Closing it stops new
// sends; commands already queued are still handled by a serving goroutine.
type Endpoint struct {
	mu       sync.RWMutex
	closed   bool
	served   bool
	commands chan Command
	done     chan struct{}
	drained  chan struct{}

	drainOnce sync.Once
}

// NewEndpoint creates an endpoint whose commands are consumed by the caller.
func NewEndpoint(buffer int) *Endpoint {
	if buffer < 0 {
		buffer = 0
	}
	return &Endpoint{
		commands: make(chan Command, buffer),
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
	}
}

// Commands is the FIFO a consumer reads from.
func (e *Endpoint) Commands() <-chan Command {
	return e.commands
}

// Done is closed once the endpoint stops accepting commands.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Drained is closed once no queued command is left to be handled. For an
// endpoint without a serving goroutine that happens on Close.
func (e *Endpoint) Drained() <-chan struct{} {
	return e.drained
}

// Close stops accepting commands. New sends fail NotRegistered; commands
// that were already queued on a served endpoint complete normally.
func (e *Endpoint) Close() {
	if !e.served {
		e.finish()
	}
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
	e.mu.Unlock()
}

func (e *Endpoint) finish() {
	e.drainOnce.Do(func() { close(e.drained) })
}

func (e *Endpoint) send(ctx context.Context, capability string, cmd Command) ([]byte, error) {
	const op = "vtable.send_command"

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, failure.Newf(failure.KindNotRegistered, op, "capability %q closed", capability)
	}
	select {
	case e.commands <- cmd:
		e.mu.RUnlock()
	case <-e.drained:
		e.mu.RUnlock()
		return nil, failure.Newf(failure.KindNotRegistered, op, "capability %q closed", capability)
	case <-ctx.Done():
		e.mu.RUnlock()
		return nil, contextFailure(op, ctx.Err())
	}

	select {
	case resp, ok := <-cmd.Reply:
		return unpack(capability, cmd.Op, resp, ok)
	case <-ctx.Done():
		return nil, contextFailure(op, ctx.Err())
	case <-e.drained:
		select {
		case resp, ok := <-cmd.Reply:
			return unpack(capability, cmd.Op, resp, ok)
		default:
			return nil, failure.Newf(failure.KindReceiveError, op, "capability %q closed before replying to %q", capability, cmd.Op)
		}
	}
}

func unpack(capability, cmdOp string, resp Response, ok bool) ([]byte, error) {
	if !ok {
		return nil, failure.Newf(failure.KindReceiveError, "vtable.send_command", "%s/%s dropped its reply", capability, cmdOp)
	}
	return resp.Payload, resp.Err
}

func contextFailure(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.Wrap(failure.KindTimeout, op, err)
	}
	return failure.Wrap(failure.KindCancelled, op, err)
}

// Serve starts a goroutine that runs handler for every command of a new
// endpoint, one at a time and in arrival order. Once the endpoint is closed
// the goroutine handles what is still queued and exits; a done ctx stops it
// at once. A panicking handler has its reply channel closed and the
// goroutine keeps serving.
func Serve(ctx context.Context, name string, handler HandlerFunc, logger log.Log) *Endpoint {
	if logger == nil {
		logger = log.Provide()
	}
	endpoint := NewEndpoint(DefaultBuffer)
	endpoint.served = true
	logger = logger.With(log.String("capability", name))

	go func() {
		defer endpoint.finish()
		for {
			select {
			case cmd := <-endpoint.commands:
				dispatch(ctx, cmd, handler, logger)
			case <-endpoint.done:
				for {
					select {
					case cmd := <-endpoint.commands:
						dispatch(ctx, cmd, handler, logger)
					default:
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return endpoint
}

func dispatch(ctx context.Context, cmd Command, handler HandlerFunc, logger log.Log) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Capability handler panicked",
				log.String("op", cmd.Op),
				log.String("panic", fmt.Sprint(r)))
			close(cmd.Reply)
		}
	}()

	payload, err := handler(ctx, cmd.Op, cmd.Payload)
	cmd.Reply <- Response{Payload: payload, Err: err}
}
