package vtable

import (
	"context"
	"sort"

	"github.com/zeusync/ecsnet/internal/core/failure"
)

// OpFunc implements a single operation of a capability.
type OpFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Mux routes commands to per-operation functions.
type Mux struct {
	capability string
	ops        map[string]OpFunc
}

func NewMux(capability string) *Mux {
	return &Mux{capability: capability, ops: make(map[string]OpFunc)}
}

func (m *Mux) Handle(op string, fn OpFunc) *Mux {
	m.ops[op] = fn
	return m
}

// Ops lists the handled operation names in lexical order.
func (m *Mux) Ops() []string {
	ops := make([]string, 0, len(m.ops))
	for op := range m.ops {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Op returns the function registered for op.
func (m *Mux) Op(op string) (OpFunc, bool) {
	fn, ok := m.ops[op]
	return fn, ok
}

// HandlerFunc adapts the mux for Serve. Unknown operations fail NotImplemented.
func (m *Mux) HandlerFunc() HandlerFunc {
	return func(ctx context.Context, op string, payload []byte) ([]byte, error) {
		fn, ok := m.ops[op]
		if !ok {
			return nil, failure.Newf(failure.KindNotImplemented, m.capability, "operation %q", op)
		}
		return fn(ctx, payload)
	}
}
