// Package vtable implements the capability table: named FIFOs of
// (op, payload) -> response through which modules call each other without
// static linkage.
package vtable

import (
	"context"
	"sort"
	"sync"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
)

// Table maps capability names to endpoints. Registration is rare, lookups are
// frequent; commands for different capabilities proceed in parallel.
type Table struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	logger    log.Log
}

func New(logger log.Log) *Table {
	if logger == nil {
		logger = log.Provide()
	}
	return &Table{
		endpoints: make(map[string]*Endpoint),
		logger:    logger.With(log.String("component", "vtable")),
	}
}

// Register installs endpoint under capability, replacing any previous entry.
// The replaced endpoint is returned still open; the caller closes it once
// the new one is in place.
func (t *Table) Register(capability string, endpoint *Endpoint) *Endpoint {
	t.mu.Lock()
	previous := t.endpoints[capability]
	t.endpoints[capability] = endpoint
	t.mu.Unlock()

	if previous != nil {
		t.logger.Debug("Capability replaced", log.String("capability", capability))
	} else {
		t.logger.Debug("Capability registered", log.String("capability", capability))
	}
	return previous
}

// RegisterStrict installs endpoint only if capability is free.
func (t *Table) RegisterStrict(capability string, endpoint *Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.endpoints[capability]; exists {
		return failure.Newf(failure.KindAlreadyExists, "vtable.register", "capability %q already bound", capability)
	}
	t.endpoints[capability] = endpoint
	return nil
}

// Bind serves handler on a new endpoint and registers it under capability.
// A replaced endpoint is closed and finishes the commands it already holds.
func (t *Table) Bind(ctx context.Context, capability string, handler HandlerFunc) *Endpoint {
	endpoint := Serve(ctx, capability, handler, t.logger)
	if previous := t.Register(capability, endpoint); previous != nil {
		previous.Close()
	}
	return endpoint
}

// Unregister removes capability; new sends fail NotRegistered. The endpoint
// is returned open so the caller can Close it and wait on Drained.
func (t *Table) Unregister(capability string) (*Endpoint, bool) {
	t.mu.Lock()
	endpoint, ok := t.endpoints[capability]
	delete(t.endpoints, capability)
	t.mu.Unlock()

	if ok {
		t.logger.Debug("Capability unregistered", log.String("capability", capability))
	}
	return endpoint, ok
}

// SendCommand forwards (op, payload) to capability and waits for the reply.
func (t *Table) SendCommand(ctx context.Context, capability, op string, payload []byte) ([]byte, error) {
	t.mu.RLock()
	endpoint, ok := t.endpoints[capability]
	t.mu.RUnlock()

	if !ok {
		return nil, failure.Newf(failure.KindNotRegistered, "vtable.send_command", "capability %q", capability)
	}

	return endpoint.send(ctx, capability, Command{
		Op:      op,
		Payload: payload,
		Reply:   make(chan Response, 1),
	})
}

func (t *Table) HasCapability(capability string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.endpoints[capability]
	return ok
}

// Capabilities returns the registered names in lexical order.
func (t *Table) Capabilities() []string {
	t.mu.RLock()
	names := make([]string, 0, len(t.endpoints))
	for name := range t.endpoints {
		names = append(names, name)
	}
	t.mu.RUnlock()

	sort.Strings(names)
	return names
}
