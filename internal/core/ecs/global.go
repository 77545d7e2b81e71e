package ecs

import (
	"context"
	"sync"

	"github.com/zeusync/ecsnet/internal/core/failure"
)

var (
	globalMu    sync.Mutex
	globalWorld *World
)

// InitializeWorld creates the process world. A second call while a world is
// live fails AlreadyExists.
func InitializeWorld(opts Options) (*World, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalWorld != nil && !globalWorld.IsShutdown() {
		return nil, failure.New(failure.KindAlreadyExists, "ecs.initialize_world", "world already initialized")
	}
	globalWorld = newWorld(opts)
	globalWorld.logger.Info("World initialized")
	return globalWorld, nil
}

// CurrentWorld returns the live process world. It fails InvalidState before
// initialization and after shutdown.
func CurrentWorld() (*World, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalWorld == nil || globalWorld.IsShutdown() {
		return nil, failure.New(failure.KindInvalidState, "ecs.current_world", "world not initialized")
	}
	return globalWorld, nil
}

// ShutdownWorld shuts the process world down and releases the accessor.
func ShutdownWorld(ctx context.Context) error {
	globalMu.Lock()
	w := globalWorld
	globalWorld = nil
	globalMu.Unlock()
	if w == nil {
		return failure.New(failure.KindInvalidState, "ecs.shutdown_world", "world not initialized")
	}
	return w.Shutdown(ctx)
}

// ResetWorld tears down any world without reporting errors. Tests call it
// between cases.
func ResetWorld() {
	_ = ShutdownWorld(context.Background())
}
