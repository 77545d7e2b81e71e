package module

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/ecsnet/internal/core/ecs"
	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/storage"
	"github.com/zeusync/ecsnet/internal/core/vtable"
)

// Emitter publishes module lifecycle events. *view.View satisfies it.
type Emitter interface {
	Emit(ctx context.Context, ev ecs.Event) error
}

type Options struct {
	Table       *vtable.Table
	Registry    *Registry
	SearchPaths []string
	// Emitter is optional; without it no module events are published.
	Emitter Emitter
	// Store keeps save_state blobs across reloads. Defaults to memory.
	Store  storage.Store
	Logger log.Log
}

// Info describes a loaded module.
type Info struct {
	ID       uuid.UUID
	Name     string
	Version  string
	Type     Type
	Views    []string
	Path     string
	LoadedAt time.Time
}

type instance struct {
	info      Info
	artifact  *Artifact
	endpoints map[string]*vtable.Endpoint
	cancel    context.CancelFunc
}

// Loader resolves artifacts, runs their lifecycle and owns the capabilities
// their exports are bound under. Loads, unloads and reloads are serialized.
type Loader struct {
	mu          sync.Mutex
	table       *vtable.Table
	registry    *Registry
	searchPaths []string
	emitter     Emitter
	store       storage.Store
	logger      log.Log
	loaded      map[string]*instance
}

func NewLoader(opts Options) *Loader {
	if opts.Logger == nil {
		opts.Logger = log.Provide()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}
	if opts.Table == nil {
		opts.Table = vtable.New(opts.Logger)
	}
	return &Loader{
		table:       opts.Table,
		registry:    opts.Registry,
		searchPaths: opts.SearchPaths,
		emitter:     opts.Emitter,
		store:       opts.Store,
		logger:      opts.Logger.With(log.String("component", "module_loader")),
		loaded:      make(map[string]*instance),
	}
}

func (l *Loader) Registry() *Registry {
	return l.registry
}

// Load resolves name, checks its dependencies against the loaded set, runs
// initialize with args and binds every export. A capability that is already
// bound aborts the load with a Fatal error and shuts the module down again.
func (l *Loader) Load(ctx context.Context, name string, args []byte) (Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.loaded[name]; ok {
		return Info{}, failure.Newf(failure.KindAlreadyExists, "module.load", "module %q already loaded", name)
	}
	artifact, err := l.resolve(name)
	if err != nil {
		return Info{}, err
	}
	inst, err := l.start(ctx, artifact, args, nil, nil)
	if err != nil {
		return Info{}, err
	}
	l.loaded[name] = inst

	l.logger.Info("Module loaded",
		log.String("module", name),
		log.String("version", inst.info.Version),
		log.String("type", inst.info.Type.String()),
		log.Int("views", len(inst.info.Views)))
	l.emit(ctx, ecs.EventModuleLoaded, name)
	return inst.info, nil
}

// LoadAll loads names in order and stops at the first failure.
func (l *Loader) LoadAll(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := l.Load(ctx, name, nil); err != nil {
			return err
		}
	}
	return nil
}

// Unload shuts name down and removes its capabilities. It refuses while
// another loaded module depends on name.
func (l *Loader) Unload(ctx context.Context, name string) error {
	const op = "module.unload"

	l.mu.Lock()
	defer l.mu.Unlock()

	inst, ok := l.loaded[name]
	if !ok {
		return failure.Newf(failure.KindNotFound, op, "module %q", name)
	}
	if dependents := l.dependents(name); len(dependents) > 0 {
		return failure.Newf(failure.KindInvalidState, op, "module %q is required by %v", name, dependents)
	}

	l.retire(ctx, inst, nil)
	delete(l.loaded, name)
	err := inst.artifact.Lifecycle.Shutdown(ctx)
	if err != nil {
		l.logger.Warn("Module shutdown failed", log.String("module", name), log.Error(err))
	}

	l.logger.Info("Module unloaded", log.String("module", name))
	l.emit(ctx, ecs.EventModuleUnloaded, name)
	return err
}

// Reload replaces a loaded module with a freshly resolved instance, handing
// the old instance's save_state blob to the new one's restore_state. The new
// endpoints take over the old capabilities in place, so callers never see
// them unregistered; the old endpoints finish their queued commands before
// the old instance shuts down. If the new instance fails to start the old
// one keeps serving.
func (l *Loader) Reload(ctx context.Context, name string, args []byte) (Info, error) {
	const op = "module.reload"

	l.mu.Lock()
	defer l.mu.Unlock()

	old, ok := l.loaded[name]
	if !ok {
		return Info{}, failure.Newf(failure.KindNotFound, op, "module %q", name)
	}

	state, err := old.artifact.Lifecycle.SaveState(ctx)
	if err != nil {
		return Info{}, failure.Wrap(failure.KindOf(err), op, err)
	}
	if err = l.store.Save(ctx, storage.KindModule, name, state); err != nil {
		return Info{}, err
	}

	artifact, err := l.resolve(name)
	if err != nil {
		return Info{}, err
	}
	inst, err := l.start(ctx, artifact, args, state, old)
	if err != nil {
		return Info{}, err
	}
	l.loaded[name] = inst

	l.retire(ctx, old, inst.endpoints)
	if err = old.artifact.Lifecycle.Shutdown(ctx); err != nil {
		l.logger.Warn("Module shutdown failed during reload", log.String("module", name), log.Error(err))
	}
	l.emit(ctx, ecs.EventModuleUnloaded, name)

	l.logger.Info("Module reloaded",
		log.String("module", name),
		log.String("version", inst.info.Version),
		log.Int("state_bytes", len(state)))
	l.emit(ctx, ecs.EventModuleLoaded, name)
	return inst.info, nil
}

// SaveState persists the module's current state blob under its name.
func (l *Loader) SaveState(ctx context.Context, name string) error {
	l.mu.Lock()
	inst, ok := l.loaded[name]
	l.mu.Unlock()
	if !ok {
		return failure.Newf(failure.KindNotFound, "module.save_state", "module %q", name)
	}

	state, err := inst.artifact.Lifecycle.SaveState(ctx)
	if err != nil {
		return err
	}
	return l.store.Save(ctx, storage.KindModule, name, state)
}

// RestoreState feeds the last saved blob of name back into the module.
func (l *Loader) RestoreState(ctx context.Context, name string) error {
	l.mu.Lock()
	inst, ok := l.loaded[name]
	l.mu.Unlock()
	if !ok {
		return failure.Newf(failure.KindNotFound, "module.restore_state", "module %q", name)
	}

	blob, err := l.store.Load(ctx, storage.KindModule, name)
	if err != nil {
		return err
	}
	return inst.artifact.Lifecycle.RestoreState(ctx, blob.Data)
}

// Shutdown unloads every module, dependents first.
func (l *Loader) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for len(l.loaded) > 0 {
		progressed := false
		for _, name := range l.names() {
			if len(l.dependents(name)) > 0 {
				continue
			}
			inst := l.loaded[name]
			l.retire(ctx, inst, nil)
			delete(l.loaded, name)
			if err := inst.artifact.Lifecycle.Shutdown(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
			progressed = true
		}
		if !progressed {
			return failure.New(failure.KindInvalidState, "module.shutdown", "dependency cycle among loaded modules")
		}
	}
	return firstErr
}

func (l *Loader) IsLoaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.loaded[name]
	return ok
}

func (l *Loader) Info(name string) (Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.loaded[name]
	if !ok {
		return Info{}, failure.Newf(failure.KindNotFound, "module.info", "module %q", name)
	}
	return inst.info, nil
}

// Loaded lists loaded modules by name.
func (l *Loader) Loaded() []Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	infos := make([]Info, 0, len(l.loaded))
	for _, name := range l.names() {
		infos = append(infos, l.loaded[name].info)
	}
	return infos
}

// resolve prefers the in-process registry, then the first search path that
// holds <name>/module.yaml.
func (l *Loader) resolve(name string) (*Artifact, error) {
	if factory, ok := l.registry.Lookup(name); ok {
		artifact, err := factory()
		if err != nil {
			return nil, failure.Wrap(failure.KindOf(err), "module.resolve", err)
		}
		return artifact, nil
	}

	for _, root := range l.searchPaths {
		dir := filepath.Join(root, name)
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err != nil {
			continue
		}
		return LoadScript(dir, l.logger)
	}
	return nil, failure.Newf(failure.KindNotFound, "module.resolve", "module %q not in registry or search paths %v", name, l.searchPaths)
}

// start validates, initializes and binds artifact. state, when non-nil, is
// restored between initialize and binding. Capabilities owned by replacing
// are taken over in place; any other bound capability is a collision.
func (l *Loader) start(ctx context.Context, artifact *Artifact, args, state []byte, replacing *instance) (*instance, error) {
	const op = "module.load"

	if err := artifact.validate(); err != nil {
		return nil, err
	}
	if err := l.checkDependencies(artifact); err != nil {
		return nil, err
	}

	name := artifact.Metadata.Name
	if err := artifact.Lifecycle.Initialize(ctx, args); err != nil {
		return nil, failure.Wrap(failure.KindOf(err), op, err)
	}
	if state != nil {
		if err := artifact.Lifecycle.RestoreState(ctx, state); err != nil {
			l.abort(ctx, artifact)
			return nil, failure.Wrap(failure.KindOf(err), op, err)
		}
	}

	views, muxes := artifact.views()
	for _, view := range views {
		if !replacing.owns(view) && l.table.HasCapability(view) {
			l.abort(ctx, artifact)
			return nil, l.collision(op, name, view, failure.Newf(failure.KindAlreadyExists, "vtable.register", "capability %q already bound", view))
		}
	}

	// Endpoints outlive the caller's ctx; they stop on retire.
	serveCtx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		artifact:  artifact,
		endpoints: make(map[string]*vtable.Endpoint),
		cancel:    cancel,
	}

	for _, view := range views {
		endpoint := vtable.Serve(serveCtx, view, muxes[view].HandlerFunc(), l.logger)
		if replacing.owns(view) {
			l.table.Register(view, endpoint)
		} else if err := l.table.RegisterStrict(view, endpoint); err != nil {
			endpoint.Close()
			l.rollback(inst, replacing)
			l.abort(ctx, artifact)
			return nil, l.collision(op, name, view, err)
		}
		inst.endpoints[view] = endpoint
	}

	version, _ := canonical(artifact.Metadata.Version)
	inst.info = Info{
		ID:       uuid.New(),
		Name:     name,
		Version:  version,
		Type:     artifact.Type,
		Views:    views,
		Path:     artifact.Path,
		LoadedAt: time.Now(),
	}
	return inst, nil
}

func (l *Loader) collision(op, module, view string, err error) error {
	l.logger.Error("Capability collision while loading module",
		log.String("module", module),
		log.String("capability", view))
	return failure.Wrap(failure.KindFatal, op, err)
}

func (i *instance) owns(view string) bool {
	if i == nil {
		return false
	}
	_, ok := i.endpoints[view]
	return ok
}

func (l *Loader) abort(ctx context.Context, artifact *Artifact) {
	if err := artifact.Lifecycle.Shutdown(ctx); err != nil {
		l.logger.Warn("Module shutdown failed after aborted load",
			log.String("module", artifact.Metadata.Name),
			log.Error(err))
	}
}

// rollback undoes a partial bind of inst, handing taken-over capabilities
// back to replacing.
func (l *Loader) rollback(inst, replacing *instance) {
	for view, endpoint := range inst.endpoints {
		if replacing.owns(view) {
			l.table.Register(view, replacing.endpoints[view])
		} else {
			l.table.Unregister(view)
		}
		endpoint.Close()
	}
	inst.endpoints = nil
	inst.cancel()
}

// retire closes inst's endpoints and waits, bounded by ctx, for their queued
// commands to finish before stopping them. Views present in keep were
// taken over by a replacement and stay registered.
func (l *Loader) retire(ctx context.Context, inst *instance, keep map[string]*vtable.Endpoint) {
	for view, endpoint := range inst.endpoints {
		if _, kept := keep[view]; !kept {
			l.table.Unregister(view)
		}
		endpoint.Close()
	}
	for _, endpoint := range inst.endpoints {
		select {
		case <-endpoint.Drained():
		case <-ctx.Done():
		}
	}
	inst.endpoints = nil
	inst.cancel()
}

func (l *Loader) checkDependencies(artifact *Artifact) error {
	const op = "module.dependencies"
	for _, dep := range artifact.Metadata.Dependencies {
		inst, ok := l.loaded[dep.Name]
		if !ok {
			return failure.Newf(failure.KindNotFound, op, "%s requires %s which is not loaded", artifact.Metadata.Name, dep.Name)
		}
		req, err := parseRequirement(dep.Requirement)
		if err != nil {
			return err
		}
		if !req.allows(inst.info.Version) {
			return failure.Newf(failure.KindInvalidState, op, "%s requires %s %s, loaded %s",
				artifact.Metadata.Name, dep.Name, dep.Requirement, inst.info.Version)
		}
	}
	return nil
}

func (l *Loader) dependents(name string) []string {
	var out []string
	for other, inst := range l.loaded {
		for _, dep := range inst.artifact.Metadata.Dependencies {
			if dep.Name == name {
				out = append(out, other)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func (l *Loader) names() []string {
	names := make([]string, 0, len(l.loaded))
	for name := range l.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (l *Loader) emit(ctx context.Context, id ecs.EventID, name string) {
	if l.emitter == nil {
		return
	}
	if err := l.emitter.Emit(ctx, ecs.NewEvent(id, []byte(name))); err != nil {
		l.logger.Debug("Module event not delivered",
			log.String("module", name),
			log.Error(err))
	}
}
