// Package module loads module artifacts, runs their lifecycle and binds their
// exported operations into the capability table.
package module

import (
	"context"
	"strings"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/vtable"
)

// Type is the role a module plays.
type Type uint8

const (
	// TypeCore modules define contracts only.
	TypeCore Type = iota
	// TypeSystem modules implement the operations a core module declares.
	TypeSystem
	TypePlugin
)

func (t Type) String() string {
	switch t {
	case TypeCore:
		return "core"
	case TypeSystem:
		return "system"
	case TypePlugin:
		return "plugin"
	default:
		return "unknown"
	}
}

// ParseType accepts the lower-case names produced by String.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "core":
		return TypeCore, nil
	case "system":
		return TypeSystem, nil
	case "plugin":
		return TypePlugin, nil
	default:
		return 0, failure.Newf(failure.KindInvalidInput, "module.parse_type", "unknown module type %q", s)
	}
}

// Dependency names another module and the versions this one accepts.
// Requirement uses comparison clauses such as ">=1.2.0, <2.0.0" or "^1.2".
type Dependency struct {
	Name        string `yaml:"name"`
	Requirement string `yaml:"version"`
}

type Metadata struct {
	Name         string
	Version      string
	Description  string
	Features     []string
	Dependencies []Dependency
}

// Lifecycle is the module's init/shutdown/state contract. State blobs are
// opaque to the loader.
type Lifecycle interface {
	Initialize(ctx context.Context, args []byte) error
	Shutdown(ctx context.Context) error
	SaveState(ctx context.Context) ([]byte, error)
	RestoreState(ctx context.Context, state []byte) error
}

// Export is one operation the loader installs under the View capability.
type Export struct {
	View     string
	Function string
	Fn       vtable.OpFunc
}

// Artifact is a resolved, not yet initialized module.
type Artifact struct {
	Metadata  Metadata
	Type      Type
	Lifecycle Lifecycle
	Exports   []Export
	// Path is the manifest location for file-backed artifacts.
	Path string
}

// views groups the exports by capability, preserving first-seen order.
func (a *Artifact) views() ([]string, map[string]*vtable.Mux) {
	var order []string
	muxes := make(map[string]*vtable.Mux)
	for _, export := range a.Exports {
		mux, ok := muxes[export.View]
		if !ok {
			mux = vtable.NewMux(export.View)
			muxes[export.View] = mux
			order = append(order, export.View)
		}
		mux.Handle(export.Function, export.Fn)
	}
	return order, muxes
}

func (a *Artifact) validate() error {
	const op = "module.validate"
	if a.Metadata.Name == "" {
		return failure.New(failure.KindInvalidInput, op, "module has no name")
	}
	if _, err := canonical(a.Metadata.Version); err != nil {
		return err
	}
	if a.Lifecycle == nil {
		a.Lifecycle = NopLifecycle{}
	}
	if a.Type == TypeCore && len(a.Exports) > 0 {
		return failure.Newf(failure.KindInvalidInput, op, "core module %q cannot export functions", a.Metadata.Name)
	}
	for _, export := range a.Exports {
		if export.View == "" || export.Function == "" || export.Fn == nil {
			return failure.Newf(failure.KindInvalidInput, op, "module %q has an incomplete export %q/%q", a.Metadata.Name, export.View, export.Function)
		}
	}
	for _, dep := range a.Metadata.Dependencies {
		if _, err := parseRequirement(dep.Requirement); err != nil {
			return err
		}
	}
	return nil
}

// NopLifecycle satisfies Lifecycle for stateless modules.
type NopLifecycle struct{}

func (NopLifecycle) Initialize(context.Context, []byte) error   { return nil }
func (NopLifecycle) Shutdown(context.Context) error             { return nil }
func (NopLifecycle) SaveState(context.Context) ([]byte, error)  { return nil, nil }
func (NopLifecycle) RestoreState(context.Context, []byte) error { return nil }

// LifecycleFuncs adapts plain functions; nil fields behave like NopLifecycle.
type LifecycleFuncs struct {
	OnInitialize   func(ctx context.Context, args []byte) error
	OnShutdown     func(ctx context.Context) error
	OnSaveState    func(ctx context.Context) ([]byte, error)
	OnRestoreState func(ctx context.Context, state []byte) error
}

func (l LifecycleFuncs) Initialize(ctx context.Context, args []byte) error {
	if l.OnInitialize == nil {
		return nil
	}
	return l.OnInitialize(ctx, args)
}

func (l LifecycleFuncs) Shutdown(ctx context.Context) error {
	if l.OnShutdown == nil {
		return nil
	}
	return l.OnShutdown(ctx)
}

func (l LifecycleFuncs) SaveState(ctx context.Context) ([]byte, error) {
	if l.OnSaveState == nil {
		return nil, nil
	}
	return l.OnSaveState(ctx)
}

func (l LifecycleFuncs) RestoreState(ctx context.Context, state []byte) error {
	if l.OnRestoreState == nil {
		return nil
	}
	return l.OnRestoreState(ctx, state)
}
