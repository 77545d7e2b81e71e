package module

import (
	"context"

	"github.com/zeusync/ecsnet/internal/core/ecs"
)

const (
	// WorldModule is the registry name of the ECS view-model module.
	WorldModule        = "ecs"
	WorldModuleVersion = "1.0.0"
)

// WorldArtifact packages w's view-model as a system module so the ECS is
// bound through the loader like any other implementation. Its state blob is
// a world snapshot.
func WorldArtifact(w *ecs.World) *Artifact {
	artifact := &Artifact{
		Metadata: Metadata{
			Name:        WorldModule,
			Version:     WorldModuleVersion,
			Description: "entity component world view-model",
			Features:    []string{"snapshots", "events", "queries", "systems"},
		},
		Type: TypeSystem,
		Lifecycle: LifecycleFuncs{
			OnSaveState: func(context.Context) ([]byte, error) {
				return w.EncodeSnapshot()
			},
			OnRestoreState: func(_ context.Context, state []byte) error {
				if len(state) == 0 {
					return nil
				}
				return w.DecodeSnapshot(state)
			},
		},
	}

	muxes := w.ViewModel()
	for _, capability := range ecs.Capabilities {
		mux := muxes[capability]
		for _, op := range mux.Ops() {
			fn, _ := mux.Op(op)
			artifact.Exports = append(artifact.Exports, Export{View: capability, Function: op, Fn: fn})
		}
	}
	return artifact
}

// RegisterWorld adds w to registry under WorldModule.
func RegisterWorld(registry *Registry, w *ecs.World) error {
	return registry.Register(WorldModule, func() (*Artifact, error) {
		return WorldArtifact(w), nil
	})
}
