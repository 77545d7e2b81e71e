// Package view is the caller side of the world's capabilities. Every function
// resolves to a command on the capability table; nothing here touches world
// state directly, so the implementation behind the capabilities can be
// swapped or stubbed.
package view

import (
	"context"

	"github.com/zeusync/ecsnet/internal/core/ecs"
	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/vtable"
	"github.com/zeusync/ecsnet/pkg/encoding"
)

// View issues world operations through a capability table.
type View struct {
	table *vtable.Table
}

func New(table *vtable.Table) *View {
	return &View{table: table}
}

func (v *View) Table() *vtable.Table { return v.table }

// call sends one command. A missing view-model surfaces as NotImplemented.
func (v *View) call(ctx context.Context, capability, op string, payload []byte) ([]byte, error) {
	reply, err := v.table.SendCommand(ctx, capability, op, payload)
	if failure.Is(err, failure.KindNotRegistered) {
		return nil, failure.Wrap(failure.KindNotImplemented, capability+"/"+op, err)
	}
	return reply, err
}

func decodeU32(op string, reply []byte) (int, error) {
	r := encoding.NewReader(reply)
	n := r.U32()
	if err := r.Err(); err != nil {
		return 0, failure.Wrap(failure.KindDeserialization, op, err)
	}
	return int(n), nil
}

func decodeU64(op string, reply []byte) (uint64, error) {
	r := encoding.NewReader(reply)
	n := r.U64()
	if err := r.Err(); err != nil {
		return 0, failure.Wrap(failure.KindDeserialization, op, err)
	}
	return n, nil
}

func decodeBool(op string, reply []byte) (bool, error) {
	r := encoding.NewReader(reply)
	b := r.Bool()
	if err := r.Err(); err != nil {
		return false, failure.Wrap(failure.KindDeserialization, op, err)
	}
	return b, nil
}

func u32(v uint32) []byte { return encoding.NewWriter(4).U32(v).Bytes() }

func u64(v uint64) []byte { return encoding.NewWriter(8).U64(v).Bytes() }

func entityWith(e ecs.EntityID, rest ...[]byte) []byte {
	w := encoding.NewWriter(32).Raw(ecs.EncodeEntity(e))
	for _, b := range rest {
		w.Raw(b)
	}
	return w.Bytes()
}

// World

func (v *View) Step(ctx context.Context, dt float64) (ecs.StepReport, error) {
	reply, err := v.call(ctx, ecs.CapabilityWorld, "step", encoding.NewWriter(8).F64(dt).Bytes())
	if err != nil {
		return ecs.StepReport{}, err
	}
	return ecs.DecodeStepReport(reply)
}

func (v *View) Stats(ctx context.Context) (ecs.WorldStats, error) {
	reply, err := v.call(ctx, ecs.CapabilityWorld, "get_stats", nil)
	if err != nil {
		return ecs.WorldStats{}, err
	}
	return ecs.DecodeWorldStats(reply)
}

// InsertResource reports whether a previous value was replaced.
func (v *View) InsertResource(ctx context.Context, name string, data []byte) (bool, error) {
	payload := encoding.NewWriter(6 + len(name) + len(data)).String16(name).Bytes32(data).Bytes()
	reply, err := v.call(ctx, ecs.CapabilityWorld, "insert_resource", payload)
	if err != nil {
		return false, err
	}
	return decodeBool("view.insert_resource", reply)
}

func (v *View) Resource(ctx context.Context, name string) ([]byte, error) {
	return v.call(ctx, ecs.CapabilityWorld, "get_resource", []byte(name))
}

func (v *View) RemoveResource(ctx context.Context, name string) ([]byte, error) {
	return v.call(ctx, ecs.CapabilityWorld, "remove_resource", []byte(name))
}

func (v *View) HasResource(ctx context.Context, name string) (bool, error) {
	reply, err := v.call(ctx, ecs.CapabilityWorld, "has_resource", []byte(name))
	if err != nil {
		return false, err
	}
	return decodeBool("view.has_resource", reply)
}

func (v *View) Resources(ctx context.Context) (map[string][]byte, error) {
	reply, err := v.call(ctx, ecs.CapabilityWorld, "get_all_resources", nil)
	if err != nil {
		return nil, err
	}
	return ecs.DecodeResources(reply)
}

func (v *View) Lock(ctx context.Context) error {
	_, err := v.call(ctx, ecs.CapabilityWorld, "lock", nil)
	return err
}

func (v *View) Unlock(ctx context.Context) error {
	_, err := v.call(ctx, ecs.CapabilityWorld, "unlock", nil)
	return err
}

func (v *View) IsLocked(ctx context.Context) (bool, error) {
	reply, err := v.call(ctx, ecs.CapabilityWorld, "is_locked", nil)
	if err != nil {
		return false, err
	}
	return decodeBool("view.is_locked", reply)
}

func (v *View) Validate(ctx context.Context) error {
	_, err := v.call(ctx, ecs.CapabilityWorld, "validate", nil)
	return err
}

// Clear despawns every entity and returns how many there were.
func (v *View) Clear(ctx context.Context) (int, error) {
	reply, err := v.call(ctx, ecs.CapabilityWorld, "clear", nil)
	if err != nil {
		return 0, err
	}
	return decodeU32("view.clear", reply)
}

func (v *View) CreateSnapshot(ctx context.Context, name string) error {
	_, err := v.call(ctx, ecs.CapabilityWorld, "create_snapshot", []byte(name))
	return err
}

func (v *View) RestoreSnapshot(ctx context.Context, name string) error {
	_, err := v.call(ctx, ecs.CapabilityWorld, "restore_snapshot", []byte(name))
	return err
}

func (v *View) Snapshots(ctx context.Context) ([]string, error) {
	reply, err := v.call(ctx, ecs.CapabilityWorld, "list_snapshots", nil)
	if err != nil {
		return nil, err
	}
	return ecs.DecodeStrings(reply)
}

func (v *View) DeleteSnapshot(ctx context.Context, name string) error {
	_, err := v.call(ctx, ecs.CapabilityWorld, "delete_snapshot", []byte(name))
	return err
}

// Entities

func (v *View) Spawn(ctx context.Context) (ecs.EntityID, error) {
	reply, err := v.call(ctx, ecs.CapabilityEntity, "spawn_entity", nil)
	if err != nil {
		return ecs.NullEntity, err
	}
	return ecs.DecodeEntity(reply)
}

func (v *View) SpawnWithComponents(ctx context.Context, components []ecs.Component) (ecs.EntityID, error) {
	reply, err := v.call(ctx, ecs.CapabilityEntity, "spawn_entity_with_components", ecs.EncodeComponents(components))
	if err != nil {
		return ecs.NullEntity, err
	}
	return ecs.DecodeEntity(reply)
}

func (v *View) SpawnBatch(ctx context.Context, bundles [][]ecs.Component) ([]ecs.EntityID, error) {
	w := encoding.NewWriter(64).U32(uint32(len(bundles)))
	for _, bundle := range bundles {
		w.Raw(ecs.EncodeComponents(bundle))
	}
	reply, err := v.call(ctx, ecs.CapabilityEntity, "spawn_batch", w.Bytes())
	if err != nil {
		return nil, err
	}
	return ecs.DecodeEntities(reply)
}

func (v *View) Despawn(ctx context.Context, e ecs.EntityID) error {
	_, err := v.call(ctx, ecs.CapabilityEntity, "despawn_entity", ecs.EncodeEntity(e))
	return err
}

// DespawnBatch returns how many entities were despawned alongside the joined
// failures of the rest.
func (v *View) DespawnBatch(ctx context.Context, entities []ecs.EntityID) (int, error) {
	reply, err := v.call(ctx, ecs.CapabilityEntity, "despawn_batch", ecs.EncodeEntities(entities))
	n, decodeErr := decodeU32("view.despawn_batch", reply)
	if err != nil {
		return n, err
	}
	return n, decodeErr
}

func (v *View) Clone(ctx context.Context, e ecs.EntityID) (ecs.EntityID, error) {
	reply, err := v.call(ctx, ecs.CapabilityEntity, "clone_entity", ecs.EncodeEntity(e))
	if err != nil {
		return ecs.NullEntity, err
	}
	return ecs.DecodeEntity(reply)
}

func (v *View) Exists(ctx context.Context, e ecs.EntityID) (bool, error) {
	reply, err := v.call(ctx, ecs.CapabilityEntity, "exists", ecs.EncodeEntity(e))
	if err != nil {
		return false, err
	}
	return decodeBool("view.exists", reply)
}

func (v *View) IsAlive(ctx context.Context, e ecs.EntityID) (bool, error) {
	reply, err := v.call(ctx, ecs.CapabilityEntity, "is_alive", ecs.EncodeEntity(e))
	if err != nil {
		return false, err
	}
	return decodeBool("view.is_alive", reply)
}

func (v *View) Entities(ctx context.Context) ([]ecs.EntityID, error) {
	reply, err := v.call(ctx, ecs.CapabilityEntity, "get_all_entities", nil)
	if err != nil {
		return nil, err
	}
	return ecs.DecodeEntities(reply)
}

func (v *View) EntityCount(ctx context.Context) (int, error) {
	reply, err := v.call(ctx, ecs.CapabilityEntity, "get_entity_count", nil)
	if err != nil {
		return 0, err
	}
	return decodeU32("view.get_entity_count", reply)
}

func (v *View) Generation(ctx context.Context, index uint32) (uint32, error) {
	reply, err := v.call(ctx, ecs.CapabilityEntity, "get_generation", u32(index))
	if err != nil {
		return 0, err
	}
	gen, err := decodeU32("view.get_generation", reply)
	return uint32(gen), err
}

// Components

func (v *View) RegisterComponent(ctx context.Context, name string, owner ecs.SystemID) (ecs.ComponentID, error) {
	payload := encoding.NewWriter(10 + len(name)).String16(name).U64(uint64(owner)).Bytes()
	reply, err := v.call(ctx, ecs.CapabilityComponent, "register_component", payload)
	if err != nil {
		return 0, err
	}
	id, err := decodeU32("view.register_component", reply)
	return ecs.ComponentID(id), err
}

func (v *View) AddComponent(ctx context.Context, e ecs.EntityID, c ecs.Component) error {
	_, err := v.call(ctx, ecs.CapabilityComponent, "add_component", entityWith(e, ecs.EncodeComponent(c)))
	return err
}

func (v *View) AddComponents(ctx context.Context, e ecs.EntityID, components []ecs.Component) error {
	_, err := v.call(ctx, ecs.CapabilityComponent, "add_components", entityWith(e, ecs.EncodeComponents(components)))
	return err
}

// ReplaceComponent upserts c and returns the previous value when there was one.
func (v *View) ReplaceComponent(ctx context.Context, e ecs.EntityID, c ecs.Component) (ecs.Component, bool, error) {
	reply, err := v.call(ctx, ecs.CapabilityComponent, "replace_component", entityWith(e, ecs.EncodeComponent(c)))
	if err != nil {
		return ecs.Component{}, false, err
	}
	replaced, err := decodeBool("view.replace_component", reply)
	if err != nil || !replaced {
		return ecs.Component{}, false, err
	}
	prev, err := ecs.DecodeComponent(reply[1:])
	return prev, true, err
}

func (v *View) RemoveComponent(ctx context.Context, e ecs.EntityID, id ecs.ComponentID) (ecs.Component, error) {
	reply, err := v.call(ctx, ecs.CapabilityComponent, "remove_component", entityWith(e, u32(uint32(id))))
	if err != nil {
		return ecs.Component{}, err
	}
	return ecs.DecodeComponent(reply)
}

func (v *View) RemoveComponents(ctx context.Context, e ecs.EntityID, ids []ecs.ComponentID) ([]ecs.Component, error) {
	reply, err := v.call(ctx, ecs.CapabilityComponent, "remove_components", entityWith(e, ecs.EncodeComponentIDs(ids)))
	if err != nil {
		return nil, err
	}
	return ecs.DecodeComponents(reply)
}

func (v *View) Component(ctx context.Context, e ecs.EntityID, id ecs.ComponentID) (ecs.Component, error) {
	reply, err := v.call(ctx, ecs.CapabilityComponent, "get_component", entityWith(e, u32(uint32(id))))
	if err != nil {
		return ecs.Component{}, err
	}
	return ecs.DecodeComponent(reply)
}

func (v *View) Components(ctx context.Context, e ecs.EntityID, ids []ecs.ComponentID) ([]ecs.Component, error) {
	reply, err := v.call(ctx, ecs.CapabilityComponent, "get_components", entityWith(e, ecs.EncodeComponentIDs(ids)))
	if err != nil {
		return nil, err
	}
	return ecs.DecodeComponents(reply)
}

func (v *View) HasComponent(ctx context.Context, e ecs.EntityID, id ecs.ComponentID) (bool, error) {
	reply, err := v.call(ctx, ecs.CapabilityComponent, "has_component", entityWith(e, u32(uint32(id))))
	if err != nil {
		return false, err
	}
	return decodeBool("view.has_component", reply)
}

func (v *View) HasComponents(ctx context.Context, e ecs.EntityID, ids []ecs.ComponentID) (bool, error) {
	reply, err := v.call(ctx, ecs.CapabilityComponent, "has_components", entityWith(e, ecs.EncodeComponentIDs(ids)))
	if err != nil {
		return false, err
	}
	return decodeBool("view.has_components", reply)
}

func (v *View) ClearComponents(ctx context.Context, e ecs.EntityID) (int, error) {
	reply, err := v.call(ctx, ecs.CapabilityComponent, "clear_components", ecs.EncodeEntity(e))
	if err != nil {
		return 0, err
	}
	return decodeU32("view.clear_components", reply)
}

func (v *View) EntitiesWithComponent(ctx context.Context, id ecs.ComponentID) ([]ecs.EntityID, error) {
	reply, err := v.call(ctx, ecs.CapabilityComponent, "get_entities_with_component", u32(uint32(id)))
	if err != nil {
		return nil, err
	}
	return ecs.DecodeEntities(reply)
}

func (v *View) EntitiesWithComponents(ctx context.Context, ids []ecs.ComponentID) ([]ecs.EntityID, error) {
	reply, err := v.call(ctx, ecs.CapabilityComponent, "get_entities_with_components", ecs.EncodeComponentIDs(ids))
	if err != nil {
		return nil, err
	}
	return ecs.DecodeEntities(reply)
}

func (v *View) CountComponents(ctx context.Context, id ecs.ComponentID) (int, error) {
	reply, err := v.call(ctx, ecs.CapabilityComponent, "count_components", u32(uint32(id)))
	if err != nil {
		return 0, err
	}
	return decodeU32("view.count_components", reply)
}

// Registry

func (v *View) HasCapability(ctx context.Context, capability string) (bool, error) {
	reply, err := v.call(ctx, vtable.RegistryCapability, "has_capability", []byte(capability))
	if err != nil {
		return false, err
	}
	return decodeBool("view.has_capability", reply)
}

func (v *View) Capabilities(ctx context.Context) ([]string, error) {
	reply, err := v.call(ctx, vtable.RegistryCapability, "capabilities", nil)
	if err != nil {
		return nil, err
	}
	return vtable.DecodeCapabilities(reply)
}
