package view

import (
	"context"

	"github.com/google/uuid"

	"github.com/zeusync/ecsnet/internal/core/ecs"
	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/pkg/encoding"
)

// UpdateOp is the operation name of capabilities created by RegisterSystemFunc.
const UpdateOp = "update"

// Queries

func (v *View) CreateQuery(ctx context.Context, f ecs.Filter) (ecs.QueryID, error) {
	reply, err := v.call(ctx, ecs.CapabilityQuery, "create_query", ecs.EncodeFilter(f))
	if err != nil {
		return 0, err
	}
	id, err := decodeU64("view.create_query", reply)
	return ecs.QueryID(id), err
}

func (v *View) ExecuteQuery(ctx context.Context, id ecs.QueryID) ([]ecs.EntityID, error) {
	reply, err := v.call(ctx, ecs.CapabilityQuery, "execute_query", u64(uint64(id)))
	if err != nil {
		return nil, err
	}
	return ecs.DecodeEntities(reply)
}

func (v *View) ExecuteQueryWithComponents(ctx context.Context, id ecs.QueryID) ([]ecs.QueryResult, error) {
	reply, err := v.call(ctx, ecs.CapabilityQuery, "execute_query_with_components", u64(uint64(id)))
	if err != nil {
		return nil, err
	}
	return ecs.DecodeQueryResults(reply)
}

func (v *View) ExecuteQueryBatch(ctx context.Context, id ecs.QueryID, size int) ([][]ecs.EntityID, error) {
	payload := encoding.NewWriter(12).U64(uint64(id)).U32(uint32(size)).Bytes()
	reply, err := v.call(ctx, ecs.CapabilityQuery, "execute_query_batch", payload)
	if err != nil {
		return nil, err
	}
	r := encoding.NewReader(reply)
	n := r.U32()
	var chunks [][]ecs.EntityID
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		chunk, err := ecs.DecodeEntities(r.Bytes32())
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	if err := r.Err(); err != nil {
		return nil, failure.Wrap(failure.KindDeserialization, "view.execute_query_batch", err)
	}
	return chunks, nil
}

func (v *View) QueryCount(ctx context.Context, id ecs.QueryID) (int, error) {
	reply, err := v.call(ctx, ecs.CapabilityQuery, "query_count", u64(uint64(id)))
	if err != nil {
		return 0, err
	}
	return decodeU32("view.query_count", reply)
}

func (v *View) QueryFirst(ctx context.Context, id ecs.QueryID) (ecs.EntityID, error) {
	reply, err := v.call(ctx, ecs.CapabilityQuery, "query_first", u64(uint64(id)))
	if err != nil {
		return ecs.NullEntity, err
	}
	return ecs.DecodeEntity(reply)
}

func (v *View) QueryHasResults(ctx context.Context, id ecs.QueryID) (bool, error) {
	reply, err := v.call(ctx, ecs.CapabilityQuery, "query_has_results", u64(uint64(id)))
	if err != nil {
		return false, err
	}
	return decodeBool("view.query_has_results", reply)
}

func (v *View) UpdateQuery(ctx context.Context, id ecs.QueryID, f ecs.Filter) error {
	payload := encoding.NewWriter(32).U64(uint64(id)).Raw(ecs.EncodeFilter(f)).Bytes()
	_, err := v.call(ctx, ecs.CapabilityQuery, "update_query", payload)
	return err
}

func (v *View) DeleteQuery(ctx context.Context, id ecs.QueryID) error {
	_, err := v.call(ctx, ecs.CapabilityQuery, "delete_query", u64(uint64(id)))
	return err
}

func (v *View) Query(ctx context.Context, id ecs.QueryID) (ecs.Filter, error) {
	reply, err := v.call(ctx, ecs.CapabilityQuery, "get_query", u64(uint64(id)))
	if err != nil {
		return ecs.Filter{}, err
	}
	return ecs.DecodeFilter(reply)
}

func (v *View) CloneQuery(ctx context.Context, id ecs.QueryID) (ecs.QueryID, error) {
	reply, err := v.call(ctx, ecs.CapabilityQuery, "clone_query", u64(uint64(id)))
	if err != nil {
		return 0, err
	}
	clone, err := decodeU64("view.clone_query", reply)
	return ecs.QueryID(clone), err
}

// Systems

func (v *View) RegisterSystem(ctx context.Context, desc ecs.SystemDescriptor) (ecs.SystemID, error) {
	reply, err := v.call(ctx, ecs.CapabilitySystem, "register_system", ecs.EncodeDescriptor(desc))
	if err != nil {
		return 0, err
	}
	id, err := decodeU64("view.register_system", reply)
	return ecs.SystemID(id), err
}

// UpdateFunc runs one frame of a system.
type UpdateFunc func(ctx context.Context, dt float64) error

// RegisterSystemFunc serves fn under a fresh system.<uuid> capability until
// ctx is done and registers it with desc. desc.Update is overwritten.
func (v *View) RegisterSystemFunc(ctx context.Context, desc ecs.SystemDescriptor, fn UpdateFunc) (ecs.SystemID, error) {
	capability := "system." + uuid.NewString()
	endpoint := v.table.Bind(ctx, capability, func(ctx context.Context, op string, payload []byte) ([]byte, error) {
		if op != UpdateOp {
			return nil, failure.Newf(failure.KindNotImplemented, capability, "operation %q", op)
		}
		r := encoding.NewReader(payload)
		dt := r.F64()
		if err := r.Err(); err != nil {
			return nil, failure.Wrap(failure.KindDeserialization, capability, err)
		}
		return nil, fn(ctx, dt)
	})

	desc.Update = ecs.HandlerRef{Capability: capability, Op: UpdateOp}
	id, err := v.RegisterSystem(ctx, desc)
	if err != nil {
		v.table.Unregister(capability)
		endpoint.Close()
		return 0, err
	}
	return id, nil
}

func (v *View) UnregisterSystem(ctx context.Context, id ecs.SystemID) (ecs.SystemInfo, error) {
	reply, err := v.call(ctx, ecs.CapabilitySystem, "unregister_system", u64(uint64(id)))
	if err != nil {
		return ecs.SystemInfo{}, err
	}
	return ecs.DecodeSystemInfo(reply)
}

func (v *View) EnableSystem(ctx context.Context, id ecs.SystemID) error {
	_, err := v.call(ctx, ecs.CapabilitySystem, "enable_system", u64(uint64(id)))
	return err
}

func (v *View) DisableSystem(ctx context.Context, id ecs.SystemID) error {
	_, err := v.call(ctx, ecs.CapabilitySystem, "disable_system", u64(uint64(id)))
	return err
}

func (v *View) IsSystemEnabled(ctx context.Context, id ecs.SystemID) (bool, error) {
	reply, err := v.call(ctx, ecs.CapabilitySystem, "is_system_enabled", u64(uint64(id)))
	if err != nil {
		return false, err
	}
	return decodeBool("view.is_system_enabled", reply)
}

func (v *View) System(ctx context.Context, id ecs.SystemID) (ecs.SystemInfo, error) {
	reply, err := v.call(ctx, ecs.CapabilitySystem, "get_system", u64(uint64(id)))
	if err != nil {
		return ecs.SystemInfo{}, err
	}
	return ecs.DecodeSystemInfo(reply)
}

func (v *View) Systems(ctx context.Context) ([]ecs.SystemInfo, error) {
	reply, err := v.call(ctx, ecs.CapabilitySystem, "get_all_systems", nil)
	if err != nil {
		return nil, err
	}
	return ecs.DecodeSystemInfos(reply)
}

func (v *View) UpdateSystemDependencies(ctx context.Context, id ecs.SystemID, deps []ecs.SystemID) error {
	payload := encoding.NewWriter(16).U64(uint64(id)).Raw(ecs.EncodeSystemIDs(deps)).Bytes()
	_, err := v.call(ctx, ecs.CapabilitySystem, "update_system_dependencies", payload)
	return err
}

func (v *View) DependentSystems(ctx context.Context, id ecs.SystemID) ([]ecs.SystemID, error) {
	reply, err := v.call(ctx, ecs.CapabilitySystem, "get_dependent_systems", u64(uint64(id)))
	if err != nil {
		return nil, err
	}
	return ecs.DecodeSystemIDs(reply)
}

func (v *View) SystemStats(ctx context.Context, id ecs.SystemID) (ecs.SystemStats, error) {
	reply, err := v.call(ctx, ecs.CapabilitySystem, "get_system_stats", u64(uint64(id)))
	if err != nil {
		return ecs.SystemStats{}, err
	}
	return ecs.DecodeSystemStats(reply)
}

func (v *View) ClearSystemStats(ctx context.Context) error {
	_, err := v.call(ctx, ecs.CapabilitySystem, "clear_system_stats", nil)
	return err
}

// RunSystems runs one scheduler frame without draining events.
func (v *View) RunSystems(ctx context.Context, dt float64) (ecs.FrameReport, error) {
	reply, err := v.call(ctx, ecs.CapabilitySystem, "run_systems", encoding.NewWriter(8).F64(dt).Bytes())
	if err != nil {
		return ecs.FrameReport{}, err
	}
	r := encoding.NewReader(reply)
	report := ecs.FrameReport{Executed: int(r.U32()), Skipped: int(r.U32()), Failed: int(r.U32())}
	if err := r.Err(); err != nil {
		return ecs.FrameReport{}, failure.Wrap(failure.KindDeserialization, "view.run_systems", err)
	}
	return report, nil
}
