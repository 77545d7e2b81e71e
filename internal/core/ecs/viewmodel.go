package ecs

import (
	"context"
	"errors"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/vtable"
	"github.com/zeusync/ecsnet/pkg/encoding"
)

// Capability names of the world's view-model.
const (
	CapabilityWorld     = "ecs.world"
	CapabilityEntity    = "ecs.entity"
	CapabilityComponent = "ecs.component"
	CapabilityEvent     = "ecs.event"
	CapabilityQuery     = "ecs.query"
	CapabilitySystem    = "ecs.system"
)

// Capabilities lists the view-model capabilities in binding order.
var Capabilities = []string{
	CapabilityWorld,
	CapabilityEntity,
	CapabilityComponent,
	CapabilityEvent,
	CapabilityQuery,
	CapabilitySystem,
}

// tableInvoker delivers events to handler capabilities.
type tableInvoker struct {
	table *vtable.Table
}

func (i tableInvoker) InvokeHandler(ctx context.Context, sub Subscription, ev Event) (Verdict, error) {
	reply, err := i.table.SendCommand(ctx, sub.Handler.Capability, sub.Handler.Op, EncodeEvent(ev))
	if err != nil {
		return Proceed, err
	}
	if len(reply) > 0 && Verdict(reply[0]) == Cancel {
		return Cancel, nil
	}
	return Proceed, nil
}

// tableUpdater sends the frame delta to a system's update capability.
type tableUpdater struct {
	table *vtable.Table
}

func (u tableUpdater) UpdateSystem(ctx context.Context, system SystemInfo, dt float64) error {
	payload := encoding.NewWriter(8).F64(dt).Bytes()
	_, err := u.table.SendCommand(ctx, system.Update.Capability, system.Update.Op, payload)
	return err
}

func systemPayload(id SystemID) []byte {
	return encoding.NewWriter(8).U64(uint64(id)).Bytes()
}

func (w *World) beforeSystem(ctx context.Context, system SystemInfo) error {
	return w.guard(ctx, EventBeforeSystemExecute, NullEntity, systemPayload(system.ID))
}

func (w *World) afterSystem(system SystemInfo, _ error) {
	w.notify(EventAfterSystemExecute, NullEntity, systemPayload(system.ID))
}

// ViewModel returns the muxes implementing every ecs capability on w.
func (w *World) ViewModel() map[string]*vtable.Mux {
	return map[string]*vtable.Mux{
		CapabilityWorld:     w.worldMux(),
		CapabilityEntity:    w.entityMux(),
		CapabilityComponent: w.componentMux(),
		CapabilityEvent:     w.eventMux(),
		CapabilityQuery:     w.queryMux(),
		CapabilitySystem:    w.systemMux(),
	}
}

// Bind serves the view-model on the world's table, replacing earlier
// bindings. Handlers stop when ctx is done or the world shuts down.
func (w *World) Bind(ctx context.Context) {
	w.bindMu.Lock()
	defer w.bindMu.Unlock()
	muxes := w.ViewModel()
	for _, capability := range Capabilities {
		w.endpoints = append(w.endpoints, w.table.Bind(ctx, capability, muxes[capability].HandlerFunc()))
	}
}

func (w *World) unbind() {
	w.bindMu.Lock()
	defer w.bindMu.Unlock()
	for _, endpoint := range w.endpoints {
		endpoint.Close()
	}
	w.endpoints = nil
	for _, capability := range Capabilities {
		w.table.Unregister(capability)
	}
}

func boolReply(v bool) []byte { return encoding.NewWriter(1).Bool(v).Bytes() }

func u32Reply(v int) []byte { return encoding.NewWriter(4).U32(uint32(v)).Bytes() }

func u64Reply(v uint64) []byte { return encoding.NewWriter(8).U64(v).Bytes() }

func nothing(err error) ([]byte, error) { return nil, err }

func (w *World) worldMux() *vtable.Mux {
	return vtable.NewMux(CapabilityWorld).
		Handle("initialize_world", func(context.Context, []byte) ([]byte, error) {
			if err := w.live("ecs.world/initialize_world"); err != nil {
				return nil, err
			}
			w.Reset()
			return nil, nil
		}).
		Handle("shutdown_world", func(ctx context.Context, _ []byte) ([]byte, error) {
			// Shutdown closes this endpoint; reply first.
			go func() { _ = w.Shutdown(ctx) }()
			return nil, nil
		}).
		Handle("step", func(ctx context.Context, payload []byte) ([]byte, error) {
			r := encoding.NewReader(payload)
			dt := r.F64()
			if err := decodeFailure("ecs.world/step", r); err != nil {
				return nil, err
			}
			report, err := w.Step(ctx, dt)
			return EncodeStepReport(report), err
		}).
		Handle("get_stats", func(context.Context, []byte) ([]byte, error) {
			return EncodeWorldStats(w.Stats()), nil
		}).
		Handle("insert_resource", func(_ context.Context, payload []byte) ([]byte, error) {
			r := encoding.NewReader(payload)
			name, data := r.String16(), r.Bytes32()
			if err := decodeFailure("ecs.world/insert_resource", r); err != nil {
				return nil, err
			}
			_, existed := w.InsertResource(name, data)
			return boolReply(existed), nil
		}).
		Handle("get_resource", func(_ context.Context, payload []byte) ([]byte, error) {
			return w.Resource(string(payload))
		}).
		Handle("remove_resource", func(_ context.Context, payload []byte) ([]byte, error) {
			return w.RemoveResource(string(payload))
		}).
		Handle("has_resource", func(_ context.Context, payload []byte) ([]byte, error) {
			return boolReply(w.HasResource(string(payload))), nil
		}).
		Handle("get_all_resources", func(context.Context, []byte) ([]byte, error) {
			names := w.ResourceNames()
			values := make([][]byte, 0, len(names))
			for _, name := range names {
				data, _ := w.Resource(name)
				values = append(values, data)
			}
			return EncodeResources(names, values), nil
		}).
		Handle("lock", func(context.Context, []byte) ([]byte, error) {
			w.Lock()
			return nil, nil
		}).
		Handle("unlock", func(context.Context, []byte) ([]byte, error) {
			w.Unlock()
			return nil, nil
		}).
		Handle("is_locked", func(context.Context, []byte) ([]byte, error) {
			return boolReply(w.IsLocked()), nil
		}).
		Handle("validate", func(context.Context, []byte) ([]byte, error) {
			return nothing(w.Validate())
		}).
		Handle("clear", func(context.Context, []byte) ([]byte, error) {
			if err := w.mutable("ecs.world/clear"); err != nil {
				return nil, err
			}
			return u32Reply(w.Clear()), nil
		}).
		Handle("create_snapshot", func(ctx context.Context, payload []byte) ([]byte, error) {
			return nothing(w.CreateSnapshot(ctx, string(payload)))
		}).
		Handle("restore_snapshot", func(ctx context.Context, payload []byte) ([]byte, error) {
			return nothing(w.RestoreSnapshot(ctx, string(payload)))
		}).
		Handle("list_snapshots", func(ctx context.Context, _ []byte) ([]byte, error) {
			names, err := w.Snapshots(ctx)
			if err != nil {
				return nil, err
			}
			return EncodeStrings(names), nil
		}).
		Handle("delete_snapshot", func(ctx context.Context, payload []byte) ([]byte, error) {
			return nothing(w.DeleteSnapshot(ctx, string(payload)))
		})
}

func (w *World) entityMux() *vtable.Mux {
	return vtable.NewMux(CapabilityEntity).
		Handle("spawn_entity", func(ctx context.Context, _ []byte) ([]byte, error) {
			e, err := w.Spawn(ctx)
			if err != nil {
				return nil, err
			}
			return EncodeEntity(e), nil
		}).
		Handle("spawn_entity_with_components", func(ctx context.Context, payload []byte) ([]byte, error) {
			components, err := DecodeComponents(payload)
			if err != nil {
				return nil, err
			}
			e, err := w.SpawnWithComponents(ctx, components)
			if err != nil {
				return nil, err
			}
			return EncodeEntity(e), nil
		}).
		Handle("spawn_batch", func(ctx context.Context, payload []byte) ([]byte, error) {
			r := encoding.NewReader(payload)
			n := r.U32()
			if !r.Fits(int(n), 4) {
				return nil, decodeFailure("ecs.entity/spawn_batch", r)
			}
			bundles := make([][]Component, 0, n)
			for i := uint32(0); i < n; i++ {
				bundles = append(bundles, readComponents(r))
			}
			if err := decodeFailure("ecs.entity/spawn_batch", r); err != nil {
				return nil, err
			}
			ids, err := w.SpawnBatch(ctx, bundles)
			if err != nil {
				return nil, err
			}
			return EncodeEntities(ids), nil
		}).
		Handle("despawn_entity", func(ctx context.Context, payload []byte) ([]byte, error) {
			e, err := DecodeEntity(payload)
			if err != nil {
				return nil, err
			}
			return nothing(w.Despawn(ctx, e))
		}).
		Handle("despawn_batch", func(ctx context.Context, payload []byte) ([]byte, error) {
			entities, err := DecodeEntities(payload)
			if err != nil {
				return nil, err
			}
			n, err := w.DespawnBatch(ctx, entities)
			return u32Reply(n), err
		}).
		Handle("clone_entity", func(ctx context.Context, payload []byte) ([]byte, error) {
			e, err := DecodeEntity(payload)
			if err != nil {
				return nil, err
			}
			clone, err := w.CloneEntity(ctx, e)
			if err != nil {
				return nil, err
			}
			return EncodeEntity(clone), nil
		}).
		Handle("exists", func(_ context.Context, payload []byte) ([]byte, error) {
			e, err := DecodeEntity(payload)
			if err != nil {
				return nil, err
			}
			return boolReply(w.Exists(e)), nil
		}).
		Handle("is_alive", func(_ context.Context, payload []byte) ([]byte, error) {
			e, err := DecodeEntity(payload)
			if err != nil {
				return nil, err
			}
			return boolReply(w.IsAlive(e)), nil
		}).
		Handle("get_all_entities", func(context.Context, []byte) ([]byte, error) {
			return EncodeEntities(w.Entities()), nil
		}).
		Handle("get_entity_count", func(context.Context, []byte) ([]byte, error) {
			return u32Reply(w.EntityCount()), nil
		}).
		Handle("get_generation", func(_ context.Context, payload []byte) ([]byte, error) {
			r := encoding.NewReader(payload)
			index := r.U32()
			if err := decodeFailure("ecs.entity/get_generation", r); err != nil {
				return nil, err
			}
			gen, ok := w.Generation(index)
			if !ok {
				return nil, failure.Newf(failure.KindNotFound, "ecs.entity/get_generation", "index %d", index)
			}
			return u32Reply(int(gen)), nil
		})
}

// entityAnd decodes a leading entity handle and hands the rest to fn.
func entityAnd(op string, fn func(ctx context.Context, e EntityID, r *encoding.Reader) ([]byte, error)) vtable.OpFunc {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		r := encoding.NewReader(payload)
		e := readEntity(r)
		if err := decodeFailure(op, r); err != nil {
			return nil, err
		}
		return fn(ctx, e, r)
	}
}

func (w *World) componentMux() *vtable.Mux {
	return vtable.NewMux(CapabilityComponent).
		Handle("register_component", func(_ context.Context, payload []byte) ([]byte, error) {
			r := encoding.NewReader(payload)
			name, owner := r.String16(), SystemID(r.U64())
			if err := decodeFailure("ecs.component/register_component", r); err != nil {
				return nil, err
			}
			id, err := w.RegisterComponent(name, owner)
			if err != nil {
				return nil, err
			}
			return u32Reply(int(id)), nil
		}).
		Handle("add_component", entityAnd("ecs.component/add_component", func(ctx context.Context, e EntityID, r *encoding.Reader) ([]byte, error) {
			c := readComponent(r)
			if err := decodeFailure("ecs.component/add_component", r); err != nil {
				return nil, err
			}
			return nothing(w.AddComponent(ctx, e, c))
		})).
		Handle("add_components", entityAnd("ecs.component/add_components", func(ctx context.Context, e EntityID, r *encoding.Reader) ([]byte, error) {
			components := readComponents(r)
			if err := decodeFailure("ecs.component/add_components", r); err != nil {
				return nil, err
			}
			return nothing(w.AddComponents(ctx, e, components))
		})).
		Handle("remove_component", entityAnd("ecs.component/remove_component", func(ctx context.Context, e EntityID, r *encoding.Reader) ([]byte, error) {
			id := ComponentID(r.U32())
			if err := decodeFailure("ecs.component/remove_component", r); err != nil {
				return nil, err
			}
			c, err := w.RemoveComponent(ctx, e, id)
			if err != nil {
				return nil, err
			}
			return EncodeComponent(c), nil
		})).
		Handle("remove_components", entityAnd("ecs.component/remove_components", func(ctx context.Context, e EntityID, r *encoding.Reader) ([]byte, error) {
			ids := readComponentIDs(r)
			if err := decodeFailure("ecs.component/remove_components", r); err != nil {
				return nil, err
			}
			removed, err := w.RemoveComponents(ctx, e, ids)
			return EncodeComponents(removed), err
		})).
		Handle("get_component", entityAnd("ecs.component/get_component", func(_ context.Context, e EntityID, r *encoding.Reader) ([]byte, error) {
			id := ComponentID(r.U32())
			if err := decodeFailure("ecs.component/get_component", r); err != nil {
				return nil, err
			}
			c, err := w.Component(e, id)
			if err != nil {
				return nil, err
			}
			return EncodeComponent(c), nil
		})).
		Handle("get_components", entityAnd("ecs.component/get_components", func(_ context.Context, e EntityID, r *encoding.Reader) ([]byte, error) {
			ids := readComponentIDs(r)
			if err := decodeFailure("ecs.component/get_components", r); err != nil {
				return nil, err
			}
			components, err := w.Components(e, ids)
			if err != nil {
				return nil, err
			}
			return EncodeComponents(components), nil
		})).
		Handle("has_component", entityAnd("ecs.component/has_component", func(_ context.Context, e EntityID, r *encoding.Reader) ([]byte, error) {
			id := ComponentID(r.U32())
			if err := decodeFailure("ecs.component/has_component", r); err != nil {
				return nil, err
			}
			return boolReply(w.HasComponent(e, id)), nil
		})).
		Handle("has_components", entityAnd("ecs.component/has_components", func(_ context.Context, e EntityID, r *encoding.Reader) ([]byte, error) {
			ids := readComponentIDs(r)
			if err := decodeFailure("ecs.component/has_components", r); err != nil {
				return nil, err
			}
			return boolReply(w.HasComponents(e, ids)), nil
		})).
		Handle("replace_component", entityAnd("ecs.component/replace_component", func(ctx context.Context, e EntityID, r *encoding.Reader) ([]byte, error) {
			c := readComponent(r)
			if err := decodeFailure("ecs.component/replace_component", r); err != nil {
				return nil, err
			}
			prev, replaced, err := w.ReplaceComponent(ctx, e, c)
			if err != nil {
				return nil, err
			}
			out := encoding.NewWriter(16).Bool(replaced)
			if replaced {
				writeComponent(out, prev)
			}
			return out.Bytes(), nil
		})).
		Handle("clear_components", entityAnd("ecs.component/clear_components", func(ctx context.Context, e EntityID, _ *encoding.Reader) ([]byte, error) {
			n, err := w.ClearComponents(ctx, e)
			return u32Reply(n), err
		})).
		Handle("get_entities_with_component", func(_ context.Context, payload []byte) ([]byte, error) {
			r := encoding.NewReader(payload)
			id := ComponentID(r.U32())
			if err := decodeFailure("ecs.component/get_entities_with_component", r); err != nil {
				return nil, err
			}
			return EncodeEntities(w.EntitiesWithComponent(id)), nil
		}).
		Handle("get_entities_with_components", func(_ context.Context, payload []byte) ([]byte, error) {
			ids, err := DecodeComponentIDs(payload)
			if err != nil {
				return nil, err
			}
			return EncodeEntities(w.EntitiesWithComponents(ids)), nil
		}).
		Handle("count_components", func(_ context.Context, payload []byte) ([]byte, error) {
			r := encoding.NewReader(payload)
			id := ComponentID(r.U32())
			if err := decodeFailure("ecs.component/count_components", r); err != nil {
				return nil, err
			}
			return u32Reply(w.CountComponents(id)), nil
		})
}

// relink attaches a decoded event's source to this world.
func (w *World) relink(ev Event) Event {
	if !ev.Source.ID.IsNull() {
		ev.Source = w.Ref(ev.Source.ID)
	}
	return ev
}

func (w *World) subscribeOp(phase Phase) vtable.OpFunc {
	return func(_ context.Context, payload []byte) ([]byte, error) {
		r := encoding.NewReader(payload)
		eventID := EventID(r.U32())
		handler := readHandler(r)
		if err := decodeFailure("ecs.event/subscribe", r); err != nil {
			return nil, err
		}
		id, err := w.events.Subscribe(eventID, phase, handler)
		if err != nil {
			return nil, err
		}
		return u64Reply(uint64(id)), nil
	}
}

func drainReply(report DrainReport, err error) ([]byte, error) {
	return EncodeDrainReport(report), err
}

func (w *World) eventMux() *vtable.Mux {
	return vtable.NewMux(CapabilityEvent).
		Handle("emit", func(_ context.Context, payload []byte) ([]byte, error) {
			ev, err := DecodeEvent(payload)
			if err != nil {
				return nil, err
			}
			return nothing(w.events.Emit(w.relink(ev)))
		}).
		Handle("emit_with_priority", func(_ context.Context, payload []byte) ([]byte, error) {
			if len(payload) < 1 {
				return nil, failure.New(failure.KindDeserialization, "ecs.event/emit_with_priority", "missing priority")
			}
			ev, err := DecodeEvent(payload[1:])
			if err != nil {
				return nil, err
			}
			return nothing(w.events.Emit(w.relink(ev).WithPriority(Priority(payload[0]))))
		}).
		Handle("emit_batch", func(_ context.Context, payload []byte) ([]byte, error) {
			r := encoding.NewReader(payload)
			n := r.U32()
			var events []Event
			for i := uint32(0); i < n && r.Err() == nil; i++ {
				ev, err := DecodeEvent(r.Bytes32())
				if err != nil {
					return nil, err
				}
				events = append(events, w.relink(ev))
			}
			if err := decodeFailure("ecs.event/emit_batch", r); err != nil {
				return nil, err
			}
			return nothing(w.events.EmitBatch(events))
		}).
		Handle("subscribe_pre", w.subscribeOp(PhasePre)).
		Handle("subscribe_post", w.subscribeOp(PhasePost)).
		Handle("unsubscribe", func(_ context.Context, payload []byte) ([]byte, error) {
			r := encoding.NewReader(payload)
			id := SubscriptionID(r.U64())
			if err := decodeFailure("ecs.event/unsubscribe", r); err != nil {
				return nil, err
			}
			return nothing(w.events.Unsubscribe(id))
		}).
		Handle("unsubscribe_all", func(_ context.Context, payload []byte) ([]byte, error) {
			r := encoding.NewReader(payload)
			id := EventID(r.U32())
			if err := decodeFailure("ecs.event/unsubscribe_all", r); err != nil {
				return nil, err
			}
			return u32Reply(w.events.UnsubscribeAll(id)), nil
		}).
		Handle("process_event_queue", func(ctx context.Context, _ []byte) ([]byte, error) {
			return drainReply(w.events.ProcessQueue(ctx))
		}).
		Handle("process_high_priority_events", func(ctx context.Context, _ []byte) ([]byte, error) {
			return drainReply(w.events.ProcessHighPriority(ctx))
		}).
		Handle("clear_event_queue", func(context.Context, []byte) ([]byte, error) {
			return u32Reply(w.events.ClearQueue()), nil
		}).
		Handle("get_event_queue_size", func(context.Context, []byte) ([]byte, error) {
			return u32Reply(w.events.QueueLen()), nil
		}).
		Handle("has_subscribers", func(_ context.Context, payload []byte) ([]byte, error) {
			r := encoding.NewReader(payload)
			id := EventID(r.U32())
			if err := decodeFailure("ecs.event/has_subscribers", r); err != nil {
				return nil, err
			}
			return boolReply(w.events.HasSubscribers(id)), nil
		}).
		Handle("get_subscriptions", func(_ context.Context, payload []byte) ([]byte, error) {
			r := encoding.NewReader(payload)
			id := EventID(r.U32())
			if err := decodeFailure("ecs.event/get_subscriptions", r); err != nil {
				return nil, err
			}
			return EncodeSubscriptions(w.events.Subscriptions(id)), nil
		})
}

// queryAnd decodes a leading QueryID and hands the rest to fn.
func queryAnd(op string, fn func(id QueryID, r *encoding.Reader) ([]byte, error)) vtable.OpFunc {
	return func(_ context.Context, payload []byte) ([]byte, error) {
		r := encoding.NewReader(payload)
		id := QueryID(r.U64())
		if err := decodeFailure(op, r); err != nil {
			return nil, err
		}
		return fn(id, r)
	}
}

func (w *World) queryMux() *vtable.Mux {
	return vtable.NewMux(CapabilityQuery).
		Handle("create_query", func(_ context.Context, payload []byte) ([]byte, error) {
			f, err := DecodeFilter(payload)
			if err != nil {
				return nil, err
			}
			id, err := w.CreateQuery(f)
			if err != nil {
				return nil, err
			}
			return u64Reply(uint64(id)), nil
		}).
		Handle("execute_query", queryAnd("ecs.query/execute_query", func(id QueryID, _ *encoding.Reader) ([]byte, error) {
			entities, err := w.ExecuteQuery(id)
			if err != nil {
				return nil, err
			}
			return EncodeEntities(entities), nil
		})).
		Handle("execute_query_with_components", queryAnd("ecs.query/execute_query_with_components", func(id QueryID, _ *encoding.Reader) ([]byte, error) {
			results, err := w.ExecuteQueryWithComponents(id)
			if err != nil {
				return nil, err
			}
			return EncodeQueryResults(results), nil
		})).
		Handle("execute_query_batch", queryAnd("ecs.query/execute_query_batch", func(id QueryID, r *encoding.Reader) ([]byte, error) {
			size := int(r.U32())
			if err := decodeFailure("ecs.query/execute_query_batch", r); err != nil {
				return nil, err
			}
			chunks, err := w.ExecuteQueryBatch(id, size)
			if err != nil {
				return nil, err
			}
			out := encoding.NewWriter(64).U32(uint32(len(chunks)))
			for _, chunk := range chunks {
				out.Bytes32(EncodeEntities(chunk))
			}
			return out.Bytes(), nil
		})).
		Handle("query_count", queryAnd("ecs.query/query_count", func(id QueryID, _ *encoding.Reader) ([]byte, error) {
			n, err := w.QueryCount(id)
			if err != nil {
				return nil, err
			}
			return u32Reply(n), nil
		})).
		Handle("query_first", queryAnd("ecs.query/query_first", func(id QueryID, _ *encoding.Reader) ([]byte, error) {
			e, err := w.QueryFirst(id)
			if err != nil {
				return nil, err
			}
			return EncodeEntity(e), nil
		})).
		Handle("query_has_results", queryAnd("ecs.query/query_has_results", func(id QueryID, _ *encoding.Reader) ([]byte, error) {
			ok, err := w.QueryHasResults(id)
			if err != nil {
				return nil, err
			}
			return boolReply(ok), nil
		})).
		Handle("update_query", queryAnd("ecs.query/update_query", func(id QueryID, r *encoding.Reader) ([]byte, error) {
			f := readFilter(r)
			if err := decodeFailure("ecs.query/update_query", r); err != nil {
				return nil, err
			}
			return nothing(w.UpdateQuery(id, f))
		})).
		Handle("delete_query", queryAnd("ecs.query/delete_query", func(id QueryID, _ *encoding.Reader) ([]byte, error) {
			return nothing(w.DeleteQuery(id))
		})).
		Handle("get_query", queryAnd("ecs.query/get_query", func(id QueryID, _ *encoding.Reader) ([]byte, error) {
			f, err := w.Query(id)
			if err != nil {
				return nil, err
			}
			return EncodeFilter(f), nil
		})).
		Handle("clone_query", queryAnd("ecs.query/clone_query", func(id QueryID, _ *encoding.Reader) ([]byte, error) {
			clone, err := w.CloneQuery(id)
			if err != nil {
				return nil, err
			}
			return u64Reply(uint64(clone)), nil
		}))
}

// EncodeQueryResults is a u32 count followed by (entity, components) pairs.
func EncodeQueryResults(results []QueryResult) []byte {
	w := encoding.NewWriter(128).U32(uint32(len(results)))
	for _, r := range results {
		writeEntity(w, r.Entity)
		writeComponents(w, r.Components)
	}
	return w.Bytes()
}

func DecodeQueryResults(payload []byte) ([]QueryResult, error) {
	r := encoding.NewReader(payload)
	n := r.U32()
	var out []QueryResult
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		out = append(out, QueryResult{Entity: readEntity(r), Components: readComponents(r)})
	}
	if err := decodeFailure("ecs.decode_query_results", r); err != nil {
		return nil, err
	}
	return out, nil
}

// systemAnd decodes a leading SystemID and hands the rest to fn.
func systemAnd(op string, fn func(id SystemID, r *encoding.Reader) ([]byte, error)) vtable.OpFunc {
	return func(_ context.Context, payload []byte) ([]byte, error) {
		r := encoding.NewReader(payload)
		id := SystemID(r.U64())
		if err := decodeFailure(op, r); err != nil {
			return nil, err
		}
		return fn(id, r)
	}
}

func (w *World) systemMux() *vtable.Mux {
	s := w.scheduler
	return vtable.NewMux(CapabilitySystem).
		Handle("register_system", func(_ context.Context, payload []byte) ([]byte, error) {
			desc, err := DecodeDescriptor(payload)
			if err != nil {
				return nil, err
			}
			id, err := s.Register(desc)
			if err != nil {
				return nil, err
			}
			return u64Reply(uint64(id)), nil
		}).
		Handle("unregister_system", systemAnd("ecs.system/unregister_system", func(id SystemID, _ *encoding.Reader) ([]byte, error) {
			info, err := s.Unregister(id)
			if err != nil {
				return nil, err
			}
			return EncodeSystemInfo(info), nil
		})).
		Handle("enable_system", systemAnd("ecs.system/enable_system", func(id SystemID, _ *encoding.Reader) ([]byte, error) {
			return nothing(s.Enable(id))
		})).
		Handle("disable_system", systemAnd("ecs.system/disable_system", func(id SystemID, _ *encoding.Reader) ([]byte, error) {
			return nothing(s.Disable(id))
		})).
		Handle("is_system_enabled", systemAnd("ecs.system/is_system_enabled", func(id SystemID, _ *encoding.Reader) ([]byte, error) {
			enabled, err := s.IsEnabled(id)
			if err != nil {
				return nil, err
			}
			return boolReply(enabled), nil
		})).
		Handle("get_system", systemAnd("ecs.system/get_system", func(id SystemID, _ *encoding.Reader) ([]byte, error) {
			info, err := s.System(id)
			if err != nil {
				return nil, err
			}
			return EncodeSystemInfo(info), nil
		})).
		Handle("get_all_systems", func(context.Context, []byte) ([]byte, error) {
			return EncodeSystemInfos(s.Systems()), nil
		}).
		Handle("update_system_dependencies", systemAnd("ecs.system/update_system_dependencies", func(id SystemID, r *encoding.Reader) ([]byte, error) {
			deps := readSystemIDs(r)
			if err := decodeFailure("ecs.system/update_system_dependencies", r); err != nil {
				return nil, err
			}
			return nothing(s.UpdateDependencies(id, deps))
		})).
		Handle("get_dependent_systems", systemAnd("ecs.system/get_dependent_systems", func(id SystemID, _ *encoding.Reader) ([]byte, error) {
			return EncodeSystemIDs(s.Dependents(id)), nil
		})).
		Handle("get_system_stats", systemAnd("ecs.system/get_system_stats", func(id SystemID, _ *encoding.Reader) ([]byte, error) {
			stats, err := s.Stats(id)
			if err != nil {
				return nil, err
			}
			return EncodeSystemStats(stats), nil
		})).
		Handle("clear_system_stats", func(context.Context, []byte) ([]byte, error) {
			s.ClearStats()
			return nil, nil
		}).
		Handle("run_systems", func(ctx context.Context, payload []byte) ([]byte, error) {
			r := encoding.NewReader(payload)
			dt := r.F64()
			if err := decodeFailure("ecs.system/run_systems", r); err != nil {
				return nil, err
			}
			report, err := s.Run(ctx, dt)
			out := encoding.NewWriter(12).
				U32(uint32(report.Executed)).
				U32(uint32(report.Skipped)).
				U32(uint32(report.Failed)).
				Bytes()
			if err == nil && len(report.Errors) > 0 {
				w.logger.Debug("Systems failed during run", log.Error(errors.Join(report.Errors...)))
			}
			return out, err
		})
}
