package view

import (
	"context"

	"github.com/google/uuid"

	"github.com/zeusync/ecsnet/internal/core/ecs"
	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/pkg/encoding"
)

// HandlerOp is the operation name of capabilities created by SubscribeFunc.
const HandlerOp = "handle"

func (v *View) Emit(ctx context.Context, ev ecs.Event) error {
	_, err := v.call(ctx, ecs.CapabilityEvent, "emit", ecs.EncodeEvent(ev))
	return err
}

func (v *View) EmitWithPriority(ctx context.Context, ev ecs.Event, p ecs.Priority) error {
	payload := encoding.NewWriter(1 + 32 + len(ev.Data)).U8(uint8(p)).Raw(ecs.EncodeEvent(ev)).Bytes()
	_, err := v.call(ctx, ecs.CapabilityEvent, "emit_with_priority", payload)
	return err
}

func (v *View) EmitBatch(ctx context.Context, events []ecs.Event) error {
	w := encoding.NewWriter(64).U32(uint32(len(events)))
	for _, ev := range events {
		w.Bytes32(ecs.EncodeEvent(ev))
	}
	_, err := v.call(ctx, ecs.CapabilityEvent, "emit_batch", w.Bytes())
	return err
}

// Subscribe registers an existing capability operation as a handler.
func (v *View) Subscribe(ctx context.Context, id ecs.EventID, phase ecs.Phase, handler ecs.HandlerRef) (ecs.SubscriptionID, error) {
	op := "subscribe_post"
	if phase == ecs.PhasePre {
		op = "subscribe_pre"
	}
	payload := encoding.NewWriter(32).
		U32(uint32(id)).
		String16(handler.Capability).
		String16(handler.Op).
		Bytes()
	reply, err := v.call(ctx, ecs.CapabilityEvent, op, payload)
	if err != nil {
		return 0, err
	}
	sub, err := decodeU64("view."+op, reply)
	return ecs.SubscriptionID(sub), err
}

// EventHandler answers one event. Post-phase verdicts are ignored.
type EventHandler func(ctx context.Context, ev ecs.Event) ecs.Verdict

// SubscribeFunc binds fn under a fresh handler.<uuid> capability served until
// ctx is done, then subscribes it. The returned cancel unsubscribes and
// releases the capability.
func (v *View) SubscribeFunc(ctx context.Context, id ecs.EventID, phase ecs.Phase, fn EventHandler) (ecs.SubscriptionID, func(), error) {
	capability := "handler." + uuid.NewString()
	endpoint := v.table.Bind(ctx, capability, func(ctx context.Context, op string, payload []byte) ([]byte, error) {
		if op != HandlerOp {
			return nil, failure.Newf(failure.KindNotImplemented, capability, "operation %q", op)
		}
		ev, err := ecs.DecodeEvent(payload)
		if err != nil {
			return nil, err
		}
		return ecs.EncodeVerdict(fn(ctx, ev)), nil
	})

	release := func() {
		v.table.Unregister(capability)
		endpoint.Close()
	}

	sub, err := v.Subscribe(ctx, id, phase, ecs.HandlerRef{Capability: capability, Op: HandlerOp})
	if err != nil {
		release()
		return 0, nil, err
	}
	return sub, func() {
		_ = v.Unsubscribe(context.WithoutCancel(ctx), sub)
		release()
	}, nil
}

func (v *View) Unsubscribe(ctx context.Context, id ecs.SubscriptionID) error {
	_, err := v.call(ctx, ecs.CapabilityEvent, "unsubscribe", u64(uint64(id)))
	return err
}

func (v *View) UnsubscribeAll(ctx context.Context, id ecs.EventID) (int, error) {
	reply, err := v.call(ctx, ecs.CapabilityEvent, "unsubscribe_all", u32(uint32(id)))
	if err != nil {
		return 0, err
	}
	return decodeU32("view.unsubscribe_all", reply)
}

// ProcessEventQueue drains the queue. A vetoed event yields a Cancelled error
// alongside the report.
func (v *View) ProcessEventQueue(ctx context.Context) (ecs.DrainReport, error) {
	return v.drain(ctx, "process_event_queue")
}

func (v *View) ProcessHighPriorityEvents(ctx context.Context) (ecs.DrainReport, error) {
	return v.drain(ctx, "process_high_priority_events")
}

func (v *View) drain(ctx context.Context, op string) (ecs.DrainReport, error) {
	reply, err := v.call(ctx, ecs.CapabilityEvent, op, nil)
	report, decodeErr := ecs.DecodeDrainReport(reply)
	if err != nil {
		return report, err
	}
	return report, decodeErr
}

func (v *View) ClearEventQueue(ctx context.Context) (int, error) {
	reply, err := v.call(ctx, ecs.CapabilityEvent, "clear_event_queue", nil)
	if err != nil {
		return 0, err
	}
	return decodeU32("view.clear_event_queue", reply)
}

func (v *View) EventQueueSize(ctx context.Context) (int, error) {
	reply, err := v.call(ctx, ecs.CapabilityEvent, "get_event_queue_size", nil)
	if err != nil {
		return 0, err
	}
	return decodeU32("view.get_event_queue_size", reply)
}

func (v *View) HasSubscribers(ctx context.Context, id ecs.EventID) (bool, error) {
	reply, err := v.call(ctx, ecs.CapabilityEvent, "has_subscribers", u32(uint32(id)))
	if err != nil {
		return false, err
	}
	return decodeBool("view.has_subscribers", reply)
}

func (v *View) Subscriptions(ctx context.Context, id ecs.EventID) ([]ecs.Subscription, error) {
	reply, err := v.call(ctx, ecs.CapabilityEvent, "get_subscriptions", u32(uint32(id)))
	if err != nil {
		return nil, err
	}
	return ecs.DecodeSubscriptions(reply)
}
