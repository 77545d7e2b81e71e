package ecs

import (
	"weak"

	"github.com/zeusync/ecsnet/internal/core/failure"
)

// EntityRef is a weak handle to an entity in a specific world. It never keeps
// the world alive; Upgrade fails once the world is gone or the entity died.
type EntityRef struct {
	ID    EntityID
	world weak.Pointer[World]
}

// Ref returns a weak reference to e in w.
func (w *World) Ref(e EntityID) EntityRef {
	return EntityRef{ID: e, world: weak.Make(w)}
}

// World returns the referenced world, or nil if it has been collected or shut
// down.
func (r EntityRef) World() *World {
	w := r.world.Value()
	if w == nil || w.IsShutdown() {
		return nil
	}
	return w
}

// Upgrade resolves the reference to a live entity.
func (r EntityRef) Upgrade() (*World, EntityID, error) {
	const op = "ecs.entity_ref/upgrade"
	if r.ID.IsNull() {
		return nil, NullEntity, failure.New(failure.KindNotFound, op, "null entity")
	}
	w := r.World()
	if w == nil {
		return nil, NullEntity, failure.New(failure.KindExpiredEntity, op, "world is gone")
	}
	if err := w.checkAlive(r.ID, op); err != nil {
		return nil, NullEntity, err
	}
	return w, r.ID, nil
}

func (r EntityRef) Valid() bool {
	_, _, err := r.Upgrade()
	return err == nil
}

// Repair re-links r to its world, or to the process world when decoding
// dropped the link, provided the exact entity it names is still alive. A
// reference to a dead entity comes back unchanged and stays invalid; it is
// never moved onto a newer entity at the same index.
func (r EntityRef) Repair() (EntityRef, error) {
	const op = "ecs.entity_ref/repair"
	if r.ID.IsNull() {
		return r, failure.New(failure.KindNotFound, op, "null entity")
	}
	w := r.World()
	if w == nil {
		current, err := CurrentWorld()
		if err != nil {
			return r, failure.Wrap(failure.KindExpiredEntity, op, err)
		}
		w = current
	}
	repaired, ok := w.RepairRef(r)
	if !ok {
		return r, failure.Newf(failure.KindExpiredEntity, op, "%s is not alive", r.ID)
	}
	return repaired, nil
}

// SubscriptionRef is a weak handle to an event subscription.
type SubscriptionRef struct {
	ID    SubscriptionID
	world weak.Pointer[World]
}

func (w *World) SubscriptionRef(id SubscriptionID) SubscriptionRef {
	return SubscriptionRef{ID: id, world: weak.Make(w)}
}

func (r SubscriptionRef) Upgrade() (Subscription, error) {
	const op = "ecs.subscription_ref/upgrade"
	w := r.world.Value()
	if w == nil || w.IsShutdown() {
		return Subscription{}, failure.New(failure.KindExpiredEntity, op, "world is gone")
	}
	sub, ok := w.events.Subscription(r.ID)
	if !ok {
		return Subscription{}, failure.Newf(failure.KindNotFound, op, "subscription %d", r.ID)
	}
	return sub, nil
}

func (r SubscriptionRef) Valid() bool {
	_, err := r.Upgrade()
	return err == nil
}

// Cancel unsubscribes the referenced handler if the world is still around.
func (r SubscriptionRef) Cancel() error {
	w := r.world.Value()
	if w == nil {
		return failure.New(failure.KindExpiredEntity, "ecs.subscription_ref/cancel", "world is gone")
	}
	return w.events.Unsubscribe(r.ID)
}
