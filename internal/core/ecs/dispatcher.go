package ecs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
)

// HandlerInvoker delivers one event to one subscriber.
type HandlerInvoker interface {
	InvokeHandler(ctx context.Context, sub Subscription, ev Event) (Verdict, error)
}

type InvokerFunc func(ctx context.Context, sub Subscription, ev Event) (Verdict, error)

func (f InvokerFunc) InvokeHandler(ctx context.Context, sub Subscription, ev Event) (Verdict, error) {
	return f(ctx, sub, ev)
}

type queuedEvent struct {
	event Event
	// watermark is the last subscription ID issued when the event was queued;
	// later subscribers do not see it.
	watermark SubscriptionID
}

// DrainReport summarizes one pass over the queue.
type DrainReport struct {
	Dispatched    int
	Cancelled     int
	HandlerErrors int
}

func (r *DrainReport) add(o DrainReport) {
	r.Dispatched += o.Dispatched
	r.Cancelled += o.Cancelled
	r.HandlerErrors += o.HandlerErrors
}

// Dispatcher owns the subscription tables and the event queue.
type Dispatcher struct {
	mu            sync.Mutex
	pre           map[EventID][]SubscriptionID
	post          map[EventID][]SubscriptionID
	subscriptions map[SubscriptionID]Subscription
	queue         []queuedEvent
	ids           sequence
	invoker       HandlerInvoker
	logger        log.Log
}

func NewDispatcher(invoker HandlerInvoker, logger log.Log) *Dispatcher {
	if logger == nil {
		logger = log.Provide()
	}
	return &Dispatcher{
		pre:           make(map[EventID][]SubscriptionID),
		post:          make(map[EventID][]SubscriptionID),
		subscriptions: make(map[SubscriptionID]Subscription),
		invoker:       invoker,
		logger:        logger.With(log.String("component", "dispatcher")),
	}
}

func (d *Dispatcher) Emit(ev Event) error {
	if !ev.Priority.valid() {
		return failure.Newf(failure.KindInvalidInput, "ecs.event/emit", "priority %d", ev.Priority)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	d.mu.Lock()
	d.queue = append(d.queue, queuedEvent{event: ev, watermark: SubscriptionID(d.ids.current())})
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) EmitBatch(events []Event) error {
	for _, ev := range events {
		if !ev.Priority.valid() {
			return failure.Newf(failure.KindInvalidInput, "ecs.event/emit_batch", "priority %d", ev.Priority)
		}
	}
	for _, ev := range events {
		_ = d.Emit(ev)
	}
	return nil
}

func (d *Dispatcher) Subscribe(eventID EventID, phase Phase, handler HandlerRef) (SubscriptionID, error) {
	if handler.Capability == "" {
		return 0, failure.New(failure.KindInvalidInput, "ecs.event/subscribe", "empty handler capability")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	id := SubscriptionID(d.ids.next())
	d.subscriptions[id] = Subscription{ID: id, EventID: eventID, Phase: phase, Handler: handler}
	if phase == PhasePre {
		d.pre[eventID] = append(d.pre[eventID], id)
	} else {
		d.post[eventID] = append(d.post[eventID], id)
	}
	return id, nil
}

func (d *Dispatcher) Unsubscribe(id SubscriptionID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sub, ok := d.subscriptions[id]
	if !ok {
		return failure.Newf(failure.KindNotFound, "ecs.event/unsubscribe", "subscription %d", id)
	}
	delete(d.subscriptions, id)

	table := d.post
	if sub.Phase == PhasePre {
		table = d.pre
	}
	ids := table[sub.EventID]
	for i, other := range ids {
		if other == id {
			table[sub.EventID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(table[sub.EventID]) == 0 {
		delete(table, sub.EventID)
	}
	return nil
}

// UnsubscribeAll removes every handler of eventID in both phases.
func (d *Dispatcher) UnsubscribeAll(eventID EventID) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for _, table := range []map[EventID][]SubscriptionID{d.pre, d.post} {
		for _, id := range table[eventID] {
			delete(d.subscriptions, id)
			removed++
		}
		delete(table, eventID)
	}
	return removed
}

func (d *Dispatcher) HasSubscribers(eventID EventID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pre[eventID])+len(d.post[eventID]) > 0
}

// Subscriptions lists the subscribers of eventID, pre phase first, each in
// registration order.
func (d *Dispatcher) Subscriptions(eventID EventID) []Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Subscription
	for _, id := range d.pre[eventID] {
		out = append(out, d.subscriptions[id])
	}
	for _, id := range d.post[eventID] {
		out = append(out, d.subscriptions[id])
	}
	return out
}

func (d *Dispatcher) Subscription(id SubscriptionID) (Subscription, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subscriptions[id]
	return sub, ok
}

func (d *Dispatcher) SubscriptionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subscriptions)
}

func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// PendingEvents returns a copy of the queue in emission order.
func (d *Dispatcher) PendingEvents() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Event, len(d.queue))
	for i, q := range d.queue {
		out[i] = q.event
	}
	return out
}

// ClearQueue drops every queued event and returns how many were dropped.
func (d *Dispatcher) ClearQueue() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.queue)
	d.queue = nil
	return n
}

// ProcessQueue drains the queue once. Events emitted by handlers during the
// drain wait for the next drain. If any event was vetoed the returned error
// is Cancelled; the report still counts every event.
func (d *Dispatcher) ProcessQueue(ctx context.Context) (DrainReport, error) {
	return d.drain(ctx, func(Priority) bool { return true })
}

// ProcessHighPriority drains only events at High priority or above; the rest
// stay queued in their original order.
func (d *Dispatcher) ProcessHighPriority(ctx context.Context) (DrainReport, error) {
	return d.drain(ctx, func(p Priority) bool { return p >= PriorityHigh })
}

func (d *Dispatcher) drain(ctx context.Context, selected func(Priority) bool) (DrainReport, error) {
	d.mu.Lock()
	var batch, kept []queuedEvent
	for _, q := range d.queue {
		if selected(q.event.Priority) {
			batch = append(batch, q)
		} else {
			kept = append(kept, q)
		}
	}
	d.queue = kept
	d.mu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].event.Priority > batch[j].event.Priority
	})

	var report DrainReport
	for i, q := range batch {
		if err := ctx.Err(); err != nil {
			d.requeue(batch[i:])
			return report, failure.Wrap(failure.KindCancelled, "ecs.event/process_event_queue", err)
		}
		report.add(d.dispatch(ctx, q.event, q.watermark))
	}

	if report.Cancelled > 0 {
		return report, failure.Newf(failure.KindCancelled, "ecs.event/process_event_queue", "%d event(s) vetoed", report.Cancelled)
	}
	return report, nil
}

func (d *Dispatcher) requeue(rest []queuedEvent) {
	d.mu.Lock()
	d.queue = append(append([]queuedEvent(nil), rest...), d.queue...)
	d.mu.Unlock()
}

// Dispatch delivers ev immediately. A Pre veto is reported as Cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	report := d.dispatch(ctx, ev, SubscriptionID(d.ids.current()))
	if report.Cancelled > 0 {
		return failure.Newf(failure.KindCancelled, "ecs.event/dispatch", "event %d vetoed", ev.ID)
	}
	return nil
}

// CheckPre runs only the Pre phase of ev. It is the guard used before
// lifecycle mutations; no subscribers means no work.
func (d *Dispatcher) CheckPre(ctx context.Context, ev Event) error {
	subs := d.snapshot(d.pre, ev.ID, SubscriptionID(d.ids.current()))
	if len(subs) == 0 {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	var report DrainReport
	if d.runPre(ctx, subs, ev, &report) {
		return failure.Newf(failure.KindCancelled, "ecs.event/pre", "event %d vetoed", ev.ID)
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event, watermark SubscriptionID) DrainReport {
	report := DrainReport{Dispatched: 1}

	pre := d.snapshot(d.pre, ev.ID, watermark)
	if d.runPre(ctx, pre, ev, &report) {
		report.Cancelled = 1
		return report
	}

	for _, sub := range d.snapshot(d.post, ev.ID, watermark) {
		if _, err := d.invoker.InvokeHandler(ctx, sub, ev); err != nil {
			report.HandlerErrors++
			d.logHandlerError(sub, err)
		}
	}
	return report
}

// runPre reports whether a handler vetoed the event.
func (d *Dispatcher) runPre(ctx context.Context, subs []Subscription, ev Event, report *DrainReport) bool {
	for _, sub := range subs {
		verdict, err := d.invoker.InvokeHandler(ctx, sub, ev)
		if err != nil {
			report.HandlerErrors++
			d.logHandlerError(sub, err)
			continue
		}
		if verdict == Cancel {
			d.logger.Debug("Event vetoed",
				log.Uint32("event_id", uint32(ev.ID)),
				log.Uint64("subscription_id", uint64(sub.ID)))
			return true
		}
	}
	return false
}

func (d *Dispatcher) snapshot(table map[EventID][]SubscriptionID, eventID EventID, watermark SubscriptionID) []Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := table[eventID]
	out := make([]Subscription, 0, len(ids))
	for _, id := range ids {
		if id > watermark {
			continue
		}
		if sub, ok := d.subscriptions[id]; ok {
			out = append(out, sub)
		}
	}
	return out
}

func (d *Dispatcher) logHandlerError(sub Subscription, err error) {
	d.logger.Warn("Event handler failed",
		log.Uint32("event_id", uint32(sub.EventID)),
		log.Uint64("subscription_id", uint64(sub.ID)),
		log.String("handler", sub.Handler.Capability+"/"+sub.Handler.Op),
		log.Error(err))
}

// reset drops every subscription and queued event.
func (d *Dispatcher) reset() {
	d.mu.Lock()
	d.pre = make(map[EventID][]SubscriptionID)
	d.post = make(map[EventID][]SubscriptionID)
	d.subscriptions = make(map[SubscriptionID]Subscription)
	d.queue = nil
	d.mu.Unlock()
}
