package ecs

import (
	"time"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/pkg/encoding"
)

// Payload codecs for the capability boundary. All integers are big-endian.

func decodeFailure(op string, r *encoding.Reader) error {
	if err := r.Err(); err != nil {
		return failure.Wrap(failure.KindDeserialization, op, err)
	}
	return nil
}

func writeEntity(w *encoding.Writer, e EntityID) *encoding.Writer {
	return w.U32(e.Index).U32(e.Generation)
}

func readEntity(r *encoding.Reader) EntityID {
	return EntityID{Index: r.U32(), Generation: r.U32()}
}

func EncodeEntity(e EntityID) []byte {
	return writeEntity(encoding.NewWriter(8), e).Bytes()
}

func DecodeEntity(payload []byte) (EntityID, error) {
	r := encoding.NewReader(payload)
	e := readEntity(r)
	return e, decodeFailure("ecs.decode_entity", r)
}

func EncodeEntities(entities []EntityID) []byte {
	w := encoding.NewWriter(4 + 8*len(entities)).U32(uint32(len(entities)))
	for _, e := range entities {
		writeEntity(w, e)
	}
	return w.Bytes()
}

func readEntities(r *encoding.Reader) []EntityID {
	n := r.U32()
	if !r.Fits(int(n), 8) {
		return nil
	}
	out := make([]EntityID, 0, n)
	for i := uint32(0); i < n; i++ {
		out = append(out, readEntity(r))
	}
	return out
}

func DecodeEntities(payload []byte) ([]EntityID, error) {
	r := encoding.NewReader(payload)
	out := readEntities(r)
	if err := decodeFailure("ecs.decode_entities", r); err != nil {
		return nil, err
	}
	return out, nil
}

func writeComponent(w *encoding.Writer, c Component) {
	w.U32(uint32(c.ID)).U32(c.SizeHint).Bytes32(c.Data)
}

func readComponent(r *encoding.Reader) Component {
	return Component{ID: ComponentID(r.U32()), SizeHint: r.U32(), Data: r.Bytes32()}
}

func EncodeComponent(c Component) []byte {
	w := encoding.NewWriter(12 + len(c.Data))
	writeComponent(w, c)
	return w.Bytes()
}

func DecodeComponent(payload []byte) (Component, error) {
	r := encoding.NewReader(payload)
	c := readComponent(r)
	return c, decodeFailure("ecs.decode_component", r)
}

func writeComponents(w *encoding.Writer, components []Component) {
	w.U32(uint32(len(components)))
	for _, c := range components {
		writeComponent(w, c)
	}
}

func readComponents(r *encoding.Reader) []Component {
	n := r.U32()
	if !r.Fits(int(n), 12) {
		return nil
	}
	out := make([]Component, 0, n)
	for i := uint32(0); i < n; i++ {
		out = append(out, readComponent(r))
	}
	return out
}

func EncodeComponents(components []Component) []byte {
	w := encoding.NewWriter(64)
	writeComponents(w, components)
	return w.Bytes()
}

func DecodeComponents(payload []byte) ([]Component, error) {
	r := encoding.NewReader(payload)
	out := readComponents(r)
	if err := decodeFailure("ecs.decode_components", r); err != nil {
		return nil, err
	}
	return out, nil
}

func writeComponentIDs(w *encoding.Writer, ids []ComponentID) {
	w.U16(uint16(len(ids)))
	for _, id := range ids {
		w.U32(uint32(id))
	}
}

func readComponentIDs(r *encoding.Reader) []ComponentID {
	n := r.U16()
	if !r.Fits(int(n), 4) {
		return nil
	}
	out := make([]ComponentID, 0, n)
	for i := uint16(0); i < n; i++ {
		out = append(out, ComponentID(r.U32()))
	}
	return out
}

func EncodeComponentIDs(ids []ComponentID) []byte {
	w := encoding.NewWriter(2 + 4*len(ids))
	writeComponentIDs(w, ids)
	return w.Bytes()
}

func DecodeComponentIDs(payload []byte) ([]ComponentID, error) {
	r := encoding.NewReader(payload)
	out := readComponentIDs(r)
	if err := decodeFailure("ecs.decode_component_ids", r); err != nil {
		return nil, err
	}
	return out, nil
}

func writeFilter(w *encoding.Writer, f Filter) {
	writeComponentIDs(w, f.Required)
	writeComponentIDs(w, f.Excluded)
	w.U32(uint32(f.Limit))
}

func readFilter(r *encoding.Reader) Filter {
	return Filter{
		Required: readComponentIDs(r),
		Excluded: readComponentIDs(r),
		Limit:    int(r.U32()),
	}
}

func EncodeFilter(f Filter) []byte {
	w := encoding.NewWriter(8 + 4*(len(f.Required)+len(f.Excluded)))
	writeFilter(w, f)
	return w.Bytes()
}

func DecodeFilter(payload []byte) (Filter, error) {
	r := encoding.NewReader(payload)
	f := readFilter(r)
	return f, decodeFailure("ecs.decode_filter", r)
}

// EncodeEvent is the payload handed to event handlers.
func EncodeEvent(ev Event) []byte {
	w := encoding.NewWriter(29 + len(ev.Data)).
		U32(uint32(ev.ID)).
		U8(uint8(ev.Priority))
	writeEntity(w, ev.Source.ID)
	var ts int64
	if !ev.Timestamp.IsZero() {
		ts = ev.Timestamp.UnixNano()
	}
	return w.U64(uint64(ts)).Bytes32(ev.Data).Bytes()
}

// DecodeEvent rebuilds an event. The source comes back as a detached
// reference; re-link it with World.RepairRef.
func DecodeEvent(payload []byte) (Event, error) {
	r := encoding.NewReader(payload)
	ev := Event{
		ID:       EventID(r.U32()),
		Priority: Priority(r.U8()),
		Source:   EntityRef{ID: readEntity(r)},
	}
	if ts := int64(r.U64()); ts != 0 {
		ev.Timestamp = time.Unix(0, ts)
	}
	ev.Data = r.Bytes32()
	if err := decodeFailure("ecs.decode_event", r); err != nil {
		return Event{}, err
	}
	if !ev.Priority.valid() {
		return Event{}, failure.Newf(failure.KindDeserialization, "ecs.decode_event", "priority %d", ev.Priority)
	}
	return ev, nil
}

func writeHandler(w *encoding.Writer, h HandlerRef) {
	w.String16(h.Capability).String16(h.Op)
}

func readHandler(r *encoding.Reader) HandlerRef {
	return HandlerRef{Capability: r.String16(), Op: r.String16()}
}

func writeSubscription(w *encoding.Writer, s Subscription) {
	w.U64(uint64(s.ID)).U32(uint32(s.EventID)).U8(uint8(s.Phase))
	writeHandler(w, s.Handler)
}

func readSubscription(r *encoding.Reader) Subscription {
	return Subscription{
		ID:      SubscriptionID(r.U64()),
		EventID: EventID(r.U32()),
		Phase:   Phase(r.U8()),
		Handler: readHandler(r),
	}
}

func EncodeSubscriptions(subs []Subscription) []byte {
	w := encoding.NewWriter(64).U32(uint32(len(subs)))
	for _, s := range subs {
		writeSubscription(w, s)
	}
	return w.Bytes()
}

func DecodeSubscriptions(payload []byte) ([]Subscription, error) {
	r := encoding.NewReader(payload)
	n := r.U32()
	var out []Subscription
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		out = append(out, readSubscription(r))
	}
	if err := decodeFailure("ecs.decode_subscriptions", r); err != nil {
		return nil, err
	}
	return out, nil
}

func EncodeDescriptor(d SystemDescriptor) []byte {
	w := encoding.NewWriter(64).String16(d.Name).U8(uint8(d.Stage))
	writeSystemIDs(w, d.Dependencies)
	writeComponentIDs(w, d.Pools)
	writeHandler(w, d.Update)
	return w.U32(uint32(d.MaxRetries)).Bool(d.StartDisabled).Bytes()
}

func DecodeDescriptor(payload []byte) (SystemDescriptor, error) {
	r := encoding.NewReader(payload)
	d := SystemDescriptor{
		Name:         r.String16(),
		Stage:        Stage(r.U8()),
		Dependencies: readSystemIDs(r),
		Pools:        readComponentIDs(r),
		Update:       readHandler(r),
		MaxRetries:   int(r.U32()),
	}
	d.StartDisabled = r.Bool()
	return d, decodeFailure("ecs.decode_descriptor", r)
}

func writeSystemIDs(w *encoding.Writer, ids []SystemID) {
	w.U16(uint16(len(ids)))
	for _, id := range ids {
		w.U64(uint64(id))
	}
}

func readSystemIDs(r *encoding.Reader) []SystemID {
	n := r.U16()
	if !r.Fits(int(n), 8) {
		return nil
	}
	out := make([]SystemID, 0, n)
	for i := uint16(0); i < n; i++ {
		out = append(out, SystemID(r.U64()))
	}
	return out
}

func EncodeSystemIDs(ids []SystemID) []byte {
	w := encoding.NewWriter(2 + 8*len(ids))
	writeSystemIDs(w, ids)
	return w.Bytes()
}

func DecodeSystemIDs(payload []byte) ([]SystemID, error) {
	r := encoding.NewReader(payload)
	out := readSystemIDs(r)
	if err := decodeFailure("ecs.decode_system_ids", r); err != nil {
		return nil, err
	}
	return out, nil
}

func writeSystemInfo(w *encoding.Writer, info SystemInfo) {
	w.U64(uint64(info.ID)).String16(info.Name).U8(uint8(info.Stage))
	writeSystemIDs(w, info.Dependencies)
	writeComponentIDs(w, info.Pools)
	writeHandler(w, info.Update)
	w.U8(uint8(info.State)).U32(uint32(info.Failures)).String16(info.LastError)
}

func readSystemInfo(r *encoding.Reader) SystemInfo {
	return SystemInfo{
		ID:           SystemID(r.U64()),
		Name:         r.String16(),
		Stage:        Stage(r.U8()),
		Dependencies: readSystemIDs(r),
		Pools:        readComponentIDs(r),
		Update:       readHandler(r),
		State:        SystemState(r.U8()),
		Failures:     int(r.U32()),
		LastError:    r.String16(),
	}
}

func EncodeSystemInfo(info SystemInfo) []byte {
	w := encoding.NewWriter(64)
	writeSystemInfo(w, info)
	return w.Bytes()
}

func DecodeSystemInfo(payload []byte) (SystemInfo, error) {
	r := encoding.NewReader(payload)
	info := readSystemInfo(r)
	return info, decodeFailure("ecs.decode_system_info", r)
}

func EncodeSystemInfos(infos []SystemInfo) []byte {
	w := encoding.NewWriter(128).U32(uint32(len(infos)))
	for _, info := range infos {
		writeSystemInfo(w, info)
	}
	return w.Bytes()
}

func DecodeSystemInfos(payload []byte) ([]SystemInfo, error) {
	r := encoding.NewReader(payload)
	n := r.U32()
	var out []SystemInfo
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		out = append(out, readSystemInfo(r))
	}
	if err := decodeFailure("ecs.decode_system_infos", r); err != nil {
		return nil, err
	}
	return out, nil
}

func EncodeSystemStats(s SystemStats) []byte {
	return encoding.NewWriter(64).
		String16(s.Name).
		U64(uint64(s.ExecutionCount)).
		U64(uint64(s.FailureCount)).
		U64(uint64(s.MinDuration)).
		U64(uint64(s.MaxDuration)).
		U64(uint64(s.AvgDuration)).
		U64(uint64(s.LastDuration)).
		U64(uint64(s.TotalDuration)).
		Bytes()
}

func DecodeSystemStats(payload []byte) (SystemStats, error) {
	r := encoding.NewReader(payload)
	s := SystemStats{
		Name:           r.String16(),
		ExecutionCount: int64(r.U64()),
		FailureCount:   int64(r.U64()),
		MinDuration:    time.Duration(r.U64()),
		MaxDuration:    time.Duration(r.U64()),
		AvgDuration:    time.Duration(r.U64()),
		LastDuration:   time.Duration(r.U64()),
		TotalDuration:  time.Duration(r.U64()),
	}
	return s, decodeFailure("ecs.decode_system_stats", r)
}

func EncodeWorldStats(s WorldStats) []byte {
	return encoding.NewWriter(80).
		U64(s.Entities).
		U64(s.ComponentTypes).
		U64(s.Components).
		U64(s.Queries).
		U64(s.Subscriptions).
		U64(s.QueuedEvents).
		U64(s.Systems).
		U64(s.Resources).
		U64(s.Frames).
		U64(s.Version).
		Bytes()
}

func DecodeWorldStats(payload []byte) (WorldStats, error) {
	r := encoding.NewReader(payload)
	s := WorldStats{
		Entities:       r.U64(),
		ComponentTypes: r.U64(),
		Components:     r.U64(),
		Queries:        r.U64(),
		Subscriptions:  r.U64(),
		QueuedEvents:   r.U64(),
		Systems:        r.U64(),
		Resources:      r.U64(),
		Frames:         r.U64(),
		Version:        r.U64(),
	}
	return s, decodeFailure("ecs.decode_world_stats", r)
}

func EncodeDrainReport(d DrainReport) []byte {
	return encoding.NewWriter(12).
		U32(uint32(d.Dispatched)).
		U32(uint32(d.Cancelled)).
		U32(uint32(d.HandlerErrors)).
		Bytes()
}

func DecodeDrainReport(payload []byte) (DrainReport, error) {
	r := encoding.NewReader(payload)
	d := DrainReport{Dispatched: int(r.U32()), Cancelled: int(r.U32()), HandlerErrors: int(r.U32())}
	return d, decodeFailure("ecs.decode_drain_report", r)
}

func EncodeStepReport(s StepReport) []byte {
	w := encoding.NewWriter(28).Raw(EncodeDrainReport(s.Events))
	return w.U32(uint32(s.Frame.Executed)).U32(uint32(s.Frame.Skipped)).U32(uint32(s.Frame.Failed)).Bytes()
}

func DecodeStepReport(payload []byte) (StepReport, error) {
	r := encoding.NewReader(payload)
	var s StepReport
	s.Events = DrainReport{Dispatched: int(r.U32()), Cancelled: int(r.U32()), HandlerErrors: int(r.U32())}
	s.Frame = FrameReport{Executed: int(r.U32()), Skipped: int(r.U32()), Failed: int(r.U32())}
	return s, decodeFailure("ecs.decode_step_report", r)
}

// EncodeStrings is a u16 count followed by String16 entries.
func EncodeStrings(values []string) []byte {
	w := encoding.NewWriter(32).U16(uint16(len(values)))
	for _, v := range values {
		w.String16(v)
	}
	return w.Bytes()
}

func DecodeStrings(payload []byte) ([]string, error) {
	r := encoding.NewReader(payload)
	n := r.U16()
	var out []string
	for i := uint16(0); i < n && r.Err() == nil; i++ {
		out = append(out, r.String16())
	}
	if err := decodeFailure("ecs.decode_strings", r); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeResources is a u32 count followed by (String16 name, Bytes32 data).
func EncodeResources(names []string, values [][]byte) []byte {
	w := encoding.NewWriter(64).U32(uint32(len(names)))
	for i, name := range names {
		w.String16(name).Bytes32(values[i])
	}
	return w.Bytes()
}

func DecodeResources(payload []byte) (map[string][]byte, error) {
	r := encoding.NewReader(payload)
	n := r.U32()
	out := make(map[string][]byte)
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		name := r.String16()
		out[name] = r.Bytes32()
	}
	if err := decodeFailure("ecs.decode_resources", r); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeVerdict is the reply a Pre handler sends.
func EncodeVerdict(v Verdict) []byte {
	return []byte{byte(v)}
}
