package ecs

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/pkg/concurrent"
)

// Stage is a fixed phase of a frame. Stages run in declaration order.
type Stage uint8

const (
	StagePreUpdate Stage = iota
	StageUpdate
	StagePostUpdate
	StageLayout
	StageRender
)

var stages = []Stage{StagePreUpdate, StageUpdate, StagePostUpdate, StageLayout, StageRender}

func (s Stage) String() string {
	switch s {
	case StagePreUpdate:
		return "pre_update"
	case StageUpdate:
		return "update"
	case StagePostUpdate:
		return "post_update"
	case StageLayout:
		return "layout"
	case StageRender:
		return "render"
	default:
		return "unknown"
	}
}

func (s Stage) valid() bool { return s <= StageRender }

type SystemState uint8

const (
	SystemRegistered SystemState = iota
	SystemEnabled
	SystemDisabled
	SystemFailed
	SystemUnregistered
)

func (s SystemState) String() string {
	switch s {
	case SystemRegistered:
		return "registered"
	case SystemEnabled:
		return "enabled"
	case SystemDisabled:
		return "disabled"
	case SystemFailed:
		return "failed"
	case SystemUnregistered:
		return "unregistered"
	default:
		return "unknown"
	}
}

// SystemDescriptor describes a system to register. Update names the
// capability operation that receives the frame's delta time.
type SystemDescriptor struct {
	Name         string
	Stage        Stage
	Dependencies []SystemID
	Pools        []ComponentID
	Update       HandlerRef
	// MaxRetries overrides the scheduler default when positive.
	MaxRetries    int
	StartDisabled bool
}

// SystemInfo is a read-only view of a system record.
type SystemInfo struct {
	ID           SystemID
	Name         string
	Stage        Stage
	Dependencies []SystemID
	Pools        []ComponentID
	Update       HandlerRef
	State        SystemState
	Failures     int
	LastError    string
}

// SystemStats holds execution timings of one system.
type SystemStats struct {
	Name           string
	ExecutionCount int64
	FailureCount   int64
	MinDuration    time.Duration
	MaxDuration    time.Duration
	AvgDuration    time.Duration
	LastDuration   time.Duration
	TotalDuration  time.Duration
}

type systemRecord struct {
	info       SystemInfo
	maxRetries int

	executions    int64
	failures      int64
	minDuration   time.Duration
	maxDuration   time.Duration
	lastDuration  time.Duration
	totalDuration time.Duration
}

func (r *systemRecord) runnable() bool {
	return r.info.State == SystemEnabled || r.info.State == SystemRegistered
}

func (r *systemRecord) stats() SystemStats {
	s := SystemStats{
		Name:           r.info.Name,
		ExecutionCount: r.executions,
		FailureCount:   r.failures,
		MaxDuration:    r.maxDuration,
		LastDuration:   r.lastDuration,
		TotalDuration:  r.totalDuration,
	}
	if r.executions > 0 {
		s.MinDuration = r.minDuration
		s.AvgDuration = r.totalDuration / time.Duration(r.executions)
	}
	return s
}

func (r *systemRecord) clearStats() {
	r.executions, r.failures = 0, 0
	r.minDuration = time.Duration(math.MaxInt64)
	r.maxDuration, r.lastDuration, r.totalDuration = 0, 0, 0
}

// Updater delivers one frame's delta time to a system.
type Updater interface {
	UpdateSystem(ctx context.Context, system SystemInfo, dt float64) error
}

type UpdaterFunc func(ctx context.Context, system SystemInfo, dt float64) error

func (f UpdaterFunc) UpdateSystem(ctx context.Context, system SystemInfo, dt float64) error {
	return f(ctx, system, dt)
}

type schedulerHooks struct {
	// before may veto a run by returning an error.
	before func(ctx context.Context, system SystemInfo) error
	after  func(system SystemInfo, err error)
}

// FrameReport summarizes one scheduler run.
type FrameReport struct {
	Executed int
	Skipped  int
	Failed   int
	// Errors holds one entry per failed update, in completion order.
	Errors []error
}

// Scheduler runs registered systems stage by stage. Within a stage it follows
// dependency edges and runs independent systems with disjoint pool sets
// concurrently.
type Scheduler struct {
	mu         sync.Mutex
	systems    map[SystemID]*systemRecord
	names      map[string]SystemID
	ids        sequence
	updater    Updater
	maxRetries int
	hooks      schedulerHooks
	logger     log.Log
}

func NewScheduler(updater Updater, maxRetries int, logger log.Log) *Scheduler {
	if logger == nil {
		logger = log.Provide()
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Scheduler{
		systems:    make(map[SystemID]*systemRecord),
		names:      make(map[string]SystemID),
		updater:    updater,
		maxRetries: maxRetries,
		logger:     logger.With(log.String("component", "scheduler")),
	}
}

func (s *Scheduler) Register(desc SystemDescriptor) (SystemID, error) {
	const op = "ecs.system/register_system"
	switch {
	case desc.Name == "":
		return 0, failure.New(failure.KindInvalidInput, op, "empty system name")
	case desc.Update.Capability == "":
		return 0, failure.New(failure.KindInvalidInput, op, "empty update capability")
	case !desc.Stage.valid():
		return 0, failure.Newf(failure.KindInvalidInput, op, "stage %d", desc.Stage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.names[desc.Name]; taken {
		return 0, failure.Newf(failure.KindAlreadyExists, op, "system %q", desc.Name)
	}
	for _, dep := range desc.Dependencies {
		if _, ok := s.systems[dep]; !ok {
			return 0, failure.Newf(failure.KindNotFound, op, "dependency %d", dep)
		}
	}

	retries := desc.MaxRetries
	if retries <= 0 {
		retries = s.maxRetries
	}
	state := SystemEnabled
	if desc.StartDisabled {
		state = SystemDisabled
	}
	id := SystemID(s.ids.next())
	rec := &systemRecord{
		info: SystemInfo{
			ID:           id,
			Name:         desc.Name,
			Stage:        desc.Stage,
			Dependencies: append([]SystemID(nil), desc.Dependencies...),
			Pools:        append([]ComponentID(nil), desc.Pools...),
			Update:       desc.Update,
			State:        state,
		},
		maxRetries: retries,
	}
	rec.clearStats()
	s.systems[id] = rec
	s.names[desc.Name] = id

	s.logger.Debug("System registered",
		log.Uint64("system_id", uint64(id)),
		log.String("name", desc.Name),
		log.String("stage", desc.Stage.String()))
	return id, nil
}

// Unregister removes a system. Systems that still depend on it keep it
// registered.
func (s *Scheduler) Unregister(id SystemID) (SystemInfo, error) {
	const op = "ecs.system/unregister_system"
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.systems[id]
	if !ok {
		return SystemInfo{}, failure.Newf(failure.KindNotFound, op, "system %d", id)
	}
	if dependents := s.dependentsLocked(id); len(dependents) > 0 {
		return SystemInfo{}, failure.Newf(failure.KindInvalidState, op, "system %d is required by %v", id, dependents)
	}
	delete(s.systems, id)
	delete(s.names, rec.info.Name)
	rec.info.State = SystemUnregistered
	return rec.info, nil
}

// Enable also revives a failed system and resets its retry counter.
func (s *Scheduler) Enable(id SystemID) error {
	return s.transition(id, "ecs.system/enable_system", func(rec *systemRecord) {
		rec.info.State = SystemEnabled
		rec.info.Failures = 0
		rec.info.LastError = ""
	})
}

func (s *Scheduler) Disable(id SystemID) error {
	return s.transition(id, "ecs.system/disable_system", func(rec *systemRecord) {
		rec.info.State = SystemDisabled
	})
}

func (s *Scheduler) transition(id SystemID, op string, fn func(*systemRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.systems[id]
	if !ok {
		return failure.Newf(failure.KindNotFound, op, "system %d", id)
	}
	fn(rec)
	return nil
}

func (s *Scheduler) IsEnabled(id SystemID) (bool, error) {
	info, err := s.System(id)
	if err != nil {
		return false, err
	}
	return info.State == SystemEnabled, nil
}

func (s *Scheduler) System(id SystemID) (SystemInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.systems[id]
	if !ok {
		return SystemInfo{}, failure.Newf(failure.KindNotFound, "ecs.system/get_system", "system %d", id)
	}
	return rec.info, nil
}

func (s *Scheduler) Lookup(name string) (SystemID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.names[name]
	return id, ok
}

// Systems lists every system ordered by ID.
func (s *Scheduler) Systems() []SystemInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SystemInfo, 0, len(s.systems))
	for _, rec := range s.systems {
		out = append(out, rec.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.systems)
}

// UpdateDependencies replaces id's dependencies. Unknown systems, self edges
// and cycles are rejected.
func (s *Scheduler) UpdateDependencies(id SystemID, deps []SystemID) error {
	const op = "ecs.system/update_system_dependencies"
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.systems[id]
	if !ok {
		return failure.Newf(failure.KindNotFound, op, "system %d", id)
	}
	for _, dep := range deps {
		if dep == id {
			return failure.Newf(failure.KindInvalidInput, op, "system %d depends on itself", id)
		}
		if _, ok := s.systems[dep]; !ok {
			return failure.Newf(failure.KindNotFound, op, "dependency %d", dep)
		}
		if s.reachesLocked(dep, id, map[SystemID]bool{}) {
			return failure.Newf(failure.KindInvalidInput, op, "dependency %d would form a cycle", dep)
		}
	}
	rec.info.Dependencies = append([]SystemID(nil), deps...)
	return nil
}

// reachesLocked reports whether target is reachable from start along
// dependency edges.
func (s *Scheduler) reachesLocked(start, target SystemID, seen map[SystemID]bool) bool {
	if start == target {
		return true
	}
	if seen[start] {
		return false
	}
	seen[start] = true
	rec, ok := s.systems[start]
	if !ok {
		return false
	}
	for _, dep := range rec.info.Dependencies {
		if s.reachesLocked(dep, target, seen) {
			return true
		}
	}
	return false
}

// Dependents lists the systems that depend directly on id.
func (s *Scheduler) Dependents(id SystemID) []SystemID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dependentsLocked(id)
}

func (s *Scheduler) dependentsLocked(id SystemID) []SystemID {
	var out []SystemID
	for other, rec := range s.systems {
		for _, dep := range rec.info.Dependencies {
			if dep == id {
				out = append(out, other)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Scheduler) Stats(id SystemID) (SystemStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.systems[id]
	if !ok {
		return SystemStats{}, failure.Newf(failure.KindNotFound, "ecs.system/get_system_stats", "system %d", id)
	}
	return rec.stats(), nil
}

func (s *Scheduler) ClearStats() {
	s.mu.Lock()
	for _, rec := range s.systems {
		rec.clearStats()
	}
	s.mu.Unlock()
}

func (s *Scheduler) reset() {
	s.mu.Lock()
	s.systems = make(map[SystemID]*systemRecord)
	s.names = make(map[string]SystemID)
	s.mu.Unlock()
}

// Run executes one frame: every stage in order, each in dependency order.
// System failures are reported in the FrameReport; only cancellation of ctx
// is returned as an error.
func (s *Scheduler) Run(ctx context.Context, dt float64) (FrameReport, error) {
	var report FrameReport
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return report, failure.Wrap(failure.KindCancelled, "ecs.system/run_systems", err)
		}
		if err := s.runStage(ctx, stage, dt, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// stagePlan is the lookup result for one stage, taken under the guard and
// executed without it.
func (s *Scheduler) stagePlan(stage Stage) (runnable []SystemInfo, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.systems {
		if rec.info.Stage != stage {
			continue
		}
		if !rec.runnable() {
			skipped++
			continue
		}
		info := rec.info
		info.Dependencies = append([]SystemID(nil), rec.info.Dependencies...)
		runnable = append(runnable, info)
	}
	sort.Slice(runnable, func(i, j int) bool { return runnable[i].ID < runnable[j].ID })
	return runnable, skipped
}

func (s *Scheduler) runStage(ctx context.Context, stage Stage, dt float64, report *FrameReport) error {
	pending, skipped := s.stagePlan(stage)
	report.Skipped += skipped
	if len(pending) == 0 {
		return nil
	}

	inStage := make(map[SystemID]bool, len(pending))
	for _, info := range pending {
		inStage[info.ID] = true
	}
	done := make(map[SystemID]bool, len(pending))

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return failure.Wrap(failure.KindCancelled, "ecs.system/run_systems", err)
		}

		batch, rest := nextBatch(pending, inStage, done)
		if len(batch) == 0 {
			// Only reachable if the edges were edited into a cycle mid-frame.
			s.logger.Error("Dependency cycle in stage", log.String("stage", stage.String()), log.Int("systems", len(pending)))
			report.Skipped += len(pending)
			return nil
		}

		results := make([]error, len(batch))
		ran := make([]bool, len(batch))
		_ = concurrent.ForEach(ctx, indices(len(batch)), 0, func(runCtx context.Context, i int) error {
			ran[i], results[i] = s.execute(runCtx, batch[i], dt)
			return nil
		})

		for i, info := range batch {
			done[info.ID] = true
			switch {
			case !ran[i]:
				report.Skipped++
			case results[i] != nil:
				report.Failed++
				report.Errors = append(report.Errors, results[i])
			default:
				report.Executed++
			}
		}
		pending = rest
	}
	return nil
}

// nextBatch picks, in ID order, the ready systems whose pool sets do not
// overlap any system already picked.
func nextBatch(pending []SystemInfo, inStage, done map[SystemID]bool) (batch, rest []SystemInfo) {
	claimed := make(map[ComponentID]bool)
	for _, info := range pending {
		if !ready(info, inStage, done) || overlaps(info.Pools, claimed) {
			rest = append(rest, info)
			continue
		}
		for _, id := range info.Pools {
			claimed[id] = true
		}
		batch = append(batch, info)
	}
	return batch, rest
}

func ready(info SystemInfo, inStage, done map[SystemID]bool) bool {
	for _, dep := range info.Dependencies {
		if inStage[dep] && !done[dep] {
			return false
		}
	}
	return true
}

func overlaps(pools []ComponentID, claimed map[ComponentID]bool) bool {
	for _, id := range pools {
		if claimed[id] {
			return true
		}
	}
	return false
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// execute runs one system, retrying a failed update up to its retry budget
// within the same frame. ran is false when a Pre handler vetoed the run.
func (s *Scheduler) execute(ctx context.Context, info SystemInfo, dt float64) (ran bool, err error) {
	if s.hooks.before != nil {
		if vetoErr := s.hooks.before(ctx, info); vetoErr != nil {
			return false, nil
		}
	}

	s.mu.Lock()
	retries := 0
	if rec, ok := s.systems[info.ID]; ok {
		retries = rec.maxRetries
		rec.info.Failures = 0
	}
	s.mu.Unlock()

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 && ctx.Err() != nil {
			break
		}
		start := time.Now()
		err = s.updater.UpdateSystem(ctx, info, dt)
		elapsed := time.Since(start)

		s.mu.Lock()
		if rec, ok := s.systems[info.ID]; ok {
			s.record(rec, elapsed, err)
		}
		s.mu.Unlock()

		if err == nil {
			break
		}
	}

	if s.hooks.after != nil {
		s.hooks.after(info, err)
	}
	return true, err
}

// record updates stats and the retry counter. Caller holds mu.
func (s *Scheduler) record(rec *systemRecord, elapsed time.Duration, err error) {
	rec.executions++
	rec.lastDuration = elapsed
	rec.totalDuration += elapsed
	if elapsed < rec.minDuration {
		rec.minDuration = elapsed
	}
	if elapsed > rec.maxDuration {
		rec.maxDuration = elapsed
	}

	if err == nil {
		rec.info.Failures = 0
		return
	}

	rec.failures++
	rec.info.Failures++
	rec.info.LastError = err.Error()
	if rec.info.Failures > rec.maxRetries {
		rec.info.State = SystemFailed
		s.logger.Error("System failed, retries exhausted",
			log.Uint64("system_id", uint64(rec.info.ID)),
			log.String("name", rec.info.Name),
			log.Int("retries", rec.maxRetries),
			log.Error(err))
		return
	}
	s.logger.Warn("System update failed, retrying",
		log.Uint64("system_id", uint64(rec.info.ID)),
		log.String("name", rec.info.Name),
		log.Int("attempt", rec.info.Failures),
		log.Error(err))
}
