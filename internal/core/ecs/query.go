package ecs

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/ecsnet/internal/core/failure"
)

// Filter selects entities whose component set contains every Required id and
// none of the Excluded ones. A zero Limit means unlimited.
type Filter struct {
	Required []ComponentID
	Excluded []ComponentID
	Limit    int
}

func (f Filter) Validate() error {
	const op = "ecs.query/filter"
	if f.Limit < 0 {
		return failure.New(failure.KindInvalidInput, op, "negative limit")
	}
	required := make(map[ComponentID]struct{}, len(f.Required))
	for _, id := range f.Required {
		required[id] = struct{}{}
	}
	for _, id := range f.Excluded {
		if _, ok := required[id]; ok {
			return failure.Newf(failure.KindInvalidInput, op, "component %#08x both required and excluded", uint32(id))
		}
	}
	return nil
}

func (f Filter) Matches(set map[ComponentID]struct{}) bool {
	for _, id := range f.Required {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	for _, id := range f.Excluded {
		if _, ok := set[id]; ok {
			return false
		}
	}
	return true
}

func (f Filter) clone() Filter {
	return Filter{
		Required: append([]ComponentID(nil), f.Required...),
		Excluded: append([]ComponentID(nil), f.Excluded...),
		Limit:    f.Limit,
	}
}

// key hashes the normalized filter so equal filters share cache entries.
func (f Filter) key() uint64 {
	h := xxhash.New()
	var buf [4]byte
	write := func(ids []ComponentID) {
		sorted := append([]ComponentID(nil), ids...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		binary.BigEndian.PutUint32(buf[:], uint32(len(sorted)))
		_, _ = h.Write(buf[:])
		for _, id := range sorted {
			binary.BigEndian.PutUint32(buf[:], uint32(id))
			_, _ = h.Write(buf[:])
		}
	}
	write(f.Required)
	write(f.Excluded)
	binary.BigEndian.PutUint32(buf[:], uint32(f.Limit))
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

type cachedResult struct {
	version  uint64
	entities []EntityID
}

type queryTable struct {
	mu      sync.RWMutex
	filters map[QueryID]Filter
	cache   map[uint64]cachedResult
	ids     sequence
}

func newQueryTable() *queryTable {
	return &queryTable{
		filters: make(map[QueryID]Filter),
		cache:   make(map[uint64]cachedResult),
	}
}

func (t *queryTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.filters)
}

func (t *queryTable) reset() {
	t.mu.Lock()
	t.filters = make(map[QueryID]Filter)
	t.cache = make(map[uint64]cachedResult)
	t.mu.Unlock()
}

func (t *queryTable) cached(key, version uint64) ([]EntityID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.cache[key]
	if !ok || r.version != version {
		return nil, false
	}
	return append([]EntityID(nil), r.entities...), true
}

func (t *queryTable) store(key, version uint64, entities []EntityID) {
	t.mu.Lock()
	t.cache[key] = cachedResult{version: version, entities: append([]EntityID(nil), entities...)}
	t.mu.Unlock()
}

// QueryResult pairs a matched entity with its components.
type QueryResult struct {
	Entity     EntityID
	Components []Component
}

func (w *World) CreateQuery(f Filter) (QueryID, error) {
	if err := w.live("ecs.query/create_query"); err != nil {
		return 0, err
	}
	if err := f.Validate(); err != nil {
		return 0, err
	}
	w.queries.mu.Lock()
	defer w.queries.mu.Unlock()
	id := QueryID(w.queries.ids.next())
	w.queries.filters[id] = f.clone()
	return id, nil
}

func (w *World) Query(id QueryID) (Filter, error) {
	w.queries.mu.RLock()
	defer w.queries.mu.RUnlock()
	f, ok := w.queries.filters[id]
	if !ok {
		return Filter{}, failure.Newf(failure.KindNotFound, "ecs.query/get_query", "query %d", id)
	}
	return f.clone(), nil
}

func (w *World) UpdateQuery(id QueryID, f Filter) error {
	if err := f.Validate(); err != nil {
		return err
	}
	w.queries.mu.Lock()
	defer w.queries.mu.Unlock()
	if _, ok := w.queries.filters[id]; !ok {
		return failure.Newf(failure.KindNotFound, "ecs.query/update_query", "query %d", id)
	}
	w.queries.filters[id] = f.clone()
	return nil
}

func (w *World) DeleteQuery(id QueryID) error {
	w.queries.mu.Lock()
	defer w.queries.mu.Unlock()
	if _, ok := w.queries.filters[id]; !ok {
		return failure.Newf(failure.KindNotFound, "ecs.query/delete_query", "query %d", id)
	}
	delete(w.queries.filters, id)
	return nil
}

// CloneQuery registers a copy of id's filter under a new ID.
func (w *World) CloneQuery(id QueryID) (QueryID, error) {
	f, err := w.Query(id)
	if err != nil {
		return 0, err
	}
	return w.CreateQuery(f)
}

// ExecuteQuery returns the matching entities in index order.
func (w *World) ExecuteQuery(id QueryID) ([]EntityID, error) {
	f, err := w.Query(id)
	if err != nil {
		return nil, err
	}
	return w.match(f)
}

func (w *World) ExecuteQueryWithComponents(id QueryID) ([]QueryResult, error) {
	f, err := w.Query(id)
	if err != nil {
		return nil, err
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	entities := w.matchLocked(f)
	out := make([]QueryResult, 0, len(entities))
	for _, e := range entities {
		ids := sortedSet(w.records[e.Index].components)
		r := QueryResult{Entity: e, Components: make([]Component, 0, len(ids))}
		for _, cid := range ids {
			if c, ok := w.pools[cid].Get(e); ok {
				r.Components = append(r.Components, c.clone())
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// ExecuteQueryBatch splits the result into chunks of size; the last chunk
// may be shorter.
func (w *World) ExecuteQueryBatch(id QueryID, size int) ([][]EntityID, error) {
	if size <= 0 {
		return nil, failure.New(failure.KindInvalidInput, "ecs.query/execute_query_batch", "batch size must be positive")
	}
	entities, err := w.ExecuteQuery(id)
	if err != nil {
		return nil, err
	}
	var out [][]EntityID
	for start := 0; start < len(entities); start += size {
		end := min(start+size, len(entities))
		out = append(out, entities[start:end])
	}
	return out, nil
}

func (w *World) QueryCount(id QueryID) (int, error) {
	entities, err := w.ExecuteQuery(id)
	return len(entities), err
}

func (w *World) QueryFirst(id QueryID) (EntityID, error) {
	f, err := w.Query(id)
	if err != nil {
		return NullEntity, err
	}
	f.Limit = 1
	entities, err := w.match(f)
	if err != nil {
		return NullEntity, err
	}
	if len(entities) == 0 {
		return NullEntity, failure.Newf(failure.KindNotFound, "ecs.query/query_first", "query %d has no results", id)
	}
	return entities[0], nil
}

func (w *World) QueryHasResults(id QueryID) (bool, error) {
	_, err := w.QueryFirst(id)
	if failure.Is(err, failure.KindNotFound) {
		if _, missing := w.Query(id); missing != nil {
			return false, missing
		}
		return false, nil
	}
	return err == nil, err
}

// match runs f against the world, consulting the result cache first.
func (w *World) match(f Filter) ([]EntityID, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	key := f.key()

	w.mu.RLock()
	defer w.mu.RUnlock()
	version := w.version.Load()
	if hit, ok := w.queries.cached(key, version); ok {
		return hit, nil
	}
	entities := w.matchLocked(f)
	w.queries.store(key, version, entities)
	return entities, nil
}

// matchLocked scans every live entity. Caller holds mu.
func (w *World) matchLocked(f Filter) []EntityID {
	var out []EntityID
	for index, rec := range w.records {
		if !w.allocator.Occupied(uint32(index)) || !f.Matches(rec.components) {
			continue
		}
		gen, _ := w.allocator.Generation(uint32(index))
		out = append(out, EntityID{Index: uint32(index), Generation: gen})
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}
