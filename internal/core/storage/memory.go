package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zeusync/ecsnet/internal/core/failure"
)

type blobKey struct {
	kind string
	name string
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[blobKey]Blob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[blobKey]Blob)}
}

func (s *MemoryStore) Save(_ context.Context, kind, name string, data []byte) error {
	if name == "" {
		return failure.New(failure.KindInvalidInput, "storage.save", "empty name")
	}
	s.mu.Lock()
	s.blobs[blobKey{kind, name}] = Blob{
		Kind:      kind,
		Name:      name,
		Data:      append([]byte(nil), data...),
		CreatedAt: time.Now(),
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, kind, name string) (Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[blobKey{kind, name}]
	if !ok {
		return Blob{}, failure.Newf(failure.KindNotFound, "storage.load", "%s %q", kind, name)
	}
	b.Data = append([]byte(nil), b.Data...)
	return b, nil
}

func (s *MemoryStore) List(_ context.Context, kind string) ([]string, error) {
	s.mu.RLock()
	var names []string
	for key := range s.blobs {
		if key.kind == kind {
			names = append(names, key.name)
		}
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Delete(_ context.Context, kind, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := blobKey{kind, name}
	if _, ok := s.blobs[key]; !ok {
		return failure.Newf(failure.KindNotFound, "storage.delete", "%s %q", kind, name)
	}
	delete(s.blobs, key)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
