package inventory

import (
	"context"
	"slices"
	"sync"
)

// DirtySet is a deduplicating worklist of product ids awaiting recalculation.
type DirtySet interface {
	Add(ctx context.Context, ids ...int64) error
	Pop(ctx context.Context, n int) ([]int64, error)
}

// MemoryDirtySet keeps the set in process memory. Suitable for tests and local development.
type MemoryDirtySet struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

func NewMemoryDirtySet() *MemoryDirtySet {
	return &MemoryDirtySet{ids: make(map[int64]struct{})}
}

func (s *MemoryDirtySet) Add(_ context.Context, ids ...int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return nil
}

// Pop removes and returns up to n ids, lowest first.
func (s *MemoryDirtySet) Pop(_ context.Context, n int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || len(s.ids) == 0 {
		return nil, nil
	}
	all := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		all = append(all, id)
	}
	slices.Sort(all)
	if len(all) > n {
		all = all[:n]
	}
	for _, id := range all {
		delete(s.ids, id)
	}
	return all, nil
}

func (s *MemoryDirtySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
