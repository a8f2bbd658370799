package run

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps runs in a map. Used when no history path is configured
// and in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]Run
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]Run)}
}

func (s *MemoryStore) Save(ctx context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = clone(r)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return clone(r), nil
}

func (s *MemoryStore) List(ctx context.Context, dataset string, limit int) ([]Run, error) {
	s.mu.RLock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		if dataset == "" || r.Dataset == dataset {
			out = append(out, clone(r))
		}
	}
	s.mu.RUnlock()

	SortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SortNewestFirst orders runs by start time, newest first, then by id
func SortNewestFirst(runs []Run) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID > runs[j].ID
	})
}

func clone(r Run) Run {
	r.Columns = append([]string(nil), r.Columns...)
	r.SkippedColumns = append([]string(nil), r.SkippedColumns...)
	if r.ColumnsUpdated != nil {
		counts := make(map[string]int64, len(r.ColumnsUpdated))
		for c, n := range r.ColumnsUpdated {
			counts[c] = n
		}
		r.ColumnsUpdated = counts
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		r.EndedAt = &t
	}
	return r
}
