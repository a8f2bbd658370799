package run

import (
	"context"
	"sync"
)

// LocalLease is an in-process Lease. It only protects datasets within one
// process; use the Redis lease when several processes share a dataset scope.
type LocalLease struct {
	mu      sync.Mutex
	holders map[string]string
}

// NewLocalLease creates an empty lease table
func NewLocalLease() *LocalLease {
	return &LocalLease{holders: make(map[string]string)}
}

// Acquire takes dataset for runID unless someone else holds it
func (l *LocalLease) Acquire(ctx context.Context, dataset, runID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.holders[dataset]; held {
		return false, nil
	}
	l.holders[dataset] = runID
	return true, nil
}

// Release frees dataset when runID holds it
func (l *LocalLease) Release(ctx context.Context, dataset, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holders[dataset] == runID {
		delete(l.holders, dataset)
	}
	return nil
}
