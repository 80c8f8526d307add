// Package limiter caps the number of active extraction jobs per owner.
package limiter

import (
	"context"
	"sync"
)

// Limiter gates job admission. A false return from TryAcquire is a normal
// admission outcome, not an error. Release never takes a count below zero.
type Limiter interface {
	TryAcquire(ctx context.Context, ownerID string) (bool, error)
	Release(ctx context.Context, ownerID string) error
	Active(ctx context.Context, ownerID string) (int, error)
}

// Local is an in-process limiter for single-node deployments.
type Local struct {
	mu     sync.Mutex
	max    int
	active map[string]int
}

// NewLocal creates a limiter allowing max concurrent jobs per owner.
func NewLocal(max int) *Local {
	return &Local{
		max:    max,
		active: make(map[string]int),
	}
}

func (l *Local) TryAcquire(_ context.Context, ownerID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active[ownerID] >= l.max {
		return false, nil
	}
	l.active[ownerID]++
	return true, nil
}

func (l *Local) Release(_ context.Context, ownerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.active[ownerID]
	if n <= 1 {
		delete(l.active, ownerID)
		return nil
	}
	l.active[ownerID] = n - 1
	return nil
}

func (l *Local) Active(_ context.Context, ownerID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[ownerID], nil
}
