package progress

import (
	"context"
	"sync"
	"time"

	"github.com/jupark12/go-extract-queue/models"
)

const memorySubscriberBuffer = 256

type memorySnapshot struct {
	update  models.ProgressUpdate
	expires time.Time
}

// MemoryBus is the single-node bus: snapshots live in a map and broadcasts fan
// out to in-process subscribers. A subscriber whose buffer is full loses the
// update, matching the at-most-once contract of the Redis bus.
type MemoryBus struct {
	mu          sync.Mutex
	snapshots   map[string]memorySnapshot
	subscribers map[int]chan models.ProgressUpdate
	nextID      int
	now         func() time.Time
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		snapshots:   make(map[string]memorySnapshot),
		subscribers: make(map[int]chan models.ProgressUpdate),
		now:         time.Now,
	}
}

func (b *MemoryBus) SetSnapshot(_ context.Context, u models.ProgressUpdate, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.snapshots[u.JobID] = memorySnapshot{update: u, expires: b.now().Add(ttl)}
	b.evictExpiredLocked()
	return nil
}

func (b *MemoryBus) Broadcast(_ context.Context, u models.ProgressUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- u:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Snapshot(_ context.Context, jobID string) (*models.ProgressUpdate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap, ok := b.snapshots[jobID]
	if !ok || !b.now().Before(snap.expires) {
		delete(b.snapshots, jobID)
		return nil, ErrNoSnapshot
	}
	u := snap.update
	return &u, nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan models.ProgressUpdate, func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan models.ProgressUpdate, memorySubscriberBuffer)
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, unsubscribe)

	cleanup := func() {
		stop()
		unsubscribe()
	}
	return ch, cleanup, nil
}

func (b *MemoryBus) evictExpiredLocked() {
	now := b.now()
	for id, snap := range b.snapshots {
		if !now.Before(snap.expires) {
			delete(b.snapshots, id)
		}
	}
}
