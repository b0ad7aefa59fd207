package realtime

import (
	"context"
	"sync"

	"chatgate/service/wire"
)

// Buffer holds events for users without a live subscriber. Drain returns
// and clears a user's events in one step, oldest first.
type Buffer interface {
	Append(ctx context.Context, user string, ev wire.Event) error
	Drain(ctx context.Context, user string) ([]wire.Event, error)
}

// MemoryBuffer is the single-gateway Buffer. Limit caps each user's queue;
// the oldest events are dropped first.
type MemoryBuffer struct {
	mu    sync.Mutex
	limit int
	items map[string][]wire.Event
}

func NewMemoryBuffer(limit int) *MemoryBuffer {
	if limit <= 0 {
		limit = 10000
	}
	return &MemoryBuffer{limit: limit, items: make(map[string][]wire.Event)}
}

func (b *MemoryBuffer) Append(_ context.Context, user string, ev wire.Event) error {
	b.mu.Lock()
	q := append(b.items[user], ev)
	if len(q) > b.limit {
		q = q[len(q)-b.limit:]
	}
	b.items[user] = q
	b.mu.Unlock()
	return nil
}

func (b *MemoryBuffer) Drain(_ context.Context, user string) ([]wire.Event, error) {
	b.mu.Lock()
	q := b.items[user]
	delete(b.items, user)
	b.mu.Unlock()
	if q == nil {
		return []wire.Event{}, nil
	}
	return q, nil
}

// Len reports how many events are waiting for user.
func (b *MemoryBuffer) Len(user string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items[user])
}
