package session

import (
	"sync/atomic"
	"time"

	"chatgate/service/wire"
)

type result struct {
	rec wire.Record
	err error
}

// Waiter is one request awaiting its positional reply.
type Waiter struct {
	cmd      wire.Command
	deadline time.Time
	done     chan result // cap 1, resolved at most once

	// abandoned: the caller stopped waiting but the slot stays queued until
	// its reply arrives or the deadline drops it
	abandoned atomic.Bool
}

func newWaiter(cmd wire.Command, timeout time.Duration) *Waiter {
	return &Waiter{
		cmd:      cmd,
		deadline: time.Now().Add(timeout),
		done:     make(chan result, 1),
	}
}

// resolve must only be called by whoever removed w from the pending queue.
func (w *Waiter) resolve(rec wire.Record, err error) {
	w.done <- result{rec: rec, err: err}
}
