package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"chatgate/logger"
	"chatgate/service/wire"
)

// Deliverer hands one event to one user: live push, relay or buffer.
type Deliverer interface {
	Deliver(ctx context.Context, username string, ev wire.Event) error
}

// MemberResolver answers who is in a group right now.
type MemberResolver interface {
	GroupMembers(ctx context.Context, username, group string) ([]string, error)
}

// audience picks the recipients of an event that arrived without one.
type audience func(ctx context.Context, d *Demux, ev wire.Event) []string

// Demux classifies push events and routes each one to its recipients.
// Events addressed to a group are expanded with a fresh membership query;
// the sender never receives its own group event.
type Demux struct {
	out            Deliverer
	resolveTimeout time.Duration
	routes         map[string]audience

	mu       sync.RWMutex
	resolver MemberResolver

	delivered atomic.Int64
	dropped   atomic.Int64
}

type Option func(*Demux)

func WithResolver(r MemberResolver) Option { return func(d *Demux) { d.resolver = r } }

func WithResolveTimeout(t time.Duration) Option {
	return func(d *Demux) {
		if t > 0 {
			d.resolveTimeout = t
		}
	}
}

func New(out Deliverer, opts ...Option) *Demux {
	d := &Demux{
		out:            out,
		resolveTimeout: 5 * time.Second,
	}
	d.routes = map[string]audience{
		wire.EventPrivateMessage: toField,
		wire.EventAudio:          toField,
		wire.EventIncomingCall:   toField,
		wire.EventCallAccepted:   toField,
		wire.EventGroupMessage:   groupMembers,
		wire.EventGroupAudio:     groupMembers,
		wire.EventGroupCreated:   groupMembers,
		wire.EventGroupJoined:    fromField,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// UseResolver sets the membership source after construction, for backends
// that are built with this demux as their sink.
func (d *Demux) UseResolver(r MemberResolver) {
	d.mu.Lock()
	d.resolver = r
	d.mu.Unlock()
}

// Dispatch routes ev. A non-empty recipient is delivered as is; an empty
// one is resolved from the event's addressing fields.
func (d *Demux) Dispatch(ctx context.Context, ev wire.Event, recipient string) {
	if err := ev.Validate(); err != nil {
		d.dropped.Add(1)
		logger.Warnf("[Fanout] drop invalid event: %v", err)
		return
	}
	var targets []string
	if recipient != "" {
		targets = []string{recipient}
	} else {
		route, ok := d.routes[ev.Type]
		if !ok {
			d.dropped.Add(1)
			logger.Debugf("[Fanout] drop %s with no recipient", ev.Type)
			return
		}
		targets = route(ctx, d, ev)
	}
	for _, user := range targets {
		if err := d.out.Deliver(ctx, user, ev); err != nil {
			d.dropped.Add(1)
			logger.Errorf("[Fanout] deliver %s to user=%s failed: %v", ev.Type, user, err)
			continue
		}
		d.delivered.Add(1)
	}
}

// Stats returns delivered and dropped counts.
func (d *Demux) Stats() (delivered, dropped int64) {
	return d.delivered.Load(), d.dropped.Load()
}

func toField(_ context.Context, _ *Demux, ev wire.Event) []string {
	if ev.To == "" {
		return nil
	}
	return []string{ev.To}
}

func fromField(_ context.Context, _ *Demux, ev wire.Event) []string {
	if ev.From == "" {
		return nil
	}
	return []string{ev.From}
}

func groupMembers(ctx context.Context, d *Demux, ev wire.Event) []string {
	d.mu.RLock()
	r := d.resolver
	d.mu.RUnlock()
	group := ev.TargetGroup()
	if r == nil || group == "" {
		d.dropped.Add(1)
		logger.Warnf("[Fanout] cannot resolve members of group=%q for %s", group, ev.Type)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.resolveTimeout)
	defer cancel()
	members, err := r.GroupMembers(ctx, ev.From, group)
	if err != nil {
		d.dropped.Add(1)
		logger.Errorf("[Fanout] resolve members of group=%s failed: %v", group, err)
		return nil
	}

	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m == "" || m == ev.From {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
