package realtime

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"chatgate/logger"
	"chatgate/service/wire"
)

type Outcome string

const (
	OutcomePushed   Outcome = "pushed"
	OutcomeRelayed  Outcome = "relayed"
	OutcomeBuffered Outcome = "buffered"
)

// Relay forwards an event to the gateway that holds the user's subscriber.
// It reports false when no other gateway does.
type Relay interface {
	Forward(ctx context.Context, user string, ev wire.Event) (bool, error)
}

// DeliveryRecord is one fan-out decision, for archiving.
type DeliveryRecord struct {
	User      string     `json:"user"`
	Outcome   Outcome    `json:"outcome"`
	Gateway   string     `json:"gateway"`
	Event     wire.Event `json:"event"`
	Delivered int64      `json:"delivered_at"`
}

type Archiver interface {
	Archive(rec DeliveryRecord)
}

// Fanout decides, per user and event, between live push, relay and buffer.
// A user with a live subscriber never has that event buffered.
type Fanout struct {
	conns         *ConnManager
	buf           Buffer
	relay         Relay
	archive       Archiver
	flushOnAttach bool

	pushed   atomic.Int64
	relayed  atomic.Int64
	buffered atomic.Int64
}

type FanoutOption func(*Fanout)

func WithRelay(r Relay) FanoutOption         { return func(f *Fanout) { f.relay = r } }
func WithArchiver(a Archiver) FanoutOption   { return func(f *Fanout) { f.archive = a } }
func WithFlushOnAttach(on bool) FanoutOption { return func(f *Fanout) { f.flushOnAttach = on } }

func NewFanout(conns *ConnManager, buf Buffer, opts ...FanoutOption) *Fanout {
	f := &Fanout{conns: conns, buf: buf}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Deliver pushes ev to user's live subscriber, else relays it, else
// buffers it.
func (f *Fanout) Deliver(ctx context.Context, user string, ev wire.Event) error {
	_, err := f.deliver(ctx, user, ev, true)
	return err
}

// DeliverLocal never relays; it is used for events relayed in from other
// gateways.
func (f *Fanout) DeliverLocal(ctx context.Context, user string, ev wire.Event) (Outcome, error) {
	return f.deliver(ctx, user, ev, false)
}

func (f *Fanout) deliver(ctx context.Context, user string, ev wire.Event, mayRelay bool) (Outcome, error) {
	if f.tryPush(user, ev) {
		f.pushed.Add(1)
		f.record(user, ev, OutcomePushed)
		return OutcomePushed, nil
	}
	if mayRelay && f.relay != nil {
		ok, err := f.relay.Forward(ctx, user, ev)
		if err != nil {
			logger.Warnf("[Fanout] relay for user=%s failed, buffering: %v", user, err)
		}
		if ok && err == nil {
			f.relayed.Add(1)
			f.record(user, ev, OutcomeRelayed)
			return OutcomeRelayed, nil
		}
	}
	if err := f.buf.Append(ctx, user, ev); err != nil {
		return "", err
	}
	f.buffered.Add(1)
	f.record(user, ev, OutcomeBuffered)
	return OutcomeBuffered, nil
}

func (f *Fanout) tryPush(user string, ev wire.Event) bool {
	sub, ok := f.conns.Get(user)
	if !ok {
		return false
	}
	payload, err := encodeEvent(ev)
	if err != nil {
		logger.Errorf("[Fanout] encode %s failed: %v", ev.Type, err)
		return false
	}
	if !sub.Push(payload) {
		logger.Warnf("[Fanout] user=%s subscriber full or closed, buffering %s", user, ev.Type)
		return false
	}
	return true
}

// Drain returns and clears user's buffered events, unescaped.
func (f *Fanout) Drain(ctx context.Context, user string) ([]wire.Event, error) {
	evs, err := f.buf.Drain(ctx, user)
	if err != nil {
		return nil, err
	}
	out := make([]wire.Event, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Unescaped())
	}
	return out, nil
}

// Attached runs after sub was bound to user. Buffered events stay for the
// poll unless flush-on-attach is on.
func (f *Fanout) Attached(ctx context.Context, user string, sub *Subscriber) {
	if !f.flushOnAttach {
		return
	}
	evs, err := f.buf.Drain(ctx, user)
	if err != nil {
		logger.Warnf("[Fanout] flush for user=%s: drain failed: %v", user, err)
		return
	}
	for i, ev := range evs {
		payload, err := encodeEvent(ev)
		if err == nil && sub.Push(payload) {
			f.pushed.Add(1)
			f.record(user, ev, OutcomePushed)
			continue
		}
		// 队列满：剩余的放回缓冲
		for _, rest := range evs[i:] {
			_ = f.buf.Append(ctx, user, rest)
		}
		return
	}
	if len(evs) > 0 {
		logger.Infof("[Fanout] flushed %d buffered events to user=%s", len(evs), user)
	}
}

// Stats returns pushed, relayed and buffered counts.
func (f *Fanout) Stats() (pushed, relayed, buffered int64) {
	return f.pushed.Load(), f.relayed.Load(), f.buffered.Load()
}

func (f *Fanout) record(user string, ev wire.Event, o Outcome) {
	if f.archive == nil {
		return
	}
	f.archive.Archive(DeliveryRecord{
		User:      user,
		Outcome:   o,
		Gateway:   f.conns.GwID(),
		Event:     ev,
		Delivered: time.Now().UnixMilli(),
	})
}

// encodeEvent renders the client-facing JSON; text is unescaped here and
// nowhere earlier.
func encodeEvent(ev wire.Event) ([]byte, error) {
	return json.Marshal(ev.Unescaped())
}
