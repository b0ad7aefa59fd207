package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"chatgate/logger"
	"chatgate/service/wire"
	"chatgate/tools/errs"

	"github.com/golang/glog"
)

// Session is one user's persistent backend connection plus its queue of
// requests awaiting positional replies. The connection goroutine (run) is
// the only place that observes transport failure and the only caller of
// finish.
type Session struct {
	username  string
	reg       *Registry
	createdAt time.Time
	state     atomic.Int32

	// writeMu serializes enqueue+write pairs so queue order equals wire order.
	writeMu sync.Mutex

	mu      sync.Mutex
	conn    net.Conn
	pending []*Waiter
	reason  error // set by shutdown, reported by finish

	ready     chan struct{}
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func newSession(username string, reg *Registry) *Session {
	s := &Session{
		username:  username,
		reg:       reg,
		createdAt: time.Now(),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) Username() string      { return s.username }
func (s *Session) State() State          { return State(s.state.Load()) }
func (s *Session) CreatedAt() time.Time  { return s.createdAt }
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is the reason the session closed; nil while it is open.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Pending is the number of requests awaiting a reply.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// WaitReady blocks until the login handshake finishes. Giving up early does
// not cancel the handshake; other callers may still be waiting on it.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return errs.ErrTimeout.WrapMsg("waiting for login", "user", s.username)
	}
}

// Send writes cmd and waits for the next reply on this session.
func (s *Session) Send(ctx context.Context, cmd wire.Command) (wire.Record, error) {
	if st := s.State(); st != StateReady {
		if st == StateClosed && s.Err() != nil {
			return wire.Record{}, s.Err()
		}
		return wire.Record{}, ErrNotReady.WrapMsg("", "user", s.username, "state", st)
	}
	w := newWaiter(cmd, s.reg.RequestTimeout())
	payload := cmd.Encode()

	s.writeMu.Lock()
	s.mu.Lock()
	if s.State() == StateClosed || s.reason != nil {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return wire.Record{}, ErrNotReady.WrapMsg("closing", "user", s.username)
	}
	s.pending = append(s.pending, w)
	conn := s.conn
	s.mu.Unlock()
	err := s.write(conn, payload)
	s.writeMu.Unlock()

	if err != nil {
		s.drop(w)
		err = errs.ErrTransport.WrapMsg(err.Error(), "user", s.username)
		s.shutdown(err)
		return wire.Record{}, err
	}
	return s.await(ctx, w)
}

// Notify writes cmd without expecting a reply.
func (s *Session) Notify(cmd wire.Command) error {
	if s.State() != StateReady {
		return ErrNotReady.WrapMsg("", "user", s.username)
	}
	s.writeMu.Lock()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	err := s.write(conn, cmd.Encode())
	s.writeMu.Unlock()
	if err != nil {
		err = errs.ErrTransport.WrapMsg(err.Error(), "user", s.username)
		s.shutdown(err)
	}
	return err
}

// await blocks until w is answered or its deadline passes. A cancelled ctx
// releases the caller only: w keeps its place in the queue, since the
// backend will still answer it, and is removed by its deadline alone.
func (s *Session) await(ctx context.Context, w *Waiter) (wire.Record, error) {
	timer := time.NewTimer(time.Until(w.deadline))

	select {
	case res := <-w.done:
		timer.Stop()
		return res.rec, res.err
	case <-timer.C:
		if s.expire(w) {
			return wire.Record{}, errs.ErrTimeout.WrapMsg("", "user", s.username, "verb", w.cmd.Verb)
		}
	case <-ctx.Done():
		timer.Stop()
		w.abandoned.Store(true)
		time.AfterFunc(time.Until(w.deadline), func() { s.expire(w) })
		return wire.Record{}, errs.ErrTimeout.WrapMsg(ctx.Err().Error(), "user", s.username, "verb", w.cmd.Verb)
	}
	// resolved concurrently with the deadline; the reply wins
	res := <-w.done
	return res.rec, res.err
}

// expire drops w once its deadline has passed.
func (s *Session) expire(w *Waiter) bool {
	if !s.drop(w) {
		return false
	}
	logger.Warnf("[Session] user=%s request timed out deadline=%s cmd=%s abandoned=%t pending=%d",
		s.username, w.deadline.Format(time.RFC3339Nano), w.cmd.Verb, w.abandoned.Load(), s.Pending())
	return true
}

// drop removes w from wherever it sits in the queue. It reports false when
// w was already popped by a reply or by finish.
func (s *Session) drop(w *Waiter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pending {
		if p == w {
			copy(s.pending[i:], s.pending[i+1:])
			s.pending[len(s.pending)-1] = nil
			s.pending = s.pending[:len(s.pending)-1]
			return true
		}
	}
	return false
}

func (s *Session) write(conn net.Conn, payload []byte) error {
	if conn == nil {
		return net.ErrClosed
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.reg.cfg.DialTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write(payload); err != nil {
		return err
	}
	// outbound traffic counts as activity for the idle timer
	_ = conn.SetReadDeadline(time.Now().Add(s.reg.IdleTimeout()))
	if glog.V(2) {
		glog.Infof("[wire] %s >> %s", s.username, trimNL(payload))
	}
	return nil
}

// dispatch routes one inbound record: the head waiter if any is pending,
// the unsolicited handler otherwise.
func (s *Session) dispatch(rec wire.Record) {
	if wire.NeverReply(rec.Type) {
		s.reg.unsolicited(s.username, rec)
		return
	}
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		s.reg.unsolicited(s.username, rec)
		return
	}
	w := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	s.mu.Unlock()
	if w.abandoned.Load() {
		logger.Debugf("[Session] user=%s discard %s reply for abandoned %s", s.username, rec.Type, w.cmd.Verb)
	}
	w.resolve(rec, nil)
}

// failHead fails the oldest waiter; used when a line arrives that cannot be
// decoded while a reply is expected.
func (s *Session) failHead(err error) bool {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return false
	}
	w := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	s.mu.Unlock()
	w.resolve(wire.Record{}, err)
	return true
}

// shutdown records why the session must end and closes the transport; the
// connection goroutine then observes the close and calls finish.
func (s *Session) shutdown(reason error) {
	s.mu.Lock()
	if s.reason == nil {
		s.reason = reason
	}
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) finish(observed error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		err := s.reason
		if err == nil {
			err = observed
		}
		prev := State(s.state.Swap(int32(StateClosed)))
		waiters := s.pending
		s.pending = nil
		conn := s.conn
		s.err = err
		s.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		s.reg.remove(s)
		for _, w := range waiters {
			w.resolve(wire.Record{}, err)
		}
		close(s.done)

		logger.Infof("[Session] user=%s closed from=%s failed_waiters=%d err=%v", s.username, prev, len(waiters), err)
		if s.reg.onClose != nil {
			s.reg.onClose(s.username, prev, err)
		}
	})
}

func trimNL(b []byte) string {
	n := len(b)
	for n > 0 && (b[n-1] == '\n' || b[n-1] == '\r') {
		n--
	}
	return string(b[:n])
}
