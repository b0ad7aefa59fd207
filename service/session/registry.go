package session

import (
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chatgate/logger"
	"chatgate/service/wire"
	"chatgate/tools/errs"
	"chatgate/tools/safe"
)

// UnsolicitedHandler receives records that arrived with no request pending.
// It runs on the session's connection goroutine and must not wait for a
// reply on the same session.
type UnsolicitedHandler func(username string, rec wire.Record)

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Registry maps usernames to their live session. It allows at most one
// Connecting or Ready session per user.
type Registry struct {
	cfg         Config
	dial        DialFunc
	onRecord    UnsolicitedHandler
	onClose     func(username string, from State, err error)
	reqTimeout  atomic.Int64
	idleTimeout atomic.Int64

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

type Option func(*Registry)

func WithDialer(d DialFunc) Option { return func(r *Registry) { r.dial = d } }

func WithUnsolicitedHandler(h UnsolicitedHandler) Option {
	return func(r *Registry) { r.onRecord = h }
}

func WithCloseHook(f func(username string, from State, err error)) Option {
	return func(r *Registry) { r.onClose = f }
}

func NewRegistry(cfg Config, opts ...Option) *Registry {
	cfg.norm()
	r := &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	r.dial = (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}).DialContext
	for _, o := range opts {
		o(r)
	}
	r.SetTimeouts(cfg.RequestTimeout, cfg.IdleTimeout)
	return r
}

// SetTimeouts changes the request deadline and idle timeout for future
// requests and reads. Non-positive values keep the current setting.
func (r *Registry) SetTimeouts(request, idle time.Duration) {
	if request > 0 {
		r.reqTimeout.Store(int64(request))
	}
	if idle > 0 {
		r.idleTimeout.Store(int64(idle))
	}
}

func (r *Registry) RequestTimeout() time.Duration { return time.Duration(r.reqTimeout.Load()) }
func (r *Registry) IdleTimeout() time.Duration    { return time.Duration(r.idleTimeout.Load()) }
func (r *Registry) Addr() string                  { return r.cfg.Addr }

// GetOrCreate returns the user's session, starting a login if none exists.
// The new session is registered before its handshake runs, so concurrent
// callers for the same user share one connection attempt.
func (r *Registry) GetOrCreate(ctx context.Context, username string) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrShutdown.Wrap()
	}
	s, ok := r.sessions[username]
	if !ok {
		s = newSession(username, r)
		r.sessions[username] = s
		safe.SafeGo("session:"+username, s.run)
		logger.Infof("[Session] user=%s connecting addr=%s", username, r.cfg.Addr)
	}
	r.mu.Unlock()

	if err := s.WaitReady(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the registered session without creating one.
func (r *Registry) Get(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[username]
	return s, ok
}

// Ready returns the user's session only if it finished its handshake.
func (r *Registry) Ready(username string) (*Session, bool) {
	s, ok := r.Get(username)
	if !ok || s.State() != StateReady {
		return nil, false
	}
	return s, true
}

// Any returns some ready session, preferring the oldest, for requests that
// need a connection but are not tied to a user.
func (r *Registry) Any() (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Session
	for _, s := range r.sessions {
		if s.State() != StateReady {
			continue
		}
		if best == nil || s.createdAt.Before(best.createdAt) {
			best = s
		}
	}
	return best, best != nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) Usernames() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.sessions))
	for u := range r.sessions {
		out = append(out, u)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Probe dials the backend once and hangs up.
func (r *Registry) Probe(ctx context.Context) error {
	conn, err := r.dial(ctx, "tcp", r.cfg.Addr)
	if err != nil {
		return errs.ErrTransport.WrapMsg(err.Error(), "addr", r.cfg.Addr)
	}
	return conn.Close()
}

// Close ends the user's session and waits for it to wind down.
func (r *Registry) Close(ctx context.Context, username string) error {
	s, ok := r.Get(username)
	if !ok {
		return nil
	}
	s.shutdown(ErrClosedByClient.WrapMsg("", "user", username))
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return errs.Wrap(ctx.Err())
	}
}

// CloseAll stops accepting logins and closes every session.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.shutdown(ErrShutdown.Wrap())
	}
	for _, s := range all {
		select {
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}
}

// remove drops s only if it is still the registered session for its user,
// so a stale close never evicts a newer login.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.username]; ok && cur == s {
		delete(r.sessions, s.username)
	}
}

func (r *Registry) unsolicited(username string, rec wire.Record) {
	if r.onRecord == nil {
		logger.Debugf("[Session] user=%s no handler for unsolicited %s", username, rec.Type)
		return
	}
	r.onRecord(username, rec)
}
