package realtime

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subscriber is one push channel. It starts unauthenticated; BindUser
// attaches it to a user. Outbound frames go through Send and are written by
// the connection's single writer goroutine.
type Subscriber struct {
	SnowID     string
	UserID     string
	Authorized bool

	Conn   *websocket.Conn
	Remote net.Addr

	CreatedAt time.Time
	Heartbeat time.Time
	ExpireAt  time.Time // 未认证连接的截止时间，由 sweeper 清理

	Send chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	queued func() // test hook, runs between queueing and the re-check
}

func newSubscriber(snowID string, conn *websocket.Conn, queue int, authTTL time.Duration, now time.Time) *Subscriber {
	s := &Subscriber{
		SnowID:    snowID,
		Conn:      conn,
		CreatedAt: now,
		Heartbeat: now,
		ExpireAt:  now.Add(authTTL),
		Send:      make(chan []byte, queue),
		closed:    make(chan struct{}),
	}
	if conn != nil {
		s.Remote = conn.RemoteAddr()
	}
	return s
}

// Push queues payload without blocking. A full queue or a closed
// subscriber reports false and the caller falls back to buffering.
// A writer that dies on a write error stops draining Send, so a close seen
// after queueing also reports false; the frame may then arrive twice but is
// never lost.
func (s *Subscriber) Push(payload []byte) bool {
	if !s.Live() {
		return false
	}
	select {
	case s.Send <- payload:
	default:
		return false
	}
	if s.queued != nil {
		s.queued()
	}
	return s.Live()
}

// Close stops the writer; the socket itself is closed by the writer.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Subscriber) Closed() <-chan struct{} { return s.closed }

func (s *Subscriber) Live() bool {
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}
