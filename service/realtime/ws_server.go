package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"chatgate/logger"
	"chatgate/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	frameAuth         = "auth"
	frameAuthResponse = "auth_response"
	maxClientFrame    = 64 << 10
)

// Authenticator checks an auth frame; nil means any non-empty username.
type Authenticator func(username, token string) error

// Presence records which gateway holds a user's subscriber.
type Presence interface {
	Online(ctx context.Context, user, gatewayID string, ttl time.Duration) error
	Offline(ctx context.Context, user, gatewayID string) error
}

type ServerConf struct {
	PingInterval time.Duration
	WriteWait    time.Duration
	PresenceTTL  time.Duration
	CheckOrigin  func(r *http.Request) bool
}

func (c *ServerConf) norm() {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 3 * c.PingInterval
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(r *http.Request) bool { return true }
	}
}

// Server accepts push channel connections.
type Server struct {
	conns    *ConnManager
	fanout   *Fanout
	conf     ServerConf
	auth     Authenticator
	presence Presence
	upgrader websocket.Upgrader
}

type ServerOption func(*Server)

func WithAuthenticator(a Authenticator) ServerOption { return func(s *Server) { s.auth = a } }
func WithPresence(p Presence) ServerOption           { return func(s *Server) { s.presence = p } }

func NewServer(conns *ConnManager, fanout *Fanout, conf ServerConf, opts ...ServerOption) *Server {
	conf.norm()
	s := &Server{conns: conns, fanout: fanout, conf: conf}
	s.upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: conf.CheckOrigin}
	for _, o := range opts {
		o(s)
	}
	return s
}

type clientFrame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

type authResponse struct {
	Type     string `json:"type"`
	OK       bool   `json:"ok"`
	Username string `json:"username,omitempty"`
	Error    string `json:"error,omitempty"`
}

// HandleWS 升级连接并运行读循环；写由 writeLoop 独占
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[WS] upgrade failed: %v", err)
		return
	}
	sub := s.conns.AddUnauth(ws)
	done := make(chan struct{})
	safe.SafeGo("ws-writer:"+sub.SnowID, func() { s.writeLoop(sub, done) })

	ws.SetReadLimit(maxClientFrame)
	_ = ws.SetReadDeadline(time.Now().Add(s.conns.conf.AuthTTL))
	pongWait := 2*s.conf.PingInterval + s.conf.WriteWait
	ws.SetPongHandler(func(string) error {
		s.conns.Heartbeat(sub.SnowID)
		if _, ok := s.conns.UserOf(sub.SnowID); ok {
			_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		}
		return nil
	})

	logger.Infof("[WS] connected snowID=%s remote=%v", sub.SnowID, sub.Remote)
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[WS] peer closed snowID=%s", sub.SnowID)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[WS] read timeout snowID=%s err=%v", sub.SnowID, rerr)
			} else {
				logger.Infof("[WS] read err snowID=%s err=%v", sub.SnowID, rerr)
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Debugf("[WS] bad frame snowID=%s len=%d err=%v", sub.SnowID, len(data), err)
			continue
		}
		if f.Type != frameAuth {
			logger.Debugf("[WS] ignore frame type=%q snowID=%s", f.Type, sub.SnowID)
			continue
		}
		if !s.authenticate(c.Request.Context(), sub, f) {
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	}

	if user, detached := s.conns.RemoveBySnow(sub.SnowID); detached && s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.presence.Offline(ctx, user, s.conns.GwID()); err != nil {
			logger.Warnf("[WS] presence offline user=%s: %v", user, err)
		}
		cancel()
	}
	sub.Close()
	<-done
}

func (s *Server) authenticate(ctx context.Context, sub *Subscriber, f clientFrame) bool {
	reject := func(msg string) bool {
		s.reply(sub, authResponse{Type: frameAuthResponse, OK: false, Username: f.Username, Error: msg})
		logger.Infof("[WS] auth rejected snowID=%s user=%q: %s", sub.SnowID, f.Username, msg)
		return false
	}
	if f.Username == "" {
		return reject("username required")
	}
	if s.auth != nil {
		if err := s.auth(f.Username, f.Token); err != nil {
			return reject(err.Error())
		}
	}
	if _, err := s.conns.BindUser(sub.SnowID, f.Username); err != nil {
		return reject(err.Error())
	}
	s.reply(sub, authResponse{Type: frameAuthResponse, OK: true, Username: f.Username})
	s.markOnline(ctx, f.Username)
	s.fanout.Attached(ctx, f.Username, sub)
	logger.Infof("[WS] user=%s attached snowID=%s", f.Username, sub.SnowID)
	return true
}

func (s *Server) reply(sub *Subscriber, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if !sub.Push(b) {
		logger.Warnf("[WS] snowID=%s send queue full, drop %T", sub.SnowID, v)
	}
}

func (s *Server) markOnline(ctx context.Context, user string) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.presence.Online(ctx, user, s.conns.GwID(), s.conf.PresenceTTL); err != nil {
		logger.Warnf("[WS] presence online user=%s: %v", user, err)
	}
}
