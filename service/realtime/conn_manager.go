package realtime

import (
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"chatgate/logger"
	"chatgate/tools/ids"

	"github.com/gorilla/websocket"
)

var (
	errSnowEmpty    = errors.New("snowID/user empty")
	errSnowNotFound = errors.New("snowID not found")
)

// ===== 配置 =====

type ManagerConf struct {
	AuthTTL    time.Duration    // 未认证连接必须在此时间内完成 auth
	SweepEvery time.Duration    // 清理周期
	SendQueue  int              // 每连接发送队列长度
	Clock      func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.AuthTTL <= 0 {
		c.AuthTTL = 30 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 5 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
}

// ConnManager indexes push subscribers by snow id and by user. A user has at
// most one subscriber; binding a newer one replaces and closes the older.
type ConnManager struct {
	mu     sync.RWMutex
	bySnow map[string]*Subscriber // 主索引：snowID -> subscriber
	byUser map[string]*Subscriber // userID -> 当前订阅者

	conf     ManagerConf
	idGen    *ids.Generator
	stopOnce sync.Once
	stopCh   chan struct{}
	gwID     string
}

func NewConnManager(conf ManagerConf, gwID string) *ConnManager {
	conf.norm()
	m := &ConnManager{
		bySnow: make(map[string]*Subscriber),
		byUser: make(map[string]*Subscriber),
		conf:   conf,
		idGen:  ids.NewGenerator(ids.NodeIDFromName(gwID)),
		gwID:   gwID,
		stopCh: make(chan struct{}),
	}
	go m.sweeper()
	return m
}

func (m *ConnManager) GwID() string { return m.gwID }

func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	all := make([]*Subscriber, 0, len(m.bySnow))
	for _, s := range m.bySnow {
		all = append(all, s)
	}
	m.bySnow = map[string]*Subscriber{}
	m.byUser = map[string]*Subscriber{}
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

// AddUnauth registers a new connection under a fresh snow id.
func (m *ConnManager) AddUnauth(conn *websocket.Conn) *Subscriber {
	now := m.conf.Clock()
	s := newSubscriber(m.nextID(), conn, m.conf.SendQueue, m.conf.AuthTTL, now)
	m.mu.Lock()
	m.bySnow[s.SnowID] = s
	m.mu.Unlock()
	return s
}

func (m *ConnManager) nextID() string {
	for {
		id := formatID(m.idGen.Next())
		m.mu.RLock()
		_, exists := m.bySnow[id]
		m.mu.RUnlock()
		if !exists {
			return id
		}
	}
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }

// BindUser attaches snowID to user and returns the subscriber it replaced.
func (m *ConnManager) BindUser(snowID, user string) (*Subscriber, error) {
	if snowID == "" || user == "" {
		return nil, errSnowEmpty
	}
	now := m.conf.Clock()
	m.mu.Lock()
	s, ok := m.bySnow[snowID]
	if !ok {
		m.mu.Unlock()
		return nil, errSnowNotFound
	}
	// 同一连接换绑用户：从旧 user 索引移除
	if s.Authorized && s.UserID != user && m.byUser[s.UserID] == s {
		delete(m.byUser, s.UserID)
	}
	old := m.byUser[user]
	if old == s {
		old = nil
	}
	if old != nil {
		delete(m.bySnow, old.SnowID)
	}
	m.byUser[user] = s
	s.UserID = user
	s.Authorized = true
	s.Heartbeat = now
	m.mu.Unlock()

	if old != nil {
		old.Close()
		logger.Infof("[WS] user=%s subscriber %s replaced by %s", user, old.SnowID, s.SnowID)
	}
	return old, nil
}

// Get returns the user's live subscriber.
func (m *ConnManager) Get(user string) (*Subscriber, bool) {
	m.mu.RLock()
	s, ok := m.byUser[user]
	m.mu.RUnlock()
	if !ok || !s.Live() {
		return nil, false
	}
	return s, true
}

// UserOf returns the user snowID is bound to.
func (m *ConnManager) UserOf(snowID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.bySnow[snowID]
	if !ok || !s.Authorized {
		return "", false
	}
	return s.UserID, true
}

// Heartbeat 刷新心跳
func (m *ConnManager) Heartbeat(snowID string) {
	now := m.conf.Clock()
	m.mu.Lock()
	if s, ok := m.bySnow[snowID]; ok {
		s.Heartbeat = now
	}
	m.mu.Unlock()
}

// RemoveBySnow drops snowID. The user index is cleared only when it still
// points at this subscriber, so closing a replaced socket never detaches
// the newer one. It reports the user that lost its subscriber, if any.
func (m *ConnManager) RemoveBySnow(snowID string) (user string, detached bool) {
	m.mu.Lock()
	s, ok := m.bySnow[snowID]
	if ok {
		delete(m.bySnow, snowID)
		if s.Authorized && m.byUser[s.UserID] == s {
			delete(m.byUser, s.UserID)
			user, detached = s.UserID, true
		}
	}
	m.mu.Unlock()
	if ok {
		s.Close()
	}
	return user, detached
}

func (m *ConnManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySnow)
}

// Users lists users with a bound subscriber.
func (m *ConnManager) Users() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.byUser))
	for u := range m.byUser {
		out = append(out, u)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sweepOnce(m.conf.Clock())
		case <-m.stopCh:
			return
		}
	}
}

// sweepOnce closes connections that never authenticated in time.
func (m *ConnManager) sweepOnce(now time.Time) int {
	var expired []*Subscriber
	m.mu.Lock()
	for id, s := range m.bySnow {
		if !s.Authorized && now.After(s.ExpireAt) {
			delete(m.bySnow, id)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()
	for _, s := range expired {
		s.Close()
		logger.Infof("[WS] snowID=%s closed: no auth within %s", s.SnowID, m.conf.AuthTTL)
	}
	return len(expired)
}
