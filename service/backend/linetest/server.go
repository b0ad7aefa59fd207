// Package linetest runs an in-process chat backend that speaks the line
// protocol, for tests. It keeps users, groups and history in memory and
// answers like the production chat server, including its quirks: group
// creation is acknowledged only by the group_created broadcast, and logins
// and joins are broadcast as system messages.
package linetest

import (
	"bufio"
	"net"
	"sort"
	"strings"
	"sync"

	"chatgate/service/wire"
)

// Interceptor may handle a command itself; returning true skips the default behaviour.
type Interceptor func(c *Conn, rec wire.Record) bool

type Conn struct {
	net.Conn
	mu       sync.Mutex
	Username string
}

// Send writes one raw line (a trailing newline is added).
func (c *Conn) Send(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.Conn.Write([]byte(line + "\n"))
	return err
}

type message struct{ from, content string }

type Server struct {
	ln net.Listener
	wg sync.WaitGroup

	mu        sync.Mutex
	intercept Interceptor
	conns     map[string]*Conn
	all       map[*Conn]struct{}
	logins    map[string]int
	received  []wire.Record
	groups    map[string][]string
	history   map[string][]message
	broadcast bool
}

func NewServer() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:      ln,
		conns:   make(map[string]*Conn),
		all:     make(map[*Conn]struct{}),
		logins:  make(map[string]int),
		groups:  make(map[string][]string),
		history: make(map[string][]message),
	}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// SetInterceptor installs a hook that sees every command after login.
func (s *Server) SetInterceptor(i Interceptor) {
	s.mu.Lock()
	s.intercept = i
	s.mu.Unlock()
}

// BroadcastSystemMessages turns on the login/join system_message broadcasts.
func (s *Server) BroadcastSystemMessages(on bool) {
	s.mu.Lock()
	s.broadcast = on
	s.mu.Unlock()
}

// Logins counts successful handshakes for username.
func (s *Server) Logins(username string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins[username]
}

// Received returns every decoded command, logins included.
func (s *Server) Received() []wire.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Record(nil), s.received...)
}

// Push sends an unsolicited line to a logged-in user.
func (s *Server) Push(username, line string) bool {
	s.mu.Lock()
	c, ok := s.conns[username]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return c.Send(line) == nil
}

// Kick closes a user's connection from the backend side.
func (s *Server) Kick(username string) {
	s.mu.Lock()
	c, ok := s.conns[username]
	delete(s.conns, username)
	s.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

func (s *Server) CreateGroup(name string, members ...string) {
	s.mu.Lock()
	s.groups[name] = append([]string(nil), members...)
	s.mu.Unlock()
}

func (s *Server) Members(group string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.groups[group]...)
}

func (s *Server) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	for c := range s.all {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		c := &Conn{Conn: nc}
		s.mu.Lock()
		s.all[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c *Conn) {
	defer s.wg.Done()
	defer func() {
		_ = c.Close()
		s.mu.Lock()
		delete(s.all, c)
		if c.Username != "" && s.conns[c.Username] == c {
			delete(s.conns, c.Username)
		}
		s.mu.Unlock()
	}()

	sc := bufio.NewScanner(c)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		rec, err := wire.Decode(sc.Text())
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, rec)
		icpt := s.intercept
		s.mu.Unlock()

		if rec.Type == wire.VerbLogin {
			if !s.login(c, rec.Get("username")) {
				return
			}
			continue
		}
		if rec.Type == wire.VerbLogout {
			return
		}
		if icpt != nil && icpt(c, rec) {
			continue
		}
		s.handle(c, rec)
	}
}

func (s *Server) login(c *Conn, username string) bool {
	s.mu.Lock()
	_, taken := s.conns[username]
	if username == "" || taken {
		s.mu.Unlock()
		_ = c.Send("type:login_error|message:invalid or taken username")
		return false
	}
	c.Username = username
	s.conns[username] = c
	s.logins[username]++
	bc := s.broadcast
	s.mu.Unlock()

	_ = c.Send("type:login_success|message:welcome " + username)
	if bc {
		s.broadcastLine("type:system_message|content:" + username + " connected")
	}
	return true
}

func (s *Server) handle(c *Conn, rec wire.Record) {
	switch rec.Type {
	case wire.VerbPrivateMessage:
		from, to, content := rec.Get("from"), rec.Get("to"), rec.Get("content")
		s.appendHistory(to, from, content)
		s.Push(to, "type:private_message|from:"+from+"|to:"+to+"|content:"+content)
		_ = c.Send("type:message_sent|to:" + to + "|status:ok|content:" + content)

	case wire.VerbGroupMessage:
		from, group, content := rec.Get("from"), rec.Get("group_name"), rec.Get("content")
		members, ok := s.groupMembers(group)
		if !ok {
			// the production server stays silent for unknown groups
			return
		}
		s.appendHistory(group, from, content)
		for _, m := range members {
			if m != from {
				s.Push(m, "type:group_message|from:"+from+"|group:"+group+"|content:"+content)
			}
		}
		_ = c.Send("type:message_sent|group:" + group + "|status:ok|content:" + content)

	case wire.VerbCreateGroup:
		group, creator := rec.Get("group_name"), rec.Get("creator")
		s.mu.Lock()
		if _, exists := s.groups[group]; exists {
			s.mu.Unlock()
			_ = c.Send("type:error|message:could not create group '" + group + "'.")
			return
		}
		members := []string{creator}
		for _, m := range strings.Split(rec.Get("members"), ",") {
			if m = strings.TrimSpace(m); m != "" && m != creator {
				members = append(members, m)
			}
		}
		s.groups[group] = members
		s.mu.Unlock()
		line := "type:group_created|group_name:" + group + "|creator:" + creator + "|members:" + strings.Join(members, ",")
		for _, m := range members {
			s.Push(m, line)
		}

	case wire.VerbJoinGroup:
		group, user := rec.Get("group_name"), rec.Get("username")
		s.mu.Lock()
		members, ok := s.groups[group]
		if ok && !contains(members, user) {
			s.groups[group] = append(members, user)
		}
		bc := s.broadcast
		s.mu.Unlock()
		if !ok {
			_ = c.Send("type:error|message:could not join group '" + group + "'.")
			return
		}
		_ = c.Send("type:join_group_success|group:" + group + "|status:ok")
		if bc {
			s.broadcastLine("type:system_message|content:" + user + " joined " + group)
		}

	case wire.VerbGetOnlineUsers:
		s.mu.Lock()
		users := make([]string, 0, len(s.conns))
		for u := range s.conns {
			users = append(users, u)
		}
		s.mu.Unlock()
		sort.Strings(users)
		_ = c.Send("type:online_users|users:" + strings.Join(users, ","))

	case wire.VerbGetGroups:
		s.mu.Lock()
		groups := make([]string, 0, len(s.groups))
		for g := range s.groups {
			groups = append(groups, g)
		}
		s.mu.Unlock()
		sort.Strings(groups)
		_ = c.Send("type:groups_list|groups:" + strings.Join(groups, ","))

	case wire.VerbGetHistory:
		target := rec.Get("target")
		s.mu.Lock()
		msgs := append([]message(nil), s.history[target]...)
		s.mu.Unlock()
		parts := make([]string, 0, len(msgs))
		for _, m := range msgs {
			parts = append(parts, m.from+":"+m.content)
		}
		_ = c.Send("type:history|target:" + target + "|messages:" + strings.Join(parts, "|"))

	case wire.VerbAudio:
		from, to, id := rec.Get("from"), rec.Get("to"), rec.Get("audio_id")
		if from == "" || to == "" || id == "" {
			_ = c.Send("type:error|message:incomplete audio data")
			return
		}
		s.Push(to, "type:audio|from:"+from+"|to:"+to+"|audio_id:"+id)
		_ = c.Send("type:audio|from:" + from + "|to:" + to + "|audio_id:" + id + "|status:sent")

	case wire.VerbGroupAudio:
		from, group, id := rec.Get("from"), rec.Get("group_name"), rec.Get("audio_id")
		members, ok := s.groupMembers(group)
		if !ok {
			_ = c.Send("type:error|message:group does not exist")
			return
		}
		for _, m := range members {
			if m != from {
				s.Push(m, "type:group_audio|from:"+from+"|group:"+group+"|audio_id:"+id)
			}
		}
		_ = c.Send("type:group_audio|from:" + from + "|group:" + group + "|audio_id:" + id +
			"|members:" + strings.Join(members, ",") + "|status:sent")
	}
}

func (s *Server) groupMembers(group string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.groups[group]
	return append([]string(nil), m...), ok
}

func (s *Server) appendHistory(key, from, content string) {
	s.mu.Lock()
	s.history[key] = append(s.history[key], message{from: from, content: content})
	s.mu.Unlock()
}

func (s *Server) broadcastLine(line string) {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Send(line)
	}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
