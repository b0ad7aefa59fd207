package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"chatgate/logger"
	"chatgate/service/wire"
	"chatgate/tools/errs"

	"github.com/golang/glog"
)

// run owns the connection for the whole session: dial, login handshake,
// then the read loop. Every exit path ends in finish.
func (s *Session) run() {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrPanic(r)
			logger.Errorf("[Session] user=%s connection goroutine panic: %v", s.username, r)
		}
		s.finish(err)
	}()

	conn, err := s.dial()
	if err != nil {
		return
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), s.reg.cfg.MaxLineBytes)

	if err = s.handshake(conn, sc); err != nil {
		return
	}
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateReady)) {
		err = ErrNotReady.WrapMsg("closed during login", "user", s.username)
		return
	}
	close(s.ready)
	logger.Infof("[Session] user=%s ready remote=%s", s.username, conn.RemoteAddr())

	err = s.readLoop(conn, sc)
}

func (s *Session) dial() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.reg.cfg.DialTimeout)
	defer cancel()
	conn, err := s.reg.dial(ctx, "tcp", s.reg.cfg.Addr)
	if err != nil {
		return nil, errs.ErrTransport.WrapMsg(err.Error(), "user", s.username, "addr", s.reg.cfg.Addr)
	}
	s.mu.Lock()
	if s.reason != nil {
		// shut down while dialing
		s.mu.Unlock()
		_ = conn.Close()
		return nil, s.reason
	}
	s.conn = conn
	s.mu.Unlock()
	return conn, nil
}

// handshake sends the login command and waits for the success or error
// sentinel. Other records before the sentinel are dropped.
func (s *Session) handshake(conn net.Conn, sc *bufio.Scanner) error {
	_ = conn.SetDeadline(time.Now().Add(s.reg.cfg.HandshakeTimeout))
	s.writeMu.Lock()
	err := s.write(conn, wire.Login(s.username).Encode())
	s.writeMu.Unlock()
	if err != nil {
		return errs.ErrTransport.WrapMsg(err.Error(), "user", s.username, "phase", "login")
	}
	_ = conn.SetDeadline(time.Now().Add(s.reg.cfg.HandshakeTimeout))

	for sc.Scan() {
		line := sc.Text()
		if glog.V(2) {
			glog.Infof("[wire] %s << %s", s.username, line)
		}
		rec, err := wire.Decode(line)
		if err != nil {
			logger.Warnf("[Session] user=%s bad line during login: %v", s.username, err)
			continue
		}
		switch rec.Type {
		case wire.TypeLoginSuccess:
			_ = conn.SetDeadline(time.Time{})
			return nil
		case wire.TypeLoginError:
			return errs.ErrLoginRejected.WrapMsg(wire.Unescape(rec.Get("message")), "user", s.username)
		default:
			logger.Debugf("[Session] user=%s ignoring %s before login", s.username, rec.Type)
		}
	}
	return s.readErr(sc.Err(), "login")
}

func (s *Session) readLoop(conn net.Conn, sc *bufio.Scanner) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.reg.IdleTimeout()))
		if !sc.Scan() {
			return s.readErr(sc.Err(), "read")
		}
		line := sc.Text()
		if glog.V(2) {
			glog.Infof("[wire] %s << %s", s.username, line)
		}
		if line == "" {
			continue
		}
		rec, err := wire.Decode(line)
		if err != nil {
			// a reply we cannot read still consumes its request's slot
			if !s.failHead(err) {
				logger.Warnf("[Session] user=%s dropping unsolicited line: %v", s.username, err)
			}
			continue
		}
		s.dispatch(rec)
	}
}

func (s *Session) readErr(err error, phase string) error {
	if err == nil {
		err = io.EOF
	}
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		if phase == "login" {
			return errs.ErrTimeout.WrapMsg("login handshake", "user", s.username)
		}
		return ErrIdle.WrapMsg(fmt.Sprintf("no traffic for %s", s.reg.IdleTimeout()), "user", s.username)
	case errors.Is(err, bufio.ErrTooLong):
		return errs.ErrMalformed.WrapMsg("line exceeds limit", "user", s.username, "phase", phase)
	case errors.Is(err, io.EOF):
		return errs.ErrTransport.WrapMsg("backend closed connection", "user", s.username, "phase", phase)
	default:
		return errs.ErrTransport.WrapMsg(err.Error(), "user", s.username, "phase", phase)
	}
}
