package session

import (
	"time"

	"chatgate/tools/errs"
)

type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Config struct {
	Addr             string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	RequestTimeout   time.Duration
	MaxLineBytes     int
}

func (c *Config) norm() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = 1 << 20
	}
}

var (
	ErrClosedByClient = errs.NewCodeError(errs.ServerInternalError, "session closed")
	ErrIdle           = errs.NewCodeError(errs.BadGatewayError, "backend connection idle timeout")
	ErrNotReady       = errs.NewCodeError(errs.UnavailableError, "session not ready")
	ErrShutdown       = errs.NewCodeError(errs.UnavailableError, "gateway shutting down")
)
