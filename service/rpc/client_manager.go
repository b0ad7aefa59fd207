package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"chatgate/logger"
	"chatgate/tools/errs"
	"chatgate/tools/safe"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type Config struct {
	Target              string        // gRPC service address
	Service             string        // full service name, e.g. chat.ChatService
	DialTimeout         time.Duration // per attempt
	RetryInterval       time.Duration // fixed delay between attempts until the first connect
	HealthCheckInterval time.Duration
	RequestTimeout      time.Duration
	DialOptions         []grpc.DialOption
}

func (c *Config) norm() {
	if c.Service == "" {
		c.Service = "chat.ChatService"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 15 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Manager owns the one shared client connection of the RPC binding. Start
// keeps dialing on a fixed delay until the first connect succeeds; after
// that gRPC handles transport reconnects and the health loop only tracks
// whether the backend reports SERVING.
type Manager struct {
	cfg       Config
	mu        sync.RWMutex
	conn      *grpc.ClientConn
	healthy   atomic.Bool
	attempts  atomic.Int64
	ready     chan struct{}
	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewManager(cfg Config) *Manager {
	cfg.norm()
	return &Manager{
		cfg:    cfg,
		ready:  make(chan struct{}),
		stopCh: make(chan struct{}),
	}
}

func (m *Manager) Start() {
	m.startOnce.Do(func() {
		safe.SafeGo("rpc-connect", m.run)
	})
}

func (m *Manager) run() {
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		if err := m.connect(); err != nil {
			logger.Warnf("[RPC] connect %s failed (attempt %d): %v; retry in %s",
				m.cfg.Target, m.attempts.Load(), err, m.cfg.RetryInterval)
			select {
			case <-time.After(m.cfg.RetryInterval):
			case <-m.stopCh:
				return
			}
			continue
		}

		safe.SafeGo("rpc-health", m.healthLoop)
		return
	}
}

func (m *Manager) connect() error {
	m.attempts.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	defer cancel()

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, m.cfg.DialOptions...)
	conn, err := grpc.DialContext(ctx, m.cfg.Target, opts...)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.healthy.Store(true)
	close(m.ready)

	logger.Infof("[RPC] connected to %s after %d attempt(s)", m.cfg.Target, m.attempts.Load())
	return nil
}

func (m *Manager) healthLoop() {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	m.mu.RLock()
	health := grpc_health_v1.NewHealthClient(m.conn)
	m.mu.RUnlock()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			resp, err := health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: m.cfg.Service})
			cancel()
			ok := err == nil && resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
			if status.Code(err) == codes.Unimplemented {
				// backend without the health service; reachability is all we know
				ok = true
			}
			if prev := m.healthy.Swap(ok); prev != ok {
				logger.Infof("[RPC] backend health changed healthy=%v err=%v", ok, err)
			}
		case <-m.stopCh:
			return
		}
	}
}

// Ready reports whether the first connect has happened.
func (m *Manager) Ready() bool {
	select {
	case <-m.ready:
		return true
	default:
		return false
	}
}

func (m *Manager) Healthy() bool { return m.Ready() && m.healthy.Load() }

func (m *Manager) Attempts() int64 { return m.attempts.Load() }

// WaitReady blocks until the first connect or ctx expiry.
func (m *Manager) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return errs.ErrUnavailable.WrapMsg(ctx.Err().Error(), "target", m.cfg.Target)
	}
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		if m.conn != nil {
			_ = m.conn.Close()
		}
		m.conn = nil
		m.mu.Unlock()
	})
}

// Invoke calls one unary operation. Arguments and reply travel as
// google.protobuf.Struct; a non-empty "error" field in the reply is a
// rejection by the backend.
func (m *Manager) Invoke(ctx context.Context, op string, args map[string]any) (*structpb.Struct, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return nil, errs.ErrUnavailable.WrapMsg("rpc client not initialized", "op", op)
	}

	req, err := structpb.NewStruct(args)
	if err != nil {
		return nil, errs.ErrArgs.WrapMsg(err.Error(), "op", op)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, "/"+m.cfg.Service+"/"+op, req, resp); err != nil {
		return nil, mapStatus(err, op)
	}
	if msg := resp.GetFields()["error"].GetStringValue(); msg != "" {
		return nil, errs.ErrRejected.WrapMsg(msg, "op", op)
	}
	return resp, nil
}

func mapStatus(err error, op string) error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.DeadlineExceeded, codes.Canceled:
		return errs.ErrTimeout.WrapMsg(st.Message(), "op", op)
	case codes.Unavailable:
		return errs.ErrUnavailable.WrapMsg(st.Message(), "op", op)
	case codes.InvalidArgument:
		return errs.ErrArgs.WrapMsg(st.Message(), "op", op)
	case codes.NotFound, codes.FailedPrecondition, codes.AlreadyExists, codes.PermissionDenied:
		return errs.ErrRejected.WrapMsg(st.Message(), "op", op)
	case codes.Unimplemented:
		return errs.ErrNotImplemented.WrapMsg(st.Message(), "op", op)
	default:
		return errs.ErrTransport.WrapMsg(st.Message(), "op", op, "code", st.Code())
	}
}
