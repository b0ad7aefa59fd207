package rpc

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"chatgate/service/backend/rpctest"
	"chatgate/tools/errs"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func TestManagerRetriesUntilFirstConnect(t *testing.T) {
	srv := rpctest.NewServer()
	defer srv.Close()

	var allow atomic.Bool
	gate := grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		if !allow.Load() {
			return nil, errors.New("connection refused")
		}
		return srv.Dial(ctx)
	})

	m := NewManager(Config{
		Target:        "bufnet",
		DialTimeout:   100 * time.Millisecond,
		RetryInterval: 50 * time.Millisecond,
		DialOptions:   []grpc.DialOption{gate},
	})
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool { return m.Attempts() >= 2 }, 3*time.Second, 10*time.Millisecond)
	require.False(t, m.Ready())
	_, err := m.Invoke(context.Background(), "Login", map[string]any{"username": "alice"})
	require.True(t, errs.Is(err, errs.ErrUnavailable))

	allow.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, m.WaitReady(ctx))
	require.True(t, m.Healthy())

	resp, err := m.Invoke(ctx, "Login", map[string]any{"username": "alice"})
	require.NoError(t, err)
	require.True(t, resp.GetFields()["result"].GetBoolValue())
}

func TestManagerMapsErrorsAndRejections(t *testing.T) {
	srv := rpctest.NewServer()
	defer srv.Close()

	m := NewManager(Config{Target: "bufnet", DialOptions: []grpc.DialOption{srv.DialOption()}})
	m.Start()
	defer m.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, m.WaitReady(ctx))

	_, err := m.Invoke(ctx, "NoSuchOp", map[string]any{})
	require.Equal(t, errs.NotImplementedError, errs.Status(err))

	srv.Reject("Login", "name taken")
	_, err = m.Invoke(ctx, "Login", map[string]any{"username": "alice"})
	require.True(t, errs.Is(err, errs.ErrRejected))
	require.Contains(t, errs.Message(err), "name taken")

	_, err = m.Invoke(ctx, "Login", map[string]any{"bad": make(chan int)})
	require.Equal(t, errs.ArgsError, errs.Status(err))
}

func TestWaitReadyHonoursContext(t *testing.T) {
	m := NewManager(Config{Target: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, RetryInterval: time.Hour})
	m.Start()
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := m.WaitReady(ctx)
	require.Equal(t, errs.UnavailableError, errs.Status(err))
	require.False(t, m.Healthy())
}
