package nacos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatgate/logger"
	"chatgate/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	content   string
	getErr    error
	onChange  func(namespace, group, dataId, data string)
	cancelled bool
}

func (f *fakeSource) GetConfig(vo.ConfigParam) (string, error) { return f.content, f.getErr }

func (f *fakeSource) ListenConfig(p vo.ConfigParam) error {
	f.mu.Lock()
	f.onChange = p.OnChange
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) CancelListenConfig(vo.ConfigParam) error {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) push(data string) {
	f.mu.Lock()
	cb := f.onChange
	f.mu.Unlock()
	cb("public", "DEFAULT_GROUP", "chatgate.yaml", data)
}

type timeouts struct {
	mu            sync.Mutex
	request, idle time.Duration
}

func (t *timeouts) SetTimeouts(request, idle time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if request > 0 {
		t.request = request
	}
	if idle > 0 {
		t.idle = idle
	}
}

func TestWatcherAppliesInitialAndChangedConfig(t *testing.T) {
	prev := logger.Level()
	defer func() { _ = logger.SetLevel(prev) }()

	src := &fakeSource{content: "backend:\n  request_timeout: 10s\n"}
	ts := &timeouts{request: 30 * time.Second, idle: 5 * time.Minute}
	w := NewWatcher(src, "chatgate.yaml", "DEFAULT_GROUP", ApplyDynamic(ts))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	require.Equal(t, 10*time.Second, ts.request)
	require.Equal(t, 5*time.Minute, ts.idle)

	src.push("backend:\n  idle_timeout: 1m\nlog:\n  level: debug\n")
	require.Equal(t, time.Minute, ts.idle)
	require.Equal(t, 10*time.Second, ts.request)
	require.Equal(t, "debug", logger.Level())
	require.Contains(t, w.Current(), "idle_timeout")

	src.push("backend: [not, a, map")
	require.Equal(t, time.Minute, ts.idle)

	cancel()
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.cancelled
	}, time.Second, 10*time.Millisecond)
}

func TestWatcherStartFails(t *testing.T) {
	w := NewWatcher(&fakeSource{getErr: errors.New("403")}, "x", "g", nil)
	require.Error(t, w.Start(context.Background()))
}

type fakeNaming struct {
	registered []vo.RegisterInstanceParam
	gone       int
}

func (f *fakeNaming) RegisterInstance(p vo.RegisterInstanceParam) (bool, error) {
	f.registered = append(f.registered, p)
	return true, nil
}

func (f *fakeNaming) DeregisterInstance(vo.DeregisterInstanceParam) (bool, error) {
	f.gone++
	return true, nil
}

func TestRegistryAdvertisesGateway(t *testing.T) {
	naming := &fakeNaming{}
	r, err := NewRegistry(naming, "chatgate", "10.0.0.5:3000", "gw-7")
	require.NoError(t, err)
	require.NoError(t, r.Register())
	require.Len(t, naming.registered, 1)
	got := naming.registered[0]
	require.Equal(t, "10.0.0.5", got.Ip)
	require.EqualValues(t, 3000, got.Port)
	require.Equal(t, "gw-7", got.Metadata["gateway_id"])

	r.Deregister()
	require.Equal(t, 1, naming.gone)

	_, err = NewRegistry(naming, "chatgate", ":3000", "gw-7")
	require.True(t, errs.Is(err, errs.ErrArgs))
}

func TestClientParamRejectsBadAddr(t *testing.T) {
	_, err := clientParam(ClientOptions{Addr: "nacos"})
	require.True(t, errs.Is(err, errs.ErrArgs))

	p, err := clientParam(ClientOptions{Addr: "127.0.0.1:8848", Namespace: "dev"})
	require.NoError(t, err)
	require.Equal(t, "dev", p.ClientConfig.NamespaceId)
	require.EqualValues(t, 8848, p.ServerConfigs[0].Port)
}
