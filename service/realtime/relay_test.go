package realtime

import (
	"context"
	"testing"

	"chatgate/service/natsx"
	"chatgate/service/wire"

	"github.com/stretchr/testify/require"
)

// loopBus connects relays in-process: a publish to key k runs k's handler.
type loopBus struct {
	routes   map[string]natsx.NatsxRoute
	handlers map[string]natsx.NatsxHandler
	sent     []string
}

func newLoopBus() *loopBus {
	return &loopBus{routes: map[string]natsx.NatsxRoute{}, handlers: map[string]natsx.NatsxHandler{}}
}

func (b *loopBus) RegisterRoute(r natsx.NatsxRoute) error { b.routes[r.Biz] = r; return nil }

func (b *loopBus) Publish(ctx context.Context, biz, key string, data []byte, _ map[string]string) error {
	b.sent = append(b.sent, key)
	if h, ok := b.handlers[key]; ok {
		return h(ctx, natsx.NatsxMessage{Subject: "chat.push." + key, Data: data})
	}
	return nil
}

func (b *loopBus) Subscribe(_, key string, h natsx.NatsxHandler) error {
	b.handlers[key] = h
	return nil
}

type lookupMap map[string]string

func (l lookupMap) Lookup(_ context.Context, user string) (string, bool, error) {
	gw, ok := l[user]
	return gw, ok, nil
}

func TestRelayAcrossGateways(t *testing.T) {
	bus := newLoopBus()
	presence := lookupMap{"alice": "gw-b"}

	connsA := NewConnManager(ManagerConf{}, "gw-a")
	defer connsA.Close()
	relayA, err := NewNatsRelay(bus, presence, "gw-a")
	require.NoError(t, err)
	fanA := NewFanout(connsA, NewMemoryBuffer(0), WithRelay(relayA))
	require.NoError(t, relayA.Serve(fanA))

	connsB := NewConnManager(ManagerConf{}, "gw-b")
	defer connsB.Close()
	relayB, err := NewNatsRelay(bus, presence, "gw-b")
	require.NoError(t, err)
	bufB := NewMemoryBuffer(0)
	fanB := NewFanout(connsB, bufB, WithRelay(relayB))
	require.NoError(t, relayB.Serve(fanB))
	sub := attach(t, connsB, "alice")

	ev := wire.Event{Type: wire.EventPrivateMessage, From: "bob", To: "alice", Content: "hi"}
	require.NoError(t, fanA.Deliver(context.Background(), "alice", ev))
	require.Equal(t, []string{"gw-b"}, bus.sent)
	got := recv(t, sub)
	require.Equal(t, "hi", got["content"])

	// subscriber gone on gw-b: it buffers instead of bouncing back
	connsB.RemoveBySnow(sub.SnowID)
	require.NoError(t, fanA.Deliver(context.Background(), "alice", ev))
	require.Equal(t, 1, bufB.Len("alice"))
	require.Equal(t, RelaySubject, bus.routes[RelayBiz].Subject)
}

func TestRelaySkipsLocalAndOffline(t *testing.T) {
	bus := newLoopBus()
	r, err := NewNatsRelay(bus, lookupMap{"alice": "gw-a"}, "gw-a")
	require.NoError(t, err)

	ok, err := r.Forward(context.Background(), "alice", wire.Event{Type: wire.EventSystemMessage})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = r.Forward(context.Background(), "nobody", wire.Event{Type: wire.EventSystemMessage})
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, bus.sent)
}
