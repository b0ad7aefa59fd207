package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBindReplacesOlderSubscriber(t *testing.T) {
	m := newTestConns(t)
	first := attach(t, m, "alice")
	second := m.AddUnauth(nil)

	old, err := m.BindUser(second.SnowID, "alice")
	require.NoError(t, err)
	require.Same(t, first, old)
	require.False(t, first.Live())

	got, ok := m.Get("alice")
	require.True(t, ok)
	require.Same(t, second, got)

	// closing the replaced socket must not detach the newer one
	_, detached := m.RemoveBySnow(first.SnowID)
	require.False(t, detached)
	_, ok = m.Get("alice")
	require.True(t, ok)

	user, detached := m.RemoveBySnow(second.SnowID)
	require.True(t, detached)
	require.Equal(t, "alice", user)
	_, ok = m.Get("alice")
	require.False(t, ok)
}

func TestBindUnknownSnow(t *testing.T) {
	m := newTestConns(t)
	_, err := m.BindUser("nope", "alice")
	require.Error(t, err)
	_, err = m.BindUser("", "alice")
	require.Error(t, err)
}

func TestSweepClosesUnauthenticated(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewConnManager(ManagerConf{AuthTTL: time.Second, SweepEvery: time.Hour, Clock: func() time.Time { return now }}, "gw")
	defer m.Close()

	pending := m.AddUnauth(nil)
	bound := attach(t, m, "bob")
	require.Equal(t, 2, m.Len())

	require.Zero(t, m.sweepOnce(now))
	require.Equal(t, 1, m.sweepOnce(now.Add(2*time.Second)))
	require.False(t, pending.Live())
	require.True(t, bound.Live())
	require.Equal(t, []string{"bob"}, m.Users())
}

func TestSnowIDsAreUnique(t *testing.T) {
	m := newTestConns(t)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		s := m.AddUnauth(nil)
		require.False(t, seen[s.SnowID])
		seen[s.SnowID] = true
	}
}
