package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"chatgate/service/wire"
	"chatgate/tools/errs"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisBufferDrainsOnce(t *testing.T) {
	_, rdb := newMiniRedis(t)
	b := NewRedisBuffer(rdb, 0)
	ctx := context.Background()

	require.NoError(t, b.Append(ctx, "alice", wire.Event{Type: wire.EventPrivateMessage, From: "bob", To: "alice", Content: "a_PIPE_b"}))
	require.NoError(t, b.Append(ctx, "alice", wire.Event{Type: wire.EventAudio, From: "bob", To: "alice", AudioID: "audio_1_x"}))
	n, err := b.Len(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	got, err := b.Drain(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a_PIPE_b", got[0].Content)
	require.Equal(t, "audio_1_x", got[1].AudioID)

	again, err := b.Drain(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Empty(t, again)
}

func TestRedisBufferKeepsNewest(t *testing.T) {
	_, rdb := newMiniRedis(t)
	b := NewRedisBuffer(rdb, 3)
	ctx := context.Background()
	for _, c := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, b.Append(ctx, "u", wire.Event{Type: wire.EventPrivateMessage, From: "x", To: "u", Content: c}))
	}
	got, err := b.Drain(ctx, "u")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "3", got[0].Content)
	require.Equal(t, "5", got[2].Content)
}

func TestRedisBufferConcurrentDrainsSplitEvents(t *testing.T) {
	_, rdb := newMiniRedis(t)
	b := NewRedisBuffer(rdb, 0)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, b.Append(ctx, "u", wire.Event{Type: wire.EventPrivateMessage, From: "x", To: "u"}))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := b.Drain(ctx, "u")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			total += len(got)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 50, total)
}

func TestRedisPresence(t *testing.T) {
	mr, rdb := newMiniRedis(t)
	p := NewRedisPresence(rdb)
	ctx := context.Background()

	_, online, err := p.Lookup(ctx, "alice")
	require.NoError(t, err)
	require.False(t, online)

	require.NoError(t, p.Online(ctx, "alice", "gw-1", time.Minute))
	gw, online, err := p.Lookup(ctx, "alice")
	require.NoError(t, err)
	require.True(t, online)
	require.Equal(t, "gw-1", gw)

	// alice moved to gw-2; the late offline from gw-1 must not clear it
	require.NoError(t, p.Online(ctx, "alice", "gw-2", time.Minute))
	require.NoError(t, p.Offline(ctx, "alice", "gw-1"))
	gw, online, _ = p.Lookup(ctx, "alice")
	require.True(t, online)
	require.Equal(t, "gw-2", gw)

	require.NoError(t, p.Offline(ctx, "alice", "gw-2"))
	_, online, _ = p.Lookup(ctx, "alice")
	require.False(t, online)

	require.NoError(t, p.Online(ctx, "bob", "gw-1", time.Second))
	mr.FastForward(2 * time.Second)
	_, online, _ = p.Lookup(ctx, "bob")
	require.False(t, online)
}

func TestRedisErrorsAreWrapped(t *testing.T) {
	mr, rdb := newMiniRedis(t)
	mr.Close()
	_, _, err := NewRedisPresence(rdb).Lookup(context.Background(), "alice")
	require.Error(t, err)
	require.Contains(t, err.Error(), "presence lookup")
}

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	data := []byte{0x00, 0xff, 0x10, 'R', 'I', 'F', 'F'}

	require.NoError(t, s.Put(ctx, "audio_1700000000000_ab12cd34", data))
	got, err := s.Get(ctx, "audio_1700000000000_ab12cd34")
	require.NoError(t, err)
	require.Equal(t, data, got)

	_, err = os.Stat(s.path("audio_1700000000000_ab12cd34"))
	require.NoError(t, err)

	_, err = s.Get(ctx, "audio_missing")
	require.True(t, errs.Is(err, errs.ErrNotFound))

	_, err = s.Get(ctx, "../etc/passwd")
	require.True(t, errs.Is(err, errs.ErrArgs))
	require.True(t, errs.Is(s.Put(ctx, "a b", data), errs.ErrArgs))
}

func TestPgBlobStoreRoundTrip(t *testing.T) {
	url := os.Getenv("CHATGATE_TEST_PG_URL")
	if url == "" {
		t.Skip("CHATGATE_TEST_PG_URL not set")
	}
	ctx := context.Background()
	s, err := NewPgBlobStore(ctx, url)
	require.NoError(t, err)
	defer s.Close()

	id := "audio_test_" + time.Now().Format("150405")
	require.NoError(t, s.Put(ctx, id, []byte("pcm")))
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("pcm"), got)

	_, err = s.Get(ctx, "audio_never")
	require.True(t, errs.Is(err, errs.ErrNotFound))
}
