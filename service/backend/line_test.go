package backend

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatgate/service/backend/linetest"
	"chatgate/service/session"
	"chatgate/service/wire"
	"chatgate/tools/errs"

	"github.com/stretchr/testify/require"
)

type delivery struct {
	ev        wire.Event
	recipient string
}

type recordingSink struct {
	mu  sync.Mutex
	got []delivery
}

func (r *recordingSink) Dispatch(_ context.Context, ev wire.Event, recipient string) {
	r.mu.Lock()
	r.got = append(r.got, delivery{ev: ev, recipient: recipient})
	r.mu.Unlock()
}

func (r *recordingSink) all() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func (r *recordingSink) waitFor(t *testing.T, n int) []delivery {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.all()) >= n }, 2*time.Second, 10*time.Millisecond)
	return r.all()
}

func newTestLine(t *testing.T) (*Line, *linetest.Server, *recordingSink) {
	t.Helper()
	srv, err := linetest.NewServer()
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	sink := &recordingSink{}
	l := NewLine(session.Config{Addr: srv.Addr(), RequestTimeout: 2 * time.Second}, sink)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Close(ctx)
	})
	return l, srv, sink
}

func TestLineSendMessageDeliversToRecipient(t *testing.T) {
	l, _, sink := newTestLine(t)
	ctx := context.Background()
	require.NoError(t, l.Login(ctx, "alice"))
	require.NoError(t, l.Login(ctx, "bob"))
	require.True(t, l.LoggedIn("bob"))

	reply, err := l.SendMessage(ctx, "alice", "bob", "hi | there\nok")
	require.NoError(t, err)
	require.Equal(t, "message_sent", reply.Type)
	require.Equal(t, "bob", reply.Fields["to"])
	require.Equal(t, "hi | there\nok", reply.Fields["content"])

	got := sink.waitFor(t, 1)
	require.Equal(t, "bob", got[0].recipient)
	require.Equal(t, wire.EventPrivateMessage, got[0].ev.Type)
	require.Equal(t, "alice", got[0].ev.From)
	require.Equal(t, "hi _PIPE_ there_NEWLINE_ok", got[0].ev.Content)
	require.Equal(t, "hi | there\nok", got[0].ev.Unescaped().Content)
}

func TestLineEventInReplySlotIsStillDelivered(t *testing.T) {
	l, srv, sink := newTestLine(t)
	ctx := context.Background()
	require.NoError(t, l.Login(ctx, "alice"))

	// the server pushes carol's message where alice expects message_sent
	srv.SetInterceptor(func(c *linetest.Conn, rec wire.Record) bool {
		if rec.Type != wire.VerbPrivateMessage {
			return false
		}
		_ = c.Send("type:private_message|from:carol|to:alice|content:yo")
		return true
	})

	_, err := l.SendMessage(ctx, "alice", "bob", "hi")
	require.True(t, errs.Is(err, errs.ErrMalformed), "got %v", err)

	got := sink.waitFor(t, 1)
	require.Equal(t, "alice", got[0].recipient)
	require.Equal(t, wire.EventPrivateMessage, got[0].ev.Type)
	require.Equal(t, "carol", got[0].ev.From)
	require.Equal(t, "yo", got[0].ev.Content)
}

func TestLineCreateGroupIsAcknowledgedByBroadcast(t *testing.T) {
	l, srv, sink := newTestLine(t)
	ctx := context.Background()
	require.NoError(t, l.Login(ctx, "bob"))

	info, err := l.CreateGroup(ctx, "devs", "alice", []string{"bob", "carol"})
	require.NoError(t, err)
	require.Equal(t, "devs", info.Name)
	require.Equal(t, "alice", info.Creator)
	require.Equal(t, []string{"alice", "bob", "carol"}, info.Members)
	require.Equal(t, info.Members, srv.Members("devs"))

	got := sink.waitFor(t, 1)
	require.Equal(t, "bob", got[0].recipient)
	require.Equal(t, wire.EventGroupCreated, got[0].ev.Type)
	require.Equal(t, "devs", got[0].ev.GroupName)
}

func TestLineGroupMessageReachesOtherMembers(t *testing.T) {
	l, srv, sink := newTestLine(t)
	ctx := context.Background()
	srv.CreateGroup("devs", "alice", "bob", "carol")
	for _, u := range []string{"alice", "bob", "carol"} {
		require.NoError(t, l.Login(ctx, u))
	}

	_, err := l.SendGroupMessage(ctx, "alice", "devs", "standup")
	require.NoError(t, err)

	got := sink.waitFor(t, 2)
	recipients := []string{got[0].recipient, got[1].recipient}
	require.ElementsMatch(t, []string{"bob", "carol"}, recipients)
	for _, d := range got {
		require.Equal(t, wire.EventGroupMessage, d.ev.Type)
		require.Equal(t, "devs", d.ev.Group)
	}
}

func TestLineJoinUnknownGroupIsRejected(t *testing.T) {
	l, _, _ := newTestLine(t)
	_, err := l.JoinGroup(context.Background(), "alice", "nope")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.ErrRejected))
	require.Contains(t, errs.Message(err), "could not join group")
}

func TestLineHistoryReadsTail(t *testing.T) {
	l, _, _ := newTestLine(t)
	ctx := context.Background()
	require.NoError(t, l.Login(ctx, "bob"))
	_, err := l.SendMessage(ctx, "alice", "bob", "one")
	require.NoError(t, err)
	_, err = l.SendMessage(ctx, "carol", "bob", "two: colon")
	require.NoError(t, err)

	entries, err := l.History(ctx, "bob", "bob", false)
	require.NoError(t, err)
	require.Equal(t, []HistoryEntry{
		{From: "alice", Content: "one"},
		{From: "carol", Content: "two: colon"},
	}, entries)

	empty, err := l.History(ctx, "bob", "nobody", false)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestLineOnlineUsersWithoutUsername(t *testing.T) {
	l, _, _ := newTestLine(t)
	ctx := context.Background()

	_, err := l.OnlineUsers(ctx, "")
	require.True(t, errs.Is(err, errs.ErrUnavailable))

	require.NoError(t, l.Login(ctx, "alice"))
	require.NoError(t, l.Login(ctx, "bob"))
	users, err := l.OnlineUsers(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, users)
}

func TestLineGroupMembersNotImplemented(t *testing.T) {
	l, _, _ := newTestLine(t)
	_, err := l.GroupMembers(context.Background(), "alice", "devs")
	require.Equal(t, errs.NotImplementedError, errs.Status(err))
}

func TestLineAudioAndLogout(t *testing.T) {
	l, srv, sink := newTestLine(t)
	ctx := context.Background()
	require.NoError(t, l.Login(ctx, "bob"))

	reply, err := l.SendAudio(ctx, "alice", "bob", "audio_1_abcd1234")
	require.NoError(t, err)
	require.Equal(t, "sent", reply.Fields["status"])
	got := sink.waitFor(t, 1)
	require.Equal(t, wire.EventAudio, got[0].ev.Type)
	require.Equal(t, "audio_1_abcd1234", got[0].ev.AudioID)

	require.NoError(t, l.Logout(ctx, "bob"))
	require.False(t, l.LoggedIn("bob"))
	require.Eventually(t, func() bool { return !srv.Push("bob", "type:system_message|content:x") },
		time.Second, 10*time.Millisecond)
}

func TestLineConnectedProbe(t *testing.T) {
	l, srv, _ := newTestLine(t)
	require.True(t, l.Connected(context.Background()))
	require.NoError(t, srv.Close())
	require.False(t, l.Connected(context.Background()))
}
