package backend

import (
	"context"
	"testing"
	"time"

	"chatgate/service/backend/rpctest"
	"chatgate/service/rpc"
	"chatgate/service/wire"
	"chatgate/tools/errs"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func newTestRPC(t *testing.T) (*RPC, *rpctest.Server, *recordingSink) {
	t.Helper()
	srv := rpctest.NewServer()
	t.Cleanup(srv.Close)

	mgr := rpc.NewManager(rpc.Config{
		Target:         "bufnet",
		RequestTimeout: 2 * time.Second,
		DialOptions:    []grpc.DialOption{srv.DialOption()},
	})
	mgr.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, mgr.WaitReady(ctx))

	sink := &recordingSink{}
	r := NewRPC(mgr, sink)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r, srv, sink
}

func TestRPCLoginTracksOnline(t *testing.T) {
	r, _, _ := newTestRPC(t)
	ctx := context.Background()

	require.False(t, r.LoggedIn("alice"))
	require.NoError(t, r.Login(ctx, "alice"))
	require.NoError(t, r.Login(ctx, "alice"))
	require.True(t, r.LoggedIn("alice"))

	users, err := r.OnlineUsers(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, users)

	require.NoError(t, r.Logout(ctx, "alice"))
	require.False(t, r.LoggedIn("alice"))
}

func TestRPCSendMessageEmitsEscapedEvent(t *testing.T) {
	r, _, sink := newTestRPC(t)
	ctx := context.Background()

	reply, err := r.SendMessage(ctx, "alice", "bob", "a|b\nc")
	require.NoError(t, err)
	require.Equal(t, "message_sent", reply.Type)
	require.Equal(t, "a|b\nc", reply.Fields["content"])

	got := sink.all()
	require.Len(t, got, 1)
	require.Equal(t, "bob", got[0].recipient)
	require.Equal(t, wire.EventPrivateMessage, got[0].ev.Type)
	require.Equal(t, "a_PIPE_b_NEWLINE_c", got[0].ev.Content)
	require.NotZero(t, got[0].ev.Timestamp)

	entries, err := r.History(ctx, "bob", "alice", false)
	require.NoError(t, err)
	require.Equal(t, []HistoryEntry{{From: "alice", To: "bob", Content: "a|b\nc"}}, entries)
}

func TestRPCGroupFlow(t *testing.T) {
	r, srv, sink := newTestRPC(t)
	ctx := context.Background()

	info, err := r.CreateGroup(ctx, "devs", "alice", []string{"bob", "carol"})
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob", "carol"}, info.Members)

	created := sink.all()
	require.Len(t, created, 3)
	require.Equal(t, "alice", created[0].recipient)
	require.Equal(t, "carol", created[2].recipient)
	require.Equal(t, wire.EventGroupCreated, created[0].ev.Type)

	_, err = r.CreateGroup(ctx, "devs", "alice", nil)
	require.True(t, errs.Is(err, errs.ErrRejected))

	_, err = r.JoinGroup(ctx, "dave", "devs")
	require.NoError(t, err)
	members, err := r.GroupMembers(ctx, "dave", "devs")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob", "carol", "dave"}, members)

	_, err = r.SendGroupMessage(ctx, "alice", "devs", "hello all")
	require.NoError(t, err)
	got := sink.all()
	last := got[len(got)-1]
	require.Equal(t, "", last.recipient)
	require.Equal(t, "devs", last.ev.TargetGroup())

	groups, err := r.Groups(ctx, "dave")
	require.NoError(t, err)
	require.Equal(t, []string{"devs"}, groups)

	history, err := r.History(ctx, "alice", "devs", true)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "hello all", history[0].Content)

	require.Contains(t, srv.Calls(), "GetGroupMembers")
}

func TestRPCRejectionMapsToCode(t *testing.T) {
	r, srv, sink := newTestRPC(t)
	srv.Reject("SendAudio", "receiver offline")

	_, err := r.SendAudio(context.Background(), "alice", "bob", "audio_1_x")
	require.Error(t, err)
	require.Equal(t, errs.UnprocessableError, errs.Status(err))
	require.Contains(t, errs.Message(err), "receiver offline")
	require.Empty(t, sink.all())

	_, err = r.SendGroupAudio(context.Background(), "alice", "ghosts", "audio_1_x")
	require.True(t, errs.Is(err, errs.ErrRejected))
}

func TestRPCConnectedFollowsManager(t *testing.T) {
	r, _, _ := newTestRPC(t)
	require.True(t, r.Connected(context.Background()))
	require.NoError(t, r.Close(context.Background()))
	_, err := r.SendMessage(context.Background(), "a", "b", "c")
	require.True(t, errs.Is(err, errs.ErrUnavailable))
}
