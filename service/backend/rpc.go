package backend

import (
	"context"
	"sync"
	"time"

	"chatgate/logger"
	"chatgate/service/rpc"
	"chatgate/service/wire"
	"chatgate/tools/decode"
	"chatgate/tools/errs"

	"google.golang.org/protobuf/types/known/structpb"
)

// RPC ops on the chat service
const (
	opLogin             = "Login"
	opLogout            = "Logout"
	opSendMessage       = "SendMessage"
	opSendGroupMessage  = "SendGroupMessage"
	opCreateGroup       = "CreateGroup"
	opJoinGroup         = "JoinGroup"
	opGetPrivateHistory = "GetPrivateHistory"
	opGetGroupHistory   = "GetGroupHistory"
	opGetUserGroups     = "GetUserGroups"
	opGetGroupMembers   = "GetGroupMembers"
	opGetOnlineUsers    = "GetOnlineUsers"
	opSendAudio         = "SendAudio"
	opSendGroupAudio    = "SendGroupAudio"
)

// RPC binds the gateway to the chat service through one shared gRPC client.
// The service never pushes, so after each successful call the gateway
// produces the events the line binding would have received.
type RPC struct {
	mgr  *rpc.Manager
	sink EventSink

	mu     sync.RWMutex
	online map[string]time.Time
}

func NewRPC(mgr *rpc.Manager, sink EventSink) *RPC {
	return &RPC{
		mgr:    mgr,
		sink:   sink,
		online: make(map[string]time.Time),
	}
}

func (r *RPC) dispatch(ctx context.Context, ev wire.Event, recipient string) {
	if r.sink == nil {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	// gateway-made events carry escaped text, like decoded wire records
	ev.Content = wire.Escape(ev.Content)
	r.sink.Dispatch(ctx, ev, recipient)
}

func (r *RPC) Login(ctx context.Context, username string) error {
	if _, err := r.mgr.Invoke(ctx, opLogin, map[string]any{"username": username}); err != nil {
		return err
	}
	r.mu.Lock()
	if _, ok := r.online[username]; !ok {
		r.online[username] = time.Now()
		logger.Infof("[RPC] user=%s logged in", username)
	}
	r.mu.Unlock()
	return nil
}

func (r *RPC) Logout(ctx context.Context, username string) error {
	r.mu.Lock()
	delete(r.online, username)
	r.mu.Unlock()
	_, err := r.mgr.Invoke(ctx, opLogout, map[string]any{"username": username})
	return err
}

func (r *RPC) LoggedIn(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.online[username]
	return ok
}

func (r *RPC) SendMessage(ctx context.Context, from, to, content string) (Reply, error) {
	if _, err := r.mgr.Invoke(ctx, opSendMessage, map[string]any{"from": from, "to": to, "content": content}); err != nil {
		return Reply{}, err
	}
	r.dispatch(ctx, wire.Event{Type: wire.EventPrivateMessage, From: from, To: to, Content: content}, to)
	return Reply{Type: replyMessageSent, Fields: map[string]string{"to": to, "status": "ok", "content": content}}, nil
}

func (r *RPC) SendGroupMessage(ctx context.Context, from, group, content string) (Reply, error) {
	if _, err := r.mgr.Invoke(ctx, opSendGroupMessage, map[string]any{"from": from, "group": group, "content": content}); err != nil {
		return Reply{}, err
	}
	r.dispatch(ctx, wire.Event{Type: wire.EventGroupMessage, From: from, Group: group, Content: content}, "")
	return Reply{Type: replyMessageSent, Fields: map[string]string{"group": group, "status": "ok", "content": content}}, nil
}

func (r *RPC) CreateGroup(ctx context.Context, group, creator string, members []string) (GroupInfo, error) {
	list := make([]any, 0, len(members))
	for _, m := range members {
		list = append(list, m)
	}
	if _, err := r.mgr.Invoke(ctx, opCreateGroup, map[string]any{"group": group, "creator": creator, "members": list}); err != nil {
		return GroupInfo{}, err
	}
	current, err := r.GroupMembers(ctx, creator, group)
	if err != nil {
		return GroupInfo{}, err
	}
	info := GroupInfo{Name: group, Creator: creator, Members: current}
	ev := wire.Event{Type: wire.EventGroupCreated, From: creator, GroupName: group, Creator: creator, Members: current}
	for _, m := range current {
		r.dispatch(ctx, ev, m)
	}
	return info, nil
}

func (r *RPC) JoinGroup(ctx context.Context, username, group string) (Reply, error) {
	if _, err := r.mgr.Invoke(ctx, opJoinGroup, map[string]any{"username": username, "group": group}); err != nil {
		return Reply{}, err
	}
	r.dispatch(ctx, wire.Event{Type: wire.EventGroupJoined, From: username, GroupName: group}, username)
	return Reply{Type: replyJoinSuccess, Fields: map[string]string{"group": group, "status": "ok"}}, nil
}

func (r *RPC) History(ctx context.Context, username, target string, isGroup bool) ([]HistoryEntry, error) {
	var (
		resp *structpb.Struct
		err  error
	)
	if isGroup {
		resp, err = r.mgr.Invoke(ctx, opGetGroupHistory, map[string]any{"group": target})
	} else {
		resp, err = r.mgr.Invoke(ctx, opGetPrivateHistory, map[string]any{"user1": username, "user2": target})
	}
	if err != nil {
		return nil, err
	}
	out := []HistoryEntry{}
	for _, item := range resp.GetFields()["result"].GetListValue().GetValues() {
		st := item.GetStructValue()
		if st == nil {
			continue
		}
		entry, err := decode.DecodeStruct[HistoryEntry](st)
		if err != nil {
			return nil, errs.ErrMalformed.WrapMsg(err.Error(), "op", "history")
		}
		out = append(out, *entry)
	}
	return out, nil
}

func (r *RPC) Groups(ctx context.Context, username string) ([]string, error) {
	resp, err := r.mgr.Invoke(ctx, opGetUserGroups, map[string]any{"username": username})
	if err != nil {
		return nil, err
	}
	return resultList(resp, opGetUserGroups)
}

// OnlineUsers does not need a user on this binding.
func (r *RPC) OnlineUsers(ctx context.Context, _ string) ([]string, error) {
	resp, err := r.mgr.Invoke(ctx, opGetOnlineUsers, map[string]any{})
	if err != nil {
		return nil, err
	}
	return resultList(resp, opGetOnlineUsers)
}

func (r *RPC) GroupMembers(ctx context.Context, _ string, group string) ([]string, error) {
	resp, err := r.mgr.Invoke(ctx, opGetGroupMembers, map[string]any{"group": group})
	if err != nil {
		return nil, err
	}
	return resultList(resp, opGetGroupMembers)
}

func (r *RPC) SendAudio(ctx context.Context, from, to, audioID string) (Reply, error) {
	if _, err := r.mgr.Invoke(ctx, opSendAudio, map[string]any{"from": from, "to": to, "audio_id": audioID}); err != nil {
		return Reply{}, err
	}
	r.dispatch(ctx, wire.Event{Type: wire.EventAudio, From: from, To: to, AudioID: audioID}, to)
	return Reply{Type: replyAudio, Fields: map[string]string{"to": to, "audio_id": audioID, "status": "sent"}}, nil
}

func (r *RPC) SendGroupAudio(ctx context.Context, from, group, audioID string) (Reply, error) {
	if _, err := r.mgr.Invoke(ctx, opSendGroupAudio, map[string]any{"from": from, "group": group, "audio_id": audioID}); err != nil {
		return Reply{}, err
	}
	r.dispatch(ctx, wire.Event{Type: wire.EventGroupAudio, From: from, Group: group, AudioID: audioID}, "")
	return Reply{Type: replyGroupAudio, Fields: map[string]string{"group": group, "audio_id": audioID, "status": "sent"}}, nil
}

func (r *RPC) Connected(context.Context) bool { return r.mgr.Healthy() }

func (r *RPC) Close(context.Context) error {
	r.mgr.Stop()
	return nil
}

func resultList(resp *structpb.Struct, op string) ([]string, error) {
	if _, ok := resp.GetFields()["result"]; !ok {
		return []string{}, nil
	}
	list, err := decode.ReadStringSlice(resp, "result")
	if err != nil {
		return nil, errs.ErrMalformed.WrapMsg(err.Error(), "op", op)
	}
	return list, nil
}
