package backend

import (
	"context"
	"strings"
	"time"

	"chatgate/logger"
	"chatgate/service/session"
	"chatgate/service/wire"
	"chatgate/tools/errs"
)

const (
	replyMessageSent  = "message_sent"
	replyJoinSuccess  = "join_group_success"
	replyHistory      = "history"
	replyGroupsList   = "groups_list"
	replyOnlineUsers  = "online_users"
	replyGroupCreated = wire.EventGroupCreated
	replyAudio        = wire.EventAudio
	replyGroupAudio   = wire.EventGroupAudio
)

const probeTimeout = time.Second

// Line talks to the chat server over one persistent line-protocol
// connection per user. Backend pushes arrive on the recipient's own session
// and are handed to the sink with that user as recipient.
type Line struct {
	reg  *session.Registry
	sink EventSink
}

func NewLine(cfg session.Config, sink EventSink, opts ...session.Option) *Line {
	l := &Line{sink: sink}
	opts = append([]session.Option{session.WithUnsolicitedHandler(l.unsolicited)}, opts...)
	l.reg = session.NewRegistry(cfg, opts...)
	return l
}

func (l *Line) Registry() *session.Registry { return l.reg }

func (l *Line) unsolicited(owner string, rec wire.Record) {
	ev, err := wire.EventFromRecord(rec)
	if err != nil {
		logger.Warnf("[Session] user=%s dropping unsolicited record: %v", owner, err)
		return
	}
	if l.sink != nil {
		l.sink.Dispatch(context.Background(), ev, owner)
	}
}

func (l *Line) call(ctx context.Context, username string, cmd wire.Command, want ...string) (wire.Record, error) {
	s, err := l.reg.GetOrCreate(ctx, username)
	if err != nil {
		return wire.Record{}, err
	}
	rec, err := s.Send(ctx, cmd)
	if err != nil {
		return wire.Record{}, err
	}
	if err := expect(rec, want...); err != nil {
		// 推送事件占了回复的位置：照常投递，本次调用仍然失败
		if wire.IsEventType(rec.Type) {
			l.unsolicited(username, rec)
		}
		return wire.Record{}, err
	}
	return rec, nil
}

func (l *Line) Login(ctx context.Context, username string) error {
	_, err := l.reg.GetOrCreate(ctx, username)
	return err
}

func (l *Line) Logout(ctx context.Context, username string) error {
	s, ok := l.reg.Ready(username)
	if !ok {
		return nil
	}
	if err := s.Notify(wire.Logout(username)); err != nil {
		logger.Warnf("[Session] user=%s logout notify failed: %v", username, err)
	}
	return l.reg.Close(ctx, username)
}

func (l *Line) LoggedIn(username string) bool {
	_, ok := l.reg.Ready(username)
	return ok
}

func (l *Line) SendMessage(ctx context.Context, from, to, content string) (Reply, error) {
	rec, err := l.call(ctx, from, wire.PrivateMessage(from, to, content), replyMessageSent)
	if err != nil {
		return Reply{}, err
	}
	return replyOf(rec), nil
}

func (l *Line) SendGroupMessage(ctx context.Context, from, group, content string) (Reply, error) {
	rec, err := l.call(ctx, from, wire.GroupMessage(from, group, content), replyMessageSent)
	if err != nil {
		return Reply{}, err
	}
	return replyOf(rec), nil
}

// CreateGroup is acknowledged by the group_created broadcast the server
// sends to every member, the creator included.
func (l *Line) CreateGroup(ctx context.Context, group, creator string, members []string) (GroupInfo, error) {
	rec, err := l.call(ctx, creator, wire.CreateGroup(group, creator, members), replyGroupCreated)
	if err != nil {
		return GroupInfo{}, err
	}
	return GroupInfo{
		Name:    wire.Unescape(rec.Get("group_name")),
		Creator: wire.Unescape(rec.Get("creator")),
		Members: splitList(rec.Get("members")),
	}, nil
}

func (l *Line) JoinGroup(ctx context.Context, username, group string) (Reply, error) {
	rec, err := l.call(ctx, username, wire.JoinGroup(username, group), replyJoinSuccess)
	if err != nil {
		return Reply{}, err
	}
	return replyOf(rec), nil
}

// History parses `messages:from:content|from:content...`; entries are
// separated by the field delimiter so they are read from the raw tail.
func (l *Line) History(ctx context.Context, username, target string, isGroup bool) ([]HistoryEntry, error) {
	rec, err := l.call(ctx, username, wire.GetHistory(username, target, isGroup), replyHistory)
	if err != nil {
		return nil, err
	}
	out := []HistoryEntry{}
	tail, ok := rec.Tail("messages")
	if !ok || tail == "" {
		return out, nil
	}
	for _, part := range strings.Split(tail, "|") {
		from, content, found := strings.Cut(part, ":")
		if !found {
			continue
		}
		out = append(out, HistoryEntry{From: wire.Unescape(from), Content: wire.Unescape(content)})
	}
	return out, nil
}

func (l *Line) Groups(ctx context.Context, username string) ([]string, error) {
	rec, err := l.call(ctx, username, wire.GetGroups(username), replyGroupsList)
	if err != nil {
		return nil, err
	}
	return splitList(rec.Get("groups")), nil
}

// OnlineUsers asks on the given user's session, or on any ready session
// when no user is named.
func (l *Line) OnlineUsers(ctx context.Context, username string) ([]string, error) {
	var s *session.Session
	if username == "" {
		var ok bool
		if s, ok = l.reg.Any(); !ok {
			return nil, errs.ErrUnavailable.WrapMsg("no logged-in session to ask; pass username")
		}
	} else {
		var err error
		if s, err = l.reg.GetOrCreate(ctx, username); err != nil {
			return nil, err
		}
	}
	rec, err := s.Send(ctx, wire.GetOnlineUsers(s.Username()))
	if err != nil {
		return nil, err
	}
	if err := expect(rec, replyOnlineUsers); err != nil {
		return nil, err
	}
	return splitList(rec.Get("users")), nil
}

// GroupMembers has no line-protocol verb; the server addresses group pushes
// to each member's own connection instead.
func (l *Line) GroupMembers(context.Context, string, string) ([]string, error) {
	return nil, errs.ErrNotImplemented.WrapMsg("group members over line protocol")
}

func (l *Line) SendAudio(ctx context.Context, from, to, audioID string) (Reply, error) {
	rec, err := l.call(ctx, from, wire.Audio(from, to, audioID), replyAudio)
	if err != nil {
		return Reply{}, err
	}
	return replyOf(rec), nil
}

func (l *Line) SendGroupAudio(ctx context.Context, from, group, audioID string) (Reply, error) {
	rec, err := l.call(ctx, from, wire.GroupAudio(from, group, audioID), replyGroupAudio)
	if err != nil {
		return Reply{}, err
	}
	return replyOf(rec), nil
}

// Connected probes the chat server with a throwaway dial.
func (l *Line) Connected(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return l.reg.Probe(ctx) == nil
}

func (l *Line) Close(ctx context.Context) error {
	l.reg.CloseAll(ctx)
	return nil
}
