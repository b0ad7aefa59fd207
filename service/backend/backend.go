package backend

import (
	"context"
	"strings"

	"chatgate/service/wire"
	"chatgate/tools/errs"
)

// Backend is the chat service as the gateway sees it. Both bindings expose
// the same logical operations.
type Backend interface {
	Login(ctx context.Context, username string) error
	Logout(ctx context.Context, username string) error
	LoggedIn(username string) bool
	SendMessage(ctx context.Context, from, to, content string) (Reply, error)
	SendGroupMessage(ctx context.Context, from, group, content string) (Reply, error)
	CreateGroup(ctx context.Context, group, creator string, members []string) (GroupInfo, error)
	JoinGroup(ctx context.Context, username, group string) (Reply, error)
	History(ctx context.Context, username, target string, isGroup bool) ([]HistoryEntry, error)
	Groups(ctx context.Context, username string) ([]string, error)
	OnlineUsers(ctx context.Context, username string) ([]string, error)
	GroupMembers(ctx context.Context, username, group string) ([]string, error)
	SendAudio(ctx context.Context, from, to, audioID string) (Reply, error)
	SendGroupAudio(ctx context.Context, from, group, audioID string) (Reply, error)
	Connected(ctx context.Context) bool
	Close(ctx context.Context) error
}

// EventSink receives push events the gateway must fan out. An empty
// recipient means "resolve the audience from the event's group".
type EventSink interface {
	Dispatch(ctx context.Context, ev wire.Event, recipient string)
}

// Reply is a backend acknowledgement with its fields unescaped.
type Reply struct {
	Type   string            `json:"type"`
	Fields map[string]string `json:"fields,omitempty"`
}

type GroupInfo struct {
	Name    string   `json:"group_name"`
	Creator string   `json:"creator"`
	Members []string `json:"members"`
}

type HistoryEntry struct {
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func replyOf(rec wire.Record) Reply {
	return Reply{Type: rec.Type, Fields: rec.Unescaped()}
}

// expect turns an error record or an unexpected type into an error.
func expect(rec wire.Record, types ...string) error {
	if rec.Type == wire.TypeError {
		return errs.ErrRejected.WrapMsg(wire.Unescape(rec.Get("message")))
	}
	for _, t := range types {
		if rec.Type == t {
			return nil
		}
	}
	return errs.ErrMalformed.WrapMsg("unexpected reply", "want", strings.Join(types, "/"), "got", rec.Type)
}

func splitList(v string) []string {
	out := []string{}
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, wire.Unescape(p))
		}
	}
	return out
}
