package chat

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"chatgate/logger"
	"chatgate/service/backend"
	"chatgate/service/storage"
	"chatgate/service/wire"
	"chatgate/tools/errs"
	"chatgate/tools/security"

	"github.com/google/uuid"
)

// Notifications drains what a user missed while not push-connected.
type Notifications interface {
	Drain(ctx context.Context, user string) ([]wire.Event, error)
}

// Gateway validates API calls and brokers them to the backend. It holds no
// chat state of its own.
type Gateway struct {
	be     backend.Backend
	notes  Notifications
	blobs  storage.BlobStore
	tokens *security.Options // nil: login returns no token
	now    func() time.Time
}

type GatewayOption func(*Gateway)

func WithTokens(opts security.Options) GatewayOption {
	return func(g *Gateway) { g.tokens = &opts }
}

func NewGateway(be backend.Backend, notes Notifications, blobs storage.BlobStore, opts ...GatewayOption) *Gateway {
	g := &Gateway{be: be, notes: notes, blobs: blobs, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

func required(kv ...string) error {
	for i := 0; i+1 < len(kv); i += 2 {
		if strings.TrimSpace(kv[i+1]) == "" {
			return errs.ErrArgs.WrapMsg("missing " + kv[i])
		}
	}
	return nil
}

// Connected reports whether the backend is reachable.
func (g *Gateway) Connected(ctx context.Context) bool { return g.be.Connected(ctx) }

type LoginResult struct {
	Username string
	Token    string
	ExpireAt time.Time
}

// Login creates or reuses the user's backend session.
func (g *Gateway) Login(ctx context.Context, username string) (LoginResult, error) {
	if err := required("username", username); err != nil {
		return LoginResult{}, err
	}
	if err := g.be.Login(ctx, username); err != nil {
		return LoginResult{}, err
	}
	res := LoginResult{Username: username}
	if g.tokens != nil {
		tok, exp, err := security.Issue(*g.tokens, username)
		if err != nil {
			return LoginResult{}, errs.ErrInternal.WrapMsg("issue token", "err", err)
		}
		res.Token, res.ExpireAt = tok, exp
	}
	return res, nil
}

func (g *Gateway) Logout(ctx context.Context, username string) error {
	if err := required("username", username); err != nil {
		return err
	}
	return g.be.Logout(ctx, username)
}

func (g *Gateway) SendMessage(ctx context.Context, from, to, content string) (backend.Reply, error) {
	if err := required("from", from, "to", to, "content", content); err != nil {
		return backend.Reply{}, err
	}
	return g.be.SendMessage(ctx, from, to, content)
}

func (g *Gateway) SendGroupMessage(ctx context.Context, from, group, content string) (backend.Reply, error) {
	if err := required("from", from, "group_name", group, "content", content); err != nil {
		return backend.Reply{}, err
	}
	return g.be.SendGroupMessage(ctx, from, group, content)
}

func (g *Gateway) CreateGroup(ctx context.Context, group, creator string, members []string) (backend.GroupInfo, error) {
	if err := required("group_name", group, "creator", creator); err != nil {
		return backend.GroupInfo{}, err
	}
	clean := make([]string, 0, len(members))
	for _, m := range members {
		if m = strings.TrimSpace(m); m != "" {
			clean = append(clean, m)
		}
	}
	return g.be.CreateGroup(ctx, group, creator, clean)
}

func (g *Gateway) JoinGroup(ctx context.Context, username, group string) (backend.Reply, error) {
	if err := required("username", username, "group_name", group); err != nil {
		return backend.Reply{}, err
	}
	return g.be.JoinGroup(ctx, username, group)
}

func (g *Gateway) History(ctx context.Context, username, target string, isGroup bool) ([]backend.HistoryEntry, error) {
	if err := required("username", username, "target", target); err != nil {
		return nil, err
	}
	return g.be.History(ctx, username, target, isGroup)
}

func (g *Gateway) Groups(ctx context.Context, username string) ([]string, error) {
	if err := required("username", username); err != nil {
		return nil, err
	}
	return g.be.Groups(ctx, username)
}

// OnlineUsers may be called without a username; the backend then answers
// through any ready session.
func (g *Gateway) OnlineUsers(ctx context.Context, username string) ([]string, error) {
	return g.be.OnlineUsers(ctx, username)
}

func (g *Gateway) GroupMembers(ctx context.Context, username, group string) ([]string, error) {
	if err := required("group", group); err != nil {
		return nil, err
	}
	return g.be.GroupMembers(ctx, username, group)
}

// Notifications drains the buffer of a logged-in user.
func (g *Gateway) Notifications(ctx context.Context, username string) ([]wire.Event, error) {
	if err := required("username", username); err != nil {
		return nil, err
	}
	if !g.be.LoggedIn(username) {
		return nil, errs.ErrUnauthorized.WrapMsg("", "user", username)
	}
	return g.notes.Drain(ctx, username)
}

// NewAudioID returns audio_<unixmilli>_<8 hex chars>.
func (g *Gateway) NewAudioID() string {
	return fmt.Sprintf("audio_%d_%s", g.now().UnixMilli(), uuid.NewString()[:8])
}

// DecodeAudio strips an optional data URL prefix and decodes base64.
func DecodeAudio(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	if strings.HasPrefix(data, "data:") {
		i := strings.Index(data, ",")
		if i < 0 {
			return nil, errs.ErrArgs.WrapMsg("bad data url")
		}
		data = data[i+1:]
	}
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		// 部分浏览器会去掉 padding
		if b, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(data, "=")); err != nil {
			return nil, errs.ErrArgs.WrapMsg("audio_data is not base64")
		}
	}
	if len(b) == 0 {
		return nil, errs.ErrArgs.WrapMsg("empty audio")
	}
	return b, nil
}

// SendAudio stores the blob, then sends the audio event to a user or group.
// Exactly one of to and group must be set.
func (g *Gateway) SendAudio(ctx context.Context, from, to, group, data string) (string, error) {
	if err := required("from", from, "audio_data", data); err != nil {
		return "", err
	}
	if (to == "") == (group == "") {
		return "", errs.ErrArgs.WrapMsg("need exactly one of to or group_name")
	}
	raw, err := DecodeAudio(data)
	if err != nil {
		return "", err
	}
	id := g.NewAudioID()
	if err := g.blobs.Put(ctx, id, raw); err != nil {
		return "", err
	}
	logger.Debugf("[HTTP] stored %s (%d bytes) from=%s", id, len(raw), from)

	if group != "" {
		_, err = g.be.SendGroupAudio(ctx, from, group, id)
	} else {
		_, err = g.be.SendAudio(ctx, from, to, id)
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// Audio returns a stored blob as base64.
func (g *Gateway) Audio(ctx context.Context, id string) (string, error) {
	if !storage.ValidBlobID(id) {
		return "", errs.ErrArgs.WrapMsg("invalid audio id")
	}
	b, err := g.blobs.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
