package chat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	midsec "chatgate/middleware/security"
	"chatgate/service/backend"
	"chatgate/service/backend/linetest"
	"chatgate/service/notify"
	"chatgate/service/realtime"
	"chatgate/service/session"
	"chatgate/service/storage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t      *testing.T
	engine *gin.Engine
	srv    *linetest.Server
	line   *backend.Line
	http   *httptest.Server
}

func newHarness(t *testing.T, auth *midsec.Options) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv, err := linetest.NewServer()
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	conns := realtime.NewConnManager(realtime.ManagerConf{AuthTTL: time.Second}, "gw-test")
	t.Cleanup(conns.Close)
	fanout := realtime.NewFanout(conns, realtime.NewMemoryBuffer(0))
	demux := notify.New(fanout)
	line := backend.NewLine(session.Config{Addr: srv.Addr(), RequestTimeout: 2 * time.Second}, demux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = line.Close(ctx)
	})
	demux.UseResolver(line)

	blobs, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	var opts []GatewayOption
	var authMid gin.HandlerFunc
	if auth != nil {
		opts = append(opts, WithTokens(auth.JWT))
		authMid = midsec.Middleware(auth)
	}
	gw := NewGateway(line, fanout, blobs, opts...)
	ws := realtime.NewServer(conns, fanout, realtime.ServerConf{})

	e := gin.New()
	RegisterRoutes(e, NewHandler(gw), authMid, ws.HandleWS)
	h := &harness{t: t, engine: e, srv: srv, line: line}
	h.http = httptest.NewServer(e)
	t.Cleanup(h.http.Close)
	return h
}

func (h *harness) do(method, path string, body any, token string) (int, map[string]any) {
	h.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	out := map[string]any{}
	require.NoError(h.t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w.Code, out
}

func (h *harness) login(user string) {
	h.t.Helper()
	code, body := h.do(http.MethodPost, "/api/login", gin.H{"username": user}, "")
	require.Equal(h.t, http.StatusOK, code, body)
}

func notifications(t *testing.T, body map[string]any) []map[string]any {
	t.Helper()
	raw, _ := body["notifications"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.(map[string]any))
	}
	return out
}

func TestAPITestReportsBackend(t *testing.T) {
	h := newHarness(t, nil)
	code, body := h.do(http.MethodGet, "/api/test", nil, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["ok"])
	require.Equal(t, true, body["backend_connected"])
}

func TestLoginTwiceReusesSession(t *testing.T) {
	h := newHarness(t, nil)
	h.login("alice")
	h.login("alice")
	require.Equal(t, 1, h.srv.Logins("alice"))

	code, body := h.do(http.MethodPost, "/api/login", gin.H{"username": ""}, "")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, false, body["ok"])
}

func TestPrivateMessageIsBufferedThenDrainedOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.login("alice")
	h.login("bob")

	code, body := h.do(http.MethodPost, "/api/sendMessage", gin.H{"from": "bob", "to": "alice", "content": "hi|there"}, "")
	require.Equal(t, http.StatusOK, code, body)

	var got []map[string]any
	require.Eventually(t, func() bool {
		_, body := h.do(http.MethodGet, "/api/notifications/alice", nil, "")
		got = append(got, notifications(t, body)...)
		return len(got) > 0
	}, 2*time.Second, 20*time.Millisecond)
	require.Len(t, got, 1)
	require.Equal(t, "private_message", got[0]["type"])
	require.Equal(t, "bob", got[0]["from"])
	require.Equal(t, "hi|there", got[0]["content"])

	_, body = h.do(http.MethodGet, "/api/notifications/alice", nil, "")
	require.Empty(t, notifications(t, body))
}

func TestNotificationsRequireSession(t *testing.T) {
	h := newHarness(t, nil)
	code, body := h.do(http.MethodGet, "/api/notifications/ghost", nil, "")
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, false, body["ok"])
}

func TestLivePushSubscriberSkipsBuffer(t *testing.T) {
	h := newHarness(t, nil)
	h.login("alice")
	h.login("bob")

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.WriteJSON(gin.H{"type": "auth", "username": "alice"}))
	var ack map[string]any
	require.NoError(t, ws.ReadJSON(&ack))
	require.Equal(t, "auth_response", ack["type"])
	require.Equal(t, true, ack["ok"])

	code, _ := h.do(http.MethodPost, "/api/sendMessage", gin.H{"from": "bob", "to": "alice", "content": "hi"}, "")
	require.Equal(t, http.StatusOK, code)

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev map[string]any
	require.NoError(t, ws.ReadJSON(&ev))
	require.Equal(t, "private_message", ev["type"])
	require.Equal(t, "bob", ev["from"])
	require.Equal(t, "hi", ev["content"])

	_, body := h.do(http.MethodGet, "/api/notifications/alice", nil, "")
	require.Empty(t, notifications(t, body))
}

func TestGroupFlowOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	for _, u := range []string{"a", "b", "c"} {
		h.login(u)
	}
	code, body := h.do(http.MethodPost, "/api/createGroup", gin.H{"group_name": "g1", "creator": "a", "members": []string{"b", "c"}}, "")
	require.Equal(t, http.StatusOK, code, body)

	code, _ = h.do(http.MethodPost, "/api/sendGroupMessage", gin.H{"from": "a", "group_name": "g1", "content": "hello"}, "")
	require.Equal(t, http.StatusOK, code)

	for _, u := range []string{"b", "c"} {
		var types []string
		require.Eventually(t, func() bool {
			_, body := h.do(http.MethodGet, "/api/notifications/"+u, nil, "")
			for _, n := range notifications(t, body) {
				types = append(types, n["type"].(string))
			}
			return len(types) >= 2
		}, 2*time.Second, 20*time.Millisecond)
		require.Equal(t, []string{"group_created", "group_message"}, types)
	}
	_, body = h.do(http.MethodGet, "/api/notifications/a", nil, "")
	require.Empty(t, notifications(t, body))

	code, body = h.do(http.MethodGet, "/api/groups/b", nil, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []any{"g1"}, body["groups"])

	code, body = h.do(http.MethodGet, "/api/history/g1?username=a&isGroup=true", nil, "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["history"], 1)

	code, _ = h.do(http.MethodGet, "/api/groups/g1/members?username=a", nil, "")
	require.Equal(t, http.StatusNotImplemented, code)

	code, body = h.do(http.MethodPost, "/api/joinGroup", gin.H{"username": "b", "group_name": "nope"}, "")
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Contains(t, body["error"], "could not join group")
}

func TestAudioRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	h.login("alice")
	h.login("bob")

	payload := []byte{0x52, 0x49, 0x46, 0x46, 0x00, 0xff}
	data := "data:audio/webm;base64," + base64.StdEncoding.EncodeToString(payload)
	code, body := h.do(http.MethodPost, "/api/sendAudio", gin.H{"from": "bob", "to": "alice", "audio_data": data}, "")
	require.Equal(t, http.StatusOK, code, body)
	id, _ := body["audio_id"].(string)
	require.Regexp(t, `^audio_\d+_[0-9a-f]{8}$`, id)

	code, body = h.do(http.MethodGet, "/api/audio/"+id, nil, "")
	require.Equal(t, http.StatusOK, code)
	got, err := base64.StdEncoding.DecodeString(body["audio_data"].(string))
	require.NoError(t, err)
	require.Equal(t, payload, got)

	code, _ = h.do(http.MethodGet, "/api/audio/audio_missing", nil, "")
	require.Equal(t, http.StatusNotFound, code)
	code, _ = h.do(http.MethodGet, "/api/audio/bad.id", nil, "")
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(http.MethodPost, "/api/sendAudio", gin.H{"from": "bob", "to": "alice", "audio_data": "!!!"}, "")
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(http.MethodPost, "/api/sendAudio", gin.H{"from": "bob", "to": "alice", "group_name": "g", "audio_data": data}, "")
	require.Equal(t, http.StatusBadRequest, code)
}

func TestTokensGuardUserRoutes(t *testing.T) {
	h := newHarness(t, midsec.DefaultOptions([]byte("test-secret")))
	code, body := h.do(http.MethodPost, "/api/login", gin.H{"username": "alice"}, "")
	require.Equal(t, http.StatusOK, code)
	aliceTok, _ := body["token"].(string)
	require.NotEmpty(t, aliceTok)
	_, body = h.do(http.MethodPost, "/api/login", gin.H{"username": "bob"}, "")
	bobTok := body["token"].(string)

	msg := gin.H{"from": "alice", "to": "bob", "content": "x"}
	code, _ = h.do(http.MethodPost, "/api/sendMessage", msg, "")
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = h.do(http.MethodPost, "/api/sendMessage", msg, bobTok)
	require.Equal(t, http.StatusForbidden, code)
	code, _ = h.do(http.MethodPost, "/api/sendMessage", msg, aliceTok)
	require.Equal(t, http.StatusOK, code)

	code, _ = h.do(http.MethodGet, "/api/notifications/bob", nil, aliceTok)
	require.Equal(t, http.StatusForbidden, code)
}

func TestDecodeAudio(t *testing.T) {
	b, err := DecodeAudio("data:audio/ogg;base64,AQID")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, b)

	b, err = DecodeAudio("AQI")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, b)

	_, err = DecodeAudio("")
	require.Error(t, err)
}
