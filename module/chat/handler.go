package chat

import (
	"strconv"

	midsec "chatgate/middleware/security"
	"chatgate/tools/errs"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	gw *Gateway
}

func NewHandler(gw *Gateway) *Handler { return &Handler{gw: gw} }

type loginReq struct {
	Username string `json:"username"`
}

type sendMessageReq struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Content string `json:"content"`
}

type sendGroupMessageReq struct {
	From      string `json:"from"`
	GroupName string `json:"group_name"`
	Content   string `json:"content"`
}

type createGroupReq struct {
	GroupName string   `json:"group_name"`
	Creator   string   `json:"creator"`
	Members   []string `json:"members"`
}

type joinGroupReq struct {
	Username  string `json:"username"`
	GroupName string `json:"group_name"`
}

type sendAudioReq struct {
	From      string `json:"from"`
	To        string `json:"to"`
	GroupName string `json:"group_name"`
	AudioData string `json:"audio_data"`
}

// bind decodes the JSON body and checks the acting user against the token.
func bind[T any](c *gin.Context, actor func(*T) string) (*T, bool) {
	req := new(T)
	if err := c.ShouldBindJSON(req); err != nil {
		fail(c, errs.ErrArgs.WrapMsg("bad json body"))
		return nil, false
	}
	if actor != nil {
		if err := midsec.Authorize(c, actor(req)); err != nil {
			fail(c, err)
			return nil, false
		}
	}
	return req, true
}

func authorize(c *gin.Context, user string) bool {
	if err := midsec.Authorize(c, user); err != nil {
		fail(c, err)
		return false
	}
	return true
}

func (h *Handler) Test(c *gin.Context) {
	ok(c, gin.H{"message": "gateway is running", "backend_connected": h.gw.Connected(c.Request.Context())})
}

func (h *Handler) Login(c *gin.Context) {
	req, pass := bind[loginReq](c, nil)
	if !pass {
		return
	}
	res, err := h.gw.Login(c.Request.Context(), req.Username)
	if err != nil {
		fail(c, err)
		return
	}
	body := gin.H{"username": res.Username, "message": "login successful"}
	if res.Token != "" {
		body["token"] = res.Token
		body["expire_at"] = res.ExpireAt.Unix()
	}
	ok(c, body)
}

func (h *Handler) Logout(c *gin.Context) {
	req, pass := bind(c, func(r *loginReq) string { return r.Username })
	if !pass {
		return
	}
	if err := h.gw.Logout(c.Request.Context(), req.Username); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"username": req.Username})
}

func (h *Handler) SendMessage(c *gin.Context) {
	req, pass := bind(c, func(r *sendMessageReq) string { return r.From })
	if !pass {
		return
	}
	reply, err := h.gw.SendMessage(c.Request.Context(), req.From, req.To, req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"response": reply})
}

func (h *Handler) SendGroupMessage(c *gin.Context) {
	req, pass := bind(c, func(r *sendGroupMessageReq) string { return r.From })
	if !pass {
		return
	}
	reply, err := h.gw.SendGroupMessage(c.Request.Context(), req.From, req.GroupName, req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"response": reply})
}

func (h *Handler) CreateGroup(c *gin.Context) {
	req, pass := bind(c, func(r *createGroupReq) string { return r.Creator })
	if !pass {
		return
	}
	info, err := h.gw.CreateGroup(c.Request.Context(), req.GroupName, req.Creator, req.Members)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"group": info})
}

func (h *Handler) JoinGroup(c *gin.Context) {
	req, pass := bind(c, func(r *joinGroupReq) string { return r.Username })
	if !pass {
		return
	}
	reply, err := h.gw.JoinGroup(c.Request.Context(), req.Username, req.GroupName)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"response": reply})
}

func (h *Handler) SendAudio(c *gin.Context) {
	req, pass := bind(c, func(r *sendAudioReq) string { return r.From })
	if !pass {
		return
	}
	id, err := h.gw.SendAudio(c.Request.Context(), req.From, req.To, req.GroupName, req.AudioData)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"audio_id": id})
}

// History: GET /api/history/:target?username=&isGroup=
func (h *Handler) History(c *gin.Context) {
	user := c.Query("username")
	if !authorize(c, user) {
		return
	}
	isGroup, _ := strconv.ParseBool(c.DefaultQuery("isGroup", "false"))
	entries, err := h.gw.History(c.Request.Context(), user, c.Param("target"), isGroup)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"history": entries})
}

func (h *Handler) Groups(c *gin.Context) {
	user := c.Param("username")
	if !authorize(c, user) {
		return
	}
	groups, err := h.gw.Groups(c.Request.Context(), user)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"groups": groups})
}

// GroupMembers: GET /api/groups/:group/members?username=
// gin 要求同一位置的通配名一致，这里 :username 段实际是群名
func (h *Handler) GroupMembers(c *gin.Context) {
	user := c.Query("username")
	if user != "" && !authorize(c, user) {
		return
	}
	members, err := h.gw.GroupMembers(c.Request.Context(), user, c.Param("username"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"members": members})
}

// OnlineUsers serves both /onlineUsers?username= and /onlineUsers/:username.
func (h *Handler) OnlineUsers(c *gin.Context) {
	user := c.Param("username")
	if user == "" {
		user = c.Query("username")
	}
	users, err := h.gw.OnlineUsers(c.Request.Context(), user)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"users": users})
}

func (h *Handler) Notifications(c *gin.Context) {
	user := c.Param("username")
	if !authorize(c, user) {
		return
	}
	events, err := h.gw.Notifications(c.Request.Context(), user)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"notifications": events})
}

func (h *Handler) Audio(c *gin.Context) {
	id := c.Param("audioId")
	data, err := h.gw.Audio(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"audio_id": id, "audio_data": data})
}
