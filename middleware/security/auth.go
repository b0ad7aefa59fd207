package security

import (
	"net/http"
	"strings"

	"chatgate/tools/errs"
	"chatgate/tools/security"

	"github.com/gin-gonic/gin"
)

// —— context key ——
// 后续模块统一用这个 key 读取令牌里的用户名
const PPCtxUserKey = "authUser"

type Options struct {
	Enabled bool
	JWT     security.Options
	// 读取哪个请求头，默认 "Authorization"
	HeaderToken string
}

func DefaultOptions(secret []byte) *Options {
	return &Options{
		Enabled:     len(secret) > 0,
		JWT:         security.DefaultOptions(secret),
		HeaderToken: "Authorization",
	}
}

// Middleware verifies a bearer token and stores its subject in the context.
// A disabled Options lets every request through.
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts == nil || !opts.Enabled {
			c.Next()
			return
		}
		token := bearer(c.GetHeader(opts.HeaderToken))
		if token == "" {
			abort(c, errs.ErrUnauthorized.WrapMsg("missing bearer token"))
			return
		}
		sub, err := security.Verify(opts.JWT, token)
		if err != nil {
			abort(c, errs.ErrUnauthorized.WrapMsg(err.Error()))
			return
		}
		c.Set(PPCtxUserKey, sub)
		c.Next()
	}
}

// 兼容 Authorization: Bearer xxx 以及裸 token
func bearer(h string) string {
	h = strings.TrimSpace(h)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return h
}

// User returns the verified token subject, if any.
func User(c *gin.Context) (string, bool) {
	v, ok := c.Get(PPCtxUserKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// Authorize checks that the acting user matches the token subject. Requests
// that went through no auth middleware pass.
func Authorize(c *gin.Context, username string) error {
	sub, ok := User(c)
	if !ok {
		return nil
	}
	if sub != username {
		return errs.ErrForbidden.WrapMsg("", "user", username)
	}
	return nil
}

func abort(c *gin.Context, err error) {
	status := errs.Status(err)
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, gin.H{"ok": false, "error": errs.Message(err)})
}
