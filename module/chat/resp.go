package chat

import (
	"net/http"

	"chatgate/logger"
	"chatgate/tools/errs"

	"github.com/gin-gonic/gin"
)

func ok(c *gin.Context, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["ok"] = true
	c.JSON(http.StatusOK, body)
}

// fail writes {ok:false, error} with the error's status.
func fail(c *gin.Context, err error) {
	status := errs.Status(err)
	if status >= http.StatusInternalServerError {
		logger.Warnf("[HTTP] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"ok": false, "error": errs.Message(err)})
}
