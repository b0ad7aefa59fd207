package middleware

import (
	"net/http"
	"time"

	"chatgate/logger"
	"chatgate/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccessLog writes one zap line per request.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("cost", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Warn("[HTTP] request", fields...)
		default:
			logger.Debug("[HTTP] request", fields...)
		}
	}
}

// Recovery turns a handler panic into a 500 envelope.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				err := errs.ErrPanic(r)
				logger.Error("[HTTP] panic recovered", zap.String("path", c.Request.URL.Path), zap.Error(err), zap.Stack("stack"))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": errs.ErrInternal.Msg})
			}
		}()
		c.Next()
	}
}
