package chat

import (
	"chatgate/middleware"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the API under /api and the push upgrade at /ws.
// auth guards every user-scoped route; nil leaves them open.
func RegisterRoutes(e *gin.Engine, h *Handler, auth gin.HandlerFunc, ws gin.HandlerFunc) {
	open := middleware.RouteOpt{}
	user := middleware.RouteOpt{IsAuth: true}

	rt := middleware.NewRouter(e.Group("/api"), auth)
	rt.GET("/test", h.Test, open)
	rt.POST("/login", h.Login, open)
	rt.POST("/logout", h.Logout, user)
	rt.POST("/sendMessage", h.SendMessage, user)
	rt.POST("/sendGroupMessage", h.SendGroupMessage, user)
	rt.POST("/createGroup", h.CreateGroup, user)
	rt.POST("/joinGroup", h.JoinGroup, user)
	rt.POST("/sendAudio", h.SendAudio, user)
	rt.GET("/history/:target", h.History, user)
	rt.GET("/groups/:username", h.Groups, user)
	rt.GET("/groups/:username/members", h.GroupMembers, user)
	rt.GET("/onlineUsers", h.OnlineUsers, open)
	rt.GET("/onlineUsers/:username", h.OnlineUsers, open)
	rt.GET("/notifications/:username", h.Notifications, user)
	rt.GET("/audio/:audioId", h.Audio, open)

	if ws != nil {
		e.GET("/ws", ws)
	}
}
