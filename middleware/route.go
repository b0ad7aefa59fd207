package middleware

import (
	"github.com/gin-gonic/gin"
)

// 配置选项
type RouteOpt struct {
	IsAuth bool
}

// Router 给需要鉴权的路由挂上 auth 中间件
type Router struct {
	r    gin.IRoutes
	auth gin.HandlerFunc
}

// NewRouter: auth 为 nil 时所有路由都不鉴权
func NewRouter(r gin.IRoutes, auth gin.HandlerFunc) *Router {
	return &Router{r: r, auth: auth}
}

func (rt *Router) chain(handler gin.HandlerFunc, opt RouteOpt) []gin.HandlerFunc {
	if opt.IsAuth && rt.auth != nil {
		return []gin.HandlerFunc{rt.auth, handler}
	}
	return []gin.HandlerFunc{handler}
}

// 封装 POST
func (rt *Router) POST(path string, handler gin.HandlerFunc, opt RouteOpt) {
	rt.r.POST(path, rt.chain(handler, opt)...)
}

// 封装 GET
func (rt *Router) GET(path string, handler gin.HandlerFunc, opt RouteOpt) {
	rt.r.GET(path, rt.chain(handler, opt)...)
}
