package middleware

import (
	"sync"

	"github.com/gin-gonic/gin"
)

// MiddlewareManager 可以自由注册/注销中间件
type MiddlewareManager struct {
	mu   sync.RWMutex
	mids []gin.HandlerFunc
}

// NewManager 创建新的实例
func NewManager() *MiddlewareManager {
	return &MiddlewareManager{}
}

// Add 注册一个中间件
func (m *MiddlewareManager) Add(h ...gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = append(m.mids, h...)
}

// Clear 清空全部中间件
func (m *MiddlewareManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = nil
}

// Handlers 返回当前注册的快照，按注册顺序挂到 Engine 上
func (m *MiddlewareManager) Handlers() []gin.HandlerFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]gin.HandlerFunc{}, m.mids...)
}

// Apply 挂载到 Engine
func (m *MiddlewareManager) Apply(r gin.IRoutes) {
	r.Use(m.Handlers()...)
}
