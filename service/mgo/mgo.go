package mgo

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	mgo "chatgate/data/database/mgo/mongoutil"
	"chatgate/logger"
	"chatgate/tools/errs"
	"chatgate/tools/safe"

	"go.mongodb.org/mongo-driver/mongo"
)

const (
	baseBackoff = 200 * time.Millisecond
	maxBackoff  = 5 * time.Second
	healthEvery = 10 * time.Second // 健康检查周期
	failThresh  = 3                // 连续失败阈值
)

type MongoManager struct {
	cfg *mgo.Config

	mu        sync.RWMutex
	client    *mgo.Client
	readyCh   chan struct{} // 首次就绪通知；只会被 close 一次
	readyOnce sync.Once

	lastErr atomic.Value // error
	connect func(ctx context.Context, cfg *mgo.Config) (*mgo.Client, error)
}

func NewManager(cfg *mgo.Config) *MongoManager {
	return &MongoManager{cfg: cfg, readyCh: make(chan struct{}), connect: mgo.NewMongoDB}
}

// StartAsync 一直运行到 ctx.Done()；首次连上时 close readyCh，后续掉线会自动重连
func (m *MongoManager) StartAsync(ctx context.Context) {
	safe.SafeGo("mongo-manager", func() {
		for {
			if !m.connectLoop(ctx) {
				return
			}
			m.healthLoop(ctx)
			if ctx.Err() != nil {
				return
			}
		}
	})
}

// connectLoop 带退避重试，ctx 结束返回 false
func (m *MongoManager) connectLoop(ctx context.Context) bool {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return false
		}
		cli, err := m.connect(ctx, m.cfg)
		if err == nil {
			m.mu.Lock()
			m.client = cli
			m.mu.Unlock()
			m.readyOnce.Do(func() { close(m.readyCh) })
			logger.Infof("[Mongo] connected db=%s", m.cfg.Database)
			return true
		}
		m.lastErr.Store(err)
		logger.Warnf("[Mongo] connect failed attempt=%d: %v", attempt+1, err)

		backoff := baseBackoff << attempt
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		jitter := time.Duration(rand.Int63n(int64(backoff/5) + 1)) // 0~20%
		timer := time.NewTimer(backoff - jitter/2)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		if attempt < 6 {
			attempt++
		}
	}
}

func (m *MongoManager) healthLoop(ctx context.Context) {
	fail := 0
	ticker := time.NewTicker(healthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.drop()
			return
		case <-ticker.C:
			c, ok := m.current()
			if !ok {
				return
			}
			if err := c.GetDB().Client().Ping(ctx, nil); err != nil {
				fail++
				m.lastErr.Store(err)
				if fail >= failThresh {
					logger.Errorf("[Mongo] ping failed %d times, reconnecting: %v", fail, err)
					m.drop()
					return
				}
				continue
			}
			fail = 0
		}
	}
}

func (m *MongoManager) drop() {
	m.mu.Lock()
	if m.client != nil {
		_ = m.client.Disconnect(context.Background())
		m.client = nil
	}
	m.mu.Unlock()
}

func (m *MongoManager) current() (*mgo.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client, m.client != nil
}

// Ready 首次连接成功时会 close；可 select 等待
func (m *MongoManager) Ready() <-chan struct{} {
	return m.readyCh
}

// Err 最近一次错误
func (m *MongoManager) Err() error {
	if v := m.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// DB 未连上时返回 ErrUnavailable
func (m *MongoManager) DB() (*mongo.Database, error) {
	c, ok := m.current()
	if !ok {
		return nil, errs.ErrUnavailable.WrapMsg("mongo not connected")
	}
	return c.GetDB(), nil
}

func (m *MongoManager) WaitReady(ctx context.Context) error {
	if _, ok := m.current(); ok {
		return nil
	}
	select {
	case <-m.readyCh:
		return nil
	case <-ctx.Done():
		return errs.ErrUnavailable.WrapMsg("mongo not ready", "err", ctx.Err())
	}
}
