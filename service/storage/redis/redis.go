package redis

import (
	"context"
	"sync"
	"time"

	"chatgate/tools/errs"

	"github.com/redis/go-redis/v9"
)

var (
	redisOnce sync.Once
	redisMgr  *RedisManager
)

type RedisManager struct {
	client *redis.Client
}

// Config 用于初始化 Redis
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewClient 建连并 Ping 一次
func NewClient(ctx context.Context, c Config) (*redis.Client, error) {
	if c.Addr == "" {
		return nil, errs.ErrArgs.WrapMsg("redis addr is empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.WrapMsg(err, "redis ping failed", "addr", c.Addr)
	}
	return rdb, nil
}

// InitRedis 初始化 Redis 管理器（单例）
func InitRedis(c Config) error {
	var initErr error
	redisOnce.Do(func() {
		rdb, err := NewClient(context.Background(), c)
		if err != nil {
			initErr = err
			return
		}
		redisMgr = &RedisManager{client: rdb}
	})
	return initErr
}

// GetRedis 获取 Redis Client
func GetRedis() *redis.Client {
	if redisMgr == nil {
		panic("Redis not initialized, call InitRedis first")
	}
	return redisMgr.client
}

// TryGetRedis 未初始化时返回 false
func TryGetRedis() (*redis.Client, bool) {
	if redisMgr == nil {
		return nil, false
	}
	return redisMgr.client, true
}

// CloseRedis 关闭连接
func CloseRedis() error {
	if redisMgr != nil && redisMgr.client != nil {
		return redisMgr.client.Close()
	}
	return nil
}
