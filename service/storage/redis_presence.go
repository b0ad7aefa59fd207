package storage

import (
	"context"
	"time"

	"chatgate/tools/errs"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// presence key: chat:presence:<user>
// Value: gateway_id, TTL controls the online validity period
func presenceKey(user string) string { return "chat:presence:" + user }

// 只删除自己写入的 presence，避免旧网关把新网关的登记清掉
var luaOffline = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

// Online marks user as attached to gatewayID and renews the TTL.
func (p *RedisPresence) Online(ctx context.Context, user, gatewayID string, ttl time.Duration) error {
	if err := p.rdb.Set(ctx, presenceKey(user), gatewayID, ttl).Err(); err != nil {
		return errs.WrapMsg(err, "presence online", "user", user, "gw", gatewayID)
	}
	return nil
}

// Offline clears the entry only while it still names gatewayID.
func (p *RedisPresence) Offline(ctx context.Context, user, gatewayID string) error {
	if err := luaOffline.Run(ctx, p.rdb, []string{presenceKey(user)}, gatewayID).Err(); err != nil {
		return errs.WrapMsg(err, "presence offline", "user", user, "gw", gatewayID)
	}
	return nil
}

// Lookup checks whether the user is online and where.
func (p *RedisPresence) Lookup(ctx context.Context, user string) (gatewayID string, online bool, err error) {
	val, err := p.rdb.Get(ctx, presenceKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.WrapMsg(err, "presence lookup", "user", user)
	}
	return val, true, nil
}
