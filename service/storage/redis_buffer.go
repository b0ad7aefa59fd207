package storage

import (
	"context"
	"encoding/json"

	"chatgate/logger"
	"chatgate/service/wire"
	"chatgate/tools/errs"

	"github.com/redis/go-redis/v9"
)

const defaultBufferLimit = 10000

// buffer key: chat:buffer:<user>, oldest event at the head
func bufferKey(user string) string { return "chat:buffer:" + user }

// RedisBuffer keeps undelivered events in one list per user, so any gateway
// can drain what another one buffered.
type RedisBuffer struct {
	rdb   redis.UniversalClient
	limit int64
}

func NewRedisBuffer(rdb redis.UniversalClient, limit int) *RedisBuffer {
	if limit <= 0 {
		limit = defaultBufferLimit
	}
	return &RedisBuffer{rdb: rdb, limit: int64(limit)}
}

// Append pushes ev to the tail and trims the list to the newest limit events.
func (b *RedisBuffer) Append(ctx context.Context, user string, ev wire.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return errs.WrapMsg(err, "encode buffered event", "user", user)
	}
	pipe := b.rdb.TxPipeline()
	pipe.RPush(ctx, bufferKey(user), raw)
	pipe.LTrim(ctx, bufferKey(user), -b.limit, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.WrapMsg(err, "buffer append", "user", user)
	}
	return nil
}

// Drain reads and deletes the list inside one MULTI, so two concurrent
// drains never see the same event.
func (b *RedisBuffer) Drain(ctx context.Context, user string) ([]wire.Event, error) {
	var lr *redis.StringSliceCmd
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lr = pipe.LRange(ctx, bufferKey(user), 0, -1)
		pipe.Del(ctx, bufferKey(user))
		return nil
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "buffer drain", "user", user)
	}

	vals := lr.Val()
	out := make([]wire.Event, 0, len(vals))
	for _, v := range vals {
		var ev wire.Event
		if err := json.Unmarshal([]byte(v), &ev); err != nil {
			logger.Warnf("[Storage] skip undecodable buffered event for user=%s: %v", user, err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Len reports how many events are waiting for user.
func (b *RedisBuffer) Len(ctx context.Context, user string) (int64, error) {
	return b.rdb.LLen(ctx, bufferKey(user)).Result()
}
