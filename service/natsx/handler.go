package natsx

import (
	"context"

	"chatgate/logger"
	"chatgate/tools/errs"
)

// NatsxMessage 统一消息对象
type NatsxMessage struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

// NatsxHandler 业务处理函数
type NatsxHandler func(ctx context.Context, msg NatsxMessage) error

// NatsxMiddleware 中间件（日志、恢复等）
type NatsxMiddleware func(NatsxHandler) NatsxHandler

// NatsxChain 组合中间件
func NatsxChain(h NatsxHandler, mws ...NatsxMiddleware) NatsxHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// NatsxRecover 把处理函数的 panic 记日志并转成错误
func NatsxRecover(name string) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("[Relay] %s handler panic subject=%s: %v", name, msg.Subject, r)
					err = errs.ErrPanic(r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// NatsxLogErrors 记录处理失败
func NatsxLogErrors(next NatsxHandler) NatsxHandler {
	return func(ctx context.Context, msg NatsxMessage) error {
		err := next(ctx, msg)
		if err != nil {
			logger.Warnf("[Relay] handle subject=%s failed: %v", msg.Subject, err)
		}
		return err
	}
}
