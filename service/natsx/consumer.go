package natsx

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NatsxConsumer 消费端
type NatsxConsumer struct {
	c   *NatsxClient
	mws []NatsxMiddleware
}

func NewNatsxConsumer(c *NatsxClient, mws ...NatsxMiddleware) *NatsxConsumer {
	return &NatsxConsumer{c: c, mws: mws}
}

// Subscribe 订阅 biz 路由；key 填充 subject 模板
func (cs *NatsxConsumer) Subscribe(biz, key string, h NatsxHandler) error {
	r, ok := cs.c.route(biz)
	if !ok {
		return fmt.Errorf("route not found: %s", biz)
	}
	h = NatsxChain(h, cs.mws...)

	cb := func(m *nats.Msg) {
		_ = h(context.Background(), NatsxMessage{
			Subject: m.Subject,
			Data:    append([]byte(nil), m.Data...),
			Header:  headerToMap(m.Header),
		})
	}
	subject := subjectFor(r.Subject, key)
	var (
		sub *nats.Subscription
		err error
	)
	if r.Queue == "" {
		sub, err = cs.c.nc.Subscribe(subject, cb)
	} else {
		sub, err = cs.c.nc.QueueSubscribe(subject, r.Queue, cb)
	}
	if err != nil {
		return err
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	cs.c.mu.Lock()
	if old, ok := cs.c.subs[biz]; ok {
		_ = old.Unsubscribe()
	}
	cs.c.subs[biz] = sub
	cs.c.mu.Unlock()
	return nil
}
