package natsx

import (
	"context"
	"fmt"
)

// NatsxProducer 生产端
type NatsxProducer struct{ c *NatsxClient }

func NewNatsxProducer(c *NatsxClient) *NatsxProducer { return &NatsxProducer{c: c} }

// Publish 按 Biz 路由发送；subject 里的 %s 由 key 填充
func (p *NatsxProducer) Publish(ctx context.Context, biz, key string, data []byte, hdr map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, ok := p.c.route(biz)
	if !ok {
		return fmt.Errorf("route not found: %s", biz)
	}
	return p.c.sendCore(subjectFor(r.Subject, key), data, hdr)
}

func subjectFor(pattern, key string) string {
	if key == "" {
		return pattern
	}
	return fmt.Sprintf(pattern, key)
}
