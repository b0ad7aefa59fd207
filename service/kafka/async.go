package kafka

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"chatgate/logger"
	"chatgate/service/realtime"
	"chatgate/tools/safe"

	"github.com/Shopify/sarama"
)

// Archive publishes every fan-out decision to a topic, keyed by user.
// Publishing never blocks delivery: when the producer input is busy the
// record is dropped and counted.
type Archive struct {
	topic    string
	prod     sarama.AsyncProducer
	client   sarama.Client
	wg       sync.WaitGroup
	sent     atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
	stopOnce sync.Once
}

// NewArchive connects to the brokers and starts the async producer.
func NewArchive(c ArchiveConfig) (*Archive, error) {
	c.norm()
	client, err := sarama.NewClient(c.Brokers, BuildBaseConfig(c))
	if err != nil {
		return nil, err
	}
	if c.EnsureTopic {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err == nil {
			if err := EnsureTopic(admin, c); err != nil {
				logger.Warnf("[Kafka] ensure topic %s: %v", c.Topic, err)
			}
		}
	}
	p, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	a := newArchive(c.Topic, p)
	a.client = client
	return a, nil
}

func newArchive(topic string, p sarama.AsyncProducer) *Archive {
	a := &Archive{topic: topic, prod: p}
	a.wg.Add(2)
	safe.SafeGo("kafka-archive-successes", func() {
		defer a.wg.Done()
		for msg := range p.Successes() {
			a.sent.Add(1)
			logger.Debugf("[Kafka] archived topic=%s partition=%d offset=%d", msg.Topic, msg.Partition, msg.Offset)
		}
	})
	safe.SafeGo("kafka-archive-errors", func() {
		defer a.wg.Done()
		for err := range p.Errors() {
			a.failed.Add(1)
			logger.Warnf("[Kafka] archive error: %v", err)
		}
	})
	return a
}

func (a *Archive) Archive(rec realtime.DeliveryRecord) {
	b, err := json.Marshal(rec)
	if err != nil {
		a.dropped.Add(1)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: a.topic,
		Key:   sarama.StringEncoder(rec.User),
		Value: sarama.ByteEncoder(b),
	}
	select {
	case a.prod.Input() <- msg:
	default:
		a.dropped.Add(1)
	}
}

// Stats returns acknowledged, failed and dropped counts.
func (a *Archive) Stats() (sent, failed, dropped int64) {
	return a.sent.Load(), a.failed.Load(), a.dropped.Load()
}

// Close flushes in-flight messages and shuts the producer down.
func (a *Archive) Close() error {
	var err error
	a.stopOnce.Do(func() {
		err = a.prod.Close()
		a.wg.Wait()
		if a.client != nil {
			if cerr := a.client.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
