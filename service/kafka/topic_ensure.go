package kafka

import (
	"errors"
	"fmt"

	"chatgate/logger"

	"github.com/Shopify/sarama"
)

// EnsureTopic 不存在就创建；已存在且分区不足时扩分区
func EnsureTopic(admin sarama.ClusterAdmin, c ArchiveConfig) error {
	descs, err := admin.DescribeTopics([]string{c.Topic})
	if err != nil {
		return fmt.Errorf("describe topic %s: %w", c.Topic, err)
	}
	exists := len(descs) == 1 && errors.Is(descs[0].Err, sarama.ErrNoError)

	if !exists {
		td := &sarama.TopicDetail{
			NumPartitions:     c.Partitions,
			ReplicationFactor: c.ReplicationFactor,
			ConfigEntries: map[string]*string{
				"cleanup.policy":   strPtr("delete"),
				"compression.type": strPtr("producer"),
			},
		}
		if err := admin.CreateTopic(c.Topic, td, false); err != nil {
			var te *sarama.TopicError
			if (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) || errors.Is(err, sarama.ErrTopicAlreadyExists) {
				logger.Infof("[Kafka] topic exists (race): %s", c.Topic)
				return nil
			}
			return fmt.Errorf("create topic %s: %w", c.Topic, err)
		}
		logger.Infof("[Kafka] topic created: %s (partitions=%d, rf=%d)", c.Topic, c.Partitions, c.ReplicationFactor)
		return nil
	}

	cur := int32(len(descs[0].Partitions))
	if c.Partitions > cur {
		if err := admin.CreatePartitions(c.Topic, c.Partitions, nil, false); err != nil {
			return fmt.Errorf("expand partitions %s from %d to %d: %w", c.Topic, cur, c.Partitions, err)
		}
		logger.Infof("[Kafka] partitions expanded: %s (%d -> %d)", c.Topic, cur, c.Partitions)
	}
	return nil
}

func strPtr(s string) *string { return &s }
