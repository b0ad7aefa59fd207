package kafka

import "github.com/Shopify/sarama"

// ArchiveConfig 投递归档的生产者配置
type ArchiveConfig struct {
	Brokers             []string
	Topic               string
	Partitions          int32 // 自动建 topic 时使用
	ReplicationFactor   int16
	ProducerRetries     int
	ProducerCompression string // none/snappy/lz4/zstd
	KafkaVersion        sarama.KafkaVersion
	EnsureTopic         bool
}

func (c *ArchiveConfig) norm() {
	if c.Topic == "" {
		c.Topic = "chat_push_deliveries"
	}
	if c.Partitions <= 0 {
		c.Partitions = 8
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.ProducerRetries <= 0 {
		c.ProducerRetries = 3
	}
	if c.KafkaVersion == (sarama.KafkaVersion{}) {
		c.KafkaVersion = sarama.V2_1_0_0
	}
}
