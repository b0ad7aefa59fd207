package kafka

import (
	"encoding/json"
	"testing"

	"chatgate/service/realtime"
	"chatgate/service/wire"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/require"
)

func TestArchivePublishesKeyedRecord(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	prod := mocks.NewAsyncProducer(t, cfg)
	prod.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		var rec realtime.DeliveryRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		require.Equal(t, "alice", rec.User)
		require.Equal(t, realtime.OutcomeBuffered, rec.Outcome)
		require.Equal(t, wire.EventPrivateMessage, rec.Event.Type)
		return nil
	})
	prod.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	a := newArchive("deliveries", prod)
	a.Archive(realtime.DeliveryRecord{User: "alice", Outcome: realtime.OutcomeBuffered,
		Event: wire.Event{Type: wire.EventPrivateMessage, From: "bob"}})
	a.Archive(realtime.DeliveryRecord{User: "bob", Outcome: realtime.OutcomePushed})

	require.NoError(t, a.Close())
	sent, failed, _ := a.Stats()
	require.EqualValues(t, 1, sent)
	require.EqualValues(t, 1, failed)
}

func TestBuildBaseConfig(t *testing.T) {
	c := ArchiveConfig{ProducerCompression: "lz4"}
	c.norm()
	cfg := BuildBaseConfig(c)
	require.Equal(t, sarama.CompressionLZ4, cfg.Producer.Compression)
	require.Equal(t, 3, cfg.Producer.Retry.Max)
	require.True(t, cfg.Producer.Return.Successes)
	require.Equal(t, "chat_push_deliveries", c.Topic)
}
