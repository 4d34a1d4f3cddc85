package collab

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaDispatcher_SendsEvents(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt UpdateAppliedEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.DocID != "doc-1" || evt.UpdateID != "alice:1" || evt.EventType != EventUpdateApplied {
			return errors.New("unexpected event")
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "collab.updates", NewSemaphoreControl(1), KafkaDispatcherOptions{QueueSize: 4, Workers: 1})
	d.Publish(UpdateAppliedEvent{
		EventType: EventUpdateApplied,
		DocID:     "doc-1",
		UpdateID:  "alice:1",
		Origin:    "alice",
		Seq:       1,
		AppliedAt: time.Now(),
	})
	d.Close()
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcher_RetriesFailedSend(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "collab.updates", nil, KafkaDispatcherOptions{
		QueueSize:   1,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	})
	require.NoError(t, d.TryEnqueue(UpdateAppliedEvent{DocID: "doc-1", UpdateID: "bob:3"}))
	d.Close()
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcher_TryEnqueueNeverBlocks(t *testing.T) {
	// 没有 worker 消费，第二条必然入队失败
	d := &KafkaDispatcher{queue: make(chan UpdateAppliedEvent, 1)}
	require.NoError(t, d.TryEnqueue(UpdateAppliedEvent{DocID: "a"}))
	assert.ErrorIs(t, d.TryEnqueue(UpdateAppliedEvent{DocID: "b"}), ErrQueueFull)
}
