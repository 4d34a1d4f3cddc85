package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
)

var ErrQueueFull = errors.New("kafka dispatcher queue full")

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
// - 不阻塞房间的处理循环（TryEnqueue 只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时允许降级（丢弃），避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan UpdateAppliedEvent

	// sem 限制并发的 SendMessage 数量。
	kafkaSem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	closeOnce sync.Once
	wg        sync.WaitGroup
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkaSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 2
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 100 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = 2 * time.Second
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan UpdateAppliedEvent, opt.QueueSize),
		kafkaSem:    kafkaSem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}

	d.Start()
	return d
}

// Enqueue：把事件放入本地队列。
// - 队列满时，等待直到 ctx 超时
// - ctx 超时返回错误 （kafka不要求强一致性，不是每个事件都必须送达）
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt UpdateAppliedEvent) error {
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue 不等待，队列满直接丢弃。房间循环只用这个
func (d *KafkaDispatcher) TryEnqueue(evt UpdateAppliedEvent) error {
	select {
	case d.queue <- evt:
		return nil
	default:
		return ErrQueueFull
	}
}

// Publish 实现 relay.EventSink
func (d *KafkaDispatcher) Publish(evt UpdateAppliedEvent) {
	if err := d.TryEnqueue(evt); err != nil {
		glog.Warningf("kafka: drop event doc=%s update=%s: %v", evt.DocID, evt.UpdateID, err)
	}
}

func (d *KafkaDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收并等待队列中剩余的事件发送完
func (d *KafkaDispatcher) Close() {
	d.closeOnce.Do(func() { close(d.queue) })
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt UpdateAppliedEvent) {
	// 退避，每次退避时间X2，封顶 maxBackoff
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.baseBackoff
	b.MaxInterval = d.maxBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	op := func() error {
		if d.kafkaSem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.kafkaSem.Acquire(context.Background())
			defer d.kafkaSem.Release()
		}
		return d.sendOnce(evt)
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(b, uint64(d.maxRetry))); err != nil {
		glog.Warningf("kafka send failed, drop event doc=%s update=%s rev=%d worker=%d err=%v",
			evt.DocID, evt.UpdateID, evt.Revision, workerID, err)
	}
}

func (d *KafkaDispatcher) sendOnce(evt UpdateAppliedEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return backoff.Permanent(err)
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

// NewSyncProducer 按 collab 服务的默认参数创建同步生产者
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 0
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, cfg)
}
