package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

const (
	KindUpdate = "update"
	KindState  = "state"
	// KindVector 是一个节点的状态向量，收到的节点补发它缺的更新
	KindVector = "vector"
)

// 每个文档一个频道
const BusChannelKey = "collab:doc:{%s}"

// Envelope is what travels between nodes. Node lets a node ignore its own
// publications.
type Envelope struct {
	Node    string `json:"node"`
	Kind    string `json:"kind"`
	Payload []byte `json:"payload"`
}

// Bus fans updates out to the rooms of the same document on other nodes.
// Delivery is at most once and Publish must not block the caller; rooms
// exchange state vectors over the bus to recover whatever was dropped.
type Bus interface {
	Publish(docID string, env Envelope)
	Subscribe(docID string, fn func(Envelope)) (unsubscribe func(), err error)
	Close() error
}

type outgoing struct {
	channel string
	body    []byte
}

// RedisBus is a Bus over Redis Pub/Sub. Publishing goes through a bounded
// queue drained by one goroutine, so rooms never wait on Redis.
type RedisBus struct {
	rdb  redis.UniversalClient
	node string
	out  chan outgoing

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewRedisBus(rdb redis.UniversalClient, node string, queueSize int) *RedisBus {
	if queueSize <= 0 {
		queueSize = 4096
	}
	b := &RedisBus{
		rdb:  rdb,
		node: node,
		out:  make(chan outgoing, queueSize),
		done: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.publishLoop()
	return b
}

func (b *RedisBus) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case o := <-b.out:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := b.rdb.Publish(ctx, o.channel, o.body).Err(); err != nil {
				glog.Warningf("relay: bus publish %s: %v", o.channel, err)
			}
			cancel()
		case <-b.done:
			return
		}
	}
}

func (b *RedisBus) Publish(docID string, env Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		glog.Errorf("relay: bus encode: %v", err)
		return
	}
	select {
	case b.out <- outgoing{channel: fmt.Sprintf(BusChannelKey, docID), body: body}:
	default:
		// 丢弃，其他节点靠定期交换状态向量补齐
		glog.Warningf("relay: bus queue full, drop %s for doc=%s", env.Kind, docID)
	}
}

// Subscribe delivers envelopes published by other nodes for docID. It returns
// once the subscription is confirmed by Redis.
func (b *RedisBus) Subscribe(docID string, fn func(Envelope)) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub := b.rdb.Subscribe(ctx, fmt.Sprintf(BusChannelKey, docID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("relay: subscribe doc=%s: %w", docID, err)
	}

	go func() {
		for msg := range sub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				glog.Warningf("relay: bus decode on %s: %v", msg.Channel, err)
				continue
			}
			if env.Node == b.node {
				continue
			}
			fn(env)
		}
	}()
	// 关闭后 Channel() 随之关闭，上面的 goroutine 退出
	var once sync.Once
	return func() { once.Do(func() { _ = sub.Close() }) }, nil
}

func (b *RedisBus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	b.wg.Wait()
	return nil
}
