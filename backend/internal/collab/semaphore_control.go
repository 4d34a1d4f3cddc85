package collab

import (
	"context"
	"errors"
)

var MaxSemaphore int = 100

var (
	ErrAcquireTimeout = errors.New("Acquire Reach time limit")
	ErrNotAcquired    = errors.New("Release Failed, semaphore is not acquired")
)

// SemaphoreControl 限制同时进行的外部 I/O（Kafka 发送、持久化写入）数量
type SemaphoreControl struct {
	ch chan struct{}
}

// NewSemaphoreControl 容量 <= 0 时使用 MaxSemaphore
func NewSemaphoreControl(capacity int) *SemaphoreControl {
	if capacity <= 0 {
		capacity = MaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, capacity)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrAcquireTimeout, ctx.Err())
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}

// InUse 当前被占用的名额
func (s *SemaphoreControl) InUse() int { return len(s.ch) }
