package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
)

// Handler 处理来自事件队列的一条事件。
type Handler func(ctx context.Context, evt Event) error

// Publisher 负责向事件总线投递事件。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Consumer 负责从事件总线消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Publisher
	Consumer
}

// ErrQueueClosed 表示队列已经关闭。
var ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "事件队列已关闭", xerrors.WithRetryable(false), xerrors.WithAlert(false))

// MemoryQueue 使用 channel 实现的进程内事件队列。
type MemoryQueue struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Event, size)}
}

// Publish 将事件投递到队列，队列满时阻塞直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, evt Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- evt:
		return nil
	}
}

// Consume 启动指定数量的工作协程，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, evt)
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrQueueClosed
}

// Close 关闭内存队列，已入队的事件仍会被消费完。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}

// Fanout 把同一事件投递给多个 Publisher，例如事件队列与 websocket hub。
type Fanout []Publisher

// Publish 依次投递，收集全部错误。
func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Kind, err))
		}
	}
	return errors.Join(errs...)
}
