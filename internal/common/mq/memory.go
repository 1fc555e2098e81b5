package mq

import (
	"context"
	"errors"
	"sync"
)

// MemoryQueue is an in-process MessageQueue backed by buffered channels.
// Messages are lost on restart; the reconciler covers submissions left behind.
type MemoryQueue struct {
	buffer int

	mu            sync.Mutex
	topics        map[string]chan *Message
	subscriptions []*memorySubscription
	started       bool
	closed        bool
}

type memorySubscription struct {
	topic   string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryQueue creates a queue whose topics each buffer up to buffer messages.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryQueue{buffer: buffer, topics: make(map[string]chan *Message)}
}

func (q *MemoryQueue) topic(name string) chan *Message {
	ch, ok := q.topics[name]
	if !ok {
		ch = make(chan *Message, q.buffer)
		q.topics[name] = ch
	}
	return ch
}

// Publish enqueues message, blocking while the topic buffer is full.
func (q *MemoryQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("message queue is closed")
	}
	ch := q.topic(topic)
	q.mu.Unlock()

	select {
	case ch <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeWithOptions registers handler for topic.
func (q *MemoryQueue) SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()
	if ctx == nil {
		ctx = context.Background()
	}
	sub := &memorySubscription{topic: topic, handler: handler, opts: options, baseCtx: ctx}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	q.subscriptions = append(q.subscriptions, sub)
	if q.started {
		q.startSubscription(sub)
	}
	return nil
}

// Start launches workers for every subscription.
func (q *MemoryQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	if q.started {
		return nil
	}
	for _, sub := range q.subscriptions {
		q.startSubscription(sub)
	}
	q.started = true
	return nil
}

func (q *MemoryQueue) startSubscription(sub *memorySubscription) {
	ch := q.topic(sub.topic)
	ctx, cancel := context.WithCancel(sub.baseCtx)
	sub.cancel = cancel
	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for {
				if sub.opts.Limiter != nil {
					if err := sub.opts.Limiter.Acquire(ctx); err != nil {
						return
					}
				}
				select {
				case <-ctx.Done():
					if sub.opts.Limiter != nil {
						sub.opts.Limiter.Release()
					}
					return
				case m := <-ch:
					handleWithRetry(ctx, q, sub.handler, m, sub.opts)
					if sub.opts.Limiter != nil {
						sub.opts.Limiter.Release()
					}
				}
			}
		}()
	}
}

// Stop cancels workers and waits for in-flight handlers.
func (q *MemoryQueue) Stop() error {
	q.mu.Lock()
	subs := append([]*memorySubscription(nil), q.subscriptions...)
	q.started = false
	q.mu.Unlock()
	for _, sub := range subs {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range subs {
		sub.wg.Wait()
	}
	return nil
}

// Len reports the number of messages waiting on topic.
func (q *MemoryQueue) Len(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.topic(topic))
}

func (q *MemoryQueue) Ping(ctx context.Context) error {
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.Stop()
}
