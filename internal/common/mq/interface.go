package mq

import (
	"context"
	"time"
)

// MessageQueue carries grading tasks from intake to workers. KafkaQueue
// serves multi-host deployments and MemoryQueue a single process.
type MessageQueue interface {
	Producer
	Consumer
	Ping(ctx context.Context) error
	Close() error
}

// Producer publishes messages.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
}

// Consumer delivers messages to registered handlers. A handler error
// triggers a retry and, once retries run out, dead-lettering.
type Consumer interface {
	SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error
	Start() error
	// Stop waits for in-flight handlers.
	Stop() error
}

// Message is one queued unit of work.
type Message struct {
	ID string `json:"id"`
	// Key groups related messages; Kafka routes equal keys to one partition.
	Key     string            `json:"key,omitempty"`
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`

	Timestamp time.Time `json:"timestamp"`

	// RetryCount is the number of failed deliveries so far.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// HandlerFunc handles one delivery.
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions tunes delivery for one subscription. Zero values take
// the defaults applied by SetDefaults.
type SubscribeOptions struct {
	// ConsumerGroup is shared by every grader host reading the topic.
	ConsumerGroup string

	PrefetchCount int
	Concurrency   int

	// MaxRetries is the number of redeliveries after the first failure.
	// Negative disables retries.
	MaxRetries int
	RetryDelay time.Duration

	// DeadLetterTopic receives messages whose retries ran out.
	DeadLetterTopic string

	// Limiter, when set, bounds messages fetched but not yet handled.
	Limiter FetchLimiter
}

// SetDefaults fills in unset options.
func (o *SubscribeOptions) SetDefaults() {
	o.PrefetchCount = max(o.PrefetchCount, 1)
	o.Concurrency = max(o.Concurrency, 1)
	switch {
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	case o.MaxRetries == 0:
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
}

// NewMessage wraps body with an empty header set stamped now.
func NewMessage(body []byte) *Message {
	return &Message{
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader reports the value of header key, if present.
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}

// handleWithRetry runs handler until it succeeds or retries are exhausted.
// It reports whether the message ended up dead-lettered.
func handleWithRetry(ctx context.Context, p Producer, handler HandlerFunc, m *Message, opts SubscribeOptions) bool {
	if m.MaxRetries == 0 {
		m.MaxRetries = opts.MaxRetries
	}
	for {
		if err := handler(ctx, m); err == nil {
			return false
		}
		m.RetryCount++
		if m.RetryCount > m.MaxRetries || ctx.Err() != nil {
			if opts.DeadLetterTopic != "" {
				_ = p.Publish(context.WithoutCancel(ctx), opts.DeadLetterTopic, m)
			}
			return true
		}
		select {
		case <-ctx.Done():
		case <-time.After(opts.RetryDelay):
		}
	}
}
