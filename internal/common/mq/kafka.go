package mq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"gradebox/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Reserved headers carry Message fields that have no native Kafka slot.
const (
	reservedHeaderPrefix = "gradebox-"
	headerMessageID      = reservedHeaderPrefix + "id"
	headerPublishedAt    = reservedHeaderPrefix + "published-at"
	headerAttempts       = reservedHeaderPrefix + "attempts"
	headerAttemptLimit   = reservedHeaderPrefix + "attempt-limit"
)

const (
	minFetchBackoff = 50 * time.Millisecond
	maxFetchBackoff = 2 * time.Second
)

// KafkaConfig configures the Kafka-backed grading queue.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"clientId"`

	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`

	MinBytes int           `yaml:"minBytes"`
	MaxBytes int           `yaml:"maxBytes"`
	MaxWait  time.Duration `yaml:"maxWait"`

	DialTimeout time.Duration `yaml:"dialTimeout"`

	// Partitions and ReplicationFactor apply to topics created by EnsureTopics.
	Partitions        int `yaml:"partitions"`
	ReplicationFactor int `yaml:"replicationFactor"`
}

func (c *KafkaConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.MinBytes <= 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 1 << 20
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
}

// KafkaQueue is the MessageQueue used when several grader hosts share work.
// Tasks with the same Key land on the same partition, so retries of one
// submission are never graded out of order by two hosts.
type KafkaQueue struct {
	cfg    KafkaConfig
	dialer *kafka.Dialer
	writer *kafka.Writer

	mu        sync.Mutex
	consumers []*kafkaConsumer
	running   bool
	closed    bool
}

// NewKafkaQueue builds the producer side; consumers are created by Start.
func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	cfg.applyDefaults()

	dialer := &kafka.Dialer{ClientID: cfg.ClientID, Timeout: cfg.DialTimeout, DualStack: true}
	transport := &kafka.Transport{
		ClientID: cfg.ClientID,
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	}
	return &KafkaQueue{
		cfg:    cfg,
		dialer: dialer,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			Transport:    transport,
		},
	}, nil
}

// EnsureTopics creates any of topics that the cluster does not have yet.
func (k *KafkaQueue) EnsureTopics(ctx context.Context, topics ...string) error {
	conn, err := k.dialer.DialContext(ctx, "tcp", k.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find kafka controller: %w", err)
	}
	ctrl, err := k.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial kafka controller: %w", err)
	}
	defer ctrl.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, t := range topics {
		if t == "" {
			continue
		}
		configs = append(configs, kafka.TopicConfig{
			Topic:             t,
			NumPartitions:     k.cfg.Partitions,
			ReplicationFactor: k.cfg.ReplicationFactor,
		})
	}
	if len(configs) == 0 {
		return nil
	}
	if err := ctrl.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topics %v: %w", topics, err)
	}
	return nil
}

// Publish writes message to topic, keyed by message.Key or else message.ID.
func (k *KafkaQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if message == nil {
		return errors.New("message is nil")
	}
	return k.writer.WriteMessages(ctx, encodeKafkaMessage(topic, message))
}

// SubscribeWithOptions registers handler for topic. Consumers joined after
// Start begin fetching immediately.
func (k *KafkaQueue) SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var o SubscribeOptions
	if opts != nil {
		o = *opts
	}
	o.SetDefaults()
	if o.ConsumerGroup == "" {
		o.ConsumerGroup = "gradebox-" + topic
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c := &kafkaConsumer{queue: k, topic: topic, handler: handler, opts: o, parent: ctx}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("message queue is closed")
	}
	k.consumers = append(k.consumers, c)
	if k.running {
		c.start()
	}
	return nil
}

// Start launches every registered consumer.
func (k *KafkaQueue) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("message queue is closed")
	}
	if !k.running {
		for _, c := range k.consumers {
			c.start()
		}
		k.running = true
	}
	return nil
}

// Stop cancels fetching and waits for in-flight tasks to finish. Tasks
// interrupted by the cancel stay uncommitted and are redelivered.
func (k *KafkaQueue) Stop() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, c := range k.consumers {
		c.stop()
	}
	k.running = false
	return nil
}

// Ping dials the first broker.
func (k *KafkaQueue) Ping(ctx context.Context) error {
	conn, err := k.dialer.DialContext(ctx, "tcp", k.cfg.Brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close stops consumers and flushes the producer.
func (k *KafkaQueue) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	_ = k.Stop()
	return k.writer.Close()
}

type kafkaConsumer struct {
	queue   *KafkaQueue
	topic   string
	handler HandlerFunc
	opts    SubscribeOptions
	parent  context.Context

	reader *kafka.Reader
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (c *kafkaConsumer) start() {
	cfg := c.queue.cfg
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     c.opts.ConsumerGroup,
		Topic:       c.topic,
		Dialer:      c.queue.dialer,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
		StartOffset: kafka.FirstOffset,
	})
	c.ctx, c.cancel = context.WithCancel(c.parent)

	fetched := make(chan kafka.Message, c.opts.Concurrency*c.opts.PrefetchCount)
	c.wg.Add(1 + c.opts.Concurrency)
	go c.fetchLoop(fetched)
	for i := 0; i < c.opts.Concurrency; i++ {
		go c.work(fetched)
	}
}

func (c *kafkaConsumer) stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		logger.Warn(c.parent, "close kafka reader failed", zap.String("topic", c.topic), zap.Error(err))
	}
	c.reader = nil
	c.cancel = nil
}

func (c *kafkaConsumer) fetchLoop(out chan<- kafka.Message) {
	defer c.wg.Done()
	defer close(out)

	backoff := minFetchBackoff
	for {
		if l := c.opts.Limiter; l != nil {
			if err := l.Acquire(c.ctx); err != nil {
				return
			}
		}
		msg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if l := c.opts.Limiter; l != nil {
				l.Release()
			}
			if c.ctx.Err() != nil {
				return
			}
			logger.Warn(c.ctx, "kafka fetch failed", zap.String("topic", c.topic), zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxFetchBackoff)
			continue
		}
		backoff = minFetchBackoff
		select {
		case out <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *kafkaConsumer) work(in <-chan kafka.Message) {
	defer c.wg.Done()
	for msg := range in {
		c.handle(msg)
	}
}

func (c *kafkaConsumer) handle(msg kafka.Message) {
	if l := c.opts.Limiter; l != nil {
		defer l.Release()
	}
	handleWithRetry(c.ctx, c.queue, c.handler, decodeKafkaMessage(msg), c.opts)
	if c.ctx.Err() != nil {
		return
	}
	if err := c.reader.CommitMessages(c.ctx, msg); err != nil {
		logger.Warn(c.ctx, "kafka commit failed",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
	}
}

func encodeKafkaMessage(topic string, m *Message) kafka.Message {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	key := m.Key
	if key == "" {
		key = m.ID
	}

	headers := make([]kafka.Header, 0, len(m.Headers)+4)
	for name, value := range m.Headers {
		if strings.HasPrefix(name, reservedHeaderPrefix) {
			continue
		}
		headers = append(headers, kafka.Header{Key: name, Value: []byte(value)})
	}
	reserved := [][2]string{
		{headerMessageID, m.ID},
		{headerPublishedAt, m.Timestamp.UTC().Format(time.RFC3339Nano)},
		{headerAttempts, strconv.Itoa(m.RetryCount)},
		{headerAttemptLimit, strconv.Itoa(m.MaxRetries)},
	}
	for _, h := range reserved {
		if h[1] != "" {
			headers = append(headers, kafka.Header{Key: h[0], Value: []byte(h[1])})
		}
	}
	return kafka.Message{Topic: topic, Key: []byte(key), Value: m.Body, Headers: headers, Time: m.Timestamp}
}

func decodeKafkaMessage(msg kafka.Message) *Message {
	m := &Message{
		Key:       string(msg.Key),
		Body:      msg.Value,
		Headers:   make(map[string]string, len(msg.Headers)),
		Timestamp: msg.Time,
	}
	for _, h := range msg.Headers {
		value := string(h.Value)
		switch h.Key {
		case headerMessageID:
			m.ID = value
		case headerPublishedAt:
			if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
				m.Timestamp = ts
			}
		case headerAttempts:
			m.RetryCount = nonNegativeInt(value)
		case headerAttemptLimit:
			m.MaxRetries = nonNegativeInt(value)
		default:
			m.Headers[h.Key] = value
		}
	}
	if m.ID == "" {
		m.ID = m.Key
	}
	return m
}

func nonNegativeInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
