package mq

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestKafkaMessageRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &Message{
		ID:         "task-1",
		Key:        "42",
		Body:       []byte(`{"submission_id":42}`),
		Headers:    map[string]string{"x-trace-id": "abc", headerAttempts: "9"},
		Timestamp:  ts,
		RetryCount: 2,
		MaxRetries: 5,
	}
	km := encodeKafkaMessage("grading.tasks", in)
	if km.Topic != "grading.tasks" || string(km.Key) != "42" {
		t.Fatalf("unexpected topic/key %q %q", km.Topic, km.Key)
	}

	out := decodeKafkaMessage(km)
	if out.ID != "task-1" || out.Key != "42" || string(out.Body) != string(in.Body) {
		t.Fatalf("identity lost: %+v", out)
	}
	if !out.Timestamp.Equal(ts) {
		t.Fatalf("timestamp = %v, want %v", out.Timestamp, ts)
	}
	if out.RetryCount != 2 || out.MaxRetries != 5 {
		t.Fatalf("retry state = %d/%d, want 2/5", out.RetryCount, out.MaxRetries)
	}
	if out.Headers["x-trace-id"] != "abc" {
		t.Fatalf("user header lost: %v", out.Headers)
	}
	if _, ok := out.Headers[headerAttempts]; ok {
		t.Fatalf("reserved header leaked into user headers: %v", out.Headers)
	}
}

func TestKafkaMessageKeyFallsBackToID(t *testing.T) {
	km := encodeKafkaMessage("t", &Message{ID: "only-id"})
	if string(km.Key) != "only-id" {
		t.Fatalf("key = %q, want only-id", km.Key)
	}

	out := decodeKafkaMessage(kafka.Message{Key: []byte("7"), Value: []byte("x")})
	if out.ID != "7" {
		t.Fatalf("id = %q, want key fallback 7", out.ID)
	}
}

func TestKafkaMessageIgnoresBadCounters(t *testing.T) {
	out := decodeKafkaMessage(kafka.Message{Headers: []kafka.Header{
		{Key: headerAttempts, Value: []byte("-3")},
		{Key: headerAttemptLimit, Value: []byte("many")},
	}})
	if out.RetryCount != 0 || out.MaxRetries != 0 {
		t.Fatalf("retry state = %d/%d, want 0/0", out.RetryCount, out.MaxRetries)
	}
}

func TestNewKafkaQueueRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaQueue(KafkaConfig{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
	q, err := NewKafkaQueue(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}})
	if err != nil {
		t.Fatalf("NewKafkaQueue: %v", err)
	}
	if q.cfg.Partitions != 1 || q.cfg.BatchSize != 1 || q.cfg.MaxWait != time.Second {
		t.Fatalf("defaults not applied: %+v", q.cfg)
	}
	_ = q.Close()
}
