package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gradebox/internal/common/mq"
	"gradebox/internal/grading/model"
	"gradebox/internal/grading/repository"
	appErr "gradebox/pkg/errors"
	"gradebox/pkg/utils/contextkey"
	"gradebox/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultRecoverLimit = 500

// Grader grades one submission by id.
type Grader interface {
	Grade(ctx context.Context, submissionID int64) error
}

// DispatcherConfig holds worker pool settings.
type DispatcherConfig struct {
	Topic           string        `yaml:"topic"`
	ConsumerGroup   string        `yaml:"consumerGroup"`
	Workers         int           `yaml:"workers"`
	MaxRetries      int           `yaml:"maxRetries"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
	RecoverLimit    int           `yaml:"recoverLimit"`
}

// Dispatcher feeds queued grade tasks to a fixed pool of workers.
type Dispatcher struct {
	cfg    DispatcherConfig
	queue  mq.MessageQueue
	grader Grader
	repo   repository.SubmissionRepository
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig, queue mq.MessageQueue, grader Grader, repo repository.SubmissionRepository) (*Dispatcher, error) {
	if queue == nil {
		return nil, fmt.Errorf("message queue is required")
	}
	if grader == nil {
		return nil, fmt.Errorf("grader is required")
	}
	if repo == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RecoverLimit <= 0 {
		cfg.RecoverLimit = defaultRecoverLimit
	}
	return &Dispatcher{cfg: cfg, queue: queue, grader: grader, repo: repo}, nil
}

// Subscribe registers the workers. The queue's Start begins delivery.
func (d *Dispatcher) Subscribe(ctx context.Context) error {
	opts := &mq.SubscribeOptions{
		ConsumerGroup:   d.cfg.ConsumerGroup,
		Concurrency:     d.cfg.Workers,
		PrefetchCount:   1,
		MaxRetries:      d.cfg.MaxRetries,
		RetryDelay:      d.cfg.RetryDelay,
		DeadLetterTopic: d.cfg.DeadLetterTopic,
		Limiter:         mq.NewTokenLimiter(d.cfg.Workers),
	}
	if err := d.queue.SubscribeWithOptions(ctx, d.cfg.Topic, d.HandleMessage, opts); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "subscribe %s failed", d.cfg.Topic)
	}
	logger.Info(ctx, "grading workers subscribed", zap.String("topic", d.cfg.Topic), zap.Int("workers", d.cfg.Workers))
	return nil
}

// HandleMessage grades the submission named by a queued task. Malformed
// messages are dropped; grading errors are returned so the queue retries.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *mq.Message) (err error) {
	if msg == nil {
		return nil
	}
	var task model.GradeTask
	if decodeErr := json.Unmarshal(msg.Body, &task); decodeErr != nil || task.SubmissionID <= 0 {
		logger.Warn(ctx, "dropping malformed grade task", zap.String("message_id", msg.ID), zap.Error(decodeErr))
		return nil
	}
	if task.TraceID != "" {
		ctx = context.WithValue(ctx, contextkey.TraceID, task.TraceID)
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, task.SubmissionID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "grade worker panicked", zap.Int64("submission_id", task.SubmissionID), zap.Any("panic", r), zap.Stack("stack"))
			err = appErr.New(appErr.InternalServerError).WithMessagef("grade worker panicked: %v", r)
		}
	}()

	if err := d.grader.Grade(ctx, task.SubmissionID); err != nil {
		if appErr.Is(err, appErr.SubmissionNotFound) {
			logger.Warn(ctx, "grade task for unknown submission", zap.Int64("submission_id", task.SubmissionID))
			return nil
		}
		logger.Error(ctx, "grade failed", zap.Int64("submission_id", task.SubmissionID), zap.Error(err))
		return err
	}
	return nil
}

// Recover re-enqueues submissions that were accepted but never started, such
// as those queued in memory before a restart. Call it after Subscribe and the
// queue's Start: a bounded in-memory topic only accepts more tasks than its
// buffer holds while workers are draining it.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	ids, err := d.repo.ListPending(ctx, d.cfg.RecoverLimit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := Enqueue(ctx, d.queue, d.cfg.Topic, id); err != nil {
			logger.Warn(ctx, "re-enqueue pending submission failed", zap.Int64("submission_id", id), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		logger.Info(ctx, "re-enqueued pending submissions", zap.Int("count", n))
	}
	return n, nil
}
