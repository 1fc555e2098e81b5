// Package reconciler completes submissions whose grader died or overran its
// timeout without the executor recording a result.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"gradebox/internal/common/cache"
	"gradebox/internal/grading/model"
	"gradebox/internal/grading/procinfo"
	"gradebox/internal/grading/repository"
	appErr "gradebox/pkg/errors"
	"gradebox/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	defaultInterval = time.Minute
	defaultLockKey  = "grading:reconciler:lock"
	defaultLockTTL  = 50 * time.Second
)

// LivenessChecker looks up a process in the local process table.
type LivenessChecker interface {
	Lookup(pid int) (procinfo.Identity, error)
}

// ProcTable reads /proc.
type ProcTable struct{}

func (ProcTable) Lookup(pid int) (procinfo.Identity, error) {
	return procinfo.Lookup(pid)
}

// Config holds reconciler settings.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	// Host is the name this instance records on graders it starts. Only rows
	// from this host are crash-checked.
	Host    string        `yaml:"host"`
	LockKey string        `yaml:"lockKey"`
	LockTTL time.Duration `yaml:"lockTTL"`
}

// Report summarizes one sweep.
type Report struct {
	Crashed  int
	TimedOut int
	Failed   int
	// TimeoutSkipped is set when another instance held the sweep lock.
	TimeoutSkipped bool
}

// Reconciler runs the crash and timeout sweeps.
type Reconciler struct {
	repo     repository.SubmissionRepository
	checker  LivenessChecker
	lock     cache.LockOps
	host     string
	interval time.Duration
	lockKey  string
	lockTTL  time.Duration
	now      func() time.Time
	swept    *prometheus.CounterVec
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

func WithLivenessChecker(c LivenessChecker) Option {
	return func(r *Reconciler) { r.checker = c }
}

// WithLock guards the timeout sweep so one instance runs it per tick.
func WithLock(l cache.LockOps) Option {
	return func(r *Reconciler) { r.lock = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithMetrics registers the completion counter with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(r *Reconciler) {
		r.swept = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradebox",
			Subsystem: "reconciler",
			Name:      "completions_total",
			Help:      "Submissions completed by the reconciler, by reason.",
		}, []string{"reason"})
		reg.MustRegister(r.swept)
	}
}

// New creates a reconciler.
func New(cfg Config, repo repository.SubmissionRepository, opts ...Option) (*Reconciler, error) {
	if repo == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("host name is required")
	}
	r := &Reconciler{
		repo:     repo,
		checker:  ProcTable{},
		host:     cfg.Host,
		interval: cfg.Interval,
		lockKey:  cfg.LockKey,
		lockTTL:  cfg.LockTTL,
		now:      time.Now,
	}
	if r.interval <= 0 {
		r.interval = defaultInterval
	}
	if r.lockKey == "" {
		r.lockKey = defaultLockKey
	}
	if r.lockTTL <= 0 {
		r.lockTTL = defaultLockTTL
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run sweeps every interval until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	logger.Info(ctx, "reconciler started", zap.Duration("interval", r.interval), zap.String("host", r.host))
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				logger.Error(ctx, "reconcile sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs the crash sweep, then the timeout sweep. A failure on one row is
// logged and does not stop the others.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	var report Report
	rows, err := r.repo.ListInFlight(ctx)
	if err != nil {
		return report, appErr.Wrapf(err, appErr.DatabaseError, "list in-flight submissions failed")
	}

	crashed := r.crashSweep(ctx, rows, &report)

	acquired, release, err := r.acquire(ctx)
	if err != nil {
		logger.Warn(ctx, "acquire reconciler lock failed", zap.Error(err))
	}
	if !acquired {
		report.TimeoutSkipped = true
	} else {
		r.timeoutSweep(ctx, rows, crashed, &report)
		release()
	}

	if report.Crashed > 0 || report.TimedOut > 0 || report.Failed > 0 {
		logger.Info(ctx, "reconcile sweep finished",
			zap.Int("crashed", report.Crashed),
			zap.Int("timed_out", report.TimedOut),
			zap.Int("failed", report.Failed),
			zap.Bool("timeout_skipped", report.TimeoutSkipped),
		)
	}
	return report, nil
}

func (r *Reconciler) crashSweep(ctx context.Context, rows []repository.InFlight, report *Report) map[int64]bool {
	done := make(map[int64]bool)
	for _, row := range rows {
		sub := row.Submission
		if sub.GraderPID == nil {
			continue
		}
		if sub.GraderHost != "" && sub.GraderHost != r.host {
			continue
		}
		id, err := r.checker.Lookup(*sub.GraderPID)
		if err != nil {
			report.Failed++
			logger.Warn(ctx, "process lookup failed", zap.Int64("submission_id", sub.ID), zap.Int("pid", *sub.GraderPID), zap.Error(err))
			continue
		}
		var fingerprint uint64
		if sub.GraderProcStart != nil {
			fingerprint = *sub.GraderProcStart
		}
		if id.Matches(fingerprint) {
			continue
		}
		ok := r.complete(ctx, sub.ID, model.Completion{
			State:        model.StateErrored,
			GraderErrors: "The grader process exited without reporting a result.",
			FailureCode:  int(appErr.GraderCrash),
		}, "crash", report)
		if ok {
			report.Crashed++
			done[sub.ID] = true
		}
	}
	return done
}

func (r *Reconciler) timeoutSweep(ctx context.Context, rows []repository.InFlight, skip map[int64]bool, report *Report) {
	now := r.now()
	for _, row := range rows {
		sub := row.Submission
		if skip[sub.ID] || !row.EnableTimeout || sub.GraderStartTime == nil {
			continue
		}
		timeout := row.Timeout
		if timeout < model.MinGraderTimeout {
			timeout = model.MinGraderTimeout
		}
		if now.Sub(*sub.GraderStartTime) <= timeout {
			continue
		}
		ok := r.complete(ctx, sub.ID, model.Completion{
			State:        model.StateTimedOut,
			GraderErrors: fmt.Sprintf("Grader exceeded the time limit of %s.", timeout),
			FailureCode:  int(appErr.GraderTimeout),
		}, "timeout", report)
		if ok {
			report.TimedOut++
		}
	}
}

func (r *Reconciler) complete(ctx context.Context, id int64, c model.Completion, reason string, report *Report) bool {
	ok, err := r.repo.Complete(ctx, id, c)
	if err != nil {
		report.Failed++
		logger.Error(ctx, "reconcile submission failed", zap.Int64("submission_id", id), zap.String("reason", reason), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	if r.swept != nil {
		r.swept.WithLabelValues(reason).Inc()
	}
	logger.Warn(ctx, "submission reconciled", zap.Int64("submission_id", id), zap.String("reason", reason))
	return true
}

func (r *Reconciler) acquire(ctx context.Context) (bool, func(), error) {
	if r.lock == nil {
		return true, func() {}, nil
	}
	token := uuid.NewString()
	ok, err := r.lock.TryLock(ctx, r.lockKey, token, r.lockTTL)
	if err != nil || !ok {
		return false, nil, err
	}
	release := func() {
		if err := r.lock.Unlock(context.WithoutCancel(ctx), r.lockKey, token); err != nil {
			logger.Warn(ctx, "release reconciler lock failed", zap.Error(err))
		}
	}
	return true, release, nil
}
