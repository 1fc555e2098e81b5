// Package executor runs one grader per submission and records its terminal state.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gradebox/internal/grading/filestore"
	"gradebox/internal/grading/model"
	"gradebox/internal/grading/repository"
	"gradebox/internal/grading/sandbox"
	appErr "gradebox/pkg/errors"
	"gradebox/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

const (
	defaultGraderCommand = "python3 -I"
	defaultPollInterval  = 500 * time.Millisecond
	defaultOutputLimit   = 64 << 10
)

// Config holds executor settings.
type Config struct {
	// GraderCommand is the interpreter prefix, split like a shell would.
	GraderCommand string `yaml:"graderCommand"`
	// ScratchRoot holds per-run scratch directories; empty uses the OS temp dir.
	ScratchRoot  string        `yaml:"scratchRoot"`
	PollInterval time.Duration `yaml:"pollInterval"`
	StdoutLimit  int           `yaml:"stdoutLimit"`
	StderrLimit  int           `yaml:"stderrLimit"`
	// Env is the complete environment of the grader process.
	Env   []string    `yaml:"env"`
	Retry RetryPolicy `yaml:"retry"`
}

// Executor drives PENDING -> RUNNING -> {GRADED, ERRORED, KILLED, TIMED_OUT}.
type Executor struct {
	repo         repository.SubmissionRepository
	hosts        HostPool
	builder      *sandbox.Builder
	parser       ScoreParser
	metrics      *Metrics
	interpreter  []string
	scratchRoot  string
	pollInterval time.Duration
	stdoutLimit  int
	stderrLimit  int
	env          []string
	retry        RetryPolicy
	sleep        Sleeper
	now          func() time.Time
}

// Option customizes an Executor.
type Option func(*Executor)

func WithScoreParser(p ScoreParser) Option {
	return func(e *Executor) { e.parser = p }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

func WithSleeper(s Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

// WithClock replaces time.Now for start times and timeout checks.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an executor.
func New(cfg Config, repo repository.SubmissionRepository, hosts HostPool, builder *sandbox.Builder, opts ...Option) (*Executor, error) {
	if repo == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if hosts == nil {
		return nil, fmt.Errorf("host pool is required")
	}
	if builder == nil {
		return nil, fmt.Errorf("sandbox builder is required")
	}
	command := cfg.GraderCommand
	if command == "" {
		command = defaultGraderCommand
	}
	interpreter, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse grader command: %w", err)
	}
	if len(interpreter) == 0 {
		return nil, fmt.Errorf("grader command is empty")
	}
	retry := cfg.Retry
	if retry.PollInterval <= 0 && retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	e := &Executor{
		repo:         repo,
		hosts:        hosts,
		builder:      builder,
		parser:       PercentageScoreParser{},
		interpreter:  interpreter,
		scratchRoot:  cfg.ScratchRoot,
		pollInterval: orDuration(cfg.PollInterval, defaultPollInterval),
		stdoutLimit:  orInt(cfg.StdoutLimit, defaultOutputLimit),
		stderrLimit:  orInt(cfg.StderrLimit, defaultOutputLimit),
		env:          cfg.Env,
		retry:        retry,
		sleep:        sleepContext,
		now:          time.Now,
	}
	if e.env == nil {
		e.env = []string{"PATH=/usr/local/bin:/usr/bin:/bin", "LANG=C.UTF-8", "PYTHONDONTWRITEBYTECODE=1"}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type runOutcome int

const (
	outcomeExited runOutcome = iota
	outcomeKilled
	outcomeTimedOut
	outcomeShutdown
)

// Grade runs the grader for one submission and records a terminal state.
// Redelivered ids for submissions that already started or finished are no-ops.
func (e *Executor) Grade(ctx context.Context, submissionID int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "grading panicked", zap.Int64("submission_id", submissionID), zap.Any("panic", r), zap.Stack("stack"))
			e.fail(ctx, submissionID, appErr.InternalServerError, fmt.Sprintf("internal error: %v", r))
			err = appErr.New(appErr.InternalServerError).WithMessagef("grading panicked: %v", r)
		}
	}()

	sub, err := e.repo.GetSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	if sub.Complete {
		logger.Debug(ctx, "submission already complete", zap.Int64("submission_id", submissionID))
		return nil
	}
	if sub.GraderPID != nil {
		logger.Info(ctx, "grader already started elsewhere, leaving it to the reconciler",
			zap.Int64("submission_id", submissionID), zap.Int("pid", *sub.GraderPID), zap.String("host", sub.GraderHost))
		return nil
	}
	if sub.KillRequested {
		e.complete(ctx, submissionID, model.Completion{
			State:        model.StateKilled,
			GraderErrors: "Grading was cancelled before it started.",
			FailureCode:  int(appErr.GraderKilled),
		}, 0)
		return nil
	}

	assignment, err := e.repo.GetAssignment(ctx, sub.AssignmentID)
	if err != nil {
		if appErr.Is(err, appErr.AssignmentNotFound) {
			e.fail(ctx, submissionID, appErr.AssignmentNotFound, "The assignment no longer exists.")
			return nil
		}
		return err
	}
	if assignment.GraderFile == "" {
		e.fail(ctx, submissionID, appErr.GraderFileMissing, "No grader has been uploaded for this assignment.")
		return nil
	}
	if _, statErr := os.Stat(assignment.GraderFile); statErr != nil {
		logger.Warn(ctx, "grader file unreadable", zap.Int64("submission_id", submissionID), zap.String("grader", assignment.GraderFile), zap.Error(statErr))
		e.fail(ctx, submissionID, appErr.GraderFileMissing, "The grader file could not be found.")
		return nil
	}

	host, err := e.acquireHost(ctx, assignment)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.fail(ctx, submissionID, appErr.HostUnavailable, "No grading host became available. Please resubmit.")
		return nil
	}
	defer e.hosts.Release(host)

	return e.run(ctx, sub, assignment, host)
}

func (e *Executor) run(ctx context.Context, sub *model.Submission, assignment *model.Assignment, host Host) error {
	scratch, err := os.MkdirTemp(e.scratchRoot, fmt.Sprintf("submission-%d-", sub.ID))
	if err != nil {
		e.fail(ctx, sub.ID, appErr.InternalServerError, "Could not prepare a scratch directory.")
		return appErr.Wrapf(err, appErr.InternalServerError, "create scratch dir failed")
	}
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			logger.Warn(ctx, "remove scratch dir failed", zap.String("dir", scratch), zap.Error(rmErr))
		}
	}()

	command := make([]string, 0, len(e.interpreter)+3)
	command = append(command, e.interpreter...)
	command = append(command, assignment.GraderFile, sub.FilePath, scratch)
	argv, err := e.builder.Build(ctx, sandbox.Request{
		Command:       command,
		NetworkAccess: assignment.GraderHasNetworkAccess,
		WritablePaths: []string{scratch},
		ReadOnlyPaths: []string{assignment.GraderFile, sub.FilePath},
	})
	if err != nil {
		code := appErr.GetCode(err)
		e.fail(ctx, sub.ID, code, "The grading sandbox could not be configured.")
		logger.Error(ctx, "build sandbox command failed", zap.Int64("submission_id", sub.ID), zap.Error(err))
		return nil
	}

	proc, err := host.Start(ctx, RunSpec{
		Args:        argv,
		Dir:         scratch,
		Env:         e.env,
		StdoutLimit: e.stdoutLimit,
		StderrLimit: e.stderrLimit,
	})
	if err != nil {
		logger.Error(ctx, "start grader failed", zap.Int64("submission_id", sub.ID), zap.String("host", host.Name()), zap.Error(err))
		e.fail(ctx, sub.ID, appErr.SandboxUnavailable, "The grader could not be started.")
		return nil
	}

	started := e.now()
	marked, err := e.repo.MarkRunning(ctx, sub.ID, model.RunningProcess{
		PID:       proc.PID(),
		StartedAt: started,
		ProcStart: proc.ProcStart(),
		Host:      host.Name(),
	})
	if err != nil || !marked {
		_ = proc.Kill()
		<-proc.Done()
		if err != nil {
			e.fail(ctx, sub.ID, appErr.DatabaseError, "The grader could not be tracked.")
			return err
		}
		logger.Debug(ctx, "submission completed before grader start was recorded", zap.Int64("submission_id", sub.ID))
		return nil
	}

	e.metrics.started()
	defer e.metrics.stopped()
	logger.Info(ctx, "grader started",
		zap.Int64("submission_id", sub.ID),
		zap.Int("pid", proc.PID()),
		zap.String("host", host.Name()),
		zap.Bool("network", assignment.GraderHasNetworkAccess),
	)

	outcome := e.await(ctx, sub.ID, proc, assignment, started)
	res := proc.Result()
	for _, stream := range res.Truncated {
		e.metrics.truncated(stream)
		logger.Info(ctx, "grader output truncated", zap.Int64("submission_id", sub.ID), zap.String("stream", stream))
	}
	completion := e.classify(outcome, res, assignment)
	e.complete(ctx, sub.ID, completion, e.now().Sub(started))
	return nil
}

// await polls until the process exits, a kill is requested, the timeout
// passes, or ctx is canceled. The process has exited when it returns.
func (e *Executor) await(ctx context.Context, id int64, proc Process, assignment *model.Assignment, started time.Time) runOutcome {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	stop := func(outcome runOutcome) runOutcome {
		if err := proc.Kill(); err != nil {
			logger.Warn(ctx, "kill grader process group failed", zap.Int64("submission_id", id), zap.Error(err))
		}
		<-proc.Done()
		return outcome
	}

	for {
		select {
		case <-proc.Done():
			return outcomeExited
		case <-ctx.Done():
			return stop(outcomeShutdown)
		case <-ticker.C:
			if assignment.EnableGraderTimeout && e.now().Sub(started) > assignment.GraderTimeout() {
				return stop(outcomeTimedOut)
			}
			killed, err := e.repo.IsKillRequested(ctx, id)
			if err != nil {
				logger.Warn(ctx, "reload kill flag failed", zap.Int64("submission_id", id), zap.Error(err))
				continue
			}
			if killed {
				return stop(outcomeKilled)
			}
		}
	}
}

func (e *Executor) classify(outcome runOutcome, res RunResult, assignment *model.Assignment) model.Completion {
	c := model.Completion{GraderOutput: res.Stdout, GraderErrors: res.Stderr}
	switch outcome {
	case outcomeKilled:
		c.State = model.StateKilled
		c.FailureCode = int(appErr.GraderKilled)
	case outcomeTimedOut:
		c.State = model.StateTimedOut
		c.FailureCode = int(appErr.GraderTimeout)
		c.GraderErrors = appendLine(c.GraderErrors, fmt.Sprintf("Grader exceeded the time limit of %s.", assignment.GraderTimeout()))
	case outcomeShutdown:
		c.State = model.StateErrored
		c.FailureCode = int(appErr.ServiceUnavailable)
		c.GraderErrors = appendLine(c.GraderErrors, "Grading was interrupted by a service shutdown.")
	default:
		switch {
		case res.Err != nil:
			c.State = model.StateErrored
			c.FailureCode = int(appErr.GraderCrash)
			c.GraderErrors = appendLine(c.GraderErrors, res.Err.Error())
		case res.ExitCode == 0 && !res.Signaled:
			c.State = model.StateGraded
			c.PointsReceived = e.parser.Parse(res.Stdout)
		case !e.builder.Insecure() && res.ExitCode >= filestore.SetupExitMin && res.ExitCode <= filestore.SetupExitMax:
			c.State = model.StateErrored
			c.FailureCode = int(appErr.SandboxUnavailable)
		default:
			c.State = model.StateErrored
			c.FailureCode = int(appErr.GraderCrash)
		}
	}
	return c
}

func (e *Executor) acquireHost(ctx context.Context, assignment *model.Assignment) (Host, error) {
	attempts := e.retry.Attempts()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		host, err := e.hosts.Acquire(ctx, assignment)
		if err == nil {
			return host, nil
		}
		lastErr = err
		if !errors.Is(err, ErrNoHostAvailable) {
			return nil, err
		}
		e.metrics.acquireRetry()
		if attempt == attempts-1 {
			break
		}
		if err := e.sleep(ctx, e.retry.Backoff(attempt)); err != nil {
			return nil, err
		}
	}
	return nil, appErr.Wrapf(lastErr, appErr.HostUnavailable, "no host after %d attempts", attempts)
}

func (e *Executor) fail(ctx context.Context, id int64, code appErr.ErrorCode, message string) {
	e.complete(ctx, id, model.Completion{
		State:        model.StateErrored,
		GraderErrors: message,
		FailureCode:  int(code),
	}, 0)
}

// complete writes the terminal state even when ctx was canceled by shutdown.
func (e *Executor) complete(ctx context.Context, id int64, c model.Completion, elapsed time.Duration) {
	ctxWrite := context.WithoutCancel(ctx)
	ok, err := e.repo.Complete(ctxWrite, id, c)
	if err != nil {
		logger.Error(ctx, "record grading result failed", zap.Int64("submission_id", id), zap.String("state", string(c.State)), zap.Error(err))
		return
	}
	if !ok {
		logger.Debug(ctx, "submission already complete, result dropped", zap.Int64("submission_id", id), zap.String("state", string(c.State)))
		return
	}
	e.metrics.finished(c.State, elapsed)
	fields := []zap.Field{zap.Int64("submission_id", id), zap.String("state", string(c.State)), zap.Duration("elapsed", elapsed)}
	if c.PointsReceived != nil {
		fields = append(fields, zap.Float64("points", *c.PointsReceived))
	}
	if c.FailureCode != 0 {
		fields = append(fields, zap.Int("failure_code", c.FailureCode))
	}
	logger.Info(ctx, "grading finished", fields...)
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	if s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s + line
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
