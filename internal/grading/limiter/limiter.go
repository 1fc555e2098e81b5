package limiter

import (
	"context"
	"time"

	"gradebox/internal/grading/model"
	appErr "gradebox/pkg/errors"
)

const defaultMaxConcurrent = 5

// Store answers the counting questions behind a verdict. Implementations are
// expected to run inside the transaction that inserts the new submission, with
// the student row locked, so the answers cannot go stale before the insert.
type Store interface {
	CountIncomplete(ctx context.Context, studentID int64) (int, error)
	CountSubmissions(ctx context.Context, studentID, assignmentID int64) (int, error)
	CountSubmissionsSince(ctx context.Context, studentID, assignmentID int64, since time.Time) (int, error)
	// GetCapOverride returns nil when the student has no override row.
	GetCapOverride(ctx context.Context, assignmentID, studentID int64) (*model.SubmissionCapOverride, error)
}

// Config holds limiter settings.
type Config struct {
	MaxConcurrentPerStudent int `yaml:"maxConcurrentPerStudent"`
}

// Verdict is the admission decision for one submission attempt.
type Verdict struct {
	Allowed bool
	Code    appErr.ErrorCode
	Limit   int
	Used    int
}

// Err returns the denial as an error, nil when allowed.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return appErr.Denied(v.Code, v.Limit, v.Used)
}

// Limiter decides whether a student may submit.
type Limiter struct {
	maxConcurrent int
}

func New(cfg Config) *Limiter {
	n := cfg.MaxConcurrentPerStudent
	if n <= 0 {
		n = defaultMaxConcurrent
	}
	return &Limiter{maxConcurrent: n}
}

// MaxConcurrent returns the per-student cap on incomplete submissions.
func (l *Limiter) MaxConcurrent() int {
	return l.maxConcurrent
}

// MaySubmit evaluates the concurrency cap, then the quota and the cooldown.
// Quizzes skip quota and cooldown.
func (l *Limiter) MaySubmit(ctx context.Context, store Store, studentID int64, assignment *model.Assignment, now time.Time) (Verdict, error) {
	running, err := store.CountIncomplete(ctx, studentID)
	if err != nil {
		return Verdict{}, err
	}
	if running >= l.maxConcurrent {
		return Verdict{Code: appErr.ConcurrencyExceeded, Limit: l.maxConcurrent, Used: running}, nil
	}
	if assignment.IsQuiz {
		return Verdict{Allowed: true}, nil
	}

	override, err := store.GetCapOverride(ctx, assignment.ID, studentID)
	if err != nil {
		return Verdict{}, err
	}
	if limit := ResolveCap(assignment, override, now); limit != nil {
		used, err := store.CountSubmissions(ctx, studentID, assignment.ID)
		if err != nil {
			return Verdict{}, err
		}
		if used >= *limit {
			return Verdict{Code: appErr.QuotaExceeded, Limit: *limit, Used: used}, nil
		}
	}

	if cd := assignment.Cooldown; cd != nil && cd.Count > 0 && cd.Window > 0 {
		recent, err := store.CountSubmissionsSince(ctx, studentID, assignment.ID, now.Add(-cd.Window))
		if err != nil {
			return Verdict{}, err
		}
		if recent >= cd.Count {
			return Verdict{Code: appErr.CooldownActive, Limit: cd.Count, Used: recent}, nil
		}
	}
	return Verdict{Allowed: true}, nil
}

// ResolveCap picks the cap in force for the due-date phase of now. An
// override field left nil falls back to the assignment's field for the same
// phase. A nil result means unlimited.
func ResolveCap(assignment *model.Assignment, override *model.SubmissionCapOverride, now time.Time) *int {
	due := assignment.IsDue(now)
	pick := func(before, after *int) *int {
		if due {
			return after
		}
		return before
	}
	if override != nil {
		if v := pick(override.SubmissionCap, override.SubmissionCapAfterDue); v != nil {
			return v
		}
	}
	return pick(assignment.SubmissionCap, assignment.SubmissionCapAfterDue)
}
