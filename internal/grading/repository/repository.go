package repository

import (
	"context"
	"time"

	"gradebox/internal/grading/model"
	appErr "gradebox/pkg/errors"
)

// AdmissionStore is the view of the creating transaction handed to AdmitFunc.
// Its method set matches limiter.Store.
type AdmissionStore interface {
	CountIncomplete(ctx context.Context, studentID int64) (int, error)
	CountSubmissions(ctx context.Context, studentID, assignmentID int64) (int, error)
	CountSubmissionsSince(ctx context.Context, studentID, assignmentID int64, since time.Time) (int, error)
	GetCapOverride(ctx context.Context, assignmentID, studentID int64) (*model.SubmissionCapOverride, error)
}

// AdmitFunc runs inside the creating transaction after the student is locked.
// It may fill in draft fields (such as FilePath) and aborts the insert by
// returning an error.
type AdmitFunc func(ctx context.Context, store AdmissionStore, draft *model.Submission) error

// InFlight is an incomplete submission with a recorded grader process and the
// timeout settings of its assignment.
type InFlight struct {
	Submission    model.Submission
	EnableTimeout bool
	Timeout       time.Duration
}

// SubmissionRepository persists submissions and the rows they depend on.
// Every terminal write goes through Complete, which only succeeds while the
// submission is still incomplete.
type SubmissionRepository interface {
	GetSubmission(ctx context.Context, id int64) (*model.Submission, error)
	GetAssignment(ctx context.Context, id int64) (*model.Assignment, error)
	GetStudent(ctx context.Context, id int64) (*model.Student, error)
	UpdateGraderFile(ctx context.Context, assignmentID int64, path string) error
	// UpdateGraderTimeout stores the timeout; seconds must be at least 10.
	UpdateGraderTimeout(ctx context.Context, assignmentID int64, enabled bool, seconds int) error
	// SaveCapOverride creates or replaces the single override row of a
	// (assignment, student) pair.
	SaveCapOverride(ctx context.Context, o model.SubmissionCapOverride) error

	CreateSubmission(ctx context.Context, draft *model.Submission, admit AdmitFunc) (*model.Submission, error)
	// MarkRunning records the grader process; false when the submission is
	// complete or another grader already started for it.
	MarkRunning(ctx context.Context, id int64, proc model.RunningProcess) (bool, error)
	IsKillRequested(ctx context.Context, id int64) (bool, error)
	RequestKill(ctx context.Context, id int64) error
	// Complete transitions complete false->true; false when it already was.
	Complete(ctx context.Context, id int64, c model.Completion) (bool, error)

	ListInFlight(ctx context.Context) ([]InFlight, error)
	// ListPending returns ids of incomplete submissions that never started.
	ListPending(ctx context.Context, limit int) ([]int64, error)
}

func validateOverride(o model.SubmissionCapOverride) error {
	if o.AssignmentID <= 0 || o.StudentID <= 0 {
		return appErr.New(appErr.InvalidParams).WithMessage("assignment and student ids must be positive")
	}
	for _, c := range []*int{o.SubmissionCap, o.SubmissionCapAfterDue} {
		if c != nil && *c < 0 {
			return appErr.ValidationError("submission_cap", "must not be negative")
		}
	}
	return nil
}
