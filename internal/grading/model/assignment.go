package model

import "time"

// MinGraderTimeout is the smallest grader timeout an assignment may configure.
const MinGraderTimeout = 10 * time.Second

// Cooldown limits how many submissions fit in a trailing window.
type Cooldown struct {
	Count  int
	Window time.Duration
}

// Assignment is a grading task definition.
type Assignment struct {
	ID                     int64
	CourseID               int64
	GraderFile             string
	EnableGraderTimeout    bool
	GraderTimeoutSeconds   int
	GraderHasNetworkAccess bool
	HasNetworkAccess       bool
	SubmissionCap          *int
	SubmissionCapAfterDue  *int
	Cooldown               *Cooldown
	DueAt                  *time.Time
	IsQuiz                 bool
}

// IsDue reports whether now is past the due date.
func (a *Assignment) IsDue(now time.Time) bool {
	return a.DueAt != nil && now.After(*a.DueAt)
}

// GraderTimeout returns the configured timeout, clamped to MinGraderTimeout.
func (a *Assignment) GraderTimeout() time.Duration {
	d := time.Duration(a.GraderTimeoutSeconds) * time.Second
	if d < MinGraderTimeout {
		return MinGraderTimeout
	}
	return d
}

// SubmissionCapOverride replaces the assignment caps for one student.
// At most one row exists per (AssignmentID, StudentID).
type SubmissionCapOverride struct {
	AssignmentID          int64
	StudentID             int64
	SubmissionCap         *int
	SubmissionCapAfterDue *int
}

// Student is the submitting user.
type Student struct {
	ID       int64
	Username string
}
