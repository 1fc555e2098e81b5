package model

import "time"

// State is the grading state of a submission.
type State string

const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateGraded   State = "graded"
	StateErrored  State = "errored"
	StateKilled   State = "killed"
	StateTimedOut State = "timed_out"
)

// Terminal reports whether s is one of the states that complete a submission.
func (s State) Terminal() bool {
	switch s {
	case StateGraded, StateErrored, StateKilled, StateTimedOut:
		return true
	default:
		return false
	}
}

// Submission is one student's attempt at an assignment.
type Submission struct {
	ID             int64
	AssignmentID   int64
	StudentID      int64
	SubmittedAt    time.Time
	FilePath       string
	GraderOutput   string
	GraderErrors   string
	Complete       bool
	HasBeenGraded  bool
	PointsReceived *float64
	KillRequested  bool
	State          State
	// FailureCode records why an errored submission failed, 0 otherwise.
	FailureCode int

	// Process identity, meaningful only while Complete is false.
	GraderPID       *int
	GraderStartTime *time.Time
	// GraderProcStart is the kernel start time of GraderPID in clock ticks since boot.
	GraderProcStart *uint64
	// GraderHost names the machine whose process table holds GraderPID.
	GraderHost string
}

// Completion is the terminal outcome written by the executor or the reconciler.
type Completion struct {
	State          State
	PointsReceived *float64
	GraderOutput   string
	GraderErrors   string
	FailureCode    int
}

// RunningProcess identifies the grader process of a running submission.
type RunningProcess struct {
	PID       int
	StartedAt time.Time
	ProcStart uint64
	Host      string
}

// SubmissionView is the client-facing projection of a submission.
type SubmissionView struct {
	ID             int64    `json:"id"`
	AssignmentID   int64    `json:"assignment_id"`
	StudentID      int64    `json:"student_id"`
	SubmittedAt    string   `json:"submitted_at"`
	State          State    `json:"state"`
	Complete       bool     `json:"complete"`
	HasBeenGraded  bool     `json:"has_been_graded"`
	PointsReceived *float64 `json:"points_received,omitempty"`
	KillRequested  bool     `json:"kill_requested"`
	Message        string   `json:"message,omitempty"`
	GraderOutput   string   `json:"grader_output,omitempty"`
	GraderErrors   string   `json:"grader_errors,omitempty"`
}

// Viewer identifies who reads a submission. Staff are the assignment's
// instructors and graders; everyone else is treated as a student.
type Viewer struct {
	ID    int64
	Staff bool
}

// View projects s for v. Grader diagnostics of runs that did not end in
// GRADED can reveal grader internals, so only staff see them; the
// submitting student gets the generic message. Output of a graded run is
// shown to the submitter and staff.
func (s *Submission) View(v Viewer) SubmissionView {
	out := SubmissionView{
		ID:             s.ID,
		AssignmentID:   s.AssignmentID,
		StudentID:      s.StudentID,
		SubmittedAt:    s.SubmittedAt.UTC().Format(time.RFC3339),
		State:          s.State,
		Complete:       s.Complete,
		HasBeenGraded:  s.HasBeenGraded,
		PointsReceived: s.PointsReceived,
		KillRequested:  s.KillRequested,
	}
	switch s.State {
	case StateTimedOut:
		out.Message = "Grader did not finish in time"
	case StateKilled:
		out.Message = "Grading was cancelled"
	case StateErrored:
		out.Message = "Grading failed"
	}
	submitter := v.ID != 0 && v.ID == s.StudentID
	if v.Staff || (submitter && s.State == StateGraded) {
		out.GraderOutput = s.GraderOutput
		out.GraderErrors = s.GraderErrors
	}
	return out
}
