package model

// GradeTask is the queue payload asking a worker to grade one submission.
type GradeTask struct {
	SubmissionID int64  `json:"submission_id"`
	TraceID      string `json:"trace_id,omitempty"`
}
