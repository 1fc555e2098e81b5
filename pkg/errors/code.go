package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 12000-12999: Assignment & course errors
// 13000-13099: Submission intake errors
// 13100-13199: Sandbox errors
// 13200-13299: Grading execution errors
// 13300-13399: Submission quota errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Assignment Errors (12000-12999) ==========

	AssignmentNotFound  ErrorCode = 12000
	StudentNotFound     ErrorCode = 12001
	GraderFileMissing   ErrorCode = 12002
	GraderTimeoutBounds ErrorCode = 12003

	// ========== Submission Errors (13000-13099) ==========

	SubmissionNotFound     ErrorCode = 13000
	SubmissionCreateFailed ErrorCode = 13001
	CodeTooLarge           ErrorCode = 13002
	FileStoreRace          ErrorCode = 13003
	FileStoreFailed        ErrorCode = 13004
	BackupFailed           ErrorCode = 13005
	SubmissionComplete     ErrorCode = 13006

	// ========== Sandbox Errors (13100-13199) ==========

	SandboxUnavailable   ErrorCode = 13100
	SandboxPolicyInvalid ErrorCode = 13101

	// ========== Grading Errors (13200-13299) ==========

	GraderCrash     ErrorCode = 13200
	GraderTimeout   ErrorCode = 13201
	GraderKilled    ErrorCode = 13202
	HostUnavailable ErrorCode = 13203
	GradingQueued   ErrorCode = 13204

	// ========== Quota Errors (13300-13399) ==========

	QuotaExceeded       ErrorCode = 13300
	ConcurrencyExceeded ErrorCode = 13301
	CooldownActive      ErrorCode = 13302
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache
	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Assignment
	AssignmentNotFound:  "Assignment not found",
	StudentNotFound:     "Student not found",
	GraderFileMissing:   "Assignment has no grader file",
	GraderTimeoutBounds: "Grader timeout must be at least 10 seconds",

	// Submission
	SubmissionNotFound:     "Submission not found",
	SubmissionCreateFailed: "Failed to create submission",
	CodeTooLarge:           "Submission is too large",
	FileStoreRace:          "Submission file name collided with a concurrent submission",
	FileStoreFailed:        "Failed to store submission file",
	BackupFailed:           "Failed to write submission backup",
	SubmissionComplete:     "Submission has already finished",

	// Sandbox
	SandboxUnavailable:   "Sandbox is unavailable",
	SandboxPolicyInvalid: "Sandbox policy is invalid",

	// Grading
	GraderCrash:     "Grader exited with an error",
	GraderTimeout:   "Grader did not finish in time",
	GraderKilled:    "Grader was killed",
	HostUnavailable: "No execution host available",
	GradingQueued:   "Submission is queued for grading",

	// Quota
	QuotaExceeded:       "Submission limit reached for this assignment",
	ConcurrencyExceeded: "Too many submissions are still being graded",
	CooldownActive:      "Submitting too frequently, please wait",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized:
		return 401
	case c == Forbidden, c >= 13300 && c < 13400: // Quota denials
		return 403
	case c == NotFound, c == RecordNotFound, c == AssignmentNotFound, c == StudentNotFound, c == SubmissionNotFound:
		return 404
	case c == SubmissionComplete, c == FileStoreRace, c == GraderFileMissing:
		return 409
	case c == CodeTooLarge:
		return 413
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable, c == SandboxUnavailable, c == HostUnavailable:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == GraderTimeoutBounds, c == SandboxPolicyInvalid:
		return 400
	default:
		return 500
	}
}

// IsDenial reports whether the code is a submission-eligibility denial.
func (c ErrorCode) IsDenial() bool {
	return c >= 13300 && c < 13400
}
