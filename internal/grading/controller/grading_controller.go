// Package controller exposes the grading service over HTTP.
package controller

import (
	"context"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"gradebox/internal/grading/model"
	"gradebox/internal/grading/reconciler"
	"gradebox/internal/grading/service"
	appErr "gradebox/pkg/errors"
	"gradebox/pkg/utils/contextkey"
	"gradebox/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const defaultMaxUploadBytes = 1 << 20

// Sweeper runs one reconcile pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (reconciler.Report, error)
}

// GradingController handles submission, kill, status and grader endpoints.
type GradingController struct {
	svc            *service.SubmissionService
	sweeper        Sweeper
	maxUploadBytes int64
}

// NewGradingController creates a controller. sweeper may be nil, in which
// case the admin reconcile route reports the service as unavailable.
func NewGradingController(svc *service.SubmissionService, sweeper Sweeper, maxUploadBytes int64) *GradingController {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &GradingController{svc: svc, sweeper: sweeper, maxUploadBytes: maxUploadBytes}
}

// RegisterRoutes mounts the API under /api/v1.
func (h *GradingController) RegisterRoutes(r gin.IRouter) {
	api := r.Group("/api/v1")
	api.POST("/assignments/:id/submissions", h.Submit)
	api.PUT("/assignments/:id/grader", h.UploadGrader)
	api.PUT("/assignments/:id/overrides/:student_id", h.SaveOverride)
	api.POST("/submissions/:id/kill", h.Kill)
	api.GET("/submissions/:id", h.Get)
	api.GET("/submissions/:id/status", h.Status)
	api.POST("/admin/reconcile", h.Reconcile)
}

// Submit accepts a multipart upload in the "file" field.
func (h *GradingController) Submit(c *gin.Context) {
	assignmentID, ok := pathID(c)
	if !ok {
		return
	}
	studentID := userID(c)
	if studentID == 0 {
		response.ErrorWithCode(c, appErr.Unauthorized, "missing user id")
		return
	}
	content, filename, err := h.readUpload(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	res, err := h.svc.Submit(c.Request.Context(), service.SubmitInput{
		AssignmentID:   assignmentID,
		StudentID:      studentID,
		Extension:      strings.TrimPrefix(filepath.Ext(filename), "."),
		Content:        content,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	resp := SubmitResponse{
		SubmissionID: res.Submission.ID,
		State:        string(res.Submission.State),
		SubmittedAt:  res.Submission.SubmittedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Duplicate:    res.Duplicate,
	}
	if res.BackupWarning != nil {
		resp.Warning = appErr.BackupFailed.Message()
	}
	response.Accepted(c, resp)
}

// UploadGrader replaces an assignment's grader. Optional form fields
// "timeout_seconds" and "enable_timeout" update its timeout.
func (h *GradingController) UploadGrader(c *gin.Context) {
	assignmentID, ok := pathID(c)
	if !ok {
		return
	}
	content, _, err := h.readUpload(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	in := service.GraderInput{AssignmentID: assignmentID, Content: content}
	if raw := c.PostForm("timeout_seconds"); raw != "" {
		v, convErr := strconv.Atoi(raw)
		if convErr != nil {
			response.BadRequest(c, "Invalid timeout_seconds")
			return
		}
		in.TimeoutSeconds = &v
	}
	if raw := c.PostForm("enable_timeout"); raw != "" {
		v, convErr := strconv.ParseBool(raw)
		if convErr != nil {
			response.BadRequest(c, "Invalid enable_timeout")
			return
		}
		in.EnableTimeout = &v
	}
	path, err := h.svc.SaveGrader(c.Request.Context(), in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, GraderResponse{AssignmentID: assignmentID, Path: path})
}

// SaveOverride stores a per-student submission cap override.
func (h *GradingController) SaveOverride(c *gin.Context) {
	assignmentID, ok := pathID(c)
	if !ok {
		return
	}
	studentID, err := strconv.ParseInt(c.Param("student_id"), 10, 64)
	if err != nil || studentID <= 0 {
		response.BadRequest(c, "Invalid student_id")
		return
	}
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	o := model.SubmissionCapOverride{
		AssignmentID:          assignmentID,
		StudentID:             studentID,
		SubmissionCap:         req.SubmissionCap,
		SubmissionCapAfterDue: req.SubmissionCapAfterDue,
	}
	if err := h.svc.SaveCapOverride(c.Request.Context(), o); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, req)
}

// Kill requests cancellation of a running grader.
func (h *GradingController) Kill(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.svc.Kill(c.Request.Context(), id, userID(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"submission_id": id, "kill_requested": true})
}

// Get returns the full submission view.
func (h *GradingController) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	view, err := h.svc.View(c.Request.Context(), id, viewer(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, view)
}

// Status returns the cached live status.
func (h *GradingController) Status(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	st, err := h.svc.Status(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, st)
}

// Reconcile runs one crash and timeout sweep.
func (h *GradingController) Reconcile(c *gin.Context) {
	if h.sweeper == nil {
		response.ErrorWithCode(c, appErr.ServiceUnavailable, "reconciler is not configured")
		return
	}
	report, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ReconcileResponse{
		Crashed:        report.Crashed,
		TimedOut:       report.TimedOut,
		Failed:         report.Failed,
		TimeoutSkipped: report.TimeoutSkipped,
	})
}

func (h *GradingController) readUpload(c *gin.Context) ([]byte, string, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, "", appErr.ValidationError("file", "required")
	}
	if fh.Size > h.maxUploadBytes {
		return nil, "", appErr.New(appErr.CodeTooLarge).WithDetail("limit", h.maxUploadBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, "", appErr.Wrapf(err, appErr.InvalidParams, "open upload failed")
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, h.maxUploadBytes+1))
	if err != nil {
		return nil, "", appErr.Wrapf(err, appErr.InvalidParams, "read upload failed")
	}
	if int64(len(content)) > h.maxUploadBytes {
		return nil, "", appErr.New(appErr.CodeTooLarge).WithDetail("limit", h.maxUploadBytes)
	}
	return content, fh.Filename, nil
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "Invalid id")
		return 0, false
	}
	return id, true
}

// userID reads the caller set by the trace middleware; 0 when absent.
func userID(c *gin.Context) int64 {
	raw, _ := c.Request.Context().Value(contextkey.UserID).(string)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

// staffRole is the X-User-Role value the course platform sends for
// instructors and graders.
const staffRole = "staff"

func viewer(c *gin.Context) model.Viewer {
	role, _ := c.Request.Context().Value(contextkey.UserRole).(string)
	return model.Viewer{ID: userID(c), Staff: role == staffRole}
}

// SubmitResponse is returned for an accepted submission.
type SubmitResponse struct {
	SubmissionID int64  `json:"submission_id"`
	State        string `json:"state"`
	SubmittedAt  string `json:"submitted_at"`
	Duplicate    bool   `json:"duplicate,omitempty"`
	Warning      string `json:"warning,omitempty"`
}

// OverrideRequest carries per-student caps; null keeps the assignment value.
type OverrideRequest struct {
	SubmissionCap         *int `json:"submission_cap"`
	SubmissionCapAfterDue *int `json:"submission_cap_after_due"`
}

// GraderResponse is returned after a grader upload.
type GraderResponse struct {
	AssignmentID int64  `json:"assignment_id"`
	Path         string `json:"path"`
}

// ReconcileResponse summarizes an admin sweep.
type ReconcileResponse struct {
	Crashed        int  `json:"crashed"`
	TimedOut       int  `json:"timed_out"`
	Failed         int  `json:"failed"`
	TimeoutSkipped bool `json:"timeout_skipped"`
}
