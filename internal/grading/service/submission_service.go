// Package service admits submissions and feeds them to the grading workers.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gradebox/internal/common/cache"
	"gradebox/internal/common/mq"
	"gradebox/internal/grading/filestore"
	"gradebox/internal/grading/limiter"
	"gradebox/internal/grading/model"
	"gradebox/internal/grading/repository"
	appErr "gradebox/pkg/errors"
	"gradebox/pkg/utils/contextkey"
	"gradebox/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	idempotencyKeyPrefix  = "grading:idempotency:"
	defaultIdempotencyTTL = 10 * time.Minute
	processingMarker      = "processing"
	traceIDHeader         = "trace_id"
)

// Config holds submission service dependencies and settings.
type Config struct {
	Repo    repository.SubmissionRepository
	Files   *filestore.Store
	Limiter *limiter.Limiter
	Queue   mq.MessageQueue
	Topic   string
	// Cache is optional; it backs idempotency keys.
	Cache          cache.Cache
	IdempotencyTTL time.Duration
	// Registerer is optional; it receives the denial counter.
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// SubmissionService handles intake, kill requests and grader uploads.
type SubmissionService struct {
	repo           repository.SubmissionRepository
	files          *filestore.Store
	limiter        *limiter.Limiter
	queue          mq.MessageQueue
	topic          string
	cache          cache.Cache
	idempotencyTTL time.Duration
	denials        *prometheus.CounterVec
	now            func() time.Time
}

// SubmitInput describes one upload.
type SubmitInput struct {
	AssignmentID   int64
	StudentID      int64
	Extension      string
	Content        []byte
	IdempotencyKey string
}

// SubmitResult is the admitted submission. BackupWarning is set when the
// backup copy failed; the submission itself is stored and queued.
type SubmitResult struct {
	Submission    *model.Submission
	BackupWarning error
	// Duplicate is set when an idempotency key matched an earlier submission.
	Duplicate bool
}

// NewSubmissionService creates a submission service.
func NewSubmissionService(cfg Config) (*SubmissionService, error) {
	if cfg.Repo == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.Files == nil {
		return nil, fmt.Errorf("file store is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("message queue is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &SubmissionService{
		repo:           cfg.Repo,
		files:          cfg.Files,
		limiter:        cfg.Limiter,
		queue:          cfg.Queue,
		topic:          cfg.Topic,
		cache:          cfg.Cache,
		idempotencyTTL: cfg.IdempotencyTTL,
		now:            cfg.Now,
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradebox",
			Subsystem: "intake",
			Name:      "denials_total",
			Help:      "Submissions refused by the limiter, by reason.",
		}, []string{"reason"}),
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(s.denials)
	}
	return s, nil
}

// Submit stores the upload and queues it for grading. The limiter verdict,
// the file write and the insert happen under the student's row lock.
func (s *SubmissionService) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	if len(in.Content) == 0 {
		return SubmitResult{}, appErr.ValidationError("file", "required")
	}
	if in.AssignmentID <= 0 || in.StudentID <= 0 {
		return SubmitResult{}, appErr.ValidationError("assignment_id", "required")
	}
	assignment, err := s.repo.GetAssignment(ctx, in.AssignmentID)
	if err != nil {
		return SubmitResult{}, err
	}
	if assignment.GraderFile == "" {
		return SubmitResult{}, appErr.New(appErr.GraderFileMissing).WithDetail("assignment_id", in.AssignmentID)
	}
	student, err := s.repo.GetStudent(ctx, in.StudentID)
	if err != nil {
		return SubmitResult{}, err
	}

	acquired, existingID, err := s.acquireIdempotency(ctx, in.StudentID, in.IdempotencyKey)
	if err != nil {
		return SubmitResult{}, err
	}
	if existingID > 0 {
		sub, err := s.repo.GetSubmission(ctx, existingID)
		if err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{Submission: sub, Duplicate: true}, nil
	}

	var (
		backupWarning error
		savedPath     string
	)
	admit := func(ctx context.Context, store repository.AdmissionStore, draft *model.Submission) error {
		verdict, err := s.limiter.MaySubmit(ctx, store, draft.StudentID, assignment, draft.SubmittedAt)
		if err != nil {
			return err
		}
		if err := verdict.Err(); err != nil {
			s.denials.WithLabelValues(denialReason(verdict.Code)).Inc()
			return err
		}
		saved, err := s.files.Save(ctx, filestore.SaveRequest{
			AssignmentID: assignment.ID,
			Username:     student.Username,
			Extension:    in.Extension,
			Content:      in.Content,
		})
		if err != nil {
			return err
		}
		draft.FilePath = saved.Path
		savedPath = saved.Path
		backupWarning = saved.BackupErr
		return nil
	}

	draft := &model.Submission{
		AssignmentID: assignment.ID,
		StudentID:    student.ID,
		SubmittedAt:  s.now().UTC(),
		State:        model.StatePending,
	}
	sub, err := s.repo.CreateSubmission(ctx, draft, admit)
	if err != nil {
		if savedPath != "" {
			// The insert or commit failed after the file was written.
			if dErr := s.files.Discard(context.WithoutCancel(ctx), savedPath); dErr != nil {
				logger.Warn(ctx, "discard orphaned submission file failed", zap.String("path", savedPath), zap.Error(dErr))
			}
		}
		s.releaseIdempotency(ctx, in.StudentID, in.IdempotencyKey, acquired)
		if !appErr.GetCode(err).IsDenial() {
			logger.Error(ctx, "create submission failed",
				zap.Int64("assignment_id", assignment.ID), zap.Int64("student_id", student.ID), zap.Error(err))
		}
		return SubmitResult{}, err
	}
	s.storeIdempotency(ctx, in.StudentID, in.IdempotencyKey, acquired, sub.ID)

	if err := Enqueue(ctx, s.queue, s.topic, sub.ID); err != nil {
		// The row exists but no worker will see it; fail it so the student can resubmit.
		logger.Error(ctx, "enqueue submission failed", zap.Int64("submission_id", sub.ID), zap.Error(err))
		if _, cErr := s.repo.Complete(context.WithoutCancel(ctx), sub.ID, model.Completion{
			State:        model.StateErrored,
			GraderErrors: "The submission could not be queued for grading.",
			FailureCode:  int(appErr.ServiceUnavailable),
		}); cErr != nil {
			logger.Error(ctx, "fail unqueued submission failed", zap.Int64("submission_id", sub.ID), zap.Error(cErr))
		}
		return SubmitResult{}, appErr.Wrapf(err, appErr.ServiceUnavailable, "queue submission failed")
	}

	logger.Info(ctx, "submission accepted",
		zap.Int64("submission_id", sub.ID),
		zap.Int64("assignment_id", sub.AssignmentID),
		zap.Int64("student_id", sub.StudentID),
		zap.Bool("backup_failed", backupWarning != nil),
	)
	return SubmitResult{Submission: sub, BackupWarning: backupWarning}, nil
}

// Kill asks the executor to stop a running grader. A non-zero requester must
// own the submission.
func (s *SubmissionService) Kill(ctx context.Context, submissionID, requesterID int64) error {
	sub, err := s.repo.GetSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	if requesterID != 0 && sub.StudentID != requesterID {
		return appErr.ForbiddenError("only the owner can cancel a submission")
	}
	if sub.Complete {
		return appErr.New(appErr.SubmissionComplete).WithDetail("id", submissionID)
	}
	if err := s.repo.RequestKill(ctx, submissionID); err != nil {
		return err
	}
	logger.Info(ctx, "kill requested", zap.Int64("submission_id", submissionID))
	return nil
}

// View returns the submission as viewer may see it.
func (s *SubmissionService) View(ctx context.Context, submissionID int64, viewer model.Viewer) (model.SubmissionView, error) {
	sub, err := s.repo.GetSubmission(ctx, submissionID)
	if err != nil {
		return model.SubmissionView{}, err
	}
	return sub.View(viewer), nil
}

// Status returns the cheap-to-poll state, served from the status cache when
// the repository has one.
func (s *SubmissionService) Status(ctx context.Context, submissionID int64) (repository.Status, error) {
	if cached, ok := s.repo.(interface {
		Status(ctx context.Context, id int64) (repository.Status, error)
	}); ok {
		return cached.Status(ctx, submissionID)
	}
	sub, err := s.repo.GetSubmission(ctx, submissionID)
	if err != nil {
		return repository.Status{}, err
	}
	return repository.StatusOf(sub), nil
}

// GraderInput is a grader upload with optional timeout settings.
type GraderInput struct {
	AssignmentID   int64
	Content        []byte
	EnableTimeout  *bool
	TimeoutSeconds *int
}

// SaveGrader stores the grader file and, when given, its timeout.
func (s *SubmissionService) SaveGrader(ctx context.Context, in GraderInput) (string, error) {
	if len(in.Content) == 0 {
		return "", appErr.ValidationError("file", "required")
	}
	assignment, err := s.repo.GetAssignment(ctx, in.AssignmentID)
	if err != nil {
		return "", err
	}
	if in.EnableTimeout != nil || in.TimeoutSeconds != nil {
		enabled, seconds := assignment.EnableGraderTimeout, assignment.GraderTimeoutSeconds
		if in.EnableTimeout != nil {
			enabled = *in.EnableTimeout
		}
		if in.TimeoutSeconds != nil {
			seconds = *in.TimeoutSeconds
		}
		if time.Duration(seconds)*time.Second < model.MinGraderTimeout {
			return "", appErr.New(appErr.GraderTimeoutBounds).WithDetail("seconds", seconds)
		}
		if err := s.repo.UpdateGraderTimeout(ctx, assignment.ID, enabled, seconds); err != nil {
			return "", err
		}
	}
	path, err := s.files.SaveGrader(ctx, assignment.ID, in.Content)
	if err != nil {
		return "", err
	}
	if err := s.repo.UpdateGraderFile(ctx, assignment.ID, path); err != nil {
		return "", err
	}
	logger.Info(ctx, "grader updated", zap.Int64("assignment_id", assignment.ID), zap.String("path", path))
	return path, nil
}

// SaveCapOverride sets one student's submission caps for an assignment.
// A nil cap falls back to the assignment's own value for that phase.
func (s *SubmissionService) SaveCapOverride(ctx context.Context, o model.SubmissionCapOverride) error {
	if err := s.repo.SaveCapOverride(ctx, o); err != nil {
		return err
	}
	logger.Info(ctx, "submission cap override saved",
		zap.Int64("assignment_id", o.AssignmentID),
		zap.Int64("student_id", o.StudentID),
	)
	return nil
}

// Enqueue publishes a grading task for submissionID.
func Enqueue(ctx context.Context, queue mq.MessageQueue, topic string, submissionID int64) error {
	task := model.GradeTask{SubmissionID: submissionID}
	if traceID, ok := ctx.Value(contextkey.TraceID).(string); ok {
		task.TraceID = traceID
	}
	body, err := json.Marshal(task)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "encode grade task failed")
	}
	msg := mq.NewMessage(body)
	msg.ID = uuid.NewString()
	msg.Key = strconv.FormatInt(submissionID, 10)
	if task.TraceID != "" {
		msg.SetHeader(traceIDHeader, task.TraceID)
	}
	return queue.Publish(ctx, topic, msg)
}

func (s *SubmissionService) acquireIdempotency(ctx context.Context, studentID int64, key string) (bool, int64, error) {
	key = strings.TrimSpace(key)
	if key == "" || s.cache == nil {
		return false, 0, nil
	}
	cacheKey := idempotencyKey(studentID, key)
	ok, err := s.cache.SetNX(ctx, cacheKey, processingMarker, s.idempotencyTTL)
	if err != nil {
		// Idempotency is best effort; a cache outage must not block intake.
		logger.Warn(ctx, "idempotency check failed", zap.Error(err))
		return false, 0, nil
	}
	if ok {
		return true, 0, nil
	}
	val, err := s.cache.Get(ctx, cacheKey)
	if err != nil {
		return false, 0, appErr.Wrapf(err, appErr.CacheError, "read idempotency key failed")
	}
	id, convErr := strconv.ParseInt(val, 10, 64)
	if convErr != nil || id <= 0 {
		return false, 0, appErr.New(appErr.TooManyRequests).WithMessage("an identical submission is still being processed")
	}
	return false, id, nil
}

func (s *SubmissionService) storeIdempotency(ctx context.Context, studentID int64, key string, acquired bool, id int64) {
	if !acquired {
		return
	}
	if err := s.cache.Set(ctx, idempotencyKey(studentID, strings.TrimSpace(key)), strconv.FormatInt(id, 10), s.idempotencyTTL); err != nil {
		logger.Warn(ctx, "store idempotency key failed", zap.Error(err))
	}
}

func (s *SubmissionService) releaseIdempotency(ctx context.Context, studentID int64, key string, acquired bool) {
	if !acquired {
		return
	}
	if err := s.cache.Del(context.WithoutCancel(ctx), idempotencyKey(studentID, strings.TrimSpace(key))); err != nil {
		logger.Warn(ctx, "release idempotency key failed", zap.Error(err))
	}
}

func idempotencyKey(studentID int64, key string) string {
	return idempotencyKeyPrefix + strconv.FormatInt(studentID, 10) + ":" + key
}

func denialReason(code appErr.ErrorCode) string {
	switch code {
	case appErr.ConcurrencyExceeded:
		return "concurrency"
	case appErr.QuotaExceeded:
		return "quota"
	case appErr.CooldownActive:
		return "cooldown"
	default:
		return "other"
	}
}
