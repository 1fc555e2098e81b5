package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gradebox/internal/common/cache"
	"gradebox/internal/grading/model"
	appErr "gradebox/pkg/errors"
	"gradebox/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	statusKeyPrefix    = "grading:status:"
	defaultLiveTTL     = 10 * time.Second
	defaultTerminalTTL = 24 * time.Hour
)

// Status is the cheap-to-poll subset of a submission.
type Status struct {
	SubmissionID   int64       `json:"submission_id"`
	State          model.State `json:"state"`
	Complete       bool        `json:"complete"`
	KillRequested  bool        `json:"kill_requested"`
	PointsReceived *float64    `json:"points_received,omitempty"`
}

// StatusOf projects a submission onto its status.
func StatusOf(s *model.Submission) Status {
	return Status{
		SubmissionID:   s.ID,
		State:          s.State,
		Complete:       s.Complete,
		KillRequested:  s.KillRequested,
		PointsReceived: s.PointsReceived,
	}
}

// CachedRepository decorates a SubmissionRepository with a Redis status cache.
// Running states are cached briefly and invalidated on every write; terminal
// states never change and are written through with a long TTL.
type CachedRepository struct {
	SubmissionRepository
	cache       cache.Cache
	liveTTL     time.Duration
	terminalTTL time.Duration
}

func WithStatusCache(inner SubmissionRepository, c cache.Cache) *CachedRepository {
	return &CachedRepository{
		SubmissionRepository: inner,
		cache:                c,
		liveTTL:              defaultLiveTTL,
		terminalTTL:          defaultTerminalTTL,
	}
}

// Status returns the live status of a submission.
func (r *CachedRepository) Status(ctx context.Context, id int64) (Status, error) {
	if raw, err := r.cache.Get(ctx, statusKey(id)); err == nil && raw != "" {
		var st Status
		if err := json.Unmarshal([]byte(raw), &st); err == nil {
			return st, nil
		}
	}
	sub, err := r.SubmissionRepository.GetSubmission(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := StatusOf(sub)
	if st.Complete {
		r.put(ctx, st, r.terminalTTL)
	} else {
		// A Complete racing this read writes the terminal entry first; SETNX
		// keeps the stale live status from replacing it.
		r.putIfAbsent(ctx, st, r.liveTTL)
	}
	return st, nil
}

func (r *CachedRepository) MarkRunning(ctx context.Context, id int64, proc model.RunningProcess) (bool, error) {
	ok, err := r.SubmissionRepository.MarkRunning(ctx, id, proc)
	if err == nil && ok {
		r.invalidate(ctx, id)
	}
	return ok, err
}

func (r *CachedRepository) RequestKill(ctx context.Context, id int64) error {
	if err := r.SubmissionRepository.RequestKill(ctx, id); err != nil {
		return err
	}
	r.invalidate(ctx, id)
	return nil
}

func (r *CachedRepository) Complete(ctx context.Context, id int64, c model.Completion) (bool, error) {
	ok, err := r.SubmissionRepository.Complete(ctx, id, c)
	if err != nil || !ok {
		return ok, err
	}
	sub, err := r.SubmissionRepository.GetSubmission(ctx, id)
	if err != nil {
		r.invalidate(ctx, id)
		return true, nil
	}
	r.put(ctx, StatusOf(sub), r.terminalTTL)
	return true, nil
}

func (r *CachedRepository) put(ctx context.Context, st Status, ttl time.Duration) {
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, statusKey(st.SubmissionID), string(data), cache.JitterTTL(ttl)); err != nil {
		logger.Warn(ctx, "write status cache failed", zap.Int64("submission_id", st.SubmissionID), zap.Error(err))
	}
}

func (r *CachedRepository) putIfAbsent(ctx context.Context, st Status, ttl time.Duration) {
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if _, err := r.cache.SetNX(ctx, statusKey(st.SubmissionID), string(data), cache.JitterTTL(ttl)); err != nil {
		logger.Warn(ctx, "write status cache failed", zap.Int64("submission_id", st.SubmissionID), zap.Error(err))
	}
}

func (r *CachedRepository) invalidate(ctx context.Context, id int64) {
	if err := r.cache.Del(ctx, statusKey(id)); err != nil {
		logger.Warn(ctx, "invalidate status cache failed", zap.Int64("submission_id", id),
			zap.Error(appErr.Wrap(err, appErr.CacheError)))
	}
}

func statusKey(id int64) string {
	return fmt.Sprintf("%s%d", statusKeyPrefix, id)
}
