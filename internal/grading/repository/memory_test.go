package repository_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gradebox/internal/grading/limiter"
	"gradebox/internal/grading/model"
	"gradebox/internal/grading/repository"
	appErr "gradebox/pkg/errors"
)

func intPtr(v int) *int { return &v }

func seed(t *testing.T, a model.Assignment) *repository.MemoryRepository {
	t.Helper()
	repo := repository.NewMemoryRepository()
	repo.PutStudent(model.Student{ID: 1, Username: "alice"})
	repo.PutAssignment(a)
	return repo
}

func admitWith(l *limiter.Limiter, a *model.Assignment) repository.AdmitFunc {
	return func(ctx context.Context, store repository.AdmissionStore, draft *model.Submission) error {
		v, err := l.MaySubmit(ctx, store, draft.StudentID, a, draft.SubmittedAt)
		if err != nil {
			return err
		}
		return v.Err()
	}
}

func TestConcurrentAttemptsRespectCap(t *testing.T) {
	a := model.Assignment{ID: 10, SubmissionCap: intPtr(2)}
	repo := seed(t, a)
	l := limiter.New(limiter.Config{MaxConcurrentPerStudent: 100})

	var ok, denied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CreateSubmission(context.Background(),
				&model.Submission{AssignmentID: 10, StudentID: 1, SubmittedAt: time.Now()}, admitWith(l, &a))
			switch {
			case err == nil:
				ok.Add(1)
			case appErr.GetCode(err) == appErr.QuotaExceeded:
				denied.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 2 || denied.Load() != 18 {
		t.Fatalf("expected 2 accepted and 18 denied, got %d/%d", ok.Load(), denied.Load())
	}
}

func TestCompleteIsCompareAndSet(t *testing.T) {
	repo := seed(t, model.Assignment{ID: 1})
	sub, err := repo.CreateSubmission(context.Background(), &model.Submission{AssignmentID: 1, StudentID: 1}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if sub.State != model.StatePending {
		t.Fatalf("expected pending, got %s", sub.State)
	}
	points := 80.0
	first, err := repo.Complete(context.Background(), sub.ID, model.Completion{State: model.StateGraded, PointsReceived: &points})
	if err != nil || !first {
		t.Fatalf("first complete should win, ok=%v err=%v", first, err)
	}
	second, err := repo.Complete(context.Background(), sub.ID, model.Completion{State: model.StateErrored})
	if err != nil || second {
		t.Fatalf("second complete must be a no-op, ok=%v err=%v", second, err)
	}
	got, _ := repo.GetSubmission(context.Background(), sub.ID)
	if !got.Complete || got.State != model.StateGraded || !got.HasBeenGraded || *got.PointsReceived != 80 {
		t.Fatalf("completion overwritten: %+v", got)
	}
	if ok, _ := repo.MarkRunning(context.Background(), sub.ID, model.RunningProcess{PID: 5}); ok {
		t.Fatalf("completed submission must not be marked running")
	}
	if err := repo.RequestKill(context.Background(), sub.ID); appErr.GetCode(err) != appErr.SubmissionComplete {
		t.Fatalf("expected SubmissionComplete, got %v", err)
	}
}

func TestCompleteRejectsNonTerminalState(t *testing.T) {
	repo := seed(t, model.Assignment{ID: 1})
	sub, _ := repo.CreateSubmission(context.Background(), &model.Submission{AssignmentID: 1, StudentID: 1}, nil)
	if _, err := repo.Complete(context.Background(), sub.ID, model.Completion{State: model.StateRunning}); err == nil {
		t.Fatalf("expected error for non-terminal state")
	}
}

func TestInFlightAndPendingListing(t *testing.T) {
	repo := seed(t, model.Assignment{ID: 1, EnableGraderTimeout: true, GraderTimeoutSeconds: 30})
	ctx := context.Background()
	a, _ := repo.CreateSubmission(ctx, &model.Submission{AssignmentID: 1, StudentID: 1}, nil)
	b, _ := repo.CreateSubmission(ctx, &model.Submission{AssignmentID: 1, StudentID: 1}, nil)
	if _, err := repo.MarkRunning(ctx, a.ID, model.RunningProcess{PID: 42, StartedAt: time.Now(), ProcStart: 7, Host: "h"}); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	inflight, _ := repo.ListInFlight(ctx)
	if len(inflight) != 1 || inflight[0].Submission.ID != a.ID || inflight[0].Timeout != 30*time.Second || !inflight[0].EnableTimeout {
		t.Fatalf("unexpected in-flight list: %+v", inflight)
	}
	pending, _ := repo.ListPending(ctx, 10)
	if len(pending) != 1 || pending[0] != b.ID {
		t.Fatalf("unexpected pending list: %v", pending)
	}
}

func TestCreateUnknownStudent(t *testing.T) {
	repo := seed(t, model.Assignment{ID: 1})
	_, err := repo.CreateSubmission(context.Background(), &model.Submission{AssignmentID: 1, StudentID: 99}, nil)
	if appErr.GetCode(err) != appErr.StudentNotFound {
		t.Fatalf("expected StudentNotFound, got %v", err)
	}
}

func TestSaveCapOverride(t *testing.T) {
	ctx := context.Background()
	a := model.Assignment{ID: 10, SubmissionCap: intPtr(1)}
	repo := seed(t, a)
	l := limiter.New(limiter.Config{MaxConcurrentPerStudent: 100})

	if err := repo.SaveCapOverride(ctx, model.SubmissionCapOverride{AssignmentID: 10, StudentID: 1, SubmissionCap: intPtr(3)}); err != nil {
		t.Fatalf("save override: %v", err)
	}
	// Saving again replaces the single row for the pair.
	if err := repo.SaveCapOverride(ctx, model.SubmissionCapOverride{AssignmentID: 10, StudentID: 1, SubmissionCap: intPtr(2)}); err != nil {
		t.Fatalf("replace override: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := repo.CreateSubmission(ctx, &model.Submission{AssignmentID: 10, StudentID: 1, SubmittedAt: time.Now()}, admitWith(l, &a)); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	_, err := repo.CreateSubmission(ctx, &model.Submission{AssignmentID: 10, StudentID: 1, SubmittedAt: time.Now()}, admitWith(l, &a))
	if appErr.GetCode(err) != appErr.QuotaExceeded {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}

	cases := []struct {
		o    model.SubmissionCapOverride
		want appErr.ErrorCode
	}{
		{model.SubmissionCapOverride{AssignmentID: 99, StudentID: 1}, appErr.AssignmentNotFound},
		{model.SubmissionCapOverride{AssignmentID: 10, StudentID: 99}, appErr.StudentNotFound},
		{model.SubmissionCapOverride{AssignmentID: 10, StudentID: 1, SubmissionCapAfterDue: intPtr(-1)}, appErr.ValidationFailed},
	}
	for _, tc := range cases {
		if err := repo.SaveCapOverride(ctx, tc.o); appErr.GetCode(err) != tc.want {
			t.Fatalf("override %+v: expected %d, got %v", tc.o, tc.want, err)
		}
	}
}
