package limiter_test

import (
	"context"
	"testing"
	"time"

	"gradebox/internal/grading/limiter"
	"gradebox/internal/grading/model"
	appErr "gradebox/pkg/errors"
)

type fakeStore struct {
	incomplete int
	total      int
	recent     int
	override   *model.SubmissionCapOverride
	since      time.Time
}

func (f *fakeStore) CountIncomplete(ctx context.Context, studentID int64) (int, error) {
	return f.incomplete, nil
}

func (f *fakeStore) CountSubmissions(ctx context.Context, studentID, assignmentID int64) (int, error) {
	return f.total, nil
}

func (f *fakeStore) CountSubmissionsSince(ctx context.Context, studentID, assignmentID int64, since time.Time) (int, error) {
	f.since = since
	return f.recent, nil
}

func (f *fakeStore) GetCapOverride(ctx context.Context, assignmentID, studentID int64) (*model.SubmissionCapOverride, error) {
	return f.override, nil
}

func intPtr(v int) *int { return &v }

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestConcurrencyCapAppliesToQuizzes(t *testing.T) {
	l := limiter.New(limiter.Config{MaxConcurrentPerStudent: 2})
	v, err := l.MaySubmit(context.Background(), &fakeStore{incomplete: 2}, 1, &model.Assignment{ID: 1, IsQuiz: true}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Allowed || v.Code != appErr.ConcurrencyExceeded {
		t.Fatalf("expected concurrency denial, got %+v", v)
	}
	if appErr.GetCode(v.Err()).HTTPStatus() != 403 {
		t.Fatalf("denial must map to 403")
	}
}

func TestQuizBypassesQuotaAndCooldown(t *testing.T) {
	l := limiter.New(limiter.Config{})
	a := &model.Assignment{ID: 1, IsQuiz: true, SubmissionCap: intPtr(1), Cooldown: &model.Cooldown{Count: 1, Window: time.Hour}}
	v, err := l.MaySubmit(context.Background(), &fakeStore{total: 10, recent: 10}, 1, a, now)
	if err != nil || !v.Allowed {
		t.Fatalf("quiz should be allowed, got %+v err=%v", v, err)
	}
}

func TestQuotaCountsExistingSubmissions(t *testing.T) {
	l := limiter.New(limiter.Config{})
	a := &model.Assignment{ID: 1, SubmissionCap: intPtr(2)}
	for used, allowed := range []bool{true, true, false} {
		v, err := l.MaySubmit(context.Background(), &fakeStore{total: used}, 1, a, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v.Allowed != allowed {
			t.Fatalf("used=%d: expected allowed=%v, got %+v", used, allowed, v)
		}
		if !allowed && (v.Code != appErr.QuotaExceeded || v.Limit != 2 || v.Used != 2) {
			t.Fatalf("unexpected denial %+v", v)
		}
	}
}

func TestCooldownWindow(t *testing.T) {
	l := limiter.New(limiter.Config{})
	a := &model.Assignment{ID: 1, Cooldown: &model.Cooldown{Count: 3, Window: 10 * time.Minute}}
	store := &fakeStore{recent: 3}
	v, err := l.MaySubmit(context.Background(), store, 1, a, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Code != appErr.CooldownActive {
		t.Fatalf("expected cooldown denial, got %+v", v)
	}
	if !store.since.Equal(now.Add(-10 * time.Minute)) {
		t.Fatalf("cooldown window start wrong: %v", store.since)
	}
}

func TestResolveCap(t *testing.T) {
	dueLater := now.Add(time.Hour)
	duePast := now.Add(-time.Hour)
	cases := []struct {
		name       string
		assignment model.Assignment
		override   *model.SubmissionCapOverride
		want       *int
	}{
		{"no caps", model.Assignment{}, nil, nil},
		{"assignment before due", model.Assignment{SubmissionCap: intPtr(2), SubmissionCapAfterDue: intPtr(5), DueAt: &dueLater}, nil, intPtr(2)},
		{"assignment after due", model.Assignment{SubmissionCap: intPtr(2), SubmissionCapAfterDue: intPtr(5), DueAt: &duePast}, nil, intPtr(5)},
		{"no due date is before due", model.Assignment{SubmissionCap: intPtr(2), SubmissionCapAfterDue: intPtr(5)}, nil, intPtr(2)},
		{
			"override nil field falls back to same assignment field",
			model.Assignment{SubmissionCap: intPtr(2), DueAt: &dueLater},
			&model.SubmissionCapOverride{SubmissionCap: nil, SubmissionCapAfterDue: intPtr(3)},
			intPtr(2),
		},
		{
			"override field wins",
			model.Assignment{SubmissionCap: intPtr(2), DueAt: &dueLater},
			&model.SubmissionCapOverride{SubmissionCap: intPtr(10)},
			intPtr(10),
		},
		{
			"override after due",
			model.Assignment{SubmissionCap: intPtr(2), SubmissionCapAfterDue: intPtr(1), DueAt: &duePast},
			&model.SubmissionCapOverride{SubmissionCap: intPtr(10), SubmissionCapAfterDue: intPtr(4)},
			intPtr(4),
		},
		{
			"override nil and assignment nil is unlimited",
			model.Assignment{SubmissionCapAfterDue: intPtr(1), DueAt: &dueLater},
			&model.SubmissionCapOverride{SubmissionCapAfterDue: intPtr(3)},
			nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := limiter.ResolveCap(&tc.assignment, tc.override, now)
			switch {
			case got == nil && tc.want == nil:
			case got == nil || tc.want == nil:
				t.Fatalf("got %v want %v", got, tc.want)
			case *got != *tc.want:
				t.Fatalf("got %d want %d", *got, *tc.want)
			}
		})
	}
}
