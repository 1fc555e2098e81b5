package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"gradebox/internal/grading/model"
	appErr "gradebox/pkg/errors"
)

// MemoryRepository is an in-process SubmissionRepository for single-node
// development and tests. Admission for one student is serialized by a
// per-student mutex, the same guarantee the MySQL row lock gives.
type MemoryRepository struct {
	mu          sync.RWMutex
	students    map[int64]model.Student
	assignments map[int64]model.Assignment
	overrides   map[[2]int64]model.SubmissionCapOverride
	submissions map[int64]*model.Submission
	nextID      int64

	lockMu       sync.Mutex
	studentLocks map[int64]*sync.Mutex
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		students:     make(map[int64]model.Student),
		assignments:  make(map[int64]model.Assignment),
		overrides:    make(map[[2]int64]model.SubmissionCapOverride),
		submissions:  make(map[int64]*model.Submission),
		studentLocks: make(map[int64]*sync.Mutex),
	}
}

// PutStudent inserts or replaces a student.
func (r *MemoryRepository) PutStudent(s model.Student) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.students[s.ID] = s
}

// PutAssignment inserts or replaces an assignment.
func (r *MemoryRepository) PutAssignment(a model.Assignment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments[a.ID] = a
}

// PutOverride inserts or replaces the override for (assignment, student).
func (r *MemoryRepository) PutOverride(o model.SubmissionCapOverride) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[[2]int64{o.AssignmentID, o.StudentID}] = o
}

// Submissions returns a snapshot of every stored submission ordered by id.
func (r *MemoryRepository) Submissions() []model.Submission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Submission, 0, len(r.submissions))
	for _, s := range r.submissions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *MemoryRepository) GetSubmission(ctx context.Context, id int64) (*model.Submission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.submissions[id]
	if !ok {
		return nil, appErr.New(appErr.SubmissionNotFound).WithDetail("id", id)
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryRepository) GetAssignment(ctx context.Context, id int64) (*model.Assignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assignments[id]
	if !ok {
		return nil, appErr.New(appErr.AssignmentNotFound).WithDetail("id", id)
	}
	return &a, nil
}

func (r *MemoryRepository) GetStudent(ctx context.Context, id int64) (*model.Student, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.students[id]
	if !ok {
		return nil, appErr.New(appErr.StudentNotFound).WithDetail("id", id)
	}
	return &s, nil
}

func (r *MemoryRepository) UpdateGraderFile(ctx context.Context, assignmentID int64, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assignments[assignmentID]
	if !ok {
		return appErr.New(appErr.AssignmentNotFound).WithDetail("id", assignmentID)
	}
	a.GraderFile = path
	r.assignments[assignmentID] = a
	return nil
}

func (r *MemoryRepository) UpdateGraderTimeout(ctx context.Context, assignmentID int64, enabled bool, seconds int) error {
	if time.Duration(seconds)*time.Second < model.MinGraderTimeout {
		return appErr.New(appErr.GraderTimeoutBounds).WithDetail("seconds", seconds)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assignments[assignmentID]
	if !ok {
		return appErr.New(appErr.AssignmentNotFound).WithDetail("id", assignmentID)
	}
	a.EnableGraderTimeout = enabled
	a.GraderTimeoutSeconds = seconds
	r.assignments[assignmentID] = a
	return nil
}

func (r *MemoryRepository) SaveCapOverride(ctx context.Context, o model.SubmissionCapOverride) error {
	if err := validateOverride(o); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.assignments[o.AssignmentID]; !ok {
		return appErr.New(appErr.AssignmentNotFound).WithDetail("id", o.AssignmentID)
	}
	if _, ok := r.students[o.StudentID]; !ok {
		return appErr.New(appErr.StudentNotFound).WithDetail("id", o.StudentID)
	}
	r.overrides[[2]int64{o.AssignmentID, o.StudentID}] = o
	return nil
}

func (r *MemoryRepository) studentLock(id int64) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	l, ok := r.studentLocks[id]
	if !ok {
		l = &sync.Mutex{}
		r.studentLocks[id] = l
	}
	return l
}

func (r *MemoryRepository) CreateSubmission(ctx context.Context, draft *model.Submission, admit AdmitFunc) (*model.Submission, error) {
	if draft == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("submission is nil")
	}
	if _, err := r.GetStudent(ctx, draft.StudentID); err != nil {
		return nil, err
	}
	lock := r.studentLock(draft.StudentID)
	lock.Lock()
	defer lock.Unlock()

	created := *draft
	if admit != nil {
		if err := admit(ctx, &memoryAdmission{r: r}, &created); err != nil {
			return nil, err
		}
	}
	if created.State == "" {
		created.State = model.StatePending
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	created.ID = r.nextID
	stored := created
	r.submissions[created.ID] = &stored
	return &created, nil
}

func (r *MemoryRepository) MarkRunning(ctx context.Context, id int64, proc model.RunningProcess) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.submissions[id]
	if !ok {
		return false, appErr.New(appErr.SubmissionNotFound).WithDetail("id", id)
	}
	if s.Complete || s.GraderPID != nil {
		return false, nil
	}
	pid, start, procStart := proc.PID, proc.StartedAt.UTC(), proc.ProcStart
	s.State = model.StateRunning
	s.GraderPID = &pid
	s.GraderStartTime = &start
	s.GraderProcStart = &procStart
	s.GraderHost = proc.Host
	return true, nil
}

func (r *MemoryRepository) IsKillRequested(ctx context.Context, id int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.submissions[id]
	if !ok {
		return false, appErr.New(appErr.SubmissionNotFound).WithDetail("id", id)
	}
	return s.KillRequested, nil
}

func (r *MemoryRepository) RequestKill(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.submissions[id]
	if !ok {
		return appErr.New(appErr.SubmissionNotFound).WithDetail("id", id)
	}
	if s.Complete {
		return appErr.New(appErr.SubmissionComplete).WithDetail("id", id)
	}
	s.KillRequested = true
	return nil
}

func (r *MemoryRepository) Complete(ctx context.Context, id int64, c model.Completion) (bool, error) {
	if !c.State.Terminal() {
		return false, appErr.New(appErr.InvalidValue).WithMessagef("state %q is not terminal", c.State)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.submissions[id]
	if !ok {
		return false, appErr.New(appErr.SubmissionNotFound).WithDetail("id", id)
	}
	if s.Complete {
		return false, nil
	}
	s.Complete = true
	s.State = c.State
	s.HasBeenGraded = c.State == model.StateGraded
	if c.PointsReceived != nil {
		v := *c.PointsReceived
		s.PointsReceived = &v
	}
	s.GraderOutput = c.GraderOutput
	s.GraderErrors = c.GraderErrors
	s.FailureCode = c.FailureCode
	return true, nil
}

func (r *MemoryRepository) ListInFlight(ctx context.Context) ([]InFlight, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []InFlight
	for _, s := range r.submissions {
		if s.Complete || s.GraderStartTime == nil {
			continue
		}
		a := r.assignments[s.AssignmentID]
		out = append(out, InFlight{
			Submission:    *s,
			EnableTimeout: a.EnableGraderTimeout,
			Timeout:       time.Duration(a.GraderTimeoutSeconds) * time.Second,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Submission.ID < out[j].Submission.ID })
	return out, nil
}

func (r *MemoryRepository) ListPending(ctx context.Context, limit int) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []int64
	for id, s := range r.submissions {
		if !s.Complete && s.GraderPID == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type memoryAdmission struct {
	r *MemoryRepository
}

func (m *memoryAdmission) CountIncomplete(ctx context.Context, studentID int64) (int, error) {
	return m.count(func(s *model.Submission) bool { return s.StudentID == studentID && !s.Complete }), nil
}

func (m *memoryAdmission) CountSubmissions(ctx context.Context, studentID, assignmentID int64) (int, error) {
	return m.count(func(s *model.Submission) bool {
		return s.StudentID == studentID && s.AssignmentID == assignmentID
	}), nil
}

func (m *memoryAdmission) CountSubmissionsSince(ctx context.Context, studentID, assignmentID int64, since time.Time) (int, error) {
	return m.count(func(s *model.Submission) bool {
		return s.StudentID == studentID && s.AssignmentID == assignmentID && !s.SubmittedAt.Before(since)
	}), nil
}

func (m *memoryAdmission) GetCapOverride(ctx context.Context, assignmentID, studentID int64) (*model.SubmissionCapOverride, error) {
	m.r.mu.RLock()
	defer m.r.mu.RUnlock()
	o, ok := m.r.overrides[[2]int64{assignmentID, studentID}]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (m *memoryAdmission) count(match func(*model.Submission) bool) int {
	m.r.mu.RLock()
	defer m.r.mu.RUnlock()
	n := 0
	for _, s := range m.r.submissions {
		if match(s) {
			n++
		}
	}
	return n
}
