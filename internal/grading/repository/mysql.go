package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"gradebox/internal/common/cache"
	"gradebox/internal/common/db"
	"gradebox/internal/grading/model"
	appErr "gradebox/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

const (
	assignmentCacheKeyPrefix = "grading:assignment:"
	defaultAssignmentTTL     = 5 * time.Minute
	defaultAssignmentMissTTL = 30 * time.Second
)

const submissionColumns = "id, assignment_id, student_id, submitted_at, file_path, grader_output, grader_errors, " +
	"complete, has_been_graded, points_received, kill_requested, state, failure_code, " +
	"grader_pid, grader_start_time, grader_proc_start, grader_host"

const assignmentColumns = "id, course_id, grader_file, enable_grader_timeout, grader_timeout, " +
	"grader_has_network_access, has_network_access, submission_cap, submission_cap_after_due, " +
	"cooldown_count, cooldown_window_seconds, due_at, is_quiz"

// MySQLRepository implements SubmissionRepository with MySQL. Assignment rows
// are read through the cache when one is configured.
type MySQLRepository struct {
	db    db.Database
	cache cache.Cache
	ttl   time.Duration
}

// NewMySQLRepository creates a repository; cacheClient may be nil.
func NewMySQLRepository(database db.Database, cacheClient cache.Cache) *MySQLRepository {
	return &MySQLRepository{db: database, cache: cacheClient, ttl: defaultAssignmentTTL}
}

// EnsureSchema creates the grading tables when they are missing.
func EnsureSchema(ctx context.Context, database db.Database) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := database.Exec(ctx, stmt); err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "apply schema")
		}
	}
	return nil
}

func (r *MySQLRepository) GetSubmission(ctx context.Context, id int64) (*model.Submission, error) {
	row := r.db.QueryRow(ctx, "SELECT "+submissionColumns+" FROM submissions WHERE id = ?", id)
	sub, err := scanSubmission(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.New(appErr.SubmissionNotFound).WithDetail("id", id)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get submission %d", id)
	}
	return sub, nil
}

func (r *MySQLRepository) GetAssignment(ctx context.Context, id int64) (*model.Assignment, error) {
	load := func(ctx context.Context) (*model.Assignment, error) {
		a, err := r.loadAssignment(ctx, id)
		if appErr.Is(err, appErr.AssignmentNotFound) {
			return nil, nil
		}
		return a, err
	}
	var (
		a   *model.Assignment
		err error
	)
	if r.cache != nil {
		a, err = cache.GetOrLoad(ctx, r.cache, assignmentCacheKey(id), r.ttl, defaultAssignmentMissTTL,
			func(a *model.Assignment) bool { return a == nil }, load)
	} else {
		a, err = load(ctx)
	}
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, appErr.New(appErr.AssignmentNotFound).WithDetail("id", id)
	}
	return a, nil
}

func (r *MySQLRepository) loadAssignment(ctx context.Context, id int64) (*model.Assignment, error) {
	row := r.db.QueryRow(ctx, "SELECT "+assignmentColumns+" FROM assignments WHERE id = ?", id)
	var (
		a                          model.Assignment
		capBefore, capAfter        sql.NullInt64
		cooldownCount, cooldownSec sql.NullInt64
		dueAt                      sql.NullTime
	)
	err := row.Scan(&a.ID, &a.CourseID, &a.GraderFile, &a.EnableGraderTimeout, &a.GraderTimeoutSeconds,
		&a.GraderHasNetworkAccess, &a.HasNetworkAccess, &capBefore, &capAfter,
		&cooldownCount, &cooldownSec, &dueAt, &a.IsQuiz)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.New(appErr.AssignmentNotFound).WithDetail("id", id)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get assignment %d", id)
	}
	a.SubmissionCap = nullIntPtr(capBefore)
	a.SubmissionCapAfterDue = nullIntPtr(capAfter)
	if cooldownCount.Valid && cooldownSec.Valid {
		a.Cooldown = &model.Cooldown{Count: int(cooldownCount.Int64), Window: time.Duration(cooldownSec.Int64) * time.Second}
	}
	if dueAt.Valid {
		t := dueAt.Time.UTC()
		a.DueAt = &t
	}
	return &a, nil
}

func (r *MySQLRepository) GetStudent(ctx context.Context, id int64) (*model.Student, error) {
	var s model.Student
	err := r.db.QueryRow(ctx, "SELECT id, username FROM students WHERE id = ?", id).Scan(&s.ID, &s.Username)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.New(appErr.StudentNotFound).WithDetail("id", id)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get student %d", id)
	}
	return &s, nil
}

func (r *MySQLRepository) UpdateGraderFile(ctx context.Context, assignmentID int64, path string) error {
	res, err := r.db.Exec(ctx, "UPDATE assignments SET grader_file = ? WHERE id = ?", path, assignmentID)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "update grader file")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// MySQL reports 0 for an unchanged value, so confirm the row exists.
		if _, err := r.loadAssignment(ctx, assignmentID); err != nil {
			return err
		}
	}
	if r.cache != nil {
		_ = r.cache.Del(ctx, assignmentCacheKey(assignmentID))
	}
	return nil
}

func (r *MySQLRepository) UpdateGraderTimeout(ctx context.Context, assignmentID int64, enabled bool, seconds int) error {
	if time.Duration(seconds)*time.Second < model.MinGraderTimeout {
		return appErr.New(appErr.GraderTimeoutBounds).WithDetail("seconds", seconds)
	}
	res, err := r.db.Exec(ctx, "UPDATE assignments SET enable_grader_timeout = ?, grader_timeout = ? WHERE id = ?", enabled, seconds, assignmentID)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "update grader timeout")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.loadAssignment(ctx, assignmentID); err != nil {
			return err
		}
	}
	if r.cache != nil {
		_ = r.cache.Del(ctx, assignmentCacheKey(assignmentID))
	}
	return nil
}

func (r *MySQLRepository) SaveCapOverride(ctx context.Context, o model.SubmissionCapOverride) error {
	if err := validateOverride(o); err != nil {
		return err
	}
	if _, err := r.loadAssignment(ctx, o.AssignmentID); err != nil {
		return err
	}
	if _, err := r.GetStudent(ctx, o.StudentID); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO submission_cap_overrides (assignment_id, student_id, submission_cap, submission_cap_after_due)
		 VALUES (?, ?, ?, ?)`,
		o.AssignmentID, o.StudentID, nullableInt(o.SubmissionCap), nullableInt(o.SubmissionCapAfterDue))
	if err == nil {
		return nil
	}
	if _, dup := db.UniqueViolation(err); !dup {
		return appErr.Wrapf(err, appErr.DatabaseError, "insert cap override")
	}
	_, err = r.db.Exec(ctx,
		`UPDATE submission_cap_overrides SET submission_cap = ?, submission_cap_after_due = ?
		 WHERE assignment_id = ? AND student_id = ?`,
		nullableInt(o.SubmissionCap), nullableInt(o.SubmissionCapAfterDue), o.AssignmentID, o.StudentID)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "update cap override")
	}
	return nil
}

// CreateSubmission locks the student row, runs admit and inserts draft in one
// transaction, so concurrent attempts by one student are serialized.
func (r *MySQLRepository) CreateSubmission(ctx context.Context, draft *model.Submission, admit AdmitFunc) (*model.Submission, error) {
	if draft == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("submission is nil")
	}
	created := *draft
	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		var locked int64
		if err := tx.QueryRow(ctx, "SELECT id FROM students WHERE id = ? FOR UPDATE", created.StudentID).Scan(&locked); err != nil {
			if db.IsNoRows(err) {
				return appErr.New(appErr.StudentNotFound).WithDetail("id", created.StudentID)
			}
			return appErr.Wrapf(err, appErr.DatabaseError, "lock student")
		}
		if admit != nil {
			if err := admit(ctx, &mysqlAdmission{q: tx}, &created); err != nil {
				return err
			}
		}
		if created.State == "" {
			created.State = model.StatePending
		}
		res, err := tx.Exec(ctx,
			`INSERT INTO submissions (assignment_id, student_id, submitted_at, file_path, state)
			 VALUES (?, ?, ?, ?, ?)`,
			created.AssignmentID, created.StudentID, created.SubmittedAt.UTC(), created.FilePath, string(created.State))
		if err != nil {
			return appErr.Wrapf(err, appErr.SubmissionCreateFailed, "insert submission")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return appErr.Wrapf(err, appErr.SubmissionCreateFailed, "read submission id")
		}
		created.ID = id
		return nil
	})
	if err != nil {
		if db.IsLockConflict(err) {
			return nil, appErr.Wrapf(err, appErr.TooManyRequests, "submission attempts are contending, retry shortly")
		}
		if _, ok := err.(*appErr.Error); ok {
			return nil, err
		}
		return nil, appErr.Wrapf(err, appErr.TransactionFailed, "create submission")
	}
	return &created, nil
}

func (r *MySQLRepository) MarkRunning(ctx context.Context, id int64, proc model.RunningProcess) (bool, error) {
	res, err := r.db.Exec(ctx,
		`UPDATE submissions
		 SET state = ?, grader_pid = ?, grader_start_time = ?, grader_proc_start = ?, grader_host = ?
		 WHERE id = ? AND complete = 0 AND grader_pid IS NULL`,
		string(model.StateRunning), proc.PID, proc.StartedAt.UTC(), proc.ProcStart, proc.Host, id)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "mark submission %d running", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "mark submission %d running", id)
	}
	return n == 1, nil
}

func (r *MySQLRepository) IsKillRequested(ctx context.Context, id int64) (bool, error) {
	var kill bool
	if err := r.db.QueryRow(ctx, "SELECT kill_requested FROM submissions WHERE id = ?", id).Scan(&kill); err != nil {
		if db.IsNoRows(err) {
			return false, appErr.New(appErr.SubmissionNotFound).WithDetail("id", id)
		}
		return false, appErr.Wrapf(err, appErr.DatabaseError, "read kill flag")
	}
	return kill, nil
}

func (r *MySQLRepository) RequestKill(ctx context.Context, id int64) error {
	res, err := r.db.Exec(ctx, "UPDATE submissions SET kill_requested = 1 WHERE id = ? AND complete = 0", id)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "request kill")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	sub, err := r.GetSubmission(ctx, id)
	if err != nil {
		return err
	}
	if sub.Complete {
		return appErr.New(appErr.SubmissionComplete).WithDetail("id", id)
	}
	// Already requested.
	return nil
}

func (r *MySQLRepository) Complete(ctx context.Context, id int64, c model.Completion) (bool, error) {
	if !c.State.Terminal() {
		return false, appErr.New(appErr.InvalidValue).WithMessagef("state %q is not terminal", c.State)
	}
	res, err := r.db.Exec(ctx,
		`UPDATE submissions
		 SET complete = 1, state = ?, has_been_graded = ?, points_received = ?,
		     grader_output = ?, grader_errors = ?, failure_code = ?
		 WHERE id = ? AND complete = 0`,
		string(c.State), c.State == model.StateGraded, nullFloat(c.PointsReceived),
		c.GraderOutput, c.GraderErrors, c.FailureCode, id)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "complete submission %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "complete submission %d", id)
	}
	return n == 1, nil
}

func (r *MySQLRepository) ListInFlight(ctx context.Context) ([]InFlight, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+prefixColumns("s.", submissionColumns)+", a.enable_grader_timeout, a.grader_timeout "+
			"FROM submissions s JOIN assignments a ON a.id = s.assignment_id "+
			"WHERE s.complete = 0 AND s.grader_start_time IS NOT NULL")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list in-flight submissions")
	}
	defer rows.Close()

	var out []InFlight
	for rows.Next() {
		var (
			item    InFlight
			seconds int
		)
		sub, err := scanSubmission(rows, &item.EnableTimeout, &seconds)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan in-flight submission")
		}
		item.Submission = *sub
		item.Timeout = time.Duration(seconds) * time.Second
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list in-flight submissions")
	}
	return out, nil
}

func (r *MySQLRepository) ListPending(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.Query(ctx,
		"SELECT id FROM submissions WHERE complete = 0 AND grader_pid IS NULL ORDER BY id LIMIT ?", limit)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list pending submissions")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan pending submission")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// mysqlAdmission answers limiter queries inside the creating transaction.
type mysqlAdmission struct {
	q db.Querier
}

func (m *mysqlAdmission) CountIncomplete(ctx context.Context, studentID int64) (int, error) {
	return m.count(ctx, "SELECT COUNT(*) FROM submissions WHERE student_id = ? AND complete = 0", studentID)
}

func (m *mysqlAdmission) CountSubmissions(ctx context.Context, studentID, assignmentID int64) (int, error) {
	return m.count(ctx, "SELECT COUNT(*) FROM submissions WHERE student_id = ? AND assignment_id = ?", studentID, assignmentID)
}

func (m *mysqlAdmission) CountSubmissionsSince(ctx context.Context, studentID, assignmentID int64, since time.Time) (int, error) {
	return m.count(ctx,
		"SELECT COUNT(*) FROM submissions WHERE student_id = ? AND assignment_id = ? AND submitted_at >= ?",
		studentID, assignmentID, since.UTC())
}

func (m *mysqlAdmission) GetCapOverride(ctx context.Context, assignmentID, studentID int64) (*model.SubmissionCapOverride, error) {
	var capBefore, capAfter sql.NullInt64
	err := m.q.QueryRow(ctx,
		"SELECT submission_cap, submission_cap_after_due FROM submission_cap_overrides WHERE assignment_id = ? AND student_id = ?",
		assignmentID, studentID).Scan(&capBefore, &capAfter)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get cap override")
	}
	return &model.SubmissionCapOverride{
		AssignmentID:          assignmentID,
		StudentID:             studentID,
		SubmissionCap:         nullIntPtr(capBefore),
		SubmissionCapAfterDue: nullIntPtr(capAfter),
	}, nil
}

func (m *mysqlAdmission) count(ctx context.Context, query string, args ...interface{}) (int, error) {
	var n int
	if err := m.q.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, appErr.Wrapf(err, appErr.DatabaseError, "count submissions")
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(row scanner, extra ...interface{}) (*model.Submission, error) {
	var (
		s            model.Submission
		output, errs sql.NullString
		points       sql.NullFloat64
		state        string
		pid          sql.NullInt64
		startTime    sql.NullTime
		procStart    sql.NullInt64
	)
	dest := []interface{}{
		&s.ID, &s.AssignmentID, &s.StudentID, &s.SubmittedAt, &s.FilePath, &output, &errs,
		&s.Complete, &s.HasBeenGraded, &points, &s.KillRequested, &state, &s.FailureCode,
		&pid, &startTime, &procStart, &s.GraderHost,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	s.SubmittedAt = s.SubmittedAt.UTC()
	s.GraderOutput = output.String
	s.GraderErrors = errs.String
	s.State = model.State(state)
	if points.Valid {
		v := points.Float64
		s.PointsReceived = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		s.GraderPID = &v
	}
	if startTime.Valid {
		v := startTime.Time.UTC()
		s.GraderStartTime = &v
	}
	if procStart.Valid {
		v := uint64(procStart.Int64)
		s.GraderProcStart = &v
	}
	return &s, nil
}

func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = prefix + p
	}
	return strings.Join(parts, ", ")
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func assignmentCacheKey(id int64) string {
	return fmt.Sprintf("%s%d", assignmentCacheKeyPrefix, id)
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
