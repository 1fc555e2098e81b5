package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	commonmw "gradebox/internal/common/http/middleware"
	"gradebox/internal/common/mq"
	"gradebox/internal/grading/controller"
	"gradebox/internal/grading/filestore"
	"gradebox/internal/grading/limiter"
	"gradebox/internal/grading/model"
	"gradebox/internal/grading/reconciler"
	"gradebox/internal/grading/repository"
	"gradebox/internal/grading/sandbox"
	"gradebox/internal/grading/service"
	appErr "gradebox/pkg/errors"

	"github.com/gin-gonic/gin"
)

type fakeSweeper struct{ calls int }

func (f *fakeSweeper) Sweep(ctx context.Context) (reconciler.Report, error) {
	f.calls++
	return reconciler.Report{Crashed: 1, TimedOut: 2}, nil
}

type apiResponse struct {
	Code    appErr.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    json.RawMessage  `json:"data"`
}

func intPtr(v int) *int { return &v }

func newRouter(t *testing.T, sweeper controller.Sweeper) (*gin.Engine, *repository.MemoryRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	builder, err := sandbox.NewBuilder(sandbox.Config{Insecure: true})
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	files, err := filestore.NewStore(filestore.Config{Root: t.TempDir()}, filestore.NewSandboxedFileWriter(builder))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	repo := repository.NewMemoryRepository()
	repo.PutStudent(model.Student{ID: 1, Username: "alice"})
	repo.PutStudent(model.Student{ID: 2, Username: "bob"})
	repo.PutAssignment(model.Assignment{ID: 4, GraderFile: "/srv/grader.py", SubmissionCap: intPtr(1)})
	svc, err := service.NewSubmissionService(service.Config{
		Repo:    repo,
		Files:   files,
		Limiter: limiter.New(limiter.Config{}),
		Queue:   mq.NewMemoryQueue(16),
		Topic:   "grading.tasks",
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	r := gin.New()
	r.Use(commonmw.TraceContextMiddleware())
	controller.NewGradingController(svc, sweeper, 1024).RegisterRoutes(r)
	return r, repo
}

func upload(t *testing.T, method, url, user, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if content != nil {
		part, err := w.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		part.Write(content)
	}
	for k, v := range fields {
		w.WriteField(k, v)
	}
	w.Close()
	req := httptest.NewRequest(method, url, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	return req
}

func do(t *testing.T, r http.Handler, req *http.Request) (int, apiResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	var resp apiResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return rec.Code, resp
}

func TestSubmitAndRead(t *testing.T) {
	r, _ := newRouter(t, nil)

	code, resp := do(t, r, upload(t, http.MethodPost, "/api/v1/assignments/4/submissions", "1", "main.py", []byte("print(1)"), nil))
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", code, resp.Message)
	}
	var accepted controller.SubmitResponse
	if err := json.Unmarshal(resp.Data, &accepted); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if accepted.SubmissionID == 0 || accepted.State != string(model.StatePending) {
		t.Fatalf("unexpected response %+v", accepted)
	}
	id := strconv.FormatInt(accepted.SubmissionID, 10)

	code, resp = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/submissions/"+id+"/status", nil))
	if code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	var st repository.Status
	json.Unmarshal(resp.Data, &st)
	if st.State != model.StatePending {
		t.Fatalf("unexpected status %+v", st)
	}

	code, _ = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/submissions/"+id, nil))
	if code != http.StatusOK {
		t.Fatalf("get: %d", code)
	}

	// Cap of one: the second upload is refused.
	code, resp = do(t, r, upload(t, http.MethodPost, "/api/v1/assignments/4/submissions", "1", "main.py", []byte("print(2)"), nil))
	if code != http.StatusForbidden || resp.Code != appErr.QuotaExceeded {
		t.Fatalf("expected quota denial, got %d/%d", code, resp.Code)
	}
}

func TestSubmitRejections(t *testing.T) {
	r, _ := newRouter(t, nil)
	cases := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"no user", upload(t, http.MethodPost, "/api/v1/assignments/4/submissions", "", "a.py", []byte("x"), nil), http.StatusUnauthorized},
		{"bad id", upload(t, http.MethodPost, "/api/v1/assignments/abc/submissions", "1", "a.py", []byte("x"), nil), http.StatusBadRequest},
		{"no file", upload(t, http.MethodPost, "/api/v1/assignments/4/submissions", "1", "", nil, nil), http.StatusBadRequest},
		{"too large", upload(t, http.MethodPost, "/api/v1/assignments/4/submissions", "1", "a.py", bytes.Repeat([]byte("x"), 2048), nil), http.StatusRequestEntityTooLarge},
		{"unknown assignment", upload(t, http.MethodPost, "/api/v1/assignments/9/submissions", "1", "a.py", []byte("x"), nil), http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code, resp := do(t, r, tc.req); code != tc.want {
				t.Fatalf("want %d, got %d (%s)", tc.want, code, resp.Message)
			}
		})
	}
}

func TestKillRoute(t *testing.T) {
	r, repo := newRouter(t, nil)
	sub, err := repo.CreateSubmission(context.Background(), &model.Submission{AssignmentID: 4, StudentID: 1}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	url := "/api/v1/submissions/" + strconv.FormatInt(sub.ID, 10) + "/kill"

	req := httptest.NewRequest(http.MethodPost, url, nil)
	req.Header.Set("X-User-Id", "2")
	if code, _ := do(t, r, req); code != http.StatusForbidden {
		t.Fatalf("non-owner kill: %d", code)
	}
	req = httptest.NewRequest(http.MethodPost, url, nil)
	req.Header.Set("X-User-Id", "1")
	if code, _ := do(t, r, req); code != http.StatusOK {
		t.Fatalf("owner kill: %d", code)
	}
	if ok, _ := repo.IsKillRequested(context.Background(), sub.ID); !ok {
		t.Fatalf("kill flag not set")
	}
	if code, _ := do(t, r, httptest.NewRequest(http.MethodPost, "/api/v1/submissions/999/kill", nil)); code != http.StatusNotFound {
		t.Fatalf("unknown submission: %d", code)
	}
}

func TestUploadGrader(t *testing.T) {
	r, repo := newRouter(t, nil)
	code, resp := do(t, r, upload(t, http.MethodPut, "/api/v1/assignments/4/grader", "", "grader.py", []byte("print('Score: 1%')"), map[string]string{"timeout_seconds": "5"}))
	if code != http.StatusBadRequest || resp.Code != appErr.GraderTimeoutBounds {
		t.Fatalf("expected timeout bounds, got %d/%d", code, resp.Code)
	}
	code, resp = do(t, r, upload(t, http.MethodPut, "/api/v1/assignments/4/grader", "", "grader.py", []byte("print('Score: 1%')"),
		map[string]string{"timeout_seconds": "45", "enable_timeout": "true"}))
	if code != http.StatusOK {
		t.Fatalf("upload grader: %d (%s)", code, resp.Message)
	}
	a, _ := repo.GetAssignment(context.Background(), 4)
	if a.GraderTimeoutSeconds != 45 || !a.EnableGraderTimeout {
		t.Fatalf("timeout not stored: %+v", a)
	}
}

func TestReconcileRoute(t *testing.T) {
	sweeper := &fakeSweeper{}
	r, _ := newRouter(t, sweeper)
	code, resp := do(t, r, httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconcile", nil))
	if code != http.StatusOK || sweeper.calls != 1 {
		t.Fatalf("reconcile: %d calls=%d", code, sweeper.calls)
	}
	var report controller.ReconcileResponse
	json.Unmarshal(resp.Data, &report)
	if report.Crashed != 1 || report.TimedOut != 2 {
		t.Fatalf("unexpected report %+v", report)
	}

	r, _ = newRouter(t, nil)
	if code, _ := do(t, r, httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconcile", nil)); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without reconciler, got %d", code)
	}
}

func TestSaveOverrideRoute(t *testing.T) {
	r, _ := newRouter(t, nil)
	put := func(path, body string) (int, apiResponse) {
		req := httptest.NewRequest(http.MethodPut, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		return do(t, r, req)
	}
	if code, resp := put("/api/v1/assignments/4/overrides/2", `{"submission_cap": 2}`); code != http.StatusOK {
		t.Fatalf("save override: %d (%s)", code, resp.Message)
	}
	if code, _ := put("/api/v1/assignments/4/overrides/x", `{}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad student id, got %d", code)
	}
	if code, _ := put("/api/v1/assignments/4/overrides/2", `{"submission_cap": -1}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative cap, got %d", code)
	}

	for i := 0; i < 2; i++ {
		code, resp := do(t, r, upload(t, http.MethodPost, "/api/v1/assignments/4/submissions", "2", "main.py", []byte("print(1)"), nil))
		if code != http.StatusAccepted {
			t.Fatalf("submission %d: %d (%s)", i, code, resp.Message)
		}
	}
	code, resp := do(t, r, upload(t, http.MethodPost, "/api/v1/assignments/4/submissions", "2", "main.py", []byte("print(1)"), nil))
	if code != http.StatusForbidden || resp.Code != appErr.QuotaExceeded {
		t.Fatalf("expected quota denial after override cap, got %d/%d", code, resp.Code)
	}
}

func TestGetHidesCrashDiagnosticsFromStudent(t *testing.T) {
	r, repo := newRouter(t, nil)
	code, resp := do(t, r, upload(t, http.MethodPost, "/api/v1/assignments/4/submissions", "1", "main.py", []byte("print(1)"), nil))
	if code != http.StatusAccepted {
		t.Fatalf("submit: %d (%s)", code, resp.Message)
	}
	var accepted controller.SubmitResponse
	json.Unmarshal(resp.Data, &accepted)
	if _, err := repo.Complete(context.Background(), accepted.SubmissionID, model.Completion{
		State:        model.StateErrored,
		GraderErrors: "Traceback: /srv/grader.py line 3 ANSWER=42",
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	get := func(user, role string) model.SubmissionView {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/submissions/"+strconv.FormatInt(accepted.SubmissionID, 10), nil)
		req.Header.Set("X-User-Id", user)
		if role != "" {
			req.Header.Set("X-User-Role", role)
		}
		code, resp := do(t, r, req)
		if code != http.StatusOK {
			t.Fatalf("get: %d", code)
		}
		var v model.SubmissionView
		if err := json.Unmarshal(resp.Data, &v); err != nil {
			t.Fatalf("decode view: %v", err)
		}
		return v
	}

	if v := get("1", ""); v.GraderErrors != "" || v.Message != "Grading failed" {
		t.Fatalf("submitting student got diagnostics: %+v", v)
	}
	if v := get("1", "student"); v.GraderErrors != "" {
		t.Fatalf("student role got diagnostics: %+v", v)
	}
	if v := get("50", "staff"); v.GraderErrors == "" {
		t.Fatalf("staff should see diagnostics: %+v", v)
	}
}
