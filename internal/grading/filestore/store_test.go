package filestore_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"gradebox/internal/common/storage"
	"gradebox/internal/grading/filestore"
	"gradebox/internal/grading/sandbox"
	appErr "gradebox/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

// fsWriter writes directly with O_EXCL semantics and records the grants it was given.
type fsWriter struct {
	mu        sync.Mutex
	mkdirRoot []string
	writes    []string
}

func (w *fsWriter) MkdirAll(ctx context.Context, dir, writableRoot string) error {
	w.mu.Lock()
	w.mkdirRoot = append(w.mkdirRoot, writableRoot)
	w.mu.Unlock()
	return os.MkdirAll(dir, 0o755)
}

func (w *fsWriter) WriteFile(ctx context.Context, path string, content []byte, exclusive bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if exclusive {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if errors.Is(err, os.ErrExist) {
		return filestore.ErrFileExists
	}
	if err != nil {
		return err
	}
	defer f.Close()
	w.mu.Lock()
	w.writes = append(w.writes, path)
	w.mu.Unlock()
	_, err = f.Write(content)
	return err
}

type failingBackup struct{}

func (failingBackup) Write(ctx context.Context, relPath string, content []byte) error {
	return errors.New("disk full")
}

func (failingBackup) Remove(ctx context.Context, relPath string) error {
	return errors.New("disk full")
}

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func newStore(t *testing.T, w filestore.FileWriter, opts ...filestore.Option) *filestore.Store {
	t.Helper()
	opts = append([]filestore.Option{filestore.WithClock(func() time.Time { return fixedNow })}, opts...)
	s, err := filestore.NewStore(filestore.Config{Root: t.TempDir(), MaxCollisions: 3}, w, opts...)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestSaveLayout(t *testing.T) {
	w := &fsWriter{}
	s := newStore(t, w)
	res, err := s.Save(context.Background(), filestore.SaveRequest{AssignmentID: 7, Username: "Alice.Smith", Extension: "py", Content: []byte("print(1)")})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	want := filepath.Join(s.Root(), "assignment-7", "alice-smith", "submission_2026-03-04_050607.py")
	if res.Path != want {
		t.Fatalf("unexpected path %s, want %s", res.Path, want)
	}
	if w.mkdirRoot[0] != s.AssignmentDir(7) {
		t.Fatalf("mkdir must only be granted the grandparent, got %s", w.mkdirRoot[0])
	}
	data, _ := os.ReadFile(res.Path)
	if string(data) != "print(1)" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestSameSecondSubmissionsGetDistinctFiles(t *testing.T) {
	s := newStore(t, &fsWriter{})
	var wg sync.WaitGroup
	paths := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Save(context.Background(), filestore.SaveRequest{AssignmentID: 1, Username: "bob", Extension: "py", Content: []byte{byte('a' + i)}})
			paths[i], errs[i] = res.Path, err
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	if paths[0] == paths[1] {
		t.Fatalf("both submissions stored at %s", paths[0])
	}
	a, _ := os.ReadFile(paths[0])
	b, _ := os.ReadFile(paths[1])
	if bytes.Equal(a, b) {
		t.Fatalf("one submission overwrote the other")
	}
}

func TestCollisionsExhaustedIsRace(t *testing.T) {
	s := newStore(t, &fsWriter{})
	req := filestore.SaveRequest{AssignmentID: 1, Username: "bob", Extension: "py", Content: []byte("x")}
	for i := 0; i < 4; i++ {
		res, err := s.Save(context.Background(), req)
		if err != nil {
			t.Fatalf("save %d failed: %v", i, err)
		}
		if i > 0 && !strings.HasSuffix(res.Path, "_"+string(rune('0'+i))+".py") {
			t.Fatalf("expected suffix _%d, got %s", i, res.Path)
		}
	}
	if _, err := s.Save(context.Background(), req); appErr.GetCode(err) != appErr.FileStoreRace {
		t.Fatalf("expected FileStoreRace, got %v", err)
	}
}

func TestHostileUsernameStaysInAssignmentDir(t *testing.T) {
	s := newStore(t, &fsWriter{})
	for _, name := range []string{"../../etc", "..", "/root/.ssh", "a/../../b", ""} {
		res, err := s.Save(context.Background(), filestore.SaveRequest{AssignmentID: 3, Username: name, Extension: "py", Content: []byte("x")})
		if err != nil {
			t.Fatalf("save %q failed: %v", name, err)
		}
		rel, err := filepath.Rel(s.AssignmentDir(3), res.Path)
		if err != nil || strings.HasPrefix(rel, "..") || strings.Count(rel, string(filepath.Separator)) != 1 {
			t.Fatalf("username %q escaped: %s", name, res.Path)
		}
	}
}

func TestBackupFailureIsAWarning(t *testing.T) {
	s := newStore(t, &fsWriter{}, filestore.WithBackup(failingBackup{}))
	res, err := s.Save(context.Background(), filestore.SaveRequest{AssignmentID: 1, Username: "c", Extension: "py", Content: []byte("x")})
	if err != nil {
		t.Fatalf("backup failure must not fail save: %v", err)
	}
	if appErr.GetCode(res.BackupErr) != appErr.BackupFailed {
		t.Fatalf("expected BackupFailed warning, got %v", res.BackupErr)
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Fatalf("primary copy missing: %v", err)
	}
}

func TestDirBackupMirrorsLayout(t *testing.T) {
	backupRoot := t.TempDir()
	s := newStore(t, &fsWriter{}, filestore.WithBackup(&filestore.DirBackup{Root: backupRoot}))
	res, err := s.Save(context.Background(), filestore.SaveRequest{AssignmentID: 2, Username: "d", Extension: "py", Content: []byte("hello")})
	if err != nil || res.BackupErr != nil {
		t.Fatalf("save failed: %v / %v", err, res.BackupErr)
	}
	rel, _ := filepath.Rel(s.Root(), res.Path)
	data, err := os.ReadFile(filepath.Join(backupRoot, rel))
	if err != nil || string(data) != "hello" {
		t.Fatalf("backup copy missing or wrong: %q %v", data, err)
	}
}

func TestSaveRejectsOversizedAndBadExtension(t *testing.T) {
	s, err := filestore.NewStore(filestore.Config{Root: t.TempDir(), MaxSubmissionBytes: 4}, &fsWriter{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, err = s.Save(context.Background(), filestore.SaveRequest{AssignmentID: 1, Username: "e", Extension: "py", Content: []byte("12345")})
	if appErr.GetCode(err) != appErr.CodeTooLarge {
		t.Fatalf("expected CodeTooLarge, got %v", err)
	}
	_, err = s.Save(context.Background(), filestore.SaveRequest{AssignmentID: 1, Username: "e", Extension: "py/../x", Content: []byte("1")})
	if appErr.GetCode(err) != appErr.ValidationFailed {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSaveGraderOverwrites(t *testing.T) {
	w := &fsWriter{}
	s := newStore(t, w)
	for _, body := range []string{"v1", "v2"} {
		path, err := s.SaveGrader(context.Background(), 9, []byte(body))
		if err != nil {
			t.Fatalf("save grader: %v", err)
		}
		data, _ := os.ReadFile(path)
		if string(data) != body {
			t.Fatalf("expected %s, got %s", body, data)
		}
	}
	if w.mkdirRoot[0] != s.Root() {
		t.Fatalf("grader mkdir must be granted the store root, got %s", w.mkdirRoot[0])
	}
}

func TestSandboxedWriterExclusive(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("sh not available")
	}
	b, err := sandbox.NewBuilder(sandbox.Config{Insecure: true})
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	w := filestore.NewSandboxedFileWriter(b)
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := w.MkdirAll(context.Background(), dir, filepath.Dir(dir)); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	target := filepath.Join(dir, "f.py")
	if err := w.WriteFile(context.Background(), target, []byte("one"), true); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := w.WriteFile(context.Background(), target, []byte("two"), true); !errors.Is(err, filestore.ErrFileExists) {
		t.Fatalf("expected ErrFileExists, got %v", err)
	}
	if err := w.WriteFile(context.Background(), target, []byte("three"), false); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "three" {
		t.Fatalf("unexpected content %q", data)
	}
}

type memObjects struct {
	objects map[string][]byte
	opts    map[string]storage.PutOptions
}

func (m *memObjects) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts storage.PutOptions) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[bucket+"/"+key] = data
	if m.opts != nil {
		m.opts[bucket+"/"+key] = opts
	}
	return nil
}

func (m *memObjects) RemoveObject(ctx context.Context, bucket, key string) error {
	delete(m.objects, bucket+"/"+key)
	return nil
}

func TestObjectBackupCompressedRoundTrip(t *testing.T) {
	objs := &memObjects{objects: map[string][]byte{}, opts: map[string]storage.PutOptions{}}
	b := &filestore.ObjectBackup{Storage: objs, Bucket: "backups", Prefix: "submissions", Compress: true}
	content := []byte(strings.Repeat("def solve():\n    return 42\n", 50))
	if err := b.Write(context.Background(), "assignment-1/bob/submission.py", content); err != nil {
		t.Fatalf("write: %v", err)
	}
	stored := objs.objects["backups/submissions/assignment-1/bob/submission.py.zst"]
	if len(stored) == 0 || len(stored) >= len(content) {
		t.Fatalf("expected compressed object, got %d bytes", len(stored))
	}
	opts := objs.opts["backups/submissions/assignment-1/bob/submission.py.zst"]
	if opts.ContentType != "application/zstd" || opts.Metadata["original-size"] != strconv.Itoa(len(content)) {
		t.Fatalf("unexpected object options %+v", opts)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	got, err := dec.DecodeAll(stored, nil)
	if err != nil || !bytes.Equal(got, content) {
		t.Fatalf("round trip mismatch: %v", err)
	}
}

func TestDiscardRemovesFileAndBackups(t *testing.T) {
	objs := &memObjects{objects: map[string][]byte{}}
	backupDir := t.TempDir()
	backups := filestore.MultiBackup{
		&filestore.DirBackup{Root: backupDir},
		&filestore.ObjectBackup{Storage: objs, Bucket: "backups", Compress: true},
	}
	s := newStore(t, &fsWriter{}, filestore.WithBackup(backups))
	ctx := context.Background()

	res, err := s.Save(ctx, filestore.SaveRequest{AssignmentID: 2, Username: "eve", Extension: "py", Content: []byte("x = 1")})
	if err != nil || res.BackupErr != nil {
		t.Fatalf("save: %v / %v", err, res.BackupErr)
	}
	rel := "assignment-2/eve/submission_2026-03-04_050607.py"
	if _, err := os.Stat(filepath.Join(backupDir, filepath.FromSlash(rel))); err != nil {
		t.Fatalf("dir backup missing: %v", err)
	}
	if len(objs.objects) != 1 {
		t.Fatalf("expected one object backup, got %d", len(objs.objects))
	}

	if err := s.Discard(ctx, res.Path); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := os.Stat(res.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("primary file still present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(backupDir, filepath.FromSlash(rel))); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("dir backup still present: %v", err)
	}
	if len(objs.objects) != 0 {
		t.Fatalf("object backup still present: %v", objs.objects)
	}
	if err := s.Discard(ctx, res.Path); err != nil {
		t.Fatalf("discarding twice should be a no-op, got %v", err)
	}
}

func TestDiscardRefusesPathsOutsideRoot(t *testing.T) {
	s := newStore(t, &fsWriter{})
	outside := filepath.Join(t.TempDir(), "keep.txt")
	if err := os.WriteFile(outside, []byte("keep"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, p := range []string{outside, s.Root(), filepath.Join(s.Root(), "..", "x")} {
		if err := s.Discard(context.Background(), p); appErr.GetCode(err) != appErr.FileStoreFailed {
			t.Fatalf("Discard(%q) should be refused, got %v", p, err)
		}
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("file outside the store was touched: %v", err)
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Alice":        "alice",
		"../../etc":    "etc",
		"":             "student",
		"---":          "student",
		"UPPER lower ": "upper-lower",
		"José":         "jose",
		"José_Ñ 12":    "jose_n-12",
		"Łukasz Ćwik":  "lukasz-cwik",
		"Дмитрий":      "dmitrii",
	}
	for in, want := range cases {
		if got := filestore.Slugify(in); got != want {
			t.Fatalf("Slugify(%q)=%q want %q", in, got, want)
		}
	}
}

func TestSlugifyKeepsNonLatinNamesApart(t *testing.T) {
	names := []string{"张伟", "李娜", "Дмитрий", "Ольга"}
	seen := map[string]string{}
	for _, name := range names {
		got := filestore.Slugify(name)
		if got == "student" {
			t.Fatalf("Slugify(%q) fell back to the shared directory", name)
		}
		for _, r := range got {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
				t.Fatalf("Slugify(%q)=%q has unsafe rune %q", name, got, r)
			}
		}
		if prev, dup := seen[got]; dup {
			t.Fatalf("%q and %q share slug %q", prev, name, got)
		}
		seen[got] = name
	}
}

func TestSlugifyCapsLength(t *testing.T) {
	got := filestore.Slugify(strings.Repeat("ab ", 50))
	if len(got) > 64 || strings.HasSuffix(got, "-") {
		t.Fatalf("unexpected capped slug %q (%d)", got, len(got))
	}
}
