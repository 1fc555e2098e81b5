package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	appErr "gradebox/pkg/errors"
	"gradebox/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultMaxSubmissionBytes = 1 << 20
	defaultMaxCollisions      = 16
	graderFileName            = "grader.py"
	timestampLayout           = "2006-01-02_150405"
)

var extensionPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,10}$`)

// Config controls the on-disk layout and limits of the store.
type Config struct {
	Root               string `yaml:"root"`
	BackupDir          string `yaml:"backupDir"`
	MaxSubmissionBytes int64  `yaml:"maxSubmissionBytes"`
	MaxCollisions      int    `yaml:"maxCollisions"`
}

// SaveRequest carries one submission file.
type SaveRequest struct {
	AssignmentID int64
	Username     string
	Extension    string
	Content      []byte
}

// SaveResult is the outcome of Save. BackupErr is a warning: the primary
// copy was stored even when it is set.
type SaveResult struct {
	Path      string
	BackupErr error
}

// Store lays out submission and grader files under Root.
type Store struct {
	root          string
	writer        FileWriter
	backup        Backup
	maxBytes      int64
	maxCollisions int
	now           func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithBackup sets the backup target.
func WithBackup(b Backup) Option {
	return func(s *Store) { s.backup = b }
}

// WithClock overrides the time source used for file names.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore validates cfg and builds a store writing through writer.
func NewStore(cfg Config, writer FileWriter, opts ...Option) (*Store, error) {
	if writer == nil {
		return nil, fmt.Errorf("file writer is required")
	}
	if cfg.Root == "" || !filepath.IsAbs(cfg.Root) {
		return nil, fmt.Errorf("store root must be an absolute path")
	}
	s := &Store{
		root:          filepath.Clean(cfg.Root),
		writer:        writer,
		maxBytes:      cfg.MaxSubmissionBytes,
		maxCollisions: cfg.MaxCollisions,
		now:           time.Now,
	}
	if s.maxBytes <= 0 {
		s.maxBytes = defaultMaxSubmissionBytes
	}
	if s.maxCollisions <= 0 {
		s.maxCollisions = defaultMaxCollisions
	}
	if cfg.BackupDir != "" {
		s.backup = &DirBackup{Root: cfg.BackupDir}
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(s.root, 0o750); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return s, nil
}

// Root returns the store root directory.
func (s *Store) Root() string {
	return s.root
}

// AssignmentDir returns the directory holding an assignment's files.
func (s *Store) AssignmentDir(assignmentID int64) string {
	return filepath.Join(s.root, fmt.Sprintf("assignment-%d", assignmentID))
}

// Save stores a submission at
// assignment-<id>/<slug>/submission_<UTC timestamp>[_N].<ext>.
// A name that already exists is never overwritten.
func (s *Store) Save(ctx context.Context, req SaveRequest) (SaveResult, error) {
	if req.AssignmentID <= 0 {
		return SaveResult{}, appErr.ValidationError("assignment_id", "must be positive")
	}
	if !extensionPattern.MatchString(req.Extension) {
		return SaveResult{}, appErr.ValidationError("extension", "must be 1-10 alphanumeric characters")
	}
	if int64(len(req.Content)) > s.maxBytes {
		return SaveResult{}, appErr.New(appErr.CodeTooLarge).
			WithDetail("limit", s.maxBytes).
			WithDetail("size", len(req.Content))
	}

	assignmentDir := s.AssignmentDir(req.AssignmentID)
	// The assignment directory name is derived from an integer id only.
	if err := os.MkdirAll(assignmentDir, 0o750); err != nil {
		return SaveResult{}, appErr.Wrapf(err, appErr.FileStoreFailed, "create assignment directory")
	}
	studentDir := filepath.Join(assignmentDir, Slugify(req.Username))
	if err := s.writer.MkdirAll(ctx, studentDir, assignmentDir); err != nil {
		return SaveResult{}, err
	}

	base := "submission_" + s.now().UTC().Format(timestampLayout)
	for i := 0; i <= s.maxCollisions; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		target := filepath.Join(studentDir, name+"."+req.Extension)
		err := s.writer.WriteFile(ctx, target, req.Content, true)
		if errors.Is(err, ErrFileExists) {
			continue
		}
		if err != nil {
			return SaveResult{}, err
		}
		return SaveResult{Path: target, BackupErr: s.writeBackup(ctx, target, req.Content)}, nil
	}
	return SaveResult{}, appErr.New(appErr.FileStoreRace).WithDetail("attempts", s.maxCollisions+1)
}

// SaveGrader replaces the grader file of an assignment.
func (s *Store) SaveGrader(ctx context.Context, assignmentID int64, content []byte) (string, error) {
	if assignmentID <= 0 {
		return "", appErr.ValidationError("assignment_id", "must be positive")
	}
	if int64(len(content)) > s.maxBytes {
		return "", appErr.New(appErr.CodeTooLarge).WithDetail("limit", s.maxBytes)
	}
	dir := s.AssignmentDir(assignmentID)
	if err := s.writer.MkdirAll(ctx, dir, s.root); err != nil {
		return "", err
	}
	target := filepath.Join(dir, graderFileName)
	if err := s.writer.WriteFile(ctx, target, content, false); err != nil {
		return "", err
	}
	return target, nil
}

// Discard removes a submission file saved by Save, and its backups, when the
// submission it was saved for is never recorded. Paths outside the store
// root are refused.
func (s *Store) Discard(ctx context.Context, target string) error {
	rel, err := filepath.Rel(s.root, filepath.Clean(target))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return appErr.New(appErr.FileStoreFailed).WithMessagef("refusing to discard %q outside the store", target)
	}
	var errs []error
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	if s.backup != nil {
		if err := s.backup.Remove(ctx, filepath.ToSlash(rel)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return appErr.Wrapf(err, appErr.FileStoreFailed, "discard %s", rel)
	}
	return nil
}

func (s *Store) writeBackup(ctx context.Context, target string, content []byte) error {
	if s.backup == nil {
		return nil
	}
	rel, err := filepath.Rel(s.root, target)
	if err != nil {
		return appErr.Wrapf(err, appErr.BackupFailed, "resolve backup path")
	}
	if err := s.backup.Write(ctx, filepath.ToSlash(rel), content); err != nil {
		logger.Warn(ctx, "submission backup failed", zap.String("path", target), zap.Error(err))
		return appErr.Wrapf(err, appErr.BackupFailed, "backup %s", rel)
	}
	return nil
}
