package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"gradebox/internal/grading/sandbox"
	appErr "gradebox/pkg/errors"
)

// ErrFileExists is returned by an exclusive write when the target already exists.
var ErrFileExists = errors.New("file already exists")

const (
	existsExitCode = 17
	maxStderrBytes = 4 << 10

	// Sandbox setup failures exit in this range; see cmd/sandbox-init.
	SetupExitMin = 240
	SetupExitMax = 247
)

// exclusiveScript creates "$1" with O_EXCL through noclobber, then streams stdin into it.
const exclusiveScript = `set -C
if ! : > "$1" 2>/dev/null; then
	if [ -e "$1" ] || [ -L "$1" ]; then exit 17; fi
	exit 1
fi
exec cat >> "$1"`

const overwriteScript = `exec cat > "$1"`

// FileWriter performs the filesystem writes for user-influenced paths.
type FileWriter interface {
	// MkdirAll creates dir; only writableRoot may be modified.
	MkdirAll(ctx context.Context, dir, writableRoot string) error
	// WriteFile writes content to path; only the parent of path may be modified.
	// With exclusive set an existing path yields ErrFileExists.
	WriteFile(ctx context.Context, path string, content []byte, exclusive bool) error
}

// SandboxedFileWriter runs mkdir and the write through sandbox-init, so a symlink
// planted in the tree cannot redirect the write outside the granted directory.
type SandboxedFileWriter struct {
	builder *sandbox.Builder
}

func NewSandboxedFileWriter(builder *sandbox.Builder) *SandboxedFileWriter {
	return &SandboxedFileWriter{builder: builder}
}

func (w *SandboxedFileWriter) MkdirAll(ctx context.Context, dir, writableRoot string) error {
	argv, err := w.builder.Build(ctx, sandbox.Request{
		Command:       []string{"mkdir", "-p", "--", dir},
		WritablePaths: []string{writableRoot},
	})
	if err != nil {
		return err
	}
	if _, err := run(ctx, argv, nil); err != nil {
		if appErr.Is(err, appErr.SandboxUnavailable) {
			return err
		}
		return appErr.Wrapf(err, appErr.FileStoreFailed, "create directory %s", dir)
	}
	return nil
}

func (w *SandboxedFileWriter) WriteFile(ctx context.Context, path string, content []byte, exclusive bool) error {
	script := overwriteScript
	if exclusive {
		script = exclusiveScript
	}
	argv, err := w.builder.Build(ctx, sandbox.Request{
		Command:       []string{"sh", "-c", script, "sh", path},
		WritablePaths: []string{filepath.Dir(path)},
	})
	if err != nil {
		return err
	}
	code, err := run(ctx, argv, content)
	if exclusive && code == existsExitCode {
		return ErrFileExists
	}
	if err != nil {
		if appErr.Is(err, appErr.SandboxUnavailable) {
			return err
		}
		return appErr.Wrapf(err, appErr.FileStoreFailed, "write %s", path)
	}
	return nil
}

// run executes argv and classifies sandbox setup failures.
func run(ctx context.Context, argv []string, stdin []byte) (int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	stderr := &limitedBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, appErr.Wrapf(err, appErr.SandboxUnavailable, "start %s", argv[0])
	}
	code := exitErr.ExitCode()
	msg := strings.TrimSpace(stderr.String())
	if code >= SetupExitMin && code <= SetupExitMax {
		return code, appErr.Newf(appErr.SandboxUnavailable, "sandbox setup failed (exit %d): %s", code, msg)
	}
	if msg == "" {
		return code, exitErr
	}
	return code, fmt.Errorf("%w: %s", exitErr, msg)
}

type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
