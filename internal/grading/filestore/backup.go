package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"gradebox/internal/common/storage"

	"github.com/klauspost/compress/zstd"
)

// Backup keeps a second copy of every stored submission for plagiarism tooling.
// Remove drops the copy of a submission that was never recorded.
type Backup interface {
	Write(ctx context.Context, relPath string, content []byte) error
	Remove(ctx context.Context, relPath string) error
}

// DirBackup writes copies under a system-controlled directory.
type DirBackup struct {
	Root string
}

func (b *DirBackup) Write(ctx context.Context, relPath string, content []byte) error {
	target := filepath.Join(b.Root, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	if err := os.WriteFile(target, content, 0o640); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	return nil
}

func (b *DirBackup) Remove(ctx context.Context, relPath string) error {
	err := os.Remove(filepath.Join(b.Root, filepath.FromSlash(relPath)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove backup: %w", err)
	}
	return nil
}

// ObjectBackup uploads copies to object storage, optionally zstd-compressed.
type ObjectBackup struct {
	Storage  storage.ObjectStorage
	Bucket   string
	Prefix   string
	Compress bool
}

func (b *ObjectBackup) Write(ctx context.Context, relPath string, content []byte) error {
	key := b.key(relPath)
	body := content
	opts := storage.PutOptions{
		ContentType: "text/plain",
		Metadata: map[string]string{
			"submission-path": relPath,
			"original-size":   strconv.Itoa(len(content)),
		},
	}
	if b.Compress {
		compressed, err := compressZstd(content)
		if err != nil {
			return err
		}
		body = compressed
		opts.ContentType = "application/zstd"
	}
	return b.Storage.PutObject(ctx, b.Bucket, key, bytes.NewReader(body), int64(len(body)), opts)
}

func (b *ObjectBackup) key(relPath string) string {
	key := path.Join(b.Prefix, relPath)
	if b.Compress {
		key += ".zst"
	}
	return key
}

func (b *ObjectBackup) Remove(ctx context.Context, relPath string) error {
	return b.Storage.RemoveObject(ctx, b.Bucket, b.key(relPath))
}

func compressZstd(content []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(content, make([]byte, 0, len(content)/2)), nil
}

// MultiBackup writes to every target and joins their failures.
type MultiBackup []Backup

func (m MultiBackup) Write(ctx context.Context, relPath string, content []byte) error {
	var errs []error
	for _, b := range m {
		if err := b.Write(ctx, relPath, content); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiBackup) Remove(ctx context.Context, relPath string) error {
	var errs []error
	for _, b := range m {
		if err := b.Remove(ctx, relPath); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
