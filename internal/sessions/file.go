package sessions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

const (
	sessionDirMode  = 0o700
	sessionFileMode = 0o600
	sessionFileExt  = ".jsonl"
)

// FileBackend stores one JSONL file per session under a directory.
// Writes go to a temp file that is fsynced and renamed over the target,
// so readers never observe a partially written history.
type FileBackend struct {
	dir string
}

// NewFileBackend creates the session directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, sessionDirMode); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) Kind() string { return "file" }

// Path returns the file that holds key's history.
func (b *FileBackend) Path(key string) string {
	return filepath.Join(b.dir, EncodeKey(key)+sessionFileExt)
}

func (b *FileBackend) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	return data, nil
}

func (b *FileBackend) Write(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := b.Path(key)

	tmp, err := os.CreateTemp(b.dir, ".tmp-*"+sessionFileExt)
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp session file: %w", err)
	}
	if err := os.Chmod(tmpPath, sessionFileMode); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp session file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		cleanup()
		return fmt.Errorf("rename session file: %w", err)
	}

	// Persist the rename itself.
	if d, err := os.Open(b.dir); err == nil {
		if err := d.Sync(); err != nil {
			log.Debug().Err(err).Str("dir", b.dir).Msg("Session dir fsync failed")
		}
		d.Close()
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }
