package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/paperrepro/internal/errors"
)

// FileBackend stores each key as a file under a base directory. Writes go
// through a temp file and a rename so readers never see partial data.
type FileBackend struct {
	fs      afero.Fs
	baseDir string
	mu      sync.RWMutex
}

// NewFileBackend creates a backend rooted at baseDir on fs. The directory is
// created if needed. Pass afero.NewOsFs() in production and
// afero.NewMemMapFs() in tests.
func NewFileBackend(fs afero.Fs, baseDir string) (*FileBackend, error) {
	if err := fs.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileBackend{fs: fs, baseDir: baseDir}, nil
}

// Put persists data with an atomic write.
func (b *FileBackend) Put(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write(key, data)
}

// PutIfNotExists persists data unless key is already present.
func (b *FileBackend) PutIfNotExists(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	exists, err := afero.Exists(b.fs, b.keyToPath(key))
	if err != nil {
		return fmt.Errorf("failed to check checkpoint existence: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", errors.ErrCheckpointExists, key)
	}
	return b.write(key, data)
}

// Get reads the data stored under key.
func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, err := afero.ReadFile(b.fs, b.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errors.ErrCheckpointNotFound, key)
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return data, nil
}

// List returns all objects whose key starts with prefix.
func (b *FileBackend) List(ctx context.Context, prefix string) ([]Object, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Walk only the directory part of the prefix.
	searchDir := b.baseDir
	if dir := path.Dir(prefix); dir != "." && dir != "/" {
		searchDir = b.keyToPath(dir)
	}

	var objects []Object
	err := afero.Walk(b.fs, searchDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(b.baseDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, Object{Key: key, Size: info.Size(), ModTime: info.ModTime()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return objects, nil
}

// Close is a no-op for file storage.
func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) keyToPath(key string) string {
	return filepath.Join(b.baseDir, filepath.FromSlash(key))
}

// write performs the temp-file-and-rename dance. Callers hold b.mu.
func (b *FileBackend) write(key string, data []byte) error {
	target := b.keyToPath(key)
	dir := filepath.Dir(target)
	if err := b.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := afero.TempFile(b.fs, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = b.fs.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := b.fs.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := b.fs.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}
