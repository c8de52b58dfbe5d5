package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	directoryMode = 0o755
	fileMode      = 0o644
	tempPattern   = ".ledger-*.tmp"
)

// ErrEmptyPath is returned by New when no path is configured.
var ErrEmptyPath = errors.New("ledger file path is empty")

// Backend keeps the ledger document in a single JSON file. Updates are serialized by a process-wide
// mutex and land through a temp file rename, so readers never observe a torn document.
type Backend struct {
	path string
	mu   sync.Mutex
}

// New returns a Backend for path. The parent directory is created on first write.
func New(path string) (*Backend, error) {
	cleaned := strings.TrimSpace(path)
	if cleaned == "" {
		return nil, ErrEmptyPath
	}
	return &Backend{path: filepath.Clean(cleaned)}, nil
}

// Path returns the document location.
func (backend *Backend) Path() string {
	return backend.path
}

// Load returns the raw document, or nil when it does not exist yet.
func (backend *Backend) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	return backend.read()
}

// Update runs fn over the current document and replaces the file with its result.
func (backend *Backend) Update(ctx context.Context, fn func(current []byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	current, err := backend.read()
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	return backend.replace(next)
}

func (backend *Backend) read() ([]byte, error) {
	raw, err := os.ReadFile(backend.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", backend.path, err)
	}
	return raw, nil
}

func (backend *Backend) replace(contents []byte) error {
	directory := filepath.Dir(backend.path)
	if err := os.MkdirAll(directory, directoryMode); err != nil {
		return fmt.Errorf("create %s: %w", directory, err)
	}
	temp, err := os.CreateTemp(directory, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := temp.Name()
	cleanup := func() {
		_ = os.Remove(tempPath)
	}
	if _, err := temp.Write(contents); err != nil {
		_ = temp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := temp.Sync(); err != nil {
		_ = temp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, fileMode); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tempPath, backend.path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", backend.path, err)
	}
	return nil
}
