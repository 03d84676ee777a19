package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrArtifactExists is returned when an artifact key is written twice in one
// run.
var ErrArtifactExists = errors.New("artifact already exists")

// ArtifactStore keeps files produced by a run. Keys are write-once per run.
type ArtifactStore interface {
	Put(ctx context.Context, runID, name string, data []byte) (string, error)
	Get(ctx context.Context, runID, name string) ([]byte, error)
}

// FileArtifactStore lays artifacts out as <Root>/<runID>/<name>.
type FileArtifactStore struct {
	Root string
}

func NewFileArtifactStore(root string) (*FileArtifactStore, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, err
	}
	return &FileArtifactStore{Root: absRoot}, nil
}

// resolve keeps targets inside Root.
func (f *FileArtifactStore) resolve(runID, name string) (string, error) {
	if runID == "" || strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("artifact run id and name are required")
	}
	target := filepath.Join(f.Root, runID, name)
	rel, err := filepath.Rel(f.Root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe artifact path: %s/%s", runID, name)
	}
	if filepath.Dir(rel) == "." {
		return "", fmt.Errorf("unsafe artifact path: %s/%s", runID, name)
	}
	return target, nil
}

// Put writes data and returns its location. A second Put of the same key
// fails with ErrArtifactExists and leaves the first copy untouched.
func (f *FileArtifactStore) Put(ctx context.Context, runID, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, err := f.resolve(runID, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return "", fmt.Errorf("%w: %s/%s", ErrArtifactExists, runID, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(target)
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return target, nil
}

func (f *FileArtifactStore) Get(ctx context.Context, runID, name string) ([]byte, error) {
	target, err := f.resolve(runID, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, runID, name)
	}
	return data, err
}
