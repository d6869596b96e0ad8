// Package anchors persists the narrative anchor window between runs.
package anchors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/becomeliminal/halcyon/memory"
)

// FileStore keeps the anchor window as an indented JSON array.
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (f *FileStore) Path() string {
	return f.path
}

// LoadAnchors reads the window. A missing file is an empty window.
func (f *FileStore) LoadAnchors(ctx context.Context) ([]memory.AnchorEntry, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read anchors: %w", err)
	}

	var entries []memory.AnchorEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode anchors %s: %w", f.path, err)
	}
	return entries, nil
}

// SaveAnchors writes the window atomically: a temp file in the same
// directory is renamed over the target.
func (f *FileStore) SaveAnchors(ctx context.Context, entries []memory.AnchorEntry) error {
	if entries == nil {
		entries = []memory.AnchorEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode anchors: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir anchors dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".anchors-*.json")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace anchors: %w", err)
	}
	return nil
}

var _ memory.AnchorStore = (*FileStore)(nil)
