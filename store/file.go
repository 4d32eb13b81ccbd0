package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// File persists blobs as files under a config directory, one file per key.
// Writes go through a temp file + rename so a crash mid-write never leaves a
// truncated snapshot behind.
type File struct {
	dir string
}

var _ Store = (*File)(nil)

// NewFile creates a file-backed store rooted at dir. An empty dir selects
// $XDG_CONFIG_HOME/lexcase (or ~/.config/lexcase).
func NewFile(dir string) *File {
	if dir == "" {
		dir = defaultDir()
	}
	return &File{dir: dir}
}

func defaultDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "lexcase")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "lexcase")
}

func (f *File) path(key string) string {
	return filepath.Join(f.dir, key+".json")
}

// Load returns the blob stored under key.
func (f *File) Load(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lexcase/store: %w", err)
	}
	return data, true, nil
}

// Save overwrites the blob stored under key.
func (f *File) Save(key string, data []byte) error {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("lexcase/store: %w", err)
	}
	tmp := f.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("lexcase/store: %w", err)
	}
	if err := os.Rename(tmp, f.path(key)); err != nil {
		return fmt.Errorf("lexcase/store: %w", err)
	}
	return nil
}

// Clear removes the blob stored under key.
func (f *File) Clear(key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("lexcase/store: %w", err)
	}
	return nil
}
