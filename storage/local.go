package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// localDirectory is the filesystem-backed Directory implementation.
type localDirectory struct {
	root string
}

// NewLocalDirectory returns a Directory rooted at a local path.
func NewLocalDirectory(root string) Directory {
	return &localDirectory{root: root}
}

func (d *localDirectory) URI() string {
	return "file://" + d.root
}

func (d *localDirectory) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.root, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (d *localDirectory) File(name string) File {
	return &localFile{path: filepath.Join(d.root, name), name: name}
}

// localFile is a File backed by a path on the local filesystem.
type localFile struct {
	path string
	name string
}

func (f *localFile) Name() string { return f.name }

func (f *localFile) Exists(ctx context.Context) (bool, error) {
	_, err := os.Stat(f.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", f.path, err)
}

func (f *localFile) Size(ctx context.Context) (int64, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", f.path, err)
	}
	return info.Size(), nil
}

func (f *localFile) Open(ctx context.Context) (io.ReadCloser, error) {
	h, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.path, err)
	}
	return h, nil
}
