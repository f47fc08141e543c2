// Package local provides a filesystem Uploader for development runs.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Uploader copies artifacts under a root directory.
type Uploader struct {
	root string
}

// New creates a local uploader rooted at dir.
func New(dir string) (*Uploader, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &Uploader{root: dir}, nil
}

// Upload writes the content under the root and returns a file:// URI.
func (u *Uploader) Upload(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	dest := filepath.Join(u.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	return "file://" + dest, nil
}
