// Package memory stores uploaded artifacts in-memory for tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Uploader keeps artifact bytes in a map and returns pseudo URIs.
type Uploader struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an in-memory Uploader.
func New() *Uploader {
	return &Uploader{data: make(map[string][]byte)}
}

// Upload reads and stores the content, returning a memory:// URI.
func (u *Uploader) Upload(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.data[path] = append([]byte(nil), content...)
	return fmt.Sprintf("memory://%s", path), nil
}

// Object returns the stored bytes for path, if any.
func (u *Uploader) Object(path string) ([]byte, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	content, ok := u.data[path]
	return content, ok
}
