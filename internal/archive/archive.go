// Package archive defines the artifact-upload boundary used to ship
// merged logs and batch files to long-term storage.
package archive

import (
	"context"
	"io"
)

// Uploader persists an artifact and returns its storage URI.
type Uploader interface {
	Upload(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}
