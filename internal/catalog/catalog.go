// Package catalog defines the downstream-notification boundary. After a
// batch of records lands on disk, the pipeline announces it so catalog
// consumers can pick the file up.
package catalog

import "context"

// BatchNotice describes one flushed batch file.
type BatchNotice struct {
	RunID   string `json:"run_id"`
	Path    string `json:"path"`
	Records int    `json:"records"`
	Seq     int    `json:"seq"`
}

// Importer receives batch notices. Implementations must be safe for
// concurrent use.
type Importer interface {
	Announce(ctx context.Context, notice BatchNotice) (string, error)
}
