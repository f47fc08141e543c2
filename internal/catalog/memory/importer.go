// Package memory contains an in-memory catalog importer for tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/promodata/harvester/internal/catalog"
)

// Importer stores announced notices for inspection.
type Importer struct {
	mu      sync.RWMutex
	notices []catalog.BatchNotice
}

// New returns a memory Importer.
func New() *Importer {
	return &Importer{}
}

// Announce records the notice and returns a pseudo ID.
func (i *Importer) Announce(_ context.Context, notice catalog.BatchNotice) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.notices = append(i.notices, notice)
	return fmt.Sprintf("memory-%d", len(i.notices)), nil
}

// Notices returns the recorded announcements.
func (i *Importer) Notices() []catalog.BatchNotice {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]catalog.BatchNotice, len(i.notices))
	copy(out, i.notices)
	return out
}
