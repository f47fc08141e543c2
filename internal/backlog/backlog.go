// Package backlog reads the pending-identity list driving a harvest run.
package backlog

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/promodata/harvester/internal/record"
)

// Reader loads identities from a line-delimited JSON links file. Each line
// is a document whose identity is resolved with the usual candidate fields;
// malformed lines are skipped, never fatal.
type Reader struct {
	path           string
	identityFields []string
	logger         *zap.Logger
}

// New creates a Reader.
func New(path string, identityFields []string, logger *zap.Logger) *Reader {
	return &Reader{path: path, identityFields: identityFields, logger: logger}
}

// Load returns the pending identities in file order. Duplicate lines keep
// their first position; later occurrences are dropped.
func (r *Reader) Load() ([]string, error) {
	if _, err := os.Stat(r.path); err != nil {
		return nil, fmt.Errorf("backlog file %s: %w", r.path, err)
	}

	var ids []string
	seen := make(map[string]struct{})
	skipped := 0
	lineNo := 0

	if err := r.scan(&ids, seen, &skipped, &lineNo); err != nil {
		return nil, err
	}

	r.logger.Info("backlog loaded",
		zap.String("file", r.path),
		zap.Int("identities", len(ids)),
		zap.Int("skipped_lines", skipped),
	)
	return ids, nil
}

func (r *Reader) scan(ids *[]string, seen map[string]struct{}, skipped *int, lineNo *int) error {
	return record.EachLine(r.path, func(line []byte) {
		*lineNo++
		if len(line) == 0 {
			return
		}
		docs := record.ExtractAll(line)
		if len(docs) == 0 {
			*skipped++
			r.logger.Debug("skipping malformed backlog line", zap.Int("line", *lineNo))
			return
		}
		for _, doc := range docs {
			id, ok := doc.Identity(r.identityFields)
			if !ok {
				*skipped++
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			*ids = append(*ids, id)
		}
	})
}
