// Package batch accumulates records into fixed-size batches, flushes each
// batch to its own atomically written file, and merges batch files into the
// consolidated record log.
package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/promodata/harvester/internal/clock"
	"github.com/promodata/harvester/internal/record"
)

const fileExt = ".jsonl"

// Config holds batcher knobs.
type Config struct {
	// Dir is where batch files are written.
	Dir string `mapstructure:"dir"`
	// Capacity is the record count that triggers an automatic flush.
	Capacity int `mapstructure:"capacity"`
	// Prefix names batch files: {prefix}_{timestamp}_{sequence}.jsonl.
	Prefix string `mapstructure:"prefix"`
	// IdentityFields are the candidate identity field names used on merge.
	IdentityFields []string `mapstructure:"identity_fields"`
}

// Stats tracks batcher activity for progress snapshots.
type Stats struct {
	BatchesFlushed   int
	RecordsBuffered  int
	RecordsFlushed   int
	MergedRecords    int
	MergedDuplicates int
}

// Batcher owns the in-memory current batch. It is not safe for concurrent
// Add; the orchestrator is the single writer.
type Batcher struct {
	cfg      Config
	clk      clock.Clock
	logger   *zap.Logger
	current  []record.Record
	seq      int
	lastFile string
	stats    Stats
}

// New creates a Batcher. Existing batch files in dir advance the sequence
// counter so filenames stay monotonic across restarts.
func New(cfg Config, clk clock.Clock, logger *zap.Logger) (*Batcher, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "batch"
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create batch dir %s: %w", cfg.Dir, err)
	}
	b := &Batcher{cfg: cfg, clk: clk, logger: logger}
	files, err := b.batchFiles()
	if err != nil {
		return nil, err
	}
	if n := len(files); n > 0 {
		b.seq = files[n-1].seq
	}
	return b, nil
}

// Add appends a record to the current batch, flushing when the batch
// reaches capacity.
func (b *Batcher) Add(rec record.Record) error {
	b.current = append(b.current, rec)
	b.stats.RecordsBuffered++
	if len(b.current) >= b.cfg.Capacity {
		return b.Flush()
	}
	return nil
}

// Flush force-writes the current batch, if non-empty, to its own file.
func (b *Batcher) Flush() error {
	if len(b.current) == 0 {
		return nil
	}
	b.seq++
	name := fmt.Sprintf("%s_%s_%06d%s",
		b.cfg.Prefix, b.clk.Now().Format("20060102T150405"), b.seq, fileExt)
	path := filepath.Join(b.cfg.Dir, name)

	if err := record.WriteFileAtomic(path, b.current); err != nil {
		b.seq--
		return fmt.Errorf("flush batch %d: %w", b.seq+1, err)
	}

	b.lastFile = path
	b.stats.BatchesFlushed++
	b.stats.RecordsFlushed += len(b.current)
	b.logger.Info("batch flushed",
		zap.Int("sequence", b.seq),
		zap.Int("records", len(b.current)),
		zap.String("file", name),
	)
	b.current = b.current[:0]
	return nil
}

// Pending returns the number of buffered, unflushed records.
func (b *Batcher) Pending() int {
	return len(b.current)
}

// LastFile returns the path of the most recently flushed batch file.
func (b *Batcher) LastFile() string {
	return b.lastFile
}

// Sequence returns the sequence number of the most recent flush.
func (b *Batcher) Sequence() int {
	return b.seq
}

// Stats returns a copy of the activity counters.
func (b *Batcher) Stats() Stats {
	return b.stats
}

// Merge concatenates all batch files, in flush order, into dest. Records
// sharing an identity are collapsed keeping the last occurrence; anonymous
// records are kept as-is. The destination is replaced atomically so a crash
// mid-merge never corrupts it.
func (b *Batcher) Merge(dest string) (int, error) {
	files, err := b.batchFiles()
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		b.logger.Warn("no batch files to merge", zap.String("dir", b.cfg.Dir))
		return 0, nil
	}

	type slot struct {
		order int
		rec   record.Record
	}
	byIdentity := make(map[string]*slot)
	var anonymous []slot
	order := 0
	duplicates := 0

	for _, f := range files {
		path := filepath.Join(b.cfg.Dir, f.name)
		if err := record.EachLine(path, func(line []byte) {
			for _, rec := range record.ExtractAll(line) {
				id, ok := rec.Identity(b.cfg.IdentityFields)
				if !ok {
					anonymous = append(anonymous, slot{order: order, rec: rec})
					order++
					continue
				}
				if existing, dup := byIdentity[id]; dup {
					// Keep the freshest copy in its original position.
					existing.rec = rec
					duplicates++
					continue
				}
				byIdentity[id] = &slot{order: order, rec: rec}
				order++
			}
		}); err != nil {
			return 0, fmt.Errorf("merge %s: %w", f.name, err)
		}
	}

	merged := make([]slot, 0, len(byIdentity)+len(anonymous))
	for _, s := range byIdentity {
		merged = append(merged, *s)
	}
	merged = append(merged, anonymous...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].order < merged[j].order })

	out := make([]record.Record, len(merged))
	for i, s := range merged {
		out[i] = s.rec
	}
	if err := record.WriteFileAtomic(dest, out); err != nil {
		return 0, fmt.Errorf("write merged log: %w", err)
	}

	b.stats.MergedRecords = len(out)
	b.stats.MergedDuplicates = duplicates
	b.logger.Info("batches merged",
		zap.Int("files", len(files)),
		zap.Int("records", len(out)),
		zap.Int("duplicates", duplicates),
		zap.String("dest", dest),
	)
	return len(out), nil
}

type batchFile struct {
	name string
	seq  int
}

// batchFiles lists this batcher's files sorted by flush sequence, which is
// creation order under the single-owner flush discipline.
func (b *Batcher) batchFiles() ([]batchFile, error) {
	entries, err := os.ReadDir(b.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read batch dir %s: %w", b.cfg.Dir, err)
	}
	var files []batchFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, b.cfg.Prefix+"_") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		seq, ok := parseSequence(name)
		if !ok {
			continue
		}
		files = append(files, batchFile{name: name, seq: seq})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })
	return files, nil
}

func parseSequence(name string) (int, bool) {
	base := strings.TrimSuffix(name, fileExt)
	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return 0, false
	}
	seq, err := strconv.Atoi(base[idx+1:])
	if err != nil {
		return 0, false
	}
	return seq, true
}
