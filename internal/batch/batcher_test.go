package batch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/promodata/harvester/internal/clock"
	"github.com/promodata/harvester/internal/record"
)

func newTestBatcher(t *testing.T, capacity int) (*Batcher, string) {
	t.Helper()
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	b, err := New(Config{Dir: dir, Capacity: capacity, Prefix: "batch"}, clk, zap.NewNop())
	require.NoError(t, err)
	return b, dir
}

func rec(id string, extra ...string) record.Record {
	r := record.Record{"product_id": id}
	for i := 0; i+1 < len(extra); i += 2 {
		r[extra[i]] = extra[i+1]
	}
	return r
}

func listBatchFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "batch_") && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestAddFlushesAtCapacity(t *testing.T) {
	b, dir := newTestBatcher(t, 3)
	require.NoError(t, b.Add(rec("P-1")))
	require.NoError(t, b.Add(rec("P-2")))
	require.Empty(t, listBatchFiles(t, dir))

	require.NoError(t, b.Add(rec("P-3")))
	files := listBatchFiles(t, dir)
	require.Len(t, files, 1)
	require.Equal(t, 0, b.Pending())
}

func TestFlushWritesPartialBatch(t *testing.T) {
	b, dir := newTestBatcher(t, 10)
	require.NoError(t, b.Add(rec("P-1")))
	require.NoError(t, b.Flush())
	require.Len(t, listBatchFiles(t, dir), 1)

	// Flushing an empty batch is a no-op.
	require.NoError(t, b.Flush())
	require.Len(t, listBatchFiles(t, dir), 1)
}

func TestBatchFileIsCompleteAndParseable(t *testing.T) {
	b, dir := newTestBatcher(t, 2)
	require.NoError(t, b.Add(rec("P-1", "name", "mug")))
	require.NoError(t, b.Add(rec("P-2", "name", "pen")))

	files := listBatchFiles(t, dir)
	require.Len(t, files, 1)

	var got []string
	require.NoError(t, record.EachLine(filepath.Join(dir, files[0]), func(line []byte) {
		recs := record.ExtractAll(line)
		require.Len(t, recs, 1)
		id, ok := recs[0].Identity(nil)
		require.True(t, ok)
		got = append(got, id)
	}))
	require.Equal(t, []string{"P-1", "P-2"}, got)

	// No temp file left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasSuffix(e.Name(), ".tmp"))
	}
}

func TestSequenceMonotonicAcrossRestart(t *testing.T) {
	b, dir := newTestBatcher(t, 1)
	require.NoError(t, b.Add(rec("P-1")))
	require.NoError(t, b.Add(rec("P-2")))

	clk := clock.NewFake(time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC))
	b2, err := New(Config{Dir: dir, Capacity: 1, Prefix: "batch"}, clk, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, b2.Add(rec("P-3")))

	files := listBatchFiles(t, dir)
	require.Len(t, files, 3)
	seq, ok := parseSequence(files[2])
	require.True(t, ok)
	require.Equal(t, 3, seq)
}

func TestMergeKeepsLastOccurrenceInFirstSeenOrder(t *testing.T) {
	b, dir := newTestBatcher(t, 2)
	require.NoError(t, b.Add(rec("P-1", "rev", "old")))
	require.NoError(t, b.Add(rec("P-2")))
	require.NoError(t, b.Add(rec("P-1", "rev", "new")))
	require.NoError(t, b.Add(rec("P-3")))

	dest := filepath.Join(dir, "final.jsonl")
	n, err := b.Merge(dest)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	var ids []string
	var p1rev string
	require.NoError(t, record.EachLine(dest, func(line []byte) {
		for _, r := range record.ExtractAll(line) {
			id, _ := r.Identity(nil)
			ids = append(ids, id)
			if id == "P-1" {
				p1rev = r["rev"].(string)
			}
		}
	}))
	require.Equal(t, []string{"P-1", "P-2", "P-3"}, ids)
	require.Equal(t, "new", p1rev, "merge keeps the last occurrence")
	require.Equal(t, 1, b.Stats().MergedDuplicates)
}

func TestMergeKeepsAnonymousRecords(t *testing.T) {
	b, dir := newTestBatcher(t, 2)
	require.NoError(t, b.Add(rec("P-1")))
	require.NoError(t, b.Add(record.Record{"note": "no identity"}))
	require.NoError(t, b.Add(record.Record{"note": "still none"}))
	require.NoError(t, b.Flush())

	dest := filepath.Join(dir, "final.jsonl")
	n, err := b.Merge(dest)
	require.NoError(t, err)
	require.Equal(t, 3, n, "anonymous records are never deduplicated")
}

func TestMergeWithNoBatchFiles(t *testing.T) {
	b, dir := newTestBatcher(t, 5)
	n, err := b.Merge(filepath.Join(dir, "final.jsonl"))
	require.NoError(t, err)
	require.Zero(t, n)
}
