package backlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeBacklog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "links.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadInOrder(t *testing.T) {
	path := writeBacklog(t, `{"id":"P-1","url":"https://x/1"}
{"id":"P-2","url":"https://x/2"}
{"id":"P-3"}
`)
	ids, err := New(path, nil, zap.NewNop()).Load()
	require.NoError(t, err)
	require.Equal(t, []string{"P-1", "P-2", "P-3"}, ids)
}

func TestLoadSkipsMalformedAndAnonymousLines(t *testing.T) {
	path := writeBacklog(t, `{"id":"P-1"}
oops not json
{"url":"https://x/no-id"}
{"id":"P-2"}
`)
	ids, err := New(path, nil, zap.NewNop()).Load()
	require.NoError(t, err)
	require.Equal(t, []string{"P-1", "P-2"}, ids)
}

func TestLoadDeduplicatesKeepingFirstPosition(t *testing.T) {
	path := writeBacklog(t, `{"id":"P-1"}
{"id":"P-2"}
{"id":"P-1"}
`)
	ids, err := New(path, nil, zap.NewNop()).Load()
	require.NoError(t, err)
	require.Equal(t, []string{"P-1", "P-2"}, ids)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "absent.jsonl"), nil, zap.NewNop()).Load()
	require.Error(t, err)
}
