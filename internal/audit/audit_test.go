package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWriterAt(t *testing.T) (*Writer, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	w, err := NewWriter(path, nil)
	require.NoError(t, err)
	return w, path
}

func TestLog_FirstEntryChainsFromGenesis(t *testing.T) {
	w, _ := newWriterAt(t)

	entry, err := w.Log("alice", "ADMIN", "CREATE_NODE", "node:probe-1", nil)
	require.NoError(t, err)

	assert.Equal(t, Genesis, entry.PrevHash)
	assert.NotEmpty(t, entry.Hash)
	assert.Len(t, entry.Hash, 16)
}

func TestLog_SecondEntryChainsToFirst(t *testing.T) {
	w, _ := newWriterAt(t)

	first, err := w.Log("alice", "ADMIN", "CREATE_NODE", "node:probe-1", nil)
	require.NoError(t, err)

	second, err := w.Log("alice", "ADMIN", "DELETE_NODE", "node:probe-1", nil)
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.PrevHash)
}

func TestVerifyChain_ValidForFreshlyWrittenLog(t *testing.T) {
	w, path := newWriterAt(t)

	for i := 0; i < 5; i++ {
		_, err := w.Log("alice", "ADMIN", "DENIED", "admin:roles", nil)
		require.NoError(t, err)
	}

	valid, brokenAt := VerifyChain(path)
	assert.True(t, valid)
	assert.Nil(t, brokenAt)
}

func TestVerifyChain_MissingFileIsValid(t *testing.T) {
	valid, brokenAt := VerifyChain(filepath.Join(t.TempDir(), "does-not-exist.jsonl"))
	assert.True(t, valid)
	assert.Nil(t, brokenAt)
}

func TestVerifyChain_DetectsTamperedEntry(t *testing.T) {
	w, path := newWriterAt(t)

	_, err := w.Log("alice", "ADMIN", "CREATE_NODE", "node:probe-1", nil)
	require.NoError(t, err)
	_, err = w.Log("alice", "ADMIN", "DELETE_NODE", "node:probe-1", nil)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	tampered := []byte{}
	tampered = append(tampered, raw...)
	// Flip a byte inside the resource field of the first line, leaving JSON
	// syntax and line structure intact.
	idx := -1
	for i, b := range tampered {
		if b == 'p' {
			idx = i
			break
		}
	}
	require.NotEqual(t, -1, idx)
	tampered[idx] = 'q'

	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	valid, brokenAt := VerifyChain(path)
	assert.False(t, valid)
	require.NotNil(t, brokenAt)
	assert.Equal(t, 1, *brokenAt)
}

func TestVerifyChain_DetectsBrokenPrevHashContinuity(t *testing.T) {
	w, path := newWriterAt(t)

	_, err := w.Log("alice", "ADMIN", "CREATE_NODE", "node:probe-1", nil)
	require.NoError(t, err)
	_, err = w.Log("alice", "ADMIN", "DELETE_NODE", "node:probe-1", nil)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := splitLines(raw)
	require.Len(t, lines, 2)

	// Drop the first line so the second's prev_hash no longer points at
	// anything in the remaining file.
	require.NoError(t, os.WriteFile(path, []byte(lines[1]+"\n"), 0o644))

	valid, brokenAt := VerifyChain(path)
	assert.False(t, valid)
	require.NotNil(t, brokenAt)
	assert.Equal(t, 1, *brokenAt)
}

func TestNewWriter_ResumesChainFromExistingLog(t *testing.T) {
	w1, path := newWriterAt(t)
	first, err := w1.Log("alice", "ADMIN", "CREATE_NODE", "node:probe-1", nil)
	require.NoError(t, err)

	w2, err := NewWriter(path, nil)
	require.NoError(t, err)

	second, err := w2.Log("alice", "ADMIN", "DELETE_NODE", "node:probe-1", nil)
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.PrevHash)

	valid, brokenAt := VerifyChain(path)
	assert.True(t, valid)
	assert.Nil(t, brokenAt)
}

func TestGetStats_CountsEntriesAndReportsSize(t *testing.T) {
	w, path := newWriterAt(t)
	_, err := w.Log("alice", "ADMIN", "CREATE_NODE", "node:probe-1", nil)
	require.NoError(t, err)
	_, err = w.Log("alice", "ADMIN", "DELETE_NODE", "node:probe-1", nil)
	require.NoError(t, err)

	stats, err := GetStats(path)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Greater(t, stats.FileSizeBytes, int64(0))
}

func TestGetStats_ZeroForMissingFile(t *testing.T) {
	stats, err := GetStats(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalEntries)
}

func splitLines(raw []byte) []string {
	var lines []string
	start := 0
	for i, b := range raw {
		if b == '\n' {
			if i > start {
				lines = append(lines, string(raw[start:i]))
			}
			start = i + 1
		}
	}
	return lines
}
