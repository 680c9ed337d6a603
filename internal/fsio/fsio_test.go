package fsio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomicCreatesAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")

	require.NoError(t, WriteAtomic(path, []byte("one")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	require.NoError(t, WriteAtomic(path, []byte("two")))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestWriteAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	require.NoError(t, WriteAtomic(path, []byte("data")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doc.json", entries[0].Name())
}

func TestWriteAtomicCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "doc.json")
	require.NoError(t, WriteAtomic(path, []byte("deep")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "deep", string(data))
}

func TestAppendLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	h, err := OpenAppend(path, LockAdvisory)
	require.NoError(t, err)

	require.NoError(t, h.AppendLine([]byte(`{"n":1}`)))
	require.NoError(t, h.AppendLine([]byte(`{"n":2}`)))
	require.NoError(t, h.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"n\":1}\n{\"n\":2}\n", string(data))
}

func TestAppendSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")

	h, err := OpenAppend(path, LockNone)
	require.NoError(t, err)
	require.NoError(t, h.AppendLine([]byte("first")))
	require.NoError(t, h.Close())

	h, err = OpenAppend(path, LockNone)
	require.NoError(t, err)
	require.NoError(t, h.AppendLine([]byte("second")))
	require.NoError(t, h.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
}
