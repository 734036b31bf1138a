package utils

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "state.txt")

	require.NoError(t, WriteFileAtomic(path, []byte("idle\n"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "idle\n", string(data))

	// Overwrite replaces content wholesale.
	require.NoError(t, WriteFileAtomic(path, []byte("trading\n"), 0o644))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "trading\n", string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteJSONAtomic_ReadJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	in := map[string]any{"version_id": 3, "rows": []string{"a", "b"}}

	require.NoError(t, WriteJSONAtomic(path, in, 0o644))

	var out map[string]any
	require.NoError(t, ReadJSONFile(path, &out))
	assert.Equal(t, float64(3), out["version_id"])
}

func TestReadJSONFile_Missing(t *testing.T) {
	var out map[string]any
	err := ReadJSONFile(filepath.Join(t.TempDir(), "missing.json"), &out)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestAppendJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")

	require.NoError(t, AppendJSONL(path, map[string]string{"action": "LOT_OPENED"}))
	require.NoError(t, AppendJSONL(path, map[string]string{"action": "LOT_CLOSED"}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var actions []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]string
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		actions = append(actions, rec["action"])
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"LOT_OPENED", "LOT_CLOSED"}, actions)

	// File ends with a newline so the next append starts a fresh line.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(raw), "\n"))
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "ledger.db")
	dst := filepath.Join(dir, "snapshots", "ledger_copy.db")
	require.NoError(t, os.WriteFile(src, []byte("payload-bytes"), 0o644))

	require.NoError(t, CopyFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload-bytes", string(data))
}

func TestExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flag.txt")
	assert.False(t, Exists(path))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	assert.True(t, Exists(path))
}
