package transcoder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		p := filepath.Join(dir, n)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(n), 0o644))
	}
}

func TestCleanupOutput_keepsRecording(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s1")
	writeFiles(t, dir, "segment_0.ts", "segment_1.ts", "index.m3u8", "index.m3u8.tmp", "s1_original.webm")

	artifact, err := cleanupOutput(dir, "s1_original.webm")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "s1_original.webm"), artifact)
	assert.Equal(t, []string{"s1_original.webm"}, listDir(t, dir))
}

func TestCleanupOutput_removesEmptyDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s1")
	writeFiles(t, dir, "segment_0.ts", "index.m3u8", "sub/init.m4s")

	artifact, err := cleanupOutput(dir, "s1_original.webm")
	require.NoError(t, err)
	assert.Empty(t, artifact)
	assert.NoDirExists(t, dir)
}

func TestCleanupOutput_leavesUnknownFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s1")
	writeFiles(t, dir, "segment_0.ts", "notes.txt")

	_, err := cleanupOutput(dir, "s1_original.webm")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes.txt"}, listDir(t, dir))
}

func TestCleanupOutput_repeatable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s1")
	writeFiles(t, dir, "segment_0.ts", "s1_original.webm")

	_, err := cleanupOutput(dir, "s1_original.webm")
	require.NoError(t, err)
	_, err = cleanupOutput(dir, "s1_original.webm")
	require.NoError(t, err)

	_, err = cleanupOutput(filepath.Join(t.TempDir(), "missing"), "x_original.webm")
	require.NoError(t, err)
}

func TestIsTransient(t *testing.T) {
	cases := map[string]bool{
		"segment_3.ts":     true,
		"INDEX.M3U8":       true,
		"chunk.m4s":        true,
		"index.m3u8.tmp":   true,
		"s1_original.webm": false,
		"readme":           false,
	}
	for name, want := range cases {
		assert.Equal(t, want, IsTransient(name), "IsTransient(%q)", name)
	}
}
