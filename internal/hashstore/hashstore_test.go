package hashstore

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddFileAndGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "task-1")
	require.NoError(t, err)

	content := []byte("hello world")
	meta, err := s.AddFile("src/a.txt", content)
	require.NoError(t, err)
	assert.False(t, meta.Compressed, "content below threshold should not be compressed")

	got, gotMeta, err := s.Get("src/a.txt")
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, meta.Hash, gotMeta.Hash)
}

func TestAddFileCompressesLargeContent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "task-1")
	require.NoError(t, err)

	content := []byte(strings.Repeat("x", 2048))
	meta, err := s.AddFile("big.txt", content)
	require.NoError(t, err)
	assert.True(t, meta.Compressed)

	got, _, err := s.Get("big.txt")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestHasChangedDetectsModification(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "task-1")
	require.NoError(t, err)

	_, err = s.AddFile("f.txt", []byte("v1"))
	require.NoError(t, err)

	changed, err := s.HasChanged("f.txt", []byte("v2"))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.HasChanged("f.txt", []byte("v1"))
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestDedupAcrossFilesWithIdenticalContent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "task-1")
	require.NoError(t, err)

	content := []byte("shared content")
	_, err = s.AddFile("a.txt", content)
	require.NoError(t, err)
	_, err = s.AddFile("b.txt", content)
	require.NoError(t, err)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalFiles)
	assert.Greater(t, stats.DedupRatio, 0.0)
}

func TestOpenReloadsPersistedIndex(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, "task-1")
	require.NoError(t, err)
	_, err = s1.AddFile("f.txt", []byte("data"))
	require.NoError(t, err)

	s2, err := Open(dir, "task-1")
	require.NoError(t, err)
	assert.True(t, s2.Has("f.txt"))
}

func TestGCRemovesOldTaskDirectories(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "old-task")
	require.NoError(t, err)
	_, err = s.AddFile("f.txt", []byte("data"))
	require.NoError(t, err)

	require.NoError(t, GC(dir, time.Nanosecond))

	s2, err := Open(dir, "old-task")
	require.NoError(t, err)
	assert.False(t, s2.Has("f.txt"), "index should have been recreated empty after GC removed the dir")
}

func TestHashFileStreamsLargeFiles(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/big.bin"
	content := []byte(strings.Repeat("y", 3*1024*1024))
	require.NoError(t, os.WriteFile(path, content, 0644))

	hash, err := HashFile(path)
	require.NoError(t, err)
	assert.Len(t, hash, 64)
}
