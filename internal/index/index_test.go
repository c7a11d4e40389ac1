package index

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePutAssignsExactlyOneShard(t *testing.T) {
	t.Parallel()

	s := NewStore()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	const u = "https://shop.test/p/kettle"

	assert.Empty(t, s.Put(u, "kitchen", "h1", at))
	key, ok := s.ShardOf(u)
	require.True(t, ok)
	assert.Equal(t, "kitchen", key)
	assert.True(t, s.Manifest.Has("kitchen", u))

	prev := s.Put(u, "appliances", "h2", at)
	assert.Equal(t, "kitchen", prev)
	assert.False(t, s.Manifest.Has("kitchen", u))
	assert.True(t, s.Manifest.Has("appliances", u))
	assert.Equal(t, []string{"appliances"}, s.Manifest.Owners()[u])
	assert.Equal(t, []string{"appliances"}, s.Manifest.Shards(), "empty shards are pruned")

	entry, ok := s.Index.Get(u)
	require.True(t, ok)
	assert.Equal(t, "h2", entry.ContentHash)
}

func TestStoreRemoveCascadesToManifest(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Put("https://shop.test/p/1", "kitchen", "h", time.Time{})
	s.Put("https://shop.test/p/2", "kitchen", "h", time.Time{})
	// A stray manifest membership is removed as well.
	s.Manifest.Add("garden", "https://shop.test/p/1")

	shards := s.Remove("https://shop.test/p/1")
	assert.ElementsMatch(t, []string{"garden", "kitchen"}, shards)
	assert.False(t, s.Contains("https://shop.test/p/1"))
	assert.Equal(t, []string{"https://shop.test/p/2"}, s.Manifest.URLs("kitchen"))
	assert.Equal(t, 1, s.Manifest.Len())

	assert.Empty(t, s.Remove("https://shop.test/p/missing"))
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewStore()
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.Put("https://shop.test/p/b", "tools", "hb", at)
	s.Put("https://shop.test/p/a", "tools", "ha", at)

	require.NoError(t, SaveIndex(dir, s.Index))
	require.NoError(t, SaveManifest(dir, s.Manifest))

	idx, err := LoadIndex(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.test/p/a", "https://shop.test/p/b"}, idx.URLs())
	entry, _ := idx.Get("https://shop.test/p/a")
	assert.True(t, entry.ScrapedAt.Equal(at))

	m, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.test/p/a", "https://shop.test/p/b"}, m.URLs("tools"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files are left behind")
}

func TestLoadIndexMissingAndInvalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := LoadIndex(dir)
	require.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFile), []byte("{not json"), 0o600))
	_, err = LoadIndex(dir)
	require.ErrorIs(t, err, ErrInvalid)

	doc := `{"version":1,"entries":{"https://shop.test/p/1":{"shard_key":"","content_hash":"x"}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFile), []byte(doc), 0o600))
	_, err = LoadIndex(dir)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoadManifestMissingIsEmpty(t *testing.T) {
	t.Parallel()

	m, err := LoadManifest(t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, m.Len())
}

func TestLoadStoreFreshAndMissingIndex(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Load(dir)
	require.NoError(t, err)
	assert.Zero(t, s.Index.Len())
	assert.False(t, s.Dirty())

	s.Put("https://shop.test/p/1", "tools", "h", time.Time{})
	assert.True(t, s.Dirty())
	require.NoError(t, Save(dir, s))
	assert.False(t, s.Dirty())

	require.NoError(t, os.Remove(filepath.Join(dir, IndexFile)))
	s, err = Load(dir)
	require.ErrorIs(t, err, ErrInvalid)
	require.NotNil(t, s)
	assert.Equal(t, []string{"https://shop.test/p/1"}, s.Manifest.URLs("tools"))
}
