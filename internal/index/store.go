package index

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

// Store keeps an Index and its Manifest in step: every URL put through the
// Store is listed under exactly one shard in both.
type Store struct {
	Index    *Index
	Manifest *Manifest

	dirty bool
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{Index: NewIndex(), Manifest: NewManifest()}
}

// Contains reports whether url is indexed.
func (s *Store) Contains(url string) bool {
	return s.Index.Contains(url)
}

// ShardOf returns the shard url is assigned to.
func (s *Store) ShardOf(url string) (string, bool) {
	return s.Index.ShardOf(url)
}

// Put assigns url to shardKey with the given content hash. When url moves
// between shards the previous shard key is returned so its file can be
// rewritten.
func (s *Store) Put(url, shardKey, hash string, scrapedAt time.Time) (previous string) {
	if old, ok := s.Index.Get(url); ok && old.ShardKey != shardKey {
		s.Manifest.Remove(old.ShardKey, url)
		previous = old.ShardKey
	}
	s.Index.Put(url, catalog.IndexEntry{ShardKey: shardKey, ContentHash: hash, ScrapedAt: scrapedAt})
	s.Manifest.Add(shardKey, url)
	s.dirty = true
	return previous
}

// Remove drops url from the index and every manifest shard. It returns the
// shards that listed it.
func (s *Store) Remove(url string) []string {
	shards := s.Manifest.RemoveURL(url)
	if key, ok := s.Index.ShardOf(url); ok {
		s.Index.Remove(url)
		if !containsString(shards, key) {
			shards = append(shards, key)
		}
	}
	if len(shards) > 0 {
		s.dirty = true
	}
	return shards
}

// MarkDirty flags the store for saving after a direct change to Index or
// Manifest.
func (s *Store) MarkDirty() { s.dirty = true }

// Dirty reports whether the store changed since it was loaded or saved.
func (s *Store) Dirty() bool { return s.dirty }

// Load reads the index and manifest from dir. A missing index next to an
// empty manifest is a fresh state directory and yields an empty store; a
// missing index next to a populated manifest is reported as ErrInvalid so the
// caller can rebuild it.
func Load(dir string) (*Store, error) {
	m, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	idx, err := LoadIndex(dir)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && m.Len() == 0:
		idx = NewIndex()
	case errors.Is(err, os.ErrNotExist):
		return &Store{Index: NewIndex(), Manifest: m}, fmt.Errorf("%w: index missing beside a populated manifest", ErrInvalid)
	default:
		return &Store{Index: NewIndex(), Manifest: m}, err
	}
	return &Store{Index: idx, Manifest: m}, nil
}

// Save writes the manifest, then the index, and clears the dirty flag.
func Save(dir string, s *Store) error {
	if err := SaveManifest(dir, s.Manifest); err != nil {
		return err
	}
	if err := SaveIndex(dir, s.Index); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
