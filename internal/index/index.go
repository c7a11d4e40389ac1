// Package index holds the persistent URL index and the shard manifest: the
// record of which products are known, which shard each belongs to, and the
// content hash it was last written with.
package index

import (
	"errors"
	"fmt"
	"sort"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

// ErrInvalid marks an index or manifest file that is structurally unusable.
var ErrInvalid = errors.New("invalid index state")

// Index maps canonical product URLs to their entries.
type Index struct {
	entries map[string]catalog.IndexEntry
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]catalog.IndexEntry)}
}

// Contains reports whether url is indexed.
func (i *Index) Contains(url string) bool {
	_, ok := i.entries[url]
	return ok
}

// Get returns the entry for url.
func (i *Index) Get(url string) (catalog.IndexEntry, bool) {
	e, ok := i.entries[url]
	return e, ok
}

// ShardOf returns the shard key url is assigned to.
func (i *Index) ShardOf(url string) (string, bool) {
	e, ok := i.entries[url]
	return e.ShardKey, ok
}

// Put inserts or replaces the entry for url.
func (i *Index) Put(url string, entry catalog.IndexEntry) {
	i.entries[url] = entry
}

// Remove deletes url and reports whether it was present.
func (i *Index) Remove(url string) bool {
	if _, ok := i.entries[url]; !ok {
		return false
	}
	delete(i.entries, url)
	return true
}

// Len returns the number of indexed URLs.
func (i *Index) Len() int {
	return len(i.entries)
}

// URLs returns every indexed URL in sorted order.
func (i *Index) URLs() []string {
	out := make([]string, 0, len(i.entries))
	for u := range i.entries {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Validate checks that every entry has a URL and a shard assignment.
func (i *Index) Validate() error {
	for u, e := range i.entries {
		if u == "" {
			return fmt.Errorf("%w: empty url key", ErrInvalid)
		}
		if e.ShardKey == "" {
			return fmt.Errorf("%w: %s has no shard key", ErrInvalid, u)
		}
	}
	return nil
}
