package index

import (
	"fmt"
	"sort"
)

// Manifest maps shard keys to the set of URLs they hold.
type Manifest struct {
	shards map[string]map[string]struct{}
}

// NewManifest returns an empty Manifest.
func NewManifest() *Manifest {
	return &Manifest{shards: make(map[string]map[string]struct{})}
}

// Add records url under shardKey.
func (m *Manifest) Add(shardKey, url string) {
	set, ok := m.shards[shardKey]
	if !ok {
		set = make(map[string]struct{})
		m.shards[shardKey] = set
	}
	set[url] = struct{}{}
}

// Remove drops url from shardKey, pruning empty shards.
func (m *Manifest) Remove(shardKey, url string) bool {
	set, ok := m.shards[shardKey]
	if !ok {
		return false
	}
	if _, ok := set[url]; !ok {
		return false
	}
	delete(set, url)
	if len(set) == 0 {
		delete(m.shards, shardKey)
	}
	return true
}

// RemoveURL drops url from every shard and returns the shards it was in.
func (m *Manifest) RemoveURL(url string) []string {
	var removed []string
	for _, key := range m.Shards() {
		if m.Remove(key, url) {
			removed = append(removed, key)
		}
	}
	return removed
}

// Has reports whether shardKey lists url.
func (m *Manifest) Has(shardKey, url string) bool {
	_, ok := m.shards[shardKey][url]
	return ok
}

// ShardsOf returns the sorted shard keys listing url.
func (m *Manifest) ShardsOf(url string) []string {
	var out []string
	for _, key := range m.Shards() {
		if m.Has(key, url) {
			out = append(out, key)
		}
	}
	return out
}

// Shards returns every shard key in sorted order.
func (m *Manifest) Shards() []string {
	out := make([]string, 0, len(m.shards))
	for k := range m.shards {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// URLs returns the sorted URLs of one shard.
func (m *Manifest) URLs(shardKey string) []string {
	set := m.shards[shardKey]
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Owners maps each URL to the shards listing it. A consistent manifest has
// exactly one owner per URL.
func (m *Manifest) Owners() map[string][]string {
	out := make(map[string][]string)
	for _, key := range m.Shards() {
		for u := range m.shards[key] {
			out[u] = append(out[u], key)
		}
	}
	return out
}

// Len returns the number of (shard, url) memberships.
func (m *Manifest) Len() int {
	n := 0
	for _, set := range m.shards {
		n += len(set)
	}
	return n
}

// Validate rejects empty keys and URLs.
func (m *Manifest) Validate() error {
	for key, set := range m.shards {
		if key == "" {
			return fmt.Errorf("%w: manifest has an empty shard key", ErrInvalid)
		}
		for u := range set {
			if u == "" {
				return fmt.Errorf("%w: shard %s lists an empty url", ErrInvalid, key)
			}
		}
	}
	return nil
}
