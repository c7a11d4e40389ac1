package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio/v2"
)

// TombstoneFile holds URLs whose removal is waiting for the next reconcile.
const TombstoneFile = "tombstones.json"

// Tombstones is the set of URLs reported removed upstream but not yet
// cascaded out of the index, manifest and shards.
type Tombstones struct {
	entries map[string]time.Time
	dirty   bool
}

func newTombstones() *Tombstones {
	return &Tombstones{entries: make(map[string]time.Time)}
}

// Add records url as removed at t.
func (t *Tombstones) Add(url string, at time.Time) {
	if _, ok := t.entries[url]; ok {
		return
	}
	t.entries[url] = at
	t.dirty = true
}

// Clear forgets url and reports whether it was tombstoned.
func (t *Tombstones) Clear(url string) bool {
	if _, ok := t.entries[url]; !ok {
		return false
	}
	delete(t.entries, url)
	t.dirty = true
	return true
}

// Has reports whether url is tombstoned.
func (t *Tombstones) Has(url string) bool {
	_, ok := t.entries[url]
	return ok
}

// URLs returns the tombstoned URLs in sorted order.
func (t *Tombstones) URLs() []string {
	out := make([]string, 0, len(t.entries))
	for u := range t.entries {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of tombstones.
func (t *Tombstones) Len() int { return len(t.entries) }

type tombstoneDocument struct {
	Version int                  `json:"version"`
	Entries map[string]time.Time `json:"entries"`
}

func loadTombstones(dir string) (*Tombstones, error) {
	path := filepath.Join(dir, TombstoneFile)
	// #nosec G304 -- path is built from the configured state directory.
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return newTombstones(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tombstones: %w", err)
	}
	var doc tombstoneDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode tombstones: %w", err)
	}
	t := newTombstones()
	for u, at := range doc.Entries {
		t.entries[u] = at
	}
	return t, nil
}

func saveTombstones(dir string, t *Tombstones) error {
	if !t.dirty {
		return nil
	}
	data, err := json.MarshalIndent(tombstoneDocument{Version: 1, Entries: t.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tombstones: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, TombstoneFile), append(data, '\n'), 0o640); err != nil {
		return fmt.Errorf("write tombstones: %w", err)
	}
	t.dirty = false
	return nil
}
