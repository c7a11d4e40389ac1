package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

// File names inside the state directory.
const (
	IndexFile    = "index.json"
	ManifestFile = "manifest.json"
)

const formatVersion = 1

type indexDocument struct {
	Version int                           `json:"version"`
	Entries map[string]catalog.IndexEntry `json:"entries"`
}

type manifestDocument struct {
	Version int                 `json:"version"`
	Shards  map[string][]string `json:"shards"`
}

// LoadIndex reads the index from dir. A missing file is reported with an error
// wrapping os.ErrNotExist; an unreadable one wraps ErrInvalid.
func LoadIndex(dir string) (*Index, error) {
	path := filepath.Join(dir, IndexFile)
	// #nosec G304 -- path is built from the configured state directory.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", path, err)
	}
	var doc indexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalid, path, err)
	}
	if doc.Version != formatVersion {
		return nil, fmt.Errorf("%w: %s has version %d", ErrInvalid, path, doc.Version)
	}
	idx := NewIndex()
	for u, e := range doc.Entries {
		idx.Put(u, e)
	}
	if err := idx.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return idx, nil
}

// SaveIndex atomically replaces the index file in dir.
func SaveIndex(dir string, idx *Index) error {
	doc := indexDocument{Version: formatVersion, Entries: idx.entries}
	return writeJSON(filepath.Join(dir, IndexFile), doc)
}

// LoadManifest reads the manifest from dir. A missing file yields an empty
// manifest.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	// #nosec G304 -- path is built from the configured state directory.
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewManifest(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var doc manifestDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalid, path, err)
	}
	m := NewManifest()
	for key, urls := range doc.Shards {
		for _, u := range urls {
			m.Add(key, u)
		}
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return m, nil
}

// SaveManifest atomically replaces the manifest file in dir.
func SaveManifest(dir string, m *Manifest) error {
	doc := manifestDocument{Version: formatVersion, Shards: make(map[string][]string, len(m.shards))}
	for _, key := range m.Shards() {
		doc.Shards[key] = m.URLs(key)
	}
	return writeJSON(filepath.Join(dir, ManifestFile), doc)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	if err := renameio.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
