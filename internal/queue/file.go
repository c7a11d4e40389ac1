package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

const formatVersion = 1

type document struct {
	Version int                  `json:"version"`
	Entries []catalog.QueueEntry `json:"entries"`
}

// FileName returns the file a queue is persisted to.
func FileName(n Name) string {
	return string(n) + ".json"
}

// Load reads all three queues from dir. Missing files are empty queues.
// Cross-queue duplicates left by an older writer are resolved in favour of
// retry, then in-flight; the number of dropped duplicates is returned and the
// affected queues are marked dirty.
func Load(dir string) (*Set, int, error) {
	s := NewSet()
	dropped := 0
	// Retry first so it wins membership.
	for _, n := range []Name{Retry, InFlight, Pending} {
		entries, err := readList(filepath.Join(dir, FileName(n)))
		if err != nil {
			return nil, 0, err
		}
		for _, e := range entries {
			if e.NormalizedURL == "" {
				dropped++
				s.dirty[n] = true
				continue
			}
			if _, ok := s.where[e.NormalizedURL]; ok {
				dropped++
				s.dirty[n] = true
				continue
			}
			s.lists[n] = append(s.lists[n], e)
			s.where[e.NormalizedURL] = n
		}
	}
	return s, dropped, nil
}

// Save writes every dirty queue to dir and clears the dirty flags.
func Save(dir string, s *Set) error {
	for _, n := range names {
		if !s.dirty[n] {
			continue
		}
		if err := writeList(filepath.Join(dir, FileName(n)), s.lists[n]); err != nil {
			return err
		}
		s.dirty[n] = false
	}
	return nil
}

func readList(path string) ([]catalog.QueueEntry, error) {
	// #nosec G304 -- path is built from the configured state directory.
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue %s: %w", path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode queue %s: %w", path, err)
	}
	if doc.Version != formatVersion {
		return nil, fmt.Errorf("queue %s has unsupported version %d", path, doc.Version)
	}
	return doc.Entries, nil
}

func writeList(path string, entries []catalog.QueueEntry) error {
	if entries == nil {
		entries = []catalog.QueueEntry{}
	}
	data, err := json.MarshalIndent(document{Version: formatVersion, Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	if err := renameio.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write queue %s: %w", path, err)
	}
	return nil
}
