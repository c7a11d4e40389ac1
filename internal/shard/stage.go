package shard

import (
	"fmt"
	"sort"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

// Stage buffers record changes across shards so they can be validated as
// they are made and written together later.
type Stage struct {
	w      *Writer
	shards map[string]map[string]catalog.ProductRecord
	// widest bounds the encoded length of any record buffered per shard.
	widest map[string]int
	dirty  map[string]bool
}

// Stage starts an empty set of buffered changes.
func (w *Writer) Stage() *Stage {
	return &Stage{
		w:      w,
		shards: make(map[string]map[string]catalog.ProductRecord),
		widest: make(map[string]int),
		dirty:  make(map[string]bool),
	}
}

func (s *Stage) shard(key string) (map[string]catalog.ProductRecord, error) {
	if m, ok := s.shards[key]; ok {
		return m, nil
	}
	records, err := s.w.Load(key)
	if err != nil {
		return nil, err
	}
	m := make(map[string]catalog.ProductRecord, len(records))
	widest := 0
	for _, r := range records {
		n, err := recordChars(r)
		if err != nil {
			return nil, err
		}
		widest = max(widest, n)
		m[r.URL] = r
	}
	s.shards[key] = m
	s.widest[key] = widest
	return m, nil
}

// Get returns the buffered record for url in key.
func (s *Stage) Get(key, url string) (catalog.ProductRecord, bool, error) {
	m, err := s.shard(BaseKey(key))
	if err != nil {
		return catalog.ProductRecord{}, false, err
	}
	r, ok := m[url]
	return r, ok, nil
}

// Upsert inserts or replaces rec in key. The change is rejected, and the
// buffer left as it was, when the record cannot be encoded within the bound.
//
// Only rec is encoded in the common case. A shard never has more parts than
// records, so when the widest record fits beside the header of part
// len(records) every record fits wherever packing puts it. Records within a
// few characters of the bound fall back to encoding the whole shard.
func (s *Stage) Upsert(key string, rec catalog.ProductRecord) error {
	key = BaseKey(key)
	if err := ValidateKey(key); err != nil {
		return err
	}
	m, err := s.shard(key)
	if err != nil {
		return err
	}
	n, err := recordChars(rec)
	if err != nil {
		return err
	}
	if need := overhead(key, 1) + n; need > s.w.maxChars {
		return fmt.Errorf("%w: record %s of shard %s needs %d chars, max %d",
			ErrRecordTooLarge, rec.URL, key, need, s.w.maxChars)
	}
	prev, had := m[rec.URL]
	m[rec.URL] = rec
	widest := max(s.widest[key], n)
	if overhead(key, len(m))+widest > s.w.maxChars {
		if _, err := Encode(key, values(m), s.w.maxChars); err != nil {
			if had {
				m[rec.URL] = prev
			} else {
				delete(m, rec.URL)
			}
			return err
		}
	}
	s.widest[key] = widest
	s.dirty[key] = true
	return nil
}

// Remove drops url from key and reports whether it was present.
func (s *Stage) Remove(key, url string) (bool, error) {
	key = BaseKey(key)
	m, err := s.shard(key)
	if err != nil {
		return false, err
	}
	if _, ok := m[url]; !ok {
		return false, nil
	}
	delete(m, url)
	s.dirty[key] = true
	return true, nil
}

// Touch marks key for rewrite even if no record changed.
func (s *Stage) Touch(key string) error {
	key = BaseKey(key)
	if _, err := s.shard(key); err != nil {
		return err
	}
	s.dirty[key] = true
	return nil
}

// Dirty returns the sorted keys with buffered changes.
func (s *Stage) Dirty() []string {
	keys := make([]string, 0, len(s.dirty))
	for k := range s.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Commit writes every dirty shard. Results are returned for the shards
// written before any error.
func (s *Stage) Commit() ([]Result, error) {
	var results []Result
	for _, key := range s.Dirty() {
		res, err := s.w.Write(key, values(s.shards[key]))
		if err != nil {
			return results, err
		}
		delete(s.dirty, key)
		results = append(results, res)
	}
	return results, nil
}

func values(m map[string]catalog.ProductRecord) []catalog.ProductRecord {
	out := make([]catalog.ProductRecord, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	return out
}
