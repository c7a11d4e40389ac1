package shard

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

// Writer reads and writes the shard files of one directory.
type Writer struct {
	dir      string
	maxChars int
	logger   *zap.Logger
}

// Result describes the files touched by one shard write.
type Result struct {
	Key       string
	Written   []Part
	Deleted   []string
	Unchanged int
}

// Changed reports whether any file was created, replaced or removed.
func (r Result) Changed() bool {
	return len(r.Written) > 0 || len(r.Deleted) > 0
}

// Location is one occurrence of a record in a shard file.
type Location struct {
	Key    string
	File   string
	Record catalog.ProductRecord
}

// NewWriter creates a writer for dir. maxChars bounds every file it writes.
func NewWriter(dir string, maxChars int, logger *zap.Logger) (*Writer, error) {
	if maxChars <= 0 {
		return nil, fmt.Errorf("max shard chars must be positive, got %d", maxChars)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create shard dir: %w", err)
	}
	return &Writer{dir: dir, maxChars: maxChars, logger: logger}, nil
}

// Dir returns the shard directory.
func (w *Writer) Dir() string { return w.dir }

// MaxChars returns the size bound.
func (w *Writer) MaxChars() int { return w.maxChars }

// Files groups the shard files on disk by base key. File names are sorted by
// part number.
func (w *Writer) Files() (map[string][]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("list shard dir: %w", err)
	}
	files := make(map[string][]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != fileExt {
			continue
		}
		key := BaseKey(name)
		files[key] = append(files[key], name)
	}
	for key := range files {
		sort.Slice(files[key], func(i, j int) bool {
			return PartNumber(files[key][i]) < PartNumber(files[key][j])
		})
	}
	return files, nil
}

// Keys returns the sorted base keys that have at least one file.
func (w *Writer) Keys() ([]string, error) {
	files, err := w.Files()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Load returns the records of every part of key, deduplicated by URL.
func (w *Writer) Load(key string) ([]catalog.ProductRecord, error) {
	key = BaseKey(key)
	files, err := w.Files()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]int)
	var out []catalog.ProductRecord
	for _, name := range files[key] {
		records, err := w.readFile(name)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if i, ok := seen[r.URL]; ok {
				out[i] = r
				continue
			}
			seen[r.URL] = len(out)
			out = append(out, r)
		}
	}
	return out, nil
}

// Write replaces the content of shard key with records. Parts whose bytes are
// unchanged are left alone; parts that are no longer needed are removed after
// the new ones are in place. Writing no records deletes the shard.
func (w *Writer) Write(key string, records []catalog.ProductRecord) (Result, error) {
	key = BaseKey(key)
	res := Result{Key: key}
	parts, err := Encode(key, records, w.maxChars)
	if err != nil {
		return res, err
	}
	files, err := w.Files()
	if err != nil {
		return res, err
	}

	keep := make(map[string]bool, len(parts))
	for _, p := range parts {
		keep[p.Name] = true
		path := filepath.Join(w.dir, p.Name)
		// #nosec G304 -- name is derived from a validated shard key.
		current, err := os.ReadFile(path)
		if err == nil && bytes.Equal(current, p.Data) {
			res.Unchanged++
			continue
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("read shard %s: %w", p.Name, err)
		}
		if err := renameio.WriteFile(path, p.Data, 0o640); err != nil {
			return res, fmt.Errorf("write shard %s: %w", p.Name, err)
		}
		res.Written = append(res.Written, p)
	}
	for _, name := range files[key] {
		if keep[name] {
			continue
		}
		if err := os.Remove(filepath.Join(w.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("remove stale shard %s: %w", name, err)
		}
		res.Deleted = append(res.Deleted, name)
	}
	if res.Changed() {
		w.logger.Debug("shard written",
			zap.String("shard_key", key),
			zap.Int("parts", len(parts)),
			zap.Int("written", len(res.Written)),
			zap.Int("deleted", len(res.Deleted)))
	}
	return res, nil
}

// Resplit rewrites key from its current content. On a shard that is already
// correctly split this touches nothing.
func (w *Writer) Resplit(key string) (Result, error) {
	records, err := w.Load(key)
	if err != nil {
		return Result{Key: BaseKey(key)}, err
	}
	return w.Write(key, records)
}

// Scan reads every shard file and indexes record locations by URL. A URL with
// more than one location is duplicated on disk.
func (w *Writer) Scan() (map[string][]Location, error) {
	files, err := w.Files()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Location)
	for key, names := range files {
		for _, name := range names {
			records, err := w.readFile(name)
			if err != nil {
				return nil, err
			}
			for _, r := range records {
				out[r.URL] = append(out[r.URL], Location{Key: key, File: name, Record: r})
			}
		}
	}
	return out, nil
}

// ReadPart returns the raw bytes of one shard file.
func (w *Writer) ReadPart(name string) ([]byte, error) {
	// #nosec G304 -- callers pass names returned by Files or Write.
	data, err := os.ReadFile(filepath.Join(w.dir, filepath.Base(name)))
	if err != nil {
		return nil, fmt.Errorf("read shard %s: %w", name, err)
	}
	return data, nil
}

func (w *Writer) readFile(name string) ([]catalog.ProductRecord, error) {
	data, err := w.ReadPart(name)
	if err != nil {
		return nil, err
	}
	docKey, records, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if docKey != BaseKey(name) {
		w.logger.Warn("shard key does not match file name",
			zap.String("file", name), zap.String("shard_key", docKey))
	}
	return records, nil
}
