// Package shard stores product records in category-scoped files whose
// serialized size never exceeds a configured number of characters. A shard
// that outgrows the bound is split into numbered parts.
package shard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

// ErrRecordTooLarge is returned when a single record cannot fit in a part.
var ErrRecordTooLarge = errors.New("record exceeds max shard size")

// ErrInvalidKey is returned for shard keys that are not slugs.
var ErrInvalidKey = errors.New("invalid shard key")

const fileExt = ".json"

var (
	partSuffix = regexp.MustCompile(`_part([0-9]+)$`)
	validKey   = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
)

// BaseKey strips a file extension and an existing part suffix, so that
// "laptops_part2.json", "laptops_part2" and "laptops" all name the same shard.
func BaseKey(name string) string {
	name = strings.TrimSuffix(name, fileExt)
	return partSuffix.ReplaceAllString(name, "")
}

// PartNumber returns the numeric suffix of a part file name, or 0.
func PartNumber(name string) int {
	m := partSuffix.FindStringSubmatch(strings.TrimSuffix(name, fileExt))
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// FileName returns the file name of part (1-based) of a shard with total parts.
func FileName(key string, part, total int) string {
	if total <= 1 {
		return key + fileExt
	}
	return fmt.Sprintf("%s_part%d%s", key, part, fileExt)
}

// ValidateKey rejects keys that could collide with part suffixes or escape
// the shard directory.
func ValidateKey(key string) error {
	if !validKey.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Part is one encoded shard file.
type Part struct {
	Name string
	Data []byte
}

type document struct {
	ShardKey string                  `json:"shard_key"`
	Part     int                     `json:"part"`
	Records  []catalog.ProductRecord `json:"records"`
}

// Encode serializes records deterministically (sorted by URL) and splits them
// into the minimal number of ordered parts whose length, counted in
// characters, is at most maxChars.
func Encode(key string, records []catalog.ProductRecord, maxChars int) ([]Part, error) {
	key = BaseKey(key)
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	sorted := append([]catalog.ProductRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].URL < sorted[j].URL })

	lines := make([][]byte, len(sorted))
	for i, r := range sorted {
		line, err := encodeRecord(r)
		if err != nil {
			return nil, err
		}
		lines[i] = line
	}

	groups, err := pack(key, lines, maxChars)
	if err != nil {
		return nil, err
	}
	parts := make([]Part, len(groups))
	for i, g := range groups {
		parts[i] = Part{
			Name: FileName(key, i+1, len(groups)),
			Data: render(key, i+1, g),
		}
	}
	return parts, nil
}

// Decode parses one shard file.
func Decode(data []byte) (string, []catalog.ProductRecord, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", nil, fmt.Errorf("decode shard: %w", err)
	}
	return doc.ShardKey, doc.Records, nil
}

// pack greedily fills parts in order. Header length grows with the part
// number, so filling each part as far as possible yields the fewest parts.
func pack(key string, lines [][]byte, maxChars int) ([][][]byte, error) {
	var (
		groups [][][]byte
		cur    [][]byte
		size   int
	)
	part := 1
	size = overhead(key, part)
	for i, line := range lines {
		n := utf8.RuneCount(line)
		add := n
		if len(cur) > 0 {
			add += len(",\n")
		}
		if size+add <= maxChars {
			cur = append(cur, line)
			size += add
			continue
		}
		if len(cur) == 0 {
			return nil, fmt.Errorf("%w: record %d of shard %s needs %d chars, max %d",
				ErrRecordTooLarge, i, key, overhead(key, part)+n, maxChars)
		}
		groups = append(groups, cur)
		part++
		cur = [][]byte{line}
		size = overhead(key, part) + n
		if size > maxChars {
			return nil, fmt.Errorf("%w: record %d of shard %s needs %d chars, max %d",
				ErrRecordTooLarge, i, key, size, maxChars)
		}
	}
	return append(groups, cur), nil
}

func header(key string, part int) []byte {
	quoted, _ := json.Marshal(key)
	return []byte(fmt.Sprintf("{\"shard_key\":%s,\"part\":%d,\"records\":[\n", quoted, part))
}

var footer = []byte("\n]}\n")

func overhead(key string, part int) int {
	return utf8.RuneCount(header(key, part)) + len(footer)
}

func render(key string, part int, lines [][]byte) []byte {
	var buf bytes.Buffer
	buf.Write(header(key, part))
	buf.Write(bytes.Join(lines, []byte(",\n")))
	buf.Write(footer)
	return buf.Bytes()
}

// recordChars is the encoded length of r in characters.
func recordChars(r catalog.ProductRecord) (int, error) {
	line, err := encodeRecord(r)
	if err != nil {
		return 0, err
	}
	return utf8.RuneCount(line), nil
}

func encodeRecord(r catalog.ProductRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("encode record %s: %w", r.URL, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
