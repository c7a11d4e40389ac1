// Package classify resolves the shard key a product belongs to. Strategies
// are tried in order and the first one that produces a key wins.
package classify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

// Candidate is a product URL together with the category page it was found on.
type Candidate struct {
	URL       string
	SourceURL string
}

// Classifier returns a shard key for a candidate, or "" when it cannot decide.
type Classifier interface {
	Classify(ctx context.Context, c Candidate) (string, error)
	Name() string
}

// PathSegment derives the key from one segment of the URL path.
type PathSegment struct {
	// Index selects a segment, 0-based. Negative values count from the end.
	Index int
	// After, when set, selects the segment following the first segment equal
	// to it, and Index is ignored.
	After string
	// FromSource reads the category page URL instead of the product URL.
	FromSource bool
}

// Name implements Classifier.
func (p PathSegment) Name() string { return "path_segment" }

// Classify implements Classifier.
func (p PathSegment) Classify(_ context.Context, c Candidate) (string, error) {
	raw := c.URL
	if p.FromSource {
		raw = c.SourceURL
	}
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", raw, err)
	}
	// Split the escaped path so an encoded slash stays inside its segment,
	// then decode each segment once.
	var segs []string
	for _, s := range strings.Split(u.EscapedPath(), "/") {
		if s == "" {
			continue
		}
		if dec, err := url.PathUnescape(s); err == nil {
			s = dec
		}
		segs = append(segs, s)
	}
	if p.After != "" {
		for i, s := range segs {
			if s == p.After && i+1 < len(segs) {
				return Slugify(segs[i+1]), nil
			}
		}
		return "", nil
	}
	i := p.Index
	if i < 0 {
		i += len(segs)
	}
	if i < 0 || i >= len(segs) {
		return "", nil
	}
	return Slugify(segs[i]), nil
}

// Breadcrumb fetches the product page and uses its most specific breadcrumb
// label. Results are cached per URL for the life of the classifier.
type Breadcrumb struct {
	Fetcher catalog.BreadcrumbFetcher
	Pacer   catalog.Pacer
	// RootLabels are compared case-insensitively and never chosen.
	RootLabels []string

	mu    sync.Mutex
	cache map[string]string
}

// Name implements Classifier.
func (b *Breadcrumb) Name() string { return "breadcrumb" }

// Classify implements Classifier.
func (b *Breadcrumb) Classify(ctx context.Context, c Candidate) (string, error) {
	b.mu.Lock()
	if key, ok := b.cache[c.URL]; ok {
		b.mu.Unlock()
		return key, nil
	}
	b.mu.Unlock()

	if b.Pacer != nil {
		if err := b.Pacer.Wait(ctx); err != nil {
			return "", err
		}
	}
	trails, err := b.Fetcher.FetchBreadcrumbs(ctx, c.URL)
	if err != nil {
		return "", fmt.Errorf("fetch breadcrumbs %s: %w", c.URL, err)
	}
	key := Slugify(Deepest(trails, b.RootLabels))

	b.mu.Lock()
	if b.cache == nil {
		b.cache = make(map[string]string)
	}
	b.cache[c.URL] = key
	b.mu.Unlock()
	return key, nil
}

// Deepest picks the deepest non-root label across trails. Trails must not
// include the current page's own label. Ties go to the trail that appears
// first.
func Deepest(trails [][]string, roots []string) string {
	isRoot := make(map[string]bool, len(roots)+1)
	isRoot["home"] = true
	for _, r := range roots {
		isRoot[strings.ToLower(strings.TrimSpace(r))] = true
	}
	best, bestDepth := "", -1
	for _, trail := range trails {
		depth := 0
		label := ""
		for _, l := range trail {
			l = strings.TrimSpace(l)
			if l == "" || isRoot[strings.ToLower(l)] {
				continue
			}
			depth++
			label = l
		}
		if label != "" && depth > bestDepth {
			best, bestDepth = label, depth
		}
	}
	return best
}

// Default always returns its key.
type Default struct {
	Key string
}

// Name implements Classifier.
func (d Default) Name() string { return "default" }

// Classify implements Classifier.
func (d Default) Classify(context.Context, Candidate) (string, error) {
	if d.Key == "" {
		return catalog.DefaultShardKey, nil
	}
	return d.Key, nil
}

// Chain tries classifiers in order. Errors from one strategy are reported to
// onError and the next strategy is tried.
type Chain struct {
	Classifiers []Classifier
	OnError     func(name string, err error)
}

// Classify returns the first non-empty key, falling back to the default shard.
func (c Chain) Classify(ctx context.Context, cand Candidate) (string, error) {
	for _, cl := range c.Classifiers {
		key, err := cl.Classify(ctx, cand)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if c.OnError != nil {
				c.OnError(cl.Name(), err)
			}
			continue
		}
		if key != "" {
			return key, nil
		}
	}
	return catalog.DefaultShardKey, nil
}

// Slugify lowercases s, folds accents, and joins runs of letters and digits
// with single hyphens. The result only contains [a-z0-9-].
func Slugify(s string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range norm.NFKD.String(s) {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(unicode.ToLower(r))
		default:
			pendingDash = true
		}
	}
	return b.String()
}
