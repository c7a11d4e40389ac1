// Package urlnorm canonicalizes product and category URLs into the join key
// shared by the index, manifest, queues and shards.
package urlnorm

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// TrailingSlash selects how a trailing "/" on non-root paths is treated.
type TrailingSlash string

// Trailing slash policies.
const (
	TrailingSlashStrip TrailingSlash = "strip"
	TrailingSlashAdd   TrailingSlash = "add"
)

// ErrNotAbsolute is returned for URLs without an http(s) scheme and host.
var ErrNotAbsolute = errors.New("url is not absolute http(s)")

// Options configures a Normalizer.
type Options struct {
	// QueryWhitelist lists query parameters that survive normalization
	// (compared case-insensitively), e.g. "currency".
	QueryWhitelist []string
	TrailingSlash  TrailingSlash
}

// Normalizer is a pure, deterministic URL canonicalizer.
type Normalizer struct {
	keep     map[string]struct{}
	trailing TrailingSlash
}

// New builds a Normalizer.
func New(opts Options) *Normalizer {
	keep := make(map[string]struct{}, len(opts.QueryWhitelist))
	for _, k := range opts.QueryWhitelist {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			keep[k] = struct{}{}
		}
	}
	trailing := opts.TrailingSlash
	if trailing == "" {
		trailing = TrailingSlashStrip
	}
	return &Normalizer{keep: keep, trailing: trailing}
}

// Normalize standardizes rawURL. It lowercases the scheme and host, removes
// default ports, the fragment and every query parameter outside the whitelist,
// and applies the trailing slash policy. Normalize(Normalize(u)) == Normalize(u).
func (n *Normalizer) Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return n.normalizeParsed(u)
}

// Resolve resolves href against base and normalizes the result.
func (n *Normalizer) Resolve(base, href string) (string, error) {
	b, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	return n.normalizeParsed(b.ResolveReference(ref))
}

func (n *Normalizer) normalizeParsed(u *url.URL) (string, error) {
	u.Scheme = strings.ToLower(u.Scheme)
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrNotAbsolute, u.String())
	}
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	u.Path = n.cleanPath(u.Path)
	u.RawPath = ""

	u.RawQuery = n.filterQuery(u.Query())
	u.ForceQuery = false

	return u.String(), nil
}

func (n *Normalizer) cleanPath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	p = path.Clean(p)
	if p == "/" {
		return p
	}
	if n.trailing == TrailingSlashAdd && path.Ext(p) == "" {
		return p + "/"
	}
	return p
}

func (n *Normalizer) filterQuery(q url.Values) string {
	if len(q) == 0 || len(n.keep) == 0 {
		return ""
	}
	kept := url.Values{}
	for key, values := range q {
		if _, ok := n.keep[strings.ToLower(key)]; !ok {
			continue
		}
		for _, v := range values {
			kept.Add(strings.ToLower(key), v)
		}
	}
	for key := range kept {
		sort.Strings(kept[key])
	}
	// Encode sorts by key.
	return kept.Encode()
}
