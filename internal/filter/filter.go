// Package filter evaluates declarative URL rules. Evaluation is pure: the same
// rules and URL always produce the same decision.
package filter

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Rules is the declarative form of a filter, as written in a site profile.
type Rules struct {
	Include            []string `yaml:"include"`
	Exclude            []string `yaml:"exclude"`
	ExcludeKeywords    []string `yaml:"exclude_keywords"`
	RequiredSegment    string   `yaml:"required_segment"`
	RequiredSuffix     string   `yaml:"required_suffix"`
	ExcludedExtensions []string `yaml:"excluded_extensions"`
	MinSegments        int      `yaml:"min_segments"`
}

// Reason explains a rejection.
type Reason string

// Rejection reasons.
const (
	ReasonInvalidURL        Reason = "invalid_url"
	ReasonForeignHost       Reason = "foreign_host"
	ReasonExcludePattern    Reason = "exclude_pattern"
	ReasonExcludeKeyword    Reason = "exclude_keyword"
	ReasonNoIncludeMatch    Reason = "no_include_match"
	ReasonMissingSegment    Reason = "missing_segment"
	ReasonMissingSuffix     Reason = "missing_suffix"
	ReasonExcludedExtension Reason = "excluded_extension"
	ReasonTooShallow        Reason = "too_shallow"
)

// Decision is the outcome of evaluating one URL.
type Decision struct {
	Accept bool
	Reason Reason
	Detail string
}

// Filter is a compiled rule set.
type Filter struct {
	host       string
	include    []*regexp.Regexp
	exclude    []*regexp.Regexp
	keywords   []string
	segment    string
	suffix     string
	extensions map[string]bool
	minSegs    int
}

// Compile validates and compiles rules. When host is non-empty, URLs on any
// other host are rejected.
func Compile(r Rules, host string) (*Filter, error) {
	f := &Filter{
		host:       strings.ToLower(host),
		segment:    strings.Trim(r.RequiredSegment, "/"),
		suffix:     r.RequiredSuffix,
		extensions: make(map[string]bool, len(r.ExcludedExtensions)),
		minSegs:    r.MinSegments,
	}
	var err error
	if f.include, err = compileAll(r.Include); err != nil {
		return nil, fmt.Errorf("compile include: %w", err)
	}
	if f.exclude, err = compileAll(r.Exclude); err != nil {
		return nil, fmt.Errorf("compile exclude: %w", err)
	}
	for _, k := range r.ExcludeKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			f.keywords = append(f.keywords, k)
		}
	}
	for _, ext := range r.ExcludedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		f.extensions[ext] = true
	}
	return f, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Evaluate applies the rules to an absolute URL. Exclusions are checked
// before inclusions; structural rules apply last.
func (f *Filter) Evaluate(raw string) Decision {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return reject(ReasonInvalidURL, raw)
	}
	if f.host != "" && !sameHost(u.Hostname(), f.host) {
		return reject(ReasonForeignHost, u.Hostname())
	}
	for _, re := range f.exclude {
		if re.MatchString(raw) {
			return reject(ReasonExcludePattern, re.String())
		}
	}
	lowerPath := strings.ToLower(u.Path)
	for _, k := range f.keywords {
		if strings.Contains(lowerPath, k) {
			return reject(ReasonExcludeKeyword, k)
		}
	}
	if len(f.include) > 0 && !matchesAny(f.include, raw) {
		return reject(ReasonNoIncludeMatch, "")
	}
	segs := segments(u.Path)
	if f.segment != "" && !containsSegment(segs, f.segment) {
		return reject(ReasonMissingSegment, f.segment)
	}
	if f.suffix != "" && !strings.HasSuffix(strings.TrimSuffix(u.Path, "/"), f.suffix) {
		return reject(ReasonMissingSuffix, f.suffix)
	}
	if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && f.extensions[ext] {
		return reject(ReasonExcludedExtension, ext)
	}
	if len(segs) < f.minSegs {
		return reject(ReasonTooShallow, fmt.Sprintf("%d < %d", len(segs), f.minSegs))
	}
	return Decision{Accept: true}
}

func reject(r Reason, detail string) Decision {
	return Decision{Reason: r, Detail: detail}
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func sameHost(h, want string) bool {
	h = strings.ToLower(h)
	return h == want || strings.TrimPrefix(h, "www.") == strings.TrimPrefix(want, "www.")
}

func segments(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func containsSegment(segs []string, want string) bool {
	for _, s := range segs {
		if s == want {
			return true
		}
	}
	return false
}
