// Package profile loads the declarative per-site crawl profile.
package profile

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/classify"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/filter"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/urlnorm"
)

// Defaults applied to fields left empty.
const (
	DefaultMaxShardChars    = 100_000
	DefaultMaxInCallRetries = 2
	DefaultRateLimitDelay   = time.Second
	DefaultFetchTimeout     = 30 * time.Second
)

// Profile describes how one site is walked, filtered and sharded.
type Profile struct {
	Name      string   `yaml:"name"`
	BaseURL   string   `yaml:"base_url"`
	StartURLs []string `yaml:"start_urls"`
	// Levels are the non-terminal steps of the walk. Links found on pages of
	// one level are filtered by the next level's rules.
	Levels   []Level      `yaml:"levels"`
	Products filter.Rules `yaml:"products"`

	Normalize Normalize `yaml:"normalize"`
	Sharding  Sharding  `yaml:"sharding"`

	MaxShardChars    int           `yaml:"max_shard_chars"`
	MaxInCallRetries int           `yaml:"max_in_call_retries"`
	// RateLimitDelay is the minimum spacing between remote call starts.
	// Omitted means DefaultRateLimitDelay; an explicit 0s disables pacing.
	RateLimitDelay   time.Duration `yaml:"rate_limit_delay"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
}

// Level is one non-terminal step of the hierarchy.
type Level struct {
	Name     string       `yaml:"name"`
	Rules    filter.Rules `yaml:"rules"`
	MaxLinks int          `yaml:"max_links"`
}

// Normalize configures URL canonicalization.
type Normalize struct {
	QueryWhitelist []string              `yaml:"query_whitelist"`
	TrailingSlash  urlnorm.TrailingSlash `yaml:"trailing_slash"`
}

// Sharding configures shard key resolution.
type Sharding struct {
	PathSegment        *PathSegmentRule `yaml:"path_segment"`
	BreadcrumbFallback bool             `yaml:"breadcrumb_fallback"`
	RootLabels         []string         `yaml:"root_labels"`
	DefaultKey         string           `yaml:"default_key"`
}

// PathSegmentRule selects the URL segment used as the shard key.
type PathSegmentRule struct {
	Index      int    `yaml:"index"`
	After      string `yaml:"after"`
	FromSource bool   `yaml:"from_source"`
}

// Load reads and validates a profile. Unknown keys are errors.
func Load(path string) (*Profile, error) {
	// #nosec G304 -- the profile path is operator supplied configuration.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open profile: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	// Seeded before decoding so an explicit zero survives and disables pacing.
	p := Profile{RateLimitDelay: DefaultRateLimitDelay}
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", path, err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validate profile %s: %w", path, err)
	}
	return &p, nil
}

func (p *Profile) applyDefaults() {
	if len(p.StartURLs) == 0 && p.BaseURL != "" {
		p.StartURLs = []string{p.BaseURL}
	}
	if p.MaxShardChars == 0 {
		p.MaxShardChars = DefaultMaxShardChars
	}
	if p.MaxInCallRetries == 0 {
		p.MaxInCallRetries = DefaultMaxInCallRetries
	}
	if p.FetchTimeout == 0 {
		p.FetchTimeout = DefaultFetchTimeout
	}
	if p.Normalize.TrailingSlash == "" {
		p.Normalize.TrailingSlash = urlnorm.TrailingSlashStrip
	}
	if p.Sharding.DefaultKey == "" {
		p.Sharding.DefaultKey = catalog.DefaultShardKey
	}
}

// Validate checks the profile for structural errors.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	base, err := url.Parse(p.BaseURL)
	if err != nil || !base.IsAbs() || base.Host == "" {
		return fmt.Errorf("base_url must be an absolute url, got %q", p.BaseURL)
	}
	for _, s := range p.StartURLs {
		if u, err := url.Parse(s); err != nil || !u.IsAbs() {
			return fmt.Errorf("start url %q is not absolute", s)
		}
	}
	switch p.Normalize.TrailingSlash {
	case urlnorm.TrailingSlashStrip, urlnorm.TrailingSlashAdd:
	default:
		return fmt.Errorf("normalize.trailing_slash must be strip or add, got %q", p.Normalize.TrailingSlash)
	}
	if p.MaxShardChars < 256 {
		return fmt.Errorf("max_shard_chars must be at least 256, got %d", p.MaxShardChars)
	}
	if p.MaxInCallRetries < 1 {
		return fmt.Errorf("max_in_call_retries must be at least 1, got %d", p.MaxInCallRetries)
	}
	if p.RateLimitDelay < 0 || p.FetchTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if classify.Slugify(p.Sharding.DefaultKey) != p.Sharding.DefaultKey {
		return fmt.Errorf("sharding.default_key %q is not a slug", p.Sharding.DefaultKey)
	}
	if _, err := p.Compile(); err != nil {
		return err
	}
	return nil
}

// Host returns the host of the base URL.
func (p *Profile) Host() string {
	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Depth is the number of hierarchy levels including the terminal product level.
func (p *Profile) Depth() int { return len(p.Levels) + 1 }

// Compiled holds the evaluated form of a profile's rules.
type Compiled struct {
	Levels   []*filter.Filter
	Products *filter.Filter
}

// Compile builds the per-level filters.
func (p *Profile) Compile() (*Compiled, error) {
	c := &Compiled{Levels: make([]*filter.Filter, len(p.Levels))}
	host := p.Host()
	for i, l := range p.Levels {
		f, err := filter.Compile(l.Rules, host)
		if err != nil {
			return nil, fmt.Errorf("level %d (%s): %w", i, l.Name, err)
		}
		c.Levels[i] = f
	}
	f, err := filter.Compile(p.Products, host)
	if err != nil {
		return nil, fmt.Errorf("products: %w", err)
	}
	c.Products = f
	return c, nil
}

// Normalizer builds the URL normalizer for the site.
func (p *Profile) Normalizer() *urlnorm.Normalizer {
	return urlnorm.New(urlnorm.Options{
		QueryWhitelist: p.Normalize.QueryWhitelist,
		TrailingSlash:  p.Normalize.TrailingSlash,
	})
}

// Classifier builds the shard key resolution chain: path segment, then
// breadcrumbs when enabled and a fetcher is available, then the default key.
func (p *Profile) Classifier(crumbs catalog.BreadcrumbFetcher, pacer catalog.Pacer, onError func(string, error)) classify.Chain {
	var chain []classify.Classifier
	if ps := p.Sharding.PathSegment; ps != nil {
		chain = append(chain, classify.PathSegment{Index: ps.Index, After: ps.After, FromSource: ps.FromSource})
	}
	if p.Sharding.BreadcrumbFallback && crumbs != nil {
		roots := append([]string{p.Name}, p.Sharding.RootLabels...)
		chain = append(chain, &classify.Breadcrumb{Fetcher: crumbs, Pacer: pacer, RootLabels: roots})
	}
	chain = append(chain, classify.Default{Key: p.Sharding.DefaultKey})
	return classify.Chain{Classifiers: chain, OnError: onError}
}
