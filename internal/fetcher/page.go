// Package fetcher is the reference FetchService: it loads pages over HTTP,
// promotes script-heavy pages to a headless browser, and extracts links,
// products and breadcrumbs from the result.
package fetcher

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Page is one loaded document.
type Page struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Getter loads a page. Failures are *catalog.FetchError values or errors
// that catalog.ClassOf can classify.
type Getter interface {
	Get(ctx context.Context, url string) (Page, error)
}

// Promoter decides whether a plain HTTP response must be rendered instead.
type Promoter interface {
	ShouldPromote(p Page) bool
}

// RobotsPolicy decides whether a URL may be fetched at all.
type RobotsPolicy interface {
	Allowed(ctx context.Context, url string) bool
}

// ErrRobotsDisallowed is wrapped by loads a RobotsPolicy refused.
var ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
