package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/extract"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/telemetry"
)

// Remote call operations, used as metric labels.
const (
	OpDiscover    = "discover_links"
	OpScrape      = "scrape_product"
	OpBreadcrumbs = "fetch_breadcrumbs"
)

// Options configures a Service.
type Options struct {
	HTTP Getter
	// Headless is optional. Without it no page is ever promoted.
	Headless Getter
	Promoter Promoter
	// Robots is optional. A disallowed URL fails with a client error before
	// any request is made.
	Robots RobotsPolicy
	// Timeout bounds each remote call, including a promoted re-fetch.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Service implements catalog.FetchService and catalog.BreadcrumbFetcher.
type Service struct {
	opts Options
}

var (
	_ catalog.FetchService      = (*Service)(nil)
	_ catalog.BreadcrumbFetcher = (*Service)(nil)
)

// NewService builds a Service.
func NewService(opts Options) (*Service, error) {
	if opts.HTTP == nil {
		return nil, errors.New("fetcher: http getter is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{opts: opts}, nil
}

// DiscoverLinks returns the absolute links found on pageURL.
func (s *Service) DiscoverLinks(ctx context.Context, pageURL string) (links []string, err error) {
	ctx, done := s.begin(ctx, OpDiscover, pageURL)
	defer func() { done(err) }()

	page, err := s.load(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := extract.Parse(bytes.NewReader(page.Body))
	if err != nil {
		return nil, catalog.NewFetchError(catalog.ClassParse, pageURL, page.StatusCode, err)
	}
	return extract.Links(doc, page.URL), nil
}

// ScrapeProduct extracts the product on pageURL. Bookkeeping fields are left
// for the caller.
func (s *Service) ScrapeProduct(ctx context.Context, pageURL string) (rec catalog.ProductRecord, err error) {
	ctx, done := s.begin(ctx, OpScrape, pageURL)
	defer func() { done(err) }()

	page, err := s.load(ctx, pageURL)
	if err != nil {
		return catalog.ProductRecord{}, err
	}
	doc, err := extract.Parse(bytes.NewReader(page.Body))
	if err != nil {
		return catalog.ProductRecord{}, catalog.NewFetchError(catalog.ClassParse, pageURL, page.StatusCode, err)
	}
	rec, err = extract.Product(doc, pageURL)
	if err != nil {
		return catalog.ProductRecord{}, catalog.NewFetchError(catalog.ClassParse, pageURL, page.StatusCode, err)
	}
	return rec, nil
}

// FetchBreadcrumbs returns the breadcrumb trails of pageURL.
func (s *Service) FetchBreadcrumbs(ctx context.Context, pageURL string) (trails [][]string, err error) {
	ctx, done := s.begin(ctx, OpBreadcrumbs, pageURL)
	defer func() { done(err) }()

	page, err := s.load(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := extract.Parse(bytes.NewReader(page.Body))
	if err != nil {
		return nil, catalog.NewFetchError(catalog.ClassParse, pageURL, page.StatusCode, err)
	}
	return extract.Breadcrumbs(doc), nil
}

// begin applies the call timeout and opens a span. The returned func records
// the outcome and releases both.
func (s *Service) begin(ctx context.Context, op, pageURL string) (context.Context, func(error)) {
	var cancel context.CancelFunc = func() {}
	if s.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
	}
	ctx, span := telemetry.Start(ctx, "fetch."+op, attribute.String("url", pageURL))
	return ctx, func(err error) {
		cancel()
		class := catalog.ClassOf(err)
		metrics.ObserveRemoteCall(op, class)
		if err != nil {
			s.opts.Logger.Debug("remote call failed",
				zap.String("op", op),
				zap.String("url", pageURL),
				zap.String("class", string(class)),
				zap.Error(err),
			)
		}
		telemetry.End(span, err)
	}
}

func (s *Service) load(ctx context.Context, pageURL string) (Page, error) {
	if s.opts.Robots != nil && !s.opts.Robots.Allowed(ctx, pageURL) {
		return Page{}, catalog.NewFetchError(catalog.ClassClient, pageURL, 0, ErrRobotsDisallowed)
	}
	page, err := s.opts.HTTP.Get(ctx, pageURL)
	if err != nil {
		return Page{}, classified(pageURL, err)
	}
	if s.opts.Headless == nil || s.opts.Promoter == nil || !s.opts.Promoter.ShouldPromote(page) {
		return page, nil
	}
	s.opts.Logger.Debug("promoting to headless", zap.String("url", pageURL))
	rendered, err := s.opts.Headless.Get(ctx, pageURL)
	if err != nil {
		return Page{}, classified(pageURL, err)
	}
	return rendered, nil
}

// classified guarantees the error carries a failure class.
func classified(pageURL string, err error) error {
	var fe *catalog.FetchError
	if errors.As(err, &fe) {
		return err
	}
	return catalog.NewFetchError(catalog.ClassOf(err), pageURL, 0, fmt.Errorf("load page: %w", err))
}
