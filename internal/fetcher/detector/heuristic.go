// Package detector decides when a plain HTTP page must be re-fetched with
// the headless renderer.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/fetcher"
)

// DefaultThreshold is the body size below which script-heavy pages are
// treated as unrendered shells.
const DefaultThreshold = 2048

// mountPoints are the root elements client-side frameworks render into. An
// empty one means the product markup has not been generated yet.
const mountPoints = `#__next, #root, #app, [data-reactroot], [ng-app]`

// productMarkers select markup the extractor can read a product from.
const productMarkers = `script[type="application/ld+json"], [itemprop], h1`

// Heuristic promotes pages that look like unrendered single-page-app shells.
type Heuristic struct {
	// Threshold bounds the script-density check to small documents.
	Threshold int
}

// NewHeuristic creates a detector. A zero threshold uses DefaultThreshold.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Heuristic{Threshold: threshold}
}

// ShouldPromote reports whether p needs a headless render. Only successful,
// not yet rendered responses are ever promoted.
func (h *Heuristic) ShouldPromote(p fetcher.Page) bool {
	if p.StatusCode != http.StatusOK || p.UsedHeadless {
		return false
	}
	if len(bytes.TrimSpace(p.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
	if err != nil {
		return false
	}
	if hasEmptyMount(doc) {
		return true
	}
	if doc.Find(productMarkers).Length() == 0 {
		return true
	}
	return len(p.Body) < h.Threshold && scriptHeavy(doc)
}

func hasEmptyMount(doc *goquery.Document) bool {
	empty := false
	doc.Find(mountPoints).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Children().Length() == 0 && strings.TrimSpace(s.Text()) == "" {
			empty = true
		}
		return !empty
	})
	return empty
}

// scriptHeavy reports whether inline script outweighs the visible text.
func scriptHeavy(doc *goquery.Document) bool {
	var script int
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		script += len(strings.TrimSpace(s.Text()))
	})
	if script == 0 {
		return false
	}
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript").Remove()
	return script > len(strings.TrimSpace(body.Text()))
}
