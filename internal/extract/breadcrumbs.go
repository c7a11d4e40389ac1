package extract

import (
	"sort"

	"github.com/PuerkitoBio/goquery"
)

// Breadcrumbs returns every breadcrumb trail on the page in document order.
// The label of the current page itself is not part of a trail.
func Breadcrumbs(doc *goquery.Document) [][]string {
	var trails [][]string
	if t := jsonLDTrail(doc); len(t) > 0 {
		trails = append(trails, t)
	}
	sel := `nav[aria-label*="readcrumb"], ol.breadcrumb, ul.breadcrumb, .breadcrumbs, [itemtype*="BreadcrumbList"]`
	doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
		// Nested matches (a nav wrapping an ol.breadcrumb) are read once.
		if s.ParentsFiltered(sel).Length() > 0 {
			return
		}
		if t := markupTrail(s); len(t) > 0 {
			trails = append(trails, t)
		}
	})
	return trails
}

func markupTrail(s *goquery.Selection) []string {
	items := s.Find("li")
	if items.Length() == 0 {
		items = s.Find("a, span[aria-current]")
	}
	last := items.Length() - 1
	var trail []string
	items.Each(func(i int, item *goquery.Selection) {
		if cur, ok := item.Attr("aria-current"); ok && cur == "page" {
			return
		}
		if item.Find(`[aria-current="page"]`).Length() > 0 {
			return
		}
		if i == last && goquery.NodeName(item) == "li" && item.Find("a").Length() == 0 {
			// A trailing unlinked item names the current page.
			return
		}
		if label := clean(item.Text()); label != "" {
			trail = append(trail, label)
		}
	})
	return trail
}

func jsonLDTrail(doc *goquery.Document) []string {
	node := findJSONLD(doc, "BreadcrumbList")
	if node == nil {
		return nil
	}
	items := objects(node["itemListElement"])
	sort.SliceStable(items, func(i, j int) bool {
		return position(items[i]) < position(items[j])
	})
	var trail []string
	for i, it := range items {
		name := clean(str(it["name"]))
		if name == "" {
			if obj, ok := it["item"].(map[string]any); ok {
				name = clean(str(obj["name"]))
			}
		}
		// The last element is the page itself when it has no item link.
		if i == len(items)-1 && it["item"] == nil {
			continue
		}
		if name != "" {
			trail = append(trail, name)
		}
	}
	return trail
}

func position(m map[string]any) float64 {
	if p, ok := m["position"].(float64); ok {
		return p
	}
	return 0
}
