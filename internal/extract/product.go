package extract

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

// Product extracts a product record from a page. JSON-LD Product data is
// used when present; otherwise schema.org microdata and common markup are
// tried. Bookkeeping fields (hash, shard, scrape time) are left empty.
func Product(doc *goquery.Document, pageURL string) (catalog.ProductRecord, error) {
	rec := catalog.ProductRecord{URL: pageURL}
	if node := findJSONLD(doc, "Product"); node != nil {
		fromJSONLD(&rec, node)
	}
	fromMarkup(&rec, doc)
	if rec.Name == "" {
		return catalog.ProductRecord{}, ErrNoProduct
	}
	if trails := Breadcrumbs(doc); len(trails) > 0 {
		rec.Breadcrumbs = trails[0]
	}
	return rec, nil
}

func fromJSONLD(rec *catalog.ProductRecord, node map[string]any) {
	rec.Name = clean(str(node["name"]))
	rec.Description = clean(str(node["description"]))

	offer := firstObject(node["offers"])
	if offer != nil {
		price := str(offer["price"])
		if price == "" {
			price = str(offer["lowPrice"])
		}
		rec.Price = price
		rec.Currency = str(offer["priceCurrency"])
		rec.Availability = availability(str(offer["availability"]))
	}

	specs := make(map[string]string)
	for _, p := range objects(node["additionalProperty"]) {
		if k, v := clean(str(p["name"])), clean(str(p["value"])); k != "" && v != "" {
			specs[k] = v
		}
	}
	for _, k := range []string{"brand", "sku", "gtin13", "mpn", "color", "model"} {
		v := node[k]
		if obj, ok := v.(map[string]any); ok {
			v = obj["name"]
		}
		if s := clean(str(v)); s != "" {
			specs[k] = s
		}
	}
	if len(specs) > 0 {
		rec.Specifications = specs
	}
}

func fromMarkup(rec *catalog.ProductRecord, doc *goquery.Document) {
	scope := doc.Find(`[itemtype*="schema.org/Product"]`).First()
	if scope.Length() == 0 {
		scope = doc.Selection
	}
	if rec.Name == "" {
		rec.Name = clean(itemprop(scope, "name"))
	}
	if rec.Name == "" {
		rec.Name = clean(doc.Find("h1").First().Text())
	}
	if rec.Description == "" {
		rec.Description = clean(itemprop(scope, "description"))
	}
	if rec.Description == "" {
		rec.Description = clean(attr(doc, `meta[name="description"]`, "content"))
	}
	if rec.Price == "" {
		rec.Price = clean(itemprop(scope, "price"))
	}
	if rec.Price == "" {
		rec.Price = clean(attr(doc, `meta[property="product:price:amount"]`, "content"))
	}
	if rec.Currency == "" {
		rec.Currency = clean(itemprop(scope, "priceCurrency"))
	}
	if rec.Currency == "" {
		rec.Currency = clean(attr(doc, `meta[property="product:price:currency"]`, "content"))
	}
	if rec.Availability == "" {
		rec.Availability = availability(itemprop(scope, "availability"))
	}
	if rec.Specifications == nil {
		rec.Specifications = specTable(doc)
	}
}

func itemprop(scope *goquery.Selection, name string) string {
	s := scope.Find(`[itemprop="` + name + `"]`).First()
	if s.Length() == 0 {
		return ""
	}
	for _, a := range []string{"content", "href"} {
		if v, ok := s.Attr(a); ok && v != "" {
			return v
		}
	}
	return s.Text()
}

func attr(doc *goquery.Document, sel, name string) string {
	v, _ := doc.Find(sel).First().Attr(name)
	return v
}

// specTable reads key/value pairs from a specifications table or definition
// list.
func specTable(doc *goquery.Document) map[string]string {
	specs := make(map[string]string)
	doc.Find(`table.specifications tr, table.specs tr, [data-specs] tr`).Each(func(_ int, row *goquery.Selection) {
		k := clean(row.Find("th").First().Text())
		v := clean(row.Find("td").First().Text())
		if k != "" && v != "" {
			specs[k] = v
		}
	})
	doc.Find(`dl.specifications, dl.specs, dl[data-specs]`).Each(func(_ int, dl *goquery.Selection) {
		dl.Find("dt").Each(func(_ int, dt *goquery.Selection) {
			k := clean(dt.Text())
			v := clean(dt.NextFiltered("dd").Text())
			if k != "" && v != "" {
				specs[k] = v
			}
		})
	})
	if len(specs) == 0 {
		return nil
	}
	return specs
}

// availability shortens schema.org URLs such as
// "https://schema.org/InStock" to "InStock".
func availability(s string) string {
	s = clean(s)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// findJSONLD returns the first JSON-LD node of the given @type.
func findJSONLD(doc *goquery.Document, typ string) map[string]any {
	var found map[string]any
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var v any
		if err := json.Unmarshal([]byte(s.Text()), &v); err != nil {
			return true
		}
		found = searchType(v, typ)
		return found == nil
	})
	return found
}

func searchType(v any, typ string) map[string]any {
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			if n := searchType(e, typ); n != nil {
				return n
			}
		}
	case map[string]any:
		if hasType(t["@type"], typ) {
			return t
		}
		if g, ok := t["@graph"]; ok {
			return searchType(g, typ)
		}
	}
	return nil
}

func hasType(v any, typ string) bool {
	switch t := v.(type) {
	case string:
		return t == typ
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && s == typ {
				return true
			}
		}
	}
	return false
}

func firstObject(v any) map[string]any {
	if objs := objects(v); len(objs) > 0 {
		return objs[0]
	}
	return nil
}

func objects(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}
	case []any:
		var out []map[string]any
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}
