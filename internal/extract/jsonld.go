package extract

import (
	"encoding/json"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// productTypes is the JSON-LD Product family.
var productTypes = map[string]bool{
	"Product":           true,
	"IndividualProduct": true,
	"ProductModel":      true,
	"ProductGroup":      true,
}

// ldProduct is a Product object pulled out of JSON-LD, flattened to
// the fields the extractors care about.
type ldProduct struct {
	Name         string
	URL          string
	Description  string
	Image        string
	Brand        string
	Model        string
	SKU          string
	Price        *float64
	LowPrice     *float64
	Availability string
	Rating       float64
	ReviewCount  int
	Properties   map[string]string // additionalProperty name -> value
}

// parseJSONLD collects every Product-family object from the page's
// ld+json blocks, recursing through @graph and arrays. Malformed blocks
// are skipped.
func parseJSONLD(pageHTML string) []ldProduct {
	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return nil
	}

	var products []ldProduct
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "script" && scriptType(n) == "application/ld+json" {
			if n.FirstChild != nil {
				var root any
				if err := json.Unmarshal([]byte(n.FirstChild.Data), &root); err == nil {
					collectProducts(root, &products)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return products
}

func scriptType(n *html.Node) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, "type") {
			return strings.ToLower(strings.TrimSpace(a.Val))
		}
	}
	return ""
}

func collectProducts(v any, out *[]ldProduct) {
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			collectProducts(e, out)
		}
	case map[string]any:
		if isProductType(t["@type"]) {
			*out = append(*out, flattenProduct(t))
		}
		if g, ok := t["@graph"]; ok {
			collectProducts(g, out)
		}
		// Products nest under mainEntity on some sites.
		if m, ok := t["mainEntity"]; ok {
			collectProducts(m, out)
		}
	}
}

func isProductType(v any) bool {
	switch t := v.(type) {
	case string:
		return productTypes[t]
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && productTypes[s] {
				return true
			}
		}
	}
	return false
}

func flattenProduct(m map[string]any) ldProduct {
	p := ldProduct{
		Name:        str(m["name"]),
		URL:         str(m["url"]),
		Description: str(m["description"]),
		SKU:         str(m["sku"]),
		Model:       str(m["model"]),
		Properties:  map[string]string{},
	}

	switch img := m["image"].(type) {
	case string:
		p.Image = img
	case []any:
		if len(img) > 0 {
			p.Image = str(img[0])
		}
	case map[string]any:
		p.Image = str(img["url"])
	}

	switch b := m["brand"].(type) {
	case string:
		p.Brand = b
	case map[string]any:
		p.Brand = str(b["name"])
	}

	offers := m["offers"]
	if arr, ok := offers.([]any); ok && len(arr) > 0 {
		offers = arr[0]
	}
	if o, ok := offers.(map[string]any); ok {
		if f, ok := num(o["price"]); ok {
			p.Price = &f
		}
		if f, ok := num(o["lowPrice"]); ok {
			p.LowPrice = &f
		}
		p.Availability = str(o["availability"])
		if p.URL == "" {
			p.URL = str(o["url"])
		}
	}

	if r, ok := m["aggregateRating"].(map[string]any); ok {
		if f, ok := num(r["ratingValue"]); ok {
			p.Rating = f
		}
		if f, ok := num(r["reviewCount"]); ok {
			p.ReviewCount = int(f)
		} else if f, ok := num(r["ratingCount"]); ok {
			p.ReviewCount = int(f)
		}
	}

	if props, ok := m["additionalProperty"].([]any); ok {
		for _, e := range props {
			if pm, ok := e.(map[string]any); ok {
				name := strings.TrimSpace(str(pm["name"]))
				value := strings.TrimSpace(str(pm["value"]))
				if name != "" && value != "" {
					p.Properties[name] = value
				}
			}
		}
	}
	return p
}

// effectivePrice prefers price over lowPrice.
func (p ldProduct) effectivePrice() *float64 {
	if p.Price != nil {
		return p.Price
	}
	return p.LowPrice
}

// inStock interprets the schema.org availability URL.
func (p ldProduct) inStock() (bool, string) {
	a := strings.ToLower(p.Availability)
	switch {
	case strings.Contains(a, "instock") || strings.Contains(a, "limitedavailability"):
		return true, "in_stock"
	case strings.Contains(a, "outofstock") || strings.Contains(a, "soldout"):
		return false, "out_of_stock"
	case strings.Contains(a, "preorder"):
		return false, "preorder"
	case a == "":
		return true, "unknown"
	default:
		return false, "unknown"
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		cleaned := strings.TrimSpace(strings.ReplaceAll(strings.TrimPrefix(t, "$"), ",", ""))
		f, err := strconv.ParseFloat(cleaned, 64)
		return f, err == nil
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
