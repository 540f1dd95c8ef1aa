package research

import (
	"regexp"
	"strings"

	"shopnerd/internal/extract"
)

// PageKind is the coarse classification driving extraction dispatch.
type PageKind string

const (
	KindProductDetail PageKind = "product_detail"
	KindListing       PageKind = "listing"
	KindOther         PageKind = "other"
)

var bodyPriceRE = regexp.MustCompile(`\$[\d,]+\.?\d{0,2}`)

// cartPhrases are add-to-cart button texts counted by the body
// heuristic.
var cartPhrases = []string{
	"add to cart", "add to bag", "add to basket", "buy now", "buy it now",
}

// ClassifyPage decides whether a page is a product detail page or a
// listing. URL shape is checked first; ambiguous URLs fall back to a
// body-content heuristic: one or two prices next to a cart button is a
// PDP, many prices is a listing.
func ClassifyPage(pageURL, pageHTML string) PageKind {
	if extract.MatchesProductURL(pageURL) {
		return KindProductDetail
	}
	lower := strings.ToLower(pageURL)
	for _, m := range []string{"/s?", "/search", "?q=", "?k=", "/category/", "/browse/", "/b/", "/c/"} {
		if strings.Contains(lower, m) {
			return KindListing
		}
	}

	if pageHTML == "" {
		return KindOther
	}
	body := strings.ToLower(pageHTML)
	prices := len(bodyPriceRE.FindAllString(body, 30))
	carts := 0
	for _, phrase := range cartPhrases {
		carts += strings.Count(body, phrase)
	}

	switch {
	case prices >= 6:
		return KindListing
	case prices >= 1 && carts >= 1 && carts <= 3:
		return KindProductDetail
	case prices >= 3:
		return KindListing
	}
	return KindOther
}
