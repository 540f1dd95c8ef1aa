package extract

import (
	"regexp"
	"strings"
)

// priceRE matches dollar-denominated prices anywhere in text.
var priceRE = regexp.MustCompile(`\$[\d,]+\.?\d{0,2}`)

// adURLSubstrings mark ad, tracking, and redirect URLs.
var adURLSubstrings = []string{
	"aax-us-east",
	"/sspa/",
	"/gp/r.html",
	"doubleclick.net",
	"googleadservices.com",
	"googlesyndication.com",
	"/adclick",
	"/aclk?",
	"utm_source=ads",
	"amazon-adsystem.com",
}

// skipURLSubstrings mark navigation, not products.
var skipURLSubstrings = []string{
	"/search", "/category", "/filter", "/browse", "/account",
	"/cart", "/checkout", "/wishlist", "/signin", "/login", "/register",
	"/help", "/customer-service", "/stores", "/deals-overview",
}

// uiLinkText is the denylist of link texts that are UI chrome rather
// than product titles.
var uiLinkText = map[string]bool{
	"add to cart": true, "add to basket": true, "buy now": true,
	"see all": true, "see more": true, "view all": true, "shop all": true,
	"shop now": true, "learn more": true, "details": true, "view details": true,
	"home": true, "next": true, "previous": true, "back": true,
	"sign in": true, "account": true, "cart": true, "menu": true,
	"compare": true, "quick view": true, "save": true, "share": true,
	"amazon": true, "walmart": true, "best buy": true, "target": true,
	"newegg": true, "ebay": true,
	"laptops": true, "computers": true, "electronics": true, "accessories": true,
}

// noResultsPhrases mark empty result pages; extraction short-circuits.
var noResultsPhrases = []string{
	"we found 0 items",
	"no matching products",
	"no results found",
	"did not match any products",
	"0 results for",
	"your search returned no results",
	"try checking your spelling",
}

// sponsoredTitleSubstrings filter non-product rows from vision output.
var sponsoredTitleSubstrings = []string{
	"sponsored",
	"featured partner",
	"customers also viewed",
	"customers also bought",
	"related searches",
	"advertisement",
	"people also ask",
}

// IsAdURL reports whether a URL points at ad or tracking infrastructure.
func IsAdURL(u string) bool {
	lu := strings.ToLower(u)
	for _, s := range adURLSubstrings {
		if strings.Contains(lu, s) {
			return true
		}
	}
	return false
}

// IsSkipURL reports whether a URL is site navigation rather than a
// product.
func IsSkipURL(u string) bool {
	lu := strings.ToLower(u)
	if lu == "" || lu == "#" || strings.HasPrefix(lu, "javascript:") || strings.HasPrefix(lu, "mailto:") {
		return true
	}
	for _, s := range skipURLSubstrings {
		if strings.Contains(lu, s) {
			return true
		}
	}
	return IsAdURL(u)
}

// IsGarbageLinkText reports whether link text is UI chrome.
func IsGarbageLinkText(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if len(t) < 4 {
		return true
	}
	if uiLinkText[t] {
		return true
	}
	// Pure price text is a price tag, not a title.
	if priceRE.MatchString(t) && len(priceRE.ReplaceAllString(t, "")) < 4 {
		return true
	}
	return false
}

// HasNoResults reports whether page text declares an empty result set.
func HasNoResults(text string) bool {
	lt := strings.ToLower(text)
	for _, p := range noResultsPhrases {
		if strings.Contains(lt, p) {
			return true
		}
	}
	return false
}

// IsSponsoredTitle reports whether a vision-extracted title is a
// sponsored or non-product row.
func IsSponsoredTitle(title string) bool {
	lt := strings.ToLower(title)
	for _, s := range sponsoredTitleSubstrings {
		if strings.Contains(lt, s) {
			return true
		}
	}
	return false
}

// productURLPatterns are the known product path shapes.
var productURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/dp/[A-Z0-9]{6,}`),
	regexp.MustCompile(`/product/[\w-]+`),
	regexp.MustCompile(`/products/[\w-]+`),
	regexp.MustCompile(`/p/[\w-]+`),
	regexp.MustCompile(`/item/[\w-]+`),
	regexp.MustCompile(`/ip/[\w-]*\d`),
	regexp.MustCompile(`/pd/[\w-]+`),
	regexp.MustCompile(`/itm/\d+`),
	regexp.MustCompile(`/site/[\w-]+/\d+\.p`),
}

// MatchesProductURL reports whether a URL path looks like a PDP.
func MatchesProductURL(u string) bool {
	for _, re := range productURLPatterns {
		if re.MatchString(u) {
			return true
		}
	}
	return false
}
