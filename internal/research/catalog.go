package research

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"shopnerd/internal/extract"
	"shopnerd/internal/logging"
)

// CatalogRequest asks for an enumeration of one vendor's catalog.
type CatalogRequest struct {
	VendorURL  string `json:"vendor_url"`
	VendorName string `json:"vendor_name"`
	Category   string `json:"category,omitempty"`
	MaxItems   int    `json:"max_items,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

// ContactInfo is whatever reachable contact detail the walk surfaced.
type ContactInfo struct {
	Emails []string `json:"emails,omitempty"`
	Phones []string `json:"phones,omitempty"`
}

// CatalogResult enumerates a vendor's catalog with pagination walked.
type CatalogResult struct {
	Vendor  string                 `json:"vendor"`
	Items   []extract.FusedProduct `json:"items"`
	Pages   int                    `json:"pages_walked"`
	Contact ContactInfo            `json:"contact"`
}

const (
	defaultCatalogItems = 50
	maxCatalogPages     = 10
)

// CatalogExplorer walks a vendor's listing pages following next-page
// links and scraping contact details along the way.
type CatalogExplorer struct {
	loader PageLoader
}

func NewCatalogExplorer(loader PageLoader) *CatalogExplorer {
	return &CatalogExplorer{loader: loader}
}

// Explore walks the catalog starting at the vendor URL.
func (e *CatalogExplorer) Explore(ctx context.Context, req CatalogRequest) (*CatalogResult, error) {
	if req.VendorURL == "" {
		return nil, fmt.Errorf("vendor_url required")
	}
	maxItems := req.MaxItems
	if maxItems <= 0 {
		maxItems = defaultCatalogItems
	}
	vendor := req.VendorName
	if vendor == "" {
		vendor = extract.VendorOf(req.VendorURL)
	}

	res := &CatalogResult{Vendor: vendor}
	contacts := newContactSet()
	seen := map[string]bool{}

	pageURL := req.VendorURL
	for page := 0; page < maxCatalogPages && len(res.Items) < maxItems; page++ {
		if ctx.Err() != nil {
			break
		}
		pageHTML, finalURL, err := e.loader.Load(ctx, pageURL)
		if err != nil {
			if page == 0 {
				return nil, fmt.Errorf("load catalog: %w", err)
			}
			logging.ResearchWarn("catalog page %d (%s): %v", page+1, pageURL, err)
			break
		}
		res.Pages++
		contacts.scan(pageHTML)

		candidates := extract.DedupeCandidates(append(
			extract.ExtractFromHTML(pageHTML, finalURL),
			extract.ExtractUniversal(pageHTML, finalURL)...))
		for _, fp := range extract.FuseHTMLOnly(candidates) {
			if len(res.Items) >= maxItems {
				break
			}
			if req.Category != "" && !matchesCategory(fp.Title, req.Category) {
				continue
			}
			key := extract.NormalizeURL(fp.URL)
			if seen[key] {
				continue
			}
			seen[key] = true
			res.Items = append(res.Items, fp)
		}

		next := findNextPageURL(pageHTML, finalURL)
		if next == "" || next == pageURL {
			break
		}
		pageURL = next
	}

	res.Contact = contacts.result()
	logging.Research("catalog %s: %d items over %d pages", vendor, len(res.Items), res.Pages)
	return res, nil
}

func matchesCategory(title, category string) bool {
	lt := strings.ToLower(title)
	for _, term := range strings.Fields(strings.ToLower(category)) {
		if strings.Contains(lt, term) {
			return true
		}
	}
	return false
}

// nextLinkTexts are anchor texts that mean "next page".
var nextLinkTexts = map[string]bool{
	"next": true, "next page": true, "next »": true, "»": true, "›": true,
	"more results": true, "show more": true,
}

// findNextPageURL probes rel=next first, then next-looking anchor
// texts, then a page-number query bump.
func findNextPageURL(pageHTML, pageURL string) string {
	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return ""
	}
	base, _ := url.Parse(pageURL)

	var relNext, textNext string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "a" || n.Data == "link") {
			href := attrVal(n, "href")
			if href != "" {
				if strings.EqualFold(attrVal(n, "rel"), "next") && relNext == "" {
					relNext = href
				}
				if n.Data == "a" && textNext == "" {
					text := strings.ToLower(strings.TrimSpace(anchorText(n)))
					aria := strings.ToLower(attrVal(n, "aria-label"))
					if nextLinkTexts[text] || strings.Contains(aria, "next page") {
						textNext = href
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	for _, href := range []string{relNext, textNext} {
		if href == "" {
			continue
		}
		if u, err := url.Parse(href); err == nil && base != nil {
			return base.ResolveReference(u).String()
		}
	}
	return bumpPageParam(base)
}

// pageParams are the query keys retailers use for page numbers.
var pageParams = []string{"page", "p", "pg"}

// bumpPageParam increments an existing page-number query parameter.
// A URL without one yields nothing; guessing a scheme is worse than
// stopping.
func bumpPageParam(base *url.URL) string {
	if base == nil {
		return ""
	}
	q := base.Query()
	for _, key := range pageParams {
		if v := q.Get(key); v != "" {
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n >= 1 {
				u := *base
				q.Set(key, fmt.Sprintf("%d", n+1))
				u.RawQuery = q.Encode()
				return u.String()
			}
		}
	}
	return ""
}

var (
	emailRE = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRE = regexp.MustCompile(`\(?\d{3}\)?[\s.\-]\d{3}[\s.\-]\d{4}`)
)

// emailNoise filters asset filenames that match the email shape.
var emailNoise = []string{".png", ".jpg", ".svg", ".gif", ".webp", "example.com", "sentry"}

type contactSet struct {
	emails map[string]bool
	phones map[string]bool
}

func newContactSet() *contactSet {
	return &contactSet{emails: map[string]bool{}, phones: map[string]bool{}}
}

func (c *contactSet) scan(pageHTML string) {
	for _, m := range emailRE.FindAllString(pageHTML, 20) {
		lm := strings.ToLower(m)
		noisy := false
		for _, n := range emailNoise {
			if strings.Contains(lm, n) {
				noisy = true
				break
			}
		}
		if !noisy {
			c.emails[lm] = true
		}
	}
	for _, m := range phoneRE.FindAllString(pageHTML, 20) {
		c.phones[m] = true
	}
}

func (c *contactSet) result() ContactInfo {
	var out ContactInfo
	for e := range c.emails {
		out.Emails = append(out.Emails, e)
	}
	for p := range c.phones {
		out.Phones = append(out.Phones, p)
	}
	sort.Strings(out.Emails)
	sort.Strings(out.Phones)
	return out
}
