package research

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/net/html"

	"shopnerd/internal/browser"
	"shopnerd/internal/extract"
	"shopnerd/internal/fetch"
	"shopnerd/internal/intervention"
	"shopnerd/internal/logging"
	"shopnerd/internal/verify"
)

// FetcherLoader adapts the resilient fetcher to the PageLoader
// interface.
type FetcherLoader struct {
	Fetcher *fetch.Fetcher
}

func (l FetcherLoader) Load(ctx context.Context, rawURL string) (string, string, error) {
	res, err := l.Fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return "", "", err
	}
	return res.HTML, res.FinalURL, nil
}

// FetchSearch queries a search engine over plain HTTP and mines result
// anchors out of the response. Good enough for informational queries
// and as the fallback when no browser session is available.
type FetchSearch struct {
	loader    PageLoader
	engineURL string
}

func NewFetchSearch(loader PageLoader, engineURL string) *FetchSearch {
	if engineURL == "" {
		engineURL = "https://html.duckduckgo.com/html/"
	}
	return &FetchSearch{loader: loader, engineURL: engineURL}
}

func (s *FetchSearch) Search(ctx context.Context, query string) ([]SearchHit, error) {
	u, err := url.Parse(s.engineURL)
	if err != nil {
		return nil, fmt.Errorf("bad engine url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	pageHTML, finalURL, err := s.loader.Load(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("search fetch: %w", err)
	}
	hits := parseSearchHits(pageHTML, finalURL)
	logging.Research("search %q: %d hits", query, len(hits))
	return hits, nil
}

// searchBoxSelectors cover the common engines' query inputs.
var searchBoxSelectors = []string{
	`input[name="q"]`,
	`textarea[name="q"]`,
	`input[type="search"]`,
	`input[name="query"]`,
}

// BrowserSearch drives a search engine like a human: type the query
// into the box, press Enter, wait for results, read the anchors.
type BrowserSearch struct {
	sessions  *browser.SessionManager
	key       browser.ContextKey
	engineURL string
	detector  *intervention.Detector
	gate      verify.InterventionGate
	settle    time.Duration
}

func NewBrowserSearch(sessions *browser.SessionManager, key browser.ContextKey, engineURL string, gate verify.InterventionGate, settle time.Duration) *BrowserSearch {
	if engineURL == "" {
		engineURL = "https://duckduckgo.com"
	}
	return &BrowserSearch{
		sessions:  sessions,
		key:       key,
		engineURL: engineURL,
		detector:  intervention.NewDetector(),
		gate:      gate,
		settle:    settle,
	}
}

func (s *BrowserSearch) Search(ctx context.Context, query string) ([]SearchHit, error) {
	mc, err := s.sessions.GetOrCreate(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("search session: %w", err)
	}
	page := mc.Page().Context(ctx)

	if err := page.Navigate(s.engineURL); err != nil {
		return nil, fmt.Errorf("open search engine: %w", err)
	}
	if err := page.WaitDOMStable(500*time.Millisecond, 0.1); err != nil {
		logging.ResearchWarn("search page never settled: %v", err)
	}
	if err := s.clearBlocker(ctx, page); err != nil {
		return nil, err
	}

	box, err := s.findSearchBox(page)
	if err != nil {
		return nil, err
	}
	if err := box.Input(query); err != nil {
		return nil, fmt.Errorf("type query: %w", err)
	}
	wait := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := page.Keyboard.Press(input.Enter); err != nil {
		return nil, fmt.Errorf("submit query: %w", err)
	}
	wait()
	if err := page.WaitDOMStable(500*time.Millisecond, 0.1); err != nil {
		logging.ResearchWarn("results page never settled: %v", err)
	}
	if err := s.clearBlocker(ctx, page); err != nil {
		return nil, err
	}

	pageHTML, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	info, err := page.Info()
	if err != nil {
		return nil, fmt.Errorf("read url: %w", err)
	}
	hits := parseSearchHits(pageHTML, info.URL)
	logging.Research("search %q via browser: %d hits", query, len(hits))
	return hits, nil
}

func (s *BrowserSearch) findSearchBox(page *rod.Page) (*rod.Element, error) {
	for _, sel := range searchBoxSelectors {
		el, err := page.Timeout(3 * time.Second).Element(sel)
		if err != nil {
			continue
		}
		if visible, err := el.Visible(); err == nil && visible {
			return el, nil
		}
	}
	return nil, fmt.Errorf("no search box on %s", s.engineURL)
}

// clearBlocker handles a challenge on the search engine itself.
func (s *BrowserSearch) clearBlocker(ctx context.Context, page *rod.Page) error {
	pageHTML, err := page.HTML()
	if err != nil {
		return fmt.Errorf("read page: %w", err)
	}
	info, err := page.Info()
	if err != nil {
		return fmt.Errorf("read url: %w", err)
	}
	det := s.detector.Detect(intervention.PageSnapshot{URL: info.URL, Content: pageHTML})
	if det == nil {
		return nil
	}
	if s.gate == nil {
		return fmt.Errorf("search engine blocked by %s", det.Type)
	}
	iv, err := s.gate.Request(det, info.URL, s.key.Session, "")
	if err != nil {
		return fmt.Errorf("request intervention: %w", err)
	}
	if !s.gate.WaitForResolution(ctx, iv.ID, 0) {
		return fmt.Errorf("intervention %s unresolved", iv.ID)
	}
	if s.settle > 0 {
		t := time.NewTimer(s.settle)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// parseSearchHits mines external result anchors out of a search results
// page, unwrapping redirect links and dropping engine chrome.
func parseSearchHits(pageHTML, pageURL string) []SearchHit {
	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return nil
	}
	base, _ := url.Parse(pageURL)
	engineHost := ""
	if base != nil {
		engineHost = strings.TrimPrefix(base.Host, "www.")
	}

	var hits []SearchHit
	seen := map[string]bool{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(hits) >= 30 {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			href := attrVal(n, "href")
			text := strings.TrimSpace(anchorText(n))
			if target := resolveHit(href, base, engineHost); target != "" && len(text) >= 5 {
				if !seen[target] {
					seen[target] = true
					hits = append(hits, SearchHit{Title: text, URL: target})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return hits
}

// resolveHit resolves an anchor href to an external absolute URL, or
// "" when the link is engine-internal or junk.
func resolveHit(href string, base *url.URL, engineHost string) string {
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}

	// Redirect wrappers carry the real target in a query parameter.
	for _, param := range []string{"uddg", "url", "u"} {
		if wrapped := u.Query().Get(param); strings.HasPrefix(wrapped, "http") {
			if inner, err := url.Parse(wrapped); err == nil {
				u = inner
			}
			break
		}
	}

	host := strings.TrimPrefix(u.Host, "www.")
	if host == "" || host == engineHost {
		return ""
	}
	if extract.IsAdURL(u.String()) || extract.IsSkipURL(u.String()) {
		return ""
	}
	return u.String()
}

// attrVal returns an attribute value from an element node.
func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// anchorText flattens the text inside an anchor.
func anchorText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
