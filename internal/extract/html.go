package extract

import (
	"fmt"
	"net/url"
	"strings"

	"shopnerd/internal/logging"

	"golang.org/x/net/html"
)

// Per-strategy confidences for the HTML extractor.
const (
	confJSONLD       = 0.95
	confURLPattern   = 0.85
	confDOMHeuristic = 0.70
)

// maxContainerText bounds the DOM-proximity heuristic to card-sized
// containers; anything longer is a section, not a product card.
const maxContainerText = 2000

// ExtractFromHTML mines product URL candidates from page HTML with
// three strategies in confidence order: JSON-LD, URL-pattern matches,
// and the price-proximity DOM heuristic. Results are deduplicated by
// normalized URL, keeping the highest confidence.
func ExtractFromHTML(pageHTML, pageURL string) []HTMLCandidate {
	if strings.TrimSpace(pageHTML) == "" {
		return nil
	}
	base, _ := url.Parse(pageURL)

	var candidates []HTMLCandidate
	candidates = append(candidates, fromJSONLD(pageHTML, base)...)

	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		logging.Extraction("html parse failed for %s: %v", pageURL, err)
		return DedupeCandidates(candidates)
	}
	if HasNoResults(textContent(doc)) {
		logging.Extraction("no-results page at %s", pageURL)
		return nil
	}

	candidates = append(candidates, fromURLPatterns(doc, base)...)
	candidates = append(candidates, fromDOMProximity(doc, base)...)

	out := DedupeCandidates(candidates)
	logging.Extraction("html extraction at %s: %d candidates (%d before dedupe)",
		pageURL, len(out), len(candidates))
	return out
}

func fromJSONLD(pageHTML string, base *url.URL) []HTMLCandidate {
	var out []HTMLCandidate
	for _, p := range parseJSONLD(pageHTML) {
		if p.URL == "" || p.Name == "" {
			continue
		}
		abs := absolutize(base, p.URL)
		if IsSkipURL(abs) {
			continue
		}
		c := HTMLCandidate{
			URL:        abs,
			LinkText:   p.Name,
			Title:      p.Name,
			Context:    p.Description,
			Source:     SourceJSONLD,
			Confidence: confJSONLD,
		}
		if price := p.effectivePrice(); price != nil {
			c.Price = fmt.Sprintf("$%.2f", *price)
		}
		out = append(out, c)
	}
	return out
}

func fromURLPatterns(doc *html.Node, base *url.URL) []HTMLCandidate {
	var out []HTMLCandidate
	walkAnchors(doc, func(a *html.Node, href, text string) {
		abs := absolutize(base, href)
		if !MatchesProductURL(abs) || IsSkipURL(abs) || IsGarbageLinkText(text) {
			return
		}
		out = append(out, HTMLCandidate{
			URL:        abs,
			LinkText:   text,
			Source:     SourceURLPattern,
			Confidence: confURLPattern,
		})
	})
	return out
}

// fromDOMProximity enumerates links inside card-sized containers whose
// visible text includes a price.
func fromDOMProximity(doc *html.Node, base *url.URL) []HTMLCandidate {
	var out []HTMLCandidate
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && isContainerTag(n.Data) {
			text := textContent(n)
			if len(text) < maxContainerText && priceRE.MatchString(text) {
				price := priceRE.FindString(text)
				walkAnchors(n, func(a *html.Node, href, linkText string) {
					abs := absolutize(base, href)
					if IsSkipURL(abs) || IsGarbageLinkText(linkText) {
						return
					}
					out = append(out, HTMLCandidate{
						URL:        abs,
						LinkText:   linkText,
						Context:    truncateText(text, 300),
						Price:      price,
						Source:     SourceDOMHeuristic,
						Confidence: confDOMHeuristic,
					})
				})
				return // do not descend into nested cards
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

func isContainerTag(tag string) bool {
	switch tag {
	case "div", "li", "article", "section", "td":
		return true
	}
	return false
}

// walkAnchors visits every <a href> under root.
func walkAnchors(root *html.Node, visit func(a *html.Node, href, text string)) {
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if strings.EqualFold(attr.Key, "href") && attr.Val != "" {
					visit(n, attr.Val, textContent(n))
					break
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
}

// textContent collects visible text under a node.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
			return
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func absolutize(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
