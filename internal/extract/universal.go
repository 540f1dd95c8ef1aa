package extract

import (
	"net/url"
	"strings"

	"shopnerd/internal/logging"

	"golang.org/x/net/html"
)

// Universal extraction works inside-out: find a price, then climb to
// the card that holds it. It needs no learned schema and survives any
// site redesign that keeps prices next to product links.

const (
	confUniversal     = 0.85
	maxAncestorClimb  = 10
	universalTarget   = 3
	universalHardCap  = 20
)

// titleTags are heading-like elements a product card uses for its name.
var titleTags = map[string]bool{
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
}

// ExtractUniversal runs the price-anchored walk over page HTML: for
// every text node matching a price, ascend up to ten ancestors looking
// for a container holding both a product link and a title element.
// Stops once the hard cap is reached.
func ExtractUniversal(pageHTML, pageURL string) []HTMLCandidate {
	if strings.TrimSpace(pageHTML) == "" {
		return nil
	}
	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return nil
	}
	if HasNoResults(textContent(doc)) {
		return nil
	}
	base, _ := url.Parse(pageURL)

	parents := buildParentIndex(doc)
	seen := map[string]bool{}
	usedContainers := map[*html.Node]bool{}
	var out []HTMLCandidate

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if len(out) >= universalHardCap {
			return
		}
		if n.Type == html.TextNode && priceRE.MatchString(n.Data) {
			if c, container := climbToCard(n, parents, base); c != nil && !usedContainers[container] {
				key := NormalizeURL(c.URL)
				if !seen[key] {
					seen[key] = true
					usedContainers[container] = true
					out = append(out, *c)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if len(out) < universalTarget {
		logging.ExtractionDebug("universal walk at %s found only %d candidates", pageURL, len(out))
	}
	return out
}

// climbToCard ascends from a price text node to the smallest ancestor
// that holds both a product link and a title element.
func climbToCard(priceNode *html.Node, parents map[*html.Node]*html.Node, base *url.URL) (*HTMLCandidate, *html.Node) {
	price := priceRE.FindString(priceNode.Data)
	node := parents[priceNode]
	for depth := 0; node != nil && depth < maxAncestorClimb; depth++ {
		if node.Type == html.ElementNode && isContainerTag(node.Data) {
			href, linkText := productLinkIn(node, base)
			title := titleIn(node)
			if href != "" && title != "" {
				text := textContent(node)
				if len(text) < maxContainerText {
					return &HTMLCandidate{
						URL:        href,
						LinkText:   linkText,
						Title:      title,
						Price:      price,
						Context:    truncateText(text, 300),
						Source:     SourceUniversalJS,
						Confidence: confUniversal,
					}, node
				}
			}
		}
		node = parents[node]
	}
	return nil, nil
}

// productLinkIn returns the first product-shaped link in a container.
func productLinkIn(container *html.Node, base *url.URL) (href, text string) {
	walkAnchors(container, func(a *html.Node, h, t string) {
		if href != "" {
			return
		}
		abs := absolutize(base, h)
		if IsSkipURL(abs) || !MatchesProductURL(abs) {
			return
		}
		href, text = abs, t
	})
	return href, text
}

// titleIn returns the text of the first heading-like element, falling
// back to the longest link text.
func titleIn(container *html.Node) string {
	var title string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && titleTags[n.Data] {
			if t := textContent(n); !IsGarbageLinkText(t) {
				title = t
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(container)
	if title != "" {
		return title
	}

	longest := ""
	walkAnchors(container, func(a *html.Node, h, t string) {
		if len(t) > len(longest) && !IsGarbageLinkText(t) {
			longest = t
		}
	})
	return longest
}

func buildParentIndex(doc *html.Node) map[*html.Node]*html.Node {
	parents := map[*html.Node]*html.Node{}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			parents[c] = n
			walk(c)
		}
	}
	walk(doc)
	return parents
}

// universalJS is the in-page variant of the same walk, evaluated on a
// live page when the HTML has not been materialized. It mirrors
// ExtractUniversal and returns [{title, price, url, context}].
const universalJS = `() => {
	const priceRe = /\$[\d,]+\.?\d{0,2}/;
	const results = [];
	const used = new Set();
	const walker = document.createTreeWalker(document.body, NodeFilter.SHOW_TEXT);
	while (results.length < 20) {
		const node = walker.nextNode();
		if (!node) break;
		const m = node.textContent.match(priceRe);
		if (!m) continue;
		let el = node.parentElement;
		for (let depth = 0; el && depth < 10; depth++, el = el.parentElement) {
			if (used.has(el)) break;
			const link = el.querySelector('a[href*="/product"], a[href*="/dp/"], a[href*="/item"], a[href*="/p/"], a[href*="/ip/"], a[href*="/pd/"]');
			const heading = el.querySelector('h1,h2,h3,h4,h5');
			if (link && heading && el.innerText.length < 2000) {
				used.add(el);
				results.push({
					title: heading.innerText.trim(),
					price: m[0],
					url: link.href,
					context: el.innerText.slice(0, 300)
				});
				break;
			}
		}
	}
	return JSON.stringify(results);
}`

// UniversalJS exposes the in-page walk source for browser evaluation.
func UniversalJS() string { return universalJS }
