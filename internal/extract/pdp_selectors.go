package extract

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"shopnerd/internal/logging"
	"shopnerd/internal/pageintel"
	"shopnerd/internal/perception"

	"golang.org/x/net/html"
)

// siteSelectors is a static selector set for one known retailer, with
// a minimum sane price for its product mix.
type siteSelectors struct {
	Price    string
	Title    string
	Cart     string
	MinPrice float64
}

// knownSites maps retail domains to hand-curated selectors. Electronics
// retailers get a high floor so shipping-cost and accessory prices are
// not mistaken for the product price.
var knownSites = map[string]siteSelectors{
	"amazon.com": {
		Price:    "span.a-price span.a-offscreen, #corePrice_feature_div span.a-offscreen",
		Title:    "#productTitle",
		Cart:     "#add-to-cart-button",
		MinPrice: 50,
	},
	"walmart.com": {
		Price:    `[itemprop="price"], [data-testid="price-wrap"] span.f2`,
		Title:    "h1#main-title, h1[itemprop=\"name\"]",
		Cart:     `[data-testid="add-to-cart-section"] button`,
		MinPrice: 50,
	},
	"bestbuy.com": {
		Price:    `[data-testid="customer-price"] span, .priceView-customer-price span`,
		Title:    ".sku-title h1",
		Cart:     ".add-to-cart-button",
		MinPrice: 50,
	},
	"newegg.com": {
		Price:    ".price-current",
		Title:    ".product-title",
		Cart:     ".btn-primary.btn-wide",
		MinPrice: 50,
	},
	"target.com": {
		Price:    `[data-test="product-price"]`,
		Title:    `h1[data-test="product-title"]`,
		Cart:     `[data-test="shippingButton"]`,
		MinPrice: 20,
	},
	"chewy.com": {
		Price:    `[data-testid="advertised-price"], .styles-price`,
		Title:    `[data-testid="product-title"], h1`,
		Cart:     `[data-testid="add-to-cart"]`,
		MinPrice: 1,
	},
	"petco.com": {
		Price:    ".product-price, [data-testid*=\"price\"]",
		Title:    "h1.product-name, h1",
		Cart:     "button.add-to-cart",
		MinPrice: 1,
	},
}

// knownSiteFor returns the selector table for a URL's domain.
func knownSiteFor(pageURL string) (siteSelectors, bool) {
	vendor := VendorOf(pageURL)
	s, ok := knownSites[vendor]
	return s, ok
}

// learnedSelectors is the LLM's calibrated answer for one domain.
type learnedSelectors struct {
	PriceSelector string `json:"price_selector"`
	TitleSelector string `json:"title_selector"`
	CartSelector  string `json:"cart_button_selector"`
}

// selectorLearner calibrates and caches PDP selectors per domain. The
// cache is backed by the schema store so calibration survives restarts.
type selectorLearner struct {
	llm   perception.Client
	store *pageintel.SchemaStore

	mu    sync.Mutex
	cache map[string]*learnedSelectors
}

func newSelectorLearner(llm perception.Client, store *pageintel.SchemaStore) *selectorLearner {
	return &selectorLearner{llm: llm, store: store, cache: map[string]*learnedSelectors{}}
}

// selectorsFor returns cached selectors for a domain, calibrating on
// first miss.
func (l *selectorLearner) selectorsFor(ctx context.Context, domain string, doc *html.Node) (*learnedSelectors, error) {
	l.mu.Lock()
	if ls, ok := l.cache[domain]; ok {
		l.mu.Unlock()
		return ls, nil
	}
	l.mu.Unlock()

	if sc, err := l.store.LoadSchema(domain, pageintel.PageProductDetail); err == nil && sc != nil {
		if sc.Selectors["pdp_price"] != "" {
			ls := &learnedSelectors{
				PriceSelector: sc.Selectors["pdp_price"],
				TitleSelector: sc.Selectors["pdp_title"],
				CartSelector:  sc.Selectors["pdp_cart"],
			}
			l.mu.Lock()
			l.cache[domain] = ls
			l.mu.Unlock()
			return ls, nil
		}
	}

	snapshot := buildPDPSnapshot(doc)
	raw, err := l.llm.CompleteRecipe(ctx, "pdp_selectors", map[string]string{
		"domain":   domain,
		"snapshot": snapshot,
	})
	if err != nil {
		return nil, fmt.Errorf("pdp selector calibration: %w", err)
	}
	ls, err := perception.DecodeObject[learnedSelectors](raw)
	if err != nil {
		return nil, fmt.Errorf("pdp selector parse: %w", err)
	}
	if pageintel.IsHashedSelector(ls.PriceSelector) || pageintel.IsHashedSelector(ls.TitleSelector) {
		return nil, fmt.Errorf("pdp selector calibration emitted hashed selectors")
	}

	l.mu.Lock()
	l.cache[domain] = &ls
	l.mu.Unlock()

	if err := l.store.SaveSchema(&pageintel.ExtractionSchema{
		Domain:   domain,
		PageType: pageintel.PageProductDetail,
		Selectors: map[string]string{
			"pdp_price": ls.PriceSelector,
			"pdp_title": ls.TitleSelector,
			"pdp_cart":  ls.CartSelector,
		},
	}); err != nil {
		logging.PDPWarn("persist pdp selectors for %s failed: %v", domain, err)
	}
	logging.PDP("calibrated pdp selectors for %s: price=%q title=%q", domain, ls.PriceSelector, ls.TitleSelector)
	return &ls, nil
}

// recordOutcome feeds learned-selector successes and failures back to
// the schema store counters.
func (l *selectorLearner) recordOutcome(domain string, ok bool, reason string) {
	sc, err := l.store.LoadSchema(domain, pageintel.PageProductDetail)
	if err != nil || sc == nil {
		return
	}
	if ok {
		sc.SuccessCount++
		sc.LastFailureReason = ""
	} else {
		sc.FailureCount++
		sc.LastFailureReason = reason
	}
	if err := l.store.SaveSchema(sc); err != nil {
		logging.PDPWarn("persist pdp outcome for %s failed: %v", domain, err)
	}
	if sc.NeedsRecalibration() {
		l.mu.Lock()
		delete(l.cache, domain)
		l.mu.Unlock()
	}
}

// snapshot bounds; a PDP snapshot is a prompt, not a page dump.
const (
	maxSnapshotPrices = 15
	maxSnapshotTitles = 8
	maxSnapshotCarts  = 8
)

// buildPDPSnapshot summarizes the page for selector calibration:
// candidate price elements, title candidates, and cart-like buttons,
// each rendered with a usable selector.
func buildPDPSnapshot(doc *html.Node) string {
	var prices, titles, carts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			text := directNodeText(n)
			sel := selectorSketch(n)
			switch {
			case priceRE.MatchString(text) && len(prices) < maxSnapshotPrices:
				prices = append(prices, fmt.Sprintf("  %s -> %q", sel, truncateText(text, 40)))
			case (n.Data == "h1" || n.Data == "h2") && text != "" && len(titles) < maxSnapshotTitles:
				titles = append(titles, fmt.Sprintf("  %s -> %q", sel, truncateText(text, 80)))
			case n.Data == "button" && looksLikeCart(text) && len(carts) < maxSnapshotCarts:
				carts = append(carts, fmt.Sprintf("  %s -> %q", sel, truncateText(text, 40)))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var sb strings.Builder
	sb.WriteString("PRICE CANDIDATES:\n")
	sb.WriteString(strings.Join(prices, "\n"))
	sb.WriteString("\nTITLE CANDIDATES:\n")
	sb.WriteString(strings.Join(titles, "\n"))
	sb.WriteString("\nCART BUTTONS:\n")
	sb.WriteString(strings.Join(carts, "\n"))
	return sb.String()
}

func looksLikeCart(text string) bool {
	lt := strings.ToLower(text)
	return strings.Contains(lt, "add to cart") || strings.Contains(lt, "add to basket") ||
		strings.Contains(lt, "buy now") || strings.Contains(lt, "add to bag")
}

// selectorSketch renders a node as the selector a calibrator would
// write for it.
func selectorSketch(n *html.Node) string {
	var sb strings.Builder
	sb.WriteString(n.Data)
	if id := nodeAttr(n, "id"); id != "" {
		sb.WriteString("#" + id)
		return sb.String()
	}
	if tid := nodeAttr(n, "data-testid"); tid != "" {
		fmt.Fprintf(&sb, `[data-testid="%s"]`, tid)
		return sb.String()
	}
	for i, c := range strings.Fields(nodeAttr(n, "class")) {
		if i >= 2 {
			break
		}
		sb.WriteString("." + c)
	}
	return sb.String()
}

func directNodeText(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
			sb.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}
