package pageintel

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"shopnerd/internal/config"
)

// scriptedClient replays canned completions per recipe name and counts
// calls so tests can assert cache behavior.
type scriptedClient struct {
	answers map[string]string
	calls   map[string]int
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{
		answers: map[string]string{
			"zone_identification": `{
				"page_type": "search_results",
				"primary_zone": "product_grid",
				"availability_status": "available_online",
				"confidence": 0.85,
				"zones": [{"zone_type": "product_grid", "anchors": ["div.results"], "confidence": 0.9}]
			}`,
			"selector_generation": `{
				"item_selector": "div.product-card",
				"title": "h2.product-title",
				"price": "span.price",
				"link": "a.product-link",
				"confidence": 0.8
			}`,
		},
		calls: map[string]int{},
	}
}

func (c *scriptedClient) Complete(ctx context.Context, system, user string) (string, error) {
	c.calls["complete"]++
	return c.answers["complete"], nil
}

func (c *scriptedClient) CompleteRecipe(ctx context.Context, recipe string, vars map[string]string) (string, error) {
	c.calls[recipe]++
	ans, ok := c.answers[recipe]
	if !ok {
		return "", fmt.Errorf("no scripted answer for recipe %q", recipe)
	}
	return ans, nil
}

const listingHTML = `<html><body><div class="results">
  <div class="product-card">
    <h2 class="product-title">ACME Laptop 15 RTX 4060</h2>
    <span class="price">$1,199.99</span>
    <a class="product-link" href="/product/acme-laptop-15">view</a>
  </div>
  <div class="product-card">
    <h2 class="product-title">Bolt Gaming 17</h2>
    <span class="price">$899.00</span>
    <a class="product-link" href="/product/bolt-gaming-17">view</a>
  </div>
  <div class="product-card">
    <h2 class="product-title">Nimbus Air 13</h2>
    <span class="price">$649.50</span>
    <a class="product-link" href="/product/nimbus-air-13">view</a>
  </div>
</div></body></html>`

func newTestService(t *testing.T) (*Service, *scriptedClient) {
	t.Helper()
	llm := newScriptedClient()
	store := NewSchemaStore(t.TempDir())
	return NewService(llm, store, config.DefaultConfig().Perception), llm
}

func TestUnderstandCalibratesAndCaches(t *testing.T) {
	svc, llm := newTestService(t)
	url := "https://shop.example/search?q=laptop"

	u, err := svc.Understand(context.Background(), listingHTML, url, false)
	if err != nil {
		t.Fatal(err)
	}
	if u.PageType != PageSearchResults {
		t.Errorf("page type = %s", u.PageType)
	}
	if u.Strategy != StrategySelector {
		t.Errorf("strategy = %s, want selector", u.Strategy)
	}
	p := u.Primary()
	if p == nil || p.Fields["product_card"] != "div.product-card" {
		t.Fatalf("primary zone = %+v", p)
	}

	// Second call is a cache hit; no further solver traffic.
	if _, err := svc.Understand(context.Background(), listingHTML, url, false); err != nil {
		t.Fatal(err)
	}
	if llm.calls["zone_identification"] != 1 {
		t.Errorf("zone_identification called %d times, want 1", llm.calls["zone_identification"])
	}
}

func TestUnderstandSurvivesRestartViaStore(t *testing.T) {
	dir := t.TempDir()
	url := "https://shop.example/search?q=laptop"

	first := NewService(newScriptedClient(), NewSchemaStore(dir), config.DefaultConfig().Perception)
	if _, err := first.Understand(context.Background(), listingHTML, url, false); err != nil {
		t.Fatal(err)
	}

	// A new process with an empty LRU loads from the JSONL store.
	llm := newScriptedClient()
	second := NewService(llm, NewSchemaStore(dir), config.DefaultConfig().Perception)
	u, err := second.Understand(context.Background(), listingHTML, url, false)
	if err != nil {
		t.Fatal(err)
	}
	if u.Primary() == nil || u.Primary().Fields["price"] != "span.price" {
		t.Errorf("persisted understanding lost fields: %+v", u.Primary())
	}
	if llm.calls["zone_identification"] != 0 {
		t.Error("store hit should not call the solver")
	}
}

func TestForceRefreshRecalibrates(t *testing.T) {
	svc, llm := newTestService(t)
	url := "https://shop.example/search?q=laptop"

	if _, err := svc.Understand(context.Background(), listingHTML, url, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Understand(context.Background(), listingHTML, url, true); err != nil {
		t.Fatal(err)
	}
	if llm.calls["zone_identification"] != 2 {
		t.Errorf("force refresh did not recalibrate, %d calls", llm.calls["zone_identification"])
	}
}

func TestExtractAppliesSelectors(t *testing.T) {
	svc, _ := newTestService(t)
	url := "https://shop.example/search?q=laptop"
	u, err := svc.Understand(context.Background(), listingHTML, url, false)
	if err != nil {
		t.Fatal(err)
	}

	items, err := svc.Extract(listingHTML, url, u)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	if items[0].Title != "ACME Laptop 15 RTX 4060" {
		t.Errorf("title = %q", items[0].Title)
	}
	if items[0].Price != "$1,199.99" {
		t.Errorf("price = %q", items[0].Price)
	}
	if items[0].URL != "https://shop.example/product/acme-laptop-15" {
		t.Errorf("url not absolute: %q", items[0].URL)
	}
}

func TestExtractLowYieldSignal(t *testing.T) {
	svc, _ := newTestService(t)
	u := &PageUnderstanding{
		Domain:     "shop.example",
		PageType:   PageSearchResults,
		Confidence: 0.3,
		Zones: []Zone{{
			ZoneType: "product_grid",
			Fields:   map[string]string{"product_card": "div.product-card", "title": "h2"},
		}},
	}
	_, err := svc.Extract("<html><body><p>nothing here</p></body></html>", "https://shop.example/", u)
	if err != ErrLowYield {
		t.Errorf("err = %v, want ErrLowYield", err)
	}
}

func TestRecalibrationThreshold(t *testing.T) {
	svc, llm := newTestService(t)
	url := "https://shop.example/search?q=laptop"
	if _, err := svc.Understand(context.Background(), listingHTML, url, false); err != nil {
		t.Fatal(err)
	}

	svc.RecordSuccess("shop.example", PageSearchResults)
	svc.RecordFailure("shop.example", PageSearchResults, "zero items")
	if svc.NeedsRecalibration("shop.example", PageSearchResults) {
		t.Fatal("one failure vs one success must not trigger recalibration")
	}
	svc.RecordFailure("shop.example", PageSearchResults, "zero items")
	if !svc.NeedsRecalibration("shop.example", PageSearchResults) {
		t.Fatal("failures >= 2x successes must trigger recalibration")
	}

	// The next Understand rebuilds without forceRefresh.
	if _, err := svc.Understand(context.Background(), listingHTML, url, false); err != nil {
		t.Fatal(err)
	}
	if llm.calls["zone_identification"] != 2 {
		t.Errorf("recalibration threshold did not force a rebuild, %d calls", llm.calls["zone_identification"])
	}
}

func TestHashedSelectorsRejected(t *testing.T) {
	tests := []struct {
		sel  string
		want bool
	}{
		{"div.ProductCard-sc-1a2b3c", true},
		{"span.css-4f9a21", true},
		{"div.Card__root-9f3acb12", true},
		{"span.price", false},
		{`[data-testid="product-price"]`, false},
		{"h2.product-title", false},
	}
	for _, tt := range tests {
		if got := IsHashedSelector(tt.sel); got != tt.want {
			t.Errorf("IsHashedSelector(%q) = %v, want %v", tt.sel, got, tt.want)
		}
	}
}

func TestCalibrationDropsHashedSelectors(t *testing.T) {
	llm := newScriptedClient()
	llm.answers["selector_generation"] = `{
		"item_selector": "div.product-card",
		"title": "h2.Title-sc-9ff3a1",
		"price": "span.price",
		"confidence": 0.8
	}`
	svc := NewService(llm, NewSchemaStore(t.TempDir()), config.DefaultConfig().Perception)

	u, err := svc.Understand(context.Background(), listingHTML, "https://shop.example/search?q=x", false)
	if err != nil {
		t.Fatal(err)
	}
	p := u.Primary()
	if _, ok := p.Fields["title"]; ok {
		t.Errorf("hashed title selector kept: %+v", p.Fields)
	}
	if u.Strategy != StrategyHybrid {
		t.Errorf("strategy = %s, want hybrid after a rejected selector", u.Strategy)
	}
}

func TestLRUBounded(t *testing.T) {
	c := newLRUCache(3)
	for i := 0; i < 5; i++ {
		c.put(fmt.Sprintf("d%d|search_results", i), &PageUnderstanding{})
	}
	if c.order.Len() != 3 {
		t.Errorf("lru len = %d, want 3", c.order.Len())
	}
	if _, ok := c.get("d0|search_results"); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.get("d4|search_results"); !ok {
		t.Error("newest entry missing")
	}
}

func TestSimplifyDOMHighlightsRepeats(t *testing.T) {
	out := SimplifyDOM(listingHTML)
	if !strings.Contains(out, "product-card") {
		t.Errorf("simplified DOM lost the card class:\n%s", out)
	}
	if !strings.Contains(out, "REPEATED CLASSES") {
		t.Log(out)
		// Three cards is below the repeat threshold of four; add one.
		bigger := strings.Replace(listingHTML, "</div></body>", `<div class="product-card"><h2 class="product-title">Quartz 14</h2><span class="price">$500</span></div></div></body>`, 1)
		out = SimplifyDOM(bigger)
		if !strings.Contains(out, "REPEATED CLASSES") {
			t.Errorf("repeated-class stats missing:\n%s", out)
		}
	}
}

func TestGuessPageType(t *testing.T) {
	tests := []struct {
		url  string
		want PageType
	}{
		{"https://shop.example/search?q=laptop", PageSearchResults},
		{"https://shop.example/?k=laptop", PageSearchResults},
		{"https://shop.example/product/acme-15", PageProductDetail},
		{"https://shop.example/dp/B0ABCDEF", PageProductDetail},
		{"https://shop.example/category/laptops", PageCategory},
		{"https://shop.example/", PageHomepage},
		{"https://shop.example/about-us", PageUnknown},
	}
	for _, tt := range tests {
		if got := GuessPageType(tt.url); got != tt.want {
			t.Errorf("GuessPageType(%q) = %s, want %s", tt.url, got, tt.want)
		}
	}
}
