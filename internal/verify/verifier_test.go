package verify

import (
	"context"
	"fmt"
	"testing"

	"shopnerd/internal/config"
	"shopnerd/internal/extract"
	"shopnerd/internal/pageintel"
)

// fakeDriver serves canned HTML per URL and tracks navigation history.
type fakeDriver struct {
	pages   map[string]string
	current string
	stack   []string
	clicks  int
}

func (d *fakeDriver) Navigate(ctx context.Context, rawURL string) error {
	if _, ok := d.pages[rawURL]; !ok {
		return fmt.Errorf("no page at %s", rawURL)
	}
	d.stack = append(d.stack, d.current)
	d.current = rawURL
	return nil
}

func (d *fakeDriver) Back(ctx context.Context) error {
	if len(d.stack) == 0 {
		return fmt.Errorf("no history")
	}
	d.current = d.stack[len(d.stack)-1]
	d.stack = d.stack[:len(d.stack)-1]
	return nil
}

func (d *fakeDriver) CurrentURL(ctx context.Context) (string, error) { return d.current, nil }

func (d *fakeDriver) HTML(ctx context.Context) (string, error) {
	html, ok := d.pages[d.current]
	if !ok {
		return "", fmt.Errorf("no page at %s", d.current)
	}
	return html, nil
}

func (d *fakeDriver) ClickLink(ctx context.Context, pattern string, validate func(string) bool) error {
	d.clicks++
	return fmt.Errorf("no link matching %q", pattern)
}

func (d *fakeDriver) ClickPoint(ctx context.Context, x, y int) error {
	return fmt.Errorf("coordinate click unavailable")
}

func (d *fakeDriver) Screenshot(ctx context.Context, name string) (string, error) { return "", nil }

// failLLM fails every call; PDP extraction in these tests must succeed
// on JSON-LD alone.
type failLLM struct{}

func (failLLM) Complete(ctx context.Context, system, user string) (string, error) {
	return "", fmt.Errorf("llm unavailable")
}

func (failLLM) CompleteRecipe(ctx context.Context, recipe string, vars map[string]string) (string, error) {
	return "", fmt.Errorf("llm unavailable")
}

func pdpPage(title string, price float64) string {
	return fmt.Sprintf(`<html><head><script type="application/ld+json">
	{"@type":"Product","name":%q,"offers":{"price":"%.2f","availability":"https://schema.org/InStock"}}
	</script></head><body><h1>%s</h1></body></html>`, title, price, title)
}

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Research.PDPPacing = "1ms"
	cfg.Intervention.SettleDelay = "1ms"
	pdp := extract.NewPDPExtractor(failLLM{}, pageintel.NewSchemaStore(t.TempDir()), nil, cfg.Perception)
	return NewVerifier(pdp, nil, "sess-1", cfg.Research, cfg.Intervention)
}

const listingURL = "https://shop.example/s?k=gaming+laptop"

func candidateAt(i int, title string) PrioritizedCandidate {
	return PrioritizedCandidate{Product: extract.FusedProduct{
		Title: title,
		URL:   fmt.Sprintf("https://shop.example/product/gaming-laptop-%d", i),
	}}
}

func TestVerifyEarlyStop(t *testing.T) {
	driver := &fakeDriver{pages: map[string]string{listingURL: "<html>listing</html>"}}

	// 20 candidates; among the first six, indexes 2 and 4 miss the GPU
	// requirement. The fourth viable lands on the sixth verification.
	var candidates []PrioritizedCandidate
	for i := 0; i < 20; i++ {
		title := fmt.Sprintf("ACME Gaming Laptop RTX 4060 v%d", i)
		if i == 2 || i == 4 {
			title = fmt.Sprintf("Office Laptop Basic v%d", i)
		}
		c := candidateAt(i, title)
		driver.pages[c.Product.URL] = pdpPage(title, 1199.99)
		candidates = append(candidates, c)
	}

	reqs := gamingReqs()
	got, stats := newTestVerifier(t).VerifyWithEarlyStop(context.Background(), driver,
		candidates, listingURL, "shop.example", reqs.Query, 20, 4, reqs)

	if !stats.StoppedEarly {
		t.Fatal("expected early stop")
	}
	if stats.Attempted != 6 || len(got) != 6 {
		t.Errorf("attempted=%d results=%d, want 6 and 6", stats.Attempted, len(got))
	}
	if stats.ViableLocal != 4 {
		t.Errorf("viable = %d, want 4", stats.ViableLocal)
	}
	for _, vp := range got {
		if vp.Method != MethodPDPDirect {
			t.Errorf("method = %s, want %s", vp.Method, MethodPDPDirect)
		}
		if vp.Vendor != "shop.example" {
			t.Errorf("vendor = %q", vp.Vendor)
		}
	}
}

func TestVerifyListingFallback(t *testing.T) {
	driver := &fakeDriver{
		pages:   map[string]string{listingURL: "<html>listing</html>"},
		current: listingURL,
	}
	candidates := []PrioritizedCandidate{
		candidateAt(0, "Unreachable Gaming Laptop RTX 4070"),
	}

	got, stats := newTestVerifier(t).VerifyProducts(context.Background(), driver,
		candidates, listingURL, "shop.example", "gaming laptop", 5)

	if stats.Fallbacks != 1 || len(got) != 1 {
		t.Fatalf("fallbacks=%d results=%d", stats.Fallbacks, len(got))
	}
	fb := got[0]
	if fb.Method != MethodListingFallback || fb.Confidence != 0.5 {
		t.Errorf("method=%s conf=%.2f", fb.Method, fb.Confidence)
	}
	if fb.URL != listingURL {
		t.Errorf("fallback url = %s, want listing", fb.URL)
	}
}

func TestVerifyGarbageCandidateYieldsNothing(t *testing.T) {
	driver := &fakeDriver{
		pages:   map[string]string{listingURL: "<html>listing</html>"},
		current: listingURL,
	}
	candidates := []PrioritizedCandidate{
		{Product: extract.FusedProduct{Title: "See", URL: "https://shop.example/product/x-see-more"}},
	}

	got, _ := newTestVerifier(t).VerifyProducts(context.Background(), driver,
		candidates, listingURL, "shop.example", "", 5)
	if len(got) != 0 {
		t.Errorf("garbage candidate produced %+v", got)
	}
}

func TestVerifyRespectsMaxProducts(t *testing.T) {
	driver := &fakeDriver{pages: map[string]string{listingURL: "<html>listing</html>"}}
	var candidates []PrioritizedCandidate
	for i := 0; i < 10; i++ {
		c := candidateAt(i, fmt.Sprintf("Gaming Laptop %d", i))
		driver.pages[c.Product.URL] = pdpPage(c.Product.Title, 999)
		candidates = append(candidates, c)
	}

	_, stats := newTestVerifier(t).VerifyProducts(context.Background(), driver,
		candidates, listingURL, "shop.example", "", 3)
	if stats.Attempted != 3 {
		t.Errorf("attempted = %d, want 3", stats.Attempted)
	}
}

func TestIsValidProductURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://shop.example/product/gaming-laptop-rtx", true},
		{"https://www.amazon.com/dp/B0ABCDEF12", true},
		{"https://www.walmart.com/ip/laptop/123456", true},
		{"https://shop.example/some/sufficiently/long/slug-path", true},
		{"https://shop.example/", false},
		{"https://shop.example", false},
		{"https://shop.example/s?k=laptop", false},
		{"https://shop.example/search?q=laptop", false},
		{"https://shop.example/category/laptops", false},
		{"https://shop.example/captcha/verify-human-page", false},
		{"https://aax-us-east.amazon-adsystem.com/x/c/whatever-long-path", false},
		{"https://shop.example/gp/r.html?ref=something-long-enough", false},
		{"https://shop.example/b/ref=nav_shopall", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsValidProductURL(tt.url, listingURL); got != tt.want {
			t.Errorf("IsValidProductURL(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestTitlePatterns(t *testing.T) {
	got := titlePatterns("ACME Nitro 5 Gaming Laptop RTX 4060 15.6 inch")
	if len(got) < 4 {
		t.Fatalf("patterns = %v, want at least 4", got)
	}
	for i := 1; i < len(got); i++ {
		if len(got[i]) >= len(got[i-1]) {
			t.Errorf("patterns not progressively shorter: %v", got)
		}
	}
	if got[len(got)-1] != "ACME" {
		t.Errorf("last pattern = %q, want brand alone", got[len(got)-1])
	}
}
