package research

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"shopnerd/internal/config"
	"shopnerd/internal/extract"
	"shopnerd/internal/pageintel"
	"shopnerd/internal/verify"
)

// routeLLM answers per recipe name.
type routeLLM struct {
	mu    sync.Mutex
	byRcp map[string]string
	calls map[string]int
}

func newRouteLLM() *routeLLM {
	return &routeLLM{byRcp: map[string]string{}, calls: map[string]int{}}
}

func (l *routeLLM) Complete(ctx context.Context, system, user string) (string, error) {
	return "", fmt.Errorf("unexpected Complete call")
}

func (l *routeLLM) CompleteRecipe(ctx context.Context, recipe string, vars map[string]string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[recipe]++
	ans, ok := l.byRcp[recipe]
	if !ok {
		return "", fmt.Errorf("no canned answer for %q", recipe)
	}
	return ans, nil
}

func (l *routeLLM) callCount(recipe string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[recipe]
}

// mapLoader serves canned pages.
type mapLoader struct {
	mu    sync.Mutex
	pages map[string]string
	loads int
}

func (m *mapLoader) Load(ctx context.Context, rawURL string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	html, ok := m.pages[rawURL]
	if !ok {
		return "", "", fmt.Errorf("no page at %s", rawURL)
	}
	return html, rawURL, nil
}

// listSearch returns fixed hits per query.
type listSearch struct {
	hits []SearchHit
}

func (s *listSearch) Search(ctx context.Context, query string) ([]SearchHit, error) {
	return s.hits, nil
}

const shopListing = "https://shop.example/s?k=gaming+laptop"

func listingPage(n int) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<div class="card">
		  <h2><a href="/product/acme-gaming-laptop-%d">ACME Gaming Laptop RTX 4060 Model %d</a></h2>
		  <span class="price">$1,199.99</span>
		</div>`, i, i)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func productPage(i int) string {
	return fmt.Sprintf(`<html><head><script type="application/ld+json">
	{"@type":"Product","name":"ACME Gaming Laptop RTX 4060 Model %d",
	 "offers":{"price":"1199.99","availability":"https://schema.org/InStock"},
	 "additionalProperty":[
	   {"name":"Graphics Card","value":"NVIDIA RTX 4060"},
	   {"name":"Processor","value":"Intel Core i7"}]}
	</script></head><body><h1>Model %d</h1></body></html>`, i, i)
}

func testOptions(t *testing.T, llm *routeLLM, loader PageLoader, search SearchProvider) Options {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Research.PDPPacing = "1ms"
	cfg.Research.TargetViable = 2
	cfg.Intervention.SettleDelay = "1ms"
	return Options{
		Config:  cfg,
		LLM:     llm,
		Search:  search,
		Loader:  loader,
		PDP:     extract.NewPDPExtractor(llm, pageintel.NewSchemaStore(t.TempDir()), nil, cfg.Perception),
		Tracker: verify.NewRejectionTracker(filepath.Join(t.TempDir(), "rejections.json")),
	}
}

func TestRunEndToEnd(t *testing.T) {
	llm := newRouteLLM()
	llm.byRcp["plan_research"] = `{"search_queries":["gaming laptop rtx 4060"],
	  "hard_requirements":["nvidia rtx gpu"],"price_range":[0,1500]}`
	llm.byRcp["viability"] = `{"summary":"several match","evaluations":[
	  {"index":0,"viable":true,"viability_score":0.9},
	  {"index":1,"viable":true,"viability_score":0.85},
	  {"index":2,"viable":true,"viability_score":0.8}
	]}`

	loader := &mapLoader{pages: map[string]string{shopListing: listingPage(4)}}
	for i := 0; i < 4; i++ {
		loader.pages[fmt.Sprintf("https://shop.example/product/acme-gaming-laptop-%d", i)] = productPage(i)
	}

	search := &listSearch{hits: []SearchHit{{Title: "Gaming laptops", URL: shopListing}}}
	o := NewOrchestrator(testOptions(t, llm, loader, search))

	var events []Event
	emitter := NewEmitter(func(ev Event) { events = append(events, ev) })

	res, err := o.Run(context.Background(), Request{
		Query: "gaming laptop with nvidia rtx", Mode: "standard",
	}, emitter)
	if err != nil {
		t.Fatal(err)
	}

	if res.Stats.Viable < 2 {
		t.Fatalf("viable = %d, want >= 2 (stats %+v)", res.Stats.Viable, res.Stats)
	}
	if res.Passes != 1 {
		t.Errorf("passes = %d, want 1", res.Passes)
	}
	if len(res.Results.Vendors) != 1 || res.Results.Vendors[0].Vendor != "shop.example" {
		t.Errorf("vendors = %+v", res.Results.Vendors)
	}
	if llm.callCount("plan_research") != 1 {
		t.Errorf("plan called %d times", llm.callCount("plan_research"))
	}

	// Events arrive ordered, ending with research_complete.
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq != events[i-1].Seq+1 {
			t.Fatalf("event sequence gap at %d", i)
		}
	}
	if events[len(events)-1].Type != EventResearchComplete {
		t.Errorf("last event = %s", events[len(events)-1].Type)
	}
}

func TestRunDirectPDPHit(t *testing.T) {
	llm := newRouteLLM()
	llm.byRcp["plan_research"] = `{"search_queries":["acme xyz"],"hard_requirements":[]}`
	llm.byRcp["viability"] = `{"summary":"match","evaluations":[
	  {"index":0,"viable":true,"viability_score":0.9}]}`

	pdpURL := "https://store.example/product/acme-xyz"
	loader := &mapLoader{pages: map[string]string{
		pdpURL: `<html><head><script type="application/ld+json">
		{"@type":"Product","name":"ACME XYZ","offers":{"price":"129.99"}}
		</script></head><body></body></html>`,
	}}
	search := &listSearch{hits: []SearchHit{{Title: "ACME XYZ product page", URL: pdpURL}}}
	o := NewOrchestrator(testOptions(t, llm, loader, search))

	res, err := o.Run(context.Background(), Request{Query: "acme xyz"}, NewEmitter(nil))
	if err != nil {
		t.Fatal(err)
	}
	if res.Stats.Viable != 1 {
		t.Fatalf("viable = %d, stats %+v", res.Stats.Viable, res.Stats)
	}
	got := res.Results.Vendors[0].Products[0].Product
	if got.Method != verify.MethodPDPDirect || got.PDP == nil || *got.Price != 129.99 {
		t.Errorf("product = %+v", got)
	}
}

func TestRunSkipsBlockedPageWithoutGate(t *testing.T) {
	llm := newRouteLLM()
	llm.byRcp["plan_research"] = `{"search_queries":["anything"],"hard_requirements":[]}`

	blocked := "https://shop.example/s?k=anything"
	loader := &mapLoader{pages: map[string]string{
		blocked: `<html><body><div class="g-recaptcha" data-sitekey="x"></div></body></html>`,
	}}
	search := &listSearch{hits: []SearchHit{{Title: "Blocked listing page", URL: blocked}}}
	o := NewOrchestrator(testOptions(t, llm, loader, search))

	res, err := o.Run(context.Background(), Request{Query: "anything"}, NewEmitter(nil))
	if err != nil {
		t.Fatal(err)
	}
	if res.Stats.Viable != 0 {
		t.Errorf("viable = %d from a blocked page", res.Stats.Viable)
	}
	if res.Stats.Interventions != 0 {
		t.Errorf("interventions = %d without a gate", res.Stats.Interventions)
	}
}

func TestRunEmptyQuery(t *testing.T) {
	o := NewOrchestrator(testOptions(t, newRouteLLM(), &mapLoader{}, &listSearch{}))
	if _, err := o.Run(context.Background(), Request{}, NewEmitter(nil)); err == nil {
		t.Error("expected error for empty query")
	}
}

func TestGroupByVendorFilters(t *testing.T) {
	hits := []SearchHit{
		{Title: "Product A listing", URL: "https://a.example/product/one"},
		{Title: "Product A listing dup", URL: "https://a.example/product/one?tag=x"},
		{Title: "Ad redirect", URL: "https://aax-us-east.amazon-adsystem.com/x/c/foo"},
		{Title: "Product B", URL: "https://b.example/product/two"},
	}
	got := groupByVendor(hits, map[string]bool{})
	if len(got) != 2 {
		t.Fatalf("vendors = %v", got)
	}
	if len(got["a.example"]) != 1 {
		t.Errorf("a.example hits = %d, want 1 after dedupe", len(got["a.example"]))
	}
}

func TestListingDriverFallsBackWithoutSessions(t *testing.T) {
	o := NewOrchestrator(testOptions(t, newRouteLLM(), &mapLoader{}, &listSearch{}))
	d := o.listingDriver(context.Background(), "shop.example",
		"https://shop.example/s?k=laptop", "<html></html>", Request{})
	if _, ok := d.(*loaderDriver); !ok {
		t.Errorf("driver = %T, want *loaderDriver", d)
	}
}

func TestScreenshotDirGatedOnDebugFlag(t *testing.T) {
	o := NewOrchestrator(testOptions(t, newRouteLLM(), &mapLoader{}, &listSearch{}))

	o.cfg.Perception.SaveDebugScreenshots = false
	if got := o.screenshotDir(); got != "" {
		t.Errorf("screenshotDir = %q with debug captures off", got)
	}

	o.cfg.Perception.SaveDebugScreenshots = true
	o.cfg.Perception.DebugOutputDir = "debug_output"
	if got := o.screenshotDir(); got != "debug_output" {
		t.Errorf("screenshotDir = %q, want debug_output", got)
	}

	o.cfg.Perception.DebugOutputDir = ""
	if got := o.screenshotDir(); got != o.cfg.Paths.ScreenshotsDir {
		t.Errorf("screenshotDir = %q, want %q", got, o.cfg.Paths.ScreenshotsDir)
	}
}
