package research

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"shopnerd/internal/browser"
	"shopnerd/internal/config"
	"shopnerd/internal/extract"
	"shopnerd/internal/intervention"
	"shopnerd/internal/logging"
	"shopnerd/internal/pageintel"
	"shopnerd/internal/perception"
	"shopnerd/internal/verify"
)

// Request is one research job.
type Request struct {
	Query              string `json:"query"`
	Mode               string `json:"mode"` // standard | deep
	SessionID          string `json:"session_id,omitempty"`
	HumanAssistAllowed bool   `json:"human_assist_allowed"`
	QueryType          string `json:"query_type,omitempty"`
}

// RunStats aggregates counters across a whole run.
type RunStats struct {
	QueriesRun    int `json:"queries_run"`
	PagesVisited  int `json:"pages_visited"`
	Extracted     int `json:"extracted"`
	Verified      int `json:"verified"`
	Viable        int `json:"viable"`
	Rejected      int `json:"rejected"`
	Interventions int `json:"interventions"`
}

// Result is the answer envelope for one research job.
type Result struct {
	Results      *Report  `json:"results"`
	Mode         string   `json:"mode"`
	StrategyUsed string   `json:"strategy_used"`
	Passes       int      `json:"passes"`
	Stats        RunStats `json:"stats"`
}

// SearchHit is one result anchor read off a search engine page.
type SearchHit struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// SearchProvider turns a query into candidate URLs. Implementations
// drive a live search engine or fall back to plain fetching.
type SearchProvider interface {
	Search(ctx context.Context, query string) ([]SearchHit, error)
}

// PageLoader fetches a candidate page. The resilient fetcher satisfies
// it via FetcherLoader; tests plug in canned pages.
type PageLoader interface {
	Load(ctx context.Context, rawURL string) (html, finalURL string, err error)
}

// Orchestrator wires the whole pipeline behind one Run call.
type Orchestrator struct {
	cfg      *config.Config
	llm      perception.Client
	planner  *Planner
	search   SearchProvider
	loader   PageLoader
	intel    *pageintel.Service
	pdp      *extract.PDPExtractor
	verifier *verify.Verifier
	filter   *verify.Filter
	tracker  *verify.RejectionTracker
	detector *intervention.Detector
	gate     verify.InterventionGate
	sessions *browser.SessionManager
}

// Options carries the collaborators Run needs. Intel, Gate, and
// Sessions are optional; with Sessions attached, PDP verification
// drives a live browser page instead of replaying fetches.
type Options struct {
	Config   *config.Config
	LLM      perception.Client
	Search   SearchProvider
	Loader   PageLoader
	Intel    *pageintel.Service
	PDP      *extract.PDPExtractor
	Tracker  *verify.RejectionTracker
	Gate     verify.InterventionGate
	Sessions *browser.SessionManager
}

func NewOrchestrator(opts Options) *Orchestrator {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Orchestrator{
		cfg:      cfg,
		llm:      opts.LLM,
		planner:  NewPlanner(opts.LLM, opts.Tracker),
		search:   opts.Search,
		loader:   opts.Loader,
		intel:    opts.Intel,
		pdp:      opts.PDP,
		verifier: verify.NewVerifier(opts.PDP, opts.Gate, "", cfg.Research, cfg.Intervention),
		filter:   verify.NewFilter(opts.LLM, opts.Tracker),
		tracker:  opts.Tracker,
		detector: intervention.NewDetector(),
		gate:     opts.Gate,
		sessions: opts.Sessions,
	}
}

// vendorOutcome is what one vendor's pipeline pass yields.
type vendorOutcome struct {
	vendor   string
	viable   []verify.ViableProduct
	rejected []verify.FilteredProduct
	stats    RunStats
}

// Run executes the full plan → search → extract → verify → filter →
// decide_next loop and assembles the report.
func (o *Orchestrator) Run(ctx context.Context, req Request, emitter *Emitter) (*Result, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("empty query")
	}
	mode := req.Mode
	if mode != "deep" {
		mode = "standard"
	}
	targetViable := o.cfg.Research.TargetViable
	if targetViable <= 0 {
		targetViable = 4
	}
	hopBudget := o.cfg.Research.HopBudget
	if hopBudget <= 0 {
		hopBudget = 3
	}
	if mode == "deep" {
		hopBudget++
	}

	emitter.Emit(EventPhaseStarted, "plan", map[string]any{"query": req.Query})
	plan, err := o.planner.Plan(ctx, req.Query, nil)
	if err != nil {
		return nil, err
	}
	reqs := plan.Requirements(req.Query)
	emitter.Emit(EventPhaseComplete, "plan", map[string]any{"queries": len(plan.SearchQueries)})

	var (
		allViable   []verify.ViableProduct
		allRejected []verify.FilteredProduct
		stats       RunStats
		seenVendors = map[string]bool{}
		seenURLs    = map[string]bool{}
	)

	queries := plan.SearchQueries
	passes := 0
	for hop := 0; hop < hopBudget && len(allViable) < targetViable; hop++ {
		if ctx.Err() != nil {
			break
		}
		passes++

		for _, q := range queries {
			if len(allViable) >= targetViable {
				break
			}
			emitter.Emit(EventSearchStarted, q, nil)
			stats.QueriesRun++

			hits, err := o.search.Search(ctx, q)
			if err != nil {
				logging.ResearchWarn("search %q: %v", q, err)
				continue
			}

			byVendor := groupByVendor(hits, seenURLs)
			outcomes := o.processVendors(ctx, byVendor, reqs, req, emitter)
			for _, oc := range outcomes {
				seenVendors[oc.vendor] = true
				allViable = append(allViable, oc.viable...)
				allRejected = append(allRejected, oc.rejected...)
				mergeStats(&stats, oc.stats)
			}
			emitter.Emit(EventProgress, "", map[string]any{
				"viable": len(allViable), "target": targetViable,
			})
		}

		// decide_next: below target with budget left, refine and loop.
		if len(allViable) < targetViable && hop+1 < hopBudget {
			queries = o.refineQueries(req.Query, seenVendors, queries)
		}
	}

	stats.Viable = len(allViable)
	stats.Rejected = len(allRejected)

	report := BuildReport(req.Query, allViable, allRejected, stats)
	emitter.Emit(EventResearchComplete, "", map[string]any{
		"viable": stats.Viable, "passes": passes,
	})

	return &Result{
		Results:      report,
		Mode:         mode,
		StrategyUsed: o.strategyName(),
		Passes:       passes,
		Stats:        stats,
	}, nil
}

// processVendors runs each vendor's candidate pages concurrently,
// bounded by max_concurrent_vendors.
func (o *Orchestrator) processVendors(ctx context.Context, byVendor map[string][]SearchHit, reqs verify.Requirements, req Request, emitter *Emitter) []vendorOutcome {
	limit := o.cfg.Research.MaxConcurrentVendors
	if limit <= 0 {
		limit = 3
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	var outcomes []vendorOutcome
	for vendor, hits := range byVendor {
		vendor, hits := vendor, hits
		g.Go(func() error {
			oc := o.processVendor(gctx, vendor, hits, reqs, req, emitter)
			mu.Lock()
			outcomes = append(outcomes, oc)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// processVendor walks one vendor's candidate pages: load, blocker
// check, classify, extract, verify, filter.
func (o *Orchestrator) processVendor(ctx context.Context, vendor string, hits []SearchHit, reqs verify.Requirements, req Request, emitter *Emitter) vendorOutcome {
	oc := vendorOutcome{vendor: vendor}
	var verified []verify.VerifiedProduct

	for _, hit := range hits {
		if ctx.Err() != nil {
			break
		}
		emitter.Emit(EventCandidateChecking, hit.URL, nil)

		pageHTML, finalURL, err := o.loader.Load(ctx, hit.URL)
		oc.stats.PagesVisited++
		if err != nil {
			logging.ResearchWarn("load %s: %v", hit.URL, err)
			continue
		}

		pageHTML, blocked := o.clearBlocker(ctx, finalURL, pageHTML, req, &oc.stats)
		if blocked {
			continue
		}

		switch ClassifyPage(finalURL, pageHTML) {
		case KindProductDetail:
			data, err := o.pdp.Extract(ctx, pageHTML, finalURL, reqs.Query, "")
			if err != nil || data == nil {
				continue
			}
			oc.stats.Extracted++
			oc.stats.Verified++
			verified = append(verified, verify.VerifiedProduct{
				Title:      data.Title,
				URL:        finalURL,
				Vendor:     vendor,
				Price:      data.Price,
				Method:     verify.MethodPDPDirect,
				Confidence: data.Confidence,
				PDP:        data,
			})

		case KindListing:
			candidates := o.extractListing(ctx, pageHTML, finalURL)
			oc.stats.Extracted += len(candidates)
			if len(candidates) == 0 {
				continue
			}
			maxVerify := o.cfg.Perception.PDPMaxVerifyPerRetailer
			prioritized, _ := verify.Prioritize(candidates, reqs, maxVerify)

			driver := o.listingDriver(ctx, vendor, finalURL, pageHTML, req)
			vps, vstats := o.verifier.VerifyWithEarlyStop(ctx, driver, prioritized,
				finalURL, vendor, reqs.Query, maxVerify, o.cfg.Research.TargetViable, reqs)
			oc.stats.Verified += vstats.Verified
			verified = append(verified, vps...)
		}
	}

	if len(verified) == 0 {
		return oc
	}
	res, err := o.filter.FilterViable(ctx, verified, reqs, reqs.Query, o.cfg.Research.MaxPerVendor)
	if err != nil {
		logging.ResearchWarn("viability filter for %s: %v", vendor, err)
		return oc
	}
	oc.viable = res.Viable
	oc.rejected = res.Rejected
	for _, v := range res.Viable {
		emitter.Emit(EventCandidateAccepted, v.Product.Title, map[string]any{"vendor": vendor})
	}
	for _, r := range res.Rejected {
		emitter.Emit(EventCandidateRejected, r.Product.Title, map[string]any{"reason": r.Reason})
	}
	return oc
}

// listingDriver picks the verification driver for a listing page. With
// a session manager attached the verifier gets a live browser page, so
// click navigation and screenshots work; otherwise it replays fetches.
func (o *Orchestrator) listingDriver(ctx context.Context, vendor, listingURL, pageHTML string, req Request) verify.PageDriver {
	if o.sessions == nil {
		return newLoaderDriver(o.loader, listingURL, pageHTML)
	}
	session := req.SessionID
	if session == "" {
		session = "research"
	}
	mc, err := o.sessions.GetOrCreate(ctx, browser.ContextKey{
		Domain:  vendor,
		Session: session,
		User:    "default",
	})
	if err != nil {
		logging.ResearchWarn("live session for %s: %v", vendor, err)
		return newLoaderDriver(o.loader, listingURL, pageHTML)
	}
	driver := verify.NewRodDriver(mc.Page(), o.screenshotDir(), o.cfg.GetNavigationTimeout())
	if err := driver.Navigate(ctx, listingURL); err != nil {
		logging.ResearchWarn("live navigate %s: %v", listingURL, err)
		return newLoaderDriver(o.loader, listingURL, pageHTML)
	}
	return driver
}

// screenshotDir resolves where verification screenshots land, or ""
// when debug captures are off.
func (o *Orchestrator) screenshotDir() string {
	if !o.cfg.Perception.SaveDebugScreenshots {
		return ""
	}
	if o.cfg.Perception.DebugOutputDir != "" {
		return o.cfg.Perception.DebugOutputDir
	}
	return o.cfg.Paths.ScreenshotsDir
}

// clearBlocker checks a freshly loaded page and, when human assist is
// allowed, opens an intervention and waits it out. Returns the page to
// keep working with and whether the page must be abandoned.
func (o *Orchestrator) clearBlocker(ctx context.Context, pageURL, pageHTML string, req Request, stats *RunStats) (string, bool) {
	det := o.detector.Detect(intervention.PageSnapshot{URL: pageURL, Content: pageHTML})
	if det == nil {
		return pageHTML, false
	}
	if o.gate == nil || !req.HumanAssistAllowed {
		logging.ResearchWarn("blocker %s at %s, skipping page", det.Type, pageURL)
		return "", true
	}

	iv, err := o.gate.Request(det, pageURL, req.SessionID, "")
	if err != nil {
		logging.ResearchWarn("request intervention: %v", err)
		return "", true
	}
	stats.Interventions++
	if !o.gate.WaitForResolution(ctx, iv.ID, 0) {
		return "", true
	}

	refreshed, _, err := o.loader.Load(ctx, pageURL)
	if err != nil {
		return "", true
	}
	return refreshed, false
}

// extractListing runs the schema-driven extractor first, then the
// static pipeline, and fuses the deduped union.
func (o *Orchestrator) extractListing(ctx context.Context, pageHTML, pageURL string) []extract.FusedProduct {
	var candidates []extract.HTMLCandidate

	if o.intel != nil {
		if items, err := o.intel.QuickExtract(ctx, pageHTML, pageURL); err == nil {
			for _, it := range items {
				candidates = append(candidates, extract.HTMLCandidate{
					Title:      it.Title,
					LinkText:   it.Title,
					Price:      it.Price,
					URL:        it.URL,
					Source:     extract.SourceSchemaDriven,
					Confidence: 0.85,
				})
			}
		}
	}

	candidates = append(candidates, extract.ExtractFromHTML(pageHTML, pageURL)...)
	candidates = append(candidates, extract.ExtractUniversal(pageHTML, pageURL)...)
	candidates = extract.DedupeCandidates(candidates)
	return extract.FuseHTMLOnly(candidates)
}

// refineQueries rebuilds the query list from tracker hints for the
// vendors already touched.
func (o *Orchestrator) refineQueries(query string, vendors map[string]bool, current []string) []string {
	if o.tracker == nil {
		return current
	}
	seen := map[string]bool{}
	for _, q := range current {
		seen[q] = true
	}
	out := current
	for vendor := range vendors {
		for _, frag := range o.tracker.QueryRefinements(vendor, query) {
			refined := query + " " + frag
			if !seen[refined] {
				seen[refined] = true
				out = append(out, refined)
			}
		}
	}
	return out
}

func (o *Orchestrator) strategyName() string {
	if o.cfg.Perception.EnableHybrid {
		return "hybrid"
	}
	return "html_only"
}

// groupByVendor buckets hits per vendor, dropping ad/skip URLs and
// duplicates across queries.
func groupByVendor(hits []SearchHit, seenURLs map[string]bool) map[string][]SearchHit {
	out := map[string][]SearchHit{}
	for _, h := range hits {
		if h.URL == "" || extract.IsAdURL(h.URL) || extract.IsSkipURL(h.URL) {
			continue
		}
		norm := extract.NormalizeURL(h.URL)
		if seenURLs[norm] {
			continue
		}
		seenURLs[norm] = true
		vendor := extract.VendorOf(h.URL)
		if vendor == "" {
			continue
		}
		out[vendor] = append(out[vendor], h)
	}
	return out
}

func mergeStats(dst *RunStats, src RunStats) {
	dst.PagesVisited += src.PagesVisited
	dst.Extracted += src.Extracted
	dst.Verified += src.Verified
	dst.Interventions += src.Interventions
}

// loaderDriver adapts a PageLoader to the verifier's PageDriver. Click
// routes are unavailable without a live browser.
type loaderDriver struct {
	loader  PageLoader
	current string
	html    string
	stack   []pageState
}

type pageState struct {
	url  string
	html string
}

func newLoaderDriver(loader PageLoader, url, html string) *loaderDriver {
	return &loaderDriver{loader: loader, current: url, html: html}
}

func (d *loaderDriver) Navigate(ctx context.Context, rawURL string) error {
	html, finalURL, err := d.loader.Load(ctx, rawURL)
	if err != nil {
		return err
	}
	d.stack = append(d.stack, pageState{d.current, d.html})
	d.current, d.html = finalURL, html
	return nil
}

func (d *loaderDriver) Back(ctx context.Context) error {
	if len(d.stack) == 0 {
		return fmt.Errorf("no history")
	}
	top := d.stack[len(d.stack)-1]
	d.stack = d.stack[:len(d.stack)-1]
	d.current, d.html = top.url, top.html
	return nil
}

func (d *loaderDriver) CurrentURL(ctx context.Context) (string, error) { return d.current, nil }

func (d *loaderDriver) HTML(ctx context.Context) (string, error) { return d.html, nil }

func (d *loaderDriver) ClickLink(ctx context.Context, pattern string, validate func(string) bool) error {
	return fmt.Errorf("click navigation requires a live session")
}

func (d *loaderDriver) ClickPoint(ctx context.Context, x, y int) error {
	return fmt.Errorf("coordinate click requires a live session")
}

func (d *loaderDriver) Screenshot(ctx context.Context, name string) (string, error) {
	return "", nil
}
