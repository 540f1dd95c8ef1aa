package verify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"shopnerd/internal/config"
	"shopnerd/internal/extract"
	"shopnerd/internal/intervention"
	"shopnerd/internal/logging"
)

// VerifiedProduct is the outcome of one PDP visit. Failed visits still
// yield a record pointing back at the listing page.
type VerifiedProduct struct {
	Title      string           `json:"title"`
	URL        string           `json:"url"`
	Vendor     string           `json:"vendor"`
	Price      *float64         `json:"price,omitempty"`
	Method     string           `json:"verification_method"`
	Confidence float64          `json:"confidence"`
	PDP        *extract.PDPData `json:"pdp,omitempty"`

	Listing extract.FusedProduct `json:"listing"`
}

const (
	MethodPDPDirect       = "pdp_direct"
	MethodListingFallback = "listing_fallback"
)

// PageDriver is the slice of browser behavior verification needs.
// Implemented by RodDriver for live sessions and by fakes in tests.
type PageDriver interface {
	Navigate(ctx context.Context, rawURL string) error
	Back(ctx context.Context) error
	CurrentURL(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	// ClickLink clicks the first visible anchor whose text contains
	// pattern and whose href passes validate.
	ClickLink(ctx context.Context, pattern string, validate func(href string) bool) error
	// ClickPoint clicks at page coordinates, scrolling them into view.
	ClickPoint(ctx context.Context, x, y int) error
	// Screenshot saves a screenshot and returns its path, or "" when
	// the driver cannot capture one.
	Screenshot(ctx context.Context, name string) (string, error)
}

// InterventionGate is the subset of the broker the verifier uses.
type InterventionGate interface {
	Request(det *intervention.Detection, pageURL, sessionID, screenshotPath string) (*intervention.Intervention, error)
	WaitForResolution(ctx context.Context, id string, timeout time.Duration) bool
}

// VerifyStats summarizes a verification run.
type VerifyStats struct {
	Attempted    int  `json:"attempted"`
	Verified     int  `json:"verified"`
	Fallbacks    int  `json:"fallbacks"`
	ViableLocal  int  `json:"viable_local"`
	StoppedEarly bool `json:"stopped_early"`
}

// Verifier drives the PDP-visit loop over prioritized candidates.
type Verifier struct {
	pdp       *extract.PDPExtractor
	detector  *intervention.Detector
	gate      InterventionGate
	sessionID string
	pacing    time.Duration
	settle    time.Duration
}

func NewVerifier(pdp *extract.PDPExtractor, gate InterventionGate, sessionID string, rcfg config.ResearchConfig, icfg config.InterventionConfig) *Verifier {
	return &Verifier{
		pdp:       pdp,
		detector:  intervention.NewDetector(),
		gate:      gate,
		sessionID: sessionID,
		pacing:    rcfg.GetPDPPacing(),
		settle:    icfg.GetSettleDelay(),
	}
}

// VerifyProducts visits each candidate's product detail page, up to
// maxProducts, and returns a verified record per candidate.
func (v *Verifier) VerifyProducts(ctx context.Context, driver PageDriver, candidates []PrioritizedCandidate, listingURL, vendor, goal string, maxProducts int) ([]VerifiedProduct, VerifyStats) {
	return v.verify(ctx, driver, candidates, listingURL, vendor, goal, maxProducts, 0, Requirements{})
}

// VerifyWithEarlyStop wraps VerifyProducts with a cheap local viability
// check after each success. The loop stops once targetViable viable
// products are in hand.
func (v *Verifier) VerifyWithEarlyStop(ctx context.Context, driver PageDriver, candidates []PrioritizedCandidate, listingURL, vendor, goal string, maxProducts, targetViable int, reqs Requirements) ([]VerifiedProduct, VerifyStats) {
	if targetViable <= 0 {
		targetViable = 4
	}
	return v.verify(ctx, driver, candidates, listingURL, vendor, goal, maxProducts, targetViable, reqs)
}

func (v *Verifier) verify(ctx context.Context, driver PageDriver, candidates []PrioritizedCandidate, listingURL, vendor, goal string, maxProducts, targetViable int, reqs Requirements) ([]VerifiedProduct, VerifyStats) {
	if maxProducts <= 0 {
		maxProducts = 6
	}

	var out []VerifiedProduct
	var stats VerifyStats
	for i, cand := range candidates {
		if ctx.Err() != nil {
			break
		}
		if stats.Attempted >= maxProducts {
			break
		}
		stats.Attempted++

		vp, err := v.verifyOne(ctx, driver, cand.Product, listingURL, goal)
		if err != nil {
			logging.VerifyWarn("candidate %d (%q): %v", i, cand.Product.Title, err)
			if fb := listingFallback(cand.Product, listingURL, vendor); fb != nil {
				out = append(out, *fb)
				stats.Fallbacks++
			}
		} else {
			vp.Vendor = vendor
			out = append(out, *vp)
			stats.Verified++
			if targetViable > 0 && locallyViable(*vp, reqs) {
				stats.ViableLocal++
				if stats.ViableLocal >= targetViable {
					logging.Verify("early stop: %d viable after %d of %d candidates",
						stats.ViableLocal, stats.Attempted, len(candidates))
					stats.StoppedEarly = true
					break
				}
			}
		}

		v.returnToListing(ctx, driver, listingURL)
		v.pause(ctx, v.pacing)
	}
	return out, stats
}

// verifyOne navigates to one candidate's PDP and extracts it.
func (v *Verifier) verifyOne(ctx context.Context, driver PageDriver, cand extract.FusedProduct, listingURL, goal string) (*VerifiedProduct, error) {
	if err := v.navigateToPDP(ctx, driver, cand, listingURL); err != nil {
		return nil, err
	}

	arrived, err := driver.CurrentURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("read url: %w", err)
	}
	if !IsValidProductURL(arrived, listingURL) {
		return nil, fmt.Errorf("arrived at non-product url %s", arrived)
	}

	pageHTML, err := driver.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}

	if det := v.detector.Detect(intervention.PageSnapshot{URL: arrived, Content: pageHTML}); det != nil {
		pageHTML, err = v.awaitIntervention(ctx, driver, det, arrived, pageHTML)
		if err != nil {
			return nil, err
		}
	}

	shot, _ := driver.Screenshot(ctx, "pdp")
	data, err := v.pdp.Extract(ctx, pageHTML, arrived, goal, shot)
	if err != nil {
		return nil, fmt.Errorf("pdp extract: %w", err)
	}
	if data == nil {
		return nil, fmt.Errorf("no pdp data at %s", arrived)
	}

	title := data.Title
	if title == "" {
		title = cand.Title
	}
	return &VerifiedProduct{
		Title:      title,
		URL:        arrived,
		Price:      data.Price,
		Method:     MethodPDPDirect,
		Confidence: data.Confidence,
		PDP:        data,
		Listing:    cand,
	}, nil
}

// navigateToPDP tries direct URL, then title-pattern clicks, then a
// coordinate click at the candidate's anchor.
func (v *Verifier) navigateToPDP(ctx context.Context, driver PageDriver, cand extract.FusedProduct, listingURL string) error {
	if plausibleDirectURL(cand.URL, listingURL) {
		err := driver.Navigate(ctx, cand.URL)
		if err == nil {
			return nil
		}
		logging.VerifyWarn("direct navigation to %s failed: %v", cand.URL, err)
	}

	validate := func(href string) bool { return IsValidProductURL(href, listingURL) }
	for _, pattern := range titlePatterns(cand.Title) {
		if err := driver.ClickLink(ctx, pattern, validate); err == nil {
			return nil
		}
	}

	if cand.Anchor != nil {
		if err := driver.ClickPoint(ctx, cand.Anchor.CenterX(), cand.Anchor.CenterY()); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no route to pdp for %q", cand.Title)
}

// awaitIntervention opens a ticket for a blocked PDP and waits for a
// human, then settles and re-reads the page.
func (v *Verifier) awaitIntervention(ctx context.Context, driver PageDriver, det *intervention.Detection, pageURL, pageHTML string) (string, error) {
	if v.gate == nil {
		return "", fmt.Errorf("blocked by %s and no intervention broker", det.Type)
	}
	shot, _ := driver.Screenshot(ctx, "blocker")
	iv, err := v.gate.Request(det, pageURL, v.sessionID, shot)
	if err != nil {
		return "", fmt.Errorf("request intervention: %w", err)
	}
	if !v.gate.WaitForResolution(ctx, iv.ID, 0) {
		return "", fmt.Errorf("intervention %s unresolved", iv.ID)
	}
	v.pause(ctx, v.settle)

	refreshed, err := driver.HTML(ctx)
	if err != nil {
		return pageHTML, nil
	}
	return refreshed, nil
}

func (v *Verifier) returnToListing(ctx context.Context, driver PageDriver, listingURL string) {
	if err := driver.Back(ctx); err != nil {
		if err := driver.Navigate(ctx, listingURL); err != nil {
			logging.VerifyWarn("return to listing %s failed: %v", listingURL, err)
		}
	}
}

func (v *Verifier) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// listingFallback yields a low-confidence record pointing at the
// listing page, unless the candidate is clearly garbage.
func listingFallback(cand extract.FusedProduct, listingURL, vendor string) *VerifiedProduct {
	if extract.IsGarbageLinkText(cand.Title) {
		return nil
	}
	var price *float64
	if cand.PriceNumeric > 0 {
		p := cand.PriceNumeric
		price = &p
	}
	return &VerifiedProduct{
		Title:      cand.Title,
		URL:        listingURL,
		Vendor:     vendor,
		Price:      price,
		Method:     MethodListingFallback,
		Confidence: 0.5,
		Listing:    cand,
	}
}

// locallyViable is the cheap pre-LLM viability check used for early
// stopping: hard-requirement keyword overlap and a price ceiling with
// 10% slack.
func locallyViable(vp VerifiedProduct, reqs Requirements) bool {
	text := strings.ToLower(vp.Title + " " + vp.URL)
	if vp.PDP != nil {
		for _, sv := range vp.PDP.Specs {
			text += " " + strings.ToLower(sv)
		}
	}

	if reqs.wantsNvidiaGPU() && !mentionsAny(text, nvidiaMarkers...) {
		return false
	}
	for _, hint := range reqs.CategoryHints {
		if !strings.Contains(text, strings.ToLower(hint)) {
			return false
		}
	}
	if reqs.PriceMax > 0 && vp.Price != nil && *vp.Price > reqs.PriceMax*1.1 {
		return false
	}

	terms := queryTerms(reqs.Query)
	if len(terms) == 0 {
		return true
	}
	matched := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			matched++
		}
	}
	return float64(matched)/float64(len(terms)) >= 0.5
}

// titlePatterns generates progressively shorter click targets from a
// candidate title: full prefix runs first, brand alone last.
func titlePatterns(title string) []string {
	words := strings.Fields(title)
	if len(words) == 0 {
		return nil
	}
	counts := []int{6, 4, 3, 2, 1}
	var out []string
	seen := map[string]bool{}
	for _, n := range counts {
		if n > len(words) {
			continue
		}
		p := strings.Join(words[:n], " ")
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// plausibleDirectURL reports whether a candidate URL is worth a direct
// navigation instead of a listing click.
func plausibleDirectURL(rawURL, listingURL string) bool {
	if rawURL == "" || rawURL == listingURL {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return IsValidProductURL(rawURL, listingURL)
}

// blockedPathMarkers are URL fragments that mean the navigation landed
// on a challenge or block page, not a product.
var blockedPathMarkers = []string{
	"/captcha", "/blocked", "/sorry/", "/splashui/", "validatecaptcha",
}

// searchOrCategoryMarkers are URL shapes for listings, not products.
var searchOrCategoryMarkers = []string{
	"/s?", "/s/", "/search", "?q=", "&q=", "?k=", "&k=", "/b/", "/c/",
	"/category/", "/categories/", "/browse/", "rh=n%3a", "rh=n:", "filter=",
	"/shop/all", "ref=nav",
}

// IsValidProductURL reports whether an arrived-at URL plausibly is a
// product detail page rather than a homepage, listing, ad redirect, or
// block page.
func IsValidProductURL(rawURL, listingURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	lower := strings.ToLower(rawURL)

	if extract.IsAdURL(rawURL) || extract.IsSkipURL(rawURL) {
		return false
	}
	for _, m := range blockedPathMarkers {
		if strings.Contains(lower, m) {
			return false
		}
	}

	path := strings.TrimSuffix(u.Path, "/")
	if path == "" || path == "/index.html" {
		return false
	}
	for _, m := range searchOrCategoryMarkers {
		if strings.Contains(lower, m) {
			return false
		}
	}

	if extract.MatchesProductURL(rawURL) {
		return true
	}
	// Unknown retailers: a deep slug is the best signal available.
	return len(path) >= 20
}
