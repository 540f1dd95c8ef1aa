package pageintel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"shopnerd/internal/config"
	"shopnerd/internal/logging"
	"shopnerd/internal/perception"

	"golang.org/x/net/html"
)

// ErrLowYield signals that applying a calibrated schema produced too
// few items to trust. Callers should record a failure and consider a
// recalibration or a different extraction strategy.
var ErrLowYield = errors.New("extraction yield below threshold")

// minTrustedItems is the yield floor below which a low-confidence
// understanding is considered to have failed.
const minTrustedItems = 2

// Service calibrates and caches page structure per domain. Safe for
// concurrent use; the solver is never called under the lock.
type Service struct {
	llm   perception.Client
	store *SchemaStore
	cfg   config.PerceptionConfig

	mu    sync.Mutex
	cache *lruCache
	// live outcome counters, keyed domain|pageType
	schemas map[string]*ExtractionSchema
}

// NewService creates a page intelligence service backed by the solver
// and the given schema store.
func NewService(llm perception.Client, store *SchemaStore, cfg config.PerceptionConfig) *Service {
	return &Service{
		llm:     llm,
		store:   store,
		cache:   newLRUCache(cacheCapacity),
		cfg:     cfg,
		schemas: make(map[string]*ExtractionSchema),
	}
}

func cacheKey(domain string, pt PageType) string {
	return domain + "|" + string(pt)
}

// GuessPageType gives a cheap URL-shape guess used as the cache key
// before any calibration has run.
func GuessPageType(raw string) PageType {
	u, err := url.Parse(raw)
	if err != nil {
		return PageUnknown
	}
	path := strings.ToLower(u.Path)
	q := u.Query()
	switch {
	case strings.Contains(path, "/search") || q.Get("q") != "" || q.Get("k") != "" || q.Get("query") != "":
		return PageSearchResults
	case strings.Contains(path, "/dp/") || strings.Contains(path, "/product/") ||
		strings.Contains(path, "/item/") || strings.Contains(path, "/ip/") ||
		strings.Contains(path, "/pd/") || strings.Contains(path, "/p/"):
		return PageProductDetail
	case strings.Contains(path, "/category") || strings.Contains(path, "/c/") || strings.Contains(path, "/b/"):
		return PageCategory
	case path == "" || path == "/":
		return PageHomepage
	default:
		return PageUnknown
	}
}

// Understand returns the calibrated understanding for (page, url),
// consulting the LRU cache, then the JSONL store, then running a full
// calibration. forceRefresh skips both caches. A schema whose failure
// counters demand recalibration is rebuilt even without forceRefresh.
func (s *Service) Understand(ctx context.Context, pageHTML, pageURL string, forceRefresh bool) (*PageUnderstanding, error) {
	domain := hostOf(pageURL)
	guessed := GuessPageType(pageURL)
	key := cacheKey(domain, guessed)

	if !forceRefresh && !s.schemaWantsRebuild(domain, guessed) {
		s.mu.Lock()
		if u, ok := s.cache.get(key); ok {
			s.mu.Unlock()
			return u, nil
		}
		s.mu.Unlock()
		if u, err := s.store.LoadUnderstanding(domain, guessed); err == nil && u != nil {
			s.mu.Lock()
			s.cache.put(key, u)
			s.mu.Unlock()
			return u, nil
		}
	}

	u, err := s.calibrate(ctx, pageHTML, pageURL, domain, guessed)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache.put(key, u)
	s.cache.put(cacheKey(domain, u.PageType), u)
	s.mu.Unlock()
	if err := s.store.SaveUnderstanding(u); err != nil {
		logging.PageIntel("persist understanding for %s failed: %v", domain, err)
	}
	s.resetSchema(domain, u)
	return u, nil
}

// zoneAnalysis is the solver's phase-1 answer.
type zoneAnalysis struct {
	PageType           string   `json:"page_type"`
	PrimaryZone        string   `json:"primary_zone"`
	Notices            []string `json:"notices"`
	AvailabilityStatus string   `json:"availability_status"`
	Confidence         float64  `json:"confidence"`
	Zones              []struct {
		ZoneType   string   `json:"zone_type"`
		Anchors    []string `json:"anchors"`
		Confidence float64  `json:"confidence"`
	} `json:"zones"`
}

// selectorSet is the solver's phase-2 answer.
type selectorSet struct {
	ItemSelector string  `json:"item_selector"`
	Title        string  `json:"title"`
	Price        string  `json:"price"`
	Link         string  `json:"link"`
	Image        string  `json:"image"`
	Confidence   float64 `json:"confidence"`
}

// calibrate runs the three calibration phases: zone identification,
// selector generation for the primary zone, and a strategy choice.
func (s *Service) calibrate(ctx context.Context, pageHTML, pageURL, domain string, guessed PageType) (*PageUnderstanding, error) {
	dom := SimplifyDOM(pageHTML)

	raw, err := s.llm.CompleteRecipe(ctx, "zone_identification", map[string]string{
		"url": pageURL,
		"dom": dom,
	})
	if err != nil {
		return nil, fmt.Errorf("zone identification: %w", err)
	}
	za, err := perception.DecodeObject[zoneAnalysis](raw)
	if err != nil {
		return nil, fmt.Errorf("zone identification parse: %w", err)
	}

	u := &PageUnderstanding{
		Domain:             domain,
		PageType:           normalizePageType(za.PageType, guessed),
		PrimaryZone:        za.PrimaryZone,
		Notices:            za.Notices,
		AvailabilityStatus: normalizeAvailability(za.AvailabilityStatus),
		CreatedAt:          time.Now().UTC(),
		Confidence:         za.Confidence,
	}
	for _, z := range za.Zones {
		anchors := z.Anchors[:0:0]
		for _, a := range z.Anchors {
			if !IsHashedSelector(a) {
				anchors = append(anchors, a)
			}
		}
		u.Zones = append(u.Zones, Zone{ZoneType: z.ZoneType, Anchors: anchors, Confidence: z.Confidence})
	}
	// The primary zone must exist; fall back to the first zone's type.
	if u.Primary() == nil {
		u.PrimaryZone = ""
	} else if u.PrimaryZone != "" && u.Primary().ZoneType != u.PrimaryZone {
		u.PrimaryZone = u.Zones[0].ZoneType
	}

	primary := u.Primary()
	rejected := 0
	if primary != nil {
		anchor := ""
		if len(primary.Anchors) > 0 {
			anchor = primary.Anchors[0]
		}
		raw, err := s.llm.CompleteRecipe(ctx, "selector_generation", map[string]string{
			"url":    pageURL,
			"zone":   primary.ZoneType,
			"anchor": anchor,
			"dom":    dom,
		})
		if err != nil {
			return nil, fmt.Errorf("selector generation: %w", err)
		}
		sel, err := perception.DecodeObject[selectorSet](raw)
		if err != nil {
			return nil, fmt.Errorf("selector generation parse: %w", err)
		}
		fields := map[string]string{
			"product_card": sel.ItemSelector,
			"title":        sel.Title,
			"price":        sel.Price,
			"link":         sel.Link,
			"image":        sel.Image,
		}
		primary.Fields, rejected = sanitizeFields(fields)
		if sel.Confidence > 0 {
			primary.Confidence = sel.Confidence
		}
		if rejected > 0 {
			logging.PageIntel("calibration for %s rejected %d hashed selectors", domain, rejected)
		}
	}

	u.Strategy = chooseStrategy(primary, rejected)
	logging.PageIntel("calibrated %s/%s: %d zones, strategy=%s conf=%.2f",
		domain, u.PageType, len(u.Zones), u.Strategy, u.Confidence)
	return u, nil
}

// chooseStrategy emits the extraction hint from what calibration found.
func chooseStrategy(primary *Zone, rejectedSelectors int) Strategy {
	if primary == nil || len(primary.Fields) == 0 {
		return StrategyVision
	}
	core := 0
	for _, f := range []string{"product_card", "title", "price"} {
		if primary.Fields[f] != "" {
			core++
		}
	}
	switch {
	case core == 3 && rejectedSelectors == 0:
		return StrategySelector
	case core >= 2:
		return StrategyHybrid
	default:
		return StrategyVision
	}
}

func normalizePageType(s string, fallback PageType) PageType {
	switch PageType(strings.ToLower(strings.TrimSpace(s))) {
	case PageSearchResults, PageProductListing, PageProductDetail, PageCategory, PageHomepage:
		return PageType(strings.ToLower(strings.TrimSpace(s)))
	default:
		return fallback
	}
}

func normalizeAvailability(s string) Availability {
	switch Availability(strings.ToLower(strings.TrimSpace(s))) {
	case AvailableOnline, InStoreOnly, OutOfStock, LimitedAvailability, ContactForAvailability:
		return Availability(strings.ToLower(strings.TrimSpace(s)))
	default:
		return AvailabilityUnknown
	}
}

// Extract applies a calibrated understanding to page HTML. When the
// yield is under the trust floor and the understanding was low
// confidence, ErrLowYield is returned alongside whatever was found.
func (s *Service) Extract(pageHTML, pageURL string, u *PageUnderstanding) ([]Item, error) {
	primary := u.Primary()
	if primary == nil || primary.Fields["product_card"] == "" {
		return nil, fmt.Errorf("understanding for %s has no item selector", u.Domain)
	}

	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	base, _ := url.Parse(pageURL)

	var items []Item
	for _, card := range QueryAll(doc, primary.Fields["product_card"]) {
		it := Item{}
		if sel := primary.Fields["title"]; sel != "" {
			if n := QueryFirst(card, sel); n != nil {
				it.Title = textOf(n)
			}
		}
		if sel := primary.Fields["price"]; sel != "" {
			if n := QueryFirst(card, sel); n != nil {
				it.Price = textOf(n)
			}
		}
		if sel := primary.Fields["link"]; sel != "" {
			if n := QueryFirst(card, sel); n != nil {
				it.URL = resolveHref(base, attrVal(n, "href"))
			}
		}
		if it.URL == "" {
			if n := QueryFirst(card, "a"); n != nil {
				it.URL = resolveHref(base, attrVal(n, "href"))
			}
		}
		if sel := primary.Fields["image"]; sel != "" {
			if n := QueryFirst(card, sel); n != nil {
				it.Image = resolveHref(base, attrVal(n, "src"))
			}
		}
		if it.Title == "" && it.URL == "" {
			continue
		}
		items = append(items, it)
	}

	if len(items) < minTrustedItems && u.Confidence < 0.5 {
		return items, ErrLowYield
	}
	return items, nil
}

// QuickExtract is Understand followed by Extract, recording the outcome
// on the schema counters.
func (s *Service) QuickExtract(ctx context.Context, pageHTML, pageURL string) ([]Item, error) {
	u, err := s.Understand(ctx, pageHTML, pageURL, false)
	if err != nil {
		return nil, err
	}
	items, err := s.Extract(pageHTML, pageURL, u)
	if err != nil {
		s.RecordFailure(u.Domain, u.PageType, err.Error())
		return items, err
	}
	s.RecordSuccess(u.Domain, u.PageType)
	return items, nil
}

// schemaForLocked returns the live schema record, loading from the
// store on first touch. Caller holds s.mu.
func (s *Service) schemaForLocked(domain string, pt PageType) *ExtractionSchema {
	key := cacheKey(domain, pt)
	sc, ok := s.schemas[key]
	if ok {
		return sc
	}
	if stored, err := s.store.LoadSchema(domain, pt); err == nil && stored != nil {
		s.schemas[key] = stored
		return stored
	}
	sc = &ExtractionSchema{
		Domain:    domain,
		PageType:  pt,
		Selectors: map[string]string{},
		CreatedAt: time.Now().UTC(),
	}
	s.schemas[key] = sc
	return sc
}

func (s *Service) schemaWantsRebuild(domain string, pt PageType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schemaForLocked(domain, pt).NeedsRecalibration()
}

// resetSchema replaces the outcome counters after a fresh calibration.
func (s *Service) resetSchema(domain string, u *PageUnderstanding) {
	sc := &ExtractionSchema{
		Domain:    domain,
		PageType:  u.PageType,
		Selectors: map[string]string{},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if p := u.Primary(); p != nil {
		for k, v := range p.Fields {
			sc.Selectors[k] = v
		}
	}
	s.mu.Lock()
	s.schemas[cacheKey(domain, u.PageType)] = sc
	s.mu.Unlock()
	if err := s.store.SaveSchema(sc); err != nil {
		logging.PageIntel("persist schema for %s failed: %v", domain, err)
	}
}

// RecordSuccess bumps the success counter and clears the failure flag.
func (s *Service) RecordSuccess(domain string, pt PageType) {
	s.mu.Lock()
	sc := s.schemaForLocked(domain, pt)
	sc.SuccessCount++
	sc.LastFailureReason = ""
	sc.UpdatedAt = time.Now().UTC()
	snapshot := *sc
	s.mu.Unlock()
	if err := s.store.SaveSchema(&snapshot); err != nil {
		logging.PageIntel("persist schema for %s failed: %v", domain, err)
	}
}

// RecordFailure bumps the failure counter. When the counters cross the
// recalibration threshold the cached understanding is evicted so the
// next Understand rebuilds.
func (s *Service) RecordFailure(domain string, pt PageType, reason string) {
	s.mu.Lock()
	sc := s.schemaForLocked(domain, pt)
	sc.FailureCount++
	sc.LastFailureReason = reason
	sc.UpdatedAt = time.Now().UTC()
	recalibrate := sc.NeedsRecalibration()
	if recalibrate {
		s.cache.remove(cacheKey(domain, pt))
	}
	snapshot := *sc
	failures, successes := sc.FailureCount, sc.SuccessCount
	s.mu.Unlock()

	if err := s.store.SaveSchema(&snapshot); err != nil {
		logging.PageIntel("persist schema for %s failed: %v", domain, err)
	}
	if recalibrate {
		logging.PageIntel("schema %s/%s flagged for recalibration (%d failures vs %d successes)",
			domain, pt, failures, successes)
	}
}

// NeedsRecalibration exposes the schema flag for a (domain, page type).
func (s *Service) NeedsRecalibration(domain string, pt PageType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schemaForLocked(domain, pt).NeedsRecalibration()
}

func resolveHref(base *url.URL, href string) string {
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
}
