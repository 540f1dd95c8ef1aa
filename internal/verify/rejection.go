package verify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"shopnerd/internal/logging"
)

// Canonical rejection reasons. Free-text reasons from the viability
// filter are folded onto these by keyword.
const (
	ReasonMissingGPU          = "missing_gpu"
	ReasonWrongCategory       = "wrong_category"
	ReasonPriceMismatch       = "price_mismatch"
	ReasonInsufficientRAM     = "insufficient_ram"
	ReasonInsufficientStorage = "insufficient_storage"
	ReasonOutOfStock          = "out_of_stock"
	ReasonBrandMismatch       = "brand_mismatch"
	ReasonOther               = "other"
)

// RejectionPattern aggregates rejections for one (vendor, query) key.
type RejectionPattern struct {
	TotalExtractions int            `json:"total_extractions"`
	TotalRejections  int            `json:"total_rejections"`
	RejectionReasons map[string]int `json:"rejection_reasons"`
	FirstSeen        time.Time      `json:"first_seen"`
	LastUpdated      time.Time      `json:"last_updated"`
}

// RejectionTracker persists rejection patterns to a single JSON
// document, updated atomically. It feeds query refinement hints back to
// the planner.
type RejectionTracker struct {
	path string

	mu       sync.Mutex
	patterns map[string]*RejectionPattern
	loaded   bool
}

var (
	trackerOnce sync.Once
	tracker     *RejectionTracker
)

// SharedTracker returns the process-wide tracker for path, creating it
// on first call. Later calls ignore the path argument.
func SharedTracker(path string) *RejectionTracker {
	trackerOnce.Do(func() {
		tracker = NewRejectionTracker(path)
	})
	return tracker
}

// NewRejectionTracker creates an unshared tracker, mainly for tests.
func NewRejectionTracker(path string) *RejectionTracker {
	return &RejectionTracker{path: path, patterns: map[string]*RejectionPattern{}}
}

// patternKey is vendor plus the normalized query: its first five words,
// sorted, so wording permutations share a record.
func patternKey(vendor, query string) string {
	words := strings.Fields(strings.ToLower(query))
	if len(words) > 5 {
		words = words[:5]
	}
	sort.Strings(words)
	return vendor + ":" + strings.Join(words, " ")
}

// reasonKeywords categorizes a free-text rejection reason.
var reasonKeywords = []struct {
	reason   string
	keywords []string
}{
	{ReasonMissingGPU, []string{"gpu", "graphics", "nvidia", "rtx", "gtx", "video card"}},
	{ReasonWrongCategory, []string{"category", "chromebook", "tablet", "ipad", "not a laptop", "desktop", "wrong type"}},
	{ReasonPriceMismatch, []string{"price", "expensive", "budget", "over", "cost"}},
	{ReasonInsufficientRAM, []string{"ram", "memory"}},
	{ReasonInsufficientStorage, []string{"storage", "ssd", "disk", "drive"}},
	{ReasonOutOfStock, []string{"stock", "unavailable", "sold out", "discontinued"}},
	{ReasonBrandMismatch, []string{"brand", "manufacturer"}},
}

// CategorizeReason folds a free-text reason onto the canonical enum.
func CategorizeReason(freeText string) string {
	lt := strings.ToLower(freeText)
	for _, rk := range reasonKeywords {
		for _, kw := range rk.keywords {
			if strings.Contains(lt, kw) {
				return rk.reason
			}
		}
	}
	return ReasonOther
}

// RecordRejections folds a batch of free-text rejection reasons into
// the pattern for (vendor, query) and persists. totalExtractions is the
// batch size the rejections came out of.
func (t *RejectionTracker) RecordRejections(vendor, query string, reasons []string, totalExtractions int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(); err != nil {
		return err
	}

	key := patternKey(vendor, query)
	p, ok := t.patterns[key]
	if !ok {
		p = &RejectionPattern{
			RejectionReasons: map[string]int{},
			FirstSeen:        time.Now().UTC(),
		}
		t.patterns[key] = p
	}

	p.TotalExtractions += totalExtractions
	for _, r := range reasons {
		p.TotalRejections++
		p.RejectionReasons[CategorizeReason(r)]++
	}
	// Rejections can never outnumber extractions.
	if p.TotalRejections > p.TotalExtractions {
		p.TotalRejections = p.TotalExtractions
	}
	p.LastUpdated = time.Now().UTC()

	logging.Rejection("recorded %d rejections for %s (total %d/%d)",
		len(reasons), key, p.TotalRejections, p.TotalExtractions)
	return t.persistLocked()
}

// minExtractionsForRefinement gates refinement hints on sample size.
const minExtractionsForRefinement = 5

// refinementFragments maps dominant reasons to query fragments. Price
// and stock problems belong to URL filters, not query text.
var refinementFragments = map[string]string{
	ReasonMissingGPU:      "nvidia rtx gpu",
	ReasonWrongCategory:   "laptop notebook",
	ReasonInsufficientRAM: "16GB 32GB RAM",
}

// QueryRefinements returns query fragments for reasons that dominate
// (>50%) the rejections of a (vendor, query) key with enough history.
func (t *RejectionTracker) QueryRefinements(vendor, query string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(); err != nil {
		return nil
	}

	p, ok := t.patterns[patternKey(vendor, query)]
	if !ok || p.TotalExtractions < minExtractionsForRefinement || p.TotalRejections == 0 {
		return nil
	}

	var out []string
	for _, reason := range []string{ReasonMissingGPU, ReasonWrongCategory, ReasonInsufficientRAM} {
		if p.RejectionReasons[reason]*2 > p.TotalRejections {
			out = append(out, refinementFragments[reason])
		}
	}
	return out
}

// Pattern returns a copy of the record for a (vendor, query) key.
func (t *RejectionTracker) Pattern(vendor, query string) (RejectionPattern, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(); err != nil {
		return RejectionPattern{}, false
	}
	p, ok := t.patterns[patternKey(vendor, query)]
	if !ok {
		return RejectionPattern{}, false
	}
	cp := *p
	cp.RejectionReasons = make(map[string]int, len(p.RejectionReasons))
	for k, v := range p.RejectionReasons {
		cp.RejectionReasons[k] = v
	}
	return cp, true
}

func (t *RejectionTracker) loadLocked() error {
	if t.loaded {
		return nil
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.loaded = true
			return nil
		}
		return fmt.Errorf("read rejection patterns: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &t.patterns); err != nil {
			return fmt.Errorf("parse rejection patterns: %w", err)
		}
	}
	t.loaded = true
	return nil
}

func (t *RejectionTracker) persistLocked() error {
	data, err := json.MarshalIndent(t.patterns, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rejection patterns: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write rejection patterns: %w", err)
	}
	return os.Rename(tmp, t.path)
}
