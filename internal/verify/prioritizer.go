package verify

import (
	"sort"
	"strings"

	"shopnerd/internal/extract"
	"shopnerd/internal/logging"
)

// Tier buckets a candidate's verification priority.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// PrioritizedCandidate is a candidate scored against requirements.
type PrioritizedCandidate struct {
	Product extract.FusedProduct `json:"product"`
	Score   float64              `json:"score"`
	Tier    Tier                 `json:"tier"`
}

// RejectedCandidate records a safe rejection before verification.
type RejectedCandidate struct {
	Product extract.FusedProduct `json:"product"`
	Reason  string               `json:"rejection_reason"`
}

// wrongCategoryMarkers definitively rule out a candidate when the hard
// requirement is an NVIDIA-GPU laptop. These never carry a discrete
// NVIDIA part.
var wrongCategoryMarkers = []string{
	"chromebook", "macbook", "ipad", "tablet", "imac", "mac mini",
}

// integratedGPUMarkers mark integrated-only graphics when no NVIDIA
// marker is present alongside.
var integratedGPUMarkers = []string{
	"intel iris", "intel uhd", "intel hd graphics", "radeon graphics",
	"integrated graphics", "iris xe",
}

var nvidiaMarkers = []string{"nvidia", "rtx", "gtx", "geforce"}

// Prioritize scores candidates against requirements, safely rejecting
// definitive category mismatches and tiering the rest. The prioritized
// list is capped at twice maxToVerify.
func Prioritize(candidates []extract.FusedProduct, reqs Requirements, maxToVerify int) ([]PrioritizedCandidate, []RejectedCandidate) {
	if maxToVerify <= 0 {
		maxToVerify = 6
	}

	var kept []PrioritizedCandidate
	var rejected []RejectedCandidate
	for _, c := range candidates {
		if reason := safeRejectReason(c, reqs); reason != "" {
			rejected = append(rejected, RejectedCandidate{Product: c, Reason: reason})
			continue
		}
		score := scoreCandidate(c, reqs)
		kept = append(kept, PrioritizedCandidate{Product: c, Score: score, Tier: tierFor(score)})
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if limit := 2 * maxToVerify; len(kept) > limit {
		kept = kept[:limit]
	}

	logging.Verify("prioritized %d candidates (%d rejected) for %q",
		len(kept), len(rejected), reqs.Query)
	return kept, rejected
}

// safeRejectReason returns a non-empty reason only for definitive
// mismatches. Anything uncertain stays in the list; verification will
// settle it.
func safeRejectReason(c extract.FusedProduct, reqs Requirements) string {
	text := strings.ToLower(c.Title + " " + c.URL)

	if reqs.wantsNvidiaGPU() {
		for _, m := range wrongCategoryMarkers {
			if strings.Contains(text, m) {
				return "wrong category: " + m + " cannot carry an NVIDIA GPU"
			}
		}
		if mentionsAny(text, integratedGPUMarkers...) && !mentionsAny(text, nvidiaMarkers...) {
			return "integrated graphics only, missing NVIDIA GPU"
		}
	} else if reqs.wantsLaptop() {
		for _, m := range []string{"ipad", "tablet", "desktop tower", "mac mini"} {
			if strings.Contains(text, m) {
				return "wrong category: " + m + " is not a laptop"
			}
		}
	}
	return ""
}

// scoreCandidate measures title/URL/context overlap with the query and
// hard requirements.
func scoreCandidate(c extract.FusedProduct, reqs Requirements) float64 {
	text := strings.ToLower(c.Title + " " + c.URL)

	terms := queryTerms(reqs.Query)
	matched := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			matched++
		}
	}
	score := 0.0
	if len(terms) > 0 {
		score = float64(matched) / float64(len(terms))
	}

	hardMatched := 0
	for _, hr := range reqs.HardRequirements {
		for _, t := range queryTerms(hr) {
			if strings.Contains(text, t) {
				hardMatched++
				break
			}
		}
	}
	if len(reqs.HardRequirements) > 0 {
		score = 0.6*score + 0.4*float64(hardMatched)/float64(len(reqs.HardRequirements))
	}

	if mentionsAny(c.Title, reqs.RecommendedBrands...) {
		score += 0.1
	}
	// Direct product URLs beat listing fallbacks.
	if extract.MatchesProductURL(c.URL) {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

func tierFor(score float64) Tier {
	switch {
	case score >= 0.6:
		return TierHigh
	case score >= 0.3:
		return TierMedium
	default:
		return TierLow
	}
}

// stopwords excluded from keyword matching.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "best": true,
	"under": true, "over": true, "good": true, "cheap": true, "a": true,
	"an": true, "of": true, "to": true, "in": true, "on": true,
}

// queryTerms tokenizes a query into significant lowercase terms.
func queryTerms(q string) []string {
	var out []string
	for _, t := range strings.Fields(strings.ToLower(q)) {
		t = strings.Trim(t, ".,!?\"'()")
		if len(t) >= 2 && !stopwords[t] {
			out = append(out, t)
		}
	}
	return out
}
