// Package verify drives the post-extraction half of the pipeline:
// prioritizing candidates against requirements, visiting product detail
// pages, filtering verified products for viability, and tracking
// rejection patterns for query refinement.
package verify

import "strings"

// Requirements partitions what the user asked for into hard constraints
// and preferences.
type Requirements struct {
	Query             string            `json:"query"`
	HardRequirements  []string          `json:"hard_requirements"`
	NiceToHaves       []string          `json:"nice_to_haves"`
	PriceMin          float64           `json:"price_min,omitempty"`
	PriceMax          float64           `json:"price_max,omitempty"`
	RecommendedBrands []string          `json:"recommended_brands,omitempty"`
	CategoryHints     []string          `json:"category_hints,omitempty"`
	Explicit          map[string]string `json:"explicit,omitempty"`
}

// mentionsAny reports whether any needle occurs in the haystack,
// case-insensitively.
func mentionsAny(haystack string, needles ...string) bool {
	h := strings.ToLower(haystack)
	for _, n := range needles {
		if n != "" && strings.Contains(h, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// wantsNvidiaGPU reports whether the hard requirements demand a
// discrete NVIDIA GPU.
func (r Requirements) wantsNvidiaGPU() bool {
	joined := strings.ToLower(strings.Join(r.HardRequirements, " ") + " " + r.Query)
	return strings.Contains(joined, "nvidia") || strings.Contains(joined, "rtx") ||
		strings.Contains(joined, "gtx") || strings.Contains(joined, "discrete gpu") ||
		strings.Contains(joined, "dedicated gpu")
}

// wantsLaptop reports whether the requirements are laptop-shaped.
func (r Requirements) wantsLaptop() bool {
	joined := strings.ToLower(strings.Join(r.HardRequirements, " ") + " " + r.Query)
	return strings.Contains(joined, "laptop") || strings.Contains(joined, "notebook")
}
