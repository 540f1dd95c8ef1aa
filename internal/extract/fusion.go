package extract

import (
	"strings"

	"shopnerd/internal/config"
	"shopnerd/internal/logging"
)

// visionOnlyPenalty is applied to unmatched vision products that fall
// back to the page URL.
const visionOnlyPenalty = 0.30

// Fuse matches vision-identified products to HTML URL candidates by
// fuzzy title similarity. Each candidate URL is consumed at most once;
// unmatched vision products survive as vision_only records pointing at
// the listing page with a confidence penalty.
func Fuse(visual []VisualProduct, candidates []HTMLCandidate, pageURL string, cfg config.PerceptionConfig) []FusedProduct {
	threshold := cfg.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.40
	}

	used := make(map[int]bool, len(candidates))
	var out []FusedProduct
	for _, vp := range visual {
		bestIdx, bestScore := -1, 0.0
		for i, c := range candidates {
			if used[i] {
				continue
			}
			score := matchScore(vp.Title, c)
			if score > bestScore {
				bestIdx, bestScore = i, score
			}
		}

		if bestIdx >= 0 && bestScore >= threshold {
			c := candidates[bestIdx]
			used[bestIdx] = true
			anchor := vp.Anchor
			out = append(out, FusedProduct{
				Title:          pickTitle(vp.Title, c),
				Price:          vp.Price,
				PriceNumeric:   vp.PriceNumeric,
				URL:            c.URL,
				Vendor:         VendorOf(c.URL),
				Confidence:     (vp.Confidence + c.Confidence) / 2,
				Method:         MethodFusion,
				VisionVerified: true,
				URLSource:      c.Source,
				MatchScore:     bestScore,
				Anchor:         &anchor,
			})
			continue
		}

		anchor := vp.Anchor
		out = append(out, FusedProduct{
			Title:          vp.Title,
			Price:          vp.Price,
			PriceNumeric:   vp.PriceNumeric,
			URL:            pageURL,
			Vendor:         VendorOf(pageURL),
			Confidence:     vp.Confidence * (1 - visionOnlyPenalty),
			Method:         MethodVisionOnly,
			VisionVerified: true,
			MatchScore:     bestScore,
			Anchor:         &anchor,
		})
	}

	logging.Fusion("fused %d vision products against %d candidates at %s",
		len(visual), len(candidates), pageURL)
	return out
}

// FuseHTMLOnly converts unconsumed HTML candidates into products when
// no vision pass ran.
func FuseHTMLOnly(candidates []HTMLCandidate) []FusedProduct {
	out := make([]FusedProduct, 0, len(candidates))
	for _, c := range candidates {
		title := c.Title
		if title == "" {
			title = c.LinkText
		}
		out = append(out, FusedProduct{
			Title:      title,
			Price:      c.Price,
			URL:        c.URL,
			Vendor:     VendorOf(c.URL),
			Confidence: c.Confidence,
			Method:     MethodHTMLOnly,
			URLSource:  c.Source,
		})
	}
	return out
}

// matchScore is the best of character-level, token-level, and context
// similarity between a vision title and a candidate.
func matchScore(visionTitle string, c HTMLCandidate) float64 {
	vt := normalizeTitle(visionTitle)
	if vt == "" {
		return 0
	}

	score := lcsRatio(vt, normalizeTitle(c.LinkText))
	if t := normalizeTitle(c.Title); t != "" {
		if s := lcsRatio(vt, t); s > score {
			score = s
		}
	}
	if s := jaccard(tokenize(visionTitle), tokenize(c.LinkText+" "+c.Title)); s > score {
		score = s
	}
	// Context matches are weaker evidence; discount them.
	if c.Context != "" {
		if s := jaccard(tokenize(visionTitle), tokenize(c.Context)) * 0.9; s > score {
			score = s
		}
	}
	return score
}

func pickTitle(visionTitle string, c HTMLCandidate) string {
	if c.Title != "" && len(c.Title) > len(visionTitle) {
		return c.Title
	}
	if visionTitle != "" {
		return visionTitle
	}
	return c.LinkText
}

// normalizeTitle lowercases, strips non-alphanumerics, and collapses
// whitespace.
func normalizeTitle(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// tokenize returns the set of normalized tokens of length >= 3.
func tokenize(s string) map[string]bool {
	out := map[string]bool{}
	for _, t := range strings.Fields(normalizeTitle(s)) {
		if len(t) >= 3 {
			out[t] = true
		}
	}
	return out
}

// jaccard is intersection over union of two token sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// lcsRatio is the longest-common-subsequence length over the longer
// string's length.
func lcsRatio(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	la, lb := len(a), len(b)
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for i := 1; i <= la; i++ {
		for j := 1; j <= lb; j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	lcs := prev[lb]
	longer := la
	if lb > longer {
		longer = lb
	}
	return float64(lcs) / float64(longer)
}
