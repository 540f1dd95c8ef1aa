package verify

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"shopnerd/internal/logging"
	"shopnerd/internal/perception"
)

// ViableProduct is a verified product that passed the viability filter.
type ViableProduct struct {
	Product    VerifiedProduct `json:"product"`
	Score      float64         `json:"viability_score"`
	Strengths  []string        `json:"strengths,omitempty"`
	Weaknesses []string        `json:"weaknesses,omitempty"`
	Note       string          `json:"note,omitempty"`
}

// FilteredProduct is a verified product the filter rejected.
type FilteredProduct struct {
	Product VerifiedProduct `json:"product"`
	Reason  string          `json:"rejection_reason"`
}

// FilterStats summarizes one filter pass.
type FilterStats struct {
	Evaluated        int `json:"evaluated"`
	Viable           int `json:"viable"`
	Rejected         int `json:"rejected"`
	KeywordOverrides int `json:"keyword_overrides"`
	VendorCapDrops   int `json:"vendor_cap_drops"`
}

// FilterResult is the outcome of FilterViable.
type FilterResult struct {
	Viable   []ViableProduct   `json:"viable"`
	Rejected []FilteredProduct `json:"rejected"`
	Stats    FilterStats       `json:"stats"`
}

// Filter classifies verified products against requirements with the
// LLM, falling back to keyword matching when the model's rejection is
// unsupported.
type Filter struct {
	llm     perception.Client
	tracker *RejectionTracker
}

func NewFilter(llm perception.Client, tracker *RejectionTracker) *Filter {
	return &Filter{llm: llm, tracker: tracker}
}

// viabilityEnvelope is the JSON structure the viability recipe asks
// the model to produce.
type viabilityEnvelope struct {
	Summary     string              `json:"summary"`
	Evaluations []productEvaluation `json:"evaluations"`
}

type productEvaluation struct {
	Index             int             `json:"index"`
	Viable            bool            `json:"viable"`
	ViabilityScore    float64         `json:"viability_score"`
	MeetsRequirements map[string]bool `json:"meets_requirements,omitempty"`
	Strengths         []string        `json:"strengths,omitempty"`
	Weaknesses        []string        `json:"weaknesses,omitempty"`
	RejectionReason   string          `json:"rejection_reason,omitempty"`
}

// FilterViable evaluates products against requirements and splits them
// into viable and rejected, recording rejections in the tracker.
func (f *Filter) FilterViable(ctx context.Context, products []VerifiedProduct, reqs Requirements, query string, maxPerVendor int) (*FilterResult, error) {
	res := &FilterResult{}
	if len(products) == 0 {
		return res, nil
	}
	res.Stats.Evaluated = len(products)

	// Cheap spec enrichment before the model sees anything.
	enriched := make([]VerifiedProduct, len(products))
	for i, p := range products {
		enriched[i] = augmentWithURLSpecs(p)
	}

	evals, err := f.evaluate(ctx, enriched, reqs, query)
	if err != nil {
		logging.VerifyWarn("viability llm failed, keyword-only pass: %v", err)
		evals = nil
	}

	byIndex := make(map[int]productEvaluation, len(evals))
	for _, ev := range evals {
		if ev.Index >= 0 && ev.Index < len(enriched) {
			byIndex[ev.Index] = ev
		}
	}

	perVendor := map[string]int{}
	for i, p := range enriched {
		ev, evaluated := byIndex[i]

		viable := evaluated && ev.Viable
		note := ""
		if !viable && (!evaluated || genericReason(ev.RejectionReason)) {
			if ok, why := keywordViable(p, reqs, query); ok {
				viable = true
				note = why
				ev.ViabilityScore = 0.55
				res.Stats.KeywordOverrides++
			}
		}

		if !viable {
			reason := ev.RejectionReason
			if reason == "" {
				reason = "does not match requirements"
			}
			res.Rejected = append(res.Rejected, FilteredProduct{Product: p, Reason: reason})
			continue
		}

		if maxPerVendor > 0 && perVendor[p.Vendor] >= maxPerVendor {
			res.Stats.VendorCapDrops++
			continue
		}
		perVendor[p.Vendor]++
		res.Viable = append(res.Viable, ViableProduct{
			Product:    p,
			Score:      ev.ViabilityScore,
			Strengths:  ev.Strengths,
			Weaknesses: ev.Weaknesses,
			Note:       note,
		})
	}

	res.Stats.Viable = len(res.Viable)
	res.Stats.Rejected = len(res.Rejected)

	if f.tracker != nil && len(res.Rejected) > 0 {
		extractions := map[string]int{}
		for _, p := range products {
			extractions[p.Vendor]++
		}
		byVendor := map[string][]string{}
		for _, r := range res.Rejected {
			byVendor[r.Product.Vendor] = append(byVendor[r.Product.Vendor], r.Reason)
		}
		for vendor, reasons := range byVendor {
			if err := f.tracker.RecordRejections(vendor, query, reasons, extractions[vendor]); err != nil {
				logging.VerifyWarn("record rejections for %s: %v", vendor, err)
			}
		}
	}

	logging.Verify("viability: %d viable, %d rejected of %d (%d keyword overrides)",
		res.Stats.Viable, res.Stats.Rejected, res.Stats.Evaluated, res.Stats.KeywordOverrides)
	return res, nil
}

// evaluate runs the viability recipe and parses its envelope, salvaging
// per-product objects when the envelope itself is malformed.
func (f *Filter) evaluate(ctx context.Context, products []VerifiedProduct, reqs Requirements, query string) ([]productEvaluation, error) {
	raw, err := f.llm.CompleteRecipe(ctx, "viability", map[string]string{
		"query":             query,
		"hard_requirements": strings.Join(reqs.HardRequirements, "; "),
		"nice_to_haves":     strings.Join(reqs.NiceToHaves, "; "),
		"price_range":       priceRangeText(reqs),
		"products":          describeProducts(products),
	})
	if err != nil {
		return nil, err
	}

	env, derr := perception.DecodeObject[viabilityEnvelope](raw)
	if derr == nil && len(env.Evaluations) > 0 {
		// A summary that denies any match outranks contradictory
		// per-product flags.
		if summarySaysNoMatch(env.Summary) && anyViable(env.Evaluations) {
			logging.VerifyWarn("viability summary contradicts evaluations, discarding evaluations")
			return nil, nil
		}
		return env.Evaluations, nil
	}

	// Envelope missing or empty: pull whatever per-product objects
	// survived.
	if salvaged := salvageEvaluations(raw); len(salvaged) > 0 {
		logging.VerifyWarn("viability envelope malformed, salvaged %d evaluations", len(salvaged))
		return salvaged, nil
	}
	if derr != nil {
		return nil, fmt.Errorf("unparseable viability reply: %w", derr)
	}
	return nil, nil
}

// salvageEvaluations pulls well-formed per-product objects out of an
// otherwise broken reply.
func salvageEvaluations(raw string) []productEvaluation {
	var out []productEvaluation
	for _, cand := range perception.FindObjectCandidates(raw) {
		ev, err := perception.DecodeObject[productEvaluation](cand)
		if err != nil {
			continue
		}
		if ev.Index >= 0 && (ev.Viable || ev.RejectionReason != "" || ev.ViabilityScore > 0) {
			out = append(out, ev)
		}
	}
	return out
}

var noMatchPhrases = []string{
	"no matching products", "no products match", "none of the products",
	"no viable products",
}

func summarySaysNoMatch(summary string) bool {
	return mentionsAny(summary, noMatchPhrases...)
}

func anyViable(evals []productEvaluation) bool {
	for _, ev := range evals {
		if ev.Viable {
			return true
		}
	}
	return false
}

// genericReason reports whether a rejection reason is too thin to
// trust over a keyword match.
func genericReason(reason string) bool {
	r := strings.ToLower(strings.TrimSpace(reason))
	switch r {
	case "", "not viable", "no", "n/a", "unknown", "does not match", "not a match":
		return true
	}
	return len(r) < 10
}

// keywordViable is the fallback check: term overlap between the query
// (and hard requirements) and everything known about the product.
func keywordViable(p VerifiedProduct, reqs Requirements, query string) (bool, string) {
	text := strings.ToLower(p.Title + " " + p.URL)
	if p.PDP != nil {
		text += " " + strings.ToLower(p.PDP.Title)
		for k, v := range p.PDP.Specs {
			text += " " + strings.ToLower(k+" "+v)
		}
	}

	if ratio := termRatio(queryTerms(query), text); ratio >= 0.6 {
		return true, fmt.Sprintf("viable by keyword match (query ratio %.2f)", ratio)
	}
	if len(reqs.HardRequirements) > 0 {
		var terms []string
		for _, hr := range reqs.HardRequirements {
			terms = append(terms, queryTerms(hr)...)
		}
		if ratio := termRatio(terms, text); ratio >= 0.5 {
			return true, fmt.Sprintf("viable by keyword match (requirement ratio %.2f)", ratio)
		}
	}
	return false, ""
}

func termRatio(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	matched := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// URL slug spec mining. Retailer slugs often carry the full loadout
// even when the page markup hides it.
var urlSpecPatterns = []struct {
	key string
	re  *regexp.Regexp
}{
	{"gpu", regexp.MustCompile(`(?i)\b(rtx|gtx)[\s_-]?(\d{3,4})(\s?ti)?\b`)},
	{"cpu", regexp.MustCompile(`(?i)\b(i[3579][\s_-]?\d{4,5}[a-z]{0,2}|ryzen[\s_-]?[3579][\s_-]?\d{4}[a-z]{0,2})\b`)},
	{"ram", regexp.MustCompile(`(?i)\b(\d{1,3})\s?gb[\s_-]?(ddr\d|ram)\b`)},
	{"storage", regexp.MustCompile(`(?i)\b(\d+)\s?(tb|gb)[\s_-]?(ssd|hdd|nvme)\b`)},
	{"display", regexp.MustCompile(`(?i)\b(\d{2}(?:\.\d)?)[\s_-]?(inch|in)\b`)},
}

// augmentWithURLSpecs mines GPU/CPU/RAM/storage/display tokens out of
// the product URL slug, filling only spec keys that are still empty.
func augmentWithURLSpecs(p VerifiedProduct) VerifiedProduct {
	slug := strings.NewReplacer("-", " ", "_", " ", "/", " ", "+", " ").Replace(p.URL)
	if p.PDP == nil {
		return p
	}
	if p.PDP.Specs == nil {
		p.PDP.Specs = map[string]string{}
	}
	for _, sp := range urlSpecPatterns {
		if p.PDP.Specs[sp.key] != "" {
			continue
		}
		if m := sp.re.FindString(slug); m != "" {
			p.PDP.Specs[sp.key] = strings.ToUpper(strings.TrimSpace(m))
		}
	}
	return p
}

func priceRangeText(reqs Requirements) string {
	switch {
	case reqs.PriceMin > 0 && reqs.PriceMax > 0:
		return fmt.Sprintf("$%.0f-$%.0f", reqs.PriceMin, reqs.PriceMax)
	case reqs.PriceMax > 0:
		return fmt.Sprintf("under $%.0f", reqs.PriceMax)
	case reqs.PriceMin > 0:
		return fmt.Sprintf("over $%.0f", reqs.PriceMin)
	}
	return "any"
}

// describeProducts renders the numbered product list the recipe embeds.
func describeProducts(products []VerifiedProduct) string {
	var b strings.Builder
	for i, p := range products {
		fmt.Fprintf(&b, "%d. %s", i, p.Title)
		if p.Price != nil {
			fmt.Fprintf(&b, " | $%.2f", *p.Price)
		}
		fmt.Fprintf(&b, " | %s", p.URL)
		if p.PDP != nil && len(p.PDP.Specs) > 0 {
			var parts []string
			for k, v := range p.PDP.Specs {
				parts = append(parts, k+"="+v)
			}
			fmt.Fprintf(&b, " | %s", strings.Join(parts, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}
