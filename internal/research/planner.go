package research

import (
	"context"
	"fmt"
	"strings"

	"shopnerd/internal/logging"
	"shopnerd/internal/perception"
	"shopnerd/internal/verify"
)

// Plan is the LLM-produced research plan for one query.
type Plan struct {
	SearchQueries     []string  `json:"search_queries"`
	HardRequirements  []string  `json:"hard_requirements"`
	NiceToHaves       []string  `json:"nice_to_haves"`
	PriceRange        []float64 `json:"price_range,omitempty"`
	RecommendedBrands []string  `json:"recommended_brands,omitempty"`
	CategoryHints     []string  `json:"category_hints,omitempty"`
}

// Requirements converts the plan into the verification requirements
// record.
func (p *Plan) Requirements(query string) verify.Requirements {
	reqs := verify.Requirements{
		Query:             query,
		HardRequirements:  p.HardRequirements,
		NiceToHaves:       p.NiceToHaves,
		RecommendedBrands: p.RecommendedBrands,
		CategoryHints:     p.CategoryHints,
	}
	if len(p.PriceRange) == 2 {
		reqs.PriceMin, reqs.PriceMax = p.PriceRange[0], p.PriceRange[1]
	} else if len(p.PriceRange) == 1 {
		reqs.PriceMax = p.PriceRange[0]
	}
	return reqs
}

// Planner turns a user query into search queries and requirements,
// folding in learned refinements from the rejection tracker.
type Planner struct {
	llm     perception.Client
	tracker *verify.RejectionTracker
}

func NewPlanner(llm perception.Client, tracker *verify.RejectionTracker) *Planner {
	return &Planner{llm: llm, tracker: tracker}
}

// Plan asks the model for a plan and applies query refinements learned
// for the target vendors. Falls back to a single-query plan when the
// model reply cannot be parsed.
func (p *Planner) Plan(ctx context.Context, query string, vendors []string) (*Plan, error) {
	raw, err := p.llm.CompleteRecipe(ctx, "plan_research", map[string]string{
		"query": query,
	})
	if err != nil {
		return nil, fmt.Errorf("plan research: %w", err)
	}

	plan, derr := perception.DecodeObject[Plan](raw)
	if derr != nil || len(plan.SearchQueries) == 0 {
		logging.ResearchWarn("plan reply unusable (%v), falling back to raw query", derr)
		plan = Plan{SearchQueries: []string{query}}
	}

	p.applyRefinements(&plan, query, vendors)
	logging.Research("plan: %d queries, %d hard requirements",
		len(plan.SearchQueries), len(plan.HardRequirements))
	return &plan, nil
}

// applyRefinements appends learned query fragments for each vendor the
// run will touch, deduplicating queries that already carry them.
func (p *Planner) applyRefinements(plan *Plan, query string, vendors []string) {
	if p.tracker == nil {
		return
	}
	seen := map[string]bool{}
	for _, q := range plan.SearchQueries {
		seen[strings.ToLower(q)] = true
	}
	for _, vendor := range vendors {
		for _, frag := range p.tracker.QueryRefinements(vendor, query) {
			refined := query + " " + frag
			if key := strings.ToLower(refined); !seen[key] {
				seen[key] = true
				plan.SearchQueries = append(plan.SearchQueries, refined)
				logging.Research("refined query for %s: %q", vendor, refined)
			}
		}
	}
}
