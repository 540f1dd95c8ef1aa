package extract

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"shopnerd/internal/config"
	"shopnerd/internal/logging"
	"shopnerd/internal/perception"
)

// Vision extraction confidence band. Anchoring quality moves the value
// inside it.
const (
	visionConfBase     = 0.70
	visionConfAnchored = 0.85
)

// VisionExtractor turns a full-page screenshot into product candidates
// by OCR, spatial grouping, and per-group LLM structuring.
type VisionExtractor struct {
	ocr OCREngine
	llm perception.Client
	cfg config.PerceptionConfig
}

// NewVisionExtractor creates a vision extractor.
func NewVisionExtractor(ocr OCREngine, llm perception.Client, cfg config.PerceptionConfig) *VisionExtractor {
	return &VisionExtractor{ocr: ocr, llm: llm, cfg: cfg}
}

// ocrGroup is a vertical band of OCR items forming a card candidate.
type ocrGroup struct {
	items []OCRItem
}

func (g *ocrGroup) text() string {
	parts := make([]string, len(g.items))
	for i, it := range g.items {
		parts[i] = it.Text
	}
	return strings.Join(parts, " ")
}

func (g *ocrGroup) center() (int, int) {
	if len(g.items) == 0 {
		return 0, 0
	}
	var sx, sy int
	for _, it := range g.items {
		sx += it.Box.CenterX()
		sy += it.Box.CenterY()
	}
	return sx / len(g.items), sy / len(g.items)
}

// visionItem is the LLM's per-group answer.
type visionItem struct {
	Title        string  `json:"title"`
	Price        string  `json:"price"`
	PriceNumeric float64 `json:"price_numeric"`
}

// ExtractFromScreenshot OCRs the screenshot, groups the text spatially,
// and asks the solver to structure each group into products.
func (v *VisionExtractor) ExtractFromScreenshot(ctx context.Context, imagePath, query string) ([]VisualProduct, error) {
	raw, err := v.ocr.Recognize(ctx, imagePath)
	if err != nil {
		return nil, fmt.Errorf("vision ocr: %w", err)
	}

	minConf := v.cfg.OCRConfidenceMin
	items := raw[:0:0]
	var pageText strings.Builder
	for _, it := range raw {
		if it.Confidence >= minConf {
			items = append(items, it)
			pageText.WriteString(it.Text)
			pageText.WriteByte(' ')
		}
	}
	if len(items) == 0 {
		return nil, nil
	}
	if HasNoResults(pageText.String()) {
		logging.Vision("no-results page in %s", imagePath)
		return nil, nil
	}

	groups := v.groupSpatially(items)
	logging.Vision("%s: %d ocr items in %d groups", imagePath, len(items), len(groups))

	var products []VisualProduct
	for _, g := range groups {
		structured, err := v.structureGroup(ctx, g, query)
		if err != nil {
			logging.VisionWarn("group structuring failed: %v", err)
			continue
		}
		for _, vi := range structured {
			if vi.Title == "" || IsSponsoredTitle(vi.Title) {
				continue
			}
			anchor, anchored := v.anchorFor(g, vi)
			conf := visionConfBase
			if anchored {
				conf = visionConfAnchored
			}
			products = append(products, VisualProduct{
				Title:        vi.Title,
				Price:        vi.Price,
				PriceNumeric: vi.PriceNumeric,
				Anchor:       anchor,
				Confidence:   conf,
				RawLines:     groupLines(g),
			})
		}
	}
	return products, nil
}

// groupSpatially sorts items top to bottom and starts a new group at
// every vertical gap past the threshold. Group count is capped.
func (v *VisionExtractor) groupSpatially(items []OCRItem) []*ocrGroup {
	yThreshold := v.cfg.YGroupThreshold
	if yThreshold <= 0 {
		yThreshold = 80
	}
	maxGroups := v.cfg.MaxOCRGroups
	if maxGroups <= 0 {
		maxGroups = 25
	}

	sorted := make([]OCRItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Box.Y != sorted[j].Box.Y {
			return sorted[i].Box.Y < sorted[j].Box.Y
		}
		return sorted[i].Box.X < sorted[j].Box.X
	})

	var groups []*ocrGroup
	var current *ocrGroup
	lastBottom := 0
	for _, it := range sorted {
		if current == nil || it.Box.Y-lastBottom >= yThreshold {
			if len(groups) >= maxGroups {
				break
			}
			current = &ocrGroup{}
			groups = append(groups, current)
		}
		current.items = append(current.items, it)
		if bottom := it.Box.Y + it.Box.Height; bottom > lastBottom {
			lastBottom = bottom
		}
	}

	if v.cfg.RequirePricePattern {
		kept := groups[:0]
		for _, g := range groups {
			if priceRE.MatchString(g.text()) {
				kept = append(kept, g)
			}
		}
		groups = kept
	}
	return groups
}

// structureGroup asks the solver to emit products for one group's raw
// lines. Output is parsed defensively.
func (v *VisionExtractor) structureGroup(ctx context.Context, g *ocrGroup, query string) ([]visionItem, error) {
	raw, err := v.llm.CompleteRecipe(ctx, "vision_products", map[string]string{
		"query": query,
		"lines": strings.Join(groupLines(g), "\n"),
	})
	if err != nil {
		return nil, err
	}
	return perception.DecodeArray[visionItem](raw)
}

// anchorFor picks the bounding box that best represents the product:
// the OCR item containing the price, else an item sharing title tokens,
// else the item nearest the group center.
func (v *VisionExtractor) anchorFor(g *ocrGroup, vi visionItem) (BBox, bool) {
	if vi.Price != "" {
		for _, it := range g.items {
			if strings.Contains(it.Text, vi.Price) {
				return it.Box, true
			}
		}
	}

	titleTokens := tokenize(vi.Title)
	best, bestOverlap := -1, 0
	for i, it := range g.items {
		overlap := tokenOverlap(titleTokens, tokenize(it.Text))
		if overlap > bestOverlap {
			best, bestOverlap = i, overlap
		}
	}
	if best >= 0 && bestOverlap >= 2 {
		return g.items[best].Box, true
	}

	cx, cy := g.center()
	best, bestDist := -1, 0
	for i, it := range g.items {
		dx, dy := it.Box.CenterX()-cx, it.Box.CenterY()-cy
		d := dx*dx + dy*dy
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if best >= 0 {
		return g.items[best].Box, false
	}
	return BBox{}, false
}

func groupLines(g *ocrGroup) []string {
	lines := make([]string, len(g.items))
	for i, it := range g.items {
		lines[i] = it.Text
	}
	return lines
}

func tokenOverlap(a, b map[string]bool) int {
	n := 0
	for t := range a {
		if b[t] {
			n++
		}
	}
	return n
}
