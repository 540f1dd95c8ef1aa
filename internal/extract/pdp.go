package extract

import (
	"context"
	"strconv"
	"strings"

	"shopnerd/internal/config"
	"shopnerd/internal/logging"
	"shopnerd/internal/pageintel"
	"shopnerd/internal/perception"

	"golang.org/x/net/html"
)

// Per-source confidences for the PDP ladder.
const (
	pdpConfJSONLD   = 0.95
	pdpConfKnown    = 0.95
	pdpConfLearned  = 0.90
	pdpConfVision   = 0.75
	pdpConfVisionAnchored = 0.85
	pdpConfContact  = 0.60
)

// contactPhrases mark products sold by inquiry rather than cart.
var contactPhrases = []string{
	"contact for pricing", "call for price", "call for pricing",
	"request a quote", "contact us for availability", "price upon request",
	"see price in cart",
}

// PDPExtractor runs the product-detail ladder: JSON-LD, known-site
// selectors, LLM-calibrated selectors, then vision. The first source to
// produce a price and title wins.
type PDPExtractor struct {
	llm     perception.Client
	learner *selectorLearner
	ocr     OCREngine
	cfg     config.PerceptionConfig
}

// NewPDPExtractor creates the extractor. ocr may be nil, which disables
// the vision rung.
func NewPDPExtractor(llm perception.Client, store *pageintel.SchemaStore, ocr OCREngine, cfg config.PerceptionConfig) *PDPExtractor {
	return &PDPExtractor{
		llm:     llm,
		learner: newSelectorLearner(llm, store),
		ocr:     ocr,
		cfg:     cfg,
	}
}

// Extract produces a PDPData from a product detail page, or (nil, nil)
// when the page yields nothing recognizable. screenshotPath is optional
// and only consulted by the vision rung.
func (e *PDPExtractor) Extract(ctx context.Context, pageHTML, pageURL, goal, screenshotPath string) (*PDPData, error) {
	if strings.TrimSpace(pageHTML) == "" {
		return nil, nil
	}
	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return nil, err
	}
	pageText := textContent(doc)
	ldProducts := parseJSONLD(pageHTML)

	specs := map[string]string{}
	if len(ldProducts) > 0 {
		mergeSpecs(specs, specsFromJSONLD(ldProducts[0]))
	}
	mergeSpecs(specs, specsFromDOM(doc))
	if isElectronicsGoal(goal) && specs["gpu"] == "" && specs["cpu"] == "" {
		mergeSpecs(specs, specsFromLLM(ctx, e.llm, pageText))
	}

	data := e.fromJSONLD(ldProducts)
	if data == nil {
		data = e.fromKnownSite(doc, pageURL)
	}
	if data == nil {
		data = e.fromLearnedSelectors(ctx, doc, pageURL)
	}
	if data == nil && screenshotPath != "" && e.ocr != nil {
		data = e.fromVision(ctx, screenshotPath)
	}
	if data == nil {
		data = e.fromContactPhrases(doc, pageText)
	}
	if data == nil {
		logging.PDP("no pdp data at %s", pageURL)
		return nil, nil
	}

	data.Specs = specs
	if data.Condition == "" {
		data.Condition = detectCondition(data.Title + " " + pageText)
	}
	logging.PDP("pdp at %s: source=%s price=%v conf=%.2f",
		pageURL, data.ExtractionSource, formatPrice(data.Price), data.Confidence)
	return data, nil
}

func (e *PDPExtractor) fromJSONLD(products []ldProduct) *PDPData {
	for _, p := range products {
		price := p.effectivePrice()
		if p.Name == "" && price == nil {
			continue
		}
		inStock, status := p.inStock()
		return &PDPData{
			Title:            p.Name,
			Price:            price,
			InStock:          inStock,
			StockStatus:      status,
			Rating:           p.Rating,
			ReviewCount:      p.ReviewCount,
			ImageURL:         p.Image,
			ExtractionSource: "json_ld",
			Confidence:       pdpConfJSONLD,
		}
	}
	return nil
}

func (e *PDPExtractor) fromKnownSite(doc *html.Node, pageURL string) *PDPData {
	site, ok := knownSiteFor(pageURL)
	if !ok {
		return nil
	}
	price := priceFromSelector(doc, site.Price)
	title := textFromSelector(doc, site.Title)
	if price == nil || title == "" {
		return nil
	}
	if *price < site.MinPrice {
		logging.PDPWarn("known-site price $%.2f below floor $%.2f at %s, discarding",
			*price, site.MinPrice, pageURL)
		return nil
	}
	return &PDPData{
		Title:            title,
		Price:            price,
		InStock:          pageintel.QueryFirst(doc, site.Cart) != nil,
		StockStatus:      "in_stock",
		ExtractionSource: "known_selectors",
		Confidence:       pdpConfKnown,
	}
}

func (e *PDPExtractor) fromLearnedSelectors(ctx context.Context, doc *html.Node, pageURL string) *PDPData {
	domain := VendorOf(pageURL)
	if domain == "" {
		return nil
	}
	ls, err := e.learner.selectorsFor(ctx, domain, doc)
	if err != nil {
		logging.PDPWarn("learned selectors unavailable for %s: %v", domain, err)
		return nil
	}
	price := priceFromSelector(doc, ls.PriceSelector)
	title := textFromSelector(doc, ls.TitleSelector)
	if price == nil || title == "" {
		e.learner.recordOutcome(domain, false, "learned selectors matched nothing")
		return nil
	}
	e.learner.recordOutcome(domain, true, "")
	return &PDPData{
		Title:            title,
		Price:            price,
		InStock:          ls.CartSelector == "" || pageintel.QueryFirst(doc, ls.CartSelector) != nil,
		StockStatus:      "in_stock",
		ExtractionSource: "learned_selectors",
		Confidence:       pdpConfLearned,
	}
}

// fromVision locates the price nearest an add-to-cart anchor in the
// OCR output and takes the most prominent text above it as the title.
func (e *PDPExtractor) fromVision(ctx context.Context, screenshotPath string) *PDPData {
	items, err := e.ocr.Recognize(ctx, screenshotPath)
	if err != nil {
		logging.PDPWarn("pdp vision ocr failed: %v", err)
		return nil
	}
	var all strings.Builder
	for _, it := range items {
		all.WriteString(it.Text)
		all.WriteByte(' ')
	}
	if hasContactPhrase(all.String()) {
		return &PDPData{
			StockStatus:      "contact_for_availability",
			ExtractionSource: "vision",
			Confidence:       pdpConfVision,
		}
	}

	var cart *OCRItem
	for i, it := range items {
		if looksLikeCart(it.Text) {
			cart = &items[i]
			break
		}
	}

	var priceItem *OCRItem
	bestDist := 0
	for i, it := range items {
		if !priceRE.MatchString(it.Text) {
			continue
		}
		if cart == nil {
			// No cart anchor: take the topmost, largest price.
			if priceItem == nil || it.Box.Height > priceItem.Box.Height {
				priceItem = &items[i]
			}
			continue
		}
		dy := it.Box.CenterY() - cart.Box.CenterY()
		dx := it.Box.CenterX() - cart.Box.CenterX()
		d := dx*dx + dy*dy
		if priceItem == nil || d < bestDist {
			priceItem, bestDist = &items[i], d
		}
	}
	if priceItem == nil {
		return nil
	}
	price := parsePrice(priceItem.Text)
	if price == nil {
		return nil
	}

	// Title: the largest non-price, non-button text above the price.
	var title string
	var titleHeight int
	for _, it := range items {
		if it.Box.Y >= priceItem.Box.Y {
			continue
		}
		if priceRE.MatchString(it.Text) || looksLikeCart(it.Text) || len(it.Text) < 10 {
			continue
		}
		if it.Box.Height > titleHeight {
			title, titleHeight = it.Text, it.Box.Height
		}
	}

	conf := pdpConfVision
	if cart != nil && title != "" {
		conf = pdpConfVisionAnchored
	}
	return &PDPData{
		Title:            title,
		Price:            price,
		InStock:          cart != nil,
		StockStatus:      "in_stock",
		ExtractionSource: "vision",
		Confidence:       conf,
	}
}

func (e *PDPExtractor) fromContactPhrases(doc *html.Node, pageText string) *PDPData {
	if !hasContactPhrase(pageText) {
		return nil
	}
	title := textFromSelector(doc, "h1")
	return &PDPData{
		Title:            title,
		StockStatus:      "contact_for_availability",
		ExtractionSource: "contact_detection",
		Confidence:       pdpConfContact,
	}
}

func hasContactPhrase(text string) bool {
	lt := strings.ToLower(text)
	for _, p := range contactPhrases {
		if strings.Contains(lt, p) {
			return true
		}
	}
	return false
}

func detectCondition(text string) string {
	lt := strings.ToLower(text)
	switch {
	case strings.Contains(lt, "refurbished") || strings.Contains(lt, "renewed"):
		return "refurbished"
	case strings.Contains(lt, "open box") || strings.Contains(lt, "open-box"):
		return "open_box"
	case strings.Contains(lt, "pre-owned") || strings.Contains(lt, "used -"):
		return "used"
	default:
		return "new"
	}
}

func priceFromSelector(doc *html.Node, sel string) *float64 {
	if sel == "" {
		return nil
	}
	for _, n := range pageintel.QueryAll(doc, sel) {
		if p := parsePrice(textContent(n)); p != nil {
			return p
		}
		// Meta-style price attributes carry the value off-text.
		if p := parsePrice(nodeAttr(n, "content")); p != nil {
			return p
		}
	}
	return nil
}

func textFromSelector(doc *html.Node, sel string) string {
	if sel == "" {
		return ""
	}
	if n := pageintel.QueryFirst(doc, sel); n != nil {
		return textContent(n)
	}
	return ""
}

// parsePrice pulls the first dollar price out of text.
func parsePrice(text string) *float64 {
	m := priceRE.FindString(text)
	if m == "" {
		// Bare numeric, as in itemprop content attributes.
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil || f <= 0 {
			return nil
		}
		return &f
	}
	cleaned := strings.ReplaceAll(strings.TrimPrefix(m, "$"), ",", "")
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || f <= 0 {
		return nil
	}
	return &f
}

func formatPrice(p *float64) string {
	if p == nil {
		return "null"
	}
	return strconv.FormatFloat(*p, 'f', 2, 64)
}
