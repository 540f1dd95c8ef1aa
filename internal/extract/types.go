// Package extract hosts the product extraction family: structured HTML
// extraction, the price-anchored universal DOM walk, OCR-based vision
// extraction, fusion of vision and HTML candidates, and the product
// detail page ladder. Every extractor is a pure function from page
// material to candidates; the orchestrator composes them in a fixed
// order and the garbage filters are shared.
package extract

// Source tags where a candidate came from.
type Source string

const (
	SourceJSONLD       Source = "json_ld"
	SourceURLPattern   Source = "url_pattern"
	SourceDOMHeuristic Source = "dom_heuristic"
	SourceUniversalJS  Source = "universal_js"
	SourceSchemaDriven Source = "schema_driven"
)

// Method tags how a fused product's identity was established.
type Method string

const (
	MethodFusion       Method = "fusion"
	MethodHTMLOnly     Method = "html_only"
	MethodVisionOnly   Method = "vision_only"
	MethodClickResolve Method = "click_resolved"
	MethodSchemaDriven Method = "schema_driven"
	MethodUniversalJS  Method = "universal_js"
	MethodPDPDirect    Method = "pdp_direct"
)

// HTMLCandidate is a product URL candidate mined from page HTML.
type HTMLCandidate struct {
	URL        string  `json:"url"`
	LinkText   string  `json:"link_text"`
	Context    string  `json:"context,omitempty"`
	Title      string  `json:"title,omitempty"`
	Price      string  `json:"price,omitempty"`
	Source     Source  `json:"source"`
	Confidence float64 `json:"confidence"`
}

// BBox is a pixel-space bounding box.
type BBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CenterX returns the horizontal center of the box.
func (b BBox) CenterX() int { return b.X + b.Width/2 }

// CenterY returns the vertical center of the box.
func (b BBox) CenterY() int { return b.Y + b.Height/2 }

// OCRItem is one recognized text fragment with its location.
type OCRItem struct {
	Text       string  `json:"text"`
	Box        BBox    `json:"box"`
	Confidence float64 `json:"confidence"`
}

// VisualProduct is a product identified from a screenshot.
type VisualProduct struct {
	Title        string   `json:"title"`
	Price        string   `json:"price"`
	PriceNumeric float64  `json:"price_numeric"`
	Anchor       BBox     `json:"anchor"`
	Confidence   float64  `json:"confidence"`
	RawLines     []string `json:"raw_lines,omitempty"`
}

// FusedProduct is the unified output of the extraction pipeline.
type FusedProduct struct {
	Title          string   `json:"title"`
	Price          string   `json:"price"`
	PriceNumeric   float64  `json:"price_numeric"`
	URL            string   `json:"url"`
	Vendor         string   `json:"vendor"`
	Confidence     float64  `json:"confidence"`
	Method         Method   `json:"extraction_method"`
	VisionVerified bool     `json:"vision_verified"`
	URLSource      Source   `json:"url_source,omitempty"`
	MatchScore     float64  `json:"match_score,omitempty"`
	Anchor         *BBox    `json:"anchor,omitempty"`
	PDP            *PDPData `json:"pdp,omitempty"`
}

// PDPData is the verified record extracted from a product detail page.
type PDPData struct {
	Title            string            `json:"title"`
	Price            *float64          `json:"price"`
	OriginalPrice    *float64          `json:"original_price,omitempty"`
	InStock          bool              `json:"in_stock"`
	StockStatus      string            `json:"stock_status"`
	Condition        string            `json:"condition,omitempty"` // new, refurbished, used, open_box
	Rating           float64           `json:"rating,omitempty"`
	ReviewCount      int               `json:"review_count,omitempty"`
	Specs            map[string]string `json:"specs,omitempty"`
	Seller           string            `json:"seller,omitempty"`
	Shipping         string            `json:"shipping,omitempty"`
	ImageURL         string            `json:"image_url,omitempty"`
	ExtractionSource string            `json:"extraction_source"`
	Confidence       float64           `json:"extraction_confidence"`
}
