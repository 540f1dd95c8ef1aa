// Package pageintel learns per-domain page structure. A calibration
// pass asks the solver where the product items live on a page and which
// selectors extract their fields; the result is cached in memory and
// persisted append-only so later runs skip the LLM entirely.
package pageintel

import "time"

// PageType classifies what kind of retail page this is.
type PageType string

const (
	PageSearchResults  PageType = "search_results"
	PageProductListing PageType = "product_listing"
	PageProductDetail  PageType = "product_detail"
	PageCategory       PageType = "category"
	PageHomepage       PageType = "homepage"
	PageUnknown        PageType = "unknown"
)

// Availability is the page-level purchasability signal.
type Availability string

const (
	AvailableOnline        Availability = "available_online"
	InStoreOnly            Availability = "in_store_only"
	OutOfStock             Availability = "out_of_stock"
	LimitedAvailability    Availability = "limited_availability"
	ContactForAvailability Availability = "contact_for_availability"
	AvailabilityUnknown    Availability = "unknown"
)

// Strategy is the recommended extraction approach for a page.
type Strategy string

const (
	StrategySelector Strategy = "selector"
	StrategyHybrid   Strategy = "hybrid"
	StrategyVision   Strategy = "vision"
	StrategyProse    Strategy = "prose"
)

// Zone is one repeated region of a page, for example the grid of search
// result cards, with the selectors that address it.
type Zone struct {
	ZoneType   string            `json:"zone_type"`
	Anchors    []string          `json:"anchors"`
	Fields     map[string]string `json:"fields,omitempty"`
	Confidence float64           `json:"confidence"`
}

// PageUnderstanding is the calibrated model of one (domain, page type).
type PageUnderstanding struct {
	Domain              string       `json:"domain"`
	PageType            PageType     `json:"page_type"`
	Zones               []Zone       `json:"zones"`
	PrimaryZone         string       `json:"primary_zone,omitempty"`
	Notices             []string     `json:"notices,omitempty"`
	AvailabilityStatus  Availability `json:"availability_status"`
	PurchaseConstraints []string     `json:"purchase_constraints,omitempty"`
	Strategy            Strategy     `json:"extraction_strategy"`
	CreatedAt           time.Time    `json:"created_at"`
	Confidence          float64      `json:"confidence"`
}

// Primary returns the zone named by PrimaryZone, or the first zone.
func (u *PageUnderstanding) Primary() *Zone {
	for i := range u.Zones {
		if u.Zones[i].ZoneType == u.PrimaryZone {
			return &u.Zones[i]
		}
	}
	if len(u.Zones) > 0 {
		return &u.Zones[0]
	}
	return nil
}

// ExtractionSchema is the flat selector record with outcome counters.
// One exists per (domain, page type); it is replaced, never mutated in
// the store.
type ExtractionSchema struct {
	Domain            string            `json:"domain"`
	PageType          PageType          `json:"page_type"`
	Selectors         map[string]string `json:"selectors"` // product_card, title, price, link, image
	SuccessCount      int               `json:"success_count"`
	FailureCount      int               `json:"failure_count"`
	LastFailureReason string            `json:"last_failure_reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// NeedsRecalibration reports whether the schema has failed often enough
// relative to its successes that the next lookup should rebuild it.
func (s *ExtractionSchema) NeedsRecalibration() bool {
	return s.LastFailureReason != "" && s.FailureCount >= 2*s.SuccessCount
}

// Item is one extracted listing row.
type Item struct {
	Title string `json:"title"`
	Price string `json:"price"`
	URL   string `json:"url"`
	Image string `json:"image,omitempty"`
}
