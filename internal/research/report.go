package research

import (
	"fmt"
	"sort"

	"shopnerd/internal/verify"
)

// VendorGroup is one vendor's slice of the final answer, best first.
type VendorGroup struct {
	Vendor   string                 `json:"vendor"`
	Products []verify.ViableProduct `json:"products"`
}

// RejectionSummary is a compact view of a filtered-out product.
type RejectionSummary struct {
	Title  string `json:"title"`
	Vendor string `json:"vendor"`
	Reason string `json:"reason"`
}

// Report is the assembled answer set for one research run.
type Report struct {
	Query    string             `json:"query"`
	Vendors  []VendorGroup      `json:"vendors"`
	Rejected []RejectionSummary `json:"rejected,omitempty"`
	Caveats  []string           `json:"caveats,omitempty"`
}

// BuildReport aggregates viable products by vendor and derives caveats
// a reader should know before trusting the list.
func BuildReport(query string, viable []verify.ViableProduct, rejected []verify.FilteredProduct, stats RunStats) *Report {
	byVendor := map[string][]verify.ViableProduct{}
	for _, v := range viable {
		byVendor[v.Product.Vendor] = append(byVendor[v.Product.Vendor], v)
	}

	vendors := make([]VendorGroup, 0, len(byVendor))
	for vendor, products := range byVendor {
		sort.SliceStable(products, func(i, j int) bool { return products[i].Score > products[j].Score })
		vendors = append(vendors, VendorGroup{Vendor: vendor, Products: products})
	}
	sort.Slice(vendors, func(i, j int) bool {
		if len(vendors[i].Products) != len(vendors[j].Products) {
			return len(vendors[i].Products) > len(vendors[j].Products)
		}
		return vendors[i].Vendor < vendors[j].Vendor
	})

	rep := &Report{Query: query, Vendors: vendors}
	for _, r := range rejected {
		rep.Rejected = append(rep.Rejected, RejectionSummary{
			Title:  r.Product.Title,
			Vendor: r.Product.Vendor,
			Reason: r.Reason,
		})
	}
	rep.Caveats = deriveCaveats(viable, stats)
	return rep
}

func deriveCaveats(viable []verify.ViableProduct, stats RunStats) []string {
	var caveats []string

	fallbacks, contact, keyword := 0, 0, 0
	for _, v := range viable {
		if v.Product.Method == verify.MethodListingFallback {
			fallbacks++
		}
		if v.Product.PDP != nil && v.Product.PDP.StockStatus == "contact_for_availability" {
			contact++
		}
		if v.Note != "" {
			keyword++
		}
	}

	if fallbacks > 0 {
		caveats = append(caveats, fmt.Sprintf(
			"%d result(s) could not be verified on their product page and link to the listing instead", fallbacks))
	}
	if contact > 0 {
		caveats = append(caveats, fmt.Sprintf(
			"%d result(s) require contacting the vendor for pricing or availability", contact))
	}
	if keyword > 0 {
		caveats = append(caveats, fmt.Sprintf(
			"%d result(s) passed on keyword match only, without model confirmation", keyword))
	}
	if stats.Interventions > 0 {
		caveats = append(caveats, fmt.Sprintf(
			"%d page(s) needed human intervention during this run", stats.Interventions))
	}
	if len(viable) == 0 {
		caveats = append(caveats, "no products met the requirements; consider relaxing them")
	}
	return caveats
}
