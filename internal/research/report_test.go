package research

import (
	"strings"
	"testing"

	"shopnerd/internal/extract"
	"shopnerd/internal/verify"
)

func viable(title, vendor string, score float64, method string) verify.ViableProduct {
	return verify.ViableProduct{
		Product: verify.VerifiedProduct{Title: title, Vendor: vendor, Method: method},
		Score:   score,
	}
}

func TestBuildReportGroupsAndSorts(t *testing.T) {
	in := []verify.ViableProduct{
		viable("A low", "a.example", 0.6, verify.MethodPDPDirect),
		viable("B one", "b.example", 0.9, verify.MethodPDPDirect),
		viable("A high", "a.example", 0.9, verify.MethodPDPDirect),
		viable("A mid", "a.example", 0.7, verify.MethodPDPDirect),
	}
	rejected := []verify.FilteredProduct{
		{Product: verify.VerifiedProduct{Title: "Chromebook", Vendor: "a.example"}, Reason: "missing_gpu"},
	}

	rep := BuildReport("gaming laptop", in, rejected, RunStats{})
	if len(rep.Vendors) != 2 {
		t.Fatalf("vendors = %d", len(rep.Vendors))
	}
	// Vendor with more products leads.
	if rep.Vendors[0].Vendor != "a.example" || len(rep.Vendors[0].Products) != 3 {
		t.Errorf("first vendor = %+v", rep.Vendors[0])
	}
	// Within a vendor, best score first.
	if rep.Vendors[0].Products[0].Product.Title != "A high" {
		t.Errorf("first product = %q", rep.Vendors[0].Products[0].Product.Title)
	}
	if len(rep.Rejected) != 1 || rep.Rejected[0].Reason != "missing_gpu" {
		t.Errorf("rejected = %+v", rep.Rejected)
	}
}

func TestDeriveCaveats(t *testing.T) {
	fallback := viable("F", "a.example", 0.6, verify.MethodListingFallback)
	keyword := viable("K", "a.example", 0.55, verify.MethodPDPDirect)
	keyword.Note = "viable by keyword match"
	contact := viable("C", "a.example", 0.8, verify.MethodPDPDirect)
	contact.Product.PDP = &extract.PDPData{StockStatus: "contact_for_availability"}

	caveats := deriveCaveats([]verify.ViableProduct{fallback, keyword, contact}, RunStats{Interventions: 2})
	joined := strings.Join(caveats, "\n")
	for _, want := range []string{"could not be verified", "contacting the vendor", "keyword match", "human intervention"} {
		if !strings.Contains(joined, want) {
			t.Errorf("caveats missing %q: %v", want, caveats)
		}
	}

	empty := deriveCaveats(nil, RunStats{})
	if len(empty) != 1 || !strings.Contains(empty[0], "no products met") {
		t.Errorf("empty-run caveats = %v", empty)
	}
}
