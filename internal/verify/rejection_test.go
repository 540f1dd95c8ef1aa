package verify

import (
	"path/filepath"
	"sync"
	"testing"
)

func TestCategorizeReason(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"no discrete nvidia gpu found", ReasonMissingGPU},
		{"integrated graphics only", ReasonMissingGPU},
		{"this is a chromebook, wrong category", ReasonWrongCategory},
		{"price exceeds the stated budget", ReasonPriceMismatch},
		{"only 8GB of memory", ReasonInsufficientRAM},
		{"256GB storage is too small", ReasonInsufficientStorage},
		{"currently sold out", ReasonOutOfStock},
		{"wrong brand entirely", ReasonBrandMismatch},
		{"just did not feel right", ReasonOther},
	}
	for _, tt := range tests {
		if got := CategorizeReason(tt.in); got != tt.want {
			t.Errorf("CategorizeReason(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestPatternKeyNormalization(t *testing.T) {
	a := patternKey("shop.example", "Gaming Laptop NVIDIA RTX budget extra words here")
	b := patternKey("shop.example", "nvidia RTX gaming LAPTOP budget completely different tail")
	if a != b {
		t.Errorf("keys differ for reworded query: %q vs %q", a, b)
	}
	if a == patternKey("other.example", "gaming laptop nvidia rtx budget") {
		t.Error("vendor not part of the key")
	}
}

func TestRecordRejectionsPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rejection_patterns.json")

	tr := NewRejectionTracker(path)
	err := tr.RecordRejections("shop.example", "gaming laptop", []string{
		"no nvidia gpu", "only 8GB memory",
	}, 10)
	if err != nil {
		t.Fatal(err)
	}

	// A fresh tracker reading the same file sees the counts.
	tr2 := NewRejectionTracker(path)
	p, ok := tr2.Pattern("shop.example", "gaming laptop")
	if !ok {
		t.Fatal("pattern not persisted")
	}
	if p.TotalExtractions != 10 || p.TotalRejections != 2 {
		t.Errorf("totals = %d/%d", p.TotalRejections, p.TotalExtractions)
	}
	if p.RejectionReasons[ReasonMissingGPU] != 1 || p.RejectionReasons[ReasonInsufficientRAM] != 1 {
		t.Errorf("reasons = %+v", p.RejectionReasons)
	}
	if p.FirstSeen.IsZero() || p.LastUpdated.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestRejectionsNeverExceedExtractions(t *testing.T) {
	tr := NewRejectionTracker(filepath.Join(t.TempDir(), "r.json"))
	reasons := []string{"gpu", "gpu", "gpu", "gpu", "gpu"}
	if err := tr.RecordRejections("v", "q", reasons, 3); err != nil {
		t.Fatal(err)
	}
	p, _ := tr.Pattern("v", "q")
	if p.TotalRejections > p.TotalExtractions {
		t.Errorf("rejections %d exceed extractions %d", p.TotalRejections, p.TotalExtractions)
	}
}

func TestQueryRefinementsGating(t *testing.T) {
	tr := NewRejectionTracker(filepath.Join(t.TempDir(), "r.json"))

	// Below the sample-size floor: no hints even with 100% missing_gpu.
	if err := tr.RecordRejections("v", "gaming laptop", []string{"no gpu", "no gpu"}, 4); err != nil {
		t.Fatal(err)
	}
	if hints := tr.QueryRefinements("v", "gaming laptop"); hints != nil {
		t.Errorf("hints = %v before enough extractions", hints)
	}

	// Past the floor with missing_gpu dominant.
	if err := tr.RecordRejections("v", "gaming laptop", []string{"missing nvidia gpu"}, 4); err != nil {
		t.Fatal(err)
	}
	hints := tr.QueryRefinements("v", "gaming laptop")
	if len(hints) != 1 || hints[0] != "nvidia rtx gpu" {
		t.Errorf("hints = %v, want [nvidia rtx gpu]", hints)
	}
}

func TestQueryRefinementsIgnoresPriceReasons(t *testing.T) {
	tr := NewRejectionTracker(filepath.Join(t.TempDir(), "r.json"))
	reasons := []string{
		"price too high", "over budget", "too expensive for the budget",
		"price mismatch", "costs too much",
	}
	if err := tr.RecordRejections("v", "gaming laptop", reasons, 8); err != nil {
		t.Fatal(err)
	}
	if hints := tr.QueryRefinements("v", "gaming laptop"); hints != nil {
		t.Errorf("price-dominant rejections produced query hints: %v", hints)
	}
}

func TestSharedTrackerSingleton(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.json")
	a := SharedTracker(path)
	b := SharedTracker(filepath.Join(t.TempDir(), "ignored.json"))
	if a != b {
		t.Error("SharedTracker returned distinct instances")
	}
}

func TestSharedTrackerConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.json")
	got := make([]*RejectionTracker, 8)
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = SharedTracker(path)
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(got); i++ {
		if got[i] != got[0] {
			t.Fatalf("call %d returned a distinct instance", i)
		}
	}
}
