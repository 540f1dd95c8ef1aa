package research

import (
	"context"
	"testing"
)

const resultsURL = "https://html.duckduckgo.com/html/?q=gaming+laptop"

func TestParseSearchHitsUnwrapsRedirects(t *testing.T) {
	page := `<html><body>
	  <a href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fshop.example%2Fproduct%2Facme-laptop&rut=abc">
	    ACME Gaming Laptop RTX 4060
	  </a>
	  <a href="https://store.example/s?k=gaming+laptop">Store listing of gaming laptops</a>
	</body></html>`

	hits := parseSearchHits(page, resultsURL)
	if len(hits) != 2 {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].URL != "https://shop.example/product/acme-laptop" {
		t.Errorf("unwrapped = %q", hits[0].URL)
	}
	if hits[0].Title != "ACME Gaming Laptop RTX 4060" {
		t.Errorf("title = %q", hits[0].Title)
	}
}

func TestParseSearchHitsDropsEngineChrome(t *testing.T) {
	page := `<html><body>
	  <a href="/settings">Search settings page</a>
	  <a href="https://html.duckduckgo.com/html/?q=gaming&s=30">More results here</a>
	  <a href="#top">Back to top of page</a>
	  <a href="javascript:void(0)">Feedback about results</a>
	  <a href="https://aax-us-east.amazon-adsystem.com/x/c/foo">Sponsored laptop deal</a>
	  <a href="https://shop.example/product/real-item">A real product result</a>
	</body></html>`

	hits := parseSearchHits(page, resultsURL)
	if len(hits) != 1 || hits[0].URL != "https://shop.example/product/real-item" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestParseSearchHitsSkipsShortAnchors(t *testing.T) {
	page := `<html><body>
	  <a href="https://shop.example/product/one">Go</a>
	  <a href="https://shop.example/product/two">ACME Laptop Two</a>
	</body></html>`
	hits := parseSearchHits(page, resultsURL)
	if len(hits) != 1 || hits[0].Title != "ACME Laptop Two" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestFetchSearchSetsQuery(t *testing.T) {
	loader := &mapLoader{pages: map[string]string{
		"https://html.duckduckgo.com/html/?q=gaming+laptop": `<html><body>
		  <a href="https://shop.example/product/acme-one">ACME Laptop Model One</a>
		</body></html>`,
	}}
	s := NewFetchSearch(loader, "")
	hits, err := s.Search(context.Background(), "gaming laptop")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].URL != "https://shop.example/product/acme-one" {
		t.Errorf("hits = %+v", hits)
	}
}
