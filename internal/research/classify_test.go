package research

import (
	"strings"
	"testing"
)

func TestClassifyPageByURL(t *testing.T) {
	tests := []struct {
		url  string
		want PageKind
	}{
		{"https://shop.example/product/acme-gaming-laptop", KindProductDetail},
		{"https://amazon.com/dp/B0C12345", KindProductDetail},
		{"https://shop.example/s?k=gaming+laptop", KindListing},
		{"https://shop.example/search?q=laptop", KindListing},
		{"https://shop.example/category/laptops/", KindListing},
		{"https://shop.example/c/computers", KindListing},
	}
	for _, tt := range tests {
		if got := ClassifyPage(tt.url, ""); got != tt.want {
			t.Errorf("ClassifyPage(%q) = %s, want %s", tt.url, got, tt.want)
		}
	}
}

func TestClassifyPageByBody(t *testing.T) {
	pdp := `<html><body><h1>ACME Laptop</h1><span>$1,199.99</span>
	  <button>Add to Cart</button></body></html>`
	if got := ClassifyPage("https://shop.example/acme-laptop-gaming-rtx", pdp); got != KindProductDetail {
		t.Errorf("cart page = %s", got)
	}

	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < 8; i++ {
		b.WriteString("<div>$99.99</div>")
	}
	b.WriteString("</body></html>")
	if got := ClassifyPage("https://shop.example/page-with-long-enough-path", b.String()); got != KindListing {
		t.Errorf("many-price page = %s", got)
	}

	if got := ClassifyPage("https://shop.example/about-our-company-page", "<html><body>About us</body></html>"); got != KindOther {
		t.Errorf("plain page = %s", got)
	}
}
