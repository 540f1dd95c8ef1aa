package research

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func catalogPage(start, n int, next string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	b.WriteString("<footer>Call us: (555) 123-4567 or sales@acme-shop.example</footer>")
	for i := start; i < start+n; i++ {
		fmt.Fprintf(&b, `<div class="card">
		  <h2><a href="/product/widget-%d">ACME Widget Laptop Model %d</a></h2>
		  <span>$%d.99</span>
		</div>`, i, i, 100+i)
	}
	if next != "" {
		fmt.Fprintf(&b, `<a rel="next" href="%s">Next</a>`, next)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func TestExploreWalksPagination(t *testing.T) {
	loader := &mapLoader{pages: map[string]string{
		"https://acme-shop.example/catalog":        catalogPage(0, 3, "/catalog?page=2"),
		"https://acme-shop.example/catalog?page=2": catalogPage(3, 3, ""),
	}}

	e := NewCatalogExplorer(loader)
	res, err := e.Explore(context.Background(), CatalogRequest{
		VendorURL: "https://acme-shop.example/catalog",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Pages != 2 {
		t.Errorf("pages = %d", res.Pages)
	}
	if len(res.Items) != 6 {
		t.Errorf("items = %d", len(res.Items))
	}
	if res.Vendor != "acme-shop.example" {
		t.Errorf("vendor = %q", res.Vendor)
	}
	if len(res.Contact.Emails) != 1 || res.Contact.Emails[0] != "sales@acme-shop.example" {
		t.Errorf("emails = %v", res.Contact.Emails)
	}
	if len(res.Contact.Phones) != 1 {
		t.Errorf("phones = %v", res.Contact.Phones)
	}
}

func TestExploreRespectsMaxItems(t *testing.T) {
	loader := &mapLoader{pages: map[string]string{
		"https://acme-shop.example/catalog": catalogPage(0, 5, ""),
	}}
	e := NewCatalogExplorer(loader)
	res, err := e.Explore(context.Background(), CatalogRequest{
		VendorURL: "https://acme-shop.example/catalog",
		MaxItems:  2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Items) != 2 {
		t.Errorf("items = %d, want cap at 2", len(res.Items))
	}
}

func TestExploreCategoryFilter(t *testing.T) {
	page := `<html><body>
	  <div class="card"><h2><a href="/product/acme-gaming-laptop">ACME Gaming Laptop RTX</a></h2><span>$999.99</span></div>
	  <div class="card"><h2><a href="/product/acme-office-chair">ACME Office Chair Deluxe</a></h2><span>$199.99</span></div>
	</body></html>`
	loader := &mapLoader{pages: map[string]string{"https://acme-shop.example/all": page}}
	e := NewCatalogExplorer(loader)
	res, err := e.Explore(context.Background(), CatalogRequest{
		VendorURL: "https://acme-shop.example/all",
		Category:  "laptop",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Items) != 1 || !strings.Contains(res.Items[0].Title, "Laptop") {
		t.Errorf("items = %+v", res.Items)
	}
}

func TestExploreMissingVendorURL(t *testing.T) {
	e := NewCatalogExplorer(&mapLoader{})
	if _, err := e.Explore(context.Background(), CatalogRequest{}); err == nil {
		t.Error("expected error without vendor_url")
	}
}

func TestFindNextPageURL(t *testing.T) {
	base := "https://shop.example/catalog?page=2"

	relNext := `<html><body><a rel="next" href="/catalog?page=3">Next</a></body></html>`
	if got := findNextPageURL(relNext, base); got != "https://shop.example/catalog?page=3" {
		t.Errorf("rel=next = %q", got)
	}

	textNext := `<html><body><a href="/catalog?page=3">Next »</a></body></html>`
	if got := findNextPageURL(textNext, base); got != "https://shop.example/catalog?page=3" {
		t.Errorf("text next = %q", got)
	}

	// No next link but a page parameter present: bump it.
	if got := findNextPageURL("<html><body></body></html>", base); got != "https://shop.example/catalog?page=3" {
		t.Errorf("bumped = %q", got)
	}

	// Nothing to go on.
	if got := findNextPageURL("<html><body></body></html>", "https://shop.example/catalog"); got != "" {
		t.Errorf("dead end = %q", got)
	}
}
