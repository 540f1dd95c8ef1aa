package extract

import (
	"context"
	"fmt"
	"testing"

	"shopnerd/internal/config"
)

// fakeOCR returns canned items for any image path.
type fakeOCR struct {
	items []OCRItem
	err   error
}

func (f *fakeOCR) Recognize(ctx context.Context, imagePath string) ([]OCRItem, error) {
	return f.items, f.err
}

// groupEchoLLM answers the vision recipe by echoing the first price and
// longest line of each group it is shown.
type groupEchoLLM struct {
	answers []string
	calls   int
}

func (l *groupEchoLLM) Complete(ctx context.Context, system, user string) (string, error) {
	return "", fmt.Errorf("unexpected Complete call")
}

func (l *groupEchoLLM) CompleteRecipe(ctx context.Context, recipe string, vars map[string]string) (string, error) {
	if recipe != "vision_products" {
		return "", fmt.Errorf("unexpected recipe %q", recipe)
	}
	if l.calls >= len(l.answers) {
		return "[]", nil
	}
	ans := l.answers[l.calls]
	l.calls++
	return ans, nil
}

func visionConfig() config.PerceptionConfig {
	cfg := config.DefaultConfig().Perception
	cfg.OCRConfidenceMin = 0.45
	cfg.YGroupThreshold = 80
	cfg.MaxOCRGroups = 25
	return cfg
}

// threeGroupItems lays out three product cards separated by >80px
// vertical gaps.
func threeGroupItems() []OCRItem {
	var items []OCRItem
	names := []string{"ACME Laptop 15 RTX 4060", "Bolt Gaming 17 Tower", "Nimbus Air 13 Ultralight"}
	prices := []string{"$1,199.99", "$899.00", "$649.50"}
	for i := 0; i < 3; i++ {
		y := i * 300
		items = append(items,
			OCRItem{Text: names[i], Box: BBox{X: 20, Y: y, Width: 400, Height: 24}, Confidence: 0.9},
			OCRItem{Text: prices[i], Box: BBox{X: 20, Y: y + 30, Width: 100, Height: 20}, Confidence: 0.95},
			OCRItem{Text: "Free shipping", Box: BBox{X: 20, Y: y + 60, Width: 120, Height: 14}, Confidence: 0.8},
		)
	}
	return items
}

func TestVisionThreeGroups(t *testing.T) {
	llm := &groupEchoLLM{answers: []string{
		`[{"title":"ACME Laptop 15 RTX 4060","price":"$1,199.99","price_numeric":1199.99}]`,
		`[{"title":"Bolt Gaming 17 Tower","price":"$899.00","price_numeric":899.0}]`,
		`[{"title":"Nimbus Air 13 Ultralight","price":"$649.50","price_numeric":649.5}]`,
	}}
	v := NewVisionExtractor(&fakeOCR{items: threeGroupItems()}, llm, visionConfig())

	got, err := v.ExtractFromScreenshot(context.Background(), "/tmp/shot.png", "gaming laptop")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("products = %d, want 3", len(got))
	}
	if llm.calls != 3 {
		t.Errorf("llm called %d times, want once per group", llm.calls)
	}
	// Each anchor is the OCR item containing the price.
	for i, p := range got {
		wantY := i*300 + 30
		if p.Anchor.Y != wantY {
			t.Errorf("product %d anchored at y=%d, want %d (price line)", i, p.Anchor.Y, wantY)
		}
		if p.Confidence != 0.85 {
			t.Errorf("anchored product confidence = %.2f, want 0.85", p.Confidence)
		}
	}
}

func TestVisionNoResultsGuard(t *testing.T) {
	items := []OCRItem{
		{Text: "We found 0 items for your search", Box: BBox{Y: 10, Width: 300, Height: 20}, Confidence: 0.9},
		{Text: "$19.99 suggested item", Box: BBox{Y: 200, Width: 200, Height: 20}, Confidence: 0.9},
	}
	llm := &groupEchoLLM{}
	v := NewVisionExtractor(&fakeOCR{items: items}, llm, visionConfig())

	got, err := v.ExtractFromScreenshot(context.Background(), "/tmp/shot.png", "anything")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("no-results page yielded %d products", len(got))
	}
	if llm.calls != 0 {
		t.Error("llm consulted despite no-results guard")
	}
}

func TestVisionConfidenceFilter(t *testing.T) {
	items := []OCRItem{
		{Text: "blurry noise", Box: BBox{Y: 0, Height: 10}, Confidence: 0.2},
		{Text: "more noise", Box: BBox{Y: 20, Height: 10}, Confidence: 0.1},
	}
	v := NewVisionExtractor(&fakeOCR{items: items}, &groupEchoLLM{}, visionConfig())
	got, err := v.ExtractFromScreenshot(context.Background(), "/tmp/shot.png", "q")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("low-confidence OCR survived: %+v", got)
	}
}

func TestVisionSponsoredFilter(t *testing.T) {
	llm := &groupEchoLLM{answers: []string{
		`[{"title":"Sponsored - Shiny Thing","price":"$5.00","price_numeric":5},
		  {"title":"Real Product Deluxe","price":"$25.00","price_numeric":25}]`,
	}}
	items := []OCRItem{
		{Text: "Sponsored - Shiny Thing", Box: BBox{Y: 0, Width: 200, Height: 20}, Confidence: 0.9},
		{Text: "$5.00", Box: BBox{Y: 25, Width: 60, Height: 16}, Confidence: 0.9},
		{Text: "Real Product Deluxe", Box: BBox{Y: 50, Width: 200, Height: 20}, Confidence: 0.9},
		{Text: "$25.00", Box: BBox{Y: 70, Width: 60, Height: 16}, Confidence: 0.9},
	}
	v := NewVisionExtractor(&fakeOCR{items: items}, llm, visionConfig())

	got, err := v.ExtractFromScreenshot(context.Background(), "/tmp/shot.png", "q")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Title != "Real Product Deluxe" {
		t.Errorf("sponsored filter failed: %+v", got)
	}
}

func TestVisionGroupCap(t *testing.T) {
	cfg := visionConfig()
	cfg.MaxOCRGroups = 2
	var items []OCRItem
	for i := 0; i < 6; i++ {
		items = append(items, OCRItem{
			Text: fmt.Sprintf("Product Row %d", i), Box: BBox{Y: i * 200, Height: 20}, Confidence: 0.9,
		})
	}
	llm := &groupEchoLLM{answers: []string{"[]", "[]", "[]", "[]", "[]", "[]"}}
	v := NewVisionExtractor(&fakeOCR{items: items}, llm, cfg)

	if _, err := v.ExtractFromScreenshot(context.Background(), "/tmp/shot.png", "q"); err != nil {
		t.Fatal(err)
	}
	if llm.calls > 2 {
		t.Errorf("llm called %d times, group cap not applied", llm.calls)
	}
}
