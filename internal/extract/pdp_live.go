package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"shopnerd/internal/logging"

	"github.com/go-rod/rod"
)

// priceWaitSelectors are tried in order during the smart wait. They
// cover the common price markups; per-selector timeouts keep the total
// inside the budget.
var priceWaitSelectors = []string{
	`[data-testid*="price"]`,
	`[itemprop="price"]`,
	".price-characteristic",
	".a-price",
	"#priceblock_ourprice",
	".price-current",
	`[class*="price"]`,
}

// SmartWaitForPrice waits for price content to render on a live PDP,
// scrolling the first match into view. Returns false when the budget
// elapses without a match; extraction proceeds regardless.
func SmartWaitForPrice(page *rod.Page, budget time.Duration) bool {
	if budget <= 0 {
		budget = 10 * time.Second
	}
	per := budget / time.Duration(len(priceWaitSelectors))
	if per < 500*time.Millisecond {
		per = 500 * time.Millisecond
	}
	deadline := time.Now().Add(budget)

	for _, sel := range priceWaitSelectors {
		if time.Now().After(deadline) {
			break
		}
		el, err := page.Timeout(per).Element(sel)
		if err != nil {
			continue
		}
		if err := el.ScrollIntoView(); err != nil {
			logging.PDPWarn("scroll to price element failed: %v", err)
		}
		return true
	}
	return false
}

// CaptureScreenshot writes a full-page PNG of the live page and returns
// its path.
func CaptureScreenshot(page *rod.Page, dir, name string) (string, error) {
	data, err := page.Screenshot(true, nil)
	if err != nil {
		return "", fmt.Errorf("screenshot: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create screenshot dir: %w", err)
	}
	path := filepath.Join(dir, name+".png")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return path, nil
}
