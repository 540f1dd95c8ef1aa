package verify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"shopnerd/internal/extract"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// RodDriver adapts a live browser page to the PageDriver interface.
type RodDriver struct {
	page          *rod.Page
	screenshotDir string
	navTimeout    time.Duration
	shots         int
}

func NewRodDriver(page *rod.Page, screenshotDir string, navTimeout time.Duration) *RodDriver {
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	return &RodDriver{page: page, screenshotDir: screenshotDir, navTimeout: navTimeout}
}

// Page exposes the underlying page for smart waits.
func (d *RodDriver) Page() *rod.Page { return d.page }

func (d *RodDriver) Navigate(ctx context.Context, rawURL string) error {
	page := d.page.Context(ctx).Timeout(d.navTimeout)
	if err := page.Navigate(rawURL); err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	if err := page.WaitDOMStable(500*time.Millisecond, 0.1); err != nil {
		return page.WaitLoad()
	}
	return nil
}

func (d *RodDriver) Back(ctx context.Context) error {
	page := d.page.Context(ctx).Timeout(d.navTimeout)
	if err := page.NavigateBack(); err != nil {
		return fmt.Errorf("navigate back: %w", err)
	}
	return page.WaitLoad()
}

func (d *RodDriver) CurrentURL(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

func (d *RodDriver) HTML(ctx context.Context) (string, error) {
	html, err := d.page.Context(ctx).Timeout(10 * time.Second).HTML()
	if err != nil {
		return "", fmt.Errorf("page html: %w", err)
	}
	return html, nil
}

// ClickLink finds the first visible anchor whose text contains pattern
// (case-insensitive) and whose href passes validate, then clicks it and
// waits for the navigation to settle.
func (d *RodDriver) ClickLink(ctx context.Context, pattern string, validate func(href string) bool) error {
	page := d.page.Context(ctx).Timeout(d.navTimeout)

	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(pattern))
	if err != nil {
		return err
	}
	anchors, err := page.Timeout(5 * time.Second).Elements("a[href]")
	if err != nil {
		return fmt.Errorf("list anchors: %w", err)
	}
	for _, a := range anchors {
		text, err := a.Text()
		if err != nil || !re.MatchString(strings.TrimSpace(text)) {
			continue
		}
		href, err := a.Attribute("href")
		if err != nil || href == nil {
			continue
		}
		if validate != nil && !validate(*href) {
			continue
		}
		if visible, err := a.Visible(); err != nil || !visible {
			continue
		}
		if err := a.ScrollIntoView(); err != nil {
			continue
		}
		wait := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
		if err := a.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Errorf("click %q: %w", pattern, err)
		}
		wait()
		return nil
	}
	return fmt.Errorf("no clickable link matching %q", pattern)
}

// ClickPoint scrolls the page coordinates into the viewport and clicks
// there with the mouse.
func (d *RodDriver) ClickPoint(ctx context.Context, x, y int) error {
	page := d.page.Context(ctx).Timeout(d.navTimeout)

	// Center the target vertically, then translate page coordinates
	// into viewport coordinates.
	scrollY := float64(y) - 300
	if scrollY < 0 {
		scrollY = 0
	}
	if err := page.Mouse.Scroll(0, scrollY, 1); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	viewY := float64(y) - scrollY

	wait := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := page.Mouse.MoveTo(proto.Point{X: float64(x), Y: viewY}); err != nil {
		return fmt.Errorf("move mouse: %w", err)
	}
	if err := page.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click at (%d,%d): %w", x, y, err)
	}
	wait()
	return nil
}

func (d *RodDriver) Screenshot(ctx context.Context, name string) (string, error) {
	if d.screenshotDir == "" {
		return "", nil
	}
	d.shots++
	return extract.CaptureScreenshot(d.page.Context(ctx),
		d.screenshotDir, fmt.Sprintf("%s_%03d", name, d.shots))
}
