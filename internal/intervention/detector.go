// Package intervention provides blocker detection and the durable
// human-intervention broker. When a bot-blocker appears the crawl does
// not try to defeat it; it opens a ticket, parks the session, and waits
// for a human to act through the remote-viewing page.
package intervention

import (
	"net/http"
	"strings"
)

// Type classifies a detected blocker.
type Type string

const (
	TypeRecaptcha      Type = "recaptcha"
	TypeHCaptcha       Type = "hcaptcha"
	TypeCloudflare     Type = "cloudflare"
	TypeGenericCaptcha Type = "generic-captcha"
	TypeRateLimit      Type = "rate-limit"
	TypeLoginRequired  Type = "login-required"
	TypeGeoBlock       Type = "geo-block"
	TypeUnknown        Type = "unknown"
)

// PageSnapshot is the minimal page state the detector inspects.
type PageSnapshot struct {
	URL        string
	Content    string
	StatusCode int
}

// Detection is a positive blocker classification.
type Detection struct {
	Type       Type    `json:"type"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence,omitempty"`
}

// minConfidence is the floor below which a detection does not fire.
const minConfidence = 0.7

// cleanPageChars is the number of non-blocker characters that marks a
// page as plausibly real content rather than an interstitial.
const cleanPageChars = 200

type pattern struct {
	typ        Type
	confidence float64
	substrings []string
}

// bodyPatterns are checked against the lower-cased body. Order matters:
// the most specific CAPTCHA markers come first so a recaptcha inside a
// cloudflare interstitial is reported as recaptcha.
var bodyPatterns = []pattern{
	{TypeRecaptcha, 0.95, []string{"g-recaptcha", "grecaptcha.render", "recaptcha/api.js"}},
	{TypeHCaptcha, 0.95, []string{"h-captcha", "hcaptcha.com/1/api.js"}},
	{TypeCloudflare, 0.9, []string{
		"cf-browser-verification", "challenge-running", "cf-turnstile",
		"checking your browser before accessing", "just a moment...",
		"attention required! | cloudflare",
	}},
	{TypeGenericCaptcha, 0.85, []string{
		"verify you are a human", "are you a robot", "confirm you are not a robot",
		"type the characters you see", "press and hold",
	}},
	{TypeRateLimit, 0.85, []string{
		"too many requests", "rate limit exceeded", "you have been rate limited",
		"unusual traffic from your computer network",
	}},
	{TypeLoginRequired, 0.75, []string{
		"sign in to continue", "please log in to continue", "login required to view",
	}},
	{TypeGeoBlock, 0.8, []string{
		"not available in your country", "not available in your region",
		"this content is unavailable in your location",
	}},
}

// urlPatterns are site-specific path hints.
var urlPatterns = []pattern{
	{TypeRecaptcha, 0.9, []string{"/sorry/"}},
	{TypeGenericCaptcha, 0.9, []string{"/captcha", "/splashui/captcha"}},
	{TypeRateLimit, 0.85, []string{"/blocked?url="}},
}

// Detector classifies page snapshots. Stateless and safe for concurrent
// use.
type Detector struct{}

// NewDetector creates a blocker detector.
func NewDetector() *Detector { return &Detector{} }

// Detect classifies the snapshot. Returns nil when the page looks clean
// or no pattern reaches the confidence floor.
func (d *Detector) Detect(snap PageSnapshot) *Detection {
	if snap.StatusCode == http.StatusTooManyRequests {
		return &Detection{Type: TypeRateLimit, Confidence: 0.95, Evidence: "status 429"}
	}

	lowerURL := strings.ToLower(snap.URL)
	for _, p := range urlPatterns {
		for _, sub := range p.substrings {
			if strings.Contains(lowerURL, sub) {
				return &Detection{Type: p.typ, Confidence: p.confidence, Evidence: "url:" + sub}
			}
		}
	}

	body := strings.ToLower(snap.Content)
	var best *Detection
	matched := 0
	for _, p := range bodyPatterns {
		for _, sub := range p.substrings {
			if strings.Contains(body, sub) {
				matched += len(sub)
				if best == nil || p.confidence > best.Confidence {
					best = &Detection{Type: p.typ, Confidence: p.confidence, Evidence: sub}
				}
				break
			}
		}
	}
	if best == nil {
		return nil
	}

	// Clean-page guard: a long page that merely mentions a weak marker
	// (a login nudge in the footer, a help article about rate limits)
	// is not a blocker. Strong CAPTCHA markers fire regardless.
	nonBlockerChars := len(strings.TrimSpace(snap.Content)) - matched
	if best.Confidence < 0.9 && nonBlockerChars >= cleanPageChars {
		return nil
	}
	if best.Confidence < minConfidence {
		return nil
	}
	return best
}
