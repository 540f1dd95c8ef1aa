package browser

import (
	"fmt"
	"hash/fnv"
)

// Fingerprint is the stable browser identity for a (user, session) pair.
// All fields derive deterministically from hash(user, session) so a
// returning session presents the same identity to the site.
type Fingerprint struct {
	UserAgent      string `json:"user_agent"`
	ViewportWidth  int    `json:"viewport_width"`
	ViewportHeight int    `json:"viewport_height"`
	Timezone       string `json:"timezone"`
	Locale         string `json:"locale"`
}

var fingerprintUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
}

var fingerprintViewports = [][2]int{
	{1920, 1080},
	{1536, 864},
	{1440, 900},
	{1366, 768},
	{1600, 900},
}

var fingerprintTimezones = []string{
	"America/New_York",
	"America/Chicago",
	"America/Denver",
	"America/Los_Angeles",
}

var fingerprintLocales = []string{
	"en-US",
	"en-US",
	"en-US",
	"en-GB",
}

// DeriveFingerprint computes the deterministic fingerprint for a
// (user, session) pair.
func DeriveFingerprint(userID, sessionID string) Fingerprint {
	h := fnv.New64a()
	_, _ = h.Write([]byte(userID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(sessionID))
	sum := h.Sum64()

	vp := fingerprintViewports[sum%uint64(len(fingerprintViewports))]
	return Fingerprint{
		UserAgent:      fingerprintUserAgents[sum%uint64(len(fingerprintUserAgents))],
		ViewportWidth:  vp[0],
		ViewportHeight: vp[1],
		Timezone:       fingerprintTimezones[(sum>>8)%uint64(len(fingerprintTimezones))],
		Locale:         fingerprintLocales[(sum>>16)%uint64(len(fingerprintLocales))],
	}
}

// Viewport returns the viewport as a "WxH" string for metadata records.
func (f Fingerprint) Viewport() string {
	return fmt.Sprintf("%dx%d", f.ViewportWidth, f.ViewportHeight)
}
