package extract

import (
	"net/url"
	"strings"
)

// NormalizeURL reduces a URL to scheme+host+path for deduplication.
// Query strings and fragments carry tracking noise on retail sites and
// never change product identity. Idempotent.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// VendorOf returns the host of a URL without a leading www.
func VendorOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
}

// DedupeCandidates keeps the highest-confidence candidate per
// normalized URL, preserving first-seen order.
func DedupeCandidates(candidates []HTMLCandidate) []HTMLCandidate {
	best := make(map[string]int, len(candidates))
	var out []HTMLCandidate
	for _, c := range candidates {
		key := NormalizeURL(c.URL)
		if i, ok := best[key]; ok {
			if c.Confidence > out[i].Confidence {
				out[i] = c
			}
			continue
		}
		best[key] = len(out)
		out = append(out, c)
	}
	return out
}
