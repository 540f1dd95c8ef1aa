// Package fetch provides resilient URL fetching through an ordered chain
// of transports with per-domain rate limiting. The chain favors cheap
// transports and only escalates to the headless browser or curl when the
// plain HTTP clients fail.
package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"shopnerd/internal/config"
	"shopnerd/internal/logging"
)

// minBodyBytes is the floor under which a 200 response is still treated
// as a failure (blocker interstitials tend to be tiny).
const minBodyBytes = 100

// FetchResult is the outcome of a fetch attempt.
type FetchResult struct {
	HTML       string      `json:"html"`
	FinalURL   string      `json:"final_url"`
	MethodUsed string      `json:"method_used"`
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"-"`
	Success    bool        `json:"success"`
	Error      string      `json:"error,omitempty"`
}

// PageProvider renders a URL in a headless browser context. Implemented
// by the browser session manager; nil disables the browser transport.
type PageProvider interface {
	RenderHTML(ctx context.Context, rawURL string) (html string, finalURL string, err error)
}

// Fetcher fetches URLs as text through the transport chain.
type Fetcher struct {
	cfg      config.FetchConfig
	timeout  time.Duration
	primary  *http.Client
	insecure *http.Client
	limiter  *domainLimiter
	browser  PageProvider
}

// New creates a Fetcher. browser may be nil.
func New(cfg config.FetchConfig, timeout time.Duration, browser PageProvider) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	gap := time.Duration(cfg.MinDomainGapMs) * time.Millisecond
	if cfg.MinDomainGapMs == 0 {
		gap = 500 * time.Millisecond
	}

	// TLS validation errors are deliberately ignored on both clients to
	// maximize reach on misconfigured retailer CDNs.
	insecureTLS := &tls.Config{InsecureSkipVerify: true}

	return &Fetcher{
		cfg:     cfg,
		timeout: timeout,
		primary: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:     insecureTLS,
				MaxIdleConnsPerHost: 4,
			},
		},
		insecure: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:   insecureTLS,
				DisableKeepAlives: true,
			},
		},
		limiter: newDomainLimiter(gap),
		browser: browser,
	}
}

type transport struct {
	name string
	run  func(ctx context.Context, rawURL string) (*FetchResult, error)
}

// Fetch attempts the transports in order and returns the first success.
// On total failure the error summarizes the per-transport failures.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	domain := domainOf(rawURL)
	if domain == "" {
		return nil, fmt.Errorf("invalid URL: %q", rawURL)
	}

	transports := []transport{
		{"http", func(ctx context.Context, u string) (*FetchResult, error) {
			return f.httpFetch(ctx, f.primary, u)
		}},
		{"http_insecure", func(ctx context.Context, u string) (*FetchResult, error) {
			return f.httpFetch(ctx, f.insecure, u)
		}},
	}
	if f.browser != nil {
		transports = append(transports, transport{"browser", f.browserFetch})
	}
	if f.cfg.CurlBin != "" {
		transports = append(transports, transport{"curl", f.curlFetch})
	}

	var failures []string
	for _, tr := range transports {
		// One retry inside each transport.
		for attempt := 0; attempt < 2; attempt++ {
			if err := f.limiter.Wait(ctx, domain); err != nil {
				return nil, err
			}
			res, err := tr.run(ctx, rawURL)
			if err == nil && res.Success {
				res.MethodUsed = tr.name
				logging.Fetcher("fetched %s via %s (%d bytes)", rawURL, tr.name, len(res.HTML))
				return res, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", tr.name, err))
			} else {
				failures = append(failures, fmt.Sprintf("%s: status=%d body=%d", tr.name, res.StatusCode, len(res.HTML)))
			}
		}
		logging.FetcherWarn("transport %s exhausted for %s", tr.name, rawURL)
	}

	return &FetchResult{
		FinalURL: rawURL,
		Success:  false,
		Error:    strings.Join(failures, "; "),
	}, fmt.Errorf("all transports failed for %s: %s", rawURL, strings.Join(failures, "; "))
}

func (f *Fetcher) httpFetch(ctx context.Context, client *http.Client, rawURL string) (*FetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	res := &FetchResult{
		HTML:       string(body),
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
	}
	res.Success = resp.StatusCode == http.StatusOK && len(body) >= minBodyBytes
	return res, nil
}

func (f *Fetcher) browserFetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout*2)
	defer cancel()

	html, finalURL, err := f.browser.RenderHTML(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	res := &FetchResult{
		HTML:       html,
		FinalURL:   finalURL,
		StatusCode: http.StatusOK,
	}
	res.Success = len(html) >= minBodyBytes
	return res, nil
}

func (f *Fetcher) curlFetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	maxTime := fmt.Sprintf("%d", int(f.timeout.Seconds()))
	cmd := exec.CommandContext(ctx, f.cfg.CurlBin,
		"-sL", "-k",
		"--max-time", maxTime,
		"-A", f.cfg.UserAgent,
		rawURL,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("curl: %w", err)
	}
	res := &FetchResult{
		HTML:       string(out),
		FinalURL:   rawURL,
		StatusCode: http.StatusOK,
	}
	res.Success = len(out) >= minBodyBytes
	return res, nil
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
}
