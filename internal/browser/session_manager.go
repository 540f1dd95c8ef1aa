// Package browser owns the long-lived Chrome process and the per-session
// browser contexts spawned from it. Contexts are keyed by
// (domain, session, user), carry a deterministic fingerprint, and persist
// cookies plus web storage under shared_state/crawler_sessions/ so a
// returning session picks up where it left off.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"shopnerd/internal/config"
	"shopnerd/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// ErrBrowserUnavailable is returned by every operation while the browser
// cannot be launched or restarted. Callers must defer retrying to the
// recovery manager's budget.
var ErrBrowserUnavailable = errors.New("browser unavailable")

// ContextKey identifies a managed browser context.
type ContextKey struct {
	Domain  string `json:"domain"`
	Session string `json:"session"`
	User    string `json:"user"`
}

// DirKey returns the filesystem-safe domain key for this context.
func (k ContextKey) DirKey() string {
	return sanitizePathComponent(k.Domain) + "__" + sanitizePathComponent(k.User)
}

func (k ContextKey) String() string {
	return k.Domain + "|" + k.Session + "|" + k.User
}

// ManagedContext is one live browser context plus its persistence home.
type ManagedContext struct {
	Key         ContextKey  `json:"key"`
	Fingerprint Fingerprint `json:"fingerprint"`
	Dir         string      `json:"dir"`
	CreatedAt   time.Time   `json:"created_at"`

	page      *rod.Page
	incognito *rod.Browser
}

// Page returns the context's page.
func (c *ManagedContext) Page() *rod.Page { return c.page }

// contextState is the persisted cookie/storage snapshot.
type contextState struct {
	Cookies        []*proto.NetworkCookie `json:"cookies"`
	LocalStorage   string                 `json:"local_storage"`
	SessionStorage string                 `json:"session_storage"`
	SavedAt        time.Time              `json:"saved_at"`
}

// contextMetadata is the persisted sidecar describing the context.
type contextMetadata struct {
	Domain      string      `json:"domain"`
	Session     string      `json:"session"`
	User        string      `json:"user"`
	Fingerprint Fingerprint `json:"fingerprint"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SessionManager owns the browser process and its contexts.
type SessionManager struct {
	cfg         config.BrowserConfig
	navTimeout  time.Duration
	sessionsDir string

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
	contexts   map[ContextKey]*ManagedContext
	restarts   int
}

// NewSessionManager creates a session manager. sessionsDir is the
// crawler_sessions persistence root.
func NewSessionManager(cfg config.BrowserConfig, navTimeout time.Duration, sessionsDir string) *SessionManager {
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	return &SessionManager{
		cfg:         cfg,
		navTimeout:  navTimeout,
		sessionsDir: sessionsDir,
		contexts:    make(map[ContextKey]*ManagedContext),
	}
}

// Start connects to an existing Chrome or launches a new one.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx)
}

func (m *SessionManager) startLocked(ctx context.Context) error {
	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		logging.BrowserError("stale browser connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		m.contexts = make(map[ContextKey]*ManagedContext)
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		launch := launcher.New().Headless(m.cfg.Headless)
		if m.cfg.Bin != "" {
			launch = launch.Bin(m.cfg.Bin)
		}
		for _, rawFlag := range m.cfg.LaunchFlags {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			return fmt.Errorf("%w: launch chrome: %v", ErrBrowserUnavailable, err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("%w: connect to chrome: %v", ErrBrowserUnavailable, err)
	}

	m.browser = browser
	m.controlURL = controlURL
	logging.Browser("browser connected at %s", controlURL)
	return nil
}

func (m *SessionManager) ensureStarted(ctx context.Context) error {
	m.mu.RLock()
	if m.browser != nil {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()
	return m.Start(ctx)
}

// IsBrowserAlive is a best-effort liveness probe.
func (m *SessionManager) IsBrowserAlive() bool {
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return false
	}
	_, err := b.Version()
	return err == nil
}

// RestartBrowser tears down all contexts, relaunches the browser, and
// resets state counters.
func (m *SessionManager) RestartBrowser(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, mc := range m.contexts {
		if mc.page != nil {
			_ = mc.page.Close()
		}
		delete(m.contexts, key)
	}
	if m.browser != nil {
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
	}
	m.restarts++
	logging.Browser("browser restart #%d", m.restarts)
	return m.startLocked(ctx)
}

// Restarts returns the lifetime restart count.
func (m *SessionManager) Restarts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restarts
}

// GetOrCreate returns the live context for the key, creating it (and
// hydrating persisted state) on miss. At most one context exists per key.
func (m *SessionManager) GetOrCreate(ctx context.Context, key ContextKey) (*ManagedContext, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	if mc, ok := m.contexts[key]; ok {
		m.mu.RUnlock()
		return mc, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, ok := m.contexts[key]; ok {
		return mc, nil
	}
	if m.browser == nil {
		return nil, ErrBrowserUnavailable
	}

	fp := DeriveFingerprint(key.User, key.Session)
	dir := filepath.Join(m.sessionsDir, sanitizePathComponent(key.Session), key.DirKey())

	incognito, err := m.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	page, err := stealth.Page(incognito)
	if err != nil {
		return nil, fmt.Errorf("create stealth page: %w", err)
	}

	if err := (proto.NetworkSetUserAgentOverride{UserAgent: fp.UserAgent}).Call(page); err != nil {
		logging.BrowserError("set user agent: %v", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             fp.ViewportWidth,
		Height:            fp.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logging.BrowserError("set viewport: %v", err)
	}
	if err := (proto.EmulationSetTimezoneOverride{TimezoneID: fp.Timezone}).Call(page); err != nil {
		logging.BrowserDebug("set timezone: %v", err)
	}
	if err := (proto.EmulationSetLocaleOverride{Locale: fp.Locale}).Call(page); err != nil {
		logging.BrowserDebug("set locale: %v", err)
	}

	mc := &ManagedContext{
		Key:         key,
		Fingerprint: fp,
		Dir:         dir,
		CreatedAt:   time.Now(),
		page:        page,
		incognito:   incognito,
	}

	// Hydrate persisted cookies/storage when a previous run left state.
	if err := m.hydrateState(mc); err != nil {
		logging.BrowserDebug("no prior state for %s: %v", key, err)
	}
	if err := m.writeMetadata(mc); err != nil {
		logging.BrowserError("write metadata for %s: %v", key, err)
	}

	m.contexts[key] = mc
	logging.Browser("context created for %s (ua=%q viewport=%s)", key, fp.UserAgent, fp.Viewport())
	return mc, nil
}

// Get returns a live context without creating one.
func (m *SessionManager) Get(key ContextKey) (*ManagedContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.contexts[key]
	return mc, ok
}

// SaveState snapshots the context's cookies and web storage to disk.
func (m *SessionManager) SaveState(key ContextKey) error {
	mc, ok := m.Get(key)
	if !ok {
		return fmt.Errorf("unknown context: %s", key)
	}

	cookiesRes, err := proto.NetworkGetCookies{}.Call(mc.page)
	if err != nil {
		return fmt.Errorf("get cookies: %w", err)
	}

	state := contextState{
		Cookies:        cookiesRes.Cookies,
		LocalStorage:   snapshotStorage(mc.page, "localStorage"),
		SessionStorage: snapshotStorage(mc.page, "sessionStorage"),
		SavedAt:        time.Now(),
	}

	if err := os.MkdirAll(mc.Dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(mc.Dir, "state.json"), data); err != nil {
		return err
	}
	logging.Browser("saved state for %s (%d cookies)", key, len(state.Cookies))
	return m.writeMetadata(mc)
}

// hydrateState restores cookies and storage from the context directory.
func (m *SessionManager) hydrateState(mc *ManagedContext) error {
	data, err := os.ReadFile(filepath.Join(mc.Dir, "state.json"))
	if err != nil {
		return err
	}
	var state contextState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse state.json: %w", err)
	}

	params := make([]*proto.NetworkCookieParam, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite,
			Priority: c.Priority,
		})
	}
	if len(params) > 0 {
		_ = mc.page.SetCookies(params)
	}
	restoreStorage(mc.page, state.LocalStorage, state.SessionStorage)
	logging.Browser("hydrated %d cookies for %s", len(params), mc.Key)
	return nil
}

func (m *SessionManager) writeMetadata(mc *ManagedContext) error {
	meta := contextMetadata{
		Domain:      mc.Key.Domain,
		Session:     mc.Key.Session,
		User:        mc.Key.User,
		Fingerprint: mc.Fingerprint,
		CreatedAt:   mc.CreatedAt,
		UpdatedAt:   time.Now(),
	}
	if err := os.MkdirAll(mc.Dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(mc.Dir, "metadata.json"), data)
}

// ListSessions enumerates live contexts, optionally filtered by user.
func (m *SessionManager) ListSessions(user string) []*ManagedContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ManagedContext, 0, len(m.contexts))
	for _, mc := range m.contexts {
		if user != "" && mc.Key.User != user {
			continue
		}
		out = append(out, mc)
	}
	return out
}

// DeleteSession closes the context and forgets it. The persistence
// directory is retained for future rehydration unless purge is set.
func (m *SessionManager) DeleteSession(key ContextKey, purge bool) error {
	m.mu.Lock()
	mc, ok := m.contexts[key]
	if ok {
		delete(m.contexts, key)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown context: %s", key)
	}
	if mc.page != nil {
		_ = mc.page.Close()
	}
	if purge {
		_ = os.RemoveAll(mc.Dir)
	}
	logging.Browser("context deleted for %s (purge=%v)", key, purge)
	return nil
}

// CloseContext closes a context's page without touching disk state; used
// by the recovery manager before recreating a dead context.
func (m *SessionManager) CloseContext(key ContextKey) {
	m.mu.Lock()
	mc, ok := m.contexts[key]
	if ok {
		delete(m.contexts, key)
	}
	m.mu.Unlock()
	if ok && mc.page != nil {
		_ = mc.page.Close()
	}
}

// RenderHTML implements fetch.PageProvider: render a URL in a throwaway
// stealth page and return its HTML.
func (m *SessionManager) RenderHTML(ctx context.Context, rawURL string) (string, string, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return "", "", err
	}
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return "", "", ErrBrowserUnavailable
	}

	incognito, err := b.Incognito()
	if err != nil {
		return "", "", fmt.Errorf("incognito context: %w", err)
	}
	page, err := stealth.Page(incognito)
	if err != nil {
		return "", "", fmt.Errorf("create stealth page: %w", err)
	}
	defer func() { _ = page.Close() }()

	page = page.Context(ctx).Timeout(m.navTimeout)
	if err := page.Navigate(rawURL); err != nil {
		return "", "", fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", "", fmt.Errorf("wait load: %w", err)
	}

	html, err := page.HTML()
	if err != nil {
		return "", "", fmt.Errorf("read html: %w", err)
	}
	finalURL := rawURL
	if info, err := page.Info(); err == nil {
		finalURL = info.URL
	}
	return html, finalURL, nil
}

// Shutdown closes all contexts and the browser.
func (m *SessionManager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, mc := range m.contexts {
		if mc.page != nil {
			_ = mc.page.Close()
		}
		delete(m.contexts, key)
	}
	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	return err
}

func snapshotStorage(page *rod.Page, store string) string {
	jsFunc := fmt.Sprintf(`() => {
		try {
			const out = {};
			for (const key of Object.keys(%s)) {
				out[key] = %s.getItem(key);
			}
			return JSON.stringify(out);
		} catch (e) {
			return "{}";
		}
	}`, store, store)

	res, err := page.Evaluate(&rod.EvalOptions{JS: jsFunc, ByValue: true, AwaitPromise: true})
	if err != nil || res == nil || res.Value.Nil() {
		return "{}"
	}
	return res.Value.String()
}

func restoreStorage(page *rod.Page, localJSON, sessionJSON string) {
	_, _ = page.Evaluate(&rod.EvalOptions{
		JS: `
		(local, session) => {
			try {
				const l = JSON.parse(local || "{}");
				Object.entries(l).forEach(([k, v]) => localStorage.setItem(k, v));
			} catch (e) {}
			try {
				const s = JSON.parse(session || "{}");
				Object.entries(s).forEach(([k, v]) => sessionStorage.setItem(k, v));
			} catch (e) {}
		}
		`,
		JSArgs:       []interface{}{localJSON, sessionJSON},
		ByValue:      true,
		AwaitPromise: true,
		UserGesture:  true,
	})
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func sanitizePathComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
