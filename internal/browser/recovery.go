package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"shopnerd/internal/config"
	"shopnerd/internal/logging"

	"github.com/go-rod/rod"
)

// RecoveryEvent is one entry of the bounded recovery history.
type RecoveryEvent struct {
	Session string    `json:"session"`
	Attempt int       `json:"attempt"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// sessionHealth is the per-session recovery bookkeeping.
type sessionHealth struct {
	consecutiveFailures int
	recoveryAttempts    int
	lastRecovery        time.Time
	lastError           string
	healthy             bool
	exhaustedAt         time.Time
}

// RecoveryManager centralizes retry discipline when a session's page or
// context connection is dead. Recovery is serialized per session; a
// fatal error or a run of consecutive failures escalates to a global
// browser restart.
type RecoveryManager struct {
	cfg      config.RecoveryConfig
	manager  *SessionManager
	registry *Registry

	mu         sync.Mutex
	state      map[string]*sessionHealth
	recovering map[string]bool
	locks      map[string]*sync.Mutex
	history    []RecoveryEvent

	restarting bool
}

// NewRecoveryManager creates a recovery manager bound to the session
// manager and registry.
func NewRecoveryManager(cfg config.RecoveryConfig, manager *SessionManager, registry *Registry) *RecoveryManager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 10
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	return &RecoveryManager{
		cfg:        cfg,
		manager:    manager,
		registry:   registry,
		state:      make(map[string]*sessionHealth),
		recovering: make(map[string]bool),
		locks:      make(map[string]*sync.Mutex),
	}
}

// IsConnectionError reports whether err matches the dead-connection
// substring set.
func (r *RecoveryManager) IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sub := range r.cfg.DeadSubstrings {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

// isFatal reports whether err matches the fatal subset that forces a
// global browser restart.
func (r *RecoveryManager) isFatal(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sub := range r.cfg.FatalSubstrings {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

func (r *RecoveryManager) healthFor(session string) *sessionHealth {
	h, ok := r.state[session]
	if !ok {
		h = &sessionHealth{healthy: true}
		r.state[session] = h
	}
	return h
}

// ObserveError records a connection error against a session. When the
// consecutive failure threshold is crossed, or the error is fatal, an
// asynchronous global browser restart is scheduled and the session's
// counters reset.
func (r *RecoveryManager) ObserveError(session string, err error) {
	if !r.IsConnectionError(err) {
		return
	}

	r.mu.Lock()
	h := r.healthFor(session)
	h.healthy = false
	h.consecutiveFailures++
	h.lastError = err.Error()
	escalate := h.consecutiveFailures >= r.cfg.FailureThreshold || r.isFatal(err)
	if escalate {
		h.consecutiveFailures = 0
		h.recoveryAttempts = 0
	}
	alreadyRestarting := r.restarting
	if escalate {
		r.restarting = true
	}
	r.mu.Unlock()

	logging.RecoveryWarn("session %s connection error (escalate=%v): %v", session, escalate, err)

	if escalate && !alreadyRestarting {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if rerr := r.manager.RestartBrowser(ctx); rerr != nil {
				logging.RecoveryError("global browser restart failed: %v", rerr)
			}
			r.mu.Lock()
			r.restarting = false
			r.mu.Unlock()
		}()
	}
}

// CanRecover reports whether a recovery attempt is currently allowed.
func (r *RecoveryManager) CanRecover(session string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recovering[session] {
		return false, "recovery already in flight"
	}

	h := r.healthFor(session)
	now := time.Now()
	cooldown := r.cfg.GetCooldown()

	if h.recoveryAttempts >= r.cfg.MaxAttempts {
		// Attempts reset only after an extended cooldown.
		if h.exhaustedAt.IsZero() {
			h.exhaustedAt = now
		}
		if now.Sub(h.exhaustedAt) < cooldown*3 {
			return false, fmt.Sprintf("max recovery attempts (%d) exhausted", r.cfg.MaxAttempts)
		}
		h.recoveryAttempts = 0
		h.exhaustedAt = time.Time{}
	}

	if !h.lastRecovery.IsZero() && now.Sub(h.lastRecovery) < cooldown {
		return false, fmt.Sprintf("cooldown active (%s remaining)", cooldown-now.Sub(h.lastRecovery))
	}
	return true, ""
}

func (r *RecoveryManager) sessionLock(session string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[session]
	if !ok {
		l = &sync.Mutex{}
		r.locks[session] = l
	}
	return l
}

// RecoverSession recreates a dead session context. Serialized per
// session; at most one recovery is ever in flight for a given session.
func (r *RecoveryManager) RecoverSession(ctx context.Context, key ContextKey) error {
	lock := r.sessionLock(key.Session)
	lock.Lock()
	defer lock.Unlock()

	if ok, reason := r.CanRecover(key.Session); !ok {
		return fmt.Errorf("cannot recover session %s: %s", key.Session, reason)
	}

	r.mu.Lock()
	r.recovering[key.Session] = true
	h := r.healthFor(key.Session)
	h.recoveryAttempts++
	h.lastRecovery = time.Now()
	attempt := h.recoveryAttempts
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.recovering, key.Session)
		r.mu.Unlock()
	}()

	logging.Recovery("recovering session %s (attempt %d/%d)", key.Session, attempt, r.cfg.MaxAttempts)

	// Close the dead context and mark the registry record.
	r.manager.CloseContext(key)
	r.registry.Close(key.Session, "recovery: dead connection")

	// A dead browser forces a full restart before the context is rebuilt.
	if !r.manager.IsBrowserAlive() {
		if err := r.manager.RestartBrowser(ctx); err != nil {
			return r.recordOutcome(key.Session, attempt, fmt.Errorf("browser restart: %w", err))
		}
	}

	// Exponential backoff before touching the fresh browser.
	backoff := r.cfg.GetInitialBackoff() * time.Duration(1<<uint(attempt-1))
	if max := r.cfg.GetMaxBackoff(); backoff > max {
		backoff = max
	}
	select {
	case <-ctx.Done():
		return r.recordOutcome(key.Session, attempt, ctx.Err())
	case <-time.After(backoff):
	}

	mc, err := r.manager.GetOrCreate(ctx, key)
	if err != nil {
		return r.recordOutcome(key.Session, attempt, fmt.Errorf("recreate context: %w", err))
	}

	if err := r.healthProbe(mc.Page()); err != nil {
		r.manager.CloseContext(key)
		return r.recordOutcome(key.Session, attempt, fmt.Errorf("health probe: %w", err))
	}

	r.mu.Lock()
	h = r.healthFor(key.Session)
	h.healthy = true
	h.consecutiveFailures = 0
	r.mu.Unlock()

	r.registry.Register(SessionInfo{
		ID:        key.Session,
		UserID:    key.User,
		Status:    StatusActive,
		UserAgent: mc.Fingerprint.UserAgent,
		Viewport:  mc.Fingerprint.Viewport(),
	})
	return r.recordOutcome(key.Session, attempt, nil)
}

// healthProbe verifies a fresh page answers basic CDP calls quickly.
func (r *RecoveryManager) healthProbe(page *rod.Page) error {
	probe := page.Timeout(r.cfg.GetHealthProbeTimeout())
	if _, err := probe.Info(); err != nil {
		return fmt.Errorf("read url: %w", err)
	}
	if _, err := probe.Eval("() => 1 + 1"); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

func (r *RecoveryManager) recordOutcome(session string, attempt int, err error) error {
	ev := RecoveryEvent{
		Session: session,
		Attempt: attempt,
		Success: err == nil,
		At:      time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}

	r.mu.Lock()
	r.history = append(r.history, ev)
	if len(r.history) > r.cfg.HistoryLimit {
		r.history = r.history[len(r.history)-r.cfg.HistoryLimit:]
	}
	r.mu.Unlock()

	if err != nil {
		logging.RecoveryError("session %s recovery attempt %d failed: %v", session, attempt, err)
		return err
	}
	logging.Recovery("session %s recovered on attempt %d", session, attempt)
	return nil
}

// History returns a copy of the bounded recovery history.
func (r *RecoveryManager) History() []RecoveryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecoveryEvent, len(r.history))
	copy(out, r.history)
	return out
}

// IsHealthy reports the last known health of a session.
func (r *RecoveryManager) IsHealthy(session string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.state[session]
	if !ok {
		return true
	}
	return h.healthy
}

// ExecuteWithRecovery runs op, recovering and retrying on connection
// errors. Non-connection errors are returned immediately.
func (r *RecoveryManager) ExecuteWithRecovery(ctx context.Context, key ContextKey, maxRetries int, op func() error) error {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !r.IsConnectionError(err) {
			return err
		}
		lastErr = err
		r.ObserveError(key.Session, err)

		if ok, reason := r.CanRecover(key.Session); !ok {
			return fmt.Errorf("session %s unrecoverable (%s): %w", key.Session, reason, err)
		}
		if rerr := r.RecoverSession(ctx, key); rerr != nil {
			return fmt.Errorf("recovery failed: %v (original: %w)", rerr, err)
		}
	}
	return fmt.Errorf("retries exhausted: %w", lastErr)
}
