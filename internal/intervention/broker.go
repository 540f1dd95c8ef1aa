package intervention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"shopnerd/internal/browser"
	"shopnerd/internal/config"
	"shopnerd/internal/logging"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// ErrNotFound is returned when an intervention id is unknown to both the
// in-memory registry and the queue file.
var ErrNotFound = errors.New("intervention not found")

// ErrLockContended is returned when the queue lock could not be acquired
// within the configured retry budget.
var ErrLockContended = errors.New("intervention queue lock contended")

// staleLockAge is the age past which a leftover lock file from a crashed
// process is stolen.
const staleLockAge = 10 * time.Second

// Intervention is one pending or resolved human-intervention ticket.
type Intervention struct {
	ID             string     `json:"id"`
	Type           Type       `json:"type"`
	URL            string     `json:"url"`
	Domain         string     `json:"domain"`
	SessionID      string     `json:"session_id,omitempty"`
	ScreenshotPath string     `json:"screenshot_path,omitempty"`
	ViewerURL      string     `json:"viewer_url,omitempty"`
	Details        string     `json:"details,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	Resolved       bool       `json:"resolved"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	Success        bool       `json:"success"`
	SkipReason     string     `json:"skip_reason,omitempty"`
}

// Broker mediates between crawl workers that hit a blocker and the human
// operating the remote-viewing page. Tickets live in memory for fast
// lookup and in a shared JSON queue file so an external solver UI (or a
// second process) can see and resolve them. The queue file is the source
// of truth for pending work; resolution removes the entry.
type Broker struct {
	cfg       config.InterventionConfig
	queueFile string
	registry  *browser.Registry

	mu      sync.Mutex
	mem     map[string]*Intervention
	waiters map[string][]chan struct{}
}

// NewBroker creates a broker writing its queue to queueFile. The
// registry may be nil when no browser sessions are in play.
func NewBroker(cfg config.InterventionConfig, queueFile string, registry *browser.Registry) *Broker {
	return &Broker{
		cfg:       cfg,
		queueFile: queueFile,
		registry:  registry,
		mem:       make(map[string]*Intervention),
		waiters:   make(map[string][]chan struct{}),
	}
}

// Request opens a ticket for a detected blocker, persists it to the
// queue file, and pauses the owning session in the registry.
func (b *Broker) Request(det *Detection, pageURL, sessionID, screenshotPath string) (*Intervention, error) {
	iv := &Intervention{
		ID:             uuid.NewString(),
		Type:           det.Type,
		URL:            pageURL,
		Domain:         hostOf(pageURL),
		SessionID:      sessionID,
		ScreenshotPath: screenshotPath,
		Details:        det.Evidence,
		CreatedAt:      time.Now().UTC(),
	}
	if b.cfg.NoVNCURL != "" {
		iv.ViewerURL = b.cfg.NoVNCURL + "?intervention=" + iv.ID
	}

	if err := b.mutateQueue(func(q []*Intervention) ([]*Intervention, error) {
		return append(q, iv), nil
	}); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.mem[iv.ID] = iv
	b.mu.Unlock()

	if b.registry != nil && sessionID != "" {
		b.registry.MarkPaused(sessionID, iv.ID, string(det.Type))
	}

	logging.Intervention("requested %s for %s (%s) session=%s", iv.ID, iv.Domain, iv.Type, sessionID)
	return iv, nil
}

// Get returns a ticket by id, consulting memory first and then the
// queue file so tickets opened by another process are visible.
func (b *Broker) Get(id string) (*Intervention, error) {
	b.mu.Lock()
	if iv, ok := b.mem[id]; ok {
		cp := *iv
		b.mu.Unlock()
		return &cp, nil
	}
	b.mu.Unlock()

	queue, err := b.readQueue()
	if err != nil {
		return nil, err
	}
	for _, iv := range queue {
		if iv.ID == id {
			cp := *iv
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// ListPending returns all unresolved tickets, oldest first.
func (b *Broker) ListPending() ([]*Intervention, error) {
	queue, err := b.readQueue()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(queue))
	out := make([]*Intervention, 0, len(queue))
	for _, iv := range queue {
		if !iv.Resolved {
			cp := *iv
			out = append(out, &cp)
			seen[iv.ID] = true
		}
	}

	// Memory may hold tickets whose file write raced a concurrent rewrite.
	b.mu.Lock()
	for _, iv := range b.mem {
		if !iv.Resolved && !seen[iv.ID] {
			cp := *iv
			out = append(out, &cp)
		}
	}
	b.mu.Unlock()

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// Resolve marks a ticket done and removes it from the queue file.
// Resolving an already-resolved ticket is a no-op, not an error.
func (b *Broker) Resolve(id string, success bool, skipReason string) error {
	b.mu.Lock()
	iv, inMem := b.mem[id]
	if inMem && iv.Resolved {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	found := inMem
	if err := b.mutateQueue(func(q []*Intervention) ([]*Intervention, error) {
		out := q[:0]
		for _, e := range q {
			if e.ID == id {
				found = true
				continue
			}
			out = append(out, e)
		}
		return out, nil
	}); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	now := time.Now().UTC()
	var sessionID string
	b.mu.Lock()
	if iv == nil {
		iv = &Intervention{ID: id}
		b.mem[id] = iv
	}
	iv.Resolved = true
	iv.ResolvedAt = &now
	iv.Success = success
	iv.SkipReason = skipReason
	sessionID = iv.SessionID
	for _, ch := range b.waiters[id] {
		close(ch)
	}
	delete(b.waiters, id)
	b.mu.Unlock()

	if b.registry != nil && sessionID != "" {
		b.registry.MarkResumed(sessionID)
	}

	logging.Intervention("resolved %s success=%v skip=%q", id, success, skipReason)
	return nil
}

// WaitForResolution blocks until the ticket is resolved, the timeout
// elapses, or ctx is cancelled. It polls the queue file so resolutions
// by another process count, and uses fsnotify to wake early on queue
// rewrites. Returns the ticket's success flag; false on timeout.
func (b *Broker) WaitForResolution(ctx context.Context, id string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = b.cfg.GetWaitTimeout()
	}
	deadline := time.Now().Add(timeout)

	b.mu.Lock()
	if iv, ok := b.mem[id]; ok && iv.Resolved {
		b.mu.Unlock()
		return iv.Success
	}
	resolved := make(chan struct{})
	b.waiters[id] = append(b.waiters[id], resolved)
	b.mu.Unlock()

	var events chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if werr := watcher.Add(filepath.Dir(b.queueFile)); werr == nil {
			events = watcher.Events
		}
	}

	ticker := time.NewTicker(b.cfg.GetPollInterval())
	defer ticker.Stop()

	for {
		if ok, success := b.checkResolved(id); ok {
			return success
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			logging.InterventionWarn("wait for %s timed out after %s", id, timeout)
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-resolved:
			timer.Stop()
		case <-ticker.C:
			timer.Stop()
		case <-events:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// checkResolved reports whether the ticket reached a terminal state.
// Removal from the queue file counts as resolution by another process.
func (b *Broker) checkResolved(id string) (done, success bool) {
	b.mu.Lock()
	iv, inMem := b.mem[id]
	if inMem && iv.Resolved {
		b.mu.Unlock()
		return true, iv.Success
	}
	b.mu.Unlock()

	queue, err := b.readQueue()
	if err != nil {
		return false, false
	}
	for _, e := range queue {
		if e.ID == id {
			if e.Resolved {
				return true, e.Success
			}
			return false, false
		}
	}
	// Gone from the file: an external resolver removed it.
	return true, true
}

// readQueue loads the queue file. A missing file is an empty queue.
func (b *Broker) readQueue() ([]*Intervention, error) {
	data, err := os.ReadFile(b.queueFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue: %w", err)
	}
	var queue []*Intervention
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &queue); err != nil {
		return nil, fmt.Errorf("parse queue: %w", err)
	}
	return queue, nil
}

// mutateQueue applies fn under the queue lock and rewrites the file
// atomically via a temp file rename.
func (b *Broker) mutateQueue(fn func([]*Intervention) ([]*Intervention, error)) error {
	if err := b.acquireLock(); err != nil {
		return err
	}
	defer b.releaseLock()

	queue, err := b.readQueue()
	if err != nil {
		return err
	}
	queue, err = fn(queue)
	if err != nil {
		return err
	}
	if queue == nil {
		queue = []*Intervention{}
	}

	data, err := json.MarshalIndent(queue, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.queueFile), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := b.queueFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write queue: %w", err)
	}
	return os.Rename(tmp, b.queueFile)
}

func (b *Broker) lockPath() string { return b.queueFile + ".lock" }

func (b *Broker) acquireLock() error {
	retries := b.cfg.LockRetries
	if retries <= 0 {
		retries = 3
	}
	for attempt := 0; attempt <= retries; attempt++ {
		if err := os.MkdirAll(filepath.Dir(b.queueFile), 0755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
		f, err := os.OpenFile(b.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquire queue lock: %w", err)
		}
		// Steal locks left behind by a crashed process.
		if info, serr := os.Stat(b.lockPath()); serr == nil && time.Since(info.ModTime()) > staleLockAge {
			os.Remove(b.lockPath())
			continue
		}
		time.Sleep(b.cfg.GetLockRetryGap())
	}
	return ErrLockContended
}

func (b *Broker) releaseLock() {
	os.Remove(b.lockPath())
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}
