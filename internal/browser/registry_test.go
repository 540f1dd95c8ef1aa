package browser

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	r.Register(SessionInfo{ID: "s1", UserID: "alice"})

	got, ok := r.Get("s1")
	if !ok {
		t.Fatal("session not found after register")
	}
	if got.Status != StatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}

	r.MarkPaused("s1", "int-42", "recaptcha detected")
	got, _ = r.Get("s1")
	if got.Status != StatusPaused || got.InterventionID != "int-42" {
		t.Errorf("pause not recorded: %+v", got)
	}

	r.MarkResumed("s1")
	got, _ = r.Get("s1")
	if got.Status != StatusActive || got.InterventionID != "" {
		t.Errorf("resume not recorded: %+v", got)
	}

	r.Close("s1", "done")
	got, _ = r.Get("s1")
	if got.Status != StatusClosed || got.CloseReason != "done" {
		t.Errorf("close not recorded: %+v", got)
	}

	r.Remove("s1")
	if _, ok := r.Get("s1"); ok {
		t.Error("session still present after remove")
	}
}

func TestRegistryMutationsBumpActivity(t *testing.T) {
	r := NewRegistry()
	r.Register(SessionInfo{ID: "s1"})
	before, _ := r.Get("s1")

	time.Sleep(5 * time.Millisecond)
	r.UpdateURL("s1", "https://shop.example/search")
	after, _ := r.Get("s1")

	if !after.LastActivity.After(before.LastActivity) {
		t.Error("UpdateURL did not bump last activity")
	}
	if after.CurrentURL != "https://shop.example/search" {
		t.Errorf("url = %q", after.CurrentURL)
	}
	if after.LastURLUpdate.IsZero() {
		t.Error("LastURLUpdate not set")
	}
}

func TestRegistryByStatus(t *testing.T) {
	r := NewRegistry()
	r.Register(SessionInfo{ID: "a"})
	r.Register(SessionInfo{ID: "b"})
	r.MarkPaused("b", "i1", "blocked")

	active := r.ByStatus(StatusActive)
	if len(active) != 1 || active[0].ID != "a" {
		t.Errorf("active = %+v", active)
	}
	paused := r.ByStatus(StatusPaused)
	if len(paused) != 1 || paused[0].ID != "b" {
		t.Errorf("paused = %+v", paused)
	}
}

func TestCleanupIdleSessions(t *testing.T) {
	r := NewRegistry()
	r.Register(SessionInfo{ID: "fresh"})
	r.Register(SessionInfo{ID: "stale"})

	// Backdate the stale session directly.
	r.mu.Lock()
	r.sessions["stale"].LastActivity = time.Now().Add(-2 * time.Hour)
	r.mu.Unlock()

	expired := r.CleanupIdleSessions(30 * time.Minute)
	if len(expired) != 1 || expired[0] != "stale" {
		t.Fatalf("expired = %v", expired)
	}

	got, _ := r.Get("stale")
	if got.Status != StatusTimeout {
		t.Errorf("status = %s, want timeout", got.Status)
	}
	got, _ = r.Get("fresh")
	if got.Status != StatusActive {
		t.Errorf("fresh session disturbed: %+v", got)
	}

	// Idempotent: a second sweep finds nothing.
	if again := r.CleanupIdleSessions(30 * time.Minute); len(again) != 0 {
		t.Errorf("second sweep expired %v", again)
	}
}
