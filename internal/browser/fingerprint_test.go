package browser

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDeriveFingerprintDeterministic(t *testing.T) {
	a := DeriveFingerprint("user-1", "session-abc")
	b := DeriveFingerprint("user-1", "session-abc")
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("fingerprint not deterministic (-a +b):\n%s", diff)
	}
	if a.UserAgent == "" || a.ViewportWidth == 0 || a.Timezone == "" || a.Locale == "" {
		t.Errorf("fingerprint has empty fields: %+v", a)
	}
}

func TestDeriveFingerprintVariesByInput(t *testing.T) {
	seen := map[string]bool{}
	pairs := [][2]string{
		{"u1", "s1"}, {"u1", "s2"}, {"u2", "s1"}, {"u3", "s9"}, {"u4", "s4"},
		{"alice", "research"}, {"bob", "research"}, {"alice", "deep"},
	}
	for _, p := range pairs {
		fp := DeriveFingerprint(p[0], p[1])
		seen[fp.UserAgent+fp.Viewport()+fp.Timezone] = true
	}
	// Not all pairs may differ, but a fixed output would mean the hash
	// is not feeding the selection at all.
	if len(seen) < 2 {
		t.Errorf("fingerprints show no variation across %d inputs", len(pairs))
	}
}

func TestContextKeyDirKey(t *testing.T) {
	k := ContextKey{Domain: "shop.example.com", Session: "s/1", User: "u:1"}
	dir := k.DirKey()
	for _, r := range dir {
		if r == '/' || r == ':' || r == '|' {
			t.Errorf("unsafe rune %q in dir key %q", r, dir)
		}
	}
}
