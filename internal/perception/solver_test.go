package perception

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSolverTestServer(t *testing.T, reply string, fail int32) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= fail {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Model)
		require.NotEmpty(t, req.Messages)

		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": reply}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestSolverComplete(t *testing.T) {
	srv, _ := newSolverTestServer(t, "hello from solver", 0)
	c := NewSolverClient(SolverConfig{URL: srv.URL, Model: "m", Timeout: 5 * time.Second}, nil)

	out, err := c.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "hello from solver", out)
}

func TestSolverRetriesRateLimit(t *testing.T) {
	srv, calls := newSolverTestServer(t, "eventually", 1)
	c := NewSolverClient(SolverConfig{URL: srv.URL, Model: "m", Timeout: 5 * time.Second}, nil)

	out, err := c.Complete(context.Background(), "", "user")
	require.NoError(t, err)
	assert.Equal(t, "eventually", out)
	assert.GreaterOrEqual(t, atomic.LoadInt32(calls), int32(2))
}

func TestCompleteRecipe(t *testing.T) {
	srv, _ := newSolverTestServer(t, "ok", 0)

	dir := t.TempDir()
	recipe := "system: classify the page\ntemplate: \"query: {{query}}\"\ntemperature: 0.1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "classify_page.yaml"), []byte(recipe), 0644))

	book := NewRecipeBook(dir)
	c := NewSolverClient(SolverConfig{URL: srv.URL, Model: "m", Timeout: 5 * time.Second}, book)

	out, err := c.CompleteRecipe(context.Background(), "classify_page", map[string]string{"query": "gaming laptop"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	r, err := book.Get("classify_page")
	require.NoError(t, err)
	assert.Equal(t, "query: gaming laptop", r.Render(map[string]string{"query": "gaming laptop"}))
}

func TestRecipeBookMissing(t *testing.T) {
	book := NewRecipeBook(t.TempDir())
	_, err := book.Get("nope")
	require.Error(t, err)
}
