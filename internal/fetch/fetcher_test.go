package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"shopnerd/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFetchConfig() config.FetchConfig {
	return config.FetchConfig{
		RequestTimeout: "5s",
		MinDomainGapMs: 1, // keep tests fast
		UserAgent:      "shopnerd-test",
	}
}

func TestFetchSuccess(t *testing.T) {
	body := strings.Repeat("<p>product</p>", 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "shopnerd-test", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	f := New(testFetchConfig(), 5*time.Second, nil)
	res, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "http", res.MethodUsed)
	assert.Equal(t, body, res.HTML)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestFetchTinyBodyIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tiny")) // under minBodyBytes
	}))
	defer srv.Close()

	f := New(testFetchConfig(), 2*time.Second, nil)
	res, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "http")
}

func TestFetchFollowsRedirects(t *testing.T) {
	body := strings.Repeat("x", 200)
	var final *httptest.Server
	final = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer final.Close()
	redirect := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL+"/landed", http.StatusFound)
	}))
	defer redirect.Close()

	f := New(testFetchConfig(), 2*time.Second, nil)
	res, err := f.Fetch(context.Background(), redirect.URL)
	require.NoError(t, err)
	assert.Contains(t, res.FinalURL, "/landed")
}

func TestDomainPacing(t *testing.T) {
	var hits int32
	body := strings.Repeat("y", 200)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	cfg := testFetchConfig()
	cfg.MinDomainGapMs = 120
	f := New(cfg, 2*time.Second, nil)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
	}
	elapsed := time.Since(start)
	// Three requests to one domain need at least two full gaps.
	assert.GreaterOrEqual(t, elapsed, 240*time.Millisecond, "per-domain pacing not enforced")
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestLimiterSerializesConcurrentCallers(t *testing.T) {
	l := newDomainLimiter(50 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_ = l.Wait(ctx, "example.com")
			done <- struct{}{}
		}()
	}
	<-done
	<-done
	if time.Since(start) < 50*time.Millisecond {
		t.Error("two concurrent waits completed inside one gap")
	}
}

func TestInvalidURL(t *testing.T) {
	f := New(testFetchConfig(), time.Second, nil)
	_, err := f.Fetch(context.Background(), "not a url")
	require.Error(t, err)
}
