package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"shopnerd/internal/config"
	"shopnerd/internal/intervention"
	"shopnerd/internal/research"
)

type fakeRunner struct {
	gotReq research.Request
	res    *research.Result
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, req research.Request, emitter *research.Emitter) (*research.Result, error) {
	f.gotReq = req
	return f.res, f.err
}

type fakeCatalog struct {
	res *research.CatalogResult
	err error
}

func (f *fakeCatalog) Explore(ctx context.Context, req research.CatalogRequest) (*research.CatalogResult, error) {
	return f.res, f.err
}

type fakeQueue struct {
	pending    []*intervention.Intervention
	resolveErr error
	resolvedID string
	success    bool
	skipReason string
}

func (f *fakeQueue) ListPending() ([]*intervention.Intervention, error) {
	return f.pending, nil
}

func (f *fakeQueue) Resolve(id string, success bool, skipReason string) error {
	if f.resolveErr != nil {
		return f.resolveErr
	}
	f.resolvedID, f.success, f.skipReason = id, success, skipReason
	return nil
}

func newTestServer(runner *fakeRunner, catalog *fakeCatalog, queue *fakeQueue) *Server {
	return New(config.DefaultConfig(), runner, catalog, queue)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestResearchEndpoint(t *testing.T) {
	runner := &fakeRunner{res: &research.Result{
		Results:      &research.Report{Query: "gaming laptop"},
		Mode:         "standard",
		StrategyUsed: "hybrid",
		Passes:       1,
	}}
	s := newTestServer(runner, &fakeCatalog{}, &fakeQueue{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/research",
		`{"query":"gaming laptop","mode":"standard","human_assist_allowed":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if !runner.gotReq.HumanAssistAllowed || runner.gotReq.Query != "gaming laptop" {
		t.Errorf("request = %+v", runner.gotReq)
	}

	var out research.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.StrategyUsed != "hybrid" || out.Passes != 1 {
		t.Errorf("result = %+v", out)
	}
}

func TestResearchEndpointRejectsBadInput(t *testing.T) {
	s := newTestServer(&fakeRunner{}, &fakeCatalog{}, &fakeQueue{})

	if rec := doJSON(t, s.Handler(), http.MethodPost, "/research", `{"query":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty query status = %d", rec.Code)
	}
	if rec := doJSON(t, s.Handler(), http.MethodPost, "/research", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", rec.Code)
	}
}

func TestResearchEndpointSurfacesRunError(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("search provider down")}
	s := newTestServer(runner, &fakeCatalog{}, &fakeQueue{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/research", `{"query":"laptop"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestPendingInterventions(t *testing.T) {
	queue := &fakeQueue{pending: []*intervention.Intervention{
		{ID: "iv-1", Type: intervention.TypeRecaptcha, URL: "https://shop.example/captcha"},
	}}
	s := newTestServer(&fakeRunner{}, &fakeCatalog{}, queue)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/captchas/pending", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Interventions []intervention.Intervention `json:"interventions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Interventions) != 1 || out.Interventions[0].ID != "iv-1" {
		t.Errorf("interventions = %+v", out.Interventions)
	}
}

func TestPendingInterventionsEmptyIsArray(t *testing.T) {
	s := newTestServer(&fakeRunner{}, &fakeCatalog{}, &fakeQueue{})
	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/captchas/pending", "")
	if !strings.Contains(rec.Body.String(), `"interventions":[]`) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestResolveIntervention(t *testing.T) {
	queue := &fakeQueue{}
	s := newTestServer(&fakeRunner{}, &fakeCatalog{}, queue)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/interventions/iv-9/resolve",
		`{"resolved":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if queue.resolvedID != "iv-9" || !queue.success {
		t.Errorf("resolve call = %+v", queue)
	}
}

func TestResolveInterventionSkip(t *testing.T) {
	queue := &fakeQueue{}
	s := newTestServer(&fakeRunner{}, &fakeCatalog{}, queue)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/interventions/iv-9/resolve",
		`{"resolved":false,"skip_reason":"cannot solve"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if queue.success || queue.skipReason != "cannot solve" {
		t.Errorf("resolve call = %+v", queue)
	}
}

func TestResolveInterventionErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{intervention.ErrNotFound, http.StatusNotFound},
		{intervention.ErrLockContended, http.StatusServiceUnavailable},
		{fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		s := newTestServer(&fakeRunner{}, &fakeCatalog{}, &fakeQueue{resolveErr: tt.err})
		rec := doJSON(t, s.Handler(), http.MethodPost, "/interventions/iv-1/resolve", `{"resolved":true}`)
		if rec.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}

func TestExploreCatalogEndpoint(t *testing.T) {
	catalog := &fakeCatalog{res: &research.CatalogResult{Vendor: "acme-shop.example", Pages: 2}}
	s := newTestServer(&fakeRunner{}, catalog, &fakeQueue{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/vendor.explore_catalog",
		`{"vendor_url":"https://acme-shop.example/catalog"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var out research.CatalogResult
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Vendor != "acme-shop.example" || out.Pages != 2 {
		t.Errorf("result = %+v", out)
	}

	if rec := doJSON(t, s.Handler(), http.MethodPost, "/vendor.explore_catalog", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing vendor_url status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(&fakeRunner{}, &fakeCatalog{}, &fakeQueue{})
	rec := doJSON(t, s.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body)
	}
	// No browser attached: health carries no browser block.
	if strings.Contains(rec.Body.String(), `"browser"`) {
		t.Errorf("unexpected browser block: %s", rec.Body)
	}
}

func TestRecoveryHistoryEmptyWithoutBrowser(t *testing.T) {
	s := newTestServer(&fakeRunner{}, &fakeCatalog{}, &fakeQueue{})
	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/recovery/history", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"events":[]`) {
		t.Errorf("recovery history = %d %s", rec.Code, rec.Body)
	}
}
