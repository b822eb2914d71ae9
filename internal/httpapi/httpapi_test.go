package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/kon-rad/mikroscope/internal/alerting"
	"github.com/kon-rad/mikroscope/internal/indexer"
	"github.com/kon-rad/mikroscope/internal/ingest"
	"github.com/kon-rad/mikroscope/internal/maintenance"
	"github.com/kon-rad/mikroscope/internal/query"
	"github.com/kon-rad/mikroscope/internal/store"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestServer(t *testing.T, configure func(*Deps)) *Server {
	t.Helper()
	root := t.TempDir()
	dbPath := filepath.Join(root, "mikroscope.db")
	logsRoot := filepath.Join(root, "logs")

	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ix := indexer.New(logsRoot, s)
	qs := query.New(s)
	maintLoop := maintenance.New(maintenance.Config{LogsRoot: logsRoot}, s)

	logger := slog.New(slog.NewTextHandler(nopWriter{}, nil))
	mgr, err := alerting.New(logger, qs, "http://localhost:8085", filepath.Join(root, "alert-config.json"), alerting.DefaultPolicy())
	if err != nil {
		t.Fatalf("alerting.New() error = %v", err)
	}

	pipeline := ingest.New(logsRoot, 1<<20, false, 250*time.Millisecond, func(ctx context.Context) error {
		_, _, err := ix.RunIncremental(ctx)
		return err
	})

	deps := Deps{
		Store:       s,
		Indexer:     ix,
		Query:       qs,
		Ingest:      pipeline,
		Alerts:      mgr,
		Maintenance: maintLoop,
		StartedAt:   time.Now(),
		ServiceURL:  "http://localhost:8085",
		DBDir:       root,
		LogsRoot:    logsRoot,
	}
	if configure != nil {
		configure(&deps)
	}
	return New(deps)
}

func TestHealthReturnsContract(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"ok", "service", "uptimeSec", "ingest", "auth", "storage", "retentionDays"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("missing health field %q", key)
		}
	}
}

func TestCORSDefaultWildcard(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestCORSSpecificAllowlist(t *testing.T) {
	srv := newTestServer(t, func(d *Deps) { d.CORSAllowOrigin = "https://a.example.com,https://b.example.com" })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://b.example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://b.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want https://b.example.com", got)
	}
	if got := rec.Header().Get("Vary"); got != "Origin" {
		t.Fatalf("Vary = %q, want Origin", got)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/health", nil)
	req2.Header.Set("Origin", "https://evil.example.com")
	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, req2)
	if got := rec2.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want empty for non-matching origin", got)
	}
}

func TestOptionsPreflightReturnsNoContent(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/logs", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestAPIAuthPermissiveWhenUnconfigured(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/logs", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAPIAuthRejectsMissingTokenWhenConfigured(t *testing.T) {
	srv := newTestServer(t, func(d *Deps) { d.APIToken = "secret" })
	req := httptest.NewRequest(http.MethodGet, "/api/logs", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAPIAuthAcceptsBearerToken(t *testing.T) {
	srv := newTestServer(t, func(d *Deps) { d.APIToken = "secret" })
	req := httptest.NewRequest(http.MethodGet, "/api/logs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestIngestDisabledWithoutProducerAuth(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewBufferString(`[]`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestIngestUnauthorizedWithBadCredentials(t *testing.T) {
	srv := newTestServer(t, func(d *Deps) {
		d.ProducerAuth = ingest.ProducerAuth{BasicUsername: "svc", BasicPassword: "pw"}
	})
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewBufferString(`[]`))
	req.SetBasicAuth("svc", "wrong")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestIngestAcceptsAndReindexesSynchronously(t *testing.T) {
	srv := newTestServer(t, func(d *Deps) {
		d.ProducerAuth = ingest.ProducerAuth{BasicUsername: "svc", BasicPassword: "pw"}
	})
	body := bytes.NewBufferString(`[{"level":"info","message":"hello"}]`)
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", body)
	req.SetBasicAuth("svc", "pw")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp ingestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Accepted != 1 || resp.Queued {
		t.Fatalf("resp = %+v, want accepted=1 queued=false", resp)
	}

	logsReq := httptest.NewRequest(http.MethodGet, "/api/logs", nil)
	logsRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(logsRec, logsReq)
	var page logsPageResponse
	if err := json.Unmarshal(logsRec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode logs page: %v", err)
	}
	if len(page.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(page.Entries))
	}
}

func TestLogsMatchesLowercaseLevelParamAgainstStoredUppercase(t *testing.T) {
	srv := newTestServer(t, func(d *Deps) {
		d.ProducerAuth = ingest.ProducerAuth{BasicUsername: "svc", BasicPassword: "pw"}
	})
	body := bytes.NewBufferString(`[{"level":"error","message":"boom"},{"level":"info","message":"hello"}]`)
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", body)
	req.SetBasicAuth("svc", "pw")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	logsReq := httptest.NewRequest(http.MethodGet, "/api/logs?level=error", nil)
	logsRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(logsRec, logsReq)
	var page logsPageResponse
	if err := json.Unmarshal(logsRec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode logs page: %v", err)
	}
	if len(page.Entries) != 1 {
		t.Fatalf("entries = %d, want 1 matching lowercase level=error against stored ERROR", len(page.Entries))
	}
	if page.Entries[0].Level != "ERROR" {
		t.Fatalf("Level = %q, want ERROR", page.Entries[0].Level)
	}
}

func TestAggregateRejectsUnknownGroupBy(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/logs/aggregate?groupBy=bogus", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestLogsRejectsInvalidAuditParam(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/logs?audit=maybe", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestReindexWipesAndRescans(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/reindex", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp reindexResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestAlertConfigGetAndPutRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil)

	getReq := httptest.NewRequest(http.MethodGet, "/api/alerts/config", nil)
	getRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", getRec.Code)
	}

	patch := map[string]any{"enabled": true, "webhookUrl": "https://example.com/hook"}
	patchBody, _ := json.Marshal(patch)
	putReq := httptest.NewRequest(http.MethodPut, "/api/alerts/config", bytes.NewReader(patchBody))
	putRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, want 200, body=%s", putRec.Code, putRec.Body.String())
	}

	var resp alertConfigResponse
	if err := json.Unmarshal(putRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Policy.WebhookURL != "https://example.com/hook" {
		t.Fatalf("WebhookURL = %q, want raw URL returned from PUT", resp.Policy.WebhookURL)
	}

	// A subsequent GET on the authenticated config route must return the
	// same raw policy, not a masked view — masking is /health-only.
	getAgainReq := httptest.NewRequest(http.MethodGet, "/api/alerts/config", nil)
	getAgainRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(getAgainRec, getAgainReq)
	var getAgainResp alertConfigResponse
	if err := json.Unmarshal(getAgainRec.Body.Bytes(), &getAgainResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if getAgainResp.Policy.WebhookURL != "https://example.com/hook" {
		t.Fatalf("GET WebhookURL = %q, want raw URL persisted by PUT", getAgainResp.Policy.WebhookURL)
	}
}

func TestTestWebhookWithoutURLReturnsError(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/alerts/test-webhook", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp testWebhookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK {
		t.Fatalf("OK = true, want false without a webhook URL")
	}
}

func TestDocsAndOpenAPIServed(t *testing.T) {
	srv := newTestServer(t, nil)
	for _, path := range []string{"/docs", "/openapi.json", "/openapi.yaml"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", path, rec.Code)
		}
	}
}
