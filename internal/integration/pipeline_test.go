package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kon-rad/mikroscope/internal/alerting"
	"github.com/kon-rad/mikroscope/internal/indexer"
	"github.com/kon-rad/mikroscope/internal/ingest"
	"github.com/kon-rad/mikroscope/internal/query"
	"github.com/kon-rad/mikroscope/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestIngestIndexQueryPipeline exercises ingest -> NDJSON shard -> index
// -> query end to end, across 100 records, the way a real producer would
// see its logs become queryable.
func TestIngestIndexQueryPipeline(t *testing.T) {
	t.Parallel()

	logsRoot := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "mikroscope.db")

	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = s.Close() }()

	ix := indexer.New(logsRoot, s)
	pipeline := ingest.New(logsRoot, 1<<20, false, 0, func(ctx context.Context) error {
		_, _, err := ix.RunIncremental(ctx)
		return err
	})

	records := make([]map[string]any, 0, 100)
	for i := 0; i < 100; i++ {
		level := "info"
		if i%10 == 0 {
			level = "error"
		}
		records = append(records, map[string]any{
			"timestamp": time.Now().UTC().Add(time.Duration(i) * time.Millisecond).Format(time.RFC3339Nano),
			"level":     level,
			"event":     "request.completed",
			"message":   fmt.Sprintf("handled request %d", i),
			"data":      map[string]any{"seq": i},
		})
	}
	body, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("marshal records: %v", err)
	}

	res, err := pipeline.Accept(context.Background(), "producer-a", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("accept ingest batch: %v", err)
	}
	if res.Accepted != 100 {
		t.Fatalf("expected 100 accepted records, got %d", res.Accepted)
	}
	if res.Queued {
		t.Fatalf("expected synchronous pipeline, got queued result")
	}

	q := query.New(s)
	total, err := q.Count(context.Background(), store.Filter{})
	if err != nil {
		t.Fatalf("count all: %v", err)
	}
	if total != 100 {
		t.Fatalf("expected 100 indexed entries, got %d", total)
	}

	errorCount, err := q.Count(context.Background(), store.Filter{Level: "error"})
	if err != nil {
		t.Fatalf("count errors: %v", err)
	}
	if errorCount != 10 {
		t.Fatalf("expected 10 error-level entries, got %d", errorCount)
	}

	page, err := q.QueryPage(context.Background(), store.Filter{Level: "error"}, "", 5)
	if err != nil {
		t.Fatalf("query page: %v", err)
	}
	if len(page.Entries) != 5 {
		t.Fatalf("expected page of 5 entries, got %d", len(page.Entries))
	}
	for _, e := range page.Entries {
		if e.Level != "ERROR" {
			t.Fatalf("page returned non-error entry: %+v", e)
		}
	}

	// Re-running the pipeline's index function must not double-count rows
	// already indexed, per the (source_file, line_number) idempotency key.
	if _, _, err := ix.RunIncremental(context.Background()); err != nil {
		t.Fatalf("second incremental pass: %v", err)
	}
	totalAfter, err := q.Count(context.Background(), store.Filter{})
	if err != nil {
		t.Fatalf("count all after rerun: %v", err)
	}
	if totalAfter != 100 {
		t.Fatalf("expected idempotent reindex to leave 100 entries, got %d", totalAfter)
	}
}

// TestAlertingFiresWebhookOnErrorThreshold ingests a burst of error-level
// records, then runs the alerting manager's startup cycle against an
// httptest webhook receiver and confirms the threshold rule fires.
func TestAlertingFiresWebhookOnErrorThreshold(t *testing.T) {
	t.Parallel()

	logsRoot := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "mikroscope.db")

	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = s.Close() }()

	ix := indexer.New(logsRoot, s)
	pipeline := ingest.New(logsRoot, 1<<20, false, 0, func(ctx context.Context) error {
		_, _, err := ix.RunIncremental(ctx)
		return err
	})

	records := make([]map[string]any, 0, 25)
	for i := 0; i < 25; i++ {
		records = append(records, map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"level":     "error",
			"event":     "request.failed",
			"message":   "boom",
		})
	}
	body, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("marshal records: %v", err)
	}
	if _, err := pipeline.Accept(context.Background(), "producer-a", bytes.NewReader(body)); err != nil {
		t.Fatalf("accept ingest batch: %v", err)
	}

	var hookCalls int64
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hookCalls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer webhook.Close()

	q := query.New(s)
	policy := alerting.DefaultPolicy()
	policy.Enabled = true
	policy.WebhookURL = webhook.URL
	policy.ErrorThreshold = 10
	policy.WindowMinutes = 60
	policy.IntervalMs = 60_000
	policy.CooldownMs = 1_000

	mgr, err := alerting.New(discardLogger(), q, "http://localhost:8085", filepath.Join(t.TempDir(), "alert-config.json"), policy)
	if err != nil {
		t.Fatalf("build alerting manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)
	defer mgr.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(&hookCalls) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if atomic.LoadInt64(&hookCalls) == 0 {
		t.Fatalf("expected webhook to fire for error threshold breach")
	}

	state := mgr.State()
	if state.Sent == 0 {
		t.Fatalf("expected alerting state to record at least one sent alert, got %+v", state)
	}
}
