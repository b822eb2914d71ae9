package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestProducerAuthBasicWins(t *testing.T) {
	a := ProducerAuth{BasicUsername: "svc", BasicPassword: "secret"}
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", nil)
	req.SetBasicAuth("svc", "secret")

	producerID, ok := a.Resolve(req)
	if !ok || producerID != "svc" {
		t.Fatalf("Resolve() = (%q, %v), want (svc, true)", producerID, ok)
	}
}

func TestProducerAuthBearerMapping(t *testing.T) {
	a := ProducerAuth{TokenToProducer: ParseProducerMapping("tokenA=frontend-web")}
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", nil)
	req.Header.Set("Authorization", "Bearer tokenA")

	producerID, ok := a.Resolve(req)
	if !ok || producerID != "frontend-web" {
		t.Fatalf("Resolve() = (%q, %v), want (frontend-web, true)", producerID, ok)
	}
}

func TestProducerAuthUnauthorized(t *testing.T) {
	a := ProducerAuth{TokenToProducer: ParseProducerMapping("tokenA=frontend-web")}
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")

	if _, ok := a.Resolve(req); ok {
		t.Fatalf("Resolve() ok = true, want false for unknown token")
	}
}

func TestProducerAuthNotConfiguredIsDisabled(t *testing.T) {
	a := ProducerAuth{}
	if a.Configured() {
		t.Fatalf("Configured() = true, want false")
	}
}

func TestAcceptOverridesProducerIDAgainstSpoofing(t *testing.T) {
	root := t.TempDir()
	var indexed int
	indexFn := func(ctx context.Context) error { indexed++; return nil }
	p := New(root, 1<<20, false, 0, indexFn)

	body := `[{"producerId":"spoofed","level":"INFO","event":"x"}]`
	result, err := p.Accept(context.Background(), "frontend-web", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if result.Accepted != 1 || result.Rejected != 0 {
		t.Fatalf("result = %+v, want accepted=1 rejected=0", result)
	}
	if result.ProducerID != "frontend-web" {
		t.Fatalf("ProducerID = %q, want frontend-web", result.ProducerID)
	}
	if indexed != 1 {
		t.Fatalf("indexFn called %d times, want 1", indexed)
	}

	shard := filepath.Join(root, "ingest", "frontend-web", time.Now().UTC().Format("2006-01-02")+".ndjson")
	raw, err := os.ReadFile(shard)
	if err != nil {
		t.Fatalf("read shard: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(raw), &rec); err != nil {
		t.Fatalf("unmarshal shard line: %v", err)
	}
	if rec["producerId"] != "frontend-web" {
		t.Fatalf("shard producerId = %v, want frontend-web", rec["producerId"])
	}
}

func TestAcceptRejectsOversizedBody(t *testing.T) {
	root := t.TempDir()
	p := New(root, 10, false, 0, nil)

	_, err := p.Accept(context.Background(), "p1", strings.NewReader(`[{"event":"this line is definitely longer than ten bytes"}]`))
	if _, ok := err.(ErrBodyTooLarge); !ok {
		t.Fatalf("Accept() error = %v (%T), want ErrBodyTooLarge", err, err)
	}
}

func TestAcceptEmptyBodyIsEmptyArray(t *testing.T) {
	root := t.TempDir()
	p := New(root, 1<<20, false, 0, nil)

	result, err := p.Accept(context.Background(), "p1", strings.NewReader(""))
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if result.Accepted != 0 || result.Rejected != 0 {
		t.Fatalf("result = %+v, want all zero", result)
	}
}

func TestAcceptObjectWithLogsArray(t *testing.T) {
	root := t.TempDir()
	p := New(root, 1<<20, false, 0, nil)

	result, err := p.Accept(context.Background(), "p1", strings.NewReader(`{"logs":[{"event":"a"},42]}`))
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if result.Accepted != 1 || result.Rejected != 1 {
		t.Fatalf("result = %+v, want accepted=1 rejected=1", result)
	}
}

func TestAcceptRejectsUnknownShape(t *testing.T) {
	root := t.TempDir()
	p := New(root, 1<<20, false, 0, nil)

	_, err := p.Accept(context.Background(), "p1", strings.NewReader(`"just a string"`))
	if _, ok := err.(ErrInvalidPayload); !ok {
		t.Fatalf("Accept() error = %v (%T), want ErrInvalidPayload", err, err)
	}
}

func TestAsyncQueueCoalescesAndFlushes(t *testing.T) {
	root := t.TempDir()
	var indexCalls int
	indexFn := func(ctx context.Context) error { indexCalls++; return nil }
	p := New(root, 1<<20, true, 30*time.Millisecond, indexFn)

	r1, err := p.Accept(context.Background(), "p1", strings.NewReader(`[{"event":"a"}]`))
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if !r1.Queued {
		t.Fatalf("expected queued response")
	}

	snapshot := p.QueueSnapshot()
	if snapshot.PendingRecords != 1 {
		t.Fatalf("PendingRecords = %d, want 1 before flush window elapses", snapshot.PendingRecords)
	}

	time.Sleep(100 * time.Millisecond)

	snapshot = p.QueueSnapshot()
	if snapshot.PendingRecords != 0 {
		t.Fatalf("PendingRecords = %d, want 0 after flush", snapshot.PendingRecords)
	}
	if snapshot.FlushedRecords != 1 {
		t.Fatalf("FlushedRecords = %d, want 1", snapshot.FlushedRecords)
	}
	if indexCalls != 1 {
		t.Fatalf("indexCalls = %d, want 1", indexCalls)
	}
}

func TestAsyncQueueReschedulesAfterFailedFlush(t *testing.T) {
	root := t.TempDir()
	// Block appendShard's MkdirAll by occupying the "ingest" path with a
	// plain file instead of a directory, forcing the first flush to fail.
	blocker := filepath.Join(root, "ingest")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	var indexCalls int
	indexFn := func(ctx context.Context) error { indexCalls++; return nil }
	p := New(root, 1<<20, true, 20*time.Millisecond, indexFn)

	if _, err := p.Accept(context.Background(), "p1", strings.NewReader(`[{"event":"a"}]`)); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	// Let the first flush attempt fire and fail without any further
	// enqueue() call arming a timer.
	time.Sleep(60 * time.Millisecond)
	snapshot := p.QueueSnapshot()
	if snapshot.LastError == "" {
		t.Fatalf("expected LastError to be set after failed flush")
	}
	if snapshot.PendingRecords != 1 {
		t.Fatalf("PendingRecords = %d, want 1 still queued after failed flush", snapshot.PendingRecords)
	}

	// Clear the obstruction; the reschedule from drainOnce's failure
	// branch should retry on its own and succeed this time.
	if err := os.Remove(blocker); err != nil {
		t.Fatalf("remove blocker: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	snapshot = p.QueueSnapshot()
	if snapshot.PendingRecords != 0 {
		t.Fatalf("PendingRecords = %d, want 0 after automatic retry succeeds", snapshot.PendingRecords)
	}
	if snapshot.FlushedRecords != 1 {
		t.Fatalf("FlushedRecords = %d, want 1 after automatic retry", snapshot.FlushedRecords)
	}
	if snapshot.LastError != "" {
		t.Fatalf("LastError = %q, want cleared after successful retry", snapshot.LastError)
	}
	if indexCalls != 1 {
		t.Fatalf("indexCalls = %d, want 1", indexCalls)
	}
}

func TestQueueShutdownDrainsPending(t *testing.T) {
	root := t.TempDir()
	p := New(root, 1<<20, true, time.Hour, nil)

	if _, err := p.Accept(context.Background(), "p1", strings.NewReader(`[{"event":"a"}]`)); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	snapshot := p.QueueSnapshot()
	if snapshot.PendingRecords != 0 {
		t.Fatalf("PendingRecords = %d after shutdown, want 0", snapshot.PendingRecords)
	}
}
