package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kon-rad/mikroscope/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "mikroscope.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *store.Store, n int) {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Second).Format(time.RFC3339)
		_, _, err := s.UpsertEntry(context.Background(), store.UpsertEntryInput{
			Timestamp: ts, Level: "INFO", Event: "e", Message: "m",
			DataJSON: "{}", SourceFile: "a.ndjson", LineNumber: i + 1,
		})
		if err != nil {
			t.Fatalf("UpsertEntry() error = %v", err)
		}
	}
}

func TestQueryPageClampsLimitAbove1000(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, 3)
	svc := New(s)

	page, err := svc.QueryPage(context.Background(), store.Filter{}, "", 5000)
	if err != nil {
		t.Fatalf("QueryPage() error = %v", err)
	}
	if page.Limit != 1000 {
		t.Fatalf("Limit = %d, want 1000", page.Limit)
	}
}

func TestQueryPageDefaultsLimit(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, 1)
	svc := New(s)

	page, err := svc.QueryPage(context.Background(), store.Filter{}, "", 0)
	if err != nil {
		t.Fatalf("QueryPage() error = %v", err)
	}
	if page.Limit != 100 {
		t.Fatalf("Limit = %d, want default 100", page.Limit)
	}
}

func TestQueryPageMalformedCursorReturnsFirstPage(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, 2)
	svc := New(s)

	page, err := svc.QueryPage(context.Background(), store.Filter{}, "garbage-cursor", 10)
	if err != nil {
		t.Fatalf("QueryPage() error = %v", err)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("Entries = %d, want 2 (malformed cursor treated as none)", len(page.Entries))
	}
}

func TestQueryPageNextCursorWalksPages(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, 3)
	svc := New(s)

	p1, err := svc.QueryPage(context.Background(), store.Filter{}, "", 1)
	if err != nil {
		t.Fatalf("QueryPage() error = %v", err)
	}
	if !p1.HasMore || p1.NextCursor == "" {
		t.Fatalf("p1 = %+v, want HasMore=true and a cursor", p1)
	}

	p2, err := svc.QueryPage(context.Background(), store.Filter{}, p1.NextCursor, 1)
	if err != nil {
		t.Fatalf("QueryPage() p2 error = %v", err)
	}
	if p2.Entries[0].ID == p1.Entries[0].ID {
		t.Fatalf("p2 repeated p1's entry, want disjoint pages")
	}

	p3, err := svc.QueryPage(context.Background(), store.Filter{}, p2.NextCursor, 1)
	if err != nil {
		t.Fatalf("QueryPage() p3 error = %v", err)
	}
	if p3.HasMore {
		t.Fatalf("p3.HasMore = true, want false on final page")
	}
}

func TestAggregateRejectsUnknownGroupBy(t *testing.T) {
	s := openTestStore(t)
	svc := New(s)

	if _, err := svc.Aggregate(context.Background(), store.Filter{}, "bogus", "", 10); err == nil {
		t.Fatalf("Aggregate() error = nil, want error for unknown groupBy")
	}
}

func TestAggregateRequiresGroupFieldForField(t *testing.T) {
	s := openTestStore(t)
	svc := New(s)

	if _, err := svc.Aggregate(context.Background(), store.Filter{}, "field", "", 10); err == nil {
		t.Fatalf("Aggregate() error = nil, want error for missing groupField")
	}
}

func TestAggregateDefaultLimit(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, 1)
	svc := New(s)

	result, err := svc.Aggregate(context.Background(), store.Filter{}, "level", "", 0)
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if result.GroupBy != "level" {
		t.Fatalf("GroupBy = %q, want level", result.GroupBy)
	}

	rec := &limitRecorder{}
	if _, err := New(rec).Aggregate(context.Background(), store.Filter{}, "level", "", 0); err != nil {
		t.Fatalf("Aggregate() with recorder error = %v", err)
	}
	if rec.limit != 25 {
		t.Fatalf("store limit = %d, want default 25", rec.limit)
	}
}

// limitRecorder is a Store that records the limit Aggregate receives.
type limitRecorder struct{ limit int }

func (r *limitRecorder) QueryPage(context.Context, store.Filter, *store.Cursor, int) ([]store.LogEntry, bool, error) {
	return nil, false, nil
}

func (r *limitRecorder) Count(context.Context, store.Filter) (int64, error) { return 0, nil }

func (r *limitRecorder) Aggregate(_ context.Context, _ store.Filter, _, _ string, limit int) ([]store.Bucket, error) {
	r.limit = limit
	return nil, nil
}
