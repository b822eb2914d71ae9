// Package query implements the query service (spec component C4): a thin
// adapter over the index store that clamps limits, decodes/encodes the
// opaque pagination cursor, and validates group-by parameters before
// delegating to the store.
package query

import (
	"context"
	"fmt"

	"github.com/kon-rad/mikroscope/internal/store"
)

const (
	defaultPageLimit      = 100
	maxPageLimit          = 1000
	defaultAggregateLimit = 25
	maxAggregateLimit     = 1000
)

var validGroupBy = map[string]bool{
	"level":       true,
	"event":       true,
	"field":       true,
	"correlation": true,
}

// Store is the subset of *store.Store the query service delegates to.
type Store interface {
	QueryPage(ctx context.Context, filter store.Filter, cursor *store.Cursor, limit int) ([]store.LogEntry, bool, error)
	Count(ctx context.Context, filter store.Filter) (int64, error)
	Aggregate(ctx context.Context, filter store.Filter, groupBy, groupField string, limit int) ([]store.Bucket, error)
}

// Service wraps a Store with the clamping/validation rules in spec §4.4.
type Service struct {
	store Store
}

// New builds a Service over store.
func New(s Store) *Service {
	return &Service{store: s}
}

// Page is the result of QueryPage: entries plus an opaque cursor for the
// next page, present only when HasMore is true.
type Page struct {
	Entries    []store.LogEntry
	HasMore    bool
	Limit      int
	NextCursor string
}

// QueryPage clamps limit to [1, 1000] (default 100), decodes cursorToken
// (ignoring malformed tokens rather than erroring), and encodes the next
// cursor from the last returned row when more results remain.
func (s *Service) QueryPage(ctx context.Context, filter store.Filter, cursorToken string, limit int) (Page, error) {
	limit = clamp(limit, defaultPageLimit, 1, maxPageLimit)

	cursor, _ := store.DecodeCursor(cursorToken)
	entries, hasMore, err := s.store.QueryPage(ctx, filter, cursor, limit)
	if err != nil {
		return Page{}, fmt.Errorf("query page: %w", err)
	}

	page := Page{Entries: entries, HasMore: hasMore, Limit: limit}
	if hasMore && len(entries) > 0 {
		last := entries[len(entries)-1]
		page.NextCursor = store.EncodeCursor(store.Cursor{Timestamp: last.Timestamp, ID: last.ID})
	}
	return page, nil
}

// Count delegates directly to the store; used by alerting rule evaluation.
func (s *Service) Count(ctx context.Context, filter store.Filter) (int64, error) {
	n, err := s.store.Count(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// AggregateResult is the result of Aggregate.
type AggregateResult struct {
	Buckets    []store.Bucket
	GroupBy    string
	GroupField string
}

// Aggregate validates groupBy/groupField and clamps limit to [1, 1000]
// (default 25) before delegating.
func (s *Service) Aggregate(ctx context.Context, filter store.Filter, groupBy, groupField string, limit int) (AggregateResult, error) {
	if !validGroupBy[groupBy] {
		return AggregateResult{}, fmt.Errorf("unknown groupBy %q", groupBy)
	}
	if groupBy == "field" && groupField == "" {
		return AggregateResult{}, fmt.Errorf("groupField is required when groupBy=field")
	}

	limit = clamp(limit, defaultAggregateLimit, 1, maxAggregateLimit)
	buckets, err := s.store.Aggregate(ctx, filter, groupBy, groupField, limit)
	if err != nil {
		return AggregateResult{}, fmt.Errorf("aggregate: %w", err)
	}

	return AggregateResult{Buckets: buckets, GroupBy: groupBy, GroupField: groupField}, nil
}

func clamp(value, def, min, max int) int {
	if value <= 0 {
		value = def
	}
	if value < min {
		value = min
	}
	if value > max {
		value = max
	}
	return value
}
