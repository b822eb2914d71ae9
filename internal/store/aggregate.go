package store

import (
	"context"
	"fmt"
)

// Bucket is one group-by result row from Aggregate.
type Bucket struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Aggregate groups matching entries by groupBy ("level", "event", "field",
// or "correlation"). groupField names the field key when groupBy is
// "field"; it is ignored otherwise. Buckets are ordered by count
// descending, then key ascending, and capped at limit.
func (s *Store) Aggregate(ctx context.Context, filter Filter, groupBy, groupField string, limit int) ([]Bucket, error) {
	if limit <= 0 {
		limit = 20
	}

	joinSQL, clause := buildFilterClause(filter, "lff")
	args := append([]any{}, clause.args...)

	var groupExpr, groupJoin string
	switch groupBy {
	case "level":
		groupExpr = "le.level"
	case "event":
		groupExpr = "le.event"
	case "field":
		if groupField == "" {
			return nil, fmt.Errorf("aggregate: groupField is required when groupBy=field")
		}
		groupJoin = "LEFT JOIN log_fields lfg ON lfg.entry_id = le.id AND lfg.key = ?"
		args = append([]any{groupField}, args...)
		groupExpr = "COALESCE(lfg.value_text, '(missing)')"
	case "correlation":
		groupJoin = `
LEFT JOIN log_fields lfg1 ON lfg1.entry_id = le.id AND lfg1.key = 'correlationId'
LEFT JOIN log_fields lfg2 ON lfg2.entry_id = le.id AND lfg2.key = 'requestId'
`
		groupExpr = "COALESCE(lfg1.value_text, lfg2.value_text, '(missing)')"
	default:
		return nil, fmt.Errorf("aggregate: unknown groupBy %q", groupBy)
	}

	query := fmt.Sprintf(`
SELECT %s AS bucket_key, COUNT(DISTINCT le.id) AS bucket_count
FROM log_entries le
%s
%s
%s
GROUP BY bucket_key
ORDER BY bucket_count DESC, bucket_key ASC
LIMIT ?
`, groupExpr, groupJoin, joinSQL, whereSQL(clauseConds(clause)))
	args = append(args, limit)

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Key, &b.Count); err != nil {
			return nil, fmt.Errorf("aggregate scan: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("aggregate rows: %w", err)
	}
	return buckets, nil
}
