package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Filter narrows a query or aggregate to a subset of log_entries. Zero
// values are treated as "unset" for that dimension.
type Filter struct {
	From  string
	To    string
	Level string
	Audit *bool
	Field string
	Value string
}

// Cursor is the opaque pagination token handed back to API callers,
// encoding the (timestamp, id) of the last row seen on the ordering
// (timestamp DESC, id DESC).
type Cursor struct {
	Timestamp string `json:"ts"`
	ID        int64  `json:"id"`
}

// EncodeCursor serializes a Cursor to the opaque wire form.
func EncodeCursor(c Cursor) string {
	raw, _ := json.Marshal(c)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)
}

// DecodeCursor parses an opaque cursor string. A malformed or empty cursor
// is treated as "no cursor" rather than an error, matching how callers are
// expected to degrade: an invalid cursor just restarts at the first page.
func DecodeCursor(s string) (*Cursor, bool) {
	if s == "" {
		return nil, false
	}
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(s)
	if err != nil {
		return nil, false
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, false
	}
	return &c, true
}

type filterClause struct {
	where string
	args  []any
}

// buildFilterClause renders the shared WHERE predicates (excluding the
// cursor predicate) plus, if Field/Value are set, a join against log_fields
// aliased as fieldAlias so callers combining this with a group-by join can
// pick a distinct alias and avoid collisions.
func buildFilterClause(f Filter, fieldAlias string) (joinSQL string, clause filterClause) {
	var conds []string
	var args []any

	if f.From != "" {
		conds = append(conds, "le.timestamp >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		conds = append(conds, "le.timestamp <= ?")
		args = append(args, f.To)
	}
	if f.Level != "" {
		conds = append(conds, "le.level = ?")
		args = append(args, strings.ToUpper(f.Level))
	}
	if f.Audit != nil {
		conds = append(conds, "le.is_audit = ?")
		args = append(args, boolToInt(*f.Audit))
	}

	if f.Field != "" {
		joinSQL = fmt.Sprintf(
			"JOIN log_fields %s ON %s.entry_id = le.id AND %s.key = ?",
			fieldAlias, fieldAlias, fieldAlias,
		)
		args = append([]any{f.Field}, args...)
		if f.Value != "" {
			conds = append(conds, fmt.Sprintf("%s.value_text = ?", fieldAlias))
			args = append(args, f.Value)
		}
	}

	clause = filterClause{where: strings.Join(conds, " AND "), args: args}
	return joinSQL, clause
}

// QueryPage returns up to limit entries matching filter, ordered by
// (timestamp DESC, id DESC), starting after cursor if non-nil. hasMore
// reports whether another page exists beyond the returned entries.
func (s *Store) QueryPage(ctx context.Context, filter Filter, cursor *Cursor, limit int) (entries []LogEntry, hasMore bool, err error) {
	if limit <= 0 {
		limit = 50
	}

	joinSQL, clause := buildFilterClause(filter, "lf")

	var where []string
	args := append([]any{}, clause.args...)
	if clause.where != "" {
		where = append(where, clause.where)
	}
	if cursor != nil {
		where = append(where, "(le.timestamp < ? OR (le.timestamp = ? AND le.id < ?))")
		args = append(args, cursor.Timestamp, cursor.Timestamp, cursor.ID)
	}

	query := fmt.Sprintf(`
SELECT le.id, le.timestamp, le.level, le.event, le.message, le.is_audit, le.data_json, le.source_file, le.line_number
FROM log_entries le
%s
%s
ORDER BY le.timestamp DESC, le.id DESC
LIMIT ?
`, joinSQL, whereSQL(where))
	args = append(args, limit+1)

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("query page: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e LogEntry
		var isAudit int
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Event, &e.Message, &isAudit, &e.DataJSON, &e.SourceFile, &e.LineNumber); err != nil {
			return nil, false, fmt.Errorf("scan entry: %w", err)
		}
		e.IsAudit = isAudit != 0
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("query page rows: %w", err)
	}

	if len(entries) > limit {
		entries = entries[:limit]
		hasMore = true
	}
	return entries, hasMore, nil
}

// Count returns the total number of entries matching filter, ignoring
// pagination.
func (s *Store) Count(ctx context.Context, filter Filter) (int64, error) {
	joinSQL, clause := buildFilterClause(filter, "lf")

	query := fmt.Sprintf(`
SELECT COUNT(*)
FROM log_entries le
%s
%s
`, joinSQL, whereSQL(clauseConds(clause)))

	var count int64
	if err := s.reader.QueryRowContext(ctx, query, clause.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return count, nil
}

func clauseConds(c filterClause) []string {
	if c.where == "" {
		return nil
	}
	return []string{c.where}
}

func whereSQL(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(conds, " AND ")
}
