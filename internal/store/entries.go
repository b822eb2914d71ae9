package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LogEntry is a single parsed record as read back from the store.
type LogEntry struct {
	ID         int64
	Timestamp  string
	Level      string
	Event      string
	Message    string
	IsAudit    bool
	DataJSON   string
	SourceFile string
	LineNumber int
}

// UpsertEntryInput is the write-side shape passed to UpsertEntry.
type UpsertEntryInput struct {
	Timestamp  string
	Level      string
	Event      string
	Message    string
	IsAudit    bool
	DataJSON   string
	SourceFile string
	LineNumber int
}

// UpsertEntry inserts a new row if (source_file, line_number) is unseen;
// otherwise it returns the existing row's id with inserted=false. Invariant
// I1 (spec §3): (source_file, line_number) is the idempotency key.
func (s *Store) UpsertEntry(ctx context.Context, in UpsertEntryInput) (entryID int64, inserted bool, err error) {
	res, err := s.writer.ExecContext(ctx, `
INSERT INTO log_entries (timestamp, level, event, message, is_audit, data_json, source_file, line_number, indexed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(source_file, line_number) DO NOTHING
`,
		in.Timestamp, in.Level, in.Event, in.Message, boolToInt(in.IsAudit), in.DataJSON, in.SourceFile, in.LineNumber,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, false, fmt.Errorf("upsert entry: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("upsert entry rows affected: %w", err)
	}
	if affected > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("upsert entry last insert id: %w", err)
		}
		return id, true, nil
	}

	var id int64
	err = s.writer.QueryRowContext(ctx,
		`SELECT id FROM log_entries WHERE source_file = ? AND line_number = ?`,
		in.SourceFile, in.LineNumber,
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("lookup existing entry: %w", err)
	}
	return id, false, nil
}

// UpsertField idempotently records a scalar field value for an entry.
// Invariant I3: (entry_id, key, value_text) is unique.
func (s *Store) UpsertField(ctx context.Context, entryID int64, key, valueText string) error {
	_, err := s.writer.ExecContext(ctx, `
INSERT INTO log_fields (entry_id, key, value_text)
VALUES (?, ?, ?)
ON CONFLICT(entry_id, key, value_text) DO NOTHING
`, entryID, key, valueText)
	if err != nil {
		return fmt.Errorf("upsert field: %w", err)
	}
	return nil
}

// DeleteEntriesForSourceFile removes every row derived from path, fields
// first to avoid FK churn, in a single transaction. Used by the indexer
// when a file is detected as rewritten in place.
func (s *Store) DeleteEntriesForSourceFile(ctx context.Context, path string) (entriesDeleted, fieldsDeleted int64, err error) {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	fieldsDeleted, err = deleteFieldsForSourceFile(ctx, tx, path)
	if err != nil {
		return 0, 0, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM log_entries WHERE source_file = ?`, path)
	if err != nil {
		return 0, 0, fmt.Errorf("delete entries for source file: %w", err)
	}
	entriesDeleted, err = res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("delete entries rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit tx: %w", err)
	}
	return entriesDeleted, fieldsDeleted, nil
}

func deleteFieldsForSourceFile(ctx context.Context, tx *sql.Tx, path string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
DELETE FROM log_fields WHERE entry_id IN (SELECT id FROM log_entries WHERE source_file = ?)
`, path)
	if err != nil {
		return 0, fmt.Errorf("delete fields for source file: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
