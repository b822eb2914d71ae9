package store

import (
	"context"
	"fmt"
	"os"
)

// PruneReport summarizes the rows removed by PruneByRetention.
type PruneReport struct {
	EntriesDeleted int64
	FieldsDeleted  int64
}

// PruneByRetention deletes entries older than their applicable retention
// horizon: normalCutoff applies to rows with is_audit = 0, auditCutoff to
// rows with is_audit = 1. Either cutoff may be "" to skip that class.
// Fields are deleted first, matching the explicit two-step delete order
// the teacher's maintenance pass uses, even though ON DELETE CASCADE would
// also clean them up; the explicit order keeps the reported counts exact.
func (s *Store) PruneByRetention(ctx context.Context, normalCutoff, auditCutoff string) (PruneReport, error) {
	var report PruneReport

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if normalCutoff != "" {
		fr, err := tx.ExecContext(ctx, `
DELETE FROM log_fields WHERE entry_id IN (
  SELECT id FROM log_entries WHERE is_audit = 0 AND timestamp < ?
)`, normalCutoff)
		if err != nil {
			return report, fmt.Errorf("prune normal fields: %w", err)
		}
		if n, err := fr.RowsAffected(); err == nil {
			report.FieldsDeleted += n
		}

		er, err := tx.ExecContext(ctx, `DELETE FROM log_entries WHERE is_audit = 0 AND timestamp < ?`, normalCutoff)
		if err != nil {
			return report, fmt.Errorf("prune normal entries: %w", err)
		}
		if n, err := er.RowsAffected(); err == nil {
			report.EntriesDeleted += n
		}
	}

	if auditCutoff != "" {
		fr, err := tx.ExecContext(ctx, `
DELETE FROM log_fields WHERE entry_id IN (
  SELECT id FROM log_entries WHERE is_audit = 1 AND timestamp < ?
)`, auditCutoff)
		if err != nil {
			return report, fmt.Errorf("prune audit fields: %w", err)
		}
		if n, err := fr.RowsAffected(); err == nil {
			report.FieldsDeleted += n
		}

		er, err := tx.ExecContext(ctx, `DELETE FROM log_entries WHERE is_audit = 1 AND timestamp < ?`, auditCutoff)
		if err != nil {
			return report, fmt.Errorf("prune audit entries: %w", err)
		}
		if n, err := er.RowsAffected(); err == nil {
			report.EntriesDeleted += n
		}
	}

	if err := tx.Commit(); err != nil {
		return report, fmt.Errorf("commit tx: %w", err)
	}
	return report, nil
}

// Vacuum reclaims free pages incrementally, bounding the amount of work
// done in a single call so it never blocks the writer for long.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.writer.ExecContext(ctx, "PRAGMA incremental_vacuum(1000)")
	if err != nil {
		return fmt.Errorf("incremental vacuum: %w", err)
	}
	return nil
}

// Reset wipes every entry and field, leaving the schema intact.
func (s *Store) Reset(ctx context.Context) (entriesDeleted, fieldsDeleted int64, err error) {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	fr, err := tx.ExecContext(ctx, `DELETE FROM log_fields`)
	if err != nil {
		return 0, 0, fmt.Errorf("reset fields: %w", err)
	}
	fieldsDeleted, _ = fr.RowsAffected()

	er, err := tx.ExecContext(ctx, `DELETE FROM log_entries`)
	if err != nil {
		return 0, 0, fmt.Errorf("reset entries: %w", err)
	}
	entriesDeleted, _ = er.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit tx: %w", err)
	}
	return entriesDeleted, fieldsDeleted, nil
}

// Stats reports row counts and the on-disk size of the database file.
type Stats struct {
	EntryCount      int64
	FieldCount      int64
	PageCount       int64
	PageSize        int64
	ApproxSizeBytes int64
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	if err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_entries`).Scan(&st.EntryCount); err != nil {
		return st, fmt.Errorf("count entries: %w", err)
	}
	if err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_fields`).Scan(&st.FieldCount); err != nil {
		return st, fmt.Errorf("count fields: %w", err)
	}
	if err := s.reader.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&st.PageCount); err != nil {
		return st, fmt.Errorf("page_count: %w", err)
	}
	if err := s.reader.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&st.PageSize); err != nil {
		return st, fmt.Errorf("page_size: %w", err)
	}

	if info, err := os.Stat(s.path); err == nil {
		st.ApproxSizeBytes = info.Size()
	} else {
		st.ApproxSizeBytes = st.PageCount * st.PageSize
	}

	return st, nil
}
