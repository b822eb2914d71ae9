package store

import "database/sql"

const schemaDDL = `
CREATE TABLE IF NOT EXISTS log_entries (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  timestamp TEXT NOT NULL,
  level TEXT NOT NULL,
  event TEXT NOT NULL,
  message TEXT NOT NULL,
  is_audit INTEGER NOT NULL DEFAULT 0,
  data_json TEXT NOT NULL,
  source_file TEXT NOT NULL,
  line_number INTEGER NOT NULL,
  indexed_at TEXT NOT NULL,
  UNIQUE(source_file, line_number)
);

CREATE TABLE IF NOT EXISTS log_fields (
  entry_id INTEGER NOT NULL REFERENCES log_entries(id) ON DELETE CASCADE,
  key TEXT NOT NULL,
  value_text TEXT NOT NULL,
  UNIQUE(entry_id, key, value_text)
);

CREATE INDEX IF NOT EXISTS idx_entries_timestamp ON log_entries (timestamp);
CREATE INDEX IF NOT EXISTS idx_entries_level_timestamp ON log_entries (level, timestamp);
CREATE INDEX IF NOT EXISTS idx_entries_event_timestamp ON log_entries (event, timestamp);
CREATE INDEX IF NOT EXISTS idx_entries_audit_timestamp ON log_entries (is_audit, timestamp);
CREATE INDEX IF NOT EXISTS idx_fields_key_value ON log_fields (key, value_text);
CREATE INDEX IF NOT EXISTS idx_fields_entry_key ON log_fields (entry_id, key);
`

// migrateIsAuditColumn adds is_audit to a log_entries table created by an
// older schema version that predates it, defaulting existing rows to 0.
func migrateIsAuditColumn(writer *sql.DB) error {
	rows, err := writer.Query("PRAGMA table_info(log_entries)")
	if err != nil {
		return err
	}
	defer rows.Close()

	hasColumn := false
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == "is_audit" {
			hasColumn = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if hasColumn {
		return nil
	}
	_, err = writer.Exec("ALTER TABLE log_entries ADD COLUMN is_audit INTEGER NOT NULL DEFAULT 0")
	return err
}
