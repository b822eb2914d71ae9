package indexer

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// parseLine parses a single trimmed, non-empty line as a JSON object. Any
// other JSON shape (array, scalar) or invalid JSON is rejected.
func parseLine(line string) (map[string]any, bool) {
	var v any
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return rec, true
}

type normalizedRecord struct {
	Timestamp string
	Level     string
	Event     string
	Message   string
	IsAudit   bool
}

// normalize derives the indexed columns from a parsed record, applying the
// defaulting rules in spec §4.2: missing/invalid timestamp falls back to
// now, level defaults to INFO, event falls back to message then a literal,
// and message stringifies non-string values.
func normalize(rec map[string]any, sourceFile string) normalizedRecord {
	var out normalizedRecord

	out.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	if ts, ok := rec["timestamp"].(string); ok && ts != "" {
		if _, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			out.Timestamp = ts
		}
	}

	if lvl, ok := rec["level"].(string); ok && strings.TrimSpace(lvl) != "" {
		out.Level = strings.ToUpper(strings.TrimSpace(lvl))
	} else {
		out.Level = "INFO"
	}

	var messageStr string
	hasMessage := false
	if v, present := rec["message"]; present {
		hasMessage = true
		switch m := v.(type) {
		case nil:
			messageStr = ""
		case string:
			messageStr = m
		default:
			if b, err := json.Marshal(m); err == nil {
				messageStr = string(b)
			}
		}
	}
	out.Message = messageStr

	if ev, ok := rec["event"].(string); ok && strings.TrimSpace(ev) != "" {
		out.Event = ev
	} else if hasMessage && messageStr != "" {
		out.Event = messageStr
	} else {
		out.Event = "log.event"
	}

	out.IsAudit = deriveIsAudit(rec, sourceFile)

	return out
}

// deriveIsAudit implements spec §3's derivation: an explicit boolean or
// stringified boolean in the record wins; otherwise the source file path
// is checked for an "audit" path segment or basename (case-insensitive).
func deriveIsAudit(rec map[string]any, sourceFile string) bool {
	if v, ok := rec["is_audit"]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
		if s, ok := v.(string); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
				return b
			}
		}
	}

	lower := strings.ToLower(sourceFile)
	for _, seg := range strings.Split(lower, "/") {
		if strings.Contains(seg, "audit") {
			return true
		}
	}
	return false
}

// scalarFields returns the top-level keys of rec whose value is a scalar
// (string, number, boolean, or null), stringified. Objects and arrays are
// excluded — they remain only in data_json.
func scalarFields(rec map[string]any) map[string]string {
	fields := make(map[string]string)
	for key, v := range rec {
		switch val := v.(type) {
		case nil:
			fields[key] = ""
		case string:
			fields[key] = val
		case bool:
			fields[key] = strconv.FormatBool(val)
		case json.Number:
			fields[key] = val.String()
		case float64:
			fields[key] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			// objects and arrays are intentionally skipped.
		}
	}
	return fields
}
