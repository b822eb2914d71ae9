package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/kon-rad/mikroscope/internal/store"
)

type logEntryView struct {
	ID         int64  `json:"id"`
	Timestamp  string `json:"timestamp"`
	Level      string `json:"level"`
	Event      string `json:"event"`
	Message    string `json:"message"`
	Data       any    `json:"data"`
	SourceFile string `json:"sourceFile"`
	LineNumber int    `json:"lineNumber"`
}

type logsPageResponse struct {
	Entries    []logEntryView `json:"entries"`
	HasMore    bool           `json:"hasMore"`
	Limit      int            `json:"limit"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

type aggregateResponse struct {
	Buckets    []store.Bucket `json:"buckets"`
	GroupBy    string         `json:"groupBy"`
	GroupField string         `json:"groupField,omitempty"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, err := parseIntParam(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	page, err := s.deps.Query.QueryPage(r.Context(), filter, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries := make([]logEntryView, 0, len(page.Entries))
	for _, e := range page.Entries {
		entries = append(entries, toLogEntryView(e))
	}

	writeJSON(w, http.StatusOK, logsPageResponse{
		Entries:    entries,
		HasMore:    page.HasMore,
		Limit:      page.Limit,
		NextCursor: page.NextCursor,
	})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	groupBy := r.URL.Query().Get("groupBy")
	groupField := r.URL.Query().Get("groupField")
	limit, err := parseIntParam(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	result, err := s.deps.Query.Aggregate(r.Context(), filter, groupBy, groupField, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, aggregateResponse{
		Buckets:    result.Buckets,
		GroupBy:    result.GroupBy,
		GroupField: result.GroupField,
	})
}

func toLogEntryView(e store.LogEntry) logEntryView {
	var data any
	if e.DataJSON != "" {
		_ = json.Unmarshal([]byte(e.DataJSON), &data)
	}
	return logEntryView{
		ID:         e.ID,
		Timestamp:  e.Timestamp,
		Level:      e.Level,
		Event:      e.Event,
		Message:    e.Message,
		Data:       data,
		SourceFile: e.SourceFile,
		LineNumber: e.LineNumber,
	}
}

// parseFilter reads from/to/level/audit/field/value query parameters per
// spec §6. audit accepts true|false|1|0; anything else is a 400. level is
// upper-cased for comparison since indexer/parse.go normalizes and stores
// every level upper-case.
func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	filter := store.Filter{
		From:  q.Get("from"),
		To:    q.Get("to"),
		Level: strings.ToUpper(q.Get("level")),
		Field: q.Get("field"),
		Value: q.Get("value"),
	}

	if raw := q.Get("audit"); raw != "" {
		audit, err := parseBoolParam(raw)
		if err != nil {
			return store.Filter{}, err
		}
		filter.Audit = &audit
	}

	return filter, nil
}

func parseBoolParam(raw string) (bool, error) {
	switch raw {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, errInvalidAuditParam
	}
}

var errInvalidAuditParam = invalidParamError("audit must be true, false, 1, or 0")

type invalidParamError string

func (e invalidParamError) Error() string { return string(e) }

func parseIntParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
