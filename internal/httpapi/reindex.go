package httpapi

import "net/http"

type resetSummary struct {
	EntriesDeleted int64 `json:"entriesDeleted"`
	FieldsDeleted  int64 `json:"fieldsDeleted"`
}

type reindexResponse struct {
	Report any          `json:"report"`
	Reset  resetSummary `json:"reset"`
}

// handleReindex truncates the store and performs one full scan from
// scratch, matching the manual-reindex flow in spec §4.1/§4.2.
func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entriesDeleted, fieldsDeleted, err := s.deps.Store.Reset(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.deps.Indexer.ResetIncrementalState()

	report, _, err := s.deps.Indexer.RunFull(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.RecordIndexReport(report)

	writeJSON(w, http.StatusOK, reindexResponse{
		Report: report,
		Reset: resetSummary{
			EntriesDeleted: entriesDeleted,
			FieldsDeleted:  fieldsDeleted,
		},
	})
}
