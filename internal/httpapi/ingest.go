package httpapi

import (
	"errors"
	"net/http"

	"github.com/kon-rad/mikroscope/internal/ingest"
)

type ingestResponse struct {
	Accepted   int    `json:"accepted"`
	Rejected   int    `json:"rejected"`
	Queued     bool   `json:"queued"`
	ProducerID string `json:"producerId"`
	ReceivedAt string `json:"receivedAt"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.deps.ProducerAuth.Configured() {
		writeError(w, http.StatusNotFound, "ingest endpoint disabled")
		return
	}

	producerID, ok := s.deps.ProducerAuth.Resolve(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	result, err := s.deps.Ingest.Accept(r.Context(), producerID, r.Body)
	if err != nil {
		var tooLarge ingest.ErrBodyTooLarge
		var invalid ingest.ErrInvalidPayload
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		case errors.As(err, &invalid):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	status := http.StatusOK
	if result.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, ingestResponse{
		Accepted:   result.Accepted,
		Rejected:   result.Rejected,
		Queued:     result.Queued,
		ProducerID: result.ProducerID,
		ReceivedAt: result.ReceivedAt,
	})
}
