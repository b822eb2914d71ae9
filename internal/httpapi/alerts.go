package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/kon-rad/mikroscope/internal/alerting"
)

type alertConfigResponse struct {
	ConfigPath string           `json:"configPath"`
	Policy     alerting.Policy  `json:"policy"`
}

func (s *Server) handleGetAlertConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, alertConfigResponse{
		ConfigPath: s.deps.Alerts.ConfigPath(),
		Policy:     s.deps.Alerts.Policy(),
	})
}

func (s *Server) handlePutAlertConfig(w http.ResponseWriter, r *http.Request) {
	var patch alerting.PolicyPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	policy, err := s.deps.Alerts.UpdatePolicy(r.Context(), patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, alertConfigResponse{
		ConfigPath: s.deps.Alerts.ConfigPath(),
		Policy:     policy,
	})
}

type testWebhookRequest struct {
	WebhookURL string `json:"webhookUrl"`
}

type testWebhookResponse struct {
	OK        bool   `json:"ok"`
	SentAt    string `json:"sentAt,omitempty"`
	TargetURL string `json:"targetUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	var req testWebhookRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	var override *string
	if req.WebhookURL != "" {
		override = &req.WebhookURL
	}

	result := s.deps.Alerts.TestWebhook(r.Context(), override)
	writeJSON(w, http.StatusOK, testWebhookResponse{
		OK:        result.OK,
		SentAt:    result.SentAt,
		TargetURL: result.TargetURL,
		Error:     result.Error,
	})
}
