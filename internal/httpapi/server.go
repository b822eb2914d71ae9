// Package httpapi implements the HTTP surface (spec component C7): route
// table, CORS, auth gating, and the wire shapes for ingest, query,
// reindex, and alert configuration, plus the composite health report.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kon-rad/mikroscope/internal/alerting"
	"github.com/kon-rad/mikroscope/internal/indexer"
	"github.com/kon-rad/mikroscope/internal/ingest"
	"github.com/kon-rad/mikroscope/internal/logging"
	"github.com/kon-rad/mikroscope/internal/maintenance"
	"github.com/kon-rad/mikroscope/internal/query"
	"github.com/kon-rad/mikroscope/internal/store"
)

// Store is the subset of *store.Store the HTTP surface touches directly
// (health/reindex); query operations go through query.Service instead.
type Store interface {
	Stats(ctx context.Context) (store.Stats, error)
	Reset(ctx context.Context) (entriesDeleted, fieldsDeleted int64, err error)
}

// Indexer is the subset of *indexer.Indexer the reindex handler drives.
type Indexer interface {
	RunFull(ctx context.Context) (indexer.Report, bool, error)
	ResetIncrementalState()
}

// Deps wires every collaborator and configuration value the HTTP surface
// needs. All fields are required unless documented otherwise: Logger is
// optional, and request logging is skipped when it is nil.
type Deps struct {
	Store       Store
	Indexer     Indexer
	Query       *query.Service
	Ingest      *ingest.Pipeline
	Alerts      *alerting.Manager
	Maintenance *maintenance.Loop
	Logger      *slog.Logger

	StartedAt  time.Time
	ServiceURL string

	APIToken        string
	AuthUsername    string
	AuthPassword    string
	ProducerAuth    ingest.ProducerAuth
	CORSAllowOrigin string

	DBDir                 string
	LogsRoot              string
	DBRetentionDays       int
	DBAuditRetentionDays  int
	LogRetentionDays      int
	LogAuditRetentionDays int
	AuditBackupDirectory  string
	MinFreeBytes          int64
	IngestMaxBodyBytes    int64
}

// Server holds the resolved dependencies plus the small amount of
// process-local state (last indexing/maintenance reports) the health
// report surfaces, matching the teacher's SnapshotProvider pattern.
type Server struct {
	deps Deps

	corsOrigins []string

	mu              sync.Mutex
	lastIndexReport indexer.Report
	lastMaintReport maintenance.Report
}

// New builds a Server over deps. Call Handler to obtain the http.Handler
// to mount on an *http.Server.
func New(deps Deps) *Server {
	s := &Server{deps: deps}
	if deps.CORSAllowOrigin == "" || deps.CORSAllowOrigin == "*" {
		s.corsOrigins = nil
	} else {
		for _, o := range strings.Split(deps.CORSAllowOrigin, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				s.corsOrigins = append(s.corsOrigins, o)
			}
		}
	}
	return s
}

// RecordIndexReport caches the most recent indexing report for /health.
func (s *Server) RecordIndexReport(r indexer.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastIndexReport = r
}

// RecordMaintenanceReport caches the most recent maintenance report for
// /health.
func (s *Server) RecordMaintenanceReport(r maintenance.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMaintReport = r
}

// Handler builds the full route table wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /openapi.json", s.handleOpenAPIJSON)
	mux.HandleFunc("GET /openapi.yaml", s.handleOpenAPIYAML)
	mux.HandleFunc("GET /docs", s.handleDocs)
	mux.HandleFunc("GET /docs/", s.handleDocs)

	mux.HandleFunc("POST /api/ingest", s.handleIngest)
	mux.Handle("GET /api/logs", s.apiAuth(http.HandlerFunc(s.handleLogs)))
	mux.Handle("GET /api/logs/aggregate", s.apiAuth(http.HandlerFunc(s.handleAggregate)))
	mux.Handle("POST /api/reindex", s.apiAuth(http.HandlerFunc(s.handleReindex)))
	mux.Handle("GET /api/alerts/config", s.apiAuth(http.HandlerFunc(s.handleGetAlertConfig)))
	mux.Handle("PUT /api/alerts/config", s.apiAuth(http.HandlerFunc(s.handlePutAlertConfig)))
	mux.Handle("POST /api/alerts/test-webhook", s.apiAuth(http.HandlerFunc(s.handleTestWebhook)))

	mux.HandleFunc("OPTIONS /health", s.handlePreflight)
	mux.HandleFunc("OPTIONS /openapi.json", s.handlePreflight)
	mux.HandleFunc("OPTIONS /openapi.yaml", s.handlePreflight)
	mux.HandleFunc("OPTIONS /docs", s.handlePreflight)
	mux.HandleFunc("OPTIONS /docs/", s.handlePreflight)
	mux.HandleFunc("OPTIONS /api/", s.handlePreflight)

	var handler http.Handler = mux
	if s.deps.Logger != nil {
		handler = logging.Middleware(s.deps.Logger)(handler)
	}
	return s.withCORS(handler)
}

func (s *Server) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
