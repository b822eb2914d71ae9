package httpapi

import (
	"net/http"
	"syscall"
	"time"
)

// healthResponse is the composite report described in spec §6.
type healthResponse struct {
	OK         bool                 `json:"ok"`
	Service    string               `json:"service"`
	UptimeSec  int64                `json:"uptimeSec"`
	Ingest     indexSummary         `json:"ingest"`
	Auth       authSummary          `json:"auth"`
	IngestPolicy ingestPolicySummary `json:"ingestPolicy"`
	IngestEndpoint ingestEndpointSummary `json:"ingestEndpoint"`
	Alerting   alertingSummary      `json:"alerting"`
	AlertPolicy any                 `json:"alertPolicy"`
	Maintenance maintenanceSummary  `json:"maintenance"`
	RetentionDays retentionSummary `json:"retentionDays"`
	Backup     backupSummary        `json:"backup"`
	Storage    storageSummary       `json:"storage"`
}

type indexSummary struct {
	LastMode            string `json:"lastMode,omitempty"`
	FilesScanned         int    `json:"filesScanned"`
	RecordsInserted      int    `json:"recordsInserted"`
	ParseErrors          int    `json:"parseErrors"`
	LastFinishedAt       string `json:"lastFinishedAt,omitempty"`
}

type authSummary struct {
	APITokenEnabled bool `json:"apiTokenEnabled"`
	BasicEnabled    bool `json:"basicEnabled"`
}

type ingestPolicySummary struct {
	Async       bool  `json:"async"`
	FlushWindowMs int64 `json:"flushWindowMs,omitempty"`
}

type ingestEndpointSummary struct {
	Enabled       bool             `json:"enabled"`
	MaxBodyBytes  int64            `json:"maxBodyBytes"`
	ProducerCount int              `json:"producerCount"`
	Queue         queueSummary     `json:"queue"`
}

type queueSummary struct {
	PendingBatches int    `json:"pendingBatches"`
	PendingRecords int    `json:"pendingRecords"`
	Draining       bool   `json:"draining"`
	FlushedBatches int64  `json:"flushedBatches"`
	FlushedRecords int64  `json:"flushedRecords"`
	LastFlushAt    string `json:"lastFlushAt,omitempty"`
	LastError      string `json:"lastError,omitempty"`
}

type alertingSummary struct {
	Enabled         bool   `json:"enabled"`
	Runs            int64  `json:"runs"`
	Sent            int64  `json:"sent"`
	Suppressed      int64  `json:"suppressed"`
	LastError       string `json:"lastError,omitempty"`
	LastRunAt       string `json:"lastRunAt,omitempty"`
}

type maintenanceSummary struct {
	LastFilesDeleted   int    `json:"lastFilesDeleted"`
	LastEntriesDeleted int64  `json:"lastEntriesDeleted"`
	LastVacuumRan      bool   `json:"lastVacuumRan"`
	LastFinishedAt     string `json:"lastFinishedAt,omitempty"`
	LastError          string `json:"lastError,omitempty"`
}

type retentionSummary struct {
	DB        int `json:"db"`
	DBAudit   int `json:"dbAudit"`
	Logs      int `json:"logs"`
	LogsAudit int `json:"logsAudit"`
}

type backupSummary struct {
	AuditDirectory string `json:"auditDirectory,omitempty"`
}

type storageSummary struct {
	DBApproximateSizeBytes int64 `json:"dbApproximateSizeBytes"`
	DBDirectoryFreeBytes   int64 `json:"dbDirectoryFreeBytes"`
	LogsDirectoryFreeBytes int64 `json:"logsDirectoryFreeBytes"`
	MinFreeBytes           int64 `json:"minFreeBytes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ok := true

	stats, err := s.deps.Store.Stats(ctx)
	if err != nil {
		ok = false
	}

	s.mu.Lock()
	ixReport := s.lastIndexReport
	maintReport := s.lastMaintReport
	s.mu.Unlock()

	var alertState alertSummarySource
	var alertPolicy any = map[string]any{}
	if s.deps.Alerts != nil {
		st := s.deps.Alerts.State()
		alertState = alertSummarySource{
			Enabled:    s.deps.Alerts.Policy().Enabled,
			Runs:       st.Runs,
			Sent:       st.Sent,
			Suppressed: st.Suppressed,
			LastError:  st.LastError,
			LastRunAt:  st.LastRunAt,
		}
		alertPolicy = s.deps.Alerts.Policy().Masked()
	}

	queue := queueSummary{}
	producerCount := len(s.deps.ProducerAuth.TokenToProducer)
	if s.deps.ProducerAuth.BasicUsername != "" {
		producerCount++
	}
	if s.deps.Ingest != nil {
		qs := s.deps.Ingest.QueueSnapshot()
		queue = queueSummary{
			PendingBatches: qs.PendingBatches,
			PendingRecords: qs.PendingRecords,
			Draining:       qs.Draining,
			FlushedBatches: qs.FlushedBatches,
			FlushedRecords: qs.FlushedRecords,
			LastFlushAt:    qs.LastFlushAt,
			LastError:      qs.LastError,
		}
	}

	resp := healthResponse{
		OK:        ok,
		Service:   "mikroscope",
		UptimeSec: int64(time.Since(s.deps.StartedAt).Seconds()),
		Ingest: indexSummary{
			LastMode:       ixReport.Mode,
			FilesScanned:   ixReport.FilesScanned,
			RecordsInserted: ixReport.RecordsInserted,
			ParseErrors:    ixReport.ParseErrors,
			LastFinishedAt: formatTimeIfSet(ixReport.FinishedAt),
		},
		Auth: authSummary{
			APITokenEnabled: s.deps.APIToken != "",
			BasicEnabled:    s.deps.AuthUsername != "" && s.deps.AuthPassword != "",
		},
		IngestPolicy: ingestPolicySummary{
			Async: s.deps.Ingest != nil && s.deps.Ingest.IsAsync(),
		},
		IngestEndpoint: ingestEndpointSummary{
			Enabled:       s.deps.ProducerAuth.Configured(),
			MaxBodyBytes:  s.deps.IngestMaxBodyBytes,
			ProducerCount: producerCount,
			Queue:         queue,
		},
		Alerting: alertingSummary{
			Enabled:    alertState.Enabled,
			Runs:       alertState.Runs,
			Sent:       alertState.Sent,
			Suppressed: alertState.Suppressed,
			LastError:  alertState.LastError,
			LastRunAt:  formatTimeIfSet(alertState.LastRunAt),
		},
		AlertPolicy: alertPolicy,
		Maintenance: maintenanceSummary{
			LastFilesDeleted:   maintReport.FilesDeleted,
			LastEntriesDeleted: maintReport.EntriesDeleted,
			LastVacuumRan:      maintReport.VacuumRan,
			LastFinishedAt:     formatTimeIfSet(maintReport.FinishedAt),
			LastError:          s.deps.Maintenance.LastError(),
		},
		RetentionDays: retentionSummary{
			DB:        s.deps.DBRetentionDays,
			DBAudit:   s.deps.DBAuditRetentionDays,
			Logs:      s.deps.LogRetentionDays,
			LogsAudit: s.deps.LogAuditRetentionDays,
		},
		Backup: backupSummary{AuditDirectory: s.deps.AuditBackupDirectory},
		Storage: storageSummary{
			DBApproximateSizeBytes: stats.ApproxSizeBytes,
			DBDirectoryFreeBytes:   freeBytes(s.deps.DBDir),
			LogsDirectoryFreeBytes: freeBytes(s.deps.LogsRoot),
			MinFreeBytes:           s.deps.MinFreeBytes,
		},
	}

	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

type alertSummarySource struct {
	Enabled    bool
	Runs       int64
	Sent       int64
	Suppressed int64
	LastError  string
	LastRunAt  time.Time
}

func formatTimeIfSet(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// freeBytes reports the free space available on the filesystem holding
// path, or 0 if it cannot be determined.
func freeBytes(path string) int64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0
	}
	return int64(stat.Bavail) * int64(stat.Bsize)
}
