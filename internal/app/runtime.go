// Package app wires together the index store, indexer, ingest pipeline,
// query service, alerting manager, maintenance loop, and HTTP surface
// into the running mikroscope process (spec component C8), following the
// same preflight -> open -> serve -> background-loops -> graceful-shutdown
// shape the teacher's runtime uses.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kon-rad/mikroscope/internal/alerting"
	"github.com/kon-rad/mikroscope/internal/config"
	"github.com/kon-rad/mikroscope/internal/httpapi"
	"github.com/kon-rad/mikroscope/internal/indexer"
	"github.com/kon-rad/mikroscope/internal/ingest"
	"github.com/kon-rad/mikroscope/internal/maintenance"
	"github.com/kon-rad/mikroscope/internal/query"
	"github.com/kon-rad/mikroscope/internal/store"
)

// Runtime owns the lifecycle of every component for one process run.
type Runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	startedAt time.Time

	store       *store.Store
	indexer     *indexer.Indexer
	query       *query.Service
	pipeline    *ingest.Pipeline
	alerts      *alerting.Manager
	maintenance *maintenance.Loop
	api         *httpapi.Server
	httpServer  *http.Server

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup

	serviceURL string
}

// New builds a Runtime over cfg; components are constructed in Run.
func New(cfg *config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{cfg: cfg, logger: logger, startedAt: time.Now()}
}

// Run executes the full startup sequence from spec §4.8, serves until ctx
// is cancelled, then shuts down gracefully. It blocks until shutdown
// completes.
func (r *Runtime) Run(ctx context.Context) error {
	if err := preflight(filepath.Dir(r.cfg.DBPath), r.cfg.MinFreeBytes); err != nil {
		return fmt.Errorf("db preflight: %w", err)
	}
	if err := preflight(r.cfg.LogsPath, r.cfg.MinFreeBytes); err != nil {
		return fmt.Errorf("logs preflight: %w", err)
	}

	s, err := store.Open(r.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	r.store = s

	r.indexer = indexer.New(r.cfg.LogsPath, s)
	r.query = query.New(s)

	r.logger.Info("running initial incremental index pass")
	firstReport, _, err := r.indexer.RunIncremental(ctx)
	if err != nil {
		return fmt.Errorf("initial index pass: %w", err)
	}
	if stats, err := s.Stats(ctx); err == nil {
		r.logger.Info("initial index pass complete",
			"records_inserted", firstReport.RecordsInserted,
			"files_scanned", firstReport.FilesScanned,
			"db_size", humanize.Bytes(uint64(stats.ApproxSizeBytes)),
		)
	}

	r.pipeline = ingest.New(r.cfg.LogsPath, r.cfg.IngestMaxBodyBytes, r.cfg.IngestAsyncQueue,
		time.Duration(r.cfg.IngestQueueFlushMs)*time.Millisecond,
		func(ctx context.Context) error {
			_, _, err := r.indexer.RunIncremental(ctx)
			return err
		},
	)

	r.maintenance = maintenance.New(maintenance.Config{
		LogsRoot:              r.cfg.LogsPath,
		LogRetentionDays:      r.cfg.LogRetentionDays,
		LogAuditRetentionDays: r.cfg.LogAuditRetentionDays,
		DBRetentionDays:       r.cfg.DBRetentionDays,
		DBAuditRetentionDays:  r.cfg.DBAuditRetentionDays,
		AuditBackupDirectory:  r.cfg.AuditBackupDirectory,
	}, s)

	r.serviceURL = fmt.Sprintf("%s://%s:%s", r.cfg.Protocol, hostForURL(r.cfg.Host), r.cfg.Port)

	seedAlertPolicy := alerting.DefaultPolicy()
	seedAlertPolicy.Enabled = r.cfg.AlertEnabled
	seedAlertPolicy.WebhookURL = r.cfg.AlertWebhookURL
	seedAlertPolicy.IntervalMs = r.cfg.AlertIntervalMs
	seedAlertPolicy.WindowMinutes = r.cfg.AlertWindowMinutes
	seedAlertPolicy.ErrorThreshold = r.cfg.AlertErrorThreshold
	seedAlertPolicy.NoLogsThresholdMinutes = r.cfg.AlertNoLogsThresholdMinutes
	seedAlertPolicy.CooldownMs = r.cfg.AlertCooldownMs
	seedAlertPolicy.WebhookTimeoutMs = r.cfg.AlertWebhookTimeoutMs
	seedAlertPolicy.WebhookRetryAttempts = r.cfg.AlertWebhookRetryAttempts
	seedAlertPolicy.WebhookBackoffMs = r.cfg.AlertWebhookBackoffMs

	r.alerts, err = alerting.New(r.logger, r.query, r.serviceURL, r.cfg.ResolvedAlertConfigPath(), seedAlertPolicy)
	if err != nil {
		return fmt.Errorf("build alerting manager: %w", err)
	}

	producerAuth := ingest.ProducerAuth{
		BasicUsername:   r.cfg.AuthUsername,
		BasicPassword:   r.cfg.AuthPassword,
		TokenToProducer: ingest.ParseProducerMapping(r.cfg.IngestProducers),
	}

	r.api = httpapi.New(httpapi.Deps{
		Store:       s,
		Indexer:     r.indexer,
		Query:       r.query,
		Ingest:      r.pipeline,
		Alerts:      r.alerts,
		Maintenance: r.maintenance,
		Logger:      r.logger,

		StartedAt:  r.startedAt,
		ServiceURL: r.serviceURL,

		APIToken:        r.cfg.APIToken,
		AuthUsername:    r.cfg.AuthUsername,
		AuthPassword:    r.cfg.AuthPassword,
		ProducerAuth:    producerAuth,
		CORSAllowOrigin: r.cfg.CORSAllowOrigin,

		DBDir:                 filepath.Dir(r.cfg.DBPath),
		LogsRoot:              r.cfg.LogsPath,
		DBRetentionDays:       r.cfg.DBRetentionDays,
		DBAuditRetentionDays:  r.cfg.DBAuditRetentionDays,
		LogRetentionDays:      r.cfg.LogRetentionDays,
		LogAuditRetentionDays: r.cfg.LogAuditRetentionDays,
		AuditBackupDirectory:  r.cfg.AuditBackupDirectory,
		MinFreeBytes:          r.cfg.MinFreeBytes,
		IngestMaxBodyBytes:    r.cfg.IngestMaxBodyBytes,
	})
	r.api.RecordIndexReport(firstReport)

	if r.cfg.Protocol == "https" && (r.cfg.TLSCert == "" || r.cfg.TLSKey == "") {
		return fmt.Errorf("protocol https requires both tls-cert-path and tls-key-path")
	}

	r.httpServer = &http.Server{
		Addr:              r.cfg.Host + ":" + r.cfg.Port,
		Handler:           r.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	r.logger.Info("running initial maintenance pass")
	if report, ran, err := r.maintenance.Run(ctx); err != nil {
		r.logger.Warn("initial maintenance pass failed", "error", err)
	} else {
		r.api.RecordMaintenanceReport(report)
		if ran {
			if stats, err := s.Stats(ctx); err == nil {
				r.logger.Info("maintenance pass complete",
					"files_deleted", report.FilesDeleted,
					"entries_deleted", report.EntriesDeleted,
					"vacuum_ran", report.VacuumRan,
					"db_size", humanize.Bytes(uint64(stats.ApproxSizeBytes)),
				)
			}
		}
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	r.bgCancel = bgCancel
	r.startBackgroundLoops(bgCtx)

	r.alerts.Start(bgCtx)

	serverErr := make(chan error, 1)
	go func() {
		r.logger.Info("listening", "addr", r.httpServer.Addr, "service_url", r.serviceURL)
		var err error
		if r.cfg.Protocol == "https" {
			err = r.httpServer.ListenAndServeTLS(r.cfg.TLSCert, r.cfg.TLSKey)
		} else {
			err = r.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
		return r.shutdown(context.Background())
	}
}

func hostForURL(host string) string {
	if host == "0.0.0.0" || host == "" {
		return "localhost"
	}
	return host
}

func (r *Runtime) startBackgroundLoops(ctx context.Context) {
	if !r.cfg.DisableAutoIngest {
		r.bgWG.Add(1)
		go func() {
			defer r.bgWG.Done()
			ticker := time.NewTicker(r.cfg.IngestInterval())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					report, ran, err := r.indexer.RunIncremental(ctx)
					if err != nil {
						r.logger.Warn("auto-ingest pass failed", "error", err)
						continue
					}
					if ran {
						r.api.RecordIndexReport(report)
					}
				}
			}
		}()
	}

	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		ticker := time.NewTicker(r.cfg.MaintenanceInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report, ran, err := r.maintenance.Run(ctx)
				if err != nil {
					r.logger.Warn("maintenance pass failed", "error", err)
					continue
				}
				if ran {
					r.api.RecordMaintenanceReport(report)
				}
			}
		}
	}()
}

func (r *Runtime) shutdown(ctx context.Context) error {
	var joined error

	if r.bgCancel != nil {
		r.bgCancel()
	}
	if r.alerts != nil {
		r.alerts.Stop()
	}

	if r.httpServer != nil {
		httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(httpCtx); err != nil {
			joined = errors.Join(joined, fmt.Errorf("http shutdown: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		r.bgWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		joined = errors.Join(joined, errors.New("background loop shutdown timeout"))
	}

	if r.pipeline != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.pipeline.Shutdown(drainCtx); err != nil {
			r.logger.Warn("ingest queue drain failed", "error", err)
		}
		cancel()
	}

	if r.store != nil {
		if err := r.store.Close(); err != nil {
			joined = errors.Join(joined, fmt.Errorf("store close: %w", err))
		}
	}

	r.logger.Info("shutdown complete", "uptime", time.Since(r.startedAt).String())
	return joined
}
