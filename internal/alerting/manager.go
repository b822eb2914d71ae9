package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kon-rad/mikroscope/internal/store"
)

// Counter is the subset of the query service the manager evaluates rules
// against.
type Counter interface {
	Count(ctx context.Context, filter store.Filter) (int64, error)
}

// State is the process-local counters AlertState in
// spec §3. It is owned exclusively by the Manager.
type State struct {
	Runs                int64
	Sent                int64
	Suppressed          int64
	LastTriggerAtByRule map[string]time.Time
	LastError           string
	LastRunDuration     time.Duration
	LastRunAt           time.Time
}

// Manager runs the periodic alert evaluation cycle, persists policy
// updates, and delivers webhooks with retry.
type Manager struct {
	logger     *slog.Logger
	counter    Counter
	serviceURL string
	configPath string
	httpClient *http.Client

	mu      sync.Mutex
	policy  Policy
	state   State
	running bool
	timer   *time.Timer
	stopped bool
}

// New builds a Manager. seed is the policy assembled from defaults,
// environment, and CLI flags; it is overlaid by any persisted file at
// configPath.
func New(logger *slog.Logger, counter Counter, serviceURL, configPath string, seed Policy) (*Manager, error) {
	policy, err := loadPolicyFile(configPath, seed)
	if err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid alert policy: %w", err)
	}

	return &Manager{
		logger:     logger,
		counter:    counter,
		serviceURL: serviceURL,
		configPath: configPath,
		httpClient: &http.Client{},
		policy:     policy,
		state:      State{LastTriggerAtByRule: make(map[string]time.Time)},
	}, nil
}

// Policy returns the currently active policy.
func (m *Manager) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// State returns a snapshot of the alert state counters.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.LastTriggerAtByRule = make(map[string]time.Time, len(m.state.LastTriggerAtByRule))
	for k, v := range m.state.LastTriggerAtByRule {
		s.LastTriggerAtByRule[k] = v
	}
	return s
}

// ConfigPath returns the path the policy is persisted at.
func (m *Manager) ConfigPath() string { return m.configPath }

// Start begins the scheduler, running one immediate cycle before arming
// the interval timer, matching spec §4.5's startup behavior. A no-op if
// the policy is disabled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	policy := m.policy
	m.stopped = false
	m.mu.Unlock()

	if !policy.Enabled {
		return
	}
	go m.runCycle(ctx)
	m.armTimer(ctx, policy.IntervalMs)
}

// Stop clears the scheduler timer; idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) armTimer(ctx context.Context, intervalMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	interval := time.Duration(intervalMs) * time.Millisecond
	m.timer = time.AfterFunc(interval, func() {
		m.runCycle(ctx)
		m.mu.Lock()
		nextInterval := m.policy.IntervalMs
		m.mu.Unlock()
		m.armTimer(ctx, nextInterval)
	})
}

// runCycle evaluates every rule once. Overlapping calls are skipped via
// the running in-flight flag.
func (m *Manager) runCycle(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	policy := m.policy
	m.mu.Unlock()

	started := time.Now()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.state.Runs++
		m.state.LastRunAt = started
		m.state.LastRunDuration = time.Since(started)
		m.mu.Unlock()
	}()

	if err := m.evaluateErrorThreshold(ctx, policy); err != nil {
		m.setLastError(err)
	}
	if policy.NoLogsThresholdMinutes > 0 {
		if err := m.evaluateNoLogs(ctx, policy); err != nil {
			m.setLastError(err)
		}
	}
}

func (m *Manager) evaluateErrorThreshold(ctx context.Context, policy Policy) error {
	from := time.Now().Add(-time.Duration(policy.WindowMinutes) * time.Minute).UTC().Format(time.RFC3339)
	errorCount, err := m.counter.Count(ctx, store.Filter{From: from, Level: "ERROR"})
	if err != nil {
		return fmt.Errorf("count errors: %w", err)
	}
	if errorCount < policy.ErrorThreshold {
		return nil
	}

	totalWindowCount, err := m.counter.Count(ctx, store.Filter{From: from})
	if err != nil {
		return fmt.Errorf("count window total: %w", err)
	}

	return m.trigger(ctx, policy, "error_threshold", "critical", map[string]any{
		"errorCount":       errorCount,
		"threshold":        policy.ErrorThreshold,
		"totalWindowCount": totalWindowCount,
		"windowMinutes":    policy.WindowMinutes,
	})
}

func (m *Manager) evaluateNoLogs(ctx context.Context, policy Policy) error {
	from := time.Now().Add(-time.Duration(policy.NoLogsThresholdMinutes) * time.Minute).UTC().Format(time.RFC3339)
	total, err := m.counter.Count(ctx, store.Filter{From: from})
	if err != nil {
		return fmt.Errorf("count recent: %w", err)
	}
	if total != 0 {
		return nil
	}

	return m.trigger(ctx, policy, "no_logs", "warning", map[string]any{
		"thresholdMinutes": policy.NoLogsThresholdMinutes,
	})
}

// trigger applies per-rule cooldown suppression and, if not suppressed,
// delivers the webhook.
func (m *Manager) trigger(ctx context.Context, policy Policy, rule, severity string, details map[string]any) error {
	now := time.Now()

	m.mu.Lock()
	last, hasLast := m.state.LastTriggerAtByRule[rule]
	if hasLast && now.Sub(last) < time.Duration(policy.CooldownMs)*time.Millisecond {
		m.state.Suppressed++
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	payload := WebhookPayload{
		Source:      "mikroscope",
		Rule:        rule,
		Severity:    severity,
		TriggeredAt: now.UTC().Format(time.RFC3339Nano),
		ServiceURL:  m.serviceURL,
		Details:     details,
	}

	_, err := deliverWebhook(ctx, m.httpClient, policy.WebhookURL, payload,
		policy.WebhookRetryAttempts,
		time.Duration(policy.WebhookTimeoutMs)*time.Millisecond,
		time.Duration(policy.WebhookBackoffMs)*time.Millisecond,
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		return err
	}
	m.state.LastTriggerAtByRule[rule] = now
	m.state.Sent++
	return nil
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.LastError = err.Error()
	m.logger.Warn("alert cycle error", "error", err)
}

// TestWebhookResult is returned by TestWebhook.
type TestWebhookResult struct {
	OK        bool
	SentAt    string
	TargetURL string
	Error     string
}

// TestWebhook sends a manual_test payload through the full retry
// machinery to either the override URL or the configured one.
func (m *Manager) TestWebhook(ctx context.Context, overrideURL *string) TestWebhookResult {
	policy := m.Policy()
	target := policy.WebhookURL
	if overrideURL != nil {
		target = *overrideURL
	}
	if target == "" {
		return TestWebhookResult{OK: false, Error: "no webhook URL configured"}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	payload := WebhookPayload{
		Source:      "mikroscope",
		Rule:        "manual_test",
		Severity:    "warning",
		TriggeredAt: now,
		ServiceURL:  m.serviceURL,
		Details:     map[string]any{"message": "manual test webhook from mikroscope"},
	}

	_, err := deliverWebhook(ctx, m.httpClient, target, payload,
		policy.WebhookRetryAttempts,
		time.Duration(policy.WebhookTimeoutMs)*time.Millisecond,
		time.Duration(policy.WebhookBackoffMs)*time.Millisecond,
	)
	if err != nil {
		return TestWebhookResult{OK: false, TargetURL: target, Error: err.Error()}
	}
	return TestWebhookResult{OK: true, SentAt: now, TargetURL: target}
}

// UpdatePolicy merges patch onto the current policy, validates, persists,
// and reschedules the timer: a cleared timer if newly disabled, a fresh
// one if newly enabled with a URL.
func (m *Manager) UpdatePolicy(ctx context.Context, patch PolicyPatch) (Policy, error) {
	m.mu.Lock()
	merged := m.policy.Apply(patch)
	m.mu.Unlock()

	if err := merged.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid alert policy: %w", err)
	}
	if err := savePolicyFile(m.configPath, merged); err != nil {
		return Policy{}, err
	}

	m.mu.Lock()
	m.policy = merged
	m.mu.Unlock()

	m.Stop()
	if merged.Enabled && merged.WebhookURL != "" {
		m.Start(ctx)
	}

	return merged, nil
}
