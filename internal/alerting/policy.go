// Package alerting implements the alerting manager (spec component C5): a
// periodic rule evaluator with a persisted, live-reconfigurable policy,
// per-rule cooldown suppression, and a bounded-retry webhook client that
// distinguishes retryable from terminal failures.
package alerting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Policy is the persisted alert configuration (spec §4.5). Its fields are
// plain values; PolicyPatch uses pointer fields to distinguish "absent from
// a patch" from "explicitly zero" during merges.
type Policy struct {
	Enabled                bool   `json:"enabled"`
	WebhookURL             string `json:"webhookUrl,omitempty"`
	IntervalMs             int64  `json:"intervalMs"`
	WindowMinutes          int64  `json:"windowMinutes"`
	ErrorThreshold         int64  `json:"errorThreshold"`
	NoLogsThresholdMinutes int64  `json:"noLogsThresholdMinutes"`
	CooldownMs             int64  `json:"cooldownMs"`
	WebhookTimeoutMs       int64  `json:"webhookTimeoutMs"`
	WebhookRetryAttempts   int    `json:"webhookRetryAttempts"`
	WebhookBackoffMs       int64  `json:"webhookBackoffMs"`
}

// PolicyPatch is a partial update accepted by PUT /api/alerts/config; nil
// fields are left unchanged.
type PolicyPatch struct {
	Enabled                *bool
	WebhookURL             *string
	IntervalMs             *int64
	WindowMinutes          *int64
	ErrorThreshold         *int64
	NoLogsThresholdMinutes *int64
	CooldownMs             *int64
	WebhookTimeoutMs       *int64
	WebhookRetryAttempts   *int
	WebhookBackoffMs       *int64
}

// DefaultPolicy returns the seed policy before any environment/CLI
// overrides or persisted overlay are applied.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:                false,
		IntervalMs:             30_000,
		WindowMinutes:          5,
		ErrorThreshold:         20,
		NoLogsThresholdMinutes: 0,
		CooldownMs:             300_000,
		WebhookTimeoutMs:       5_000,
		WebhookRetryAttempts:   3,
		WebhookBackoffMs:       250,
	}
}

// Apply merges patch fields onto a copy of p.
func (p Policy) Apply(patch PolicyPatch) Policy {
	out := p
	if patch.Enabled != nil {
		out.Enabled = *patch.Enabled
	}
	if patch.WebhookURL != nil {
		out.WebhookURL = *patch.WebhookURL
	}
	if patch.IntervalMs != nil {
		out.IntervalMs = *patch.IntervalMs
	}
	if patch.WindowMinutes != nil {
		out.WindowMinutes = *patch.WindowMinutes
	}
	if patch.ErrorThreshold != nil {
		out.ErrorThreshold = *patch.ErrorThreshold
	}
	if patch.NoLogsThresholdMinutes != nil {
		out.NoLogsThresholdMinutes = *patch.NoLogsThresholdMinutes
	}
	if patch.CooldownMs != nil {
		out.CooldownMs = *patch.CooldownMs
	}
	if patch.WebhookTimeoutMs != nil {
		out.WebhookTimeoutMs = *patch.WebhookTimeoutMs
	}
	if patch.WebhookRetryAttempts != nil {
		out.WebhookRetryAttempts = *patch.WebhookRetryAttempts
	}
	if patch.WebhookBackoffMs != nil {
		out.WebhookBackoffMs = *patch.WebhookBackoffMs
	}
	return out
}

// Validate enforces the bounds table in spec §4.5.
func (p Policy) Validate() error {
	if p.Enabled && p.WebhookURL == "" {
		return fmt.Errorf("enabled requires webhookUrl")
	}
	if p.IntervalMs < 1000 {
		return fmt.Errorf("intervalMs must be >= 1000")
	}
	if p.WindowMinutes < 1 {
		return fmt.Errorf("windowMinutes must be >= 1")
	}
	if p.ErrorThreshold < 1 {
		return fmt.Errorf("errorThreshold must be >= 1")
	}
	if p.NoLogsThresholdMinutes < 0 {
		return fmt.Errorf("noLogsThresholdMinutes must be >= 0")
	}
	if p.CooldownMs < 1000 {
		return fmt.Errorf("cooldownMs must be >= 1000")
	}
	if p.WebhookTimeoutMs < 250 {
		return fmt.Errorf("webhookTimeoutMs must be >= 250")
	}
	if p.WebhookRetryAttempts < 1 {
		return fmt.Errorf("webhookRetryAttempts must be >= 1")
	}
	if p.WebhookBackoffMs < 25 {
		return fmt.Errorf("webhookBackoffMs must be >= 25")
	}
	return nil
}

// Masked returns a copy with WebhookURL replaced by a presence marker,
// never the raw value, for surfaces like /health that must not leak it.
func (p Policy) Masked() Policy {
	out := p
	if out.WebhookURL != "" {
		out.WebhookURL = "[configured]"
	}
	return out
}

// loadPolicyFile reads a persisted policy, overlaying it onto seed. A
// missing file returns seed unchanged.
func loadPolicyFile(path string, seed Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return seed, nil
		}
		return seed, fmt.Errorf("read alert config: %w", err)
	}
	merged := seed
	if err := json.Unmarshal(data, &merged); err != nil {
		return seed, fmt.Errorf("parse alert config: %w", err)
	}
	return merged, nil
}

// savePolicyFile atomically persists policy as JSON at mode 0600,
// creating the parent directory as needed.
func savePolicyFile(path string, policy Policy) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create alert config dir: %w", err)
	}
	data, err := json.MarshalIndent(policy, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal alert config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write alert config temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename alert config into place: %w", err)
	}
	return nil
}
