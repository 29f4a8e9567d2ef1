// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package alerting evaluates governance checks over the catalog and
// fans alerts out to webhook subscribers.
package alerting

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

// Error is the default error class for the alerting package.
var Error = errs.Class("alerting")

var mon = monkit.Package()

// Severity grades an alert.
type Severity string

// Alert severities, ordered.
const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Status tracks the triage state of an alert.
type Status string

// Alert statuses. Alerts are append-only; only the status moves.
const (
	StatusOpen         Status = "OPEN"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResolved     Status = "RESOLVED"
)

// Alert is one governance finding scoped to a schema, table or column.
type Alert struct {
	ID         int64
	Type       string
	Severity   Severity
	Title      string
	Message    string
	Schema     string
	Table      string
	Column     string
	Source     string
	Status     Status
	AssignedTo string
	ResolvedAt *time.Time
	Metadata   map[string]string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ScopeKey identifies the alert for deduplication: one open alert per
// (type, scope).
func (alert Alert) ScopeKey() string {
	return alert.Type + "|" + alert.Schema + "|" + alert.Table + "|" + alert.Column
}

// Rule is an operator-managed alert rule: a named condition with a
// threshold, evaluated by the matching check.
type Rule struct {
	ID        int64
	Name      string
	Type      string
	Severity  Severity
	Condition string
	Threshold float64
	Enabled   bool
	Channels  []string
}

// WebhookType selects the delivery adapter.
type WebhookType string

// Supported webhook delivery channels.
const (
	WebhookHTTP     WebhookType = "HTTP"
	WebhookSlack    WebhookType = "SLACK"
	WebhookTeams    WebhookType = "TEAMS"
	WebhookTelegram WebhookType = "TELEGRAM"
	WebhookEmail    WebhookType = "EMAIL"
)

// Webhook is one delivery subscription with its channel credentials and
// level and category filters.
type Webhook struct {
	ID            int64
	Name          string
	Type          WebhookType
	URL           string
	APIKey        string
	BotToken      string
	ChatID        string
	Email         string
	LogLevels     []string
	LogCategories []string
	Enabled       bool
}

// Accepts reports whether the subscription wants this envelope. Empty
// filter lists accept everything.
func (webhook Webhook) Accepts(envelope Envelope) bool {
	if len(webhook.LogLevels) > 0 {
		matched := false
		for _, level := range webhook.LogLevels {
			if Severity(level) == envelope.Severity {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(webhook.LogCategories) > 0 {
		matched := false
		for _, category := range webhook.LogCategories {
			if category == envelope.EventType {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// DB persists alerts, rules and webhook subscriptions.
//
// architecture: Database
type DB interface {
	// CreateAlert appends a new alert and returns it with ID and
	// timestamps filled in.
	CreateAlert(ctx context.Context, alert Alert) (Alert, error)
	// ListOpenAlerts returns alerts not yet resolved.
	ListOpenAlerts(ctx context.Context) ([]Alert, error)
	// UpdateAlertStatus moves an alert through triage.
	UpdateAlertStatus(ctx context.Context, id int64, status Status, assignedTo string) error

	// ListRules returns rules, optionally only enabled ones.
	ListRules(ctx context.Context, enabledOnly bool) ([]Rule, error)
	// UpsertRule inserts or updates a rule by name.
	UpsertRule(ctx context.Context, rule Rule) error

	// ListWebhooks returns webhook subscriptions, optionally only
	// enabled ones.
	ListWebhooks(ctx context.Context, enabledOnly bool) ([]Webhook, error)
	// UpsertWebhook inserts or updates a webhook by name.
	UpsertWebhook(ctx context.Context, webhook Webhook) error
}
