// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package catalogdb

import (
	"context"
	"encoding/json"

	"github.com/zeebo/errs"

	"storj.io/datasync/alerting"
	"storj.io/datasync/private/dbutil"
)

const alertColumns = `id, alert_type, severity, title, message,
	schema_name, table_name, column_name, source, status, assigned_to,
	resolved_at, metadata, created_at, updated_at`

// CreateAlert appends a new alert.
func (db *DB) CreateAlert(ctx context.Context, alert alerting.Alert) (_ alerting.Alert, err error) {
	defer mon.Task()(&ctx)(&err)

	if alert.Status == "" {
		alert.Status = alerting.StatusOpen
	}
	if alert.Metadata == nil {
		alert.Metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(alert.Metadata)
	if err != nil {
		return alerting.Alert{}, Error.Wrap(err)
	}

	ts := now()
	alert.CreatedAt = ts
	alert.UpdatedAt = ts

	query := `
		INSERT INTO alerts (alert_type, severity, title, message,
			schema_name, table_name, column_name, source, status,
			assigned_to, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []interface{}{
		alert.Type, string(alert.Severity), alert.Title, alert.Message,
		alert.Schema, alert.Table, alert.Column, alert.Source,
		string(alert.Status), alert.AssignedTo, string(metaJSON), ts, ts,
	}

	if db.impl == dbutil.Postgres {
		err = db.db.QueryRowContext(ctx,
			db.rebind(query+` RETURNING id`), args...).Scan(&alert.ID)
		return alert, Error.Wrap(err)
	}

	result, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return alerting.Alert{}, Error.Wrap(err)
	}
	alert.ID, err = result.LastInsertId()
	return alert, Error.Wrap(err)
}

// ListOpenAlerts returns alerts not yet resolved, oldest first.
func (db *DB) ListOpenAlerts(ctx context.Context) (_ []alerting.Alert, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, db.rebind(`
		SELECT `+alertColumns+` FROM alerts
		WHERE status <> ?
		ORDER BY id`), string(alerting.StatusResolved))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var alerts []alerting.Alert
	for rows.Next() {
		var alert alerting.Alert
		var severity, status, metaJSON string
		err := rows.Scan(&alert.ID, &alert.Type, &severity, &alert.Title,
			&alert.Message, &alert.Schema, &alert.Table, &alert.Column,
			&alert.Source, &status, &alert.AssignedTo, &alert.ResolvedAt,
			&metaJSON, &alert.CreatedAt, &alert.UpdatedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		alert.Severity = alerting.Severity(severity)
		alert.Status = alerting.Status(status)
		if err := json.Unmarshal([]byte(metaJSON), &alert.Metadata); err != nil {
			return nil, Error.Wrap(err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, Error.Wrap(rows.Err())
}

// UpdateAlertStatus moves an alert through triage. Resolving stamps
// resolved_at.
func (db *DB) UpdateAlertStatus(ctx context.Context, id int64, status alerting.Status, assignedTo string) (err error) {
	defer mon.Task()(&ctx)(&err)

	ts := now()
	if status == alerting.StatusResolved {
		_, err = db.db.ExecContext(ctx, db.rebind(`
			UPDATE alerts SET status = ?, assigned_to = ?, resolved_at = ?, updated_at = ?
			WHERE id = ?`),
			string(status), assignedTo, ts, ts, id)
		return Error.Wrap(err)
	}
	_, err = db.db.ExecContext(ctx, db.rebind(`
		UPDATE alerts SET status = ?, assigned_to = ?, updated_at = ?
		WHERE id = ?`),
		string(status), assignedTo, ts, id)
	return Error.Wrap(err)
}

// ListRules returns alert rules.
func (db *DB) ListRules(ctx context.Context, enabledOnly bool) (_ []alerting.Rule, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `
		SELECT id, name, rule_type, severity, condition, threshold, enabled, channels
		FROM alert_rules`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY name`

	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var rules []alerting.Rule
	for rows.Next() {
		var rule alerting.Rule
		var severity, channelsJSON string
		err := rows.Scan(&rule.ID, &rule.Name, &rule.Type, &severity,
			&rule.Condition, &rule.Threshold, &rule.Enabled, &channelsJSON)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		rule.Severity = alerting.Severity(severity)
		if err := json.Unmarshal([]byte(channelsJSON), &rule.Channels); err != nil {
			return nil, Error.Wrap(err)
		}
		rules = append(rules, rule)
	}
	return rules, Error.Wrap(rows.Err())
}

// UpsertRule inserts or updates a rule by name.
func (db *DB) UpsertRule(ctx context.Context, rule alerting.Rule) (err error) {
	defer mon.Task()(&ctx)(&err)

	channelsJSON, err := json.Marshal(emptyAsList(rule.Channels))
	if err != nil {
		return Error.Wrap(err)
	}

	_, err = db.db.ExecContext(ctx, db.rebind(`
		INSERT INTO alert_rules (name, rule_type, severity, condition, threshold, enabled, channels)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			rule_type = excluded.rule_type,
			severity  = excluded.severity,
			condition = excluded.condition,
			threshold = excluded.threshold,
			enabled   = excluded.enabled,
			channels  = excluded.channels`),
		rule.Name, rule.Type, string(rule.Severity), rule.Condition,
		rule.Threshold, rule.Enabled, string(channelsJSON))
	return Error.Wrap(err)
}

// ListWebhooks returns webhook subscriptions.
func (db *DB) ListWebhooks(ctx context.Context, enabledOnly bool) (_ []alerting.Webhook, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `
		SELECT id, name, webhook_type, url, api_key, bot_token, chat_id,
			email, log_levels, log_categories, enabled
		FROM webhooks`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY name`

	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var webhooks []alerting.Webhook
	for rows.Next() {
		var webhook alerting.Webhook
		var webhookType, levelsJSON, categoriesJSON string
		err := rows.Scan(&webhook.ID, &webhook.Name, &webhookType,
			&webhook.URL, &webhook.APIKey, &webhook.BotToken, &webhook.ChatID,
			&webhook.Email, &levelsJSON, &categoriesJSON, &webhook.Enabled)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		webhook.Type = alerting.WebhookType(webhookType)
		if err := json.Unmarshal([]byte(levelsJSON), &webhook.LogLevels); err != nil {
			return nil, Error.Wrap(err)
		}
		if err := json.Unmarshal([]byte(categoriesJSON), &webhook.LogCategories); err != nil {
			return nil, Error.Wrap(err)
		}
		webhooks = append(webhooks, webhook)
	}
	return webhooks, Error.Wrap(rows.Err())
}

// UpsertWebhook inserts or updates a webhook by name.
func (db *DB) UpsertWebhook(ctx context.Context, webhook alerting.Webhook) (err error) {
	defer mon.Task()(&ctx)(&err)

	levelsJSON, err := json.Marshal(emptyAsList(webhook.LogLevels))
	if err != nil {
		return Error.Wrap(err)
	}
	categoriesJSON, err := json.Marshal(emptyAsList(webhook.LogCategories))
	if err != nil {
		return Error.Wrap(err)
	}

	_, err = db.db.ExecContext(ctx, db.rebind(`
		INSERT INTO webhooks (name, webhook_type, url, api_key, bot_token,
			chat_id, email, log_levels, log_categories, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			webhook_type   = excluded.webhook_type,
			url            = excluded.url,
			api_key        = excluded.api_key,
			bot_token      = excluded.bot_token,
			chat_id        = excluded.chat_id,
			email          = excluded.email,
			log_levels     = excluded.log_levels,
			log_categories = excluded.log_categories,
			enabled        = excluded.enabled`),
		webhook.Name, string(webhook.Type), webhook.URL, webhook.APIKey,
		webhook.BotToken, webhook.ChatID, webhook.Email,
		string(levelsJSON), string(categoriesJSON), webhook.Enabled)
	return Error.Wrap(err)
}

// emptyAsList keeps stored JSON arrays non-null.
func emptyAsList(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
