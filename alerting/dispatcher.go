// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"
)

// errChannelUnsupported marks webhook types without a delivery adapter.
var errChannelUnsupported = Error.New("channel has no delivery adapter")

// DispatcherConfig configures webhook fan-out.
type DispatcherConfig struct {
	Timeout     time.Duration `help:"timeout of a single webhook delivery" default:"10s"`
	Parallelism int           `help:"maximum webhook deliveries in flight" default:"4"`
}

// Dispatcher fans alert envelopes out to all matching subscribers.
// Delivery is best-effort: failures are logged and counted, never
// retried and never surfaced to the caller.
type Dispatcher struct {
	log    *zap.Logger
	db     DB
	config DispatcherConfig
	client *http.Client
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(log *zap.Logger, db DB, config DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		log:    log,
		db:     db,
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Dispatch delivers the envelope to every enabled subscriber whose level
// and category filters accept it.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, envelope Envelope) (err error) {
	defer mon.Task()(&ctx)(&err)

	webhooks, err := dispatcher.db.ListWebhooks(ctx, true)
	if err != nil {
		return Error.Wrap(err)
	}

	limiter := sync2.NewLimiter(dispatcher.config.Parallelism)
	defer limiter.Wait()

	for _, webhook := range webhooks {
		if !webhook.Accepts(envelope) {
			continue
		}
		webhook := webhook
		started := limiter.Go(ctx, func() {
			dispatcher.deliverOne(ctx, webhook, envelope)
		})
		if !started {
			return ctx.Err()
		}
	}
	return nil
}

func (dispatcher *Dispatcher) deliverOne(ctx context.Context, webhook Webhook, envelope Envelope) {
	err := dispatcher.deliver(ctx, webhook, envelope)
	switch {
	case err == nil:
		mon.Counter("webhook_delivered").Inc(1)
		dispatcher.log.Debug("webhook delivered",
			zap.String("webhook", webhook.Name),
			zap.String("type", string(webhook.Type)))
	case errors.Is(err, errChannelUnsupported):
		dispatcher.log.Debug("webhook channel not supported",
			zap.String("webhook", webhook.Name),
			zap.String("type", string(webhook.Type)))
	default:
		mon.Counter("webhook_failed").Inc(1)
		dispatcher.log.Warn("webhook delivery failed",
			zap.String("webhook", webhook.Name),
			zap.String("type", string(webhook.Type)),
			zap.Error(err))
	}
}

func (dispatcher *Dispatcher) deliver(ctx context.Context, webhook Webhook, envelope Envelope) error {
	url, payload, err := buildPayload(webhook, envelope)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, dispatcher.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if webhook.Type == WebhookHTTP && webhook.APIKey != "" {
		req.Header.Set("X-API-Key", webhook.APIKey)
	}

	resp, err := dispatcher.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Error.New("unexpected status %s", resp.Status)
	}
	return nil
}

// buildPayload reshapes the envelope into the channel-native message and
// resolves the delivery URL.
func buildPayload(webhook Webhook, envelope Envelope) (url string, payload []byte, err error) {
	switch webhook.Type {
	case WebhookHTTP:
		payload, err = json.Marshal(envelope)
		return webhook.URL, payload, Error.Wrap(err)
	case WebhookSlack:
		payload, err = json.Marshal(slackMessage(envelope))
		return webhook.URL, payload, Error.Wrap(err)
	case WebhookTeams:
		payload, err = json.Marshal(teamsMessage(envelope))
		return webhook.URL, payload, Error.Wrap(err)
	case WebhookTelegram:
		url = webhook.URL
		if url == "" {
			url = "https://api.telegram.org/bot" + webhook.BotToken + "/sendMessage"
		}
		payload, err = json.Marshal(telegramMessage(webhook.ChatID, envelope))
		return url, payload, Error.Wrap(err)
	default:
		return "", nil, errChannelUnsupported
	}
}

func slackMessage(envelope Envelope) map[string]interface{} {
	fields := []map[string]interface{}{
		{"title": "Severity", "value": string(envelope.Severity), "short": true},
		{"title": "Event", "value": envelope.EventType, "short": true},
	}
	if envelope.SchemaName != "" {
		fields = append(fields, map[string]interface{}{
			"title": "Table", "value": scopeName(envelope), "short": true,
		})
	}
	if envelope.ErrorMessage != "" {
		fields = append(fields, map[string]interface{}{
			"title": "Error", "value": envelope.ErrorMessage, "short": false,
		})
	}
	return map[string]interface{}{
		"text": envelope.Title,
		"attachments": []map[string]interface{}{{
			"color":  slackColor(envelope.Severity),
			"text":   envelope.Message,
			"fields": fields,
			"ts":     envelope.Timestamp.Unix(),
		}},
	}
}

func slackColor(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

func teamsMessage(envelope Envelope) map[string]interface{} {
	facts := []map[string]string{
		{"name": "Severity", "value": string(envelope.Severity)},
		{"name": "Event", "value": envelope.EventType},
	}
	if envelope.SchemaName != "" {
		facts = append(facts, map[string]string{"name": "Table", "value": scopeName(envelope)})
	}
	if envelope.ErrorMessage != "" {
		facts = append(facts, map[string]string{"name": "Error", "value": envelope.ErrorMessage})
	}
	return map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": teamsColor(envelope.Severity),
		"summary":    envelope.Title,
		"sections": []map[string]interface{}{{
			"activityTitle": envelope.Title,
			"text":          envelope.Message,
			"facts":         facts,
		}},
	}
}

func teamsColor(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return "D73A49"
	case SeverityWarning:
		return "FFAB00"
	default:
		return "2EB67D"
	}
}

func telegramMessage(chatID string, envelope Envelope) map[string]interface{} {
	text := fmt.Sprintf("*%s*\n%s\n\n*Severity:* %s\n*Event:* %s",
		envelope.Title, envelope.Message, envelope.Severity, envelope.EventType)
	if envelope.SchemaName != "" {
		text += "\n*Table:* " + scopeName(envelope)
	}
	if envelope.ErrorMessage != "" {
		text += "\n*Error:* " + envelope.ErrorMessage
	}
	return map[string]interface{}{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
}

func scopeName(envelope Envelope) string {
	if envelope.TableName == "" {
		return envelope.SchemaName
	}
	return envelope.SchemaName + "." + envelope.TableName
}
