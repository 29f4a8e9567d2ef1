// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package alerting

import "time"

// Envelope is the wire shape shared by all webhook channels. Channel
// adapters reshape it into their native message format.
type Envelope struct {
	EventType    string    `json:"event_type"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	Severity     Severity  `json:"severity"`
	Timestamp    time.Time `json:"timestamp"`
	SchemaName   string    `json:"schema_name,omitempty"`
	TableName    string    `json:"table_name,omitempty"`
	DBEngine     string    `json:"db_engine,omitempty"`
	Status       string    `json:"status,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// NewEnvelope converts an alert into its delivery envelope.
func NewEnvelope(alert Alert) Envelope {
	timestamp := alert.CreatedAt
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	return Envelope{
		EventType:    alert.Type,
		Title:        alert.Title,
		Message:      alert.Message,
		Severity:     alert.Severity,
		Timestamp:    timestamp,
		SchemaName:   alert.Schema,
		TableName:    alert.Table,
		DBEngine:     alert.Source,
		Status:       string(alert.Status),
		ErrorMessage: alert.Metadata["error"],
	}
}
