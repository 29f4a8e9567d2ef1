// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package alerting

import (
	"fmt"
	"strconv"
	"time"

	"storj.io/datasync/catalog"
)

// Governance facts are carried in the catalog entry's sync metadata
// under these keys.
const (
	metaQualityScore     = "quality_score"
	metaPII              = "pii"
	metaPIIProtected     = "pii_protected"
	metaRetentionUntil   = "retention_until"
	metaLastSchemaChange = "last_schema_change"
	metaFragmentation    = "fragmentation_ratio"
	metaAccessCount      = "access_count"
	metaAccessBaseline   = "access_baseline"
	metaCompliance       = "compliance_violations"
	metaLastError        = "last_error"
)

// ChecksConfig tunes the built-in governance checks.
type ChecksConfig struct {
	StaleAfter          time.Duration `help:"age after which a listening table counts as stale" default:"24h"`
	SchemaChangeWindow  time.Duration `help:"how recent a schema change must be to alert" default:"1h"`
	MinQualityScore     float64       `help:"quality score below which an alert fires" default:"0.7"`
	MaxFragmentation    float64       `help:"fragmentation ratio above which an alert fires" default:"0.5"`
	AccessAnomalyFactor float64       `help:"multiple of the access baseline beyond which an alert fires" default:"3"`
}

// Snapshot is the state a check run evaluates against.
type Snapshot struct {
	Entries []catalog.Entry
	Rules   []Rule
	Now     time.Time
}

// threshold returns the rule-configured threshold for a check type, or
// the fallback when no enabled rule overrides it.
func (snap *Snapshot) threshold(checkType string, fallback float64) float64 {
	for _, rule := range snap.Rules {
		if rule.Enabled && rule.Type == checkType {
			return rule.Threshold
		}
	}
	return fallback
}

// Check is one named governance scan over the catalog snapshot.
type Check struct {
	Name string
	Run  func(snap *Snapshot) []Alert
}

// DefaultChecks returns the built-in governance checks.
func DefaultChecks(config ChecksConfig) []Check {
	return []Check{
		{Name: "stale_freshness", Run: checkStaleFreshness(config)},
		{Name: "sync_error", Run: checkSyncError},
		{Name: "schema_change", Run: checkSchemaChange(config)},
		{Name: "low_quality_score", Run: checkQualityScore(config)},
		{Name: "unprotected_pii", Run: checkUnprotectedPII},
		{Name: "access_anomaly", Run: checkAccessAnomaly(config)},
		{Name: "retention_expired", Run: checkRetentionExpired},
		{Name: "fragmentation", Run: checkFragmentation(config)},
		{Name: "compliance_violation", Run: checkComplianceViolation},
	}
}

func checkStaleFreshness(config ChecksConfig) func(snap *Snapshot) []Alert {
	return func(snap *Snapshot) []Alert {
		var alerts []Alert
		for _, entry := range snap.Entries {
			if entry.Status != catalog.StatusListeningChanges {
				continue
			}
			age := snap.Now.Sub(entry.UpdatedAt)
			if age <= config.StaleAfter {
				continue
			}
			alerts = append(alerts, entryAlert(entry, "stale_freshness", SeverityWarning,
				"Stale table freshness",
				fmt.Sprintf("table %s.%s has not synced for %s", entry.Schema, entry.Table, age.Round(time.Minute))))
		}
		return alerts
	}
}

func checkSyncError(snap *Snapshot) []Alert {
	var alerts []Alert
	for _, entry := range snap.Entries {
		if entry.Status != catalog.StatusError {
			continue
		}
		alert := entryAlert(entry, "sync_error", SeverityCritical,
			"Table replication failed",
			fmt.Sprintf("table %s.%s is in ERROR state", entry.Schema, entry.Table))
		if reason, ok := entry.SyncMetadata[metaLastError]; ok {
			alert.Metadata["error"] = reason
		}
		alerts = append(alerts, alert)
	}
	return alerts
}

func checkSchemaChange(config ChecksConfig) func(snap *Snapshot) []Alert {
	return func(snap *Snapshot) []Alert {
		var alerts []Alert
		for _, entry := range snap.Entries {
			changed, ok := metaTime(entry, metaLastSchemaChange)
			if !ok || snap.Now.Sub(changed) > config.SchemaChangeWindow {
				continue
			}
			alerts = append(alerts, entryAlert(entry, "schema_change", SeverityInfo,
				"Recent schema change",
				fmt.Sprintf("table %s.%s changed shape at %s", entry.Schema, entry.Table, changed.Format(time.RFC3339))))
		}
		return alerts
	}
}

func checkQualityScore(config ChecksConfig) func(snap *Snapshot) []Alert {
	return func(snap *Snapshot) []Alert {
		var alerts []Alert
		min := snap.threshold("low_quality_score", config.MinQualityScore)
		for _, entry := range snap.Entries {
			score, ok := metaFloat(entry, metaQualityScore)
			if !ok || score >= min {
				continue
			}
			alert := entryAlert(entry, "low_quality_score", SeverityWarning,
				"Low data quality score",
				fmt.Sprintf("table %s.%s scores %.2f, below %.2f", entry.Schema, entry.Table, score, min))
			alert.Metadata["score"] = strconv.FormatFloat(score, 'f', 2, 64)
			alerts = append(alerts, alert)
		}
		return alerts
	}
}

func checkUnprotectedPII(snap *Snapshot) []Alert {
	var alerts []Alert
	for _, entry := range snap.Entries {
		if entry.SyncMetadata[metaPII] != "true" {
			continue
		}
		if entry.SyncMetadata[metaPIIProtected] == "true" {
			continue
		}
		alerts = append(alerts, entryAlert(entry, "unprotected_pii", SeverityCritical,
			"Unprotected PII",
			fmt.Sprintf("table %s.%s carries PII without protection", entry.Schema, entry.Table)))
	}
	return alerts
}

func checkAccessAnomaly(config ChecksConfig) func(snap *Snapshot) []Alert {
	return func(snap *Snapshot) []Alert {
		var alerts []Alert
		factor := snap.threshold("access_anomaly", config.AccessAnomalyFactor)
		for _, entry := range snap.Entries {
			count, ok := metaFloat(entry, metaAccessCount)
			if !ok {
				continue
			}
			baseline, ok := metaFloat(entry, metaAccessBaseline)
			if !ok || baseline <= 0 {
				continue
			}
			// Both a surge and a drop count as anomalous.
			if count <= baseline*factor && count >= baseline/factor {
				continue
			}
			alert := entryAlert(entry, "access_anomaly", SeverityWarning,
				"Access pattern anomaly",
				fmt.Sprintf("table %s.%s saw %.0f accesses against a baseline of %.0f", entry.Schema, entry.Table, count, baseline))
			alert.Metadata["access_count"] = strconv.FormatFloat(count, 'f', 0, 64)
			alert.Metadata["baseline"] = strconv.FormatFloat(baseline, 'f', 0, 64)
			alerts = append(alerts, alert)
		}
		return alerts
	}
}

func checkRetentionExpired(snap *Snapshot) []Alert {
	var alerts []Alert
	for _, entry := range snap.Entries {
		until, ok := metaTime(entry, metaRetentionUntil)
		if !ok || until.After(snap.Now) {
			continue
		}
		alerts = append(alerts, entryAlert(entry, "retention_expired", SeverityWarning,
			"Retention period expired",
			fmt.Sprintf("table %s.%s passed its retention deadline %s", entry.Schema, entry.Table, until.Format("2006-01-02"))))
	}
	return alerts
}

func checkFragmentation(config ChecksConfig) func(snap *Snapshot) []Alert {
	return func(snap *Snapshot) []Alert {
		var alerts []Alert
		max := snap.threshold("fragmentation", config.MaxFragmentation)
		for _, entry := range snap.Entries {
			ratio, ok := metaFloat(entry, metaFragmentation)
			if !ok || ratio <= max {
				continue
			}
			alerts = append(alerts, entryAlert(entry, "fragmentation", SeverityWarning,
				"Table fragmentation high",
				fmt.Sprintf("table %s.%s fragmentation %.0f%% exceeds %.0f%%", entry.Schema, entry.Table, ratio*100, max*100)))
		}
		return alerts
	}
}

func checkComplianceViolation(snap *Snapshot) []Alert {
	var alerts []Alert
	for _, entry := range snap.Entries {
		violations := entry.SyncMetadata[metaCompliance]
		if violations == "" {
			continue
		}
		alert := entryAlert(entry, "compliance_violation", SeverityCritical,
			"Compliance violation",
			fmt.Sprintf("table %s.%s violates: %s", entry.Schema, entry.Table, violations))
		alert.Metadata["violations"] = violations
		alerts = append(alerts, alert)
	}
	return alerts
}

func entryAlert(entry catalog.Entry, alertType string, severity Severity, title, message string) Alert {
	return Alert{
		Type:     alertType,
		Severity: severity,
		Title:    title,
		Message:  message,
		Schema:   entry.Schema,
		Table:    entry.Table,
		Source:   string(entry.Engine),
		Status:   StatusOpen,
		Metadata: map[string]string{},
	}
}

func metaFloat(entry catalog.Entry, key string) (float64, bool) {
	raw, ok := entry.SyncMetadata[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	return v, err == nil
}

func metaTime(entry catalog.Entry, key string) (time.Time, bool) {
	raw, ok := entry.SyncMetadata[key]
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
