// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package catalogdb

import (
	"storj.io/datasync/private/dbutil"
	"storj.io/datasync/private/migrate"
)

// Migration returns the schema migration for the catalog store.
func (db *DB) Migration() *migrate.Migration {
	return &migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				DB:          db.db,
				Description: "initial catalog schema",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE catalog_entries (
						schema_name   TEXT NOT NULL,
						table_name    TEXT NOT NULL,
						engine        TEXT NOT NULL,
						connection    TEXT NOT NULL DEFAULT '',
						status        TEXT NOT NULL DEFAULT 'PENDING',
						active        BOOLEAN NOT NULL DEFAULT TRUE,
						cluster       TEXT NOT NULL DEFAULT '',
						pk_columns    TEXT NOT NULL DEFAULT '[]',
						pk_strategy   TEXT NOT NULL DEFAULT 'CDC',
						size          BIGINT NOT NULL DEFAULT 0,
						sync_metadata TEXT NOT NULL DEFAULT '{}',
						created_at    TIMESTAMP NOT NULL,
						updated_at    TIMESTAMP NOT NULL,
						PRIMARY KEY (schema_name, table_name, engine)
					)`,
					`CREATE INDEX catalog_entries_engine_index ON catalog_entries (engine)`,
				},
			},
			{
				DB:          db.db,
				Description: "alerting tables",
				Version:     1,
				Action: migrate.SQL{
					`CREATE TABLE alerts (
						` + db.autoIncrementID() + `,
						alert_type  TEXT NOT NULL,
						severity    TEXT NOT NULL,
						title       TEXT NOT NULL,
						message     TEXT NOT NULL DEFAULT '',
						schema_name TEXT NOT NULL DEFAULT '',
						table_name  TEXT NOT NULL DEFAULT '',
						column_name TEXT NOT NULL DEFAULT '',
						source      TEXT NOT NULL DEFAULT '',
						status      TEXT NOT NULL DEFAULT 'OPEN',
						assigned_to TEXT NOT NULL DEFAULT '',
						resolved_at TIMESTAMP,
						metadata    TEXT NOT NULL DEFAULT '{}',
						created_at  TIMESTAMP NOT NULL,
						updated_at  TIMESTAMP NOT NULL
					)`,
					`CREATE INDEX alerts_status_index ON alerts (status)`,
					`CREATE TABLE alert_rules (
						` + db.autoIncrementID() + `,
						name      TEXT NOT NULL UNIQUE,
						rule_type TEXT NOT NULL,
						severity  TEXT NOT NULL DEFAULT 'WARNING',
						condition TEXT NOT NULL DEFAULT '',
						threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
						enabled   BOOLEAN NOT NULL DEFAULT TRUE,
						channels  TEXT NOT NULL DEFAULT '[]'
					)`,
					`CREATE TABLE webhooks (
						` + db.autoIncrementID() + `,
						name           TEXT NOT NULL UNIQUE,
						webhook_type   TEXT NOT NULL,
						url            TEXT NOT NULL DEFAULT '',
						api_key        TEXT NOT NULL DEFAULT '',
						bot_token      TEXT NOT NULL DEFAULT '',
						chat_id        TEXT NOT NULL DEFAULT '',
						email          TEXT NOT NULL DEFAULT '',
						log_levels     TEXT NOT NULL DEFAULT '[]',
						log_categories TEXT NOT NULL DEFAULT '[]',
						enabled        BOOLEAN NOT NULL DEFAULT TRUE
					)`,
				},
			},
			{
				DB:          db.db,
				Description: "process log",
				Version:     2,
				Action: migrate.SQL{
					`CREATE TABLE process_log (
						` + db.autoIncrementID() + `,
						run_id         TEXT NOT NULL,
						entity         TEXT NOT NULL,
						status         TEXT NOT NULL,
						rows_processed BIGINT NOT NULL DEFAULT 0,
						error          TEXT NOT NULL DEFAULT '',
						metadata       TEXT NOT NULL DEFAULT '{}',
						started_at     TIMESTAMP NOT NULL,
						finished_at    TIMESTAMP
					)`,
					`CREATE INDEX process_log_entity_index ON process_log (entity, started_at)`,
				},
			},
			{
				DB:          db.db,
				Description: "transformation lineage",
				Version:     3,
				Action: migrate.SQL{
					`CREATE TABLE transformation_lineage (
						` + db.autoIncrementID() + `,
						pipeline       TEXT NOT NULL,
						step           TEXT NOT NULL DEFAULT '',
						run_id         TEXT NOT NULL DEFAULT '',
						input_schemas  TEXT NOT NULL DEFAULT '[]',
						input_tables   TEXT NOT NULL DEFAULT '[]',
						input_columns  TEXT NOT NULL DEFAULT '[]',
						output_schemas TEXT NOT NULL DEFAULT '[]',
						output_tables  TEXT NOT NULL DEFAULT '[]',
						output_columns TEXT NOT NULL DEFAULT '[]',
						rows_processed BIGINT NOT NULL DEFAULT 0,
						duration_ms    BIGINT NOT NULL DEFAULT 0,
						success        BOOLEAN NOT NULL DEFAULT TRUE,
						error          TEXT NOT NULL DEFAULT '',
						created_at     TIMESTAMP NOT NULL
					)`,
					`CREATE INDEX transformation_lineage_pipeline_index ON transformation_lineage (pipeline, created_at)`,
				},
			},
			{
				DB:          db.db,
				Description: "retire OFFSET pk strategy",
				Version:     4,
				Action: migrate.SQL{
					`UPDATE catalog_entries SET pk_strategy = 'CDC' WHERE pk_strategy = 'OFFSET'`,
				},
			},
		},
	}
}

// autoIncrementID renders the auto-assigned id column for the
// implementation.
func (db *DB) autoIncrementID() string {
	if db.impl == dbutil.Postgres {
		return `id BIGSERIAL NOT NULL PRIMARY KEY`
	}
	return `id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT`
}
