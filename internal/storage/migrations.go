package storage

import (
	"time"
)

// Migration represents a database migration
type Migration struct {
	ID          int       `db:"id"`
	Version     string    `db:"version"`
	Description string    `db:"description"`
	SQL         string    `db:"sql"`
	AppliedAt   time.Time `db:"applied_at"`
}

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create projects table",
			SQL: `
				CREATE TABLE IF NOT EXISTS projects (
					id TEXT PRIMARY KEY,
					audit_uuid TEXT NOT NULL UNIQUE,
					title TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					owner_id TEXT NOT NULL,
					requested_amount INTEGER NOT NULL,
					collected_amount INTEGER NOT NULL DEFAULT 0,
					enforce_cap BOOLEAN NOT NULL DEFAULT TRUE,
					status TEXT NOT NULL DEFAULT 'draft',
					topic_ref TEXT NOT NULL DEFAULT '',
					validated_by TEXT NOT NULL DEFAULT '',
					validated_at DATETIME,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
				CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id);
			`,
		},
		{
			Version:     "002",
			Description: "Create wallets table",
			SQL: `
				CREATE TABLE IF NOT EXISTS wallets (
					id TEXT PRIMARY KEY,
					owner_kind TEXT NOT NULL,
					owner_id TEXT NOT NULL,
					account_id TEXT NOT NULL,
					encrypted_secret TEXT NOT NULL,
					degraded BOOLEAN NOT NULL DEFAULT FALSE,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_wallets_owner ON wallets(owner_kind, owner_id);
				CREATE INDEX IF NOT EXISTS idx_wallets_account ON wallets(account_id);
			`,
		},
		{
			Version:     "003",
			Description: "Create contributions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS contributions (
					id TEXT PRIMARY KEY,
					audit_uuid TEXT NOT NULL UNIQUE,
					project_id TEXT NOT NULL,
					contributor_id TEXT NOT NULL,
					contributor_name TEXT NOT NULL DEFAULT '',
					anonymous BOOLEAN NOT NULL DEFAULT FALSE,
					amount INTEGER NOT NULL,
					tx_ref TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT 'pending',
					failure_reason TEXT NOT NULL DEFAULT '',
					timed_out BOOLEAN NOT NULL DEFAULT FALSE,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					confirmed_at DATETIME,
					FOREIGN KEY (project_id) REFERENCES projects (id)
				);

				CREATE INDEX IF NOT EXISTS idx_contributions_project ON contributions(project_id);
				CREATE INDEX IF NOT EXISTS idx_contributions_contributor ON contributions(contributor_id);
				CREATE INDEX IF NOT EXISTS idx_contributions_status ON contributions(status);
				CREATE INDEX IF NOT EXISTS idx_contributions_timed_out ON contributions(timed_out);
			`,
		},
		{
			Version:     "004",
			Description: "Create notarization_topics table",
			SQL: `
				CREATE TABLE IF NOT EXISTS notarization_topics (
					id TEXT PRIMARY KEY,
					project_id TEXT NOT NULL,
					topic_ref TEXT NOT NULL,
					creation_tx_ref TEXT NOT NULL DEFAULT '',
					message_count INTEGER NOT NULL DEFAULT 0,
					last_message_at DATETIME,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					FOREIGN KEY (project_id) REFERENCES projects (id)
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_topics_project ON notarization_topics(project_id);
				CREATE INDEX IF NOT EXISTS idx_topics_ref ON notarization_topics(topic_ref);
			`,
		},
		{
			Version:     "005",
			Description: "Create notarization_messages table",
			SQL: `
				CREATE TABLE IF NOT EXISTS notarization_messages (
					id TEXT PRIMARY KEY,
					topic_id TEXT NOT NULL,
					sequence_number INTEGER NOT NULL,
					consensus_timestamp DATETIME NOT NULL,
					message_type TEXT NOT NULL DEFAULT 'OTHER',
					content TEXT NOT NULL, -- JSON
					tx_ref TEXT NOT NULL DEFAULT '',
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					FOREIGN KEY (topic_id) REFERENCES notarization_topics (id)
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_unique ON notarization_messages(topic_id, sequence_number);
				CREATE INDEX IF NOT EXISTS idx_messages_type ON notarization_messages(message_type);
			`,
		},
		{
			Version:     "006",
			Description: "Create audit_log table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_log (
					id TEXT PRIMARY KEY,
					audit_uuid TEXT NOT NULL,
					actor TEXT NOT NULL,
					action TEXT NOT NULL,
					entity_kind TEXT NOT NULL,
					entity_id TEXT NOT NULL,
					detail TEXT, -- JSON
					origin TEXT NOT NULL DEFAULT '',
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_kind, entity_id);
				CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);
				CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
				CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_log(created_at);
			`,
		},
		{
			Version:     "007",
			Description: "Create system_state table",
			SQL: `
				CREATE TABLE IF NOT EXISTS system_state (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);

				INSERT OR IGNORE INTO system_state (key, value) VALUES ('last_reconcile_run', '');
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create projects table",
			SQL: `
				CREATE TABLE IF NOT EXISTS projects (
					id TEXT PRIMARY KEY,
					audit_uuid TEXT NOT NULL UNIQUE,
					title TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					owner_id TEXT NOT NULL,
					requested_amount BIGINT NOT NULL,
					collected_amount BIGINT NOT NULL DEFAULT 0,
					enforce_cap BOOLEAN NOT NULL DEFAULT TRUE,
					status TEXT NOT NULL DEFAULT 'draft',
					topic_ref TEXT NOT NULL DEFAULT '',
					validated_by TEXT NOT NULL DEFAULT '',
					validated_at TIMESTAMP WITH TIME ZONE,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
				CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id);
			`,
		},
		{
			Version:     "002",
			Description: "Create wallets table",
			SQL: `
				CREATE TABLE IF NOT EXISTS wallets (
					id TEXT PRIMARY KEY,
					owner_kind TEXT NOT NULL,
					owner_id TEXT NOT NULL,
					account_id TEXT NOT NULL,
					encrypted_secret TEXT NOT NULL,
					degraded BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_wallets_owner ON wallets(owner_kind, owner_id);
				CREATE INDEX IF NOT EXISTS idx_wallets_account ON wallets(account_id);
			`,
		},
		{
			Version:     "003",
			Description: "Create contributions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS contributions (
					id TEXT PRIMARY KEY,
					audit_uuid TEXT NOT NULL UNIQUE,
					project_id TEXT NOT NULL,
					contributor_id TEXT NOT NULL,
					contributor_name TEXT NOT NULL DEFAULT '',
					anonymous BOOLEAN NOT NULL DEFAULT FALSE,
					amount BIGINT NOT NULL,
					tx_ref TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT 'pending',
					failure_reason TEXT NOT NULL DEFAULT '',
					timed_out BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					confirmed_at TIMESTAMP WITH TIME ZONE,
					CONSTRAINT fk_contributions_project FOREIGN KEY (project_id) REFERENCES projects (id)
				);

				CREATE INDEX IF NOT EXISTS idx_contributions_project ON contributions(project_id);
				CREATE INDEX IF NOT EXISTS idx_contributions_contributor ON contributions(contributor_id);
				CREATE INDEX IF NOT EXISTS idx_contributions_status ON contributions(status);
				CREATE INDEX IF NOT EXISTS idx_contributions_timed_out ON contributions(timed_out);
			`,
		},
		{
			Version:     "004",
			Description: "Create notarization_topics table",
			SQL: `
				CREATE TABLE IF NOT EXISTS notarization_topics (
					id TEXT PRIMARY KEY,
					project_id TEXT NOT NULL,
					topic_ref TEXT NOT NULL,
					creation_tx_ref TEXT NOT NULL DEFAULT '',
					message_count BIGINT NOT NULL DEFAULT 0,
					last_message_at TIMESTAMP WITH TIME ZONE,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					CONSTRAINT fk_topics_project FOREIGN KEY (project_id) REFERENCES projects (id)
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_topics_project ON notarization_topics(project_id);
				CREATE INDEX IF NOT EXISTS idx_topics_ref ON notarization_topics(topic_ref);
			`,
		},
		{
			Version:     "005",
			Description: "Create notarization_messages table",
			SQL: `
				CREATE TABLE IF NOT EXISTS notarization_messages (
					id TEXT PRIMARY KEY,
					topic_id TEXT NOT NULL,
					sequence_number BIGINT NOT NULL,
					consensus_timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
					message_type TEXT NOT NULL DEFAULT 'OTHER',
					content JSONB NOT NULL,
					tx_ref TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					CONSTRAINT fk_messages_topic FOREIGN KEY (topic_id) REFERENCES notarization_topics (id)
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_unique ON notarization_messages(topic_id, sequence_number);
				CREATE INDEX IF NOT EXISTS idx_messages_type ON notarization_messages(message_type);
			`,
		},
		{
			Version:     "006",
			Description: "Create audit_log table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_log (
					id TEXT PRIMARY KEY,
					audit_uuid TEXT NOT NULL,
					actor TEXT NOT NULL,
					action TEXT NOT NULL,
					entity_kind TEXT NOT NULL,
					entity_id TEXT NOT NULL,
					detail JSONB,
					origin TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_kind, entity_id);
				CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);
				CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
				CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_log(created_at);
			`,
		},
		{
			Version:     "007",
			Description: "Create system_state table",
			SQL: `
				CREATE TABLE IF NOT EXISTS system_state (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
				);

				INSERT INTO system_state (key, value) VALUES ('last_reconcile_run', '')
				ON CONFLICT (key) DO NOTHING;
			`,
		},
	}
}
