// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// migrations are forward-only. Never edit an applied entry; append a new one.
var migrations = []string{
	// 1: catalog
	`
	CREATE TABLE string_pool (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		value TEXT NOT NULL UNIQUE
	);

	CREATE TABLE sites (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		domain TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		cookie TEXT NOT NULL DEFAULT '',
		ua TEXT NOT NULL DEFAULT '',
		proxy INTEGER NOT NULL DEFAULT 0,
		render INTEGER NOT NULL DEFAULT 0,
		public INTEGER NOT NULL DEFAULT 0,
		rss TEXT NOT NULL DEFAULT '',
		filter TEXT NOT NULL DEFAULT '',
		parser TEXT NOT NULL DEFAULT 'spider',
		limit_interval INTEGER NOT NULL DEFAULT 0,
		limit_count INTEGER NOT NULL DEFAULT 0,
		limit_seconds INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE downloaders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		host TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 0,
		username TEXT NOT NULL DEFAULT '',
		password_encrypted TEXT NOT NULL DEFAULT '',
		tls_skip_verify INTEGER NOT NULL DEFAULT 0,
		category_enabled INTEGER NOT NULL DEFAULT 0,
		labels TEXT NOT NULL DEFAULT '[]',
		is_default INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE downloader_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		downloader_id INTEGER NOT NULL REFERENCES downloaders(id) ON DELETE CASCADE,
		error_type TEXT NOT NULL,
		error_message TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX idx_downloader_errors_downloader ON downloader_errors(downloader_id, occurred_at);

	CREATE TABLE download_tasks (
		hash TEXT PRIMARY KEY,
		downloader_id INTEGER NOT NULL,
		site_id INTEGER,
		subscription_id INTEGER,
		title TEXT NOT NULL DEFAULT '',
		media_type TEXT NOT NULL DEFAULT '',
		year TEXT NOT NULL DEFAULT '',
		tmdbid INTEGER,
		seasons TEXT NOT NULL DEFAULT '[]',
		episodes TEXT NOT NULL DEFAULT '[]',
		save_path TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'pending',
		progress REAL NOT NULL DEFAULT 0,
		dl_speed INTEGER NOT NULL DEFAULT 0,
		up_speed INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL DEFAULT 0,
		uploaded INTEGER NOT NULL DEFAULT 0,
		downloaded INTEGER NOT NULL DEFAULT 0,
		added_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX idx_download_tasks_tmdbid ON download_tasks(tmdbid);
	CREATE INDEX idx_download_tasks_title ON download_tasks(title);
	CREATE INDEX idx_download_tasks_added ON download_tasks(added_at);

	CREATE TABLE download_task_labels (
		hash TEXT NOT NULL REFERENCES download_tasks(hash) ON DELETE CASCADE,
		label_id INTEGER NOT NULL REFERENCES string_pool(id),
		PRIMARY KEY (hash, label_id)
	);

	CREATE TABLE download_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hash TEXT NOT NULL,
		fullpath TEXT NOT NULL UNIQUE,
		savepath TEXT NOT NULL DEFAULT '',
		relpath TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'present'
	);
	CREATE INDEX idx_download_files_hash ON download_files(hash);

	CREATE TABLE transfer_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		src TEXT NOT NULL UNIQUE,
		dest TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		year TEXT NOT NULL DEFAULT '',
		tmdbid INTEGER,
		seasons TEXT NOT NULL DEFAULT '',
		episodes TEXT NOT NULL DEFAULT '',
		image TEXT NOT NULL DEFAULT '',
		hash TEXT,
		status INTEGER NOT NULL DEFAULT 0,
		errmsg TEXT NOT NULL DEFAULT '',
		date TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		files TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX idx_transfer_history_tmdbid ON transfer_history(tmdbid);
	CREATE INDEX idx_transfer_history_title ON transfer_history(title);
	CREATE INDEX idx_transfer_history_date ON transfer_history(date);
	CREATE INDEX idx_transfer_history_hash ON transfer_history(hash);

	CREATE TABLE subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		year TEXT NOT NULL DEFAULT '',
		tmdbid INTEGER,
		doubanid TEXT,
		season INTEGER,
		total_episodes INTEGER NOT NULL DEFAULT 0,
		start_episode INTEGER NOT NULL DEFAULT 0,
		lack_episodes INTEGER NOT NULL DEFAULT 0,
		filter_rule TEXT NOT NULL DEFAULT '',
		include TEXT NOT NULL DEFAULT '',
		exclude TEXT NOT NULL DEFAULT '',
		sites TEXT NOT NULL DEFAULT '[]',
		best_version INTEGER NOT NULL DEFAULT 0,
		current_priority INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'N',
		username TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_update TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX idx_subscriptions_tmdbid ON subscriptions(tmdbid);
	CREATE INDEX idx_subscriptions_title ON subscriptions(title);

	CREATE TABLE subscription_episodes (
		subscription_id INTEGER NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
		episode INTEGER NOT NULL,
		completed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (subscription_id, episode)
	);

	CREATE TABLE kv_store (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (namespace, key)
	);
	`,
	`ALTER TABLE download_tasks ADD COLUMN priority INTEGER NOT NULL DEFAULT 0;`,
}

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if current > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this build supports (%d)", current, len(migrations))
	}

	for version := current + 1; version <= len(migrations); version++ {
		tx, err := db.DB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, migrations[version-1]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}

		log.Info().Int("version", version).Msg("Applied database migration")
	}

	return nil
}

// SchemaVersion reports the highest applied migration.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	return v, err
}
