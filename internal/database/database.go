// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/autobrr/flowarr/internal/dbinterface"
)

// DB wraps the sqlite handle so stores get a dbinterface.Querier.
type DB struct {
	*sql.DB
	path string
}

var _ dbinterface.Querier = (*DB)(nil)

// New opens (creating if needed) the catalog database at path and applies pending migrations.
// Use ":memory:" for an ephemeral database.
func New(ctx context.Context, path string) (*DB, error) {
	memory := path == ":memory:" || strings.HasPrefix(path, "file::memory:")

	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path
	if !memory {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if memory {
		// Every connection to ":memory:" is a separate database.
		conn.SetMaxOpenConns(1)
		if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	db := &DB{DB: conn, path: path}

	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Msg("Catalog database ready")
	return db, nil
}

// BeginTx starts a transaction returned as dbinterface.TxQuerier.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (dbinterface.TxQuerier, error) {
	return db.DB.BeginTx(ctx, opts)
}

func (db *DB) Path() string {
	return db.path
}

func (db *DB) Close() error {
	return db.DB.Close()
}
