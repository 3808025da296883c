// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/flowarr/internal/dbinterface"
)

func TestNewAppliesMigrations(t *testing.T) {
	ctx := context.Background()
	db, err := New(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	version, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)

	for _, table := range []string{"sites", "downloaders", "download_tasks", "download_files", "transfer_history", "subscriptions", "kv_store", "string_pool"} {
		var name string
		err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestMigrationsAreIdempotentOnReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog", "flowarr.db")

	db, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = New(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	version, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestDownloadTasksCarryPriority(t *testing.T) {
	ctx := context.Background()
	db, err := New(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(ctx, "INSERT INTO download_tasks (hash, downloader_id, title) VALUES ('abc', 1, 'Foo')")
	require.NoError(t, err)
	var priority int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT priority FROM download_tasks WHERE hash = 'abc'").Scan(&priority))
	assert.Zero(t, priority)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db, err := New(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("boom")
	err = dbinterface.WithTx(ctx, db, func(tx dbinterface.TxQuerier) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO kv_store (namespace, key, value) VALUES ('system', 'a', '1')"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv_store").Scan(&count))
	assert.Zero(t, count)
}
