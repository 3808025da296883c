// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/autobrr/flowarr/internal/dbinterface"
)

var ErrKeyNotFound = errors.New("key not found")

// Namespaces used by the core.
const (
	NamespaceSystem = "system"
	NamespacePlugin = "plugin"
)

// KVStore holds plugin and system blobs as JSON under (namespace, key).
type KVStore struct {
	db dbinterface.Querier
}

func NewKVStore(db dbinterface.Querier) *KVStore {
	return &KVStore{db: db}
}

func (s *KVStore) Set(ctx context.Context, namespace, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", namespace, key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv_store (namespace, key, value) VALUES (?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, namespace, key, string(data))
	return err
}

// Get unmarshals the stored value into dest.
func (s *KVStore) Get(ctx context.Context, namespace, key string, dest any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE namespace = ? AND key = ?`, namespace, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrKeyNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), dest)
}

func (s *KVStore) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE namespace = ? AND key = ?`, namespace, key)
	return err
}

// Keys lists keys in a namespace.
func (s *KVStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv_store WHERE namespace = ? ORDER BY key`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
