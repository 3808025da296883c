// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLITE_MAX_VARIABLE_NUMBER defaults to 999 on older builds.
const maxParams = 900

// InternStrings stores each value in string_pool once and returns the IDs in input order.
// Labels and tracker names repeat across thousands of task rows, so tasks reference them by ID.
// Empty values are rejected.
func InternStrings(ctx context.Context, tx TxQuerier, values ...string) ([]int64, error) {
	if len(values) == 0 {
		return []int64{}, nil
	}

	unique := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for i, v := range values {
		if v == "" {
			return nil, fmt.Errorf("value at index %d is empty", i)
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		unique = append(unique, v)
	}

	const insertTemplate = "INSERT OR IGNORE INTO string_pool (value) VALUES %s"
	for start := 0; start < len(unique); start += maxParams {
		chunk := unique[start:min(start+maxParams, len(unique))]
		args := make([]any, len(chunk))
		for i, v := range chunk {
			args[i] = v
		}
		if _, err := tx.ExecContext(ctx, BuildQueryWithPlaceholders(insertTemplate, 1, len(chunk)), args...); err != nil {
			return nil, fmt.Errorf("failed to batch insert strings: %w", err)
		}
	}

	ids, err := GetStringID(ctx, tx, values...)
	if err != nil {
		return nil, err
	}

	result := make([]int64, len(ids))
	for i, id := range ids {
		if !id.Valid {
			return nil, fmt.Errorf("failed to get ID for interned string %q", values[i])
		}
		result[i] = id.Int64
	}
	return result, nil
}

// GetString resolves IDs back to their values, preserving input order.
func GetString(ctx context.Context, tx TxQuerier, ids ...int64) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}

	positions := make(map[int64][]int, len(ids))
	for i, id := range ids {
		positions[id] = append(positions[id], i)
	}

	results := make([]string, len(ids))
	for start := 0; start < len(ids); start += maxParams {
		chunk := ids[start:min(start+maxParams, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		rows, err := tx.QueryContext(ctx, "SELECT id, value FROM string_pool WHERE id IN ("+placeholders(len(chunk))+")", args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query string pool: %w", err)
		}
		for rows.Next() {
			var id int64
			var value string
			if err := rows.Scan(&id, &value); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan string pool row: %w", err)
			}
			for _, idx := range positions[id] {
				results[idx] = value
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating string pool rows: %w", err)
		}
	}

	return results, nil
}

// GetStringID looks up IDs without creating entries. Missing or empty values yield Valid=false.
func GetStringID(ctx context.Context, tx TxQuerier, values ...string) ([]sql.NullInt64, error) {
	results := make([]sql.NullInt64, len(values))
	if len(values) == 0 {
		return results, nil
	}

	lookup := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		lookup = append(lookup, v)
	}

	found := make(map[string]int64, len(lookup))
	for start := 0; start < len(lookup); start += maxParams {
		chunk := lookup[start:min(start+maxParams, len(lookup))]
		args := make([]any, len(chunk))
		for i, v := range chunk {
			args[i] = v
		}

		rows, err := tx.QueryContext(ctx, "SELECT id, value FROM string_pool WHERE value IN ("+placeholders(len(chunk))+")", args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query string pool: %w", err)
		}
		for rows.Next() {
			var id int64
			var value string
			if err := rows.Scan(&id, &value); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan string pool row: %w", err)
			}
			found[value] = id
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating string pool rows: %w", err)
		}
	}

	for i, v := range values {
		if id, ok := found[v]; ok {
			results[i] = sql.NullInt64{Int64: id, Valid: true}
		}
	}
	return results, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
