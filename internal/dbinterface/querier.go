// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import (
	"context"
	"database/sql"
	"fmt"
)

// TxQuerier is satisfied by *sql.Tx and by anything else that can run statements inside a transaction.
type TxQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Commit() error
	Rollback() error
}

// Querier is the handle stores receive. BeginTx yields a TxQuerier so stores
// never depend on the concrete database type.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (TxQuerier, error)
}

// WithTx runs fn inside a transaction, committing on success and rolling back on error or panic.
func WithTx(ctx context.Context, db Querier, fn func(tx TxQuerier) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// BuildQueryWithPlaceholders expands a single %s in template into count groups of
// groupSize placeholders, e.g. (?,?),(?,?).
func BuildQueryWithPlaceholders(template string, groupSize, count int) string {
	group := make([]byte, 0, groupSize*2+1)
	group = append(group, '(')
	for i := 0; i < groupSize; i++ {
		if i > 0 {
			group = append(group, ',')
		}
		group = append(group, '?')
	}
	group = append(group, ')')

	buf := make([]byte, 0, count*(len(group)+1))
	for i := 0; i < count; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, group...)
	}
	return fmt.Sprintf(template, string(buf))
}
