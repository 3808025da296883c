// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/autobrr/flowarr/internal/dbinterface"
)

var (
	ErrTransferHistoryNotFound = errors.New("transfer history not found")
	ErrTransferHistoryInvalid  = errors.New("successful transfer requires src and dest")
)

// TransferHistory is the audit row for one organized file. Unique by Src.
type TransferHistory struct {
	ID       int       `json:"id"`
	Src      string    `json:"src"`
	Dest     string    `json:"dest"`
	Mode     string    `json:"mode"`
	Type     string    `json:"type"`
	Category string    `json:"category"`
	Title    string    `json:"title"`
	Year     string    `json:"year"`
	TMDBID   *int      `json:"tmdbId,omitempty"`
	Seasons  string    `json:"seasons"`
	Episodes string    `json:"episodes"`
	Image    string    `json:"image"`
	Hash     string    `json:"hash,omitempty"`
	Status   bool      `json:"status"`
	ErrMsg   string    `json:"errmsg"`
	Date     time.Time `json:"date"`
	Files    []string  `json:"files"`
}

type TransferHistoryStore struct {
	db dbinterface.Querier
}

func NewTransferHistoryStore(db dbinterface.Querier) *TransferHistoryStore {
	return &TransferHistoryStore{db: db}
}

// RecordTransfer writes h, replacing any previous row with the same src.
func (s *TransferHistoryStore) RecordTransfer(ctx context.Context, h *TransferHistory) (*TransferHistory, error) {
	if h == nil || strings.TrimSpace(h.Src) == "" {
		return nil, errors.New("transfer history src is empty")
	}
	if h.Status && strings.TrimSpace(h.Dest) == "" {
		return nil, ErrTransferHistoryInvalid
	}

	files, err := encodeStringSlice(h.Files)
	if err != nil {
		return nil, fmt.Errorf("encode files: %w", err)
	}
	date := h.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	var hash sql.NullString
	if h.Hash != "" {
		hash = sql.NullString{String: NormalizeHash(h.Hash), Valid: true}
	}

	var id int
	err = dbinterface.WithTx(ctx, s.db, func(tx dbinterface.TxQuerier) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM transfer_history WHERE src = ?`, h.Src); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `
			INSERT INTO transfer_history (src, dest, mode, type, category, title, year, tmdbid, seasons, episodes,
				image, hash, status, errmsg, date, files)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`, h.Src, h.Dest, h.Mode, h.Type, h.Category, h.Title, h.Year, nullInt(h.TMDBID), h.Seasons, h.Episodes,
			h.Image, hash, h.Status, h.ErrMsg, date, files).Scan(&id)
	})
	if err != nil {
		return nil, fmt.Errorf("record transfer: %w", err)
	}
	return s.Get(ctx, id)
}

const historyColumns = `id, src, dest, mode, type, category, title, year, tmdbid, seasons, episodes, image, hash,
	status, errmsg, date, files`

func scanHistory(scanner interface{ Scan(dest ...any) error }) (*TransferHistory, error) {
	var h TransferHistory
	var tmdbID sql.NullInt64
	var hash, files sql.NullString
	if err := scanner.Scan(&h.ID, &h.Src, &h.Dest, &h.Mode, &h.Type, &h.Category, &h.Title, &h.Year, &tmdbID,
		&h.Seasons, &h.Episodes, &h.Image, &hash, &h.Status, &h.ErrMsg, &h.Date, &files); err != nil {
		return nil, err
	}
	h.TMDBID = intPtr(tmdbID)
	h.Hash = hash.String
	if err := decodeStringSlice(files, &h.Files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	return &h, nil
}

func (s *TransferHistoryStore) Get(ctx context.Context, id int) (*TransferHistory, error) {
	h, err := scanHistory(s.db.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM transfer_history WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransferHistoryNotFound
	}
	return h, err
}

func (s *TransferHistoryStore) GetBySrc(ctx context.Context, src string) (*TransferHistory, error) {
	h, err := scanHistory(s.db.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM transfer_history WHERE src = ?`, src))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransferHistoryNotFound
	}
	return h, err
}

// HasSuccessForHash reports whether any successful row references the torrent.
func (s *TransferHistoryStore) HasSuccessForHash(ctx context.Context, hash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM transfer_history WHERE hash = ? AND status = 1`,
		NormalizeHash(hash)).Scan(&n)
	return n > 0, err
}

type HistoryFilter struct {
	Hash   string
	TMDBID int
	Title  string
	Since  time.Time
	Status *bool
	Limit  int
}

// List returns newest rows first.
func (s *TransferHistoryStore) List(ctx context.Context, filter HistoryFilter) ([]*TransferHistory, error) {
	var where []string
	var args []any
	if filter.Hash != "" {
		where = append(where, "hash = ?")
		args = append(args, NormalizeHash(filter.Hash))
	}
	if filter.TMDBID > 0 {
		where = append(where, "tmdbid = ?")
		args = append(args, filter.TMDBID)
	}
	if filter.Title != "" {
		where = append(where, "title LIKE ?")
		args = append(args, "%"+filter.Title+"%")
	}
	if !filter.Since.IsZero() {
		where = append(where, "date >= ?")
		args = append(args, filter.Since)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *filter.Status)
	}

	query := `SELECT ` + historyColumns + ` FROM transfer_history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TransferHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *TransferHistoryStore) Delete(ctx context.Context, id int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM transfer_history WHERE id = ?`, id)
	return err
}
