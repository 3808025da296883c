// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/autobrr/flowarr/internal/dbinterface"
	"github.com/autobrr/flowarr/internal/domain"
)

var (
	ErrDownloaderNotFound    = errors.New("downloader not found")
	ErrDownloaderKindInvalid = errors.New("downloader kind must be qbittorrent or transmission")
	ErrDownloaderHostInvalid = errors.New("downloader host is invalid")
)

type DownloaderKind string

const (
	DownloaderQbittorrent  DownloaderKind = "qbittorrent"
	DownloaderTransmission DownloaderKind = "transmission"
)

// Downloader is a configured downloader instance. Runtime clients are created once per ID.
type Downloader struct {
	ID                int            `json:"id"`
	Name              string         `json:"name"`
	Kind              DownloaderKind `json:"kind"`
	Host              string         `json:"host"`
	Port              int            `json:"port"`
	Username          string         `json:"username"`
	PasswordEncrypted string         `json:"-"`
	TLSSkipVerify     bool           `json:"tlsSkipVerify"`
	CategoryEnabled   bool           `json:"categoryEnabled"`
	Labels            []string       `json:"labels"`
	IsDefault         bool           `json:"isDefault"`
	IsActive          bool           `json:"isActive"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

func (d Downloader) MarshalJSON() ([]byte, error) {
	type plain Downloader
	return json.Marshal(&struct {
		plain
		Password string `json:"password,omitempty"`
	}{
		plain:    plain(d),
		Password: domain.RedactString(d.PasswordEncrypted),
	})
}

// Endpoint joins host and port into the URL handed to the client library.
func (d *Downloader) Endpoint() string {
	if d.Port <= 0 {
		return d.Host
	}
	u, err := url.Parse(d.Host)
	if err != nil || u.Port() != "" {
		return d.Host
	}
	u.Host = fmt.Sprintf("%s:%d", u.Hostname(), d.Port)
	return u.String()
}

type DownloaderStore struct {
	db            dbinterface.Querier
	encryptionKey []byte
}

func NewDownloaderStore(db dbinterface.Querier, encryptionKey []byte) (*DownloaderStore, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}

	return &DownloaderStore{
		db:            db,
		encryptionKey: encryptionKey,
	}, nil
}

// encrypt encrypts a string using AES-GCM
func (s *DownloaderStore) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

func (s *DownloaderStore) decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.New("malformed ciphertext")
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// validateAndNormalizeHost validates a downloader host URL, defaulting to http.
func validateAndNormalizeHost(rawHost string) (string, error) {
	rawHost = strings.TrimSpace(rawHost)
	if rawHost == "" {
		return "", fmt.Errorf("%w: host cannot be empty", ErrDownloaderHostInvalid)
	}

	if !strings.Contains(rawHost, "://") {
		rawHost = "http://" + rawHost
	}

	u, err := url.Parse(rawHost)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloaderHostInvalid, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrDownloaderHostInvalid, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: URL must include a host", ErrDownloaderHostInvalid)
	}

	return u.String(), nil
}

// DownloaderInput carries the plaintext password on create/update. An empty or redacted password keeps the stored one.
type DownloaderInput struct {
	Downloader
	Password string `json:"password"`
}

func (s *DownloaderStore) Create(ctx context.Context, in *DownloaderInput) (*Downloader, error) {
	if in.Kind != DownloaderQbittorrent && in.Kind != DownloaderTransmission {
		return nil, ErrDownloaderKindInvalid
	}

	host, err := validateAndNormalizeHost(in.Host)
	if err != nil {
		return nil, err
	}

	encrypted, err := s.encrypt(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt password: %w", err)
	}

	labels, err := encodeStringSlice(normalizeStringSlice(in.Labels))
	if err != nil {
		return nil, fmt.Errorf("encode labels: %w", err)
	}

	var id int
	err = dbinterface.WithTx(ctx, s.db, func(tx dbinterface.TxQuerier) error {
		if in.IsDefault {
			if _, err := tx.ExecContext(ctx, `UPDATE downloaders SET is_default = 0`); err != nil {
				return err
			}
		}
		return tx.QueryRowContext(ctx, `
			INSERT INTO downloaders (name, kind, host, port, username, password_encrypted, tls_skip_verify,
				category_enabled, labels, is_default, is_active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`, strings.TrimSpace(in.Name), in.Kind, host, in.Port, in.Username, encrypted, in.TLSSkipVerify,
			in.CategoryEnabled, labels, in.IsDefault, in.IsActive).Scan(&id)
	})
	if err != nil {
		return nil, fmt.Errorf("insert downloader: %w", err)
	}

	return s.Get(ctx, id)
}

func (s *DownloaderStore) Update(ctx context.Context, in *DownloaderInput) (*Downloader, error) {
	host, err := validateAndNormalizeHost(in.Host)
	if err != nil {
		return nil, err
	}

	labels, err := encodeStringSlice(normalizeStringSlice(in.Labels))
	if err != nil {
		return nil, fmt.Errorf("encode labels: %w", err)
	}

	query := `UPDATE downloaders SET name = ?, host = ?, port = ?, username = ?, tls_skip_verify = ?,
		category_enabled = ?, labels = ?, is_default = ?, is_active = ?, updated_at = CURRENT_TIMESTAMP`
	args := []any{strings.TrimSpace(in.Name), host, in.Port, in.Username, in.TLSSkipVerify,
		in.CategoryEnabled, labels, in.IsDefault, in.IsActive}

	if in.Password != "" && !domain.IsRedactedString(in.Password) {
		encrypted, err := s.encrypt(in.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt password: %w", err)
		}
		query += ", password_encrypted = ?"
		args = append(args, encrypted)
	}
	query += " WHERE id = ?"
	args = append(args, in.ID)

	err = dbinterface.WithTx(ctx, s.db, func(tx dbinterface.TxQuerier) error {
		if in.IsDefault {
			if _, err := tx.ExecContext(ctx, `UPDATE downloaders SET is_default = 0 WHERE id != ?`, in.ID); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrDownloaderNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, in.ID)
}

const downloaderColumns = `id, name, kind, host, port, username, password_encrypted, tls_skip_verify,
	category_enabled, labels, is_default, is_active, created_at, updated_at`

func scanDownloader(scanner interface{ Scan(dest ...any) error }) (*Downloader, error) {
	var d Downloader
	var labels sql.NullString
	if err := scanner.Scan(&d.ID, &d.Name, &d.Kind, &d.Host, &d.Port, &d.Username, &d.PasswordEncrypted,
		&d.TLSSkipVerify, &d.CategoryEnabled, &labels, &d.IsDefault, &d.IsActive, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeStringSlice(labels, &d.Labels); err != nil {
		return nil, fmt.Errorf("decode labels: %w", err)
	}
	return &d, nil
}

func (s *DownloaderStore) Get(ctx context.Context, id int) (*Downloader, error) {
	d, err := scanDownloader(s.db.QueryRowContext(ctx, `SELECT `+downloaderColumns+` FROM downloaders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDownloaderNotFound
	}
	return d, err
}

func (s *DownloaderStore) GetByName(ctx context.Context, name string) (*Downloader, error) {
	d, err := scanDownloader(s.db.QueryRowContext(ctx, `SELECT `+downloaderColumns+` FROM downloaders WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDownloaderNotFound
	}
	return d, err
}

// GetDefault returns the downloader flagged default, or the first active one.
func (s *DownloaderStore) GetDefault(ctx context.Context) (*Downloader, error) {
	d, err := scanDownloader(s.db.QueryRowContext(ctx, `
		SELECT `+downloaderColumns+` FROM downloaders
		WHERE is_active = 1
		ORDER BY is_default DESC, id ASC
		LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDownloaderNotFound
	}
	return d, err
}

func (s *DownloaderStore) List(ctx context.Context) ([]*Downloader, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+downloaderColumns+` FROM downloaders ORDER BY is_default DESC, name COLLATE NOCASE ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Downloader
	for rows.Next() {
		d, err := scanDownloader(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *DownloaderStore) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM downloaders WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDownloaderNotFound
	}
	return nil
}

// GetDecryptedPassword returns the plaintext password for a downloader
func (s *DownloaderStore) GetDecryptedPassword(d *Downloader) (string, error) {
	return s.decrypt(d.PasswordEncrypted)
}

// DownloaderError is one recorded connection failure.
type DownloaderError struct {
	ID           int       `json:"id"`
	DownloaderID int       `json:"downloaderId"`
	ErrorType    string    `json:"errorType"`
	ErrorMessage string    `json:"errorMessage"`
	OccurredAt   time.Time `json:"occurredAt"`
}

const maxErrorsPerDownloader = 5

type DownloaderErrorStore struct {
	db dbinterface.Querier
}

func NewDownloaderErrorStore(db dbinterface.Querier) *DownloaderErrorStore {
	return &DownloaderErrorStore{db: db}
}

// RecordError stores a failure and keeps only the most recent few per downloader.
func (s *DownloaderErrorStore) RecordError(ctx context.Context, downloaderID int, err error) error {
	if err == nil {
		return nil
	}
	return dbinterface.WithTx(ctx, s.db, func(tx dbinterface.TxQuerier) error {
		if _, e := tx.ExecContext(ctx, `
			INSERT INTO downloader_errors (downloader_id, error_type, error_message) VALUES (?, ?, ?)
		`, downloaderID, domain.KindOf(err).String(), err.Error()); e != nil {
			return e
		}
		_, e := tx.ExecContext(ctx, `
			DELETE FROM downloader_errors
			WHERE downloader_id = ? AND id NOT IN (
				SELECT id FROM downloader_errors WHERE downloader_id = ? ORDER BY occurred_at DESC, id DESC LIMIT ?
			)
		`, downloaderID, downloaderID, maxErrorsPerDownloader)
		return e
	})
}

func (s *DownloaderErrorStore) ClearErrors(ctx context.Context, downloaderID int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM downloader_errors WHERE downloader_id = ?`, downloaderID)
	return err
}

func (s *DownloaderErrorStore) List(ctx context.Context, downloaderID int) ([]DownloaderError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, downloader_id, error_type, error_message, occurred_at
		FROM downloader_errors WHERE downloader_id = ? ORDER BY occurred_at DESC, id DESC
	`, downloaderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DownloaderError
	for rows.Next() {
		var e DownloaderError
		if err := rows.Scan(&e.ID, &e.DownloaderID, &e.ErrorType, &e.ErrorMessage, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
