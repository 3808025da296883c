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
	ErrTaskNotFound = errors.New("download task not found")
	ErrFileNotFound = errors.New("download file not found")
)

type TaskState string

const (
	TaskPending     TaskState = "pending"
	TaskDownloading TaskState = "downloading"
	TaskCompleted   TaskState = "completed"
	TaskOrganized   TaskState = "organized"
	TaskPaused      TaskState = "paused"
	TaskErrored     TaskState = "errored"
)

type FileState string

const (
	FilePresent FileState = "present"
	FileDeleted FileState = "deleted"
)

// DownloadTask is identified by its lowercase v1 info-hash.
type DownloadTask struct {
	Hash           string    `json:"hash"`
	DownloaderID   int       `json:"downloaderId"`
	SiteID         *int      `json:"siteId,omitempty"`
	SubscriptionID *int      `json:"subscriptionId,omitempty"`
	Title          string    `json:"title"`
	MediaType      string    `json:"mediaType"`
	Year           string    `json:"year"`
	TMDBID         *int      `json:"tmdbId,omitempty"`
	Seasons        []int     `json:"seasons"`
	Episodes       []int     `json:"episodes"`
	SavePath       string    `json:"savePath"`
	Labels         []string  `json:"labels"`
	State          TaskState `json:"state"`
	Progress       float64   `json:"progress"`
	DlSpeed        int64     `json:"dlSpeed"`
	UpSpeed        int64     `json:"upSpeed"`
	Size           int64     `json:"size"`
	Uploaded       int64     `json:"uploaded"`
	Downloaded     int64     `json:"downloaded"`
	Priority       int       `json:"priority"`
	AddedAt        time.Time `json:"addedAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// HasLabel reports whether label is attached to the task.
func (t *DownloadTask) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

type DownloadFile struct {
	ID       int       `json:"id"`
	Hash     string    `json:"hash"`
	FullPath string    `json:"fullpath"`
	SavePath string    `json:"savepath"`
	RelPath  string    `json:"relpath"`
	Name     string    `json:"name"`
	State    FileState `json:"state"`
}

type TaskStore struct {
	db dbinterface.Querier
}

func NewTaskStore(db dbinterface.Querier) *TaskStore {
	return &TaskStore{db: db}
}

// NormalizeHash lowercases and trims an info-hash.
func NormalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}

// UpsertTask inserts or replaces the task keyed by hash. Labels are replaced as a set.
// created is false when a live row for the hash already existed; reviving an
// errored task counts as a new download.
func (s *TaskStore) UpsertTask(ctx context.Context, task *DownloadTask) (created bool, err error) {
	if task == nil {
		return false, errors.New("task is nil")
	}
	hash := NormalizeHash(task.Hash)
	if hash == "" {
		return false, errors.New("task hash is empty")
	}
	task.Hash = hash
	if task.State == "" {
		task.State = TaskPending
	}

	seasons, err := encodeIntSlice(task.Seasons)
	if err != nil {
		return false, fmt.Errorf("encode seasons: %w", err)
	}
	episodes, err := encodeIntSlice(task.Episodes)
	if err != nil {
		return false, fmt.Errorf("encode episodes: %w", err)
	}
	addedAt := task.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now().UTC()
	}

	err = dbinterface.WithTx(ctx, s.db, func(tx dbinterface.TxQuerier) error {
		var previous TaskState
		err := tx.QueryRowContext(ctx, `SELECT state FROM download_tasks WHERE hash = ?`, hash).Scan(&previous)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			created = true
		case err != nil:
			return err
		default:
			created = previous == TaskErrored
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO download_tasks (hash, downloader_id, site_id, subscription_id, title, media_type, year, tmdbid,
				seasons, episodes, save_path, state, progress, dl_speed, up_speed, size, uploaded, downloaded, priority, added_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(hash) DO UPDATE SET
				downloader_id = excluded.downloader_id,
				site_id = COALESCE(excluded.site_id, download_tasks.site_id),
				subscription_id = COALESCE(excluded.subscription_id, download_tasks.subscription_id),
				title = excluded.title,
				media_type = excluded.media_type,
				year = excluded.year,
				tmdbid = COALESCE(excluded.tmdbid, download_tasks.tmdbid),
				seasons = excluded.seasons,
				episodes = excluded.episodes,
				save_path = excluded.save_path,
				state = excluded.state,
				progress = excluded.progress,
				dl_speed = excluded.dl_speed,
				up_speed = excluded.up_speed,
				size = excluded.size,
				uploaded = excluded.uploaded,
				downloaded = excluded.downloaded,
				priority = excluded.priority,
				updated_at = CURRENT_TIMESTAMP
		`, hash, task.DownloaderID, nullInt(task.SiteID), nullInt(task.SubscriptionID), task.Title, task.MediaType,
			task.Year, nullInt(task.TMDBID), seasons, episodes, task.SavePath, task.State, task.Progress,
			task.DlSpeed, task.UpSpeed, task.Size, task.Uploaded, task.Downloaded, task.Priority, addedAt); err != nil {
			return fmt.Errorf("upsert task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM download_task_labels WHERE hash = ?`, hash); err != nil {
			return err
		}
		return insertLabels(ctx, tx, hash, normalizeStringSlice(task.Labels))
	})
	return created, err
}

func insertLabels(ctx context.Context, tx dbinterface.TxQuerier, hash string, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	ids, err := dbinterface.InternStrings(ctx, tx, labels...)
	if err != nil {
		return fmt.Errorf("intern labels: %w", err)
	}
	args := make([]any, 0, len(ids)*2)
	for _, id := range ids {
		args = append(args, hash, id)
	}
	query := dbinterface.BuildQueryWithPlaceholders("INSERT OR IGNORE INTO download_task_labels (hash, label_id) VALUES %s", 2, len(ids))
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

// AddLabels attaches labels without touching existing ones.
func (s *TaskStore) AddLabels(ctx context.Context, hash string, labels ...string) error {
	labels = normalizeStringSlice(labels)
	if len(labels) == 0 {
		return nil
	}
	hash = NormalizeHash(hash)
	return dbinterface.WithTx(ctx, s.db, func(tx dbinterface.TxQuerier) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM download_tasks WHERE hash = ?`, hash).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrTaskNotFound
		}
		return insertLabels(ctx, tx, hash, labels)
	})
}

func (s *TaskStore) RemoveLabels(ctx context.Context, hash string, labels ...string) error {
	labels = normalizeStringSlice(labels)
	if len(labels) == 0 {
		return nil
	}
	args := make([]any, 0, len(labels)+1)
	args = append(args, NormalizeHash(hash))
	for _, l := range labels {
		args = append(args, l)
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM download_task_labels
		WHERE hash = ? AND label_id IN (SELECT id FROM string_pool WHERE value IN (`+questionMarks(len(labels))+`))
	`, args...)
	return err
}

// SetState updates lifecycle state only.
func (s *TaskStore) SetState(ctx context.Context, hash string, state TaskState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE download_tasks SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE hash = ?`,
		state, NormalizeHash(hash))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// UpdateStatus refreshes the live downloader fields of a task: state, progress,
// speeds and transfer counters.
func (s *TaskStore) UpdateStatus(ctx context.Context, task *DownloadTask) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE download_tasks
		SET state = ?, progress = ?, dl_speed = ?, up_speed = ?, size = ?, uploaded = ?, downloaded = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE hash = ?
	`, task.State, task.Progress, task.DlSpeed, task.UpSpeed, task.Size, task.Uploaded, task.Downloaded,
		NormalizeHash(task.Hash))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

const taskColumns = `hash, downloader_id, site_id, subscription_id, title, media_type, year, tmdbid, seasons, episodes,
	save_path, state, progress, dl_speed, up_speed, size, uploaded, downloaded, priority, added_at, updated_at`

func scanTask(scanner interface{ Scan(dest ...any) error }) (*DownloadTask, error) {
	var t DownloadTask
	var siteID, subID, tmdbID sql.NullInt64
	var seasons, episodes sql.NullString
	if err := scanner.Scan(&t.Hash, &t.DownloaderID, &siteID, &subID, &t.Title, &t.MediaType, &t.Year, &tmdbID,
		&seasons, &episodes, &t.SavePath, &t.State, &t.Progress, &t.DlSpeed, &t.UpSpeed, &t.Size, &t.Uploaded,
		&t.Downloaded, &t.Priority, &t.AddedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.SiteID = intPtr(siteID)
	t.SubscriptionID = intPtr(subID)
	t.TMDBID = intPtr(tmdbID)
	if err := decodeIntSlice(seasons, &t.Seasons); err != nil {
		return nil, fmt.Errorf("decode seasons: %w", err)
	}
	if err := decodeIntSlice(episodes, &t.Episodes); err != nil {
		return nil, fmt.Errorf("decode episodes: %w", err)
	}
	t.Labels = []string{}
	return &t, nil
}

func (s *TaskStore) Get(ctx context.Context, hash string) (*DownloadTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM download_tasks WHERE hash = ?`, NormalizeHash(hash)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.attachLabels(ctx, []*DownloadTask{t}); err != nil {
		return nil, err
	}
	return t, nil
}

// TaskFilter narrows List. Zero values match everything.
type TaskFilter struct {
	State          TaskState
	SubscriptionID int
	TMDBID         int
	Label          string
}

// List returns tasks ordered by (added_at, hash).
func (s *TaskStore) List(ctx context.Context, filter TaskFilter) ([]*DownloadTask, error) {
	var where []string
	var args []any
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if filter.SubscriptionID > 0 {
		where = append(where, "subscription_id = ?")
		args = append(args, filter.SubscriptionID)
	}
	if filter.TMDBID > 0 {
		where = append(where, "tmdbid = ?")
		args = append(args, filter.TMDBID)
	}
	if filter.Label != "" {
		where = append(where, `hash IN (SELECT l.hash FROM download_task_labels l JOIN string_pool sp ON sp.id = l.label_id WHERE sp.value = ?)`)
		args = append(args, filter.Label)
	}

	query := `SELECT ` + taskColumns + ` FROM download_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY added_at ASC, hash ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*DownloadTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachLabels(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *TaskStore) attachLabels(ctx context.Context, tasks []*DownloadTask) error {
	if len(tasks) == 0 {
		return nil
	}
	byHash := make(map[string]*DownloadTask, len(tasks))
	hashes := make([]any, 0, len(tasks))
	for _, t := range tasks {
		byHash[t.Hash] = t
		hashes = append(hashes, t.Hash)
	}

	for start := 0; start < len(hashes); start += 900 {
		chunk := hashes[start:min(start+900, len(hashes))]
		rows, err := s.db.QueryContext(ctx, `
			SELECT l.hash, sp.value FROM download_task_labels l
			JOIN string_pool sp ON sp.id = l.label_id
			WHERE l.hash IN (`+questionMarks(len(chunk))+`)
			ORDER BY sp.value
		`, chunk...)
		if err != nil {
			return fmt.Errorf("load labels: %w", err)
		}
		for rows.Next() {
			var hash, label string
			if err := rows.Scan(&hash, &label); err != nil {
				rows.Close()
				return err
			}
			if t, ok := byHash[hash]; ok {
				t.Labels = append(t.Labels, label)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *TaskStore) Delete(ctx context.Context, hash string) error {
	hash = NormalizeHash(hash)
	return dbinterface.WithTx(ctx, s.db, func(tx dbinterface.TxQuerier) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM download_files WHERE hash = ?`, hash); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM download_tasks WHERE hash = ?`, hash)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
}

// RecordFiles stores the file list of a task. Known paths keep their state.
func (s *TaskStore) RecordFiles(ctx context.Context, hash string, files []DownloadFile) error {
	if len(files) == 0 {
		return nil
	}
	hash = NormalizeHash(hash)
	return dbinterface.WithTx(ctx, s.db, func(tx dbinterface.TxQuerier) error {
		for _, f := range files {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO download_files (hash, fullpath, savepath, relpath, name, state)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(fullpath) DO UPDATE SET hash = excluded.hash, savepath = excluded.savepath,
					relpath = excluded.relpath, name = excluded.name
			`, hash, f.FullPath, f.SavePath, f.RelPath, f.Name, FilePresent); err != nil {
				return fmt.Errorf("record file %s: %w", f.FullPath, err)
			}
		}
		return nil
	})
}

func (s *TaskStore) ListFiles(ctx context.Context, hash string) ([]DownloadFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hash, fullpath, savepath, relpath, name, state FROM download_files
		WHERE hash = ? ORDER BY fullpath
	`, NormalizeHash(hash))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DownloadFile
	for rows.Next() {
		var f DownloadFile
		if err := rows.Scan(&f.ID, &f.Hash, &f.FullPath, &f.SavePath, &f.RelPath, &f.Name, &f.State); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// MarkFileDeleted flips the file state and returns the owning hash. Rows are never removed.
func (s *TaskStore) MarkFileDeleted(ctx context.Context, fullpath string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
		UPDATE download_files SET state = ? WHERE fullpath = ? RETURNING hash
	`, FileDeleted, fullpath).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrFileNotFound
	}
	return hash, err
}

func questionMarks(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
