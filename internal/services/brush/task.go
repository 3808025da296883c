// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package brush

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/autobrr/flowarr/internal/filter"
	"github.com/autobrr/flowarr/internal/models"
)

const Namespace = "brush"

// Task is one brush configuration: torrents from one site are fed into one
// downloader while the upper bounds allow, and removed again once they have
// seeded enough.
type Task struct {
	Name         string `json:"name"`
	Enabled      bool   `json:"enabled"`
	SiteID       int    `json:"siteId"`
	DownloaderID int    `json:"downloaderId"`
	SavePath     string `json:"savePath,omitempty"`
	// Rule is a filter rule; an empty rule accepts every record.
	Rule string `json:"rule,omitempty"`
	// MaxAdds caps submissions per run.
	MaxAdds int `json:"maxAdds,omitempty"`

	// Upper bounds. Speeds are KiB/s over the whole downloader.
	MaxUpSpeed     int64   `json:"maxUpSpeed,omitempty"`
	MaxDlSpeed     int64   `json:"maxDlSpeed,omitempty"`
	MaxDownloading int     `json:"maxDownloading,omitempty"`
	MaxSizeGB      float64 `json:"maxSizeGB,omitempty"`

	// Removal limits for finished torrents of this task.
	RemoveRatio       float64 `json:"removeRatio,omitempty"`
	RemoveSeedMinutes int     `json:"removeSeedMinutes,omitempty"`
}

var ErrInvalidTask = errors.New("invalid brush task")

func (t *Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if t.SiteID <= 0 || t.DownloaderID <= 0 {
		return fmt.Errorf("%w: %s needs a site and a downloader", ErrInvalidTask, t.Name)
	}
	if _, err := filter.CompileCached(t.Rule); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidTask, t.Name, err)
	}
	return nil
}

// Tag identifies the torrents added by this task next to the shared brush tag.
func (t *Task) Tag() string {
	return "brush-" + strings.ToLower(strings.Join(strings.Fields(t.Name), "-"))
}

type KV interface {
	Set(ctx context.Context, namespace, key string, value any) error
	Get(ctx context.Context, namespace, key string, dest any) error
	Delete(ctx context.Context, namespace, key string) error
	Keys(ctx context.Context, namespace string) ([]string, error)
}

// TaskStore persists brush tasks in the key-value store.
type TaskStore struct {
	kv KV
}

func NewTaskStore(kv KV) *TaskStore {
	return &TaskStore{kv: kv}
}

func (s *TaskStore) Save(ctx context.Context, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return s.kv.Set(ctx, Namespace, t.Name, t)
}

func (s *TaskStore) Get(ctx context.Context, name string) (*Task, error) {
	var t Task
	if err := s.kv.Get(ctx, Namespace, name, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TaskStore) List(ctx context.Context) ([]*Task, error) {
	keys, err := s.kv.Keys(ctx, Namespace)
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(keys))
	for _, key := range keys {
		t, err := s.Get(ctx, key)
		if errors.Is(err, models.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load brush task %s: %w", key, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *TaskStore) Delete(ctx context.Context, name string) error {
	return s.kv.Delete(ctx, Namespace, name)
}
