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
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionInvalid  = errors.New("subscription requires a title and type")
)

type MediaType string

const (
	MediaMovie MediaType = "movie"
	MediaTV    MediaType = "tv"
)

type SubscriptionState string

const (
	SubscriptionNew     SubscriptionState = "N"
	SubscriptionRunning SubscriptionState = "R"
)

type Subscription struct {
	ID              int               `json:"id"`
	Type            MediaType         `json:"type"`
	Title           string            `json:"title"`
	Year            string            `json:"year"`
	TMDBID          *int              `json:"tmdbId,omitempty"`
	DoubanID        string            `json:"doubanId,omitempty"`
	Season          *int              `json:"season,omitempty"`
	TotalEpisodes   int               `json:"totalEpisodes"`
	StartEpisode    int               `json:"startEpisode"`
	LackEpisodes    int               `json:"lackEpisodes"`
	FilterRule      string            `json:"filterRule"`
	Include         string            `json:"include"`
	Exclude         string            `json:"exclude"`
	Sites           []int             `json:"sites"`
	BestVersion     bool              `json:"bestVersion"`
	CurrentPriority int               `json:"currentPriority"`
	State           SubscriptionState `json:"state"`
	Username        string            `json:"username"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastUpdate      time.Time         `json:"lastUpdate"`
}

// FirstEpisode is the lowest episode number the subscription wants.
func (s *Subscription) FirstEpisode() int {
	if s.StartEpisode > 0 {
		return s.StartEpisode
	}
	return 1
}

// WantedEpisodes counts the episodes from FirstEpisode through TotalEpisodes.
func (s *Subscription) WantedEpisodes() int {
	return max(s.TotalEpisodes-s.FirstEpisode()+1, 0)
}

type SubscriptionStore struct {
	db dbinterface.Querier
}

func NewSubscriptionStore(db dbinterface.Querier) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

const subscriptionColumns = `id, type, title, year, tmdbid, doubanid, season, total_episodes, start_episode,
	lack_episodes, filter_rule, include, exclude, sites, best_version, current_priority, state, username,
	created_at, last_update`

func scanSubscription(scanner interface{ Scan(dest ...any) error }) (*Subscription, error) {
	var s Subscription
	var tmdbID, season sql.NullInt64
	var doubanID, sites sql.NullString
	if err := scanner.Scan(&s.ID, &s.Type, &s.Title, &s.Year, &tmdbID, &doubanID, &season, &s.TotalEpisodes,
		&s.StartEpisode, &s.LackEpisodes, &s.FilterRule, &s.Include, &s.Exclude, &sites, &s.BestVersion,
		&s.CurrentPriority, &s.State, &s.Username, &s.CreatedAt, &s.LastUpdate); err != nil {
		return nil, err
	}
	s.TMDBID = intPtr(tmdbID)
	s.Season = intPtr(season)
	s.DoubanID = doubanID.String
	if err := decodeIntSlice(sites, &s.Sites); err != nil {
		return nil, fmt.Errorf("decode sites: %w", err)
	}
	return &s, nil
}

// identityClause picks the first available identity: tmdbid, doubanid, then (title, year). Season narrows TV.
func identityClause(sub *Subscription) (string, []any) {
	var clause string
	var args []any
	switch {
	case sub.TMDBID != nil && *sub.TMDBID > 0:
		clause, args = "tmdbid = ?", []any{*sub.TMDBID}
	case sub.DoubanID != "":
		clause, args = "doubanid = ?", []any{sub.DoubanID}
	default:
		clause, args = "title = ? AND year = ?", []any{sub.Title, sub.Year}
	}
	clause += " AND type = ?"
	args = append(args, sub.Type)
	if sub.Season != nil {
		clause += " AND season = ?"
		args = append(args, *sub.Season)
	} else {
		clause += " AND season IS NULL"
	}
	return clause, args
}

// Create inserts the subscription unless one with the same identity exists, in which case the existing
// row is returned with created=false.
func (s *SubscriptionStore) Create(ctx context.Context, sub *Subscription) (*Subscription, bool, error) {
	if sub == nil || strings.TrimSpace(sub.Title) == "" || (sub.Type != MediaMovie && sub.Type != MediaTV) {
		return nil, false, ErrSubscriptionInvalid
	}
	if wanted := sub.WantedEpisodes(); sub.LackEpisodes == 0 || sub.LackEpisodes > wanted {
		sub.LackEpisodes = wanted
	}
	if sub.State == "" {
		sub.State = SubscriptionNew
	}
	sites, err := encodeIntSlice(sub.Sites)
	if err != nil {
		return nil, false, fmt.Errorf("encode sites: %w", err)
	}

	var id int
	created := false
	err = dbinterface.WithTx(ctx, s.db, func(tx dbinterface.TxQuerier) error {
		clause, args := identityClause(sub)
		err := tx.QueryRowContext(ctx, `SELECT id FROM subscriptions WHERE `+clause+` LIMIT 1`, args...).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var doubanID sql.NullString
		if sub.DoubanID != "" {
			doubanID = sql.NullString{String: sub.DoubanID, Valid: true}
		}
		created = true
		return tx.QueryRowContext(ctx, `
			INSERT INTO subscriptions (type, title, year, tmdbid, doubanid, season, total_episodes, start_episode,
				lack_episodes, filter_rule, include, exclude, sites, best_version, current_priority, state, username)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`, sub.Type, strings.TrimSpace(sub.Title), sub.Year, nullInt(sub.TMDBID), doubanID, nullInt(sub.Season),
			sub.TotalEpisodes, sub.StartEpisode, sub.LackEpisodes, sub.FilterRule, sub.Include, sub.Exclude, sites,
			sub.BestVersion, sub.CurrentPriority, sub.State, sub.Username).Scan(&id)
	})
	if err != nil {
		return nil, false, fmt.Errorf("create subscription: %w", err)
	}

	out, err := s.Get(ctx, id)
	return out, created, err
}

func (s *SubscriptionStore) Get(ctx context.Context, id int) (*Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

// List returns subscriptions in creation order. An empty state matches all.
func (s *SubscriptionStore) List(ctx context.Context, state SubscriptionState) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	var args []any
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, state)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// Update writes the user-editable fields.
func (s *SubscriptionStore) Update(ctx context.Context, sub *Subscription) (*Subscription, error) {
	sites, err := encodeIntSlice(sub.Sites)
	if err != nil {
		return nil, fmt.Errorf("encode sites: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET filter_rule = ?, include = ?, exclude = ?, sites = ?, best_version = ?,
			start_episode = ?, last_update = CURRENT_TIMESTAMP
		WHERE id = ?
	`, sub.FilterRule, sub.Include, sub.Exclude, sites, sub.BestVersion, sub.StartEpisode, sub.ID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrSubscriptionNotFound
	}
	return s.Get(ctx, sub.ID)
}

func (s *SubscriptionStore) SetState(ctx context.Context, id int, state SubscriptionState) error {
	return s.exec(ctx, `UPDATE subscriptions SET state = ?, last_update = CURRENT_TIMESTAMP WHERE id = ?`, state, id)
}

func (s *SubscriptionStore) UpdatePriority(ctx context.Context, id, priority int) error {
	return s.exec(ctx, `UPDATE subscriptions SET current_priority = ?, last_update = CURRENT_TIMESTAMP WHERE id = ?`, priority, id)
}

// SetMetadata fills identity fields discovered by a metadata refresh.
func (s *SubscriptionStore) SetMetadata(ctx context.Context, id int, tmdbID int, year string) error {
	return s.exec(ctx, `
		UPDATE subscriptions SET tmdbid = COALESCE(tmdbid, ?), year = CASE WHEN year = '' THEN ? ELSE year END,
			last_update = CURRENT_TIMESTAMP
		WHERE id = ?`, tmdbID, year, id)
}

func (s *SubscriptionStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// GrowTotal raises total_episodes and adds the delta to lack_episodes. Shrinking is ignored.
func (s *SubscriptionStore) GrowTotal(ctx context.Context, id, total int) (delta int, err error) {
	err = dbinterface.WithTx(ctx, s.db, func(tx dbinterface.TxQuerier) error {
		var current int
		if err := tx.QueryRowContext(ctx, `SELECT total_episodes FROM subscriptions WHERE id = ?`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrSubscriptionNotFound
			}
			return err
		}
		if total <= current {
			return nil
		}
		delta = total - current
		_, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET total_episodes = ?, lack_episodes = lack_episodes + ?, last_update = CURRENT_TIMESTAMP
			WHERE id = ?`, total, delta, id)
		return err
	})
	return delta, err
}

// DecrementLack records episodes as obtained and subtracts the newly recorded ones from lack_episodes.
// Episodes already recorded or outside [start_episode, total_episodes] are ignored.
// completed is true only for the call that brings lack to zero.
func (s *SubscriptionStore) DecrementLack(ctx context.Context, id int, episodes []int) (completed bool, err error) {
	err = dbinterface.WithTx(ctx, s.db, func(tx dbinterface.TxQuerier) error {
		var lack, start, total int
		if err := tx.QueryRowContext(ctx, `SELECT lack_episodes, start_episode, total_episodes FROM subscriptions WHERE id = ?`, id).
			Scan(&lack, &start, &total); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrSubscriptionNotFound
			}
			return err
		}
		if lack <= 0 {
			return nil
		}
		first := max(start, 1)

		added := 0
		for _, ep := range episodes {
			if ep < first || ep > total {
				continue
			}
			res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO subscription_episodes (subscription_id, episode) VALUES (?, ?)`, id, ep)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				added++
			}
		}
		if added == 0 {
			return nil
		}

		remaining := max(lack-added, 0)
		if _, err := tx.ExecContext(ctx, `UPDATE subscriptions SET lack_episodes = ?, last_update = CURRENT_TIMESTAMP WHERE id = ?`,
			remaining, id); err != nil {
			return err
		}
		completed = remaining == 0
		return nil
	})
	return completed, err
}

// ObtainedEpisodes lists episodes recorded by DecrementLack.
func (s *SubscriptionStore) ObtainedEpisodes(ctx context.Context, id int) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT episode FROM subscription_episodes WHERE subscription_id = ? ORDER BY episode`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var ep int
		if err := rows.Scan(&ep); err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// ResetLack clears obtained episodes so a best-version subscription looks for every wanted episode again.
func (s *SubscriptionStore) ResetLack(ctx context.Context, id int) error {
	return dbinterface.WithTx(ctx, s.db, func(tx dbinterface.TxQuerier) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscription_episodes WHERE subscription_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE subscriptions
			SET lack_episodes = MAX(total_episodes - MAX(start_episode, 1) + 1, 0), last_update = CURRENT_TIMESTAMP
			WHERE id = ?`, id)
		return err
	})
}

func (s *SubscriptionStore) Delete(ctx context.Context, id int) error {
	return s.exec(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
}
