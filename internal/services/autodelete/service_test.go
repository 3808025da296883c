// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package autodelete

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/flowarr/internal/database"
	"github.com/autobrr/flowarr/internal/downloader"
	"github.com/autobrr/flowarr/internal/downloader/downloadertest"
	"github.com/autobrr/flowarr/internal/models"
)

type staticClients []downloader.Client

func (c staticClients) Active(context.Context) ([]downloader.Client, error) { return c, nil }

type staticPolicies []*Policy

func (p staticPolicies) List(context.Context) ([]*Policy, error) { return p, nil }

const (
	hashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	hashC = "cccccccccccccccccccccccccccccccccccccccc"
)

func TestDeleteByRatio(t *testing.T) {
	ctx := context.Background()
	fake := downloadertest.New(1, "qb")
	fake.Put(downloader.Torrent{Hash: hashA, Name: "Foo.S01", State: models.TaskCompleted, Ratio: 2.1})
	fake.Put(downloader.Torrent{Hash: hashB, Name: "Bar.2023", State: models.TaskCompleted, Ratio: 1.2})
	fake.Put(downloader.Torrent{Hash: hashC, Name: "Baz", State: models.TaskDownloading, Ratio: 5})

	svc := NewService(staticClients{fake}, staticPolicies{
		{Name: "ratio", Enabled: true, Action: ActionDelete, SeedRatio: 2.0, MatchAll: true},
	})
	summary, err := svc.Run(ctx)
	require.NoError(t, err)

	deletes := fake.Calls("delete")
	require.Len(t, deletes, 1)
	assert.Equal(t, []string{hashA}, deletes[0].Hashes)
	assert.False(t, deletes[0].AlsoFiles)
	require.Len(t, summary.Lines(), 1)
	assert.Contains(t, summary.Lines()[0], "Foo.S01")

	// nothing left to do on the next run
	summary, err = svc.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, fake.Calls("delete"), 1)
	assert.True(t, summary.Empty())

	activity := svc.Activity(1, 0)
	require.Len(t, activity, 1)
	assert.Equal(t, ActivityOutcomeSucceeded, activity[0].Outcome)
}

func TestScopeAndActions(t *testing.T) {
	ctx := context.Background()
	fake := downloadertest.New(1, "qb")
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fake.Put(downloader.Torrent{Hash: hashA, Name: "brushed", State: models.TaskCompleted, Ratio: 0.1,
		Tags: []string{downloader.TagBrush}, CompletedAt: now.Add(-50 * time.Hour)})
	fake.Put(downloader.Torrent{Hash: hashB, Name: "kept", State: models.TaskCompleted, Ratio: 0.1,
		Tags: []string{downloader.TagAutoSeed}, CompletedAt: now.Add(-50 * time.Hour)})
	fake.Put(downloader.Torrent{Hash: hashC, Name: "tracked", State: models.TaskOrganized, Ratio: 3,
		Tracker: "https://tracker.example.org/announce"})

	svc := NewService(staticClients{fake}, staticPolicies{
		{Name: "a-brush", Enabled: true, Action: ActionDeleteFiles, SeedTimeMinutes: 48 * 60, Tags: []string{"brush"}},
		{Name: "b-tracker", Enabled: true, Action: ActionPause, SeedRatio: 2, Trackers: []string{"tracker.example.org"}},
		{Name: "c-disabled", Enabled: false, Action: ActionDelete, SeedRatio: 0.01, MatchAll: true},
		{Name: "d-other-client", Enabled: true, Action: ActionDelete, SeedRatio: 0.01, MatchAll: true, Downloaders: []int{2}},
	})
	svc.now = func() time.Time { return now }

	summary, err := svc.Run(ctx)
	require.NoError(t, err)

	deletes := fake.Calls("delete")
	require.Len(t, deletes, 1)
	assert.Equal(t, []string{hashA}, deletes[0].Hashes)
	assert.True(t, deletes[0].AlsoFiles)

	pauses := fake.Calls("pause")
	require.Len(t, pauses, 1)
	assert.Equal(t, []string{hashC}, pauses[0].Hashes)

	added, failed, _ := summary.Counts()
	assert.Equal(t, 2, added)
	assert.Zero(t, failed)
}

func TestExclusionsWinOverMatchAll(t *testing.T) {
	p := &Policy{Name: "x", Action: ActionDelete, SeedRatio: 1, MatchAll: true, Categories: []string{"keep"}, ExcludeCategories: true}
	assert.False(t, p.inScope(&downloader.Torrent{Category: "Keep"}))
	assert.True(t, p.inScope(&downloader.Torrent{Category: "tv"}))

	p = &Policy{Name: "y", Action: ActionDelete, SeedRatio: 1}
	assert.False(t, p.inScope(&downloader.Torrent{Category: "tv"}), "no inclusion criteria matches nothing")
}

func TestPolicyStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := database.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewPolicyStore(models.NewKVStore(db))
	require.ErrorIs(t, store.Save(ctx, &Policy{Name: "empty", Action: ActionDelete}), ErrInvalidPolicy)
	require.ErrorIs(t, store.Save(ctx, &Policy{Name: "bad", Action: "nuke", SeedRatio: 1}), ErrInvalidPolicy)

	require.NoError(t, store.Save(ctx, &Policy{Name: "b", Enabled: true, Action: ActionPause, SeedRatio: 1.5, MatchAll: true}))
	require.NoError(t, store.Save(ctx, &Policy{Name: "a", Action: ActionDelete, SeedTimeMinutes: 60, Tags: []string{"brush"}}))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, 1.5, list[1].SeedRatio)

	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, models.ErrKeyNotFound)
}
