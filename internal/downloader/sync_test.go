// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloader_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/flowarr/internal/database"
	"github.com/autobrr/flowarr/internal/downloader"
	"github.com/autobrr/flowarr/internal/downloader/downloadertest"
	"github.com/autobrr/flowarr/internal/models"
)

type clientList []downloader.Client

func (l clientList) Active(context.Context) ([]downloader.Client, error) { return l, nil }

func newTaskStore(t *testing.T) *models.TaskStore {
	t.Helper()
	db, err := database.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return models.NewTaskStore(db)
}

func hashN(n int) string {
	return fmt.Sprintf("%040x", n)
}

func TestSyncReconcilesTasks(t *testing.T) {
	ctx := context.Background()
	tasks := newTaskStore(t)
	fake := downloadertest.New(1, "qb")

	fake.Put(downloader.Torrent{Hash: hashN(1), State: models.TaskDownloading, Progress: 0.5, DlSpeed: 1000, Size: 4096, Downloaded: 2048})
	fake.Put(downloader.Torrent{Hash: hashN(2), State: models.TaskCompleted, Progress: 1, SavePath: "/dl", Size: 20},
		downloader.File{ID: 0, Path: "Foo.S01/Foo.S01E01.mkv", Size: 10},
		downloader.File{ID: 1, Path: "Foo.S01/Foo.S01E02.mkv", Size: 10, Skipped: true},
	)
	for n, state := range map[int]models.TaskState{
		1: models.TaskDownloading,
		2: models.TaskDownloading,
		3: models.TaskDownloading,
		4: models.TaskOrganized,
	} {
		_, err := tasks.UpsertTask(ctx, &models.DownloadTask{Hash: hashN(n), DownloaderID: 1, Title: fmt.Sprintf("t%d", n), State: state})
		require.NoError(t, err)
	}
	_, err := tasks.UpsertTask(ctx, &models.DownloadTask{Hash: hashN(5), DownloaderID: 2, Title: "elsewhere", State: models.TaskDownloading})
	require.NoError(t, err)

	summary, err := downloader.NewSyncer(clientList{fake}, tasks).Run(ctx)
	require.NoError(t, err)

	got, err := tasks.Get(ctx, hashN(1))
	require.NoError(t, err)
	assert.Equal(t, models.TaskDownloading, got.State)
	assert.InDelta(t, 0.5, got.Progress, 1e-9)
	assert.Equal(t, int64(1000), got.DlSpeed)
	assert.Equal(t, int64(2048), got.Downloaded)

	got, err = tasks.Get(ctx, hashN(2))
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.State)
	files, err := tasks.ListFiles(ctx, hashN(2))
	require.NoError(t, err)
	require.Len(t, files, 1, "skipped files are not recorded")
	assert.Equal(t, filepath.Join("/dl", "Foo.S01", "Foo.S01E01.mkv"), files[0].FullPath)
	assert.Equal(t, "Foo.S01E01.mkv", files[0].Name)

	got, err = tasks.Get(ctx, hashN(3))
	require.NoError(t, err)
	assert.Equal(t, models.TaskErrored, got.State, "missing torrent marks the task errored")

	got, err = tasks.Get(ctx, hashN(4))
	require.NoError(t, err)
	assert.Equal(t, models.TaskOrganized, got.State)

	got, err = tasks.Get(ctx, hashN(5))
	require.NoError(t, err)
	assert.Equal(t, models.TaskDownloading, got.State, "tasks of unreachable downloaders stay as they are")

	assert.Len(t, summary.Lines(), 1)
}

func TestSyncSkipsDownloaderThatCannotList(t *testing.T) {
	ctx := context.Background()
	tasks := newTaskStore(t)
	fake := downloadertest.New(1, "qb")
	fake.SetInactive(true)

	_, err := tasks.UpsertTask(ctx, &models.DownloadTask{Hash: hashN(1), DownloaderID: 1, Title: "t", State: models.TaskDownloading})
	require.NoError(t, err)

	summary, err := downloader.NewSyncer(clientList{fake}, tasks).Run(ctx)
	require.NoError(t, err)
	_, failed, _ := summary.Counts()
	assert.Equal(t, 1, failed)

	got, err := tasks.Get(ctx, hashN(1))
	require.NoError(t, err)
	assert.Equal(t, models.TaskDownloading, got.State)
}

func TestErroredTaskRevivesOnResubmit(t *testing.T) {
	ctx := context.Background()
	tasks := newTaskStore(t)
	fake := downloadertest.New(1, "qb")
	sub := downloader.NewSubmitter(tasks, nil, "")
	req := downloader.Submission{Request: downloader.AddRequest{URL: "https://site.example/dl/1"}, Task: models.DownloadTask{Title: "Foo"}}

	hash, created, err := sub.Submit(ctx, fake, req)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, fake.Delete(ctx, []string{hash}, true))
	_, err = downloader.NewSyncer(clientList{fake}, tasks).Run(ctx)
	require.NoError(t, err)

	again, created, err := sub.Submit(ctx, fake, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, hash, again)

	got, err := tasks.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, models.TaskDownloading, got.State)
}
