// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package downloadertest provides an in-memory downloader for service tests.
package downloadertest

import (
	"context"
	"crypto/sha1"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/autobrr/flowarr/internal/downloader"
	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/torrentfile"
)

// Call records one mutating operation.
type Call struct {
	Op        string
	Hashes    []string
	AlsoFiles bool
	Request   *downloader.AddRequest
	Tags      []string
}

// Fake is a thread-safe in-memory downloader.Client.
type Fake struct {
	IDValue   int
	NameValue string

	mu       sync.Mutex
	torrents map[string]*downloader.Torrent
	files    map[string][]downloader.File
	calls    []Call
	stats    downloader.Stats
	inactive bool

	// FilesFor, when set, produces the file list of a newly added torrent.
	FilesFor func(req downloader.AddRequest) []downloader.File
	// AddErr fails every Add when set.
	AddErr error
	// RecheckResult is the state a torrent reaches after Recheck.
	RecheckResult models.TaskState
}

func New(id int, name string) *Fake {
	return &Fake{
		IDValue:       id,
		NameValue:     name,
		torrents:      map[string]*downloader.Torrent{},
		files:         map[string][]downloader.File{},
		stats:         downloader.Stats{FreeSpace: -1},
		RecheckResult: models.TaskCompleted,
	}
}

func (f *Fake) ID() int                     { return f.IDValue }
func (f *Fake) Name() string                { return f.NameValue }
func (f *Fake) Kind() models.DownloaderKind { return models.DownloaderQbittorrent }

// Put seeds a torrent and its files.
func (f *Fake) Put(t downloader.Torrent, files ...downloader.File) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.Hash = models.NormalizeHash(t.Hash)
	f.torrents[t.Hash] = &t
	if len(files) > 0 {
		f.files[t.Hash] = files
	}
}

// Torrent returns a copy of the stored torrent.
func (f *Fake) Torrent(hash string) (downloader.Torrent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.torrents[models.NormalizeHash(hash)]
	if !ok {
		return downloader.Torrent{}, false
	}
	out := *t
	out.Tags = slices.Clone(t.Tags)
	return out, true
}

func (f *Fake) SetStats(s downloader.Stats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = s
}

func (f *Fake) SetInactive(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inactive = v
}

// Calls returns the recorded operations named op, or all when op is empty.
func (f *Fake) Calls(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) record(c Call) {
	f.calls = append(f.calls, c)
}

func (f *Fake) Add(_ context.Context, req downloader.AddRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reqCopy := req
	f.record(Call{Op: "add", Request: &reqCopy, Tags: req.Tags})
	if f.AddErr != nil {
		return "", f.AddErr
	}

	var hash, name string
	if len(req.Content) > 0 {
		h, err := torrentfile.HashOf(req.Content)
		if err != nil {
			return "", err
		}
		hash = h
		if t, err := torrentfile.Parse(req.Content); err == nil {
			name = t.Name
		}
	} else {
		hash = fmt.Sprintf("%x", sha1.Sum([]byte(req.URL)))
		name = req.URL
	}
	if _, ok := f.torrents[hash]; ok {
		return hash, nil
	}

	state := models.TaskDownloading
	if req.Paused {
		state = models.TaskPaused
	}
	f.torrents[hash] = &downloader.Torrent{
		Hash:     hash,
		Name:     name,
		State:    state,
		SavePath: req.SavePath,
		Category: req.Category,
		Tags:     slices.Clone(req.Tags),
		AddedAt:  time.Now().UTC(),
	}
	if f.FilesFor != nil {
		f.files[hash] = f.FilesFor(req)
	}
	return hash, nil
}

func (f *Fake) List(_ context.Context, filter downloader.Filter) ([]downloader.Torrent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inactive {
		return nil, downloader.Unavailable("list torrents", fmt.Errorf("%s offline", f.NameValue))
	}
	var out []downloader.Torrent
	for _, t := range f.torrents {
		if filter.Match(t) {
			cp := *t
			cp.Tags = slices.Clone(t.Tags)
			out = append(out, cp)
		}
	}
	slices.SortFunc(out, func(a, b downloader.Torrent) int {
		if c := a.AddedAt.Compare(b.AddedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Hash, b.Hash)
	})
	return out, nil
}

func (f *Fake) Files(_ context.Context, hash string) ([]downloader.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.files[models.NormalizeHash(hash)]), nil
}

func (f *Fake) SelectFiles(_ context.Context, hash string, fileIDs []int, priority downloader.Priority) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash = models.NormalizeHash(hash)
	f.record(Call{Op: "select", Hashes: []string{hash}})
	files := f.files[hash]
	for i := range files {
		if slices.Contains(fileIDs, files[i].ID) {
			files[i].Skipped = priority == downloader.PrioritySkip
		}
	}
	return nil
}

func (f *Fake) Delete(_ context.Context, hashes []string, alsoFiles bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	hashes = downloader.NormalizeHashes(hashes)
	f.record(Call{Op: "delete", Hashes: hashes, AlsoFiles: alsoFiles})
	for _, h := range hashes {
		delete(f.torrents, h)
		delete(f.files, h)
	}
	return nil
}

func (f *Fake) setState(op string, hashes []string, state func(t *downloader.Torrent) models.TaskState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hashes = downloader.NormalizeHashes(hashes)
	f.record(Call{Op: op, Hashes: hashes})
	for _, h := range hashes {
		if t, ok := f.torrents[h]; ok {
			t.State = state(t)
		}
	}
}

func (f *Fake) Pause(_ context.Context, hashes []string) error {
	f.setState("pause", hashes, func(*downloader.Torrent) models.TaskState { return models.TaskPaused })
	return nil
}

func (f *Fake) Resume(_ context.Context, hashes []string) error {
	f.setState("resume", hashes, func(t *downloader.Torrent) models.TaskState {
		if t.Progress >= 1 {
			return models.TaskCompleted
		}
		return models.TaskDownloading
	})
	return nil
}

func (f *Fake) Recheck(_ context.Context, hashes []string) error {
	f.setState("recheck", hashes, func(t *downloader.Torrent) models.TaskState {
		if f.RecheckResult == models.TaskCompleted {
			t.Progress = 1
		}
		return f.RecheckResult
	})
	return nil
}

func (f *Fake) AddTrackers(_ context.Context, hash string, urls []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "trackers", Hashes: []string{models.NormalizeHash(hash)}, Tags: urls})
	return nil
}

func (f *Fake) AddTags(_ context.Context, hashes []string, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	hashes = downloader.NormalizeHashes(hashes)
	f.record(Call{Op: "addTags", Hashes: hashes, Tags: tags})
	for _, h := range hashes {
		t, ok := f.torrents[h]
		if !ok {
			continue
		}
		for _, tag := range tags {
			if !t.HasTag(tag) {
				t.Tags = append(t.Tags, tag)
			}
		}
	}
	return nil
}

func (f *Fake) RemoveTags(_ context.Context, hashes []string, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	hashes = downloader.NormalizeHashes(hashes)
	f.record(Call{Op: "removeTags", Hashes: hashes, Tags: tags})
	for _, h := range hashes {
		if t, ok := f.torrents[h]; ok {
			t.Tags = slices.DeleteFunc(t.Tags, func(have string) bool { return slices.Contains(tags, have) })
		}
	}
	return nil
}

func (f *Fake) Stats(context.Context) (*downloader.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats
	return &s, nil
}

func (f *Fake) IsInactive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inactive
}

func (f *Fake) Reconnect(context.Context) error {
	f.SetInactive(false)
	return nil
}
