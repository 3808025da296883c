// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbittorrent implements the downloader port over the qBittorrent WebAPI.
package qbittorrent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/downloader"
	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/torrentfile"
)

var (
	tagsMinVersion    = semver.MustParse("2.3.0")
	stoppedMinVersion = semver.MustParse("2.11.0")
)

const (
	defaultTimeout  = 60 * time.Second
	transientPrefix = "flowarr-"
)

// api is the subset of the go-qbittorrent client this adapter drives.
type api interface {
	LoginCtx(ctx context.Context) error
	GetWebAPIVersionCtx(ctx context.Context) (string, error)
	AddTorrentFromMemoryCtx(ctx context.Context, buf []byte, options map[string]string) error
	AddTorrentFromUrlCtx(ctx context.Context, url string, options map[string]string) error
	GetTorrentsCtx(ctx context.Context, o qbt.TorrentFilterOptions) ([]qbt.Torrent, error)
	GetFilesInformationCtx(ctx context.Context, hash string) (*qbt.TorrentFiles, error)
	SetFilePriorityCtx(ctx context.Context, hash string, ids string, priority int) error
	DeleteTorrentsCtx(ctx context.Context, hashes []string, deleteFiles bool) error
	PauseCtx(ctx context.Context, hashes []string) error
	ResumeCtx(ctx context.Context, hashes []string) error
	RecheckCtx(ctx context.Context, hashes []string) error
	AddTrackersCtx(ctx context.Context, hash string, urls string) error
	AddTagsCtx(ctx context.Context, hashes []string, tags string) error
	RemoveTagsCtx(ctx context.Context, hashes []string, tags string) error
	GetTransferInfoCtx(ctx context.Context) (*qbt.TransferInfo, error)
}

type Client struct {
	api  api
	id   int
	name string
	host string
	// labels are attached to every torrent this client adds.
	labels          []string
	categoryEnabled bool

	mu              sync.RWMutex
	webAPIVersion   string
	supportsTags    bool
	supportsStopped bool

	healthMu        sync.RWMutex
	inactive        bool
	lastHealthCheck time.Time

	resolveAttempts uint
	resolveDelay    time.Duration
}

// New is the downloader.Factory for qBittorrent.
func New(ctx context.Context, d *models.Downloader, password string) (downloader.Client, error) {
	cfg := qbt.Config{
		Host:          d.Endpoint(),
		Username:      d.Username,
		Password:      password,
		Timeout:       int(defaultTimeout.Seconds()),
		TLSSkipVerify: d.TLSSkipVerify,
	}
	c := newClient(qbt.NewClient(cfg), d)

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to qBittorrent %s: %w", d.Name, err)
	}

	log.Debug().
		Int("downloaderID", d.ID).
		Str("host", d.Endpoint()).
		Str("webAPIVersion", c.WebAPIVersion()).
		Bool("supportsTags", c.SupportsTags()).
		Msg("qBittorrent client created successfully")
	return c, nil
}

func newClient(a api, d *models.Downloader) *Client {
	return &Client{
		api:             a,
		id:              d.ID,
		name:            d.Name,
		host:            d.Endpoint(),
		labels:          d.Labels,
		categoryEnabled: d.CategoryEnabled,
		supportsTags:    true,
		resolveAttempts: 5,
		resolveDelay:    time.Second,
	}
}

func (c *Client) ID() int                     { return c.id }
func (c *Client) Name() string                { return c.name }
func (c *Client) Kind() models.DownloaderKind { return models.DownloaderQbittorrent }

func (c *Client) connect(ctx context.Context) error {
	if err := c.api.LoginCtx(ctx); err != nil {
		c.setInactive(true)
		return err
	}
	if err := c.RefreshCapabilities(ctx); err != nil {
		log.Warn().Err(err).Int("downloaderID", c.id).Str("host", c.host).Msg("Failed to refresh qBittorrent capabilities")
	}
	c.setInactive(false)
	return nil
}

// Reconnect logs in again and refreshes capability flags.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.connect(ctx)
}

func (c *Client) IsInactive() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.inactive
}

func (c *Client) setInactive(inactive bool) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.inactive = inactive
	c.lastHealthCheck = time.Now()
}

// RefreshCapabilities fetches the WebAPI version and recalculates feature flags.
func (c *Client) RefreshCapabilities(ctx context.Context) error {
	version, err := c.api.GetWebAPIVersionCtx(ctx)
	if err != nil {
		return err
	}
	version = strings.TrimSpace(version)
	if version == "" {
		return errors.New("web API version is empty")
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("parse web API version %q: %w", version, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.webAPIVersion = version
	c.supportsTags = !v.LessThan(tagsMinVersion)
	c.supportsStopped = !v.LessThan(stoppedMinVersion)
	return nil
}

func (c *Client) WebAPIVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webAPIVersion
}

func (c *Client) SupportsTags() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsTags
}

// track flips the client inactive on connection or credential failures.
func (c *Client) track(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isConnectionError(err) {
		c.setInactive(true)
		return downloader.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConnectionError(err error) bool {
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "login") ||
		strings.Contains(msg, "credentials") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "forbidden")
}

func (c *Client) addOptions(req downloader.AddRequest, tags []string) map[string]string {
	opts := map[string]string{}
	if req.SavePath != "" {
		opts["savepath"] = req.SavePath
	}
	if len(tags) > 0 {
		opts["tags"] = strings.Join(tags, ",")
	}
	if c.categoryEnabled && req.Category != "" {
		opts["category"] = req.Category
	}
	if req.Paused {
		c.mu.RLock()
		stopped := c.supportsStopped
		c.mu.RUnlock()
		if stopped {
			opts["stopped"] = "true"
		} else {
			opts["paused"] = "true"
		}
	}
	return opts
}

// Add submits a torrent and returns its hash. The torrent carries a random
// transient tag until the hash is resolved by tag lookup. Adding content the
// client already holds is a no-op that returns the existing hash.
func (c *Client) Add(ctx context.Context, req downloader.AddRequest) (string, error) {
	if len(req.Content) == 0 && req.URL == "" {
		return "", errors.New("add torrent: no content or url")
	}

	if len(req.Content) > 0 {
		if known, err := torrentfile.HashOf(req.Content); err == nil {
			existing, err := c.api.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Hashes: []string{known}})
			if err != nil {
				return "", c.track("add torrent", err)
			}
			if len(existing) > 0 {
				log.Debug().Str("downloader", c.name).Str("hash", known).Msg("Torrent already present, skipping add")
				return known, nil
			}
		}
	}

	transient := transientPrefix + uuid.NewString()
	tags := append(append([]string{}, req.Tags...), c.labels...)
	if c.SupportsTags() {
		tags = append(tags, transient)
	}
	opts := c.addOptions(req, tags)

	var err error
	switch {
	case len(req.Content) > 0 && torrentfile.IsMagnet(string(req.Content)):
		err = c.api.AddTorrentFromUrlCtx(ctx, strings.TrimSpace(string(req.Content)), opts)
	case len(req.Content) > 0:
		err = c.api.AddTorrentFromMemoryCtx(ctx, req.Content, opts)
	default:
		err = c.api.AddTorrentFromUrlCtx(ctx, req.URL, opts)
	}
	if err != nil {
		return "", c.track("add torrent", err)
	}

	if !c.SupportsTags() {
		if len(req.Content) == 0 {
			return "", errors.New("add torrent: cannot resolve hash of url submission without tag support")
		}
		return torrentfile.HashOf(req.Content)
	}

	hash, err := c.resolveByTag(ctx, transient)
	if err != nil {
		return "", err
	}
	if err := c.api.RemoveTagsCtx(ctx, []string{hash}, transient); err != nil {
		log.Warn().Err(err).Str("hash", hash).Str("tag", transient).Msg("Failed to remove transient tag")
	}
	return hash, nil
}

func (c *Client) resolveByTag(ctx context.Context, tag string) (string, error) {
	var hash string
	err := retry.Do(
		func() error {
			torrents, err := c.api.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Tag: tag})
			if err != nil {
				return err
			}
			if len(torrents) == 0 {
				return fmt.Errorf("no torrent carries tag %s yet", tag)
			}
			hash = models.NormalizeHash(torrents[0].Hash)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.resolveAttempts),
		retry.Delay(c.resolveDelay),
		retry.MaxDelay(5*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", c.track("resolve torrent hash", err)
	}
	return hash, nil
}

func (c *Client) List(ctx context.Context, filter downloader.Filter) ([]downloader.Torrent, error) {
	opts := qbt.TorrentFilterOptions{Hashes: downloader.NormalizeHashes(filter.Hashes)}
	if len(filter.Tags) == 1 {
		opts.Tag = filter.Tags[0]
	}
	torrents, err := c.api.GetTorrentsCtx(ctx, opts)
	if err != nil {
		return nil, c.track("list torrents", err)
	}
	c.setInactive(false)

	out := make([]downloader.Torrent, 0, len(torrents))
	for i := range torrents {
		t := convertTorrent(&torrents[i])
		if filter.Match(&t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func convertTorrent(t *qbt.Torrent) downloader.Torrent {
	out := downloader.Torrent{
		Hash:        models.NormalizeHash(t.Hash),
		Name:        t.Name,
		State:       mapState(t.State),
		Progress:    t.Progress,
		DlSpeed:     t.DlSpeed,
		UpSpeed:     t.UpSpeed,
		Size:        t.Size,
		Uploaded:    t.Uploaded,
		Downloaded:  t.Downloaded,
		Ratio:       t.Ratio,
		SeedingTime: time.Duration(t.SeedingTime) * time.Second,
		SavePath:    t.SavePath,
		ContentPath: t.ContentPath,
		Category:    t.Category,
		Tracker:     t.Tracker,
		Tags:        splitTags(t.Tags),
	}
	if t.AddedOn > 0 {
		out.AddedAt = time.Unix(t.AddedOn, 0).UTC()
	}
	if t.CompletionOn > 0 {
		out.CompletedAt = time.Unix(t.CompletionOn, 0).UTC()
	}
	return out
}

func splitTags(raw string) []string {
	var out []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" && !strings.HasPrefix(tag, transientPrefix) {
			out = append(out, tag)
		}
	}
	return out
}

func mapState(state qbt.TorrentState) models.TaskState {
	switch state {
	case qbt.TorrentStateDownloading, qbt.TorrentStateStalledDl, qbt.TorrentStateMetaDl,
		qbt.TorrentStateForcedDl, qbt.TorrentStateQueuedDl, qbt.TorrentStateAllocating,
		qbt.TorrentStateCheckingDl, qbt.TorrentStateMoving:
		return models.TaskDownloading
	case qbt.TorrentStateUploading, qbt.TorrentStateStalledUp, qbt.TorrentStateForcedUp,
		qbt.TorrentStateQueuedUp, qbt.TorrentStateCheckingUp, qbt.TorrentStatePausedUp,
		qbt.TorrentStateStoppedUp:
		return models.TaskCompleted
	case qbt.TorrentStatePausedDl, qbt.TorrentStateStoppedDl:
		return models.TaskPaused
	case qbt.TorrentStateError, qbt.TorrentStateMissingFiles:
		return models.TaskErrored
	default:
		return models.TaskPending
	}
}

func (c *Client) Files(ctx context.Context, hash string) ([]downloader.File, error) {
	files, err := c.api.GetFilesInformationCtx(ctx, models.NormalizeHash(hash))
	if err != nil {
		return nil, c.track("list files", err)
	}
	if files == nil {
		return nil, nil
	}
	out := make([]downloader.File, 0, len(*files))
	for i, f := range *files {
		// WebAPI before 2.8.2 omits index; position is the index there.
		id := f.Index
		if id == 0 && i > 0 {
			id = i
		}
		out = append(out, downloader.File{
			ID:       id,
			Path:     f.Name,
			Size:     f.Size,
			Progress: float64(f.Progress),
			Skipped:  f.Priority == 0,
		})
	}
	return out, nil
}

func (c *Client) SelectFiles(ctx context.Context, hash string, fileIDs []int, priority downloader.Priority) error {
	if len(fileIDs) == 0 {
		return nil
	}
	ids := make([]string, len(fileIDs))
	for i, id := range fileIDs {
		if id < 0 {
			return errors.New("file indices must be non-negative")
		}
		ids[i] = strconv.Itoa(id)
	}
	qbPriority := 1
	if priority == downloader.PrioritySkip {
		qbPriority = 0
	}
	return c.track("set file priority", c.api.SetFilePriorityCtx(ctx, models.NormalizeHash(hash), strings.Join(ids, "|"), qbPriority))
}

func (c *Client) Delete(ctx context.Context, hashes []string, alsoFiles bool) error {
	hashes = downloader.NormalizeHashes(hashes)
	if len(hashes) == 0 {
		return nil
	}
	return c.track("delete torrents", c.api.DeleteTorrentsCtx(ctx, hashes, alsoFiles))
}

func (c *Client) Pause(ctx context.Context, hashes []string) error {
	return c.track("pause torrents", c.api.PauseCtx(ctx, downloader.NormalizeHashes(hashes)))
}

func (c *Client) Resume(ctx context.Context, hashes []string) error {
	return c.track("resume torrents", c.api.ResumeCtx(ctx, downloader.NormalizeHashes(hashes)))
}

func (c *Client) Recheck(ctx context.Context, hashes []string) error {
	return c.track("recheck torrents", c.api.RecheckCtx(ctx, downloader.NormalizeHashes(hashes)))
}

func (c *Client) AddTrackers(ctx context.Context, hash string, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	return c.track("add trackers", c.api.AddTrackersCtx(ctx, models.NormalizeHash(hash), strings.Join(urls, "\n")))
}

func (c *Client) AddTags(ctx context.Context, hashes []string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	if !c.SupportsTags() {
		return fmt.Errorf("qBittorrent WebAPI %s does not support tags", c.WebAPIVersion())
	}
	return c.track("add tags", c.api.AddTagsCtx(ctx, downloader.NormalizeHashes(hashes), strings.Join(tags, ",")))
}

func (c *Client) RemoveTags(ctx context.Context, hashes []string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	if !c.SupportsTags() {
		return fmt.Errorf("qBittorrent WebAPI %s does not support tags", c.WebAPIVersion())
	}
	return c.track("remove tags", c.api.RemoveTagsCtx(ctx, downloader.NormalizeHashes(hashes), strings.Join(tags, ",")))
}

func (c *Client) Stats(ctx context.Context) (*downloader.Stats, error) {
	info, err := c.api.GetTransferInfoCtx(ctx)
	if err != nil {
		return nil, c.track("get transfer info", err)
	}
	c.setInactive(false)
	return &downloader.Stats{
		DlSpeed:   info.DlInfoSpeed,
		UpSpeed:   info.UpInfoSpeed,
		DlTotal:   info.DlInfoData,
		UpTotal:   info.UpInfoData,
		FreeSpace: -1,
	}, nil
}
