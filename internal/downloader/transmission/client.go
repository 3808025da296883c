// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package transmission implements the downloader port over Transmission JSON-RPC.
package transmission

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/downloader"
	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/torrentfile"
)

const (
	defaultTimeout = 60 * time.Second
	// labelsMinRPC is the first RPC version with torrent labels.
	labelsMinRPC = 16
)

// Transmission torrent status codes.
const (
	statusStopped = iota
	statusCheckWait
	statusCheck
	statusDownloadWait
	statusDownload
	statusSeedWait
	statusSeed
)

var torrentFields = []string{
	"hashString", "name", "status", "error", "percentDone", "rateDownload", "rateUpload",
	"sizeWhenDone", "uploadedEver", "downloadedEver", "uploadRatio", "secondsSeeding",
	"downloadDir", "labels", "addedDate", "doneDate", "trackers",
}

type torrentInfo struct {
	HashString     string   `json:"hashString"`
	Name           string   `json:"name"`
	Status         int      `json:"status"`
	Error          int      `json:"error"`
	PercentDone    float64  `json:"percentDone"`
	RateDownload   int64    `json:"rateDownload"`
	RateUpload     int64    `json:"rateUpload"`
	SizeWhenDone   int64    `json:"sizeWhenDone"`
	UploadedEver   int64    `json:"uploadedEver"`
	DownloadedEver int64    `json:"downloadedEver"`
	UploadRatio    float64  `json:"uploadRatio"`
	SecondsSeeding int64    `json:"secondsSeeding"`
	DownloadDir    string   `json:"downloadDir"`
	Labels         []string `json:"labels"`
	AddedDate      int64    `json:"addedDate"`
	DoneDate       int64    `json:"doneDate"`
	Trackers       []struct {
		Announce string `json:"announce"`
	} `json:"trackers"`
	Files []struct {
		Name           string `json:"name"`
		Length         int64  `json:"length"`
		BytesCompleted int64  `json:"bytesCompleted"`
	} `json:"files"`
	FileStats []struct {
		Wanted bool `json:"wanted"`
	} `json:"fileStats"`
}

type addedTorrent struct {
	HashString string `json:"hashString"`
	Name       string `json:"name"`
}

type Client struct {
	rpc             *rpc
	id              int
	name            string
	labels          []string
	categoryEnabled bool

	mu         sync.RWMutex
	rpcVersion int
	inactive   bool
}

// New is the downloader.Factory for Transmission.
func New(ctx context.Context, d *models.Downloader, password string) (downloader.Client, error) {
	c := newClient(d, password)
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := c.Reconnect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to Transmission %s: %w", d.Name, err)
	}
	log.Debug().Int("downloaderID", d.ID).Str("endpoint", c.rpc.endpoint).Int("rpcVersion", c.rpcVersion).Msg("Transmission client created successfully")
	return c, nil
}

func newClient(d *models.Downloader, password string) *Client {
	return &Client{
		rpc:             newRPC(rpcEndpoint(d.Endpoint()), d.Username, password, d.TLSSkipVerify, defaultTimeout),
		id:              d.ID,
		name:            d.Name,
		labels:          d.Labels,
		categoryEnabled: d.CategoryEnabled,
	}
}

// rpcEndpoint appends the default RPC path when the host carries none.
func rpcEndpoint(host string) string {
	u, err := url.Parse(host)
	if err != nil || u.Path != "" && u.Path != "/" {
		return host
	}
	u.Path = "/transmission/rpc"
	return u.String()
}

func (c *Client) ID() int                     { return c.id }
func (c *Client) Name() string                { return c.name }
func (c *Client) Kind() models.DownloaderKind { return models.DownloaderTransmission }

func (c *Client) IsInactive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inactive
}

func (c *Client) setInactive(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inactive = v
}

// Reconnect refreshes the session id and RPC version.
func (c *Client) Reconnect(ctx context.Context) error {
	var session struct {
		RPCVersion int `json:"rpc-version"`
	}
	if err := c.rpc.call(ctx, "session-get", map[string]any{"fields": []string{"rpc-version"}}, &session); err != nil {
		c.setInactive(true)
		return err
	}
	c.mu.Lock()
	c.rpcVersion = session.RPCVersion
	c.inactive = false
	c.mu.Unlock()
	return nil
}

func (c *Client) supportsLabels() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rpcVersion >= labelsMinRPC
}

func (c *Client) track(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.Is(err, errUnauthorized) || errors.As(err, &netErr) || errors.As(err, &urlErr) {
		c.setInactive(true)
		return downloader.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Add returns the hash synchronously; a duplicate submission yields the existing torrent.
func (c *Client) Add(ctx context.Context, req downloader.AddRequest) (string, error) {
	args := map[string]any{"paused": req.Paused}
	switch {
	case len(req.Content) > 0 && torrentfile.IsMagnet(string(req.Content)):
		args["filename"] = strings.TrimSpace(string(req.Content))
	case len(req.Content) > 0:
		args["metainfo"] = base64.StdEncoding.EncodeToString(req.Content)
	case req.URL != "":
		args["filename"] = req.URL
	default:
		return "", errors.New("add torrent: no content or url")
	}
	if req.SavePath != "" {
		args["download-dir"] = req.SavePath
	}
	labels := c.addLabels(req)
	if len(labels) > 0 && c.supportsLabels() {
		args["labels"] = labels
	}

	var out struct {
		Added     *addedTorrent `json:"torrent-added"`
		Duplicate *addedTorrent `json:"torrent-duplicate"`
	}
	if err := c.rpc.call(ctx, "torrent-add", args, &out); err != nil {
		return "", c.track("add torrent", err)
	}

	switch {
	case out.Added != nil:
		return models.NormalizeHash(out.Added.HashString), nil
	case out.Duplicate != nil:
		hash := models.NormalizeHash(out.Duplicate.HashString)
		log.Debug().Str("downloader", c.name).Str("hash", hash).Msg("Torrent already present, skipping add")
		return hash, nil
	default:
		return "", errors.New("add torrent: response carries no torrent")
	}
}

func (c *Client) addLabels(req downloader.AddRequest) []string {
	labels := append(append([]string{}, req.Tags...), c.labels...)
	if c.categoryEnabled && req.Category != "" {
		labels = append(labels, req.Category)
	}
	return dedupe(labels)
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func (c *Client) get(ctx context.Context, hashes []string, fields []string) ([]torrentInfo, error) {
	args := map[string]any{"fields": fields}
	if len(hashes) > 0 {
		args["ids"] = hashes
	}
	var out struct {
		Torrents []torrentInfo `json:"torrents"`
	}
	if err := c.rpc.call(ctx, "torrent-get", args, &out); err != nil {
		return nil, c.track("get torrents", err)
	}
	c.setInactive(false)
	return out.Torrents, nil
}

func (c *Client) List(ctx context.Context, filter downloader.Filter) ([]downloader.Torrent, error) {
	torrents, err := c.get(ctx, downloader.NormalizeHashes(filter.Hashes), torrentFields)
	if err != nil {
		return nil, err
	}
	out := make([]downloader.Torrent, 0, len(torrents))
	for i := range torrents {
		t := convertTorrent(&torrents[i])
		if filter.Match(&t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func convertTorrent(t *torrentInfo) downloader.Torrent {
	out := downloader.Torrent{
		Hash:        models.NormalizeHash(t.HashString),
		Name:        t.Name,
		State:       mapState(t),
		Progress:    t.PercentDone,
		DlSpeed:     t.RateDownload,
		UpSpeed:     t.RateUpload,
		Size:        t.SizeWhenDone,
		Uploaded:    t.UploadedEver,
		Downloaded:  t.DownloadedEver,
		Ratio:       t.UploadRatio,
		SeedingTime: time.Duration(t.SecondsSeeding) * time.Second,
		SavePath:    t.DownloadDir,
		ContentPath: strings.TrimRight(t.DownloadDir, "/") + "/" + t.Name,
		Tags:        t.Labels,
	}
	if len(t.Trackers) > 0 {
		out.Tracker = t.Trackers[0].Announce
	}
	if t.AddedDate > 0 {
		out.AddedAt = time.Unix(t.AddedDate, 0).UTC()
	}
	if t.DoneDate > 0 {
		out.CompletedAt = time.Unix(t.DoneDate, 0).UTC()
	}
	return out
}

func mapState(t *torrentInfo) models.TaskState {
	if t.Error != 0 {
		return models.TaskErrored
	}
	switch t.Status {
	case statusSeed, statusSeedWait:
		return models.TaskCompleted
	case statusDownload, statusDownloadWait:
		return models.TaskDownloading
	case statusStopped:
		if t.PercentDone >= 1 {
			return models.TaskCompleted
		}
		return models.TaskPaused
	case statusCheck, statusCheckWait:
		if t.PercentDone >= 1 {
			return models.TaskCompleted
		}
		return models.TaskDownloading
	default:
		return models.TaskPending
	}
}

func (c *Client) Files(ctx context.Context, hash string) ([]downloader.File, error) {
	torrents, err := c.get(ctx, []string{models.NormalizeHash(hash)}, []string{"hashString", "files", "fileStats"})
	if err != nil {
		return nil, err
	}
	if len(torrents) == 0 {
		return nil, fmt.Errorf("torrent %s: %w", hash, models.ErrTaskNotFound)
	}
	t := torrents[0]
	out := make([]downloader.File, 0, len(t.Files))
	for i, f := range t.Files {
		file := downloader.File{ID: i, Path: f.Name, Size: f.Length}
		if f.Length > 0 {
			file.Progress = float64(f.BytesCompleted) / float64(f.Length)
		}
		if i < len(t.FileStats) {
			file.Skipped = !t.FileStats[i].Wanted
		}
		out = append(out, file)
	}
	return out, nil
}

func (c *Client) set(ctx context.Context, op string, hashes []string, args map[string]any) error {
	args["ids"] = hashes
	return c.track(op, c.rpc.call(ctx, "torrent-set", args, nil))
}

func (c *Client) SelectFiles(ctx context.Context, hash string, fileIDs []int, priority downloader.Priority) error {
	if len(fileIDs) == 0 {
		return nil
	}
	key := "files-wanted"
	if priority == downloader.PrioritySkip {
		key = "files-unwanted"
	}
	return c.set(ctx, "set file priority", []string{models.NormalizeHash(hash)}, map[string]any{key: fileIDs})
}

func (c *Client) action(ctx context.Context, method string, hashes []string, extra map[string]any) error {
	hashes = downloader.NormalizeHashes(hashes)
	if len(hashes) == 0 {
		return nil
	}
	args := map[string]any{"ids": hashes}
	for k, v := range extra {
		args[k] = v
	}
	return c.track(method, c.rpc.call(ctx, method, args, nil))
}

func (c *Client) Delete(ctx context.Context, hashes []string, alsoFiles bool) error {
	return c.action(ctx, "torrent-remove", hashes, map[string]any{"delete-local-data": alsoFiles})
}

func (c *Client) Pause(ctx context.Context, hashes []string) error {
	return c.action(ctx, "torrent-stop", hashes, nil)
}

func (c *Client) Resume(ctx context.Context, hashes []string) error {
	return c.action(ctx, "torrent-start", hashes, nil)
}

func (c *Client) Recheck(ctx context.Context, hashes []string) error {
	return c.action(ctx, "torrent-verify", hashes, nil)
}

func (c *Client) AddTrackers(ctx context.Context, hash string, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	return c.set(ctx, "add trackers", []string{models.NormalizeHash(hash)}, map[string]any{"trackerAdd": urls})
}

// AddTags merges tags into each torrent's label set. Transmission replaces
// labels wholesale, so the current set is read first.
func (c *Client) AddTags(ctx context.Context, hashes []string, tags []string) error {
	return c.editLabels(ctx, "add tags", hashes, func(have []string) []string {
		return dedupe(append(have, tags...))
	})
}

func (c *Client) RemoveTags(ctx context.Context, hashes []string, tags []string) error {
	return c.editLabels(ctx, "remove tags", hashes, func(have []string) []string {
		return slices.DeleteFunc(have, func(l string) bool {
			return slices.ContainsFunc(tags, func(t string) bool { return strings.EqualFold(t, l) })
		})
	})
}

func (c *Client) editLabels(ctx context.Context, op string, hashes []string, edit func([]string) []string) error {
	hashes = downloader.NormalizeHashes(hashes)
	if len(hashes) == 0 {
		return nil
	}
	if !c.supportsLabels() {
		return fmt.Errorf("%s: transmission rpc version %d does not support labels", op, c.rpcVersion)
	}
	torrents, err := c.get(ctx, hashes, []string{"hashString", "labels"})
	if err != nil {
		return err
	}
	for _, t := range torrents {
		next := edit(slices.Clone(t.Labels))
		if slices.Equal(next, t.Labels) {
			continue
		}
		if next == nil {
			next = []string{}
		}
		if err := c.set(ctx, op, []string{models.NormalizeHash(t.HashString)}, map[string]any{"labels": next}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Stats(ctx context.Context) (*downloader.Stats, error) {
	var stats struct {
		DownloadSpeed   int64 `json:"downloadSpeed"`
		UploadSpeed     int64 `json:"uploadSpeed"`
		CumulativeStats struct {
			DownloadedBytes int64 `json:"downloadedBytes"`
			UploadedBytes   int64 `json:"uploadedBytes"`
		} `json:"cumulative-stats"`
	}
	if err := c.rpc.call(ctx, "session-stats", nil, &stats); err != nil {
		return nil, c.track("session stats", err)
	}
	out := &downloader.Stats{
		DlSpeed:   stats.DownloadSpeed,
		UpSpeed:   stats.UploadSpeed,
		DlTotal:   stats.CumulativeStats.DownloadedBytes,
		UpTotal:   stats.CumulativeStats.UploadedBytes,
		FreeSpace: -1,
	}

	var session struct {
		DownloadDir string `json:"download-dir"`
	}
	if err := c.rpc.call(ctx, "session-get", map[string]any{"fields": []string{"download-dir"}}, &session); err == nil && session.DownloadDir != "" {
		var free struct {
			SizeBytes int64 `json:"size-bytes"`
		}
		if err := c.rpc.call(ctx, "free-space", map[string]any{"path": session.DownloadDir}, &free); err == nil {
			out.FreeSpace = free.SizeBytes
		}
	}
	c.setInactive(false)
	return out, nil
}
