// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package torrentfile reads .torrent metainfo and rewrites it without
// disturbing the bytes that make up the info-hash.
package torrentfile

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"
)

var ErrNoTrackers = errors.New("no trackers available")

// Torrent is the parsed view of a .torrent file.
type Torrent struct {
	Hash     string
	Name     string
	Size     int64
	Private  bool
	Announce string
	Trackers []string
	Files    []File
}

// File is one entry of the torrent's file list, in metainfo order.
type File struct {
	Index int
	Path  string
	Size  int64
}

// IsMagnet reports whether s is a magnet URI.
func IsMagnet(s string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "magnet:")
}

// Parse decodes torrent bytes.
func Parse(data []byte) (*Torrent, error) {
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse torrent metainfo")
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse torrent info")
	}

	t := &Torrent{
		Hash:     mi.HashInfoBytes().HexString(),
		Name:     info.Name,
		Size:     info.TotalLength(),
		Private:  info.Private != nil && *info.Private,
		Announce: mi.Announce,
	}
	seen := map[string]struct{}{}
	addTracker := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		t.Trackers = append(t.Trackers, u)
	}
	addTracker(mi.Announce)
	for _, tier := range mi.AnnounceList {
		for _, u := range tier {
			addTracker(u)
		}
	}

	for i, f := range info.UpvertedFiles() {
		t.Files = append(t.Files, File{Index: i, Path: f.DisplayPath(&info), Size: f.Length})
	}
	return t, nil
}

// InfoHash returns the lowercase hex v1 info-hash of torrent bytes.
func InfoHash(data []byte) (string, error) {
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return "", errors.Wrap(err, "failed to parse torrent metainfo")
	}
	return mi.HashInfoBytes().HexString(), nil
}

// MagnetHash returns the info-hash carried by a magnet URI.
func MagnetHash(uri string) (string, error) {
	m, err := metainfo.ParseMagnetUri(strings.TrimSpace(uri))
	if err != nil {
		return "", errors.Wrap(err, "failed to parse magnet uri")
	}
	return m.InfoHash.HexString(), nil
}

// HashOf returns the info-hash of either torrent bytes or a magnet URI.
func HashOf(content []byte) (string, error) {
	if IsMagnet(string(content)) {
		return MagnetHash(string(content))
	}
	return InfoHash(content)
}

// HasAnnounce reports whether the torrent names at least one tracker.
func HasAnnounce(data []byte) (bool, error) {
	t, err := Parse(data)
	if err != nil {
		return false, err
	}
	return len(t.Trackers) > 0, nil
}

// FastresumeTrackers reads the tracker tiers stored in a qBittorrent
// .fastresume sidecar, flattened in tier order.
func FastresumeTrackers(fastresume []byte) ([]string, error) {
	var resume struct {
		Trackers [][]string `bencode:"trackers"`
	}
	if err := bencode.Unmarshal(fastresume, &resume); err != nil {
		return nil, errors.Wrap(err, "failed to parse fastresume")
	}
	var out []string
	for _, tier := range resume.Trackers {
		for _, u := range tier {
			if u = strings.TrimSpace(u); u != "" {
				out = append(out, u)
			}
		}
	}
	return out, nil
}

// RewriteAnnounce sets announce to the first tracker and announce-list to one
// tier per tracker. Every other key, info included, keeps its original bytes.
func RewriteAnnounce(data []byte, trackers []string) ([]byte, error) {
	if len(trackers) == 0 {
		return nil, ErrNoTrackers
	}
	var top map[string]bencode.Bytes
	if err := bencode.Unmarshal(data, &top); err != nil {
		return nil, errors.Wrap(err, "failed to parse torrent metainfo")
	}
	if _, ok := top["info"]; !ok {
		return nil, errors.New("torrent has no info dictionary")
	}

	announce, err := bencode.Marshal(trackers[0])
	if err != nil {
		return nil, err
	}
	tiers := make([][]string, 0, len(trackers))
	for _, u := range trackers {
		tiers = append(tiers, []string{u})
	}
	announceList, err := bencode.Marshal(tiers)
	if err != nil {
		return nil, err
	}
	top["announce"] = announce
	top["announce-list"] = announceList

	out, err := bencode.Marshal(top)
	if err != nil {
		return nil, fmt.Errorf("encode torrent: %w", err)
	}
	return out, nil
}

// EnsureAnnounce fills in trackers from a fastresume sidecar when the torrent
// has none. The returned bool reports whether the bytes changed.
func EnsureAnnounce(data, fastresume []byte) ([]byte, bool, error) {
	ok, err := HasAnnounce(data)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return data, false, nil
	}
	if len(fastresume) == 0 {
		return nil, false, ErrNoTrackers
	}
	trackers, err := FastresumeTrackers(fastresume)
	if err != nil {
		return nil, false, err
	}
	out, err := RewriteAnnounce(data, trackers)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
