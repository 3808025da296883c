// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package events is the in-process publish/subscribe bus for lifecycle events.
package events

import (
	"context"
	"fmt"
	"time"
)

// Kind is the closed set of lifecycle events.
type Kind int

const (
	DownloadAdded Kind = iota + 1
	DownloadFileDeleted
	TransferCompleted
	TransferFailed
	SiteDeleted
	SubscribeAdded
	SubscribeCompleted
	NotificationEmitted
)

var kindNames = map[Kind]string{
	DownloadAdded:       "DownloadAdded",
	DownloadFileDeleted: "DownloadFileDeleted",
	TransferCompleted:   "TransferCompleted",
	TransferFailed:      "TransferFailed",
	SiteDeleted:         "SiteDeleted",
	SubscribeAdded:      "SubscribeAdded",
	SubscribeCompleted:  "SubscribeCompleted",
	NotificationEmitted: "NotificationEmitted",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Valid reports whether k belongs to the closed set.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Event is what handlers receive. Hash is the torrent identity when the event concerns one;
// async handlers for the same hash observe events in publish order.
type Event struct {
	Kind    Kind
	Hash    string
	Payload any
	At      time.Time
}

type Handler func(ctx context.Context, ev Event) error

// DownloadAddedPayload accompanies DownloadAdded.
type DownloadAddedPayload struct {
	DownloaderID   int
	SubscriptionID int
	SiteID         int
	Title          string
	Episodes       []int
	Priority       int
}

// TransferPayload accompanies TransferCompleted and TransferFailed.
type TransferPayload struct {
	HistoryID int
	Src       string
	Dest      string
	Mode      string
	Title     string
	TMDBID    int
	Season    int
	Episodes  []int
	Err       string
}

type FileDeletedPayload struct {
	FullPath string
}

type SitePayload struct {
	SiteID int
	Domain string
}

type SubscribePayload struct {
	SubscriptionID int
	Title          string
	Season         int
}

// NotificationPayload is emitted once per job run with aggregate counts.
type NotificationPayload struct {
	Title string
	Text  string
	Image string
}
