// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures across components so callers can decide
// between skipping, retrying and surfacing.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNotFound
	KindAlreadyExists
	KindPreconditionFailed
	KindRateLimited
	KindBlocked
	KindAuthFailed
	KindNetworkTransient
	KindNetworkPermanent
	KindParseFailed
	KindDownloaderUnavailable
	KindFilesystemFailed
	KindCancelled
	KindForbidden
)

var kindNames = map[ErrorKind]string{
	KindInternal:              "Internal",
	KindNotFound:              "NotFound",
	KindAlreadyExists:         "AlreadyExists",
	KindPreconditionFailed:    "PreconditionFailed",
	KindRateLimited:           "RateLimited",
	KindBlocked:               "Blocked",
	KindAuthFailed:            "AuthFailed",
	KindNetworkTransient:      "NetworkTransient",
	KindNetworkPermanent:      "NetworkPermanent",
	KindParseFailed:           "ParseFailed",
	KindDownloaderUnavailable: "DownloaderUnavailable",
	KindFilesystemFailed:      "FilesystemFailed",
	KindCancelled:             "Cancelled",
	KindForbidden:             "Forbidden",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrAlreadyExists         = &Error{Kind: KindAlreadyExists}
	ErrPreconditionFailed    = &Error{Kind: KindPreconditionFailed}
	ErrRateLimited           = &Error{Kind: KindRateLimited}
	ErrBlocked               = &Error{Kind: KindBlocked}
	ErrAuthFailed            = &Error{Kind: KindAuthFailed}
	ErrNetworkTransient      = &Error{Kind: KindNetworkTransient}
	ErrNetworkPermanent      = &Error{Kind: KindNetworkPermanent}
	ErrParseFailed           = &Error{Kind: KindParseFailed}
	ErrDownloaderUnavailable = &Error{Kind: KindDownloaderUnavailable}
	ErrFilesystemFailed      = &Error{Kind: KindFilesystemFailed}
	ErrCancelled             = &Error{Kind: KindCancelled}
	ErrInternal              = &Error{Kind: KindInternal}
	ErrForbidden             = &Error{Kind: KindForbidden}
)

type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}
