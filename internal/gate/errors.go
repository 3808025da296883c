// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/autobrr/flowarr/internal/domain"
)

// Sentinels for errors.Is. Each matches any gate error of the same kind.
var (
	ErrBlocked          = &Error{Kind: domain.KindBlocked}
	ErrRateLimited      = &Error{Kind: domain.KindRateLimited}
	ErrForbidden        = &Error{Kind: domain.KindForbidden}
	ErrAuthFailed       = &Error{Kind: domain.KindAuthFailed}
	ErrNetwork          = &Error{Kind: domain.KindNetworkTransient}
	ErrParse            = &Error{Kind: domain.KindParseFailed}
	ErrUnexpectedStatus = &Error{Kind: domain.KindNetworkPermanent}
)

// Error is the typed outcome of a failed gate operation.
type Error struct {
	Kind       domain.ErrorKind
	Domain     string
	URL        string
	StatusCode int
	// WaitUntil is set for RateLimited and Blocked outcomes.
	WaitUntil time.Time
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("gate")
	if e.Domain != "" {
		b.WriteString(" ")
		b.WriteString(e.Domain)
	}
	b.WriteString(": ")
	b.WriteString(e.label())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if !e.WaitUntil.IsZero() {
		fmt.Fprintf(&b, " until %s", e.WaitUntil.Format(time.RFC3339))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) label() string {
	switch e.Kind {
	case domain.KindBlocked:
		return "blocked"
	case domain.KindRateLimited:
		return "rate limited"
	case domain.KindForbidden:
		return "forbidden"
	case domain.KindAuthFailed:
		return "auth failed"
	case domain.KindNetworkTransient:
		return "network error"
	case domain.KindParseFailed:
		return "parse error"
	case domain.KindNetworkPermanent:
		return "unexpected response"
	default:
		return strings.ToLower(e.Kind.String())
	}
}

// Unwrap exposes both the kind, as a *domain.Error, and the cause.
func (e *Error) Unwrap() []error {
	errs := []error{&domain.Error{Kind: e.Kind, Op: "gate"}}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// NewParseError wraps a failure to interpret a page fetched through the gate.
func NewParseError(site, rawURL string, err error) *Error {
	return &Error{Kind: domain.KindParseFailed, Domain: site, URL: rawURL, Err: err}
}

// WaitUntil extracts the retry time from a RateLimited or Blocked error.
func WaitUntil(err error) (time.Time, bool) {
	var e *Error
	if errors.As(err, &e) && !e.WaitUntil.IsZero() {
		return e.WaitUntil, true
	}
	return time.Time{}, false
}

func isTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == domain.KindNetworkTransient
	}
	return false
}

// classifyTransportError maps client failures (timeouts, DNS, refused
// connections) to Network. Cancellation passes through untouched.
func classifyTransportError(siteDomain, rawURL string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Kind: domain.KindNetworkTransient, Domain: siteDomain, URL: rawURL, Err: err}
}
