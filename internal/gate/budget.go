// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package gate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/autobrr/flowarr/internal/models"
)

// Budget is a point-in-time view of a domain's request budget.
type Budget struct {
	Domain        string    `json:"domain"`
	WindowStart   time.Time `json:"windowStart"`
	Remaining     int       `json:"remaining"`
	Limit         int       `json:"limit"`
	CooldownUntil time.Time `json:"cooldownUntil,omitempty"`
}

type policy struct {
	interval int
	count    int
	seconds  int
}

func policyOf(site *models.Site) policy {
	return policy{interval: site.LimitInterval, count: site.LimitCount, seconds: site.LimitSeconds}
}

// budget is the token bucket plus cooldown for a single domain.
type budget struct {
	mu            sync.Mutex
	policy        policy
	limiter       *rate.Limiter
	windowStart   time.Time
	cooldownUntil time.Time

	// waitMu serializes callers that chose to wait out a cooldown.
	waitMu sync.Mutex
}

func newBudget(p policy, now time.Time) *budget {
	b := &budget{policy: p, windowStart: now}
	if p.interval > 0 && p.count > 0 {
		window := time.Duration(p.interval) * time.Minute
		b.limiter = rate.NewLimiter(rate.Every(window/time.Duration(p.count)), p.count)
	}
	return b
}

func (b *budget) cooldown() time.Duration {
	return time.Duration(b.policy.seconds) * time.Second
}

// take consumes one token. When the bucket is empty nothing is consumed and a
// cooldown starts; the returned time is the earliest a retry can succeed.
func (b *budget) take(now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Before(b.cooldownUntil) {
		return false, b.cooldownUntil
	}
	if b.limiter == nil {
		return true, time.Time{}
	}

	if b.limiter.TokensAt(now) >= float64(b.policy.count) {
		b.windowStart = now
	}
	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		b.cooldownUntil = now.Add(b.cooldown())
		return false, b.cooldownUntil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		b.cooldownUntil = now.Add(b.cooldown())
		refill := now.Add(delay)
		if refill.After(b.cooldownUntil) {
			return false, refill
		}
		return false, b.cooldownUntil
	}
	return true, time.Time{}
}

// check reports availability without consuming a token.
func (b *budget) check(now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Before(b.cooldownUntil) {
		return false, b.cooldownUntil
	}
	if b.limiter == nil {
		return true, time.Time{}
	}
	tokens := b.limiter.TokensAt(now)
	if tokens >= 1 {
		return true, time.Time{}
	}
	missing := 1 - tokens
	refill := now.Add(time.Duration(missing / float64(b.limiter.Limit()) * float64(time.Second)))
	return false, refill
}

// penalize starts a cooldown after a challenge page or an explicit throttle.
// A longer server supplied delay wins over the configured cooldown.
func (b *budget) penalize(now time.Time, atLeast time.Duration) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.cooldown()
	if atLeast > d {
		d = atLeast
	}
	until := now.Add(d)
	if until.After(b.cooldownUntil) {
		b.cooldownUntil = until
	}
	return b.cooldownUntil
}

func (b *budget) snapshot(domain string, now time.Time) Budget {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Budget{Domain: domain, WindowStart: b.windowStart, Limit: -1, Remaining: -1}
	if now.Before(b.cooldownUntil) {
		s.CooldownUntil = b.cooldownUntil
	}
	if b.limiter != nil {
		s.Limit = b.policy.count
		s.Remaining = int(b.limiter.TokensAt(now))
		if s.Remaining < 0 {
			s.Remaining = 0
		}
	}
	return s
}

// wait blocks until the given time, one caller per domain at a time.
func (b *budget) wait(ctx context.Context, until time.Time, now time.Time) error {
	b.waitMu.Lock()
	defer b.waitMu.Unlock()

	d := until.Sub(now)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type budgets struct {
	mu sync.Mutex
	m  map[string]*budget
}

func newBudgets() *budgets {
	return &budgets{m: make(map[string]*budget)}
}

// get returns the budget for a site, rebuilding it when the site's policy
// changed. A live cooldown survives the rebuild.
func (bs *budgets) get(site *models.Site, now time.Time) *budget {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	p := policyOf(site)
	b, ok := bs.m[site.Domain]
	if ok && b.policy == p {
		return b
	}
	nb := newBudget(p, now)
	if ok {
		b.mu.Lock()
		nb.cooldownUntil = b.cooldownUntil
		b.mu.Unlock()
	}
	bs.m[site.Domain] = nb
	return nb
}

func (bs *budgets) lookup(domain string) (*budget, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.m[domain]
	return b, ok
}

func (bs *budgets) forget(domain string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	delete(bs.m, domain)
}
