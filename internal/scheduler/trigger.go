// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scheduler

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger computes fire times. A zero Next means the trigger never fires again.
// Every trigger satisfies cron.Schedule so the cron runner can drive it.
type Trigger interface {
	cron.Schedule
	String() string
}

type intervalTrigger struct {
	every  time.Duration
	jitter time.Duration
}

// Interval fires every d, delayed by up to jitter when jitter > 0.
func Interval(d, jitter time.Duration) Trigger {
	if d <= 0 {
		d = time.Minute
	}
	return intervalTrigger{every: d, jitter: jitter}
}

func (t intervalTrigger) Next(after time.Time) time.Time {
	next := after.Add(t.every)
	if t.jitter > 0 {
		next = next.Add(rand.N(t.jitter))
	}
	return next
}

func (t intervalTrigger) String() string {
	if t.jitter > 0 {
		return fmt.Sprintf("interval(%s, jitter %s)", t.every, t.jitter)
	}
	return fmt.Sprintf("interval(%s)", t.every)
}

type cronTrigger struct {
	expr     string
	schedule cron.Schedule
}

// Cron parses a standard five-field expression (descriptors like @daily are accepted).
func Cron(expr string) (Trigger, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return cronTrigger{expr: expr, schedule: schedule}, nil
}

func (t cronTrigger) Next(after time.Time) time.Time { return t.schedule.Next(after) }
func (t cronTrigger) String() string                 { return fmt.Sprintf("cron(%s)", t.expr) }

type dateTrigger struct {
	at time.Time
}

// Date fires once at t.
func Date(t time.Time) Trigger {
	return dateTrigger{at: t}
}

func (t dateTrigger) Next(after time.Time) time.Time {
	if after.Before(t.at) {
		return t.at
	}
	return time.Time{}
}

func (t dateTrigger) String() string { return fmt.Sprintf("date(%s)", t.at.Format(time.RFC3339)) }

type manualTrigger struct{}

// Manual never fires on its own. The job only runs through RunNow.
func Manual() Trigger { return manualTrigger{} }

func (manualTrigger) Next(time.Time) time.Time { return time.Time{} }
func (manualTrigger) String() string           { return "manual" }

type randomDailyTrigger struct {
	n       int
	offsets []time.Duration
}

const day = 24 * time.Hour

// RandomDaily fires n times a day. The day is cut into n equal slots and each slot gets its own random
// offset, fixed for the lifetime of the trigger.
func RandomDaily(n int) Trigger {
	if n <= 0 {
		n = 1
	}
	slot := day / time.Duration(n)
	offsets := make([]time.Duration, n)
	for i := range offsets {
		offsets[i] = time.Duration(i)*slot + rand.N(slot)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return randomDailyTrigger{n: n, offsets: offsets}
}

func (t randomDailyTrigger) Next(after time.Time) time.Time {
	start := time.Date(after.Year(), after.Month(), after.Day(), 0, 0, 0, 0, after.Location())
	for d := 0; d < 2; d++ {
		base := start.AddDate(0, 0, d)
		for _, off := range t.offsets {
			if candidate := base.Add(off); candidate.After(after) {
				return candidate
			}
		}
	}
	return start.AddDate(0, 0, 2).Add(t.offsets[0])
}

func (t randomDailyTrigger) String() string { return fmt.Sprintf("random_daily(%d)", t.n) }
