// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/metrics"
)

const (
	defaultAsyncWorkers = 4
	asyncQueueSize      = 256
	asyncHandlerTimeout = 2 * time.Minute
)

type registration struct {
	name    string
	handler Handler
	async   bool
}

type asyncJob struct {
	ev       Event
	handlers []registration
}

// Bus dispatches events to handlers in registration order. Sync handlers run on the publisher's
// goroutine. Async handlers run on a shard chosen by the event hash so per-hash order is kept.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]registration

	shards  []chan asyncJob
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
}

// NewBus starts a bus with the given number of async workers (minimum 1).
func NewBus(asyncWorkers int) *Bus {
	if asyncWorkers <= 0 {
		asyncWorkers = defaultAsyncWorkers
	}
	b := &Bus{
		handlers: make(map[Kind][]registration),
		shards:   make([]chan asyncJob, asyncWorkers),
	}
	for i := range b.shards {
		b.shards[i] = make(chan asyncJob, asyncQueueSize)
		b.wg.Add(1)
		go b.worker(b.shards[i])
	}
	return b
}

// Subscribe registers a synchronous handler.
func (b *Bus) Subscribe(kind Kind, name string, h Handler) {
	b.register(kind, registration{name: name, handler: h})
}

// SubscribeAsync registers a handler dispatched through the worker pool.
func (b *Bus) SubscribeAsync(kind Kind, name string, h Handler) {
	b.register(kind, registration{name: name, handler: h, async: true})
}

func (b *Bus) register(kind Kind, r registration) {
	if !kind.Valid() {
		panic(fmt.Sprintf("events: unknown kind %d", int(kind)))
	}
	b.mu.Lock()
	b.handlers[kind] = append(b.handlers[kind], r)
	b.mu.Unlock()
}

// Publish delivers ev. Sync handler errors are joined and returned after every handler ran;
// a failing handler never prevents its siblings from running.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if !ev.Kind.Valid() {
		return fmt.Errorf("events: unknown kind %d", int(ev.Kind))
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	regs := append([]registration(nil), b.handlers[ev.Kind]...)
	b.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(ev.Kind.String()).Inc()

	var errs []error
	var async []registration
	for _, r := range regs {
		if r.async {
			async = append(async, r)
			continue
		}
		if err := b.invoke(ctx, r, ev); err != nil {
			errs = append(errs, err)
		}
	}

	if len(async) > 0 {
		b.enqueue(ctx, asyncJob{ev: ev, handlers: async})
	}

	return errors.Join(errs...)
}

func (b *Bus) enqueue(ctx context.Context, job asyncJob) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		log.Warn().Str("kind", job.ev.Kind.String()).Msg("Event bus closed, dropping async delivery")
		return
	}

	shard := b.shards[xxhash.Sum64String(job.ev.Hash)%uint64(len(b.shards))]
	select {
	case shard <- job:
	case <-ctx.Done():
		log.Warn().Str("kind", job.ev.Kind.String()).Str("hash", job.ev.Hash).Msg("Async event delivery abandoned")
	}
}

func (b *Bus) worker(queue <-chan asyncJob) {
	defer b.wg.Done()
	for job := range queue {
		for _, r := range job.handlers {
			ctx, cancel := context.WithTimeout(context.Background(), asyncHandlerTimeout)
			_ = b.invoke(ctx, r, job.ev)
			cancel()
		}
	}
}

func (b *Bus) invoke(ctx context.Context, r registration, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler %s panicked: %v", r.name, p)
			log.Error().Str("handler", r.name).Str("kind", ev.Kind.String()).Bytes("stack", debug.Stack()).
				Msgf("Event handler panic: %v", p)
		}
		if err != nil {
			metrics.EventHandlerErrors.WithLabelValues(ev.Kind.String()).Inc()
		}
	}()

	if err = r.handler(ctx, ev); err != nil {
		log.Error().Err(err).Str("handler", r.name).Str("kind", ev.Kind.String()).Str("hash", ev.Hash).
			Msg("Event handler failed")
		return fmt.Errorf("%s: %w", r.name, err)
	}
	return nil
}

// Close stops accepting async work and waits for queued deliveries.
func (b *Bus) Close() {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return
	}
	b.closed = true
	for _, ch := range b.shards {
		close(ch)
	}
	b.closeMu.Unlock()
	b.wg.Wait()
}
