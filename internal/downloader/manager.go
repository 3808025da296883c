// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/models"
)

var (
	ErrManagerClosed      = errors.New("downloader manager is closed")
	ErrNoDownloader       = errors.New("no active downloader configured")
	ErrDownloaderDisabled = errors.New("downloader is disabled")
	ErrUnsupportedKind    = errors.New("unsupported downloader kind")
)

const (
	// Normal failure backoff
	initialBackoff = 10 * time.Second
	maxBackoff     = time.Minute

	// Ban-related backoff
	banInitialBackoff = 5 * time.Minute
	banMaxBackoff     = time.Hour

	// ReconnectInterval is the cadence of the downloader_reconnect job.
	ReconnectInterval = 10 * time.Minute
)

// Factory builds a connected client for a configured downloader.
type Factory func(ctx context.Context, d *models.Downloader, password string) (Client, error)

// Source is the subset of the downloader store the manager reads.
type Source interface {
	Get(ctx context.Context, id int) (*models.Downloader, error)
	GetByName(ctx context.Context, name string) (*models.Downloader, error)
	GetDefault(ctx context.Context) (*models.Downloader, error)
	List(ctx context.Context) ([]*models.Downloader, error)
	GetDecryptedPassword(d *models.Downloader) (string, error)
}

// ErrorRecorder persists connection errors for display.
type ErrorRecorder interface {
	RecordError(ctx context.Context, downloaderID int, err error) error
	ClearErrors(ctx context.Context, downloaderID int) error
}

type failureInfo struct {
	nextRetry time.Time
	attempts  int
	policy    *backoff.ExponentialBackOff
	banned    bool
}

// Manager owns one runtime client per downloader id.
type Manager struct {
	source     Source
	errorStore ErrorRecorder
	factories  map[models.DownloaderKind]Factory

	mu             sync.RWMutex
	clients        map[int]Client
	creationMu     sync.Mutex
	creationLocks  map[int]*sync.Mutex
	failureTracker map[int]*failureInfo
	defaultName    string
	closed         bool

	now func() time.Time
}

func NewManager(source Source, errorStore ErrorRecorder) *Manager {
	return &Manager{
		source:         source,
		errorStore:     errorStore,
		factories:      make(map[models.DownloaderKind]Factory),
		clients:        make(map[int]Client),
		creationLocks:  make(map[int]*sync.Mutex),
		failureTracker: make(map[int]*failureInfo),
		now:            time.Now,
	}
}

// RegisterFactory installs the constructor used for kind.
func (m *Manager) RegisterFactory(kind models.DownloaderKind, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[kind] = f
}

// SetDefaultName selects the default downloader by name. Empty falls back to
// the downloader flagged default in the store.
func (m *Manager) SetDefaultName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultName = strings.TrimSpace(name)
}

func (m *Manager) getLock(id int) *sync.Mutex {
	m.creationMu.Lock()
	defer m.creationMu.Unlock()

	if lock, ok := m.creationLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.creationLocks[id] = lock
	return lock
}

// Get returns the client for id, creating it on first use. An inactive client
// fails fast with a DownloaderUnavailable error; the reconnect job recovers it.
func (m *Manager) Get(ctx context.Context, id int) (Client, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrManagerClosed
	}
	client, ok := m.clients[id]
	m.mu.RUnlock()

	if ok {
		if client.IsInactive() {
			return nil, Unavailable("get downloader", fmt.Errorf("%s is not connected, waiting for reconnect", client.Name()))
		}
		return client, nil
	}
	return m.create(ctx, id)
}

func (m *Manager) create(ctx context.Context, id int) (Client, error) {
	lock := m.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	if client, ok := m.clients[id]; ok {
		m.mu.RUnlock()
		return client, nil
	}
	if until, inBackoff := m.backoffUntilLocked(id); inBackoff {
		m.mu.RUnlock()
		return nil, Unavailable("create downloader", fmt.Errorf("downloader %d is in backoff until %s", id, until.Format(time.RFC3339)))
	}
	m.mu.RUnlock()

	d, err := m.source.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get downloader: %w", err)
	}
	if !d.IsActive {
		return nil, ErrDownloaderDisabled
	}

	m.mu.RLock()
	factory, ok := m.factories[d.Kind]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, d.Kind)
	}

	password, err := m.source.GetDecryptedPassword(d)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt password: %w", err)
	}

	client, err := factory(ctx, d, password)
	if err != nil {
		m.trackFailure(id, err)
		return nil, Unavailable("create downloader", err)
	}

	m.mu.Lock()
	m.clients[id] = client
	m.mu.Unlock()
	m.ResetFailureTracking(id)

	log.Info().Int("downloaderID", id).Str("name", d.Name).Str("kind", string(d.Kind)).Msg("Downloader connected")
	return client, nil
}

// GetByName resolves a downloader by its configured name.
func (m *Manager) GetByName(ctx context.Context, name string) (Client, error) {
	d, err := m.source.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.Get(ctx, d.ID)
}

// Default returns the configured default downloader, then the store default,
// then the first active one.
func (m *Manager) Default(ctx context.Context) (Client, error) {
	m.mu.RLock()
	name := m.defaultName
	m.mu.RUnlock()

	if name != "" {
		client, err := m.GetByName(ctx, name)
		if err == nil {
			return client, nil
		}
		if !errors.Is(err, models.ErrDownloaderNotFound) {
			return nil, err
		}
		log.Warn().Str("downloader", name).Msg("Configured default downloader not found, falling back")
	}

	if d, err := m.source.GetDefault(ctx); err == nil && d.IsActive {
		return m.Get(ctx, d.ID)
	} else if err != nil && !errors.Is(err, models.ErrDownloaderNotFound) {
		return nil, err
	}

	all, err := m.source.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range all {
		if d.IsActive {
			return m.Get(ctx, d.ID)
		}
	}
	return nil, ErrNoDownloader
}

// Active returns a client for every active downloader that can be reached.
// Unreachable downloaders are logged and skipped.
func (m *Manager) Active(ctx context.Context) ([]Client, error) {
	all, err := m.source.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Client, 0, len(all))
	for _, d := range all {
		if !d.IsActive {
			continue
		}
		client, err := m.Get(ctx, d.ID)
		if err != nil {
			log.Warn().Err(err).Int("downloaderID", d.ID).Str("name", d.Name).Msg("Skipping unavailable downloader")
			continue
		}
		out = append(out, client)
	}
	return out, nil
}

// Remove drops the runtime client, e.g. after the downloader row changed.
func (m *Manager) Remove(id int) {
	lock := m.getLock(id)
	lock.Lock()

	m.mu.Lock()
	delete(m.clients, id)
	delete(m.failureTracker, id)
	m.mu.Unlock()

	lock.Unlock()

	m.creationMu.Lock()
	delete(m.creationLocks, id)
	m.creationMu.Unlock()

	log.Info().Int("downloaderID", id).Msg("Removed downloader client")
}

// ReconnectInactive is the downloader_reconnect job: every inactive client
// outside its backoff window gets one reconnect attempt.
func (m *Manager) ReconnectInactive(ctx context.Context) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	clients := make([]Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	var failed int
	for _, client := range clients {
		if !client.IsInactive() {
			continue
		}
		id := client.ID()
		m.mu.RLock()
		_, inBackoff := m.backoffUntilLocked(id)
		m.mu.RUnlock()
		if inBackoff {
			continue
		}

		if err := client.Reconnect(ctx); err != nil {
			failed++
			log.Warn().Err(err).Int("downloaderID", id).Str("name", client.Name()).Msg("Downloader reconnect failed")
			m.trackFailure(id, err)
			continue
		}
		m.ResetFailureTracking(id)
		log.Info().Int("downloaderID", id).Str("name", client.Name()).Msg("Downloader reconnected")
	}
	if failed > 0 {
		return fmt.Errorf("%d downloader(s) could not reconnect", failed)
	}
	return nil
}

// Close drops every client. Further calls fail with ErrManagerClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.clients = make(map[int]Client)
	m.failureTracker = make(map[int]*failureInfo)
	log.Info().Msg("Downloader manager closed")
	return nil
}

func (m *Manager) backoffUntilLocked(id int) (time.Time, bool) {
	info, ok := m.failureTracker[id]
	if !ok {
		return time.Time{}, false
	}
	return info.nextRetry, m.now().Before(info.nextRetry)
}

func newPolicy(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// trackFailure records a failure and applies exponential backoff.
func (m *Manager) trackFailure(id int, err error) {
	ban := isBanError(err)

	m.mu.Lock()
	info, ok := m.failureTracker[id]
	if !ok || info.banned != ban {
		info = &failureInfo{banned: ban}
		if ban {
			info.policy = newPolicy(banInitialBackoff, banMaxBackoff)
		} else {
			info.policy = newPolicy(initialBackoff, maxBackoff)
		}
		m.failureTracker[id] = info
	}
	info.attempts++
	wait := info.policy.NextBackOff()
	info.nextRetry = m.now().Add(wait)
	attempts := info.attempts
	m.mu.Unlock()

	if ban {
		log.Warn().Int("downloaderID", id).Int("attempts", attempts).Dur("backoff", wait).Msg("Downloader rejected login, applying extended backoff")
	} else {
		log.Debug().Int("downloaderID", id).Int("attempts", attempts).Dur("backoff", wait).Msg("Downloader connection failure, applying backoff")
	}

	if m.errorStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if recordErr := m.errorStore.RecordError(ctx, id, err); recordErr != nil {
		log.Error().Err(recordErr).Int("downloaderID", id).Msg("Failed to record downloader error")
	}
}

// ResetFailureTracking clears backoff state after a successful connection.
func (m *Manager) ResetFailureTracking(id int) {
	m.mu.Lock()
	_, hadFailures := m.failureTracker[id]
	delete(m.failureTracker, id)
	m.mu.Unlock()

	if m.errorStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := m.errorStore.ClearErrors(ctx, id); err != nil {
		log.Error().Err(err).Int("downloaderID", id).Msg("Failed to clear downloader errors")
	} else if hadFailures {
		log.Debug().Int("downloaderID", id).Msg("Cleared downloader errors after successful connection")
	}
}

// isBanError reports errors that indicate the client banned our address.
func isBanError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "banned") ||
		strings.Contains(msg, "too many failed login attempts") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "forbidden")
}
