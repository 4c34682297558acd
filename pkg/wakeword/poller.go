/*
 * Copyright 2025 OpenHearth Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package wakeword manages wake-word settings and the bounded sync-status
// poll that follows a settings broadcast.
package wakeword

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openhearth/fleetconsole/pkg/fleet"
	"github.com/openhearth/fleetconsole/pkg/logger"
	"github.com/openhearth/fleetconsole/pkg/models"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxPolls     = 15

	// Session results.
	ResultConverged = "converged"
	ResultTimeout   = "timeout"
	ResultCanceled  = "canceled"
)

// Device sync display states.
const (
	SyncStateSynced  = "synced"
	SyncStateError   = "error"
	SyncStatePending = "pending"
)

// SettingsClient is the slice of the backend API the manager needs.
type SettingsClient interface {
	GetWakeWordSettings(ctx context.Context) (*models.WakeWordSettings, error)
	PutWakeWordSettings(ctx context.Context, cfg *models.WakeWordConfig) error
	GetSyncStatus(ctx context.Context) (*models.SyncStatus, error)
}

// SessionRecorder persists finished sync sessions. A nil recorder disables
// history.
type SessionRecorder interface {
	SyncSessionFinished(ctx context.Context, sessionID, result string, polls, failedCount int, startedAt, finishedAt time.Time) error
}

// DeviceSync is the per-device read model of a sync session.
type DeviceSync struct {
	DeviceID       string   `json:"device_id"`
	State          string   `json:"state"`
	ActiveKeywords []string `json:"active_keywords,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// SessionView is the read model of the current (or last) sync session.
type SessionView struct {
	Exists      bool         `json:"exists"`
	ID          string       `json:"id,omitempty"`
	Active      bool         `json:"active"`
	AllSynced   bool         `json:"all_synced"`
	FailedCount int          `json:"failed_count"`
	Polls       int          `json:"polls"`
	Result      string       `json:"result,omitempty"`
	StartedAt   time.Time    `json:"started_at,omitempty"`
	Devices     []DeviceSync `json:"devices"`
}

// session is one bounded observation window over device acknowledgement of
// a settings broadcast.
type session struct {
	id        string
	startedAt time.Time

	mu          sync.Mutex
	polls       int
	allSynced   bool
	failedCount int
	entries     map[string]models.SyncEntry
	result      string // "" while running

	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) stop() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *session) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSessionRecorder attaches a sync-session history recorder.
func WithSessionRecorder(r SessionRecorder) ManagerOption {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithSessionListener registers a callback invoked after every applied poll
// and on session end.
func WithSessionListener(fn func(SessionView)) ManagerOption {
	return func(m *Manager) {
		m.onChange = fn
	}
}

// Manager owns wake-word settings access and at most one live sync session.
// Saving settings cancels any running session and starts a new one.
type Manager struct {
	client   SettingsClient
	clock    fleet.Clock
	interval time.Duration
	maxPolls int
	logger   logger.Logger
	recorder SessionRecorder
	onChange func(SessionView)

	mu      sync.Mutex
	current *session
	wg      sync.WaitGroup
}

// NewManager creates a manager. A nil clock defaults to the real clock;
// non-positive interval/maxPolls default to 2s/15.
func NewManager(client SettingsClient, interval time.Duration, maxPolls int, clock fleet.Clock, log logger.Logger, opts ...ManagerOption) *Manager {
	if clock == nil {
		clock = fleet.NewRealClock()
	}

	if interval <= 0 {
		interval = defaultPollInterval
	}

	if maxPolls < 1 {
		maxPolls = defaultMaxPolls
	}

	m := &Manager{
		client:   client,
		clock:    clock,
		interval: interval,
		maxPolls: maxPolls,
		logger:   log,
	}

	for _, o := range opts {
		o(m)
	}

	return m
}

// Settings fetches current wake-word settings from the backend.
func (m *Manager) Settings(ctx context.Context) (*models.WakeWordSettings, error) {
	return m.client.GetWakeWordSettings(ctx)
}

// Save applies new settings and, on acceptance, starts a sync session
// observing per-device convergence. Returns the session ID. A rejection is
// returned as-is and no session starts.
func (m *Manager) Save(ctx context.Context, cfg *models.WakeWordConfig) (string, error) {
	if err := m.client.PutWakeWordSettings(ctx, cfg); err != nil {
		return "", err
	}

	sess := &session{
		id:        uuid.NewString(),
		startedAt: m.clock.Now(),
		entries:   make(map[string]models.SyncEntry),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if prev := m.current; prev != nil {
		m.finishLocked(prev, ResultCanceled)
	}
	m.current = sess
	m.mu.Unlock()

	m.logger.Info().
		Str("session_id", sess.id).
		Int("max_polls", m.maxPolls).
		Dur("interval", m.interval).
		Msg("Settings saved; starting sync session")

	// The poll loop outlives the save request; detach it from the
	// caller's cancellation. Stop and Save supersession end it.
	runCtx := context.WithoutCancel(ctx)

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		m.run(runCtx, sess)
	}()

	return sess.id, nil
}

// Stop cancels the live session, if any, and waits for its poll loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	if sess := m.current; sess != nil {
		m.finishLocked(sess, ResultCanceled)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// run executes the bounded poll loop: one immediate fetch, then one per
// interval, stopping on convergence or after maxPolls fetches.
func (m *Manager) run(ctx context.Context, sess *session) {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		converged, exhausted := m.pollOnce(ctx, sess)

		if sess.stopped() {
			return
		}

		if converged {
			m.finish(sess, ResultConverged)
			return
		}

		if exhausted {
			m.finish(sess, ResultTimeout)
			return
		}

		select {
		case <-ctx.Done():
			m.finish(sess, ResultCanceled)
			return
		case <-sess.done:
			return
		case <-ticker.Chan():
		}
	}
}

// pollOnce performs one sync-status fetch and folds the response into the
// session. Fetch failures count against the poll budget but retain prior
// per-device state.
func (m *Manager) pollOnce(ctx context.Context, sess *session) (converged, exhausted bool) {
	status, err := m.client.GetSyncStatus(ctx)

	if sess.stopped() {
		// Canceled while the request was in flight; the late response
		// must not mutate the session.
		return false, false
	}

	sess.mu.Lock()
	sess.polls++
	polls := sess.polls

	if err == nil {
		sess.allSynced = status.AllSynced
		sess.failedCount = status.FailedCount

		for _, entry := range status.Devices {
			sess.entries[entry.DeviceID] = entry
		}

		converged = status.AllSynced
	}
	sess.mu.Unlock()

	if err != nil {
		m.logger.Warn().Err(err).
			Str("session_id", sess.id).
			Int("poll", polls).
			Msg("Sync status fetch failed")
	}

	m.notify()

	return converged, polls >= m.maxPolls
}

func (m *Manager) finish(sess *session, result string) {
	m.mu.Lock()
	m.finishLocked(sess, result)
	m.mu.Unlock()

	m.notify()
}

func (m *Manager) finishLocked(sess *session, result string) {
	sess.mu.Lock()
	alreadyDone := sess.result != ""
	if !alreadyDone {
		sess.result = result
	}
	polls := sess.polls
	failed := sess.failedCount
	sess.mu.Unlock()

	sess.stop()

	if alreadyDone {
		return
	}

	m.logger.Info().
		Str("session_id", sess.id).
		Str("result", result).
		Int("polls", polls).
		Int("failed_count", failed).
		Msg("Sync session finished")

	if m.recorder != nil {
		finishedAt := m.clock.Now()

		if err := m.recorder.SyncSessionFinished(context.Background(), sess.id, result, polls, failed, sess.startedAt, finishedAt); err != nil {
			m.logger.Error().Err(err).Str("session_id", sess.id).Msg("Failed to record sync session")
		}
	}
}

// Status returns the read model for the live or most recent session.
// Devices not yet reporting synced or an explicit error show as pending.
func (m *Manager) Status() SessionView {
	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()

	if sess == nil {
		return SessionView{}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	view := SessionView{
		Exists:      true,
		ID:          sess.id,
		Active:      sess.result == "",
		AllSynced:   sess.allSynced,
		FailedCount: sess.failedCount,
		Polls:       sess.polls,
		Result:      sess.result,
		StartedAt:   sess.startedAt,
		Devices:     make([]DeviceSync, 0, len(sess.entries)),
	}

	for _, entry := range sess.entries {
		view.Devices = append(view.Devices, deviceSyncFromEntry(entry))
	}

	sort.Slice(view.Devices, func(i, j int) bool {
		return view.Devices[i].DeviceID < view.Devices[j].DeviceID
	})

	return view
}

func (m *Manager) notify() {
	if m.onChange != nil {
		m.onChange(m.Status())
	}
}

func deviceSyncFromEntry(entry models.SyncEntry) DeviceSync {
	ds := DeviceSync{
		DeviceID:       entry.DeviceID,
		ActiveKeywords: entry.ActiveKeywords,
		Error:          entry.Error,
	}

	switch {
	case entry.Synced:
		ds.State = SyncStateSynced
	case entry.Error != "":
		ds.State = SyncStateError
	default:
		ds.State = SyncStatePending
	}

	return ds
}
