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

// Package fleet reconciles satellite fleet state against the assistant
// backend and tracks firmware-update lifecycles per device.
package fleet

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openhearth/fleetconsole/pkg/logger"
	"github.com/openhearth/fleetconsole/pkg/models"
)

const defaultPollInterval = 5 * time.Second

// Status is the scheduler's health read model: when the fleet was last
// refreshed and the current banner error, if any.
type Status struct {
	LastRefresh time.Time `json:"last_refresh,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRecorder attaches an update-attempt history recorder.
func WithRecorder(r Recorder) SchedulerOption {
	return func(s *Scheduler) {
		s.recorder = r
	}
}

// WithSnapshotListener registers a callback invoked with a clone of each
// successfully reconciled snapshot.
func WithSnapshotListener(fn func(*models.FleetSnapshot)) SchedulerOption {
	return func(s *Scheduler) {
		s.onSnapshot = fn
	}
}

// Scheduler drives the periodic full-fleet refresh and owns all writes to
// the snapshot store. Ticks that arrive while a refresh is in flight are
// dropped, not queued.
type Scheduler struct {
	client   FleetClient
	store    *Store
	tracker  *Tracker
	recorder Recorder
	clock    Clock
	interval time.Duration
	logger   logger.Logger

	onSnapshot func(*models.FleetSnapshot)

	statusMu sync.Mutex
	status   Status

	busy      atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewScheduler creates a scheduler polling the backend at the given
// interval. A nil clock defaults to the real clock; a non-positive interval
// defaults to 5s.
func NewScheduler(client FleetClient, interval time.Duration, clock Clock, log logger.Logger, opts ...SchedulerOption) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}

	if interval <= 0 {
		interval = defaultPollInterval
	}

	s := &Scheduler{
		client:   client,
		store:    NewStore(),
		tracker:  NewTracker(clock, log),
		clock:    clock,
		interval: interval,
		logger:   log,
		done:     make(chan struct{}),
	}

	for _, o := range opts {
		o(s)
	}

	return s
}

// Start runs the fleet polling loop until ctx is canceled or Stop is
// called. The first refresh happens immediately, not on the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("Starting fleet polling")

	s.runRefresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-ticker.Chan():
			s.runRefresh(ctx)
		}
	}
}

// Stop cancels polling. Synchronous and idempotent: when it returns, no
// in-flight refresh will mutate state.
func (s *Scheduler) Stop(_ context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	s.wg.Wait()

	return nil
}

// runRefresh launches one refresh unless the previous one is still in
// flight, in which case the tick is dropped.
func (s *Scheduler) runRefresh(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		s.logger.Debug().Msg("Previous refresh still in flight; dropping tick")
		return
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)

		s.refresh(ctx)
	}()
}

// refresh performs one full-fleet fetch and reconciliation. Failures keep
// the prior snapshot and surface as a banner; the loop is never stopped.
func (s *Scheduler) refresh(ctx context.Context) {
	resp, err := s.client.GetFleet(ctx)

	if s.stopped() {
		// Late response after Stop; discard rather than mutate.
		return
	}

	if err != nil {
		s.logger.Error().Err(err).Msg("Fleet refresh failed")
		s.setBanner(err.Error())

		return
	}

	now := s.clock.Now()
	snap := models.NewFleetSnapshot(resp, now)
	outcomes := s.tracker.Observe(snap)
	s.store.Replace(snap)

	s.statusMu.Lock()
	s.status.LastRefresh = now
	s.status.LastError = ""
	s.statusMu.Unlock()

	for _, out := range outcomes {
		s.recordOutcome(ctx, &out, now)
	}

	if s.onSnapshot != nil {
		s.onSnapshot(snap.Clone())
	}
}

// TriggerUpdate issues the update command and, on acceptance, opens a local
// attempt and forces one immediate refresh so the UI reflects in_progress
// without waiting for the next tick. Rejections are returned unwrapped; no
// state is assumed.
func (s *Scheduler) TriggerUpdate(ctx context.Context, deviceID string) error {
	if err := s.client.TriggerUpdate(ctx, deviceID); err != nil {
		return err
	}

	attemptID := s.tracker.MarkTriggered(deviceID)

	if s.recorder != nil {
		fromVersion := ""
		if sat, ok := s.store.Get(deviceID); ok {
			fromVersion = sat.Version
		}

		if err := s.recorder.UpdateTriggered(ctx, attemptID, deviceID, fromVersion, s.clock.Now()); err != nil {
			s.logger.Error().Err(err).Str("attempt_id", attemptID).Msg("Failed to record update trigger")
		}
	}

	// The forced refresh outlives the trigger request; detach it from
	// the caller's cancellation.
	s.runRefresh(context.WithoutCancel(ctx))

	return nil
}

// Snapshot returns a clone of the current fleet snapshot, or nil before the
// first successful refresh.
func (s *Scheduler) Snapshot() *models.FleetSnapshot {
	return s.store.Snapshot()
}

// Views derives the per-device update view for the current snapshot.
func (s *Scheduler) Views() map[string]UpdateView {
	return s.tracker.Views(s.store.Snapshot())
}

// DeviceView returns one device and its derived update view.
func (s *Scheduler) DeviceView(deviceID string) (models.Satellite, UpdateView, bool) {
	sat, ok := s.store.Get(deviceID)
	if !ok {
		return models.Satellite{}, UpdateView{}, false
	}

	return sat, s.tracker.View(deviceID, &sat, s.store.LatestVersion()), true
}

// Status returns the scheduler's health read model.
func (s *Scheduler) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	return s.status
}

// DismissError clears the banner error until the next failure.
func (s *Scheduler) DismissError() {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	s.status.LastError = ""
}

func (s *Scheduler) setBanner(msg string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	s.status.LastError = msg
	s.status.LastErrorAt = s.clock.Now()
}

func (s *Scheduler) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Scheduler) recordOutcome(ctx context.Context, out *Outcome, at time.Time) {
	if s.recorder == nil {
		return
	}

	if err := s.recorder.UpdateResolved(ctx, out.AttemptID, out.DeviceID, out.Status, out.Error, out.ToVersion, at); err != nil {
		s.logger.Error().Err(err).Str("attempt_id", out.AttemptID).Msg("Failed to record update outcome")
	}
}
