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

package fleet

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openhearth/fleetconsole/pkg/logger"
	"github.com/openhearth/fleetconsole/pkg/models"
)

// UpdateView is the per-device update state the tracker derives for display.
type UpdateView struct {
	Status    models.UpdateStatus `json:"status"`
	Progress  int                 `json:"progress"`
	Error     string              `json:"error,omitempty"`
	AttemptID string              `json:"attempt_id,omitempty"`
	StartedAt time.Time           `json:"started_at,omitempty"`
}

// Outcome records one attempt reaching a terminal state, for history.
type Outcome struct {
	AttemptID string
	DeviceID  string
	Status    models.UpdateStatus
	Error     string
	ToVersion string
}

// attempt is the tracker's bookkeeping for one firmware-update lifecycle,
// from trigger (or first observed in_progress) to terminal outcome.
type attempt struct {
	id             string
	startedAt      time.Time
	progress       int // max seen for this attempt
	status         models.UpdateStatus
	errText        string
	seenInProgress bool // backend has confirmed the attempt started
	observed       bool // terminal state has been served to a reader
}

func (a *attempt) terminal() bool {
	return a.status == models.UpdateFailed || a.status == models.UpdateUpToDate
}

// Tracker maintains one update state machine per device. The backend is
// authoritative: a snapshot showing in_progress for a device the tracker
// considered terminal starts a fresh attempt.
type Tracker struct {
	mu       sync.Mutex
	attempts map[string]*attempt
	clock    Clock
	logger   logger.Logger
}

// NewTracker creates a tracker. A nil clock defaults to the real clock.
func NewTracker(clock Clock, log logger.Logger) *Tracker {
	if clock == nil {
		clock = realClock{}
	}

	return &Tracker{
		attempts: make(map[string]*attempt),
		clock:    clock,
		logger:   log,
	}
}

// MarkTriggered opens a fresh attempt after the backend accepted an update
// command. Supersedes any prior attempt for the device. Returns the new
// attempt ID.
func (t *Tracker) MarkTriggered(deviceID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := &attempt{
		id:        uuid.NewString(),
		startedAt: t.clock.Now(),
		status:    models.UpdateInProgress,
	}
	t.attempts[deviceID] = a

	t.logger.Info().
		Str("device_id", deviceID).
		Str("attempt_id", a.id).
		Msg("Update attempt started")

	return a.id
}

// Observe folds a new fleet snapshot into the per-device state machines and
// returns the attempts that reached a terminal state in this snapshot.
func (t *Tracker) Observe(snap *models.FleetSnapshot) []Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	var outcomes []Outcome

	for id, sat := range snap.Devices {
		if out := t.observeDeviceLocked(id, &sat, snap.LatestVersion); out != nil {
			outcomes = append(outcomes, *out)
		}
	}

	// Attempts for devices that left the fleet have nothing left to track.
	for id := range t.attempts {
		if _, ok := snap.Devices[id]; !ok {
			delete(t.attempts, id)
		}
	}

	return outcomes
}

func (t *Tracker) observeDeviceLocked(deviceID string, sat *models.Satellite, latest string) *Outcome {
	a := t.attempts[deviceID]

	switch sat.UpdateStatus {
	case models.UpdateInProgress:
		if a == nil || a.terminal() {
			// Fresh attempt started outside the console, or restarted
			// after a terminal state. Progress display resets.
			a = &attempt{
				id:             uuid.NewString(),
				startedAt:      t.clock.Now(),
				status:         models.UpdateInProgress,
				seenInProgress: true,
				progress:       sat.UpdateProgress,
			}
			t.attempts[deviceID] = a

			return nil
		}

		a.seenInProgress = true

		if sat.UpdateProgress > a.progress {
			a.progress = sat.UpdateProgress
		}

		return nil

	case models.UpdateFailed:
		if a == nil {
			// Failure from an attempt the console never tracked; the
			// device fields alone drive the view.
			return nil
		}

		if a.terminal() {
			return nil
		}

		a.status = models.UpdateFailed
		a.errText = sat.LastError

		t.logger.Warn().
			Str("device_id", deviceID).
			Str("attempt_id", a.id).
			Str("error", a.errText).
			Msg("Update attempt failed")

		return &Outcome{
			AttemptID: a.id,
			DeviceID:  deviceID,
			Status:    models.UpdateFailed,
			Error:     a.errText,
			ToVersion: sat.Version,
		}

	default:
		if a == nil || a.terminal() {
			return nil
		}

		if latest != "" && sat.Version == latest {
			a.status = models.UpdateUpToDate
			a.progress = 100

			t.logger.Info().
				Str("device_id", deviceID).
				Str("attempt_id", a.id).
				Str("version", sat.Version).
				Msg("Update attempt completed")

			return &Outcome{
				AttemptID: a.id,
				DeviceID:  deviceID,
				Status:    models.UpdateUpToDate,
				ToVersion: sat.Version,
			}
		}

		if !a.seenInProgress {
			// Command accepted but the backend has not reported the
			// attempt yet; keep showing in_progress.
			return nil
		}

		// The backend stopped reporting the attempt without a version
		// change or an explicit failure. Record what it reports now.
		delete(t.attempts, deviceID)

		return &Outcome{
			AttemptID: a.id,
			DeviceID:  deviceID,
			Status:    sat.UpdateStatus,
			ToVersion: sat.Version,
		}
	}
}

// View derives the display state for one device. Serving a terminal state
// marks it observed; the attempt is cleared once observed and superseded by
// the next snapshot.
func (t *Tracker) View(deviceID string, sat *models.Satellite, latest string) UpdateView {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.viewLocked(deviceID, sat, latest)
}

// Views derives display state for every device in the snapshot.
func (t *Tracker) Views(snap *models.FleetSnapshot) map[string]UpdateView {
	if snap == nil {
		return map[string]UpdateView{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	views := make(map[string]UpdateView, len(snap.Devices))

	for id, sat := range snap.Devices {
		views[id] = t.viewLocked(id, &sat, snap.LatestVersion)
	}

	return views
}

func (t *Tracker) viewLocked(deviceID string, sat *models.Satellite, latest string) UpdateView {
	if a, ok := t.attempts[deviceID]; ok {
		view := UpdateView{
			Status:    a.status,
			Progress:  a.progress,
			Error:     a.errText,
			AttemptID: a.id,
			StartedAt: a.startedAt,
		}

		if a.terminal() {
			if a.observed {
				// Terminal state already shown at least once; release
				// the attempt and fall back to the device fields.
				delete(t.attempts, deviceID)
				return t.deviceView(sat, latest)
			}

			a.observed = true
		}

		return view
	}

	return t.deviceView(sat, latest)
}

// deviceView derives update state purely from backend-reported fields, used
// when no attempt is being tracked.
func (t *Tracker) deviceView(sat *models.Satellite, latest string) UpdateView {
	switch {
	case sat.UpdateStatus == models.UpdateFailed:
		return UpdateView{Status: models.UpdateFailed, Error: sat.LastError}
	case sat.UpdateStatus == models.UpdateInProgress:
		return UpdateView{Status: models.UpdateInProgress, Progress: sat.UpdateProgress}
	case latest != "" && sat.Version != latest:
		return UpdateView{Status: models.UpdateAvailable}
	case latest != "" && sat.Version == latest:
		return UpdateView{Status: models.UpdateUpToDate, Progress: 100}
	default:
		return UpdateView{Status: models.UpdateNone}
	}
}
