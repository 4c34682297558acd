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

	"github.com/openhearth/fleetconsole/pkg/models"
)

// Store holds the latest reconciled fleet snapshot. Only the scheduler
// writes it; readers always get clones, never live references.
type Store struct {
	mu   sync.RWMutex
	snap *models.FleetSnapshot
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Replace swaps in a new snapshot wholesale. The prior snapshot is
// discarded; there is no field-level merging across fetches.
func (s *Store) Replace(snap *models.FleetSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap = snap
}

// Snapshot returns a clone of the current snapshot, or nil before the first
// successful refresh.
func (s *Store) Snapshot() *models.FleetSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snap.Clone()
}

// Get retrieves one device from the current snapshot.
func (s *Store) Get(deviceID string) (models.Satellite, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.snap == nil {
		return models.Satellite{}, false
	}

	sat, ok := s.snap.Devices[deviceID]
	if !ok {
		return models.Satellite{}, false
	}

	sat.Capabilities = append([]string(nil), sat.Capabilities...)

	return sat, true
}

// LatestVersion reports the fleet-wide latest firmware version from the
// current snapshot, or "" when unknown.
func (s *Store) LatestVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.snap == nil {
		return ""
	}

	return s.snap.LatestVersion
}
