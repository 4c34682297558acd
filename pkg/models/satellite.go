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

package models

import (
	"sort"
	"time"
)

// SatelliteState is the connectivity/activity state a satellite reports.
type SatelliteState string

const (
	SatelliteIdle       SatelliteState = "idle"
	SatelliteListening  SatelliteState = "listening"
	SatelliteProcessing SatelliteState = "processing"
	SatelliteSpeaking   SatelliteState = "speaking"
	SatelliteError      SatelliteState = "error"
)

// UpdateStatus is the firmware-update status a satellite reports.
type UpdateStatus string

const (
	UpdateNone       UpdateStatus = "none"
	UpdateAvailable  UpdateStatus = "available"
	UpdateInProgress UpdateStatus = "in_progress"
	UpdateFailed     UpdateStatus = "failed"
	UpdateUpToDate   UpdateStatus = "up_to_date"
)

// Telemetry is the point-in-time hardware snapshot a satellite reports
// alongside its state.
type Telemetry struct {
	AudioLevel    float64   `json:"audio_level"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	TemperatureC  float64   `json:"temperature_c"`
	LastWakeEvent time.Time `json:"last_wake_event,omitempty"`
}

// Satellite represents a single voice device in the fleet.
type Satellite struct {
	DeviceID       string         `json:"device_id"`
	Name           string         `json:"name,omitempty"`
	State          SatelliteState `json:"state"`
	Version        string         `json:"version"`
	UpdateStatus   UpdateStatus   `json:"update_status"`
	UpdateProgress int            `json:"update_progress"`
	LastError      string         `json:"last_error,omitempty"`
	Capabilities   []string       `json:"capabilities,omitempty"`
	Telemetry      Telemetry      `json:"telemetry"`
	LastSeen       time.Time      `json:"last_seen"`
}

// FleetResponse is the wire shape of GET /api/satellites on the backend.
type FleetResponse struct {
	Satellites    []Satellite `json:"satellites"`
	LatestVersion string      `json:"latest_version"`
}

// FleetSnapshot is one reconciled read of the whole fleet. Devices are keyed
// by device_id; Order preserves a stable display order. A snapshot replaces
// its predecessor wholesale, never field by field.
type FleetSnapshot struct {
	Devices       map[string]Satellite `json:"devices"`
	Order         []string             `json:"order"`
	LatestVersion string               `json:"latest_version"`
	FetchedAt     time.Time            `json:"fetched_at"`
}

// NewFleetSnapshot builds a snapshot from a backend fleet response, keying
// devices by ID and ordering them by device_id.
func NewFleetSnapshot(resp *FleetResponse, fetchedAt time.Time) *FleetSnapshot {
	snap := &FleetSnapshot{
		Devices:       make(map[string]Satellite, len(resp.Satellites)),
		Order:         make([]string, 0, len(resp.Satellites)),
		LatestVersion: resp.LatestVersion,
		FetchedAt:     fetchedAt,
	}

	for _, sat := range resp.Satellites {
		if sat.DeviceID == "" {
			continue
		}

		if _, seen := snap.Devices[sat.DeviceID]; !seen {
			snap.Order = append(snap.Order, sat.DeviceID)
		}

		snap.Devices[sat.DeviceID] = sat
	}

	sort.Strings(snap.Order)

	return snap
}

// Clone returns a deep copy safe to hand to readers while the scheduler
// prepares a replacement.
func (s *FleetSnapshot) Clone() *FleetSnapshot {
	if s == nil {
		return nil
	}

	out := &FleetSnapshot{
		Devices:       make(map[string]Satellite, len(s.Devices)),
		Order:         append([]string(nil), s.Order...),
		LatestVersion: s.LatestVersion,
		FetchedAt:     s.FetchedAt,
	}

	for id, sat := range s.Devices {
		sat.Capabilities = append([]string(nil), sat.Capabilities...)
		out.Devices[id] = sat
	}

	return out
}
