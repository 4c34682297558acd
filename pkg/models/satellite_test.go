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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFleetSnapshot_KeysAndOrders(t *testing.T) {
	now := time.Now()
	snap := NewFleetSnapshot(&FleetResponse{
		Satellites: []Satellite{
			{DeviceID: "den-02", Version: "1.2.0"},
			{DeviceID: "kitchen-01", Version: "1.3.0"},
			{DeviceID: "attic-04", Version: "1.1.0"},
		},
		LatestVersion: "1.3.0",
	}, now)

	assert.Equal(t, []string{"attic-04", "den-02", "kitchen-01"}, snap.Order)
	assert.Len(t, snap.Devices, 3)
	assert.Equal(t, "1.3.0", snap.LatestVersion)
	assert.Equal(t, now, snap.FetchedAt)
}

func TestNewFleetSnapshot_DropsBlankIDsAndDedupes(t *testing.T) {
	snap := NewFleetSnapshot(&FleetResponse{
		Satellites: []Satellite{
			{DeviceID: "", Version: "1.0.0"},
			{DeviceID: "kitchen-01", Version: "1.2.0"},
			{DeviceID: "kitchen-01", Version: "1.3.0"},
		},
	}, time.Now())

	require.Len(t, snap.Devices, 1)
	assert.Equal(t, []string{"kitchen-01"}, snap.Order)

	// Last occurrence wins on duplicate IDs.
	assert.Equal(t, "1.3.0", snap.Devices["kitchen-01"].Version)
}

func TestFleetSnapshotClone_IsIndependent(t *testing.T) {
	snap := NewFleetSnapshot(&FleetResponse{
		Satellites: []Satellite{
			{DeviceID: "kitchen-01", Capabilities: []string{"audio", "led"}},
		},
		LatestVersion: "1.3.0",
	}, time.Now())

	clone := snap.Clone()
	clone.Devices["extra"] = Satellite{DeviceID: "extra"}
	clone.Order[0] = "mutated"
	clone.Devices["kitchen-01"].Capabilities[0] = "mutated"

	assert.NotContains(t, snap.Devices, "extra")
	assert.Equal(t, []string{"kitchen-01"}, snap.Order)
	assert.Equal(t, "audio", snap.Devices["kitchen-01"].Capabilities[0])
}

func TestFleetSnapshotClone_Nil(t *testing.T) {
	var snap *FleetSnapshot
	assert.Nil(t, snap.Clone())
}
