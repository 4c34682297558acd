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

package console

import (
	"errors"
	"time"

	"github.com/openhearth/fleetconsole/pkg/logger"
	"github.com/openhearth/fleetconsole/pkg/models"
)

var (
	errListenAddrRequired = errors.New("listen_addr is required")
	errBackendRequired    = errors.New("backend.base_url is required")
)

const (
	defaultPollInterval     = 5 * time.Second
	defaultSyncPollInterval = 2 * time.Second
	defaultSyncMaxPolls     = 15
	defaultHistoryPath      = "fleetconsole.db"
)

// Config is the console daemon configuration.
type Config struct {
	ListenAddr       string                `json:"listen_addr"`
	Backend          *models.BackendConfig `json:"backend"`
	PollInterval     models.Duration       `json:"poll_interval,omitempty"`
	SyncPollInterval models.Duration       `json:"sync_poll_interval,omitempty"`
	SyncMaxPolls     int                   `json:"sync_max_polls,omitempty"`
	HistoryPath      string                `json:"history_path,omitempty"`
	APIKey           string                `json:"api_key,omitempty"`
	CORS             models.CORSConfig     `json:"cors,omitempty"`
	Logging          *logger.Config        `json:"logging,omitempty"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errListenAddrRequired
	}

	if c.Backend == nil || c.Backend.BaseURL == "" {
		return errBackendRequired
	}

	if time.Duration(c.PollInterval) <= 0 {
		c.PollInterval = models.Duration(defaultPollInterval)
	}

	if time.Duration(c.SyncPollInterval) <= 0 {
		c.SyncPollInterval = models.Duration(defaultSyncPollInterval)
	}

	if c.SyncMaxPolls < 1 {
		c.SyncMaxPolls = defaultSyncMaxPolls
	}

	if c.HistoryPath == "" {
		c.HistoryPath = defaultHistoryPath
	}

	return nil
}
