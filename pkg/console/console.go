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

// Package console wires the fleet scheduler, wake-word manager, history
// store, and API server into one runnable daemon.
package console

import (
	"context"
	"fmt"
	"time"

	"github.com/openhearth/fleetconsole/pkg/assistapi"
	"github.com/openhearth/fleetconsole/pkg/fleet"
	"github.com/openhearth/fleetconsole/pkg/history"
	"github.com/openhearth/fleetconsole/pkg/logger"
	"github.com/openhearth/fleetconsole/pkg/models"
	"github.com/openhearth/fleetconsole/pkg/server"
	"github.com/openhearth/fleetconsole/pkg/wakeword"
)

// Console is the assembled daemon.
type Console struct {
	cfg       *Config
	logger    logger.Logger
	histStore *history.Store
	scheduler *fleet.Scheduler
	wakewords *wakeword.Manager
	api       *server.APIServer
}

// New assembles a Console from validated config.
func New(cfg *Config, log logger.Logger) (*Console, error) {
	client, err := assistapi.NewClient(cfg.Backend, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	histStore, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	c := &Console{
		cfg:       cfg,
		logger:    log,
		histStore: histStore,
	}

	// The stream listeners close over c so the API server can be built
	// after the components it observes; nothing fires before Run.
	c.scheduler = fleet.NewScheduler(client, time.Duration(cfg.PollInterval), nil, log,
		fleet.WithRecorder(histStore),
		fleet.WithSnapshotListener(func(snap *models.FleetSnapshot) {
			c.api.PublishFleet(snap)
		}),
	)

	c.wakewords = wakeword.NewManager(client, time.Duration(cfg.SyncPollInterval), cfg.SyncMaxPolls, nil, log,
		wakeword.WithSessionRecorder(histStore),
		wakeword.WithSessionListener(func(view wakeword.SessionView) {
			c.api.PublishSync(view)
		}),
	)

	c.api = server.NewAPIServer(cfg.ListenAddr, cfg.CORS, log,
		server.WithAPIKey(cfg.APIKey),
		server.WithFleetService(c.scheduler),
		server.WithWakeWordService(c.wakewords),
		server.WithAssistantService(client),
		server.WithHistoryService(histStore),
	)

	return c, nil
}

// Run starts the scheduler and API server and blocks until ctx is canceled
// or the server fails.
func (c *Console) Run(ctx context.Context) error {
	schedErr := make(chan error, 1)

	go func() {
		schedErr <- c.scheduler.Start(ctx)
	}()

	err := c.api.Start(ctx)

	c.shutdown()

	if serr := <-schedErr; serr != nil && err == nil && ctx.Err() == nil {
		err = serr
	}

	if ctx.Err() != nil {
		return nil
	}

	return err
}

func (c *Console) shutdown() {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.scheduler.Stop(stopCtx); err != nil {
		c.logger.Error().Err(err).Msg("Error stopping scheduler")
	}

	c.wakewords.Stop()

	if err := c.histStore.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Error closing history store")
	}
}
