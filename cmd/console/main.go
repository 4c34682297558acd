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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/openhearth/fleetconsole/pkg/config"
	"github.com/openhearth/fleetconsole/pkg/console"
	"github.com/openhearth/fleetconsole/pkg/logger"
)

var errFailedToLoadConfig = fmt.Errorf("failed to load config")

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/fleetconsole/console.json", "Path to console config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgLoader := config.NewConfig(nil)

	var cfg console.Config

	if err := cfgLoader.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	consoleLogger, err := logger.New(cfg.Logging, "console")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	c, err := console.New(&cfg, consoleLogger)
	if err != nil {
		return err
	}

	return c.Run(ctx)
}
