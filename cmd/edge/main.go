/*
 * Copyright 2025 Carver Automation Corporation.
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

	"github.com/vzahanych/view-guard/pkg/clipstore"
	"github.com/vzahanych/view-guard/pkg/config"
	"github.com/vzahanych/view-guard/pkg/edge"
	"github.com/vzahanych/view-guard/pkg/encryption"
	"github.com/vzahanych/view-guard/pkg/eventqueue"
	"github.com/vzahanych/view-guard/pkg/lifecycle"
	"github.com/vzahanych/view-guard/pkg/logger"
	"github.com/vzahanych/view-guard/pkg/sqlitedb"
)

var errFailedToLoadConfig = fmt.Errorf("failed to load config")

// edgeConfig is the top-level config file shape for the edge daemon.
type edgeConfig struct {
	Agent     edge.Config      `json:"agent"`
	ClipStore clipstore.Config `json:"clip_store"`
	Queue     eventqueue.Config `json:"queue"`
	Database  sqlitedb.Config  `json:"database"`
	Logging   *logger.Config   `json:"logging,omitempty"`
}

func (c *edgeConfig) Validate() error {
	return c.Agent.Validate()
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/viewguard/edge.json", "Path to edge config file")
	flag.Parse()

	ctx := context.Background()

	cfgLoader := config.NewConfig(nil)

	var cfg edgeConfig

	if err := cfgLoader.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = &logger.Config{Level: "info", Output: "stdout"}
	}

	edgeLogger, err := lifecycle.CreateComponentLogger("edge", logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	pool, err := sqlitedb.Open(cfg.Database, edgeLogger)
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	if err := applySchema(ctx, pool); err != nil {
		return err
	}

	clips, err := clipstore.New(pool, cfg.ClipStore, nil, edgeLogger)
	if err != nil {
		return err
	}

	queue := eventqueue.New(pool, cfg.Queue, edgeLogger)

	agent, err := edge.New(cfg.Agent, clips, queue, encryption.NewService(encryption.DefaultParams()), edgeLogger)
	if err != nil {
		return err
	}

	return lifecycle.Run(ctx, &lifecycle.Options{
		ServiceName: "viewguard-edge",
		Services:    []lifecycle.Service{clips, agent},
		Logger:      edgeLogger,
	})
}

func applySchema(ctx context.Context, pool *sqlitedb.Pool) error {
	conn, err := pool.Take(ctx)
	if err != nil {
		return err
	}
	defer pool.Put(conn)

	if err := eventqueue.Schema(conn); err != nil {
		return err
	}

	return clipstore.Schema(conn)
}
