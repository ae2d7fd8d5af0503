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
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vzahanych/view-guard/pkg/archive"
	"github.com/vzahanych/view-guard/pkg/config"
	"github.com/vzahanych/view-guard/pkg/db"
	"github.com/vzahanych/view-guard/pkg/eventcache"
	"github.com/vzahanych/view-guard/pkg/gateway"
	"github.com/vzahanych/view-guard/pkg/lifecycle"
	"github.com/vzahanych/view-guard/pkg/logger"
	"github.com/vzahanych/view-guard/pkg/relay"
	"github.com/vzahanych/view-guard/pkg/tunnel"
)

var errFailedToLoadConfig = fmt.Errorf("failed to load config")

// tenantTier provisions one tenant's quota limits.
type tenantTier struct {
	TenantID      string `json:"tenant_id"`
	LimitBytes    int64  `json:"limit_bytes"`
	LimitCount    int64  `json:"limit_count"`
	RetentionDays int    `json:"retention_days"`
}

// nodeConfig is the top-level config file shape for the node daemon.
type nodeConfig struct {
	APIListenAddr string          `json:"api_listen_addr"`
	NATSURL       string          `json:"nats_url,omitempty"`
	ObjectDir     string          `json:"object_dir"`
	Tenants       []tenantTier    `json:"tenants"`
	Database      db.Config       `json:"database"`
	Gateway       gateway.Config  `json:"gateway"`
	Cache         eventcache.Config `json:"cache"`
	Archive       archive.Config  `json:"archive"`
	Relay         relay.Config    `json:"relay"`
	Logging       *logger.Config  `json:"logging,omitempty"`
}

func (c *nodeConfig) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("node: database.host is required")
	}

	if c.ObjectDir == "" {
		return fmt.Errorf("node: object_dir is required")
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/viewguard/node.json", "Path to node config file")
	flag.Parse()

	ctx := context.Background()

	cfgLoader := config.NewConfig(nil)

	var cfg nodeConfig

	if err := cfgLoader.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = &logger.Config{Level: "info", Output: "stdout"}
	}

	nodeLogger, err := lifecycle.CreateComponentLogger("node", logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.Database, nodeLogger)
	if err != nil {
		return err
	}
	defer pool.Close()

	database := db.New(pool, nodeLogger)

	if err := database.Bootstrap(ctx); err != nil {
		return err
	}

	tenants := make([]string, 0, len(cfg.Tenants))

	for _, tier := range cfg.Tenants {
		if err := database.EnsureLedger(ctx, tier.TenantID, tier.LimitBytes, tier.LimitCount, tier.RetentionDays); err != nil {
			return err
		}

		tenants = append(tenants, tier.TenantID)
	}

	cfg.Cache.Tenants = tenants

	var publisher eventcache.SummaryPublisher

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("viewguard-node"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Close()

		publisher, err = eventcache.NewNATSPublisher(ctx, nc, nodeLogger)
		if err != nil {
			return err
		}
	}

	cache := eventcache.New(database, database, publisher, cfg.Cache, nodeLogger)

	objects, err := archive.NewFSStore(cfg.ObjectDir)
	if err != nil {
		return err
	}

	orchestrator := archive.New(database, database, objects, cfg.Archive, nodeLogger)

	gw := gateway.New(cfg.Gateway, database, nodeLogger)
	streamRelay := relay.New(database, database, gw.Registry(), cfg.Relay, nodeLogger)

	gw.Register(tunnel.ChannelEvent, cache)
	gw.Register(tunnel.ChannelTelemetry, gateway.FrameHandlerFunc(cache.HandleTelemetry))
	gw.Register(tunnel.ChannelArchive, orchestrator)
	gw.Register(tunnel.ChannelStream, streamRelay)

	api := newAPIServer(cfg.APIListenAddr, cache, streamRelay, nodeLogger)

	return lifecycle.Run(ctx, &lifecycle.Options{
		ServiceName: "viewguard-node",
		Services:    []lifecycle.Service{gw, cache, orchestrator, api},
		Logger:      nodeLogger,
	})
}

// apiServer is the operator/client-facing HTTP surface: event queries,
// stream relay, and metrics.
type apiServer struct {
	server *http.Server
	logger logger.Logger
}

func newAPIServer(addr string, cache *eventcache.Service, streamRelay *relay.Relay, log logger.Logger) *apiServer {
	if addr == "" {
		addr = ":8443"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/events", cache.QueryHandler())
	mux.Handle("GET /api/v1/stream", streamRelay)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &apiServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: log,
	}
}

func (a *apiServer) Start(_ context.Context) error {
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("API listener failed")
		}
	}()

	a.logger.Info().Str("addr", a.server.Addr).Msg("API listening")

	return nil
}

func (a *apiServer) Stop(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}
