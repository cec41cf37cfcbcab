// Package main provides the game server binary that hosts plugin-driven
// game rooms and keeps the cross-match score ledger.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/Rechenmaschine/backend/internal/config"
	"github.com/Rechenmaschine/backend/internal/observability"
	"github.com/Rechenmaschine/backend/internal/orchestrator"
	"github.com/Rechenmaschine/backend/internal/plugin"
	"github.com/Rechenmaschine/backend/internal/room"
	"github.com/Rechenmaschine/backend/internal/score"
	"github.com/Rechenmaschine/backend/internal/server"
	"github.com/Rechenmaschine/backend/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	pluginsDir := flag.String("plugins-dir", "", "override for the game plugin directory")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *pluginsDir != "" {
		cfg.Server.PluginsDir = *pluginsDir
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting game server",
		zap.String("plugins_dir", cfg.Server.PluginsDir),
		zap.Bool("test_mode", cfg.Server.TestMode),
	)

	// Load game plugins
	pluginStart := time.Now()
	registry := plugin.NewRegistry(cfg.Server.PluginsDir, logger)
	if err := registry.Reload(); err != nil {
		logger.Fatal("loading game plugins", zap.Error(err))
	}
	if registry.Len() == 0 {
		logger.Fatal("no game plugins found", zap.String("dir", cfg.Server.PluginsDir))
	}
	logger.Info("game plugins loaded",
		zap.Int("count", registry.Len()),
		zap.Strings("game_types", registry.UUIDs()),
		zap.Duration("elapsed", time.Since(pluginStart)),
	)

	ledger := score.NewLedger(logger)

	// Connect to PostgreSQL for the match archive when enabled.
	var pool *postgres.Pool
	var archive orchestrator.ResultSink
	if cfg.Database.Enabled {
		dbStart := time.Now()
		pool, err = postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		archive = postgres.NewMatchRepository(pool.DB())
	}

	orch := orchestrator.New(registry, ledger, logger, orchestrator.Options{
		RoomConfig: room.Config{
			SoftTimeout: cfg.Game.SoftTimeout,
			HardTimeout: cfg.Game.HardTimeout,
		},
		LoadOverride: orchestrator.LoadOverride{
			Path: cfg.Game.LoadGameFile,
			Turn: cfg.Game.LoadGameTurn,
		},
		TestMode: cfg.Server.TestMode,
		Archive:  archive,
	})

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)

	orchDone := make(chan struct{})
	lifecycle.Add("orchestrator", &server.FuncService{
		StartFn: func() error {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					logger.Info("room status", zap.Int("rooms", orch.RoomCount()))
				case <-orchDone:
					return nil
				}
			}
		},
		StopFn: func() {
			close(orchDone)
			orch.Shutdown()
		},
	})

	if pool != nil {
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func() error {
				for {
					time.Sleep(30 * time.Second)
					if err := pool.Health(ctx, 5*time.Second); err != nil {
						logger.Warn("database health check failed", zap.Error(err))
					}
				}
			},
			StopFn: func() {
				pool.Close()
			},
		})
	}

	logger.Info("game server initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
