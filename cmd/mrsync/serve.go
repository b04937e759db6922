package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/mrsync/internal/adapter"
	"github.com/cory-johannsen/mrsync/internal/config"
	"github.com/cory-johannsen/mrsync/internal/observability"
	"github.com/cory-johannsen/mrsync/internal/rpc"
	"github.com/cory-johannsen/mrsync/internal/scene"
	"github.com/cory-johannsen/mrsync/internal/server"
	"github.com/cory-johannsen/mrsync/internal/session"
	"github.com/cory-johannsen/mrsync/internal/storage/postgres"
)

const (
	ledgerTimeout  = 2 * time.Second
	healthInterval = 30 * time.Second
)

func serveCmd() *cobra.Command {
	var configPath, scenePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept host connections and synchronise sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, scenePath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to configuration file (defaults and MRSYNC_* env when empty)")
	cmd.Flags().StringVar(&scenePath, "scene", "", "YAML scene manifest seeded into every new session")
	return cmd
}

func runServe(ctx context.Context, configPath, scenePath string) error {
	start := time.Now()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	var (
		gatherer prometheus.Gatherer
		metrics  *observability.Metrics
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(reg, cfg.Metrics.Namespace)
		gatherer = reg
	}

	var sc *scene.Scene
	if scenePath != "" {
		sc, err = scene.LoadFromFile(scenePath)
		if err != nil {
			return err
		}
		logger.Info("scene loaded",
			zap.String("scene", sc.Name),
			zap.Int("actors", len(sc.Actors)),
			zap.Int("assets", len(sc.Assets)),
		)
	}

	var scripts *scriptHosts
	if cfg.Scripting.Dir != "" {
		scripts = newScriptHosts(cfg.Scripting)
	}

	registry := session.NewRegistry(
		session.OptionsFromConfig(cfg.Sync, logger, metrics),
		func(c *session.Context) {
			if sc != nil {
				if err := sc.Apply(c); err != nil {
					c.Logger().Error("seeding scene", zap.Error(err))
				}
			}
			router := rpc.New(c)
			registerProcedures(router, c.Logger())
			if scripts != nil {
				if err := scripts.attach(c, router); err != nil {
					c.Logger().Error("loading scripts", zap.Error(err))
				}
			}
		},
	)
	defer registry.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts, err := adapter.OptionsFromConfig(cfg, logger, metrics)
	if err != nil {
		return err
	}
	opts.BaseContext = runCtx
	ad := adapter.New(registry, opts)
	if scripts != nil {
		ad.OnConnection(func(c *session.Context, p adapter.ConnectionParams) {
			scripts.connected(c, p.Reconnect)
		})
	}

	lc := server.NewLifecycle(logger)

	if cfg.Database.Enabled {
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()
		logger.Info("database connected", zap.String("host", cfg.Database.Host))

		ledger := postgres.NewSessionRepository(pool.DB())
		ad.OnConnection(func(c *session.Context, p adapter.ConnectionParams) {
			recordCtx, cancel := context.WithTimeout(runCtx, ledgerTimeout)
			defer cancel()
			rec, err := ledger.RecordConnection(recordCtx, p.SessionID, p.ClientAddr)
			if err != nil {
				c.Logger().Warn("recording session", zap.Error(err))
				return
			}
			c.Logger().Debug("session recorded", zap.Int64("connect_count", rec.ConnectCount))
		})
		lc.Add("db-health", server.NewTickerService(healthInterval, func(ctx context.Context) {
			if err := pool.Health(ctx, ledgerTimeout); err != nil {
				logger.Warn("database health check failed", zap.Error(err))
			}
		}))
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           ad.Routes(cfg.Server.Path, gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Add("http", server.NewHTTPService(srv, nil, cfg.Server.ShutdownTimeout, logger))

	logger.Info("mrsync starting",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("path", cfg.Server.Path),
		zap.Duration("tick_interval", cfg.Sync.TickInterval),
		zap.Bool("ledger", cfg.Database.Enabled),
		zap.String("scripts", cfg.Scripting.Dir),
		zap.Duration("startup", time.Since(start)),
	)
	return lc.Run(runCtx)
}
