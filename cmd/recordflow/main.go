package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/recordflow/recordflow/internal/api"
	"github.com/recordflow/recordflow/internal/catalog"
	"github.com/recordflow/recordflow/internal/config"
	"github.com/recordflow/recordflow/internal/engine"
	"github.com/recordflow/recordflow/internal/locker"
	"github.com/recordflow/recordflow/internal/logging"
	"github.com/recordflow/recordflow/internal/repository"
	"github.com/recordflow/recordflow/internal/services"
	"github.com/recordflow/recordflow/internal/tls"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "recordflow",
		Short: "Workflow engine for electronic record compliance",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the API server with the escalation sweeper",
			RunE:  func(cmd *cobra.Command, args []string) error { return runServe(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Run one escalation sweep and exit",
			RunE:  func(cmd *cobra.Command, args []string) error { return runSweep(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Seed the reference batch release workflow",
			RunE:  func(cmd *cobra.Command, args []string) error { return runSeed(cmd.Context()) },
		},
	)

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func initDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// buildEngine wires the engine over the postgres store and the configured
// collaborators. The snapshot registry starts empty; deployments register
// their record kinds before guarding on record fields.
func buildEngine(cfg *config.Config, store repository.Store, logger *logging.Logger) *engine.Engine {
	var locks locker.Locker
	if cfg.Redis.Enable {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		locks = locker.NewRedis(client)
	} else {
		locks = locker.NewMemory()
	}

	directory := services.NewStaticDirectory()
	for actorID, grants := range cfg.Authz.Actors {
		directory.Assign(actorID, grants.Roles...)
		for _, code := range grants.Permissions {
			directory.Grant(actorID, code)
		}
	}

	var notifier services.Notifier
	if cfg.Notifier.URL != "" {
		notifier = services.NewHTTPNotifier(cfg.Notifier.URL)
	} else {
		notifier = services.NewLogNotifier(logger)
	}

	return engine.New(
		store,
		catalog.NewCatalog(store),
		locks,
		directory,
		services.NewLogAuditSink(logger),
		notifier,
		services.NewSnapshotRegistry(),
		logger,
	)
}

func runServe(ctx context.Context) error {
	logger := logging.NewLogger()
	defer logger.Sync()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	pool, err := initDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := repository.NewPostgres(pool)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("database connected")

	eng := buildEngine(cfg, store, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := api.NewServer(eng, logger)
	e.GET("/healthz", srv.HandleHealth)

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(otelecho.Middleware("recordflow"))
	srv.Register(apiGroup)
	logger.Info("API handlers mounted")

	// Escalation sweeper runs in-process on its configured interval.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(cfg.Sweep.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case now := <-ticker.C:
				if _, err := eng.Sweep(sweepCtx, now); err != nil {
					logger.Error("sweep failed", "error", err)
				}
			}
		}
	}()
	logger.Info("sweeper started", "interval", cfg.Sweep.Interval.String())

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		tlsCfg := cfg.Server.TLS
		logger.Info("server starting", "address", cfg.Server.Addr, "tls", tlsCfg.Enable)
		if tlsCfg.Enable {
			if tlsCfg.CertFile == "" || tlsCfg.KeyFile == "" {
				serverErrors <- fmt.Errorf("tls enabled but cert/key file not provided")
				return
			}
			if _, err := os.Stat(tlsCfg.CertFile); os.IsNotExist(err) {
				if err := tls.GenerateSelfSignedCert(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.Hostnames); err != nil {
					logger.Error("failed to generate self-signed cert", "error", err)
				}
			}
			serverErrors <- server.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
		stopSweep()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("server close error", "error", err)
			}
		}
		logger.Info("server stopped gracefully")
	}
	return nil
}

func runSweep(ctx context.Context) error {
	logger := logging.NewLogger()
	defer logger.Sync()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	pool, err := initDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := repository.NewPostgres(pool)
	eng := buildEngine(cfg, store, logger)

	results, err := eng.Sweep(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, res := range results {
		if res.Err != nil {
			logger.Error("sweep entry failed", "instance", res.InstanceID, "error", res.Err)
			continue
		}
		logger.Info("sweep entry processed",
			"instance", res.InstanceID, "action", string(res.Action), "skipped", res.Skipped)
	}
	logger.Info("sweep complete", "processed", len(results))
	return nil
}
