// Package app wires configuration, database pools, the object store and the
// backup engine into the values the binaries run.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/edvin/boosterclub/internal/api"
	mw "github.com/edvin/boosterclub/internal/api/middleware"
	"github.com/edvin/boosterclub/internal/archive"
	"github.com/edvin/boosterclub/internal/backup"
	"github.com/edvin/boosterclub/internal/config"
	"github.com/edvin/boosterclub/internal/db"
	"github.com/edvin/boosterclub/internal/dump"
	"github.com/edvin/boosterclub/internal/metrics"
	"github.com/edvin/boosterclub/internal/registry"
	"github.com/edvin/boosterclub/internal/scheduler"
	"github.com/edvin/boosterclub/internal/storage"
)

const (
	// External triggers come from a cron service, a handful per day.
	triggerRate  = rate.Limit(1.0 / 10)
	triggerBurst = 3

	shutdownTimeout = 30 * time.Second
)

// Options adjusts how New builds the engine.
type Options struct {
	// OnCountdown is forwarded to the restorer's confirmation delay.
	OnCountdown func(remaining time.Duration)
	// Metrics, when set, receives the pgx pool collectors.
	Metrics prometheus.Registerer
}

// App owns every long-lived client. Close releases them.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	dumpPool    *pgxpool.Pool
	restorePool *pgxpool.Pool

	Store    storage.ObjectStore
	Registry *registry.Registry
	Service  *backup.Service
}

// New connects both database pools, builds the object store and assembles
// the backup service. Migrations are not applied here.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	var err error
	a.dumpPool, err = db.NewPool(ctx, "dump", cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	restoreURL := cfg.RestoreDatabaseURL
	if restoreURL == "" {
		restoreURL = cfg.DatabaseURL
	}
	a.restorePool, err = db.NewPool(ctx, "restore", restoreURL)
	if err != nil {
		a.dumpPool.Close()
		return nil, err
	}

	if opts.Metrics != nil {
		metrics.RegisterPgxPoolMetrics(opts.Metrics, "dump", a.dumpPool)
		metrics.RegisterPgxPoolMetrics(opts.Metrics, "restore", a.restorePool)
	}

	a.Store, err = newStore(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	spoolDir := os.TempDir()
	a.Registry = registry.New(a.dumpPool)

	dumper := dump.NewDumper(a.dumpPool, dump.Options{
		Schema:   cfg.DatabaseSchema,
		Excluded: cfg.ExcludedTables,
	}, logger)
	builder := archive.NewBuilder(a.Store, archive.Options{
		Concurrency: cfg.ArchiveConcurrency,
		SpoolDir:    spoolDir,
		Retry:       storage.DefaultRetryConfig(),
	}, logger)

	orchestrator := backup.NewOrchestrator(a.Registry, a.Store, dumper, builder, backup.OrchestratorConfig{
		Timeouts: cfg.Timeouts(),
		SpoolDir: spoolDir,
	}, logger)
	cleaner := backup.NewCleaner(a.Registry, a.Store, backup.CleanupConfig{
		Retention: cfg.Retention(),
		SweepDays: cfg.RetentionSweepDays,
	}, logger)
	artifacts := backup.NewArtifactManager(a.Registry, a.Store, logger)
	restorer := backup.NewRestorer(a.Registry, a.Store, a.restorePool, backup.RestoreConfig{
		ConfirmDelay: cfg.RestoreConfirmDelay,
		SpoolDir:     spoolDir,
		OnCountdown:  opts.OnCountdown,
	}, logger)

	a.Service = backup.NewService(a.Registry, a.Store, orchestrator, cleaner, artifacts, restorer, spoolDir)
	return a, nil
}

func newStore(cfg *config.Config, logger zerolog.Logger) (storage.ObjectStore, error) {
	if cfg.UsesS3() {
		return storage.NewS3Store(storage.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
		}, logger), nil
	}
	store, err := storage.NewLocalStore(cfg.LocalStorageDir)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	return store, nil
}

// Ready pings the dump pool.
func (a *App) Ready(ctx context.Context) error {
	return a.dumpPool.Ping(ctx)
}

// Close releases both pools.
func (a *App) Close() {
	if a.restorePool != nil {
		a.restorePool.Close()
	}
	if a.dumpPool != nil {
		a.dumpPool.Close()
	}
}

// NewScheduler builds the cron scheduler driving the service.
func (a *App) NewScheduler() (*scheduler.Scheduler, error) {
	return scheduler.New(scheduler.Config{
		Timezone:       a.cfg.ScheduleTimezone,
		DatabaseBackup: a.cfg.DatabaseBackupCron,
		FullBackup:     a.cfg.FullBackupCron,
		Cleanup:        a.cfg.CleanupCron,
	}, a.Service, a.Service, a.Registry, a.logger)
}

// Run starts the scheduler, the API server and the metrics server, and blocks
// until ctx is cancelled or a server fails.
func (a *App) Run(ctx context.Context) error {
	sched, err := a.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	apiServer := &http.Server{
		Addr: a.cfg.HTTPListenAddr,
		Handler: api.NewServer(a.logger, a.Service, sched, api.ServerConfig{
			OperatorAPIKey: a.cfg.OperatorAPIKey,
			TriggerAuth: mw.TriggerAuthConfig{
				Mode:        a.cfg.TriggerAuthMode,
				Secret:      a.cfg.TriggerSecret,
				Issuer:      a.cfg.TriggerIssuer,
				Header:      a.cfg.TriggerHeader,
				HeaderValue: a.cfg.TriggerHeaderValue,
			},
			TriggerRate:  triggerRate,
			TriggerBurst: triggerBurst,
		}, a.Ready),
		ReadHeaderTimeout: 10 * time.Second,
	}

	servers := []*http.Server{apiServer}
	if a.cfg.MetricsListenAddr != "" && a.cfg.MetricsListenAddr != a.cfg.HTTPListenAddr {
		servers = append(servers, metrics.NewServer(a.cfg.MetricsListenAddr, a.Ready))
	}

	sched.Start()
	a.logger.Info().Str("addr", a.cfg.HTTPListenAddr).Msg("backup worker started")

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}

		// Wait for a running job to finish, bounded by the shutdown timeout.
		select {
		case <-sched.Stop().Done():
		case <-shutdownCtx.Done():
			a.logger.Warn().Msg("scheduled job still running at shutdown")
		}
		return nil
	})

	return g.Wait()
}
