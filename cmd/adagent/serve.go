package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jshorwitz/ai-adwords/api"
	"github.com/jshorwitz/ai-adwords/internal/mcp"
	"github.com/jshorwitz/ai-adwords/internal/policy"
	"github.com/jshorwitz/ai-adwords/internal/ratelimit"
	"github.com/jshorwitz/ai-adwords/internal/scheduler"
	"github.com/jshorwitz/ai-adwords/internal/server"
	"github.com/jshorwitz/ai-adwords/internal/storage"
	"github.com/jshorwitz/ai-adwords/internal/telemetry"
	"github.com/jshorwitz/ai-adwords/migrations"
)

const (
	schedulerTick          = 30 * time.Second
	schedulerMaxConcurrent = 4
	maintenanceInterval    = 10 * time.Minute
	// orphanAfter is how old an unsealed attempt must be before it is
	// considered abandoned by a dead process.
	orphanAfter = time.Hour
	// uploadReservationTTL is how long an in-progress conversion upload may
	// stay open before its outcome is declared unknown.
	uploadReservationTTL = 24 * time.Hour
	shutdownPhaseTimeout = 10 * time.Second
)

func newServeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MCP endpoint and job scheduler",
		Long: `Serve starts the HTTP API (with MCP mounted at /mcp), the run stream
and, when ADAGENT_SCHEDULE_FILE is set, the scheduler. Migrations are applied
on startup and attempts orphaned by a previous process are sealed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), e)
		},
	}
}

func serve(ctx context.Context, e *env) error {
	cfg, logger := e.cfg, e.logger
	logger.Info("adagent starting", "version", version, "port", cfg.Port, "real_mutations", cfg.RealMutations)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	st, err := e.buildStack(ctx, true)
	if err != nil {
		return err
	}
	db := st.db
	db.RegisterPoolMetrics()

	// RunMigrations tracks applied files in schema_migrations and skips
	// duplicates, so an error here is a real failure.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	if cfg.PolicyFile != "" {
		if err := loadPolicies(ctx, db, cfg.PolicyFile, logger); err != nil {
			return err
		}
	}

	if n, err := db.FailOrphanedRuns(ctx, orphanAfter); err != nil {
		logger.Warn("orphaned run recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("orphaned runs sealed", "count", n)
	}

	// Jobs started by the API or scheduler outlive their request but not
	// the process.
	st.runner.SetBaseContext(ctx)

	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
		go broker.Start(ctx)
	} else {
		logger.Info("run stream: disabled (no notify connection)")
	}

	limiter := apiLimiter(e, st.rdb)
	mcpSrv := mcp.New(st.runner, db, logger, version)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Runner:              st.runner,
		Logger:              logger,
		Limiter:             limiter,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		RealMutations:       cfg.RealMutations,
		OpenAPISpec:         api.OpenAPISpec,
	})

	var sched *scheduler.Scheduler
	if cfg.ScheduleFile != "" {
		jobs, err := scheduler.LoadFile(cfg.ScheduleFile)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if _, err := st.runner.Registry().Get(j.Agent); err != nil {
				return fmt.Errorf("schedule %s: %w", cfg.ScheduleFile, err)
			}
		}
		sched = scheduler.New(st.runner, jobs, schedulerTick, schedulerMaxConcurrent, logger)
		sched.RegisterMetrics()
		sched.Start(ctx)
		logger.Info("scheduler: started", "jobs", len(jobs), "file", cfg.ScheduleFile)
	} else {
		logger.Info("scheduler: disabled (no ADAGENT_SCHEDULE_FILE)")
	}

	go maintenanceLoop(ctx, db, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop triggering
	// scheduled jobs, (2) stop accepting HTTP requests, (3) wait for jobs in
	// flight to seal.
	logger.Info("adagent shutting down")

	if sched != nil {
		schedCtx, schedCancel := context.WithTimeout(context.Background(), shutdownPhaseTimeout)
		if err := sched.Drain(schedCtx); err != nil {
			logger.Warn("scheduler drain incomplete", "error", err, "in_flight", sched.InFlight())
		}
		schedCancel()
	}

	httpCtx, httpCancel := context.WithTimeout(context.Background(), shutdownPhaseTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	runCtx, runCancel := context.WithTimeout(context.Background(), shutdownPhaseTimeout)
	if err := st.runner.Drain(runCtx); err != nil {
		logger.Warn("runner drain incomplete; unsealed attempts are recovered on next start", "error", err)
	}
	runCancel()

	logger.Info("adagent stopped")
	return nil
}

// apiLimiter throttles manual triggers. With Redis the budget is shared by
// every instance.
func apiLimiter(e *env, rdb *redis.Client) ratelimit.Limiter {
	cfg, logger := e.cfg, e.logger
	if !cfg.RateLimitEnabled {
		logger.Info("api rate limiting: disabled")
		return ratelimit.NoopLimiter{}
	}
	if rdb != nil {
		perMinute := max(1, int(math.Ceil(cfg.APIRPS*60)))
		logger.Info("api rate limiting: redis (shared fixed window)", "per_minute", perMinute)
		return ratelimit.NewRedisLimiter(rdb, "adagent:api", perMinute, time.Minute)
	}
	l := ratelimit.NewMemoryLimiter(cfg.APIRPS, cfg.APIBurst)
	e.onClose(func() { _ = l.Close() })
	logger.Info("api rate limiting: memory (in-process token bucket)", "rps", cfg.APIRPS, "burst", cfg.APIBurst)
	return l
}

func loadPolicies(ctx context.Context, db *storage.DB, path string, logger *slog.Logger) error {
	policies, err := policy.LoadFile(path)
	if err != nil {
		return err
	}
	n, err := db.UpsertPolicies(ctx, policies)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	logger.Info("campaign policies loaded", "count", n, "file", path)
	return nil
}

// maintenanceLoop seals orphaned attempts and marks stale upload
// reservations unknown. Unknown reservations keep their conversions blocked
// until an operator runs "adagent uploads resolve".
func maintenanceLoop(ctx context.Context, db *storage.DB, logger *slog.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := db.FailOrphanedRuns(ctx, orphanAfter); err != nil {
				logger.Warn("orphaned run recovery failed", "error", err)
			} else if n > 0 {
				logger.Info("orphaned runs sealed", "count", n)
			}
			if n, err := db.MarkStaleUploads(ctx, uploadReservationTTL); err != nil {
				logger.Warn("stale upload sweep failed", "error", err)
			} else if n > 0 {
				logger.Warn("upload reservations need reconciliation", "count", n)
			}
		}
	}
}
