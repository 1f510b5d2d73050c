package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jshorwitz/ai-adwords/internal/agent"
	"github.com/jshorwitz/ai-adwords/internal/agent/activation"
	"github.com/jshorwitz/ai-adwords/internal/agent/decision"
	"github.com/jshorwitz/ai-adwords/internal/agent/ingest"
	"github.com/jshorwitz/ai-adwords/internal/agent/transform"
	"github.com/jshorwitz/ai-adwords/internal/events"
	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/platform"
	"github.com/jshorwitz/ai-adwords/internal/ratelimit"
	"github.com/jshorwitz/ai-adwords/internal/runner"
	"github.com/jshorwitz/ai-adwords/internal/storage"
	"github.com/jshorwitz/ai-adwords/internal/telemetry"
)

// ingestPlatforms are the platforms with a registered ingestor.
var ingestPlatforms = []model.Platform{
	model.PlatformGoogle,
	model.PlatformReddit,
	model.PlatformMicrosoft,
	model.PlatformLinkedIn,
}

// stack is everything needed to execute jobs.
type stack struct {
	db     *storage.DB
	rdb    *redis.Client
	runner *runner.Runner
}

// openDB connects to Postgres. With notify set, a dedicated LISTEN
// connection is opened too, on NOTIFY_URL or else DATABASE_URL.
func (e *env) openDB(ctx context.Context, notify bool) (*storage.DB, error) {
	notifyDSN := ""
	if notify {
		notifyDSN = e.cfg.NotifyURL
		if notifyDSN == "" {
			notifyDSN = e.cfg.DatabaseURL
		}
	}
	db, err := storage.New(ctx, e.cfg.DatabaseURL, notifyDSN, e.logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	e.onClose(func() { db.Close(context.Background()) })
	return db, nil
}

// openRedis returns nil when REDIS_URL is unset.
func (e *env) openRedis(ctx context.Context) (*redis.Client, error) {
	if e.cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(e.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	e.onClose(func() { _ = rdb.Close() })
	return rdb, nil
}

// platformLimiter shares the platform quota across instances through Redis
// when available, and falls back to a per-process token bucket.
func (e *env) platformLimiter(rdb *redis.Client) ratelimit.Limiter {
	if rdb != nil {
		perSecond := max(1, int(math.Ceil(e.cfg.PlatformRPS)))
		e.logger.Info("platform rate limit: redis (shared fixed window)", "per_second", perSecond)
		return ratelimit.NewRedisLimiter(rdb, "adagent:platform", perSecond, time.Second)
	}
	l := ratelimit.NewMemoryLimiter(e.cfg.PlatformRPS, e.cfg.PlatformBurst)
	e.onClose(func() { _ = l.Close() })
	e.logger.Info("platform rate limit: memory (in-process token bucket)",
		"rps", e.cfg.PlatformRPS, "burst", e.cfg.PlatformBurst)
	return l
}

// platformClient builds the guarded platform backend.
func (e *env) platformClient(rdb *redis.Client, metrics *telemetry.RunInstruments) platform.Client {
	var inner platform.Client
	switch e.cfg.PlatformMode {
	case "rest":
		inner = platform.NewREST(e.cfg.PlatformBaseURL, e.cfg.PlatformTokens)
		e.logger.Info("platform: rest", "base_url", e.cfg.PlatformBaseURL)
	default:
		inner = platform.NewSimulated()
		e.logger.Info("platform: simulated")
	}
	return platform.NewGuard(inner, e.platformLimiter(rdb), platform.GuardConfig{Timeout: e.cfg.PlatformTimeout}, metrics)
}

// accounts returns the configured accounts of p. In simulated mode every
// platform gets one demo account so the agents run out of the box.
func (e *env) accounts(p model.Platform) []string {
	if accts := e.cfg.Accounts[string(p)]; len(accts) > 0 {
		return accts
	}
	if e.cfg.PlatformMode == "simulated" {
		return []string{"sim-" + string(p)}
	}
	return nil
}

// eventSource reads interaction events from the Redis stream. Without Redis
// the extractor sees an empty stream.
func (e *env) eventSource(rdb *redis.Client) events.Source {
	if rdb != nil {
		return events.NewRedisSource(rdb, e.cfg.EventStream)
	}
	e.logger.Warn("touchpoint extractor: no REDIS_URL, event stream is empty")
	return events.NewMemorySource()
}

// buildRegistry registers a constructor for every agent.
func (e *env) buildRegistry(db *storage.DB, client platform.Client, rdb *redis.Client) *agent.Registry {
	reg := agent.NewRegistry()
	uploadAccounts := make(map[model.Platform]string)
	for _, p := range ingestPlatforms {
		accts := e.accounts(p)
		reg.Register(ingest.NameFor(p), func() agent.Agent {
			return ingest.New(p, client, db, accts, e.logger)
		})
		if len(accts) > 0 {
			uploadAccounts[p] = accts[0]
		}
	}

	th := decision.Thresholds{
		PauseCAC:         e.cfg.PauseCACMultiplier,
		PauseROAS:        e.cfg.PauseROASMultiplier,
		DecreaseCAC:      e.cfg.DecreaseCACMultiplier,
		DecreaseFraction: e.cfg.DecreaseFraction,
		IncreaseFraction: e.cfg.IncreaseFraction,
	}
	source := e.eventSource(rdb)

	reg.Register(transform.Name, func() agent.Agent {
		return transform.New(source, db, e.logger)
	})
	reg.Register(activation.Name, func() agent.Agent {
		return activation.New(db, e.cfg.AttributionLookback, uploadAccounts, e.logger)
	})
	reg.Register(decision.OptimizerName, func() agent.Agent {
		return decision.NewOptimizer(db, client, e.cfg.OptimizerPeriod, th, e.logger)
	})
	reg.Register(decision.HydratorName, func() agent.Agent {
		return decision.NewHydrator(client, db, e.cfg.SeedKeywords, e.logger)
	})
	return reg
}

// buildStack wires storage, Redis, the platform and the runner.
func (e *env) buildStack(ctx context.Context, notify bool) (*stack, error) {
	db, err := e.openDB(ctx, notify)
	if err != nil {
		return nil, err
	}
	rdb, err := e.openRedis(ctx)
	if err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewRunInstruments()
	if err != nil {
		return nil, fmt.Errorf("telemetry: instruments: %w", err)
	}

	client := e.platformClient(rdb, metrics)
	registry := e.buildRegistry(db, client, rdb)
	gate := platform.NewGate(client, e.cfg.RealMutations, e.logger)
	if !e.cfg.RealMutations {
		e.logger.Info("real mutations disabled: platform writes are validate-only")
	}

	r := runner.New(registry, db, gate, runner.Config{
		MaxAttempts:     e.cfg.MaxAttempts,
		Backoff:         e.cfg.RetryBackoff,
		DefaultLookback: e.cfg.DefaultLookback,
	}, metrics, e.logger)

	return &stack{db: db, rdb: rdb, runner: r}, nil
}
