package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/ratelimit"
	"github.com/jshorwitz/ai-adwords/internal/telemetry"
)

// GuardConfig bounds every call through a Guard.
type GuardConfig struct {
	Timeout time.Duration
	// MaxWait is how long a call may wait for a rate limit slot before it
	// fails as transient.
	MaxWait time.Duration
}

// Guard wraps a Client with a per-call timeout, a rate limit keyed by
// platform and account, a span and a call counter. A timeout or a
// throttled call is returned as a TRANSIENT *Error.
type Guard struct {
	inner   Client
	limiter ratelimit.Limiter
	cfg     GuardConfig
	metrics *telemetry.RunInstruments
	tracer  trace.Tracer
}

// NewGuard wraps inner. A nil limiter disables throttling.
func NewGuard(inner Client, limiter ratelimit.Limiter, cfg GuardConfig, metrics *telemetry.RunInstruments) *Guard {
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Second
	}
	return &Guard{inner: inner, limiter: limiter, cfg: cfg, metrics: metrics, tracer: telemetry.Tracer("adagent/platform")}
}

func (g *Guard) FetchMetrics(ctx context.Context, q MetricsQuery) (MetricsPage, error) {
	var page MetricsPage
	err := g.call(ctx, q.Platform, q.AccountID, "fetch_metrics", func(ctx context.Context) error {
		var err error
		page, err = g.inner.FetchMetrics(ctx, q)
		return err
	})
	return page, err
}

func (g *Guard) CampaignStates(ctx context.Context, p model.Platform, accountID string, ids []string) ([]CampaignState, error) {
	var states []CampaignState
	err := g.call(ctx, p, accountID, "campaign_states", func(ctx context.Context) error {
		var err error
		states, err = g.inner.CampaignStates(ctx, p, accountID, ids)
		return err
	})
	return states, err
}

func (g *Guard) UploadConversions(ctx context.Context, b ConversionBatch) (MutateResult, error) {
	var res MutateResult
	err := g.call(ctx, b.Platform, b.AccountID, "upload_conversions", func(ctx context.Context) error {
		var err error
		res, err = g.inner.UploadConversions(ctx, b)
		return err
	})
	return res, err
}

func (g *Guard) MutateCampaigns(ctx context.Context, req CampaignMutateRequest) (MutateResult, error) {
	var res MutateResult
	err := g.call(ctx, req.Platform, req.AccountID, "mutate_campaigns", func(ctx context.Context) error {
		var err error
		res, err = g.inner.MutateCampaigns(ctx, req)
		return err
	})
	return res, err
}

func (g *Guard) KeywordIdeas(ctx context.Context, seeds []string) ([]KeywordIdea, error) {
	var ideas []KeywordIdea
	err := g.call(ctx, model.PlatformGoogle, "", "keyword_ideas", func(ctx context.Context) error {
		var err error
		ideas, err = g.inner.KeywordIdeas(ctx, seeds)
		return err
	})
	return ideas, err
}

func (g *Guard) call(ctx context.Context, p model.Platform, account, op string, fn func(context.Context) error) error {
	ctx, span := g.tracer.Start(ctx, "platform."+op, trace.WithAttributes(
		attribute.String("platform", string(p)),
		attribute.String("account_id", account),
	))
	defer span.End()

	err := g.guarded(ctx, p, account, op, fn)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		var perr *Error
		if errors.As(err, &perr) {
			outcome = string(perr.Kind)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	g.metrics.RecordPlatformCall(ctx, string(p), op, outcome)
	return err
}

func (g *Guard) guarded(ctx context.Context, p model.Platform, account, op string, fn func(context.Context) error) error {
	key := fmt.Sprintf("platform:%s:account:%s", p, account)
	if err := ratelimit.Wait(ctx, g.limiter, key, g.cfg.MaxWait); err != nil {
		if errors.Is(err, ratelimit.ErrThrottled) {
			return transient(p, op, err)
		}
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	// Parent cancellation is the caller's decision, not a platform failure.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return transient(p, op, fmt.Errorf("call exceeded %s: %w", g.cfg.Timeout, context.DeadlineExceeded))
	}
	return err
}
