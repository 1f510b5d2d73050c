// Package scheduler triggers agent jobs on fixed intervals from a YAML
// schedule.
//
//	jobs:
//	  - agent: ingestor-google
//	    every: 1h
//	    params: {account_id: "123-456-7890"}
//	  - agent: touchpoint-extractor
//	    every: 5m
//	  - agent: budget-optimizer
//	    every: 24h
//	    dry_run: true
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/runner"
	"github.com/jshorwitz/ai-adwords/internal/telemetry"
)

// Job is one scheduled agent invocation.
type Job struct {
	Agent  string            `yaml:"agent"`
	Every  time.Duration     `yaml:"every"`
	Params map[string]string `yaml:"params"`
	DryRun bool              `yaml:"dry_run"`
}

func (j Job) key() string {
	return fmt.Sprintf("%s|%v|%v", j.Agent, j.Params, j.DryRun)
}

// LoadFile reads a schedule file.
func LoadFile(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scheduler: read %s: %w", path, err)
	}
	jobs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %s: %w", path, err)
	}
	return jobs, nil
}

// Parse decodes and checks a schedule document.
func Parse(data []byte) ([]Job, error) {
	var doc struct {
		Jobs []Job `yaml:"jobs"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}
	var errs []error
	for i, j := range doc.Jobs {
		if j.Agent == "" {
			errs = append(errs, fmt.Errorf("jobs[%d]: agent is required", i))
		}
		if j.Every < time.Minute {
			errs = append(errs, fmt.Errorf("jobs[%d]: every must be at least 1m, got %s", i, j.Every))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return doc.Jobs, nil
}

// Executor runs one job to completion.
type Executor interface {
	Execute(ctx context.Context, req runner.Request) (runner.Outcome, error)
}

// Scheduler fires due jobs on every tick. A job whose previous trigger is
// still running is skipped until it finishes.
type Scheduler struct {
	exec     Executor
	jobs     []Job
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	next     map[string]time.Time
	inFlight map[string]bool

	group      *errgroup.Group
	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
}

// New creates a scheduler checking for due jobs every interval and running
// at most maxConcurrent jobs at once.
func New(exec Executor, jobs []Job, interval time.Duration, maxConcurrent int, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	g := &errgroup.Group{}
	if maxConcurrent > 0 {
		g.SetLimit(maxConcurrent)
	}
	return &Scheduler{
		exec:     exec,
		jobs:     jobs,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		next:     make(map[string]time.Time, len(jobs)),
		inFlight: make(map[string]bool, len(jobs)),
		group:    g,
		done:     make(chan struct{}),
	}
}

// Start begins the tick loop. Jobs run under ctx, so cancelling it cancels
// running jobs; Drain stops the loop but lets running jobs finish.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.loop(loopCtx, ctx)
}

func (s *Scheduler) loop(loopCtx, jobCtx context.Context) {
	defer close(s.done)
	s.Tick(jobCtx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			s.Tick(jobCtx)
		}
	}
}

// Tick launches every job that is due and not already running. It returns
// how many jobs were launched.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	launched := 0
	for _, j := range s.jobs {
		k := j.key()
		s.mu.Lock()
		due := !now.Before(s.next[k])
		busy := s.inFlight[k]
		if !due || busy {
			s.mu.Unlock()
			if due && busy {
				s.logger.DebugContext(ctx, "scheduler: previous run still in flight, skipping", "agent", j.Agent)
			}
			continue
		}
		s.inFlight[k] = true
		s.mu.Unlock()

		if !s.group.TryGo(func() error {
			s.fire(ctx, j, k)
			return nil
		}) {
			s.mu.Lock()
			s.inFlight[k] = false
			s.mu.Unlock()
			s.logger.WarnContext(ctx, "scheduler: concurrency limit reached, job deferred", "agent", j.Agent)
			continue
		}
		launched++
	}
	return launched
}

func (s *Scheduler) fire(ctx context.Context, j Job, k string) {
	started := s.now()
	defer func() {
		s.mu.Lock()
		s.inFlight[k] = false
		s.next[k] = started.Add(j.Every)
		s.mu.Unlock()
	}()

	out, err := s.exec.Execute(ctx, runner.Request{
		Agent:   j.Agent,
		Params:  j.Params,
		DryRun:  j.DryRun,
		Trigger: model.TriggerSchedule,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "scheduler: job not run", "agent", j.Agent, "error", err)
		return
	}
	s.logger.InfoContext(ctx, "scheduler: job finished",
		"agent", j.Agent, "job_id", out.JobID, "status", out.Status, "attempts", out.Attempts)
}

// RegisterMetrics exposes the number of running scheduled jobs as an OTEL
// observable gauge.
func (s *Scheduler) RegisterMetrics() {
	_, err := telemetry.Meter("adagent/scheduler").Int64ObservableGauge("adagent.scheduler.inflight",
		metric.WithDescription("Scheduled jobs currently running"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.InFlight()))
			return nil
		}),
	)
	if err != nil {
		s.logger.Warn("scheduler: register inflight gauge", "error", err)
	}
}

// InFlight returns how many scheduled jobs are running.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, busy := range s.inFlight {
		if busy {
			n++
		}
	}
	return n
}

// Drain stops the tick loop and waits for running jobs or for ctx to end.
func (s *Scheduler) Drain(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	s.cancelLoop()
	<-s.done

	waited := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
