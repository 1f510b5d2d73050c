// Package agent defines the contract between the runner and the units of
// work it executes, and the registry that resolves agents by name.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/platform"
)

// JobInput is what an agent receives for one attempt.
type JobInput struct {
	JobID   string
	RunID   uuid.UUID
	Attempt int
	Params  map[string]string
	Window  model.Window
	DryRun  bool
	// Mutations is the only write path to ad platforms. Dry-run jobs get a
	// recorder that never reaches a platform.
	Mutations platform.Mutations
}

// Param returns a parameter or def when it is absent.
func (in JobInput) Param(key, def string) string {
	if v, ok := in.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// Result is what a successful attempt reports. A nil error from Run means
// the attempt succeeded; partial failures are itemized in Notes.
type Result struct {
	RecordsWritten int
	Metrics        map[string]float64
	Notes          []string
}

// Note appends a formatted note.
func (r *Result) Note(format string, args ...any) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

// Metric sets a metric, allocating the map on first use.
func (r *Result) Metric(name string, v float64) {
	if r.Metrics == nil {
		r.Metrics = map[string]float64{}
	}
	r.Metrics[name] = v
}

// Agent is one named unit of work.
type Agent interface {
	Name() string
	Run(ctx context.Context, in JobInput) (Result, error)
}

// Describer is implemented by agents that can say what they do.
type Describer interface {
	Describe() model.AgentInfo
}

// WindowSizer is implemented by agents whose default window differs from
// the runner's default lookback.
type WindowSizer interface {
	DefaultLookback() time.Duration
}

// Validator is implemented by agents that can tell before any attempt that
// a job cannot succeed, such as a missing account. The runner calls it
// while preparing the job and records a failure as a rejection. Only
// Params, Window and DryRun of in are set.
type Validator interface {
	Validate(in JobInput) error
}

// Error is a classified agent failure.
type Error struct {
	Kind model.ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorKind() model.ErrorKind { return e.Kind }

// Errorf builds a classified error.
func Errorf(kind model.ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err under kind unless it already carries a kind.
func Wrap(kind model.ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	var k interface{ ErrorKind() model.ErrorKind }
	if errors.As(err, &k) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies any error returned by an agent. Context cancellation
// wins over everything, then explicit kinds. Deadline expiry and
// unclassified errors are transient.
func KindOf(err error) model.ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return model.ErrorKindCancelled
	}
	var k interface{ ErrorKind() model.ErrorKind }
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return model.ErrorKindTransient
}

// ErrUnknownAgent is returned for names missing from the registry.
var ErrUnknownAgent = errors.New("agent: unknown agent")

// Factory builds a fresh agent for one job.
type Factory func() Agent

// Registry maps agent names to constructors. It is built once at startup and
// is read-only afterwards.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry registers ready-made agents under their Name. Each Get returns
// the same instance, which suits stateless agents.
func NewRegistry(agents ...Agent) *Registry {
	r := &Registry{factories: make(map[string]Factory, len(agents))}
	for _, a := range agents {
		r.Register(a.Name(), func() Agent { return a })
	}
	return r
}

// Register adds a constructor under name. Duplicate names panic: the set is
// fixed at compile time.
func (r *Registry) Register(name string, f Factory) {
	if _, dup := r.factories[name]; dup {
		panic("agent: duplicate registration " + name)
	}
	r.factories[name] = f
}

// Check returns ErrUnknownAgent when name is not registered. Unlike Get it
// builds nothing.
func (r *Registry) Check(name string) error {
	if _, ok := r.factories[name]; !ok {
		return fmt.Errorf("%w %q", ErrUnknownAgent, name)
	}
	return nil
}

// Get builds the agent registered under name.
func (r *Registry) Get(name string) (Agent, error) {
	if err := r.Check(name); err != nil {
		return nil, err
	}
	return r.factories[name](), nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Describe lists every agent with its description.
func (r *Registry) Describe() []model.AgentInfo {
	out := make([]model.AgentInfo, 0, len(r.factories))
	for _, n := range r.Names() {
		info := model.AgentInfo{Name: n}
		if d, ok := r.factories[n]().(Describer); ok {
			info = d.Describe()
			info.Name = n
		}
		out = append(out, info)
	}
	return out
}
