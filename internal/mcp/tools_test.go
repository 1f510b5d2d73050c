package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jshorwitz/ai-adwords/internal/agent"
	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/platform"
	"github.com/jshorwitz/ai-adwords/internal/runner"
	"github.com/jshorwitz/ai-adwords/internal/storage"
)

type namedAgent string

func (a namedAgent) Name() string { return string(a) }
func (namedAgent) Run(context.Context, agent.JobInput) (agent.Result, error) {
	return agent.Result{}, nil
}

type fakeRunner struct {
	registry *agent.Registry
	out      runner.Outcome
	err      error
	inFlight map[uuid.UUID]bool

	got   runner.Request
	async bool
}

func (f *fakeRunner) Registry() *agent.Registry { return f.registry }

func (f *fakeRunner) Execute(_ context.Context, req runner.Request) (runner.Outcome, error) {
	f.got, f.async = req, false
	return f.out, f.err
}

func (f *fakeRunner) ExecuteAsync(_ context.Context, req runner.Request) (runner.Outcome, error) {
	f.got, f.async = req, true
	return f.out, f.err
}

func (f *fakeRunner) Cancel(id uuid.UUID) bool { return f.inFlight[id] }

type fakeStore struct {
	runs  []model.AgentRun
	marks []model.Watermark
	err   error
}

func (f fakeStore) GetRun(_ context.Context, id uuid.UUID) (model.AgentRun, error) {
	if f.err != nil {
		return model.AgentRun{}, f.err
	}
	for _, r := range f.runs {
		if r.RunID == id {
			return r, nil
		}
	}
	return model.AgentRun{}, fmt.Errorf("storage: run %s: %w", id, storage.ErrNotFound)
}

func (f fakeStore) ListRuns(_ context.Context, name string, limit, offset int) ([]model.AgentRun, int, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	var out []model.AgentRun
	for _, r := range f.runs {
		if r.AgentName == name {
			out = append(out, r)
		}
	}
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (f fakeStore) ListWatermarks(_ context.Context, name string) ([]model.Watermark, error) {
	var out []model.Watermark
	for _, m := range f.marks {
		if m.AgentName == name {
			out = append(out, m)
		}
	}
	return out, f.err
}

func newTestServer(r *fakeRunner, db Store) *Server {
	return New(r, db, slog.New(slog.NewTextHandler(io.Discard, nil)), "test")
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func TestHandleListAgents(t *testing.T) {
	r := &fakeRunner{registry: agent.NewRegistry(namedAgent("ingestor-google"), namedAgent("budget-optimizer"))}
	s := newTestServer(r, fakeStore{})

	result, err := s.handleListAgents(context.Background(), toolRequest("adagent_list_agents", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Agents []model.AgentInfo `json:"agents"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	names := make([]string, 0, len(resp.Agents))
	for _, a := range resp.Agents {
		names = append(names, a.Name)
	}
	assert.ElementsMatch(t, []string{"ingestor-google", "budget-optimizer"}, names)
}

func TestHandleExecute(t *testing.T) {
	runID := uuid.New()
	r := &fakeRunner{
		registry: agent.NewRegistry(namedAgent("budget-optimizer")),
		out: runner.Outcome{
			JobID:     "budget-optimizer-1",
			Agent:     "budget-optimizer",
			DryRun:    true,
			Status:    model.RunStatusSucceeded,
			Attempts:  1,
			LastRunID: runID,
			Proposals: []platform.Proposal{{Campaigns: &platform.CampaignMutateRequest{
				Platform: model.PlatformGoogle,
				Operations: []platform.CampaignOperation{
					{CampaignID: "c1", UpdateMask: []string{platform.FieldStatus}, Status: "PAUSED"},
				},
			}}},
		},
	}
	s := newTestServer(r, fakeStore{})

	result, err := s.handleExecute(context.Background(), toolRequest("adagent_execute", map[string]any{
		"agent":   "budget-optimizer",
		"params":  map[string]any{"platform": "google", "max_changes": float64(3)},
		"start":   "2025-01-01",
		"end":     "2025-01-14",
		"dry_run": true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	assert.False(t, r.async, "wait defaults to true")
	assert.Equal(t, "budget-optimizer", r.got.Agent)
	assert.Equal(t, model.TriggerMCP, r.got.Trigger)
	assert.True(t, r.got.DryRun)
	assert.Equal(t, map[string]string{"platform": "google", "max_changes": "3"}, r.got.Params)
	require.NotNil(t, r.got.Window)
	assert.True(t, r.got.Window.End.Equal(time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)))

	var resp struct {
		Job       model.ExecuteResponse `json:"job"`
		Proposals []platform.Proposal   `json:"proposals"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, model.RunStatusSucceeded, resp.Job.Status)
	require.NotNil(t, resp.Job.LastRun)
	assert.Equal(t, runID, *resp.Job.LastRun)
	require.Len(t, resp.Proposals, 1)
	assert.Equal(t, "c1", resp.Proposals[0].Campaigns.Operations[0].CampaignID)
}

func TestHandleExecuteAsyncAndErrors(t *testing.T) {
	r := &fakeRunner{registry: agent.NewRegistry(namedAgent("ingestor-google")), out: runner.Outcome{JobID: "j", Status: model.RunStatusPending}}
	s := newTestServer(r, fakeStore{})
	ctx := context.Background()

	result, err := s.handleExecute(ctx, toolRequest("adagent_execute", map[string]any{
		"agent": "ingestor-google",
		"wait":  false,
		// JSON-string params are accepted too.
		"params": `{"account_id":"123"}`,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.True(t, r.async)
	assert.Nil(t, r.got.Window)
	assert.Equal(t, "123", r.got.Params["account_id"])

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing agent", map[string]any{}, "agent is required"},
		{"bad window", map[string]any{"agent": "ingestor-google", "start": "last week", "end": "2025-01-01"}, "invalid window"},
		{"bad params", map[string]any{"agent": "ingestor-google", "params": []any{"x"}}, "params must be an object"},
		{"nested param", map[string]any{"agent": "ingestor-google", "params": map[string]any{"a": map[string]any{}}}, "params.a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.handleExecute(ctx, toolRequest("adagent_execute", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, parseToolText(t, result), tt.want)
		})
	}

	r.err = errors.New("runner: shutting down")
	result, err = s.handleExecute(ctx, toolRequest("adagent_execute", map[string]any{"agent": "ingestor-google"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "shutting down")
}

func TestHandleGetRun(t *testing.T) {
	run := model.AgentRun{RunID: uuid.New(), JobID: "j", AgentName: "ingestor-google", Status: model.RunStatusSucceeded}
	s := newTestServer(&fakeRunner{registry: agent.NewRegistry()}, fakeStore{runs: []model.AgentRun{run}})
	ctx := context.Background()

	result, err := s.handleGetRun(ctx, toolRequest("adagent_get_run", map[string]any{"run_id": run.RunID.String()}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var got model.AgentRun
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &got))
	assert.Equal(t, run.RunID, got.RunID)

	result, err = s.handleGetRun(ctx, toolRequest("adagent_get_run", map[string]any{"run_id": uuid.NewString()}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "run not found", parseToolText(t, result))

	result, err = s.handleGetRun(ctx, toolRequest("adagent_get_run", map[string]any{"run_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListRuns(t *testing.T) {
	finished := time.Date(2025, 1, 2, 0, 1, 0, 0, time.UTC)
	var runs []model.AgentRun
	for i := range 3 {
		runs = append(runs, model.AgentRun{
			RunID:      uuid.New(),
			JobID:      "j",
			Attempt:    i + 1,
			AgentName:  "ingestor-google",
			Status:     model.RunStatusFailedTransient,
			StartedAt:  finished.Add(-time.Minute),
			FinishedAt: &finished,
			Params:     map[string]string{"account_id": "1"},
			Error:      &model.RunError{Kind: model.ErrorKindTransient, Message: "timeout"},
		})
	}
	s := newTestServer(&fakeRunner{registry: agent.NewRegistry(namedAgent("ingestor-google"))}, fakeStore{runs: runs})
	ctx := context.Background()

	result, err := s.handleListRuns(ctx, toolRequest("adagent_list_runs", map[string]any{"agent": "ingestor-google", "limit": float64(2)}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Runs  []map[string]any `json:"runs"`
		Total int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Runs, 2)
	assert.NotContains(t, resp.Runs[0], "params", "list output is compact")
	assert.InDelta(t, 60.0, resp.Runs[0]["duration_seconds"], 0.001)

	result, err = s.handleListRuns(ctx, toolRequest("adagent_list_runs", map[string]any{"agent": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleWatermarks(t *testing.T) {
	mark := model.Watermark{AgentName: "ingestor-google", Scope: "123", LastProcessedAt: time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC)}
	s := newTestServer(&fakeRunner{registry: agent.NewRegistry(namedAgent("ingestor-google"))}, fakeStore{marks: []model.Watermark{mark}})

	result, err := s.handleWatermarks(context.Background(), toolRequest("adagent_watermarks", map[string]any{"agent": "ingestor-google"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Watermarks []model.Watermark `json:"watermarks"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	require.Len(t, resp.Watermarks, 1)
	assert.Equal(t, "123", resp.Watermarks[0].Scope)
}

func TestHandleCancelRun(t *testing.T) {
	live := uuid.New()
	s := newTestServer(&fakeRunner{registry: agent.NewRegistry(), inFlight: map[uuid.UUID]bool{live: true}}, fakeStore{})
	ctx := context.Background()

	result, err := s.handleCancelRun(ctx, toolRequest("adagent_cancel_run", map[string]any{"run_id": live.String()}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	result, err = s.handleCancelRun(ctx, toolRequest("adagent_cancel_run", map[string]any{"run_id": uuid.NewString()}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "not in flight")
}

func TestCompactRunTruncates(t *testing.T) {
	long := make([]rune, maxCompactNote+50)
	for i := range long {
		long[i] = 'x'
	}
	notes := make([]string, maxCompactNotes+3)
	for i := range notes {
		notes[i] = fmt.Sprintf("note %d", i)
	}
	m := compactRun(model.AgentRun{
		Notes: notes,
		Error: &model.RunError{Kind: model.ErrorKindSchema, Message: string(long)},
	})

	got := m["notes"].([]string)
	require.Len(t, got, maxCompactNotes)
	assert.Equal(t, fmt.Sprintf("note %d", len(notes)-1), got[len(got)-1], "keeps the latest notes")
	msg := m["error"].(map[string]any)["message"].(string)
	assert.Len(t, []rune(msg), maxCompactNote+3)
	assert.NotContains(t, m, "duration_seconds")
}
