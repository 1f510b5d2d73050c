package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jshorwitz/ai-adwords/internal/agent"
	"github.com/jshorwitz/ai-adwords/internal/agent/ingest"
	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/platform"
	"github.com/jshorwitz/ai-adwords/internal/runner"
	"github.com/jshorwitz/ai-adwords/internal/server"
	"github.com/jshorwitz/ai-adwords/internal/storage"
	"github.com/jshorwitz/ai-adwords/internal/testutil"
)

var (
	testSrv    *httptest.Server
	testDB     *storage.DB
	testRunner *runner.Runner
)

// blockingAgent runs until its context ends.
type blockingAgent struct{}

func (blockingAgent) Name() string { return "blocker" }

func (blockingAgent) Run(ctx context.Context, _ agent.JobInput) (agent.Result, error) {
	<-ctx.Done()
	return agent.Result{}, ctx.Err()
}

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	ctx, cancel := context.WithCancel(context.Background())
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	sim := platform.NewSimulated()
	registry := agent.NewRegistry(
		ingest.New(model.PlatformGoogle, sim, testDB, []string{"acct-default"}, logger),
		blockingAgent{},
	)
	cfg := runner.DefaultConfig()
	cfg.Backoff = []time.Duration{10 * time.Millisecond}
	testRunner = runner.New(registry, testDB, platform.NewGate(sim, false, logger), cfg, nil, logger)
	testRunner.SetBaseContext(ctx)

	broker := server.NewBroker(testDB, logger)
	go broker.Start(ctx)

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		Runner:              testRunner,
		Broker:              broker,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 64 * 1024,
	})
	testSrv = httptest.NewServer(srv.Handler())

	code := m.Run()

	testSrv.Close()
	_ = testRunner.Drain(context.Background())
	cancel()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

type envelope struct {
	Data  json.RawMessage   `json:"data"`
	Total int               `json:"total"`
	Error model.ErrorDetail `json:"error"`
	Meta  model.ResponseMeta
}

func do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestHealth(t *testing.T) {
	status, env := do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)
	h := decode[model.HealthResponse](t, env.Data)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "connected", h.Postgres)
	assert.Equal(t, 2, h.Agents)
	assert.False(t, h.RealMutations)
}

func TestListAgents(t *testing.T) {
	status, env := do(t, http.MethodGet, "/v1/agents", nil)
	require.Equal(t, http.StatusOK, status)
	infos := decode[[]model.AgentInfo](t, env.Data)
	var names []string
	for _, a := range infos {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"blocker", "ingestor-google"}, names)
}

func TestExecuteAndWaitAdvancesWatermark(t *testing.T) {
	status, env := do(t, http.MethodPost, "/v1/agents/ingestor-google/execute", model.ExecuteRequest{
		Params: map[string]string{"account_id": "acct-wait"},
		Window: &model.WindowInput{Start: "2025-01-01", End: "2025-01-07"},
		Wait:   true,
	})
	require.Equal(t, http.StatusOK, status, env.Error.Message)
	out := decode[model.ExecuteResponse](t, env.Data)
	assert.Equal(t, model.RunStatusSucceeded, out.Status)
	assert.Equal(t, 1, out.Attempts)
	require.NotNil(t, out.Result)
	assert.Equal(t, 14, out.Result.RecordsWritten)
	require.NotNil(t, out.LastRun)

	status, env = do(t, http.MethodGet, "/v1/agents/ingestor-google/watermarks", nil)
	require.Equal(t, http.StatusOK, status)
	marks := decode[[]model.Watermark](t, env.Data)
	var found bool
	for _, m := range marks {
		if m.Scope == "acct-wait" {
			found = true
			assert.True(t, m.LastProcessedAt.Equal(time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC)))
			assert.Equal(t, *out.LastRun, m.RunID)
		}
	}
	assert.True(t, found, "watermark for acct-wait")

	status, env = do(t, http.MethodGet, "/v1/runs/"+out.LastRun.String(), nil)
	require.Equal(t, http.StatusOK, status)
	run := decode[model.AgentRun](t, env.Data)
	assert.Equal(t, model.TriggerAPI, run.Trigger)
	assert.True(t, run.Sealed())

	status, env = do(t, http.MethodGet, "/v1/jobs/"+out.JobID, nil)
	require.Equal(t, http.StatusOK, status)
	job := decode[model.JobResponse](t, env.Data)
	assert.Equal(t, model.RunStatusSucceeded, job.Status)
	assert.Len(t, job.Attempts, 1)
}

func TestExecuteDryRunLeavesWatermark(t *testing.T) {
	status, env := do(t, http.MethodPost, "/v1/agents/ingestor-google/execute", model.ExecuteRequest{
		Params: map[string]string{"account_id": "acct-dry"},
		Window: &model.WindowInput{Start: "2025-02-01", End: "2025-02-02"},
		DryRun: true,
		Wait:   true,
	})
	require.Equal(t, http.StatusOK, status)
	out := decode[model.ExecuteResponse](t, env.Data)
	assert.Equal(t, model.RunStatusSucceeded, out.Status)
	assert.True(t, out.DryRun)

	mark, ok, err := testDB.GetWatermark(context.Background(), "ingestor-google", "acct-dry")
	require.NoError(t, err)
	assert.False(t, ok, "dry run must not move the watermark, got %s", mark)

	sum, err := testDB.SumAdMetrics(context.Background(), storage.MetricsFilter{
		AccountID: "acct-dry",
		From:      time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		To:        time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Zero(t, sum.Rows)
}

func TestExecuteAsyncCompletes(t *testing.T) {
	status, env := do(t, http.MethodPost, "/v1/agents/ingestor-google/execute", model.ExecuteRequest{
		Params: map[string]string{"account_id": "acct-async"},
		Window: &model.WindowInput{Start: "2025-03-01", End: "2025-03-01"},
	})
	require.Equal(t, http.StatusAccepted, status)
	out := decode[model.ExecuteResponse](t, env.Data)
	assert.Equal(t, model.RunStatusPending, out.Status)
	assert.Nil(t, out.LastRun)

	require.Eventually(t, func() bool {
		code, env := do(t, http.MethodGet, "/v1/jobs/"+out.JobID, nil)
		if code != http.StatusOK {
			return false
		}
		return decode[model.JobResponse](t, env.Data).Status == model.RunStatusSucceeded
	}, 10*time.Second, 50*time.Millisecond)
}

func TestExecuteRejections(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown agent", "/v1/agents/nope/execute", model.ExecuteRequest{}, http.StatusNotFound, model.ErrCodeNotFound},
		{"inverted window", "/v1/agents/ingestor-google/execute",
			model.ExecuteRequest{Window: &model.WindowInput{Start: "2025-01-05", End: "2025-01-01"}},
			http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"malformed window", "/v1/agents/ingestor-google/execute",
			model.ExecuteRequest{Window: &model.WindowInput{Start: "yesterday", End: "2025-01-01"}},
			http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"unknown field", "/v1/agents/ingestor-google/execute",
			map[string]any{"dryrun": true}, http.StatusBadRequest, model.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, env.Error.Code)
			assert.NotEmpty(t, env.Meta.RequestID)
		})
	}
}

func TestUnknownAgentReadEndpoints(t *testing.T) {
	for _, path := range []string{"/v1/agents/nope/runs", "/v1/agents/nope/watermarks"} {
		status, env := do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, status, path)
		assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
	}
}

func TestListAgentRuns(t *testing.T) {
	status, _ := do(t, http.MethodPost, "/v1/agents/ingestor-google/execute", model.ExecuteRequest{
		Params: map[string]string{"account_id": "acct-list"},
		Window: &model.WindowInput{Start: "2025-04-01", End: "2025-04-01"},
		Wait:   true,
	})
	require.Equal(t, http.StatusOK, status)

	status, env := do(t, http.MethodGet, "/v1/agents/ingestor-google/runs?limit=1", nil)
	require.Equal(t, http.StatusOK, status)
	runs := decode[[]model.AgentRun](t, env.Data)
	assert.Len(t, runs, 1)
	assert.GreaterOrEqual(t, env.Total, 1)
	assert.Equal(t, "ingestor-google", runs[0].AgentName)
}

func TestGetRunErrors(t *testing.T) {
	status, _ := do(t, http.MethodGet, "/v1/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, http.MethodGet, "/v1/runs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, http.MethodGet, "/v1/jobs/no-such-job", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCancelInFlightRun(t *testing.T) {
	status, env := do(t, http.MethodPost, "/v1/agents/blocker/execute", model.ExecuteRequest{
		Window: &model.WindowInput{Start: "2025-01-01", End: "2025-01-01"},
	})
	require.Equal(t, http.StatusAccepted, status)
	jobID := decode[model.ExecuteResponse](t, env.Data).JobID

	var runID uuid.UUID
	require.Eventually(t, func() bool {
		attempts, err := testDB.ListJobAttempts(context.Background(), jobID)
		if err != nil || len(attempts) == 0 || attempts[0].Status != model.RunStatusRunning {
			return false
		}
		runID = attempts[0].RunID
		return true
	}, 10*time.Second, 20*time.Millisecond)

	// The run is registered with the runner once RUNNING is visible; retry
	// briefly in case the registration races the read.
	require.Eventually(t, func() bool {
		code, _ := do(t, http.MethodPost, "/v1/runs/"+runID.String()+"/cancel", nil)
		return code == http.StatusAccepted
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		run, err := testDB.GetRun(context.Background(), runID)
		return err == nil && run.Sealed()
	}, 10*time.Second, 20*time.Millisecond)

	run, err := testDB.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailedTransient, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, model.ErrorKindCancelled, run.Error.Kind)

	attempts, err := testDB.ListJobAttempts(context.Background(), jobID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1, "a cancelled attempt is not retried")

	status, env = do(t, http.MethodPost, "/v1/runs/"+runID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, model.ErrCodeConflict, env.Error.Code)
}

func TestCancelUnknownRun(t *testing.T) {
	status, env := do(t, http.MethodPost, "/v1/runs/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
}

func TestRunStreamDeliversSeal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testSrv.URL+"/v1/runs/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// LISTEN is asynchronous to the subscription; keep sealing runs until
	// one arrives on the stream.
	go func() {
		for i := 0; ctx.Err() == nil; i++ {
			day := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i).Format("2006-01-02")
			win, _ := model.WindowInput{Start: day, End: day}.Parse()
			_, _ = testRunner.Execute(ctx, runner.Request{
				Agent:  "ingestor-google",
				Params: map[string]string{"account_id": "acct-stream"},
				Window: &win,
			})
			time.Sleep(100 * time.Millisecond)
		}
	}()

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "event: adagent_runs")
}

func TestInvertedWindowLeavesRejectionRow(t *testing.T) {
	status, env := do(t, http.MethodPost, "/v1/agents/ingestor-google/execute", model.ExecuteRequest{
		Params: map[string]string{"account_id": "acct-inverted"},
		Window: &model.WindowInput{Start: "2024-06-10", End: "2024-06-01"},
	})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, env.Error.Message, "window")

	runs, _, err := testDB.ListRuns(context.Background(), "ingestor-google", 1000, 0)
	require.NoError(t, err)
	var found bool
	for _, r := range runs {
		if r.Scope == "acct-inverted" {
			found = true
			assert.Equal(t, model.RunStatusRejected, r.Status)
			require.NotNil(t, r.Error)
			assert.Equal(t, model.ErrorKindValidation, r.Error.Kind)
		}
	}
	assert.True(t, found, "rejection row for the inverted window")
}
