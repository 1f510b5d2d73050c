package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/runner"
	"github.com/jshorwitz/ai-adwords/internal/storage"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("adagent_list_agents",
			mcplib.WithDescription(`List every agent this instance can run.

Each entry has the agent name (used by adagent_execute), its kind
(ingestor, transform, activation, decision) and a one-line description.
Call this first when you do not know which agent does what.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleListAgents,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("adagent_execute",
			mcplib.WithDescription(`Run an agent as one job, with retries.

WHEN TO USE: to pull fresh platform data, rebuild touchpoints, upload
conversions, or ask the optimizer and hydrator for proposals.

Set dry_run=true to get the mutations the agent WOULD send without touching
any ad platform. Live mutations additionally require the server-wide
real-mutations flag; with it off, mutations are validated only.

Leave start and end empty to process everything since the agent's last
watermark. Dates are YYYY-MM-DD (end inclusive) or RFC3339 timestamps.

With wait=false the call returns immediately with a job_id; poll it with
adagent_list_runs or adagent_get_run.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("agent",
				mcplib.Description("Agent name, e.g. ingestor-google or budget-optimizer"),
				mcplib.Required(),
			),
			mcplib.WithObject("params",
				mcplib.Description(`Agent parameters as string values, e.g. {"account_id":"123","platform":"google"}`),
			),
			mcplib.WithString("start",
				mcplib.Description("Optional window start (YYYY-MM-DD or RFC3339)"),
			),
			mcplib.WithString("end",
				mcplib.Description("Optional window end (YYYY-MM-DD inclusive, or RFC3339 exclusive)"),
			),
			mcplib.WithBoolean("dry_run",
				mcplib.Description("Compute proposals without mutating any platform"),
				mcplib.DefaultBool(false),
			),
			mcplib.WithBoolean("wait",
				mcplib.Description("Block until the job is sealed"),
				mcplib.DefaultBool(true),
			),
		),
		s.handleExecute,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("adagent_get_run",
			mcplib.WithDescription(`Fetch one ledger row by run_id: status, window, records written,
metrics, notes and the error kind when the attempt failed.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run UUID returned by adagent_execute"),
				mcplib.Required(),
			),
		),
		s.handleGetRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("adagent_list_runs",
			mcplib.WithDescription(`List recent attempts for an agent, newest first.

Use it to see whether scheduled ingestion is healthy or to find the run_id
of a job started with wait=false.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent",
				mcplib.Description("Agent name"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
			mcplib.WithNumber("offset",
				mcplib.Description("Results to skip"),
				mcplib.Min(0),
				mcplib.DefaultNumber(0),
			),
		),
		s.handleListRuns,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("adagent_watermarks",
			mcplib.WithDescription(`Show how far an agent has processed, per scope (usually an ad account).`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent",
				mcplib.Description("Agent name"),
				mcplib.Required(),
			),
		),
		s.handleWatermarks,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("adagent_cancel_run",
			mcplib.WithDescription(`Cancel an attempt that is running on this instance. The attempt is
sealed FAILED_TRANSIENT with kind CANCELLED and is not retried.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run UUID to cancel"),
				mcplib.Required(),
			),
		),
		s.handleCancelRun,
	)
}

func (s *Server) handleListAgents(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(map[string]any{
		"agents": s.runner.Registry().Describe(),
	}), nil
}

func (s *Server) handleExecute(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	name := request.GetString("agent", "")
	if name == "" {
		return errorResult("agent is required"), nil
	}

	params, err := toolParams(request.GetArguments()["params"])
	if err != nil {
		return errorResult(err.Error()), nil
	}

	req := runner.Request{
		Agent:   name,
		Params:  params,
		DryRun:  request.GetBool("dry_run", false),
		Trigger: model.TriggerMCP,
	}
	start, end := request.GetString("start", ""), request.GetString("end", "")
	if start != "" || end != "" {
		win, err := model.WindowInput{Start: start, End: end}.Bounds()
		if err != nil {
			return errorResult("invalid window: " + err.Error()), nil
		}
		req.Window = &win
	}

	var out runner.Outcome
	if request.GetBool("wait", true) {
		out, err = s.runner.Execute(ctx, req)
	} else {
		out, err = s.runner.ExecuteAsync(ctx, req)
	}
	if err != nil {
		return errorResult(fmt.Sprintf("execute failed: %v", err)), nil
	}

	s.logger.InfoContext(ctx, "mcp: job dispatched",
		"agent", name, "job_id", out.JobID, "dry_run", req.DryRun, "status", out.Status)

	result := map[string]any{
		"job": out.Response(),
	}
	if len(out.Proposals) > 0 {
		result["proposals"] = out.Proposals
	}
	return jsonResult(result), nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}

	run, err := s.db.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("run not found"), nil
		}
		return errorResult(fmt.Sprintf("get run failed: %v", err)), nil
	}
	return jsonResult(run), nil
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	name := request.GetString("agent", "")
	if err := s.runner.Registry().Check(name); err != nil {
		return errorResult(err.Error()), nil
	}

	limit := min(max(request.GetInt("limit", 10), 1), 100)
	offset := max(request.GetInt("offset", 0), 0)

	runs, total, err := s.db.ListRuns(ctx, name, limit, offset)
	if err != nil {
		return errorResult(fmt.Sprintf("list runs failed: %v", err)), nil
	}

	compact := make([]map[string]any, 0, len(runs))
	for _, r := range runs {
		compact = append(compact, compactRun(r))
	}
	return jsonResult(map[string]any{
		"runs":  compact,
		"total": total,
	}), nil
}

func (s *Server) handleWatermarks(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	name := request.GetString("agent", "")
	if err := s.runner.Registry().Check(name); err != nil {
		return errorResult(err.Error()), nil
	}

	marks, err := s.db.ListWatermarks(ctx, name)
	if err != nil {
		return errorResult(fmt.Sprintf("list watermarks failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"agent":      name,
		"watermarks": marks,
	}), nil
}

func (s *Server) handleCancelRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}
	if !s.runner.Cancel(id) {
		return errorResult("run is not in flight on this instance"), nil
	}
	s.logger.InfoContext(ctx, "mcp: run cancellation requested", "run_id", id)
	return jsonResult(model.CancelResponse{RunID: id.String(), Cancelled: true}), nil
}

// toolParams accepts params either as an object or as a JSON-encoded object
// string. Non-string values are stringified.
func toolParams(raw any) (map[string]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(v), &obj); err != nil {
			return nil, fmt.Errorf("params must be a JSON object: %w", err)
		}
		return toolParams(obj)
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			switch val := val.(type) {
			case string:
				out[k] = val
			case float64, bool:
				out[k] = fmt.Sprint(val)
			default:
				return nil, fmt.Errorf("params.%s must be a string, number or boolean", k)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("params must be an object, got %T", raw)
	}
}
