package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// review-budgets walks through a dry-run optimization before anything is applied.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-budgets",
			mcplib.WithPromptDescription("Dry-run the budget optimizer for a platform and review its proposals"),
			mcplib.WithArgument("platform",
				mcplib.ArgumentDescription("Ad platform to optimize (google, reddit, x, microsoft, linkedin)"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleReviewBudgetsPrompt,
	)

	// operator-setup explains the agents and the safe order to run them in.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("operator-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the adagent agents and the dry-run workflow"),
		),
		s.handleOperatorSetupPrompt,
	)
}

func (s *Server) handleReviewBudgetsPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	platform := request.Params.Arguments["platform"]
	if platform == "" {
		return nil, fmt.Errorf("platform argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Review budget proposals for %s", platform),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Review campaign budgets on %[1]s before changing anything.

1. CALL adagent_watermarks with agent="ingestor-%[1]s" and check that
   ingestion is current. If the mark is more than a day old, run
   adagent_execute with agent="ingestor-%[1]s" first.

2. CALL adagent_execute with agent="budget-optimizer",
   params={"platform":"%[1]s"} and dry_run=true.

3. READ the proposals. Each campaign operation is a pause, a budget change,
   or nothing. Summarize which campaigns would change and why, using the
   job's notes and metrics.

4. Only if the user explicitly approves, run the same call with
   dry_run=false. Remind them that live changes also need the server's
   real-mutations flag.`, platform),
				},
			},
		},
	}, nil
}

func (s *Server) handleOperatorSetupPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "adagent operator workflow for AI assistants",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to adagent, which runs ad-platform agents as retried,
ledgered jobs. Every attempt is recorded with its status, window and
results, and each agent keeps a watermark so repeated runs pick up where
the last successful one stopped.

## Agents

- ingestor-<platform>: pulls daily campaign metrics into the warehouse
- touchpoint-extractor: turns tracked events into attribution touchpoints
- conversion-uploader: sends attributed conversions back to ad platforms
- budget-optimizer: proposes pauses and budget changes from CAC and ROAS
- keywords-hydrator: fetches keyword planner ideas for seed keywords

## Safe Order

Ingest, then extract, then upload or optimize. Anything that mutates a
platform (conversion-uploader, budget-optimizer) should run with
dry_run=true first so a human can read the proposals.

## Available Tools

- adagent_list_agents: what can run here
- adagent_execute: run one job (dry_run for proposals only)
- adagent_list_runs / adagent_get_run: read the run ledger
- adagent_watermarks: how far each agent has processed
- adagent_cancel_run: stop an attempt in flight`,
				},
			},
		},
	}, nil
}
