package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	agentsURI       = "adagent://agents"
	agentRunsPrefix = "adagent://agent/"
	agentRunsSuffix = "/runs"
)

func (s *Server) registerResources() {
	// adagent://agents: the agent registry.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			agentsURI,
			"Agents",
			mcplib.WithResourceDescription("Every agent this instance can run"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAgentsResource,
	)

	// adagent://agent/{name}/runs: recent attempts and watermarks of one agent.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			agentRunsPrefix+"{name}"+agentRunsSuffix,
			"Agent Runs",
			mcplib.WithTemplateDescription("Recent attempts and watermarks for a specific agent"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentRunsResource,
	)
}

func (s *Server) handleAgentsResource(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.runner.Registry().Describe(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal agents: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      agentsURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleAgentRunsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	name, err := parseAgentRunsURI(uri)
	if err != nil {
		return nil, err
	}
	if err := s.runner.Registry().Check(name); err != nil {
		return nil, fmt.Errorf("mcp: %w", err)
	}

	runs, _, err := s.db.ListRuns(ctx, name, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent runs: %w", err)
	}
	marks, err := s.db.ListWatermarks(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent watermarks: %w", err)
	}

	compact := make([]map[string]any, 0, len(runs))
	for _, r := range runs {
		compact = append(compact, compactRun(r))
	}
	data, err := json.MarshalIndent(map[string]any{
		"agent":      name,
		"runs":       compact,
		"watermarks": marks,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal agent runs: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseAgentRunsURI extracts the agent name from adagent://agent/{name}/runs.
func parseAgentRunsURI(uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, agentRunsPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid agent runs URI: %s", uri)
	}
	name, ok := strings.CutSuffix(rest, agentRunsSuffix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid agent runs URI: %s", uri)
	}
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("mcp: invalid agent runs URI: empty or nested agent name in %s", uri)
	}
	return name, nil
}
