package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/platform"
	"github.com/jshorwitz/ai-adwords/internal/runner"
	"github.com/jshorwitz/ai-adwords/internal/telemetry"
)

type executeOptions struct {
	params []string
	start  string
	end    string
	dryRun bool
}

func newExecuteCmd(e *env) *cobra.Command {
	var opts executeOptions
	cmd := &cobra.Command{
		Use:   "execute <agent>",
		Short: "Run one job and print its sealed outcome",
		Long: `Execute runs an agent as a single job, retrying transient failures with
the configured backoff, and prints the outcome as JSON. The command exits
non-zero unless the job succeeded.

Examples:
  adagent execute ingestor-google --param account_id=123
  adagent execute budget-optimizer --param platform=google --dry-run
  adagent execute conversion-uploader --start 2025-01-01 --end 2025-01-07`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			otelShutdown, err := telemetry.Init(ctx, e.cfg.OTELEndpoint, e.cfg.ServiceName, version, e.cfg.OTELInsecure)
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			defer func() { _ = otelShutdown(ctx) }()

			st, err := e.buildStack(ctx, false)
			if err != nil {
				return err
			}
			out, err := st.runner.Execute(ctx, req)
			if err != nil {
				return err
			}
			if err := printOutcome(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if out.Status != model.RunStatusSucceeded {
				return fmt.Errorf("job %s finished with status %s", out.JobID, out.Status)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&opts.params, "param", "p", nil, "agent parameter as key=value (repeatable)")
	f.StringVar(&opts.start, "start", "", "window start (YYYY-MM-DD or RFC3339); default derives from the watermark")
	f.StringVar(&opts.end, "end", "", "window end (YYYY-MM-DD inclusive, or RFC3339 exclusive)")
	f.BoolVar(&opts.dryRun, "dry-run", false, "compute proposals without writing or mutating anything")
	return cmd
}

// request validates the flags and builds the runner request.
func (o executeOptions) request(agentName string) (runner.Request, error) {
	params, err := parseParams(o.params)
	if err != nil {
		return runner.Request{}, err
	}
	req := runner.Request{
		Agent:   agentName,
		Params:  params,
		DryRun:  o.dryRun,
		Trigger: model.TriggerManual,
	}
	if o.start != "" || o.end != "" {
		win, err := model.WindowInput{Start: o.start, End: o.end}.Bounds()
		if err != nil {
			return runner.Request{}, fmt.Errorf("invalid window: %w", err)
		}
		req.Window = &win
	}
	return req, nil
}

// parseParams turns repeated key=value flags into a map. Later keys win.
func parseParams(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("--param %q: want key=value", kv)
		}
		out[k] = v
	}
	return out, nil
}

func printOutcome(w io.Writer, out runner.Outcome) error {
	body := struct {
		model.ExecuteResponse
		Proposals []platform.Proposal `json:"proposals,omitempty"`
	}{out.Response(), out.Proposals}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(body)
}
