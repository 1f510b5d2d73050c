package mcp

import (
	"github.com/jshorwitz/ai-adwords/internal/model"
)

const (
	maxCompactNote  = 200
	maxCompactNotes = 5
)

// compactRun returns a minimal representation of a ledger row for MCP list
// responses. Params, watermarks and the trigger are dropped; adagent_get_run
// returns the full row.
func compactRun(r model.AgentRun) map[string]any {
	m := map[string]any{
		"run_id":          r.RunID,
		"job_id":          r.JobID,
		"attempt":         r.Attempt,
		"status":          r.Status,
		"window":          r.Window,
		"dry_run":         r.DryRun,
		"started_at":      r.StartedAt,
		"records_written": r.RecordsWritten,
	}
	if r.Scope != "" {
		m["scope"] = r.Scope
	}
	if r.FinishedAt != nil {
		m["duration_seconds"] = r.FinishedAt.Sub(r.StartedAt).Seconds()
	}
	if r.Error != nil {
		m["error"] = map[string]any{
			"kind":    r.Error.Kind,
			"message": truncate(r.Error.Message, maxCompactNote),
		}
	}
	if len(r.Notes) > 0 {
		notes := r.Notes
		if len(notes) > maxCompactNotes {
			notes = notes[len(notes)-maxCompactNotes:]
		}
		short := make([]string, len(notes))
		for i, n := range notes {
			short[i] = truncate(n, maxCompactNote)
		}
		m["notes"] = short
	}
	return m
}

// truncate shortens s to maxLen runes, appending "..." when cut.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
