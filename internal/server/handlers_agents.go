package server

import (
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/runner"
)

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.runner.Registry().Describe())
}

// HandleExecute handles POST /v1/agents/{name}/execute. The job runs in the
// background and the response is 202 with its id, unless the body sets
// "wait", in which case the sealed outcome is returned with 200. An empty
// body runs the agent live over its derived window.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req model.ExecuteRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, errEmptyBody) {
		handleDecodeError(w, r, err)
		return
	}

	jobReq := runner.Request{
		Agent:   name,
		Params:  req.Params,
		DryRun:  req.DryRun,
		Trigger: model.TriggerAPI,
	}
	if req.Window != nil {
		win, err := req.Window.Bounds()
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid window: "+err.Error())
			return
		}
		jobReq.Window = &win
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("adagent.agent", name),
		attribute.Bool("adagent.dry_run", req.DryRun),
	)

	if !req.Wait {
		out, err := h.runner.ExecuteAsync(r.Context(), jobReq)
		if err != nil {
			h.writeRunnerError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusAccepted, out.Response())
		return
	}

	// Retries can outlast WriteTimeout; the client decides how long to wait.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	out, err := h.runner.Execute(r.Context(), jobReq)
	if err != nil {
		h.writeRunnerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out.Response())
}

// HandleListAgentRuns handles GET /v1/agents/{name}/runs.
func (h *Handlers) HandleListAgentRuns(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.runner.Registry().Check(name); err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		return
	}

	limit := queryLimit(r, 50)
	offset := queryOffset(r)
	runs, total, err := h.db.ListRuns(r.Context(), name, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []model.AgentRun{}
	}
	writeList(w, r, runs, total, limit, offset)
}

// HandleListWatermarks handles GET /v1/agents/{name}/watermarks.
func (h *Handlers) HandleListWatermarks(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.runner.Registry().Check(name); err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		return
	}

	marks, err := h.db.ListWatermarks(r.Context(), name)
	if err != nil {
		h.writeInternalError(w, r, "failed to list watermarks", err)
		return
	}
	if marks == nil {
		marks = []model.Watermark{}
	}
	writeJSON(w, r, http.StatusOK, marks)
}
