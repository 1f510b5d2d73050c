package server

import (
	"net/http"

	"github.com/jshorwitz/ai-adwords/internal/model"
)

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		if isNotFound(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleGetJob handles GET /v1/jobs/{job_id}. The job status is the status
// of its latest attempt.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")

	attempts, err := h.db.ListJobAttempts(r.Context(), jobID)
	if err != nil {
		h.writeInternalError(w, r, "failed to get job", err)
		return
	}
	if len(attempts) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
		return
	}

	last := attempts[len(attempts)-1]
	writeJSON(w, r, http.StatusOK, model.JobResponse{
		JobID:    jobID,
		Agent:    last.AgentName,
		Status:   last.Status,
		Attempts: attempts,
	})
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel. Only an attempt in
// flight in this process can be cancelled; it is sealed FAILED_TRANSIENT
// with kind CANCELLED and not retried.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if h.runner.Cancel(runID) {
		h.logger.InfoContext(r.Context(), "run cancellation requested", "run_id", runID)
		writeJSON(w, r, http.StatusAccepted, model.CancelResponse{RunID: runID.String(), Cancelled: true})
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		if isNotFound(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}
	if run.Sealed() {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run already sealed with status "+string(run.Status))
		return
	}
	writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run is not in flight on this instance")
}
