package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobo/internal/model"
	"github.com/ashita-ai/kobo/internal/storage"
)

// HandleSubmitRun handles POST /v1/agent-runs.
//
// The run executes on its own goroutine and the response carries its
// terminal state. A run that faulted mid-pipeline is still returned (as
// failed) since its id and timeline are what the caller needs to inspect it.
func (h *Handlers) HandleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req model.RunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.WorkspaceID != uuid.Nil && !canAccess(w, r, req.WorkspaceID) {
		return
	}

	run, err := h.dispatcher.Submit(r.Context(), req)
	if err != nil {
		if run.ID == uuid.Nil {
			h.writeServiceError(w, r, err)
			return
		}
		h.logger.Error("run faulted", "run_id", run.ID, "workspace_id", run.WorkspaceID, "error", err)
	}
	writeJSON(w, r, http.StatusCreated, run)
}

// HandleListRuns handles GET /v1/agent-runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := queryWorkspace(w, r)
	if !ok {
		return
	}
	taskID, err := queryOptionalUUID(r, "task_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	status := model.RunStatus(r.URL.Query().Get("status"))

	runs, err := h.store.ListRuns(r.Context(), storage.RunFilter{
		WorkspaceID: workspaceID,
		TaskID:      taskID,
		RoleKey:     r.URL.Query().Get("role_key"),
		Status:      status,
		Limit:       queryLimit(r, 50),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.AgentRun{}
	}
	writeJSON(w, r, http.StatusOK, runs)
}

// HandleGetRun handles GET /v1/agent-runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleRunTimeline handles GET /v1/agent-runs/{run_id}/timeline.
func (h *Handlers) HandleRunTimeline(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	entries, err := h.store.ListTimeline(r.Context(), run.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.TimelineEntry{}
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// HandleTaskTimeline handles GET /v1/tasks/{task_id}/timeline.
func (h *Handlers) HandleTaskTimeline(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathUUID(w, r, "task_id")
	if !ok {
		return
	}
	workspaceID, ok := queryWorkspace(w, r)
	if !ok {
		return
	}
	entries, err := h.store.ListTaskTimeline(r.Context(), workspaceID, taskID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.TimelineEntry{}
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// loadRun fetches the run named by the path and checks workspace access.
// Runs in other workspaces are reported as not found.
func (h *Handlers) loadRun(w http.ResponseWriter, r *http.Request) (model.AgentRun, bool) {
	id, ok := pathUUID(w, r, "run_id")
	if !ok {
		return model.AgentRun{}, false
	}
	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return model.AgentRun{}, false
	}
	if !visible(r, run.WorkspaceID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return model.AgentRun{}, false
	}
	return run, true
}
