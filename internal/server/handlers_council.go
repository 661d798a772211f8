package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobo/internal/ctxutil"
	"github.com/ashita-ai/kobo/internal/model"
	"github.com/ashita-ai/kobo/internal/service/metrics"
)

// HandleCouncilSession handles POST /v1/council/sessions.
func (h *Handlers) HandleCouncilSession(w http.ResponseWriter, r *http.Request) {
	var req model.CouncilRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.WorkspaceID != uuid.Nil && !canAccess(w, r, req.WorkspaceID) {
		return
	}
	d, err := h.council.Deliberate(r.Context(), req.WorkspaceID, req.Question, req.TaskID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, d)
}

// HandleGetDecision handles GET /v1/decisions/{decision_id}.
func (h *Handlers) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	d, ok := h.loadDecision(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleFinalDecision handles POST /v1/decisions/{decision_id}/final.
func (h *Handlers) HandleFinalDecision(w http.ResponseWriter, r *http.Request) {
	var req model.FinalDecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	d, ok := h.loadDecision(w, r)
	if !ok {
		return
	}
	final, err := h.council.Finalize(r.Context(), d.ID, req, ctxutil.Actor(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, final)
}

// HandleAutonomyScores handles GET /v1/autonomy-scores.
func (h *Handlers) HandleAutonomyScores(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := queryWorkspace(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	scores, err := h.metrics.Scores(r.Context(), metrics.Query{
		WorkspaceID: workspaceID,
		RoleKey:     q.Get("role_key"),
		ActionType:  q.Get("action_type"),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, scores)
}

func (h *Handlers) loadDecision(w http.ResponseWriter, r *http.Request) (model.DecisionArtifact, bool) {
	id, ok := pathUUID(w, r, "decision_id")
	if !ok {
		return model.DecisionArtifact{}, false
	}
	d, err := h.council.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return model.DecisionArtifact{}, false
	}
	if !visible(r, d.WorkspaceID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return model.DecisionArtifact{}, false
	}
	return d, true
}
