package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobo/internal/ctxutil"
	"github.com/ashita-ai/kobo/internal/model"
	"github.com/ashita-ai/kobo/internal/service/approvals"
)

// HandleCreateApproval handles POST /v1/approvals.
func (h *Handlers) HandleCreateApproval(w http.ResponseWriter, r *http.Request) {
	var req model.CreateApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.WorkspaceID != uuid.Nil && !canAccess(w, r, req.WorkspaceID) {
		return
	}
	a, err := h.approvals.Create(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, a)
}

// HandleListApprovals handles GET /v1/approvals.
func (h *Handlers) HandleListApprovals(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := queryWorkspace(w, r)
	if !ok {
		return
	}
	status := model.ApprovalStatus(r.URL.Query().Get("status"))
	list, err := h.approvals.List(r.Context(), workspaceID, status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, list)
}

// HandleGetApproval handles GET /v1/approvals/{approval_id}.
func (h *Handlers) HandleGetApproval(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadApproval(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleDecideApproval returns the handler for
// POST /v1/approvals/{approval_id}/approve and .../reject. The body is
// optional and may carry a note.
func (h *Handlers) HandleDecideApproval(decision approvals.Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.ApprovalDecisionRequest
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		a, ok := h.loadApproval(w, r)
		if !ok {
			return
		}
		decided, err := h.approvals.Decide(r.Context(), a.ID, decision, req.Note, ctxutil.Actor(r.Context()))
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, decided)
	}
}

// HandleAuthorizeApproval handles POST /v1/approvals/{approval_id}/authorize.
// It answers whether the planned action may run now; a gated action that is
// not approved is a policy violation.
func (h *Handlers) HandleAuthorizeApproval(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadApproval(w, r)
	if !ok {
		return
	}
	authorized, err := h.approvals.Authorize(r.Context(), a.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, authorized)
}

// HandleListAudit handles GET /v1/audit.
func (h *Handlers) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := queryWorkspace(w, r)
	if !ok {
		return
	}
	records, err := h.approvals.Audit(r.Context(), workspaceID, queryLimit(r, 100))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, records)
}

// HandleGetPolicy handles GET /v1/policy.
func (h *Handlers) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"gated_actions": h.approvals.Policy().Gated(),
	})
}

func (h *Handlers) loadApproval(w http.ResponseWriter, r *http.Request) (model.ApprovalRequest, bool) {
	id, ok := pathUUID(w, r, "approval_id")
	if !ok {
		return model.ApprovalRequest{}, false
	}
	a, err := h.approvals.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return model.ApprovalRequest{}, false
	}
	if !visible(r, a.WorkspaceID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return model.ApprovalRequest{}, false
	}
	return a, true
}
