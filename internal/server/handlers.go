package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobo/internal/ctxutil"
	"github.com/ashita-ai/kobo/internal/eventbus"
	"github.com/ashita-ai/kobo/internal/model"
	"github.com/ashita-ai/kobo/internal/policy"
	"github.com/ashita-ai/kobo/internal/service/approvals"
	"github.com/ashita-ai/kobo/internal/service/council"
	"github.com/ashita-ai/kobo/internal/service/metrics"
	"github.com/ashita-ai/kobo/internal/service/orchestrator"
	"github.com/ashita-ai/kobo/internal/storage"
)

// OutboxStats reports the depth of the in-memory event outbox.
type OutboxStats interface {
	Len() int
}

// Pinger checks that a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store      storage.Store
	dispatcher *orchestrator.Dispatcher
	roles      *orchestrator.Roles
	approvals  *approvals.Service
	council    *council.Service
	metrics    *metrics.Service
	bus        *eventbus.Bus
	outbox     OutboxStats
	generator  Pinger
	logger     *slog.Logger
	version    string
	startedAt  time.Time
}

// NewHandlers creates a new Handlers from the server config.
func NewHandlers(cfg ServerConfig) *Handlers {
	return &Handlers{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		roles:      cfg.Roles,
		approvals:  cfg.Approvals,
		council:    cfg.Council,
		metrics:    cfg.Metrics,
		bus:        cfg.Bus,
		outbox:     cfg.Outbox,
		generator:  cfg.Generator,
		logger:     cfg.Logger,
		version:    cfg.Version,
		startedAt:  time.Now(),
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storageStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:  status,
		Version: h.version,
		Storage: storageStatus,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	if h.outbox != nil {
		resp.OutboxDepth = h.outbox.Len()
	}
	if h.bus != nil {
		resp.Subscribers = h.bus.TotalSubscribers()
	}

	// Generation falls back to a structured document when the backend is
	// down, so an unreachable backend degrades health instead of failing it.
	if h.generator != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.generator.Ping(ctx); err == nil {
			resp.Ollama = "connected"
		} else {
			resp.Ollama = "disconnected"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.roles.List())
}

// writeServiceError maps service and storage errors to API responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var violation *policy.Violation
	switch {
	case errors.As(err, &violation):
		writeError(w, r, http.StatusBadRequest, model.ErrCodePolicyViolation, violation.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, storage.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "already decided")
	case errors.Is(err, orchestrator.ErrRunActive):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "a run for this workspace, task and role is already active")
	case errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, approvals.ErrInvalidRequest),
		errors.Is(err, approvals.ErrInvalidDecision),
		errors.Is(err, council.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	default:
		h.logger.Error("request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
		)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

// canAccess writes 403 and returns false when the caller is not a member of
// workspaceID.
func canAccess(w http.ResponseWriter, r *http.Request, workspaceID uuid.UUID) bool {
	if visible(r, workspaceID) {
		return true
	}
	writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "no access to workspace")
	return false
}

// visible reports whether the caller may see records of workspaceID.
func visible(r *http.Request, workspaceID uuid.UUID) bool {
	return ctxutil.ClaimsFromContext(r.Context()).CanAccess(workspaceID)
}

// pathUUID parses a UUID path parameter, writing 400 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

// queryWorkspace parses the required workspace_id query parameter and checks
// membership.
func queryWorkspace(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.URL.Query().Get("workspace_id")
	if raw == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "workspace_id is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid workspace_id")
		return uuid.Nil, false
	}
	if !canAccess(w, r, id) {
		return uuid.Nil, false
	}
	return id, true
}

// queryOptionalUUID parses an optional UUID query parameter.
func queryOptionalUUID(r *http.Request, key string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s", key)
	}
	return &id, nil
}

// queryLimit parses the limit query parameter, falling back to defaultVal
// and capping at 1000.
func queryLimit(r *http.Request, defaultVal int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return min(n, 1000)
}
