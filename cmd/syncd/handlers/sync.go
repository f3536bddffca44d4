package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"github.com/kimhsiao/syncore/internal/logging"
	"github.com/kimhsiao/syncore/internal/models"
	syncpkg "github.com/kimhsiao/syncore/internal/sync"
	"github.com/kimhsiao/syncore/internal/sync/scheduler"
)

// Scheduler runs operator-requested cycles and reports its own state.
type Scheduler interface {
	SyncNow(ctx context.Context) (*syncpkg.SyncResult, error)
	GetStatus() scheduler.SchedulerStatus
}

// SyncHandler serves the sync control surface.
type SyncHandler struct {
	engine    syncpkg.SyncEngineInterface
	scheduler Scheduler
	retention time.Duration
}

// NewSyncHandler creates a SyncHandler. retention is the default age for
// cleanup of permanently failed actions.
func NewSyncHandler(engine syncpkg.SyncEngineInterface, sched Scheduler, retention time.Duration) *SyncHandler {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &SyncHandler{engine: engine, scheduler: sched, retention: retention}
}

// StatusResponse is returned by GET /api/sync/status.
type StatusResponse struct {
	syncpkg.Status
	Scheduler *scheduler.SchedulerStatus `json:"scheduler,omitempty"`
}

// GetStatus handles GET /api/sync/status.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := StatusResponse{Status: status}
	if h.scheduler != nil {
		st := h.scheduler.GetStatus()
		resp.Scheduler = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// TriggerSync handles POST /api/sync. It runs a forced cycle and waits for
// its result; offline or a running cycle is an error.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var (
		result *syncpkg.SyncResult
		err    error
	)
	if h.scheduler != nil {
		result, err = h.scheduler.SyncNow(r.Context())
	} else {
		result, err = h.engine.ForceSync(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListFailed handles GET /api/sync/failed.
func (h *SyncHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	actions, err := h.engine.ListFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

// RetryFailed handles POST /api/sync/failed/retry. An empty body or id
// list retries every failed action.
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	var request struct {
		IDs []int64 `json:"ids"`
	}
	if err := decodeJSON(r, &request, true); err != nil {
		writeError(w, err)
		return
	}

	requeued, err := h.engine.RetryFailed(r.Context(), request.IDs...)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(requeued) > 0 {
		h.engine.RequestSync("retry")
	}
	logging.Info("Failed actions re-enqueued", map[string]interface{}{"count": len(requeued)})
	writeJSON(w, http.StatusOK, requeued)
}

// ListConflicts handles GET /api/sync/conflicts.
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.OpenConflicts())
}

// ResolveConflict handles POST /api/sync/conflicts/{actionID}/resolve.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	actionID, err := strconv.ParseInt(chi.URLParam(r, "actionID"), 10, 64)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid action id", err))
		return
	}

	var res models.Resolution
	if err := decodeJSON(r, &res, false); err != nil {
		writeError(w, err)
		return
	}
	if _, ok := models.ParseConflictStrategy(string(res.Strategy)); !ok {
		writeError(w, apperrors.Newf(apperrors.ErrInvalid, "unknown strategy %q", res.Strategy))
		return
	}

	resolved, err := h.engine.ResolveConflict(r.Context(), actionID, res)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

// Cleanup handles POST /api/sync/cleanup. The body may override the
// retention window, e.g. {"retention": "72h"}.
func (h *SyncHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Retention string `json:"retention"`
	}
	if err := decodeJSON(r, &request, true); err != nil {
		writeError(w, err)
		return
	}

	retention := h.retention
	if request.Retention != "" {
		d, err := time.ParseDuration(request.Retention)
		if err != nil || d < 0 {
			writeError(w, apperrors.Newf(apperrors.ErrInvalid, "invalid retention %q", request.Retention))
			return
		}
		retention = d
	}

	purged, err := h.engine.Cleanup(r.Context(), retention)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"purged": purged})
}
