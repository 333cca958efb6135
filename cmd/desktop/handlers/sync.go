package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	apperrors "github.com/kimhsiao/fieldmap/backend/internal/errors"
	"github.com/kimhsiao/fieldmap/backend/internal/models"
	syncpkg "github.com/kimhsiao/fieldmap/backend/internal/sync"
	"github.com/kimhsiao/fieldmap/backend/internal/sync/queue"
)

// QueueInspector exposes queue contents for the status endpoints.
type QueueInspector interface {
	ListPending(ctx context.Context) ([]*models.QueueJob, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// OnlineToggle is a connectivity signal that can be overridden by hand.
type OnlineToggle interface {
	Online() bool
	SetOnline(online bool) bool
}

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	engine syncpkg.SyncEngine
	queue  QueueInspector
	toggle OnlineToggle
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine syncpkg.SyncEngine, q QueueInspector, toggle OnlineToggle) *SyncHandler {
	return &SyncHandler{engine: engine, queue: q, toggle: toggle}
}

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"queue_stats": stats,
	})
}

// ListJobs handles GET /api/sync/jobs
func (h *SyncHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.queue.ListPending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.QueueJob{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// TriggerReplay handles POST /api/sync/replay
func (h *SyncHandler) TriggerReplay(w http.ResponseWriter, r *http.Request) {
	if !h.toggle.Online() {
		writeError(w, apperrors.New(apperrors.ErrOffline, "cannot replay while offline"))
		return
	}

	result, err := h.engine.ReplayQueue(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// TriggerRefresh handles POST /api/sync/refresh
func (h *SyncHandler) TriggerRefresh(w http.ResponseWriter, r *http.Request) {
	if !h.toggle.Online() {
		writeError(w, apperrors.New(apperrors.ErrOffline, "cannot refresh while offline"))
		return
	}

	n, err := h.engine.Refresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fetched": n})
}

// RetryJob handles POST /api/sync/jobs/{id}/retry
// Held jobs are released and replayed once.
func (h *SyncHandler) RetryJob(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.RetryJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// SetOnline handles PUT /api/sync/online
// Body: {"online": true|false}.
func (h *SyncHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Online == nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, `body must be {"online": true|false}`))
		return
	}

	changed := h.toggle.SetOnline(*request.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online":  h.toggle.Online(),
		"changed": changed,
	})
}
