// Package handlers provides REST API handlers for sync status and operations.
package handlers

import (
	"context"
	"errors"
	"net/http"

	json "github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
	"github.com/kimhsiao/nutrilog/backend/internal/logging"
	"github.com/kimhsiao/nutrilog/backend/internal/sync"
)

// Syncer runs a reconcile on demand. The background scheduler implements it.
type Syncer interface {
	SyncNow(ctx context.Context) (*sync.SyncResult, error)
}

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	engine sync.SyncEngineInterface
	syncer Syncer
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine sync.SyncEngineInterface, syncer Syncer) *SyncHandler {
	return &SyncHandler{engine: engine, syncer: syncer}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("failed to encode response", err)
	}
}

// GetStatus handles GET /api/sync/status
// Returns the engine snapshot, last sync time and pending changes.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status":          h.engine.Status(),
		"online":          h.engine.IsOnline(),
		"pending_changes": h.engine.PendingChanges(),
	}
	if lastSync := h.engine.LastSync(); lastSync != nil {
		response["last_sync"] = lastSync.Unix()
	}
	if err := h.engine.LastError(); err != nil {
		response["last_error"] = err.Error()
		response["last_error_code"] = string(apperrors.CodeOf(err))
	}

	writeJSON(w, http.StatusOK, response)
}

// TriggerSync handles POST /api/sync/now
// Drains the queue and downloads remote state. Progress is reported to
// websocket clients through the engine's events.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := h.syncer.SyncNow(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case apperrors.Is(err, apperrors.ErrNetworkUnavailable):
			status = http.StatusServiceUnavailable
		case errors.Is(err, sync.ErrSyncInProgress):
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]interface{}{
			"status":     "failed",
			"error":      err.Error(),
			"error_code": string(apperrors.CodeOf(err)),
			"retryable":  apperrors.IsRetryable(err),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"uploaded":   result.Uploaded,
		"downloaded": result.Downloaded,
		"conflicts":  result.Conflicts,
		"remaining":  result.Remaining,
		"duration":   result.Duration.Milliseconds(),
	})
}

// DrainQueue handles POST /api/sync/queue/drain
// Replays queued operations without downloading.
func (h *SyncHandler) DrainQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res := h.engine.DrainQueue(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"remaining": res.Remaining,
	})
}
