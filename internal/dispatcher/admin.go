package dispatcher

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/logger"
	"github.com/taskmesh/taskmesh/internal/store"
)

// AdminHandler handles the operator-facing dead-letter and worker
// pause/resume surface, styled after the teacher's AdminHandler.
type AdminHandler struct {
	store      store.Store
	publisher  events.Publisher
	workerPool *WorkerPool
}

func NewAdminHandler(s store.Store, publisher events.Publisher, wp *WorkerPool) *AdminHandler {
	return &AdminHandler{store: s, publisher: publisher, workerPool: wp}
}

// ListDeadLetters handles GET /v1/admin/dead-letters.
func (h *AdminHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.ListDeadLetters(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("failed to list dead letters")
		respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	entries := make([]map[string]interface{}, 0, len(tasks))
	for _, t := range tasks {
		entries = append(entries, map[string]interface{}{
			"task_id":  t.ID,
			"type":     t.Type,
			"attempts": t.Attempts,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// RetryDeadLetter handles POST /v1/admin/dead-letters/{taskID}/retry.
func (h *AdminHandler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	retried, err := h.store.RetryDeadLetter(r.Context(), taskID)
	if err != nil {
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to retry dead letter")
		respondError(w, http.StatusInternalServerError, "failed to retry task")
		return
	}
	if !retried {
		respondError(w, http.StatusNotFound, "task is not dead-lettered")
		return
	}
	logger.Info().Str("task_id", taskID).Msg("dead-lettered task retried")
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// PauseWorker handles POST /v1/admin/workers/{workerID}/pause.
func (h *AdminHandler) PauseWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	h.workerPool.Pause(workerID)
	if h.publisher != nil {
		_ = h.publisher.Publish(r.Context(), events.NewEvent(events.EventWorkerPaused, events.WorkerEventData(workerID, "paused", nil)))
	}
	logger.Info().Str("worker_id", workerID).Msg("worker paused")
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// ResumeWorker handles POST /v1/admin/workers/{workerID}/resume.
func (h *AdminHandler) ResumeWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	h.workerPool.Resume(workerID)
	if h.publisher != nil {
		_ = h.publisher.Publish(r.Context(), events.NewEvent(events.EventWorkerResumed, events.WorkerEventData(workerID, "resumed", nil)))
	}
	logger.Info().Str("worker_id", workerID).Msg("worker resumed")
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}
