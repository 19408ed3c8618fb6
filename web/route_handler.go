package web

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"importq/custom_errors"
	"importq/internal/batch"
	"importq/internal/models"
	"importq/internal/state"
	"importq/internal/status"
	"importq/internal/store"
)

type HttpRouteHandler struct {
	coordinator *batch.Coordinator
	driver      *status.Driver
	jobStore    store.JobStore
	validate    *validator.Validate
	mux         *http.ServeMux
	Port        uint
}

func NewRouteHandler(
	coordinator *batch.Coordinator,
	driver *status.Driver,
	jobStore store.JobStore,
	port uint,
) *HttpRouteHandler {
	handler := &HttpRouteHandler{
		coordinator: coordinator,
		driver:      driver,
		jobStore:    jobStore,
		validate:    validator.New(),
		mux:         http.NewServeMux(),
		Port:        port,
	}

	// handle routes
	handler.handleEnqueue()
	handler.handleStatus()
	handler.handleWorker()

	return handler
}

// Routes exposes the configured mux.
func (handler *HttpRouteHandler) Routes() *http.ServeMux {
	return handler.mux
}

func (handler *HttpRouteHandler) Serve() error {
	addr := fmt.Sprintf(":%d", handler.Port)
	log.Printf("[web] listening on %s", addr)
	return http.ListenAndServe(addr, handler.mux)
}

type enqueueRequest struct {
	URLs        []string `json:"urls" validate:"required"`
	RequestedBy string   `json:"requested_by" validate:"omitempty,max=200"`
}

func (handler *HttpRouteHandler) handleEnqueue() {
	handler.mux.HandleFunc("/api/bulk-import/enqueue", func(w http.ResponseWriter, r *http.Request) {
		if preflight(w, r) {
			return
		}
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
				"ok":    false,
				"error": "invalid_request",
			})
			return
		}

		var req enqueueRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := handler.validate.Struct(req); err != nil {
			writeError(w, custom_errors.NewInvalidRequest("Request body must contain a 'urls' array"))
			return
		}

		result, err := handler.coordinator.EnqueueBatch(r.Context(), batch.EnqueueRequest{
			URLs:        req.URLs,
			RequestedBy: req.RequestedBy,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"ok":           true,
			"batch_id":     result.BatchID,
			"jobs":         result.Jobs,
			"summary":      result.Summary,
			"invalid_urls": result.InvalidURLs,
			"enqueued_at":  result.EnqueuedAt,
		})
	})
}

func (handler *HttpRouteHandler) handleStatus() {
	handler.mux.HandleFunc("/api/bulk-import/status", func(w http.ResponseWriter, r *http.Request) {
		if preflight(w, r) {
			return
		}
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
				"ok":    false,
				"error": "invalid_request",
			})
			return
		}

		jobID := strings.TrimSpace(r.URL.Query().Get("job_id"))
		batchID := strings.TrimSpace(r.URL.Query().Get("batch_id"))

		if jobID != "" {
			resp, err := handler.driver.DriveIfDue(r.Context(), jobID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}

		if batchID != "" {
			batchStatus, err := handler.coordinator.Status(r.Context(), batchID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"ok":           true,
				"batch_id":     batchStatus.BatchID,
				"batch_status": batchStatus.BatchState,
				"jobs":         batchStatus.Jobs,
				"summary":      batchStatus.Summary,
			})
			return
		}

		writeError(w, custom_errors.NewMissingBatchID())
	})
}

type workerRequest struct {
	JobID   string `json:"job_id" validate:"required_without=URL"`
	URL     string `json:"url" validate:"required_without=JobID,omitempty,max=2048"`
	BatchID string `json:"batch_id" validate:"omitempty,max=128"`
}

// handleWorker drives one job inline: either an existing job by id, or an
// ad-hoc record created from a raw URL for manual testing.
func (handler *HttpRouteHandler) handleWorker() {
	handler.mux.HandleFunc("/api/bulk-import/worker", func(w http.ResponseWriter, r *http.Request) {
		if preflight(w, r) {
			return
		}
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
				"ok":    false,
				"error": "invalid_request",
			})
			return
		}

		var req workerRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := handler.validate.Struct(req); err != nil {
			writeError(w, custom_errors.NewInvalidRequest("Provide either job_id or url in request body"))
			return
		}

		jobID := strings.TrimSpace(req.JobID)
		if jobID == "" {
			adhocID, err := handler.createAdhocJob(r, req)
			if err != nil {
				writeError(w, err)
				return
			}
			jobID = adhocID
		}

		resp, err := handler.driver.DriveIfDue(r.Context(), jobID)
		if err != nil {
			writeError(w, err)
			return
		}

		statusCode := http.StatusOK
		if !resp.OK {
			statusCode = http.StatusInternalServerError
		}
		writeJSON(w, statusCode, resp)
	})
}

func (handler *HttpRouteHandler) createAdhocJob(r *http.Request, req workerRequest) (string, error) {
	normalized, err := batch.NormalizeURL(req.URL)
	if err != nil {
		return "", custom_errors.NewInvalidRequest(fmt.Sprintf("Invalid url: %v", err))
	}

	batchID := strings.TrimSpace(req.BatchID)
	if batchID == "" {
		batchID = "test_batch"
	}

	jobID := fmt.Sprintf("test_%d", time.Now().UnixMilli())
	if _, err := handler.jobStore.Upsert(r.Context(), &models.JobRecord{
		JobID:     jobID,
		BatchID:   batchID,
		SessionID: jobID,
		URL:       normalized,
		Status:    state.StatusQueued,
	}); err != nil {
		return "", err
	}

	log.Printf("[web] created ad-hoc job %s for %s", jobID, normalized)
	return jobID, nil
}
