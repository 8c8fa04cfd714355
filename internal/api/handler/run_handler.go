package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go-video-pipeline/internal/model"
	"go-video-pipeline/internal/pipeline"
	"go-video-pipeline/internal/runner"
	"go-video-pipeline/internal/store"
)

// Snapshots per second on the run events stream.
const snapshotFrameRate = 30

// CreateRun accepts a new pipeline run
// @Summary Create a new run
// @Description Validate a run spec and start executing it on the bounded run pool. An empty body runs the two-camera demo defaults.
// @Tags runs
// @Accept json
// @Produce json
// @Param run body model.RunSpec true "Run configuration"
// @Success 200 {object} map[string]interface{} "Run accepted"
// @Failure 400 {object} map[string]interface{} "Invalid request payload"
// @Failure 503 {object} map[string]interface{} "Server shutting down"
// @Router /runs [post]
func CreateRun(w http.ResponseWriter, r *http.Request) {
	// 1. Decode the spec; an empty body means demo defaults
	var spec model.RunSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}

	// 2. Hand it to the run manager
	runID, err := mgr.Start(spec)
	if err != nil {
		var cfgErr *pipeline.ConfigError
		switch {
		case errors.As(err, &cfgErr):
			http.Error(w, cfgErr.Error(), http.StatusBadRequest)
		case errors.Is(err, runner.ErrManagerClosed):
			http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		default:
			http.Error(w, "Failed to save run", http.StatusInternalServerError)
		}
		return
	}

	// 3. Return response
	resp := map[string]interface{}{
		"message":   "Run created successfully!",
		"runId":     runID,
		"status":    string(model.RunPending),
		"createdAt": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ListRuns retrieves all pipeline runs
// @Summary List all runs
// @Description Get every recorded run with its status and final counters
// @Tags runs
// @Accept json
// @Produce json
// @Success 200 {array} map[string]interface{} "List of runs"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs [get]
func ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := store.ListRuns()
	if err != nil {
		http.Error(w, "Failed to fetch runs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runs)
}

// GET /api/v1/runs/active
func ListActiveRuns(w http.ResponseWriter, r *http.Request) {
	infos := mgr.List()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"runs":  infos,
		"count": len(infos),
	})
}

// GetRun retrieves a specific run
// @Summary Get run
// @Description Retrieve the stored record of a run; active runs also carry their live snapshot
// @Tags runs
// @Accept json
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Run details"
// @Failure 400 {object} map[string]interface{} "Invalid run ID"
// @Failure 404 {object} map[string]interface{} "Run not found"
// @Router /runs/{id} [get]
func GetRun(w http.ResponseWriter, r *http.Request) {
	// Extract run ID from URL path
	path := r.URL.Path
	prefix := "/api/v1/runs/"

	if !strings.HasPrefix(path, prefix) {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	runID := path[len(prefix):]
	if runID == "" {
		http.Error(w, "Run ID is required", http.StatusBadRequest)
		return
	}

	run, err := store.GetRun(runID)
	if err != nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	if info, ok := mgr.Snapshot(runID); ok {
		run["live"] = info.Snapshot
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(run)
}

// GetRunErrors retrieves stage faults recorded for a run
// @Summary Get run errors
// @Description Retrieve every stage fault recorded while the run executed
// @Tags runs
// @Accept json
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Run errors"
// @Failure 400 {object} map[string]interface{} "Invalid run ID"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs/{id}/errors [get]
func GetRunErrors(w http.ResponseWriter, r *http.Request) {
	// Extract run ID from URL path
	path := r.URL.Path
	prefix := "/api/v1/runs/"
	suffix := "/errors"

	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	runID := path[len(prefix) : len(path)-len(suffix)]
	if runID == "" {
		http.Error(w, "Run ID is required", http.StatusBadRequest)
		return
	}

	faults, err := store.GetRunErrors(runID)
	if err != nil {
		http.Error(w, "Failed to retrieve errors", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"run_id": runID,
		"errors": faults,
		"count":  len(faults),
	})
}

// GetRunResults retrieves stored frame results for a run
// @Summary Get run results
// @Description Retrieve the terminal per-frame results recorded for a run
// @Tags runs
// @Accept json
// @Produce json
// @Param id path string true "Run ID"
// @Param limit query int false "Maximum results to return (default 100)"
// @Success 200 {object} map[string]interface{} "Run results"
// @Failure 400 {object} map[string]interface{} "Invalid run ID"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs/{id}/results [get]
func GetRunResults(w http.ResponseWriter, r *http.Request) {
	// Extract run ID from URL path
	path := r.URL.Path
	prefix := "/api/v1/runs/"
	suffix := "/results"

	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	runID := path[len(prefix) : len(path)-len(suffix)]
	if runID == "" {
		http.Error(w, "Run ID is required", http.StatusBadRequest)
		return
	}

	// Get limit from query parameter
	limit := 100 // default
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	results, err := store.GetRunResults(runID, limit)
	if err != nil {
		http.Error(w, "Failed to retrieve results", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"run_id":  runID,
		"results": results,
		"count":   len(results),
		"limit":   limit,
	})
}

// GET /api/v1/runs/{id}/progress
func GetRunProgress(w http.ResponseWriter, r *http.Request) {
	// Extract run ID from URL path
	path := r.URL.Path
	prefix := "/api/v1/runs/"
	suffix := "/progress"

	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	runID := path[len(prefix) : len(path)-len(suffix)]
	if runID == "" {
		http.Error(w, "Run ID is required", http.StatusBadRequest)
		return
	}

	info, ok := mgr.Snapshot(runID)
	if !ok {
		http.Error(w, "Run is not active", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"run_id":   runID,
		"status":   info.Status,
		"snapshot": info.Snapshot,
	})
}

// RunEvents streams a run's live snapshots over server-sent events
// @Summary Stream run progress
// @Description Stream aggregated run snapshots as server-sent events until the run finishes or the client disconnects
// @Tags runs
// @Produce text/event-stream
// @Param id path string true "Run ID"
// @Success 200 {string} string "Event stream"
// @Failure 404 {object} map[string]interface{} "Run not active"
// @Router /runs/{id}/events [get]
func RunEvents(w http.ResponseWriter, r *http.Request) {
	// Extract run ID from URL path
	path := r.URL.Path
	prefix := "/api/v1/runs/"
	suffix := "/events"

	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	runID := path[len(prefix) : len(path)-len(suffix)]
	if runID == "" {
		http.Error(w, "Run ID is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	if _, ok := mgr.Snapshot(runID); !ok {
		http.Error(w, "Run is not active", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(time.Second / snapshotFrameRate)
	defer ticker.Stop()

	for {
		info, ok := mgr.Snapshot(runID)
		if !ok {
			// The run reached a terminal state; its record is in the store.
			fmt.Fprint(w, "event: done\ndata: {}\n\n")
			flusher.Flush()
			return
		}

		payload, err := json.Marshal(info)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", payload)
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// CancelRun cancels a running pipeline run
// @Summary Cancel run
// @Description Stop feeding the run and discard its queued frames; frames already inside a stage finish first
// @Tags runs
// @Accept json
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Run cancellation initiated"
// @Failure 400 {object} map[string]interface{} "Run already finished"
// @Failure 404 {object} map[string]interface{} "Run not found"
// @Router /runs/{id}/cancel [post]
func CancelRun(w http.ResponseWriter, r *http.Request) {
	// Extract run ID from URL path
	path := r.URL.Path
	prefix := "/api/v1/runs/"
	suffix := "/cancel"

	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	runID := path[len(prefix) : len(path)-len(suffix)]
	if runID == "" {
		http.Error(w, "Run ID is required", http.StatusBadRequest)
		return
	}

	if err := mgr.Cancel(runID); err != nil {
		// Not active; report the stored state if we have one
		run, storeErr := store.GetRun(runID)
		if storeErr != nil {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		status, _ := run["status"].(string)
		http.Error(w, fmt.Sprintf("Run is already %s and cannot be cancelled", status), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Run cancellation initiated",
		"run_id":  runID,
		"status":  string(model.RunCancelled),
	})
}

// DeleteRun deletes a finished run and its recorded data
// @Summary Delete run
// @Description Delete a run with its recorded faults and results; active runs must be cancelled first
// @Tags runs
// @Accept json
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Run deleted"
// @Failure 400 {object} map[string]interface{} "Run still active"
// @Failure 404 {object} map[string]interface{} "Run not found"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs/{id} [delete]
func DeleteRun(w http.ResponseWriter, r *http.Request) {
	// Extract run ID from URL path
	path := r.URL.Path
	prefix := "/api/v1/runs/"

	if !strings.HasPrefix(path, prefix) {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	runID := path[len(prefix):]
	if runID == "" {
		http.Error(w, "Run ID is required", http.StatusBadRequest)
		return
	}

	if _, ok := mgr.Snapshot(runID); ok {
		http.Error(w, "Run is still active; cancel it first", http.StatusBadRequest)
		return
	}

	if _, err := store.GetRun(runID); err != nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	if err := store.DeleteRun(runID); err != nil {
		http.Error(w, "Failed to delete run", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Run and all recorded data deleted successfully",
		"run_id":  runID,
	})
}

// GET /healthz
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}
