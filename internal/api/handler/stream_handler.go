package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go-video-pipeline/internal/stream"
)

func streamInfo(s *stream.Session) map[string]interface{} {
	return map[string]interface{}{
		"stream_id":  s.ID,
		"source":     s.Source,
		"status":     "active",
		"start_time": s.CreatedAt,
		"frames":     s.Frames(),
		"uptime":     time.Since(s.CreatedAt).Round(time.Millisecond).String(),
		"fps":        streams.FrameRate(),
		"stream_url": "/api/v1/streams/" + s.ID,
	}
}

// CreateStream starts a simulated live feed
// @Summary Start live stream
// @Description Register a simulated live feed under a caller-chosen id and start serving frames
// @Tags streams
// @Accept json
// @Produce json
// @Param stream body object true "Stream request, e.g. {\"streamId\": \"cam-1\", \"source\": \"rtsp://...\"}"
// @Success 200 {object} map[string]interface{} "Stream started"
// @Failure 400 {object} map[string]interface{} "Invalid request payload"
// @Failure 409 {object} map[string]interface{} "Stream already exists"
// @Router /streams/start [post]
func CreateStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StreamID string `json:"streamId"`
		Source   string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if req.StreamID == "" {
		http.Error(w, "streamId is required", http.StatusBadRequest)
		return
	}

	session, err := streams.Open(req.StreamID, req.Source)
	if err != nil {
		if errors.Is(err, stream.ErrStreamExists) {
			http.Error(w, "Stream already exists", http.StatusConflict)
			return
		}
		http.Error(w, "Failed to start stream", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":    "Stream started successfully",
		"stream_id":  session.ID,
		"stream_url": "/api/v1/streams/" + session.ID,
	})
}

// GET /api/v1/streams
func ListStreams(w http.ResponseWriter, r *http.Request) {
	sessions := streams.List()

	infos := make([]map[string]interface{}, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, streamInfo(s))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"streams": infos,
		"count":   len(infos),
	})
}

// GET /api/v1/streams/{streamID}/info
func GetStream(w http.ResponseWriter, r *http.Request) {
	// Extract stream ID from URL path
	path := r.URL.Path
	prefix := "/api/v1/streams/"
	suffix := "/info"

	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	streamID := path[len(prefix) : len(path)-len(suffix)]
	if streamID == "" {
		http.Error(w, "Stream ID is required", http.StatusBadRequest)
		return
	}

	session, ok := streams.Get(streamID)
	if !ok {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(streamInfo(session))
}

// CloseStream stops a simulated live feed
// @Summary Stop live stream
// @Description Stop the feed with the given id; any open event stream ends
// @Tags streams
// @Accept json
// @Produce json
// @Param id path string true "Stream ID"
// @Success 200 {object} map[string]interface{} "Stream stopped"
// @Failure 404 {object} map[string]interface{} "Stream not found"
// @Router /streams/{id}/stop [post]
func CloseStream(w http.ResponseWriter, r *http.Request) {
	// Extract stream ID from URL path
	path := r.URL.Path
	prefix := "/api/v1/streams/"
	suffix := "/stop"

	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	streamID := path[len(prefix) : len(path)-len(suffix)]
	if streamID == "" {
		http.Error(w, "Stream ID is required", http.StatusBadRequest)
		return
	}

	if err := streams.Close(streamID); err != nil {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":   "Stream stopped successfully",
		"stream_id": streamID,
	})
}

// StreamEvents serves a live feed's frames over server-sent events
// @Summary Stream live frames
// @Description Stream simulated frame metadata as server-sent events until the feed stops or the client disconnects
// @Tags streams
// @Produce text/event-stream
// @Param id path string true "Stream ID"
// @Success 200 {string} string "Event stream"
// @Failure 404 {object} map[string]interface{} "Stream not found"
// @Router /streams/{id} [get]
func StreamEvents(w http.ResponseWriter, r *http.Request) {
	// Extract stream ID from URL path
	path := r.URL.Path
	prefix := "/api/v1/streams/"

	if !strings.HasPrefix(path, prefix) {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	streamID := path[len(prefix):]
	if streamID == "" {
		http.Error(w, "Stream ID is required", http.StatusBadRequest)
		return
	}

	if err := streams.Serve(r.Context(), w, streamID); err != nil {
		if errors.Is(err, stream.ErrNoStream) {
			http.Error(w, "Stream not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Stream failed", http.StatusInternalServerError)
	}
}
