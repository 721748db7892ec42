package handlers

import (
	"net/http"
	"runtime"

	"media-cache/internal/startup"
	"media-cache/internal/store"
)

// HealthResponse contains the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`

	Items       int  `json:"items"`
	Downloading int  `json:"downloading"`
	Failed      int  `json:"failed"`
	QueueLength int  `json:"queueLength"`
	Processing  bool `json:"processing"`

	GoVersion    string `json:"goVersion"`
	NumGoroutine int    `json:"numGoroutine"`
}

// Health returns the health status of the service.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	counts := h.countByState()
	queue := h.engine.QueueSnapshot()

	response := HealthResponse{
		Status:       "healthy",
		Version:      startup.Version,
		Items:        len(h.engine.Items()),
		Downloading:  counts[store.StateDownloading],
		Failed:       counts[store.StateFailed],
		QueueLength:  len(queue.Pending),
		Processing:   queue.Processing,
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
	}

	writeJSON(w, http.StatusOK, response)
}
