package handlers

import (
	"errors"
	"net/http"
	"time"

	"media-cache/internal/cache"
	"media-cache/internal/store"
)

// ListItems returns the current metadata snapshot, newest first.
func (h *Handlers) ListItems(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Items())
}

// GetItem returns one record by (url, mediaKind), reconstructing it from disk
// when a prior session left the file behind.
func (h *Handlers) GetItem(w http.ResponseWriter, r *http.Request) {
	url, kind, err := refFromQuery(r).resolve()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	item, err := h.engine.GetCachedItem(r.Context(), url, kind)
	if errors.Is(err, cache.ErrNotCached) {
		writeError(w, http.StatusNotFound, "media is not cached")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type downloadRequest struct {
	itemRef
	Force            bool       `json:"force,omitempty"`
	NotificationDate *time.Time `json:"notificationDate,omitempty"`
	NotificationID   string     `json:"notificationId,omitempty"`
}

// Download requests that media be cached.
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decodeRef(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	url, kind, err := req.resolve()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.engine.DownloadMedia(r.Context(), url, kind, req.Force, req.NotificationDate); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type thumbnailRequest struct {
	itemRef
	MaxDimension int  `json:"maxDimension,omitempty"`
	Async        bool `json:"async,omitempty"`
	Force        bool `json:"force,omitempty"`
}

// Thumbnail returns the thumbnail path for an item, generating it on demand.
// With async set it only queues the generation.
func (h *Handlers) Thumbnail(w http.ResponseWriter, r *http.Request) {
	var req thumbnailRequest
	if err := decodeRef(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	url, kind, err := req.resolve()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Async {
		if err := h.engine.RequestThumbnail(r.Context(), url, kind, req.Force); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}

	path, err := h.engine.GetOrCreateThumbnail(r.Context(), url, kind, req.MaxDimension)
	if errors.Is(err, cache.ErrNotCached) {
		writeError(w, http.StatusNotFound, "media is not cached")
		return
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"localThumbPath": path})
}

// DeleteItem removes cached media. ?permanent=true hard-deletes the metadata
// row; otherwise the record becomes a tombstone.
func (h *Handlers) DeleteItem(w http.ResponseWriter, r *http.Request) {
	url, kind, err := refFromQuery(r).resolve()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	permanent := r.URL.Query().Get("permanent") == "true"

	if err := h.engine.DeleteCachedMedia(r.Context(), url, kind, permanent); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type failureRequest struct {
	itemRef
	ErrorCode string `json:"errorCode,omitempty"`
}

// MarkFailure records an externally-determined permanent failure.
func (h *Handlers) MarkFailure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if err := decodeRef(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	url, kind, err := req.resolve()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.engine.MarkAsPermanentFailure(r.Context(), url, kind, req.ErrorCode); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "marked"})
}

// Clear soft-deletes every record, keeping tombstones.
func (h *Handlers) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearCache(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// ClearComplete wipes all metadata and the cache directory tree.
func (h *Handlers) ClearComplete(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearCacheComplete(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// Queue returns the scheduler's observable snapshot.
func (h *Handlers) Queue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.QueueSnapshot())
}

// itemsForHealth is small enough to reuse the snapshot for the health view.
func (h *Handlers) countByState() map[store.State]int {
	counts := make(map[store.State]int)
	for _, item := range h.engine.Items() {
		counts[item.State()]++
	}
	return counts
}
