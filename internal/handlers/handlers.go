package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"media-cache/internal/cache"
	"media-cache/internal/logging"
	"media-cache/internal/mediakind"
)

// Handlers exposes the cache engine over HTTP. It is a thin adapter: all
// semantics live in the engine.
type Handlers struct {
	engine *cache.Engine
}

// New creates the handler set for an engine.
func New(engine *cache.Engine) *Handlers {
	return &Handlers{engine: engine}
}

// RegisterRoutes attaches all API routes to the router.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/items", h.ListItems).Methods(http.MethodGet)
	api.HandleFunc("/items/item", h.GetItem).Methods(http.MethodGet)
	api.HandleFunc("/items/item", h.DeleteItem).Methods(http.MethodDelete)
	api.HandleFunc("/download", h.Download).Methods(http.MethodPost)
	api.HandleFunc("/thumbnail", h.Thumbnail).Methods(http.MethodPost)
	api.HandleFunc("/failure", h.MarkFailure).Methods(http.MethodPost)
	api.HandleFunc("/clear", h.Clear).Methods(http.MethodPost)
	api.HandleFunc("/clear/complete", h.ClearComplete).Methods(http.MethodPost)
	api.HandleFunc("/queue", h.Queue).Methods(http.MethodGet)
	api.HandleFunc("/events", h.Events).Methods(http.MethodGet)

	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// itemRef identifies one cached item in request bodies and query strings.
type itemRef struct {
	URL  string `json:"url"`
	Kind string `json:"mediaKind"`
}

func (ref itemRef) resolve() (string, mediakind.Kind, error) {
	kind, err := mediakind.Parse(ref.Kind)
	if err != nil {
		return "", "", err
	}
	return ref.URL, kind, nil
}

func refFromQuery(r *http.Request) itemRef {
	q := r.URL.Query()
	return itemRef{URL: q.Get("url"), Kind: q.Get("mediaKind")}
}

func decodeRef(r *http.Request, into interface{}) error {
	defer func() {
		_ = r.Body.Close()
	}()
	return json.NewDecoder(r.Body).Decode(into)
}
