package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	catalog "loomwatch/internal/catalog/domain"
)

// Store is the catalog surface the API reads.
type Store interface {
	catalog.Catalog
	catalog.Lister
}

// Handler serves GET /api/materials and GET /api/materials/{id}.
type Handler struct {
	store  Store
	logger *log.Logger
}

// NewHandler constructs a handler.
func NewHandler(store Store, logger *log.Logger) (*Handler, error) {
	if store == nil {
		return nil, errors.New("catalog handler: nil store")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{store: store, logger: logger}, nil
}

// ServeHTTP handles catalog reads.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/materials"), "/")
	if path == "" {
		list, err := h.store.List(r.Context())
		if err != nil {
			h.logger.Printf("catalog api: list error: %v", err)
			http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, list)
		return
	}

	id, err := strconv.ParseInt(path, 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid material id", http.StatusBadRequest)
		return
	}
	material, err := h.store.Lookup(r.Context(), id)
	if err != nil {
		if errors.Is(err, catalog.ErrMaterialNotFound) {
			http.Error(w, "material not found", http.StatusNotFound)
			return
		}
		h.logger.Printf("catalog api: lookup %d error: %v", id, err)
		http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, material)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
