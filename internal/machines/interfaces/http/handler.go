package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loomwatch/internal/audit"
	"loomwatch/internal/auth"
	catalog "loomwatch/internal/catalog/domain"
	machines "loomwatch/internal/machines/domain"
)

// Service is the machine surface the operator API needs.
type Service interface {
	Machines(ctx context.Context) ([]machines.Snapshot, error)
	Machine(ctx context.Context, machineID int64) (machines.Snapshot, error)
	Rename(ctx context.Context, machineID int64, name, address *string) (machines.Snapshot, error)
	SetMaterial(ctx context.Context, machineID, materialID int64) (machines.Snapshot, error)
}

// Handler serves /api/machines, /api/machines/{id}[/name|/material] and /api/devices.
type Handler struct {
	service     Service
	auditLogger audit.Logger
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithAuditLogger records every successful rename and material change.
func WithAuditLogger(logger audit.Logger) HandlerOption {
	return func(h *Handler) {
		h.auditLogger = logger
	}
}

// NewHandler constructs a handler.
func NewHandler(service Service, opts ...HandlerOption) (*Handler, error) {
	if service == nil {
		return nil, errors.New("machines handler: nil service")
	}
	h := &Handler{service: service}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// ServeHTTP routes machine requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/devices":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleDevices(w, r)
	case r.URL.Path == "/api/machines" || r.URL.Path == "/api/machines/":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleList(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/machines/"):
		h.handleMachine(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.Machines(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type deviceView struct {
	DeviceID   int64      `json:"device_id"`
	DeviceName string     `json:"device_name"`
	IP         string     `json:"ip"`
	Status     int        `json:"status"`
	LastActive *time.Time `json:"last_active"`
}

func (h *Handler) handleDevices(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.Machines(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	devices := make([]deviceView, 0, len(list))
	for _, m := range list {
		devices = append(devices, deviceView{
			DeviceID:   m.ID,
			DeviceName: m.Name,
			IP:         m.Address,
			Status:     m.Status,
			LastActive: m.LastActive,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "devices": devices})
}

func (h *Handler) handleMachine(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/machines/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) > 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid machine id"))
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			h.handleGet(w, r, id)
		case http.MethodPut, http.MethodPatch:
			h.handleRename(w, r, id, false)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "name":
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleRename(w, r, id, true)
	case "material", "fabric":
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleMaterial(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id int64) {
	snapshot, err := h.service.Machine(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type renameRequest struct {
	Name    *string `json:"name"`
	Address *string `json:"ip"`
}

func (h *Handler) handleRename(w http.ResponseWriter, r *http.Request, id int64, nameOnly bool) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid json"))
		return
	}
	if nameOnly {
		req.Address = nil
	}
	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		if trimmed == "" {
			writeJSON(w, http.StatusBadRequest, errorBody("Invalid name"))
			return
		}
		req.Name = &trimmed
	}
	snapshot, err := h.service.Rename(r.Context(), id, req.Name, req.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logAudit(r, id, "machine.rename", req)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "machine": snapshot})
}

// materialRequest also accepts article_number, the catalog key older dashboards send.
type materialRequest struct {
	MaterialID    *json.Number `json:"material_id"`
	ArticleNumber *json.Number `json:"article_number"`
}

func (h *Handler) handleMaterial(w http.ResponseWriter, r *http.Request, id int64) {
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	var req materialRequest
	if err := decoder.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid json"))
		return
	}
	raw := req.MaterialID
	if raw == nil {
		raw = req.ArticleNumber
	}
	if raw == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("material_id is required"))
		return
	}
	materialID, err := raw.Int64()
	if err != nil || materialID < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("Invalid material_id"))
		return
	}
	snapshot, err := h.service.SetMaterial(r.Context(), id, materialID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logAudit(r, id, "machine.set_material", map[string]int64{"material_id": materialID})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "machine": snapshot})
}

func (h *Handler) logAudit(r *http.Request, machineID int64, action string, meta any) {
	if h.auditLogger == nil {
		return
	}
	payload, _ := json.Marshal(meta)
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "machine",
		ResourceID:   strconv.FormatInt(machineID, 10),
		Metadata:     payload,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}

func errorBody(message string) map[string]any {
	return map[string]any{"success": false, "error": message}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, machines.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("Machine not found"))
	case errors.Is(err, catalog.ErrMaterialNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("Material not found"))
	case errors.Is(err, machines.ErrInvalidID),
		errors.Is(err, machines.ErrEmptyPatch),
		errors.Is(err, machines.ErrMalformed),
		errors.Is(err, catalog.ErrInvalidMaterial):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, machines.ErrStorageUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody("storage unavailable"))
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
