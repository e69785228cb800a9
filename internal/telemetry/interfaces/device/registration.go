package device

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	machines "loomwatch/internal/machines/domain"
)

// Firmware describes the controller release devices should run.
type Firmware struct {
	APIVersion      string
	Version         string
	DownloadPattern string
	Changelog       string
}

// DownloadURL renders the download location of the current release.
func (f Firmware) DownloadURL() string {
	if f.DownloadPattern == "" {
		return ""
	}
	return strings.ReplaceAll(f.DownloadPattern, "{version}", f.Version)
}

// Registry registers controllers and records firmware checks.
type Registry interface {
	RegisterNext(ctx context.Context, address string) (machines.Snapshot, error)
	RecordFirmwareCheck(ctx context.Context, deviceID int64, current, latest string, at time.Time) error
}

// RegistrationHandler serves the controller bootstrap endpoints:
// POST /api/register-device, GET /api/check-update/{id} and GET /api/version.
type RegistrationHandler struct {
	registry Registry
	firmware Firmware
	logger   *log.Logger
}

// NewRegistrationHandler constructs the handler.
func NewRegistrationHandler(registry Registry, firmware Firmware, logger *log.Logger) (*RegistrationHandler, error) {
	if registry == nil {
		return nil, errors.New("device registration: nil registry")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RegistrationHandler{registry: registry, firmware: firmware, logger: logger}, nil
}

// ServeHTTP routes the bootstrap endpoints.
func (h *RegistrationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/register-device":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleRegister(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/check-update/"):
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleCheckUpdate(w, r)
	case r.URL.Path == "/api/version":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"api": h.firmware.APIVersion, "esp32": h.firmware.Version})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type registerRequest struct {
	FirmwareVersion string   `json:"firmware_version"`
	DeviceType      string   `json:"device_type"`
	Capabilities    []string `json:"capabilities"`
}

func (h *RegistrationHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "read body error"})
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid json"})
			return
		}
	}
	address := clientAddress(r)
	h.logger.Printf("device registration: firmware=%s type=%s address=%s", req.FirmwareVersion, req.DeviceType, address)

	snapshot, err := h.registry.RegisterNext(r.Context(), address)
	if err != nil {
		h.logger.Printf("device registration: err=%v", err)
		status := http.StatusInternalServerError
		if errors.Is(err, machines.ErrStorageUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"message":     "Device registered successfully",
		"device_id":   snapshot.ID,
		"device_name": snapshot.Name,
		"assigned_ip": address,
	})
}

func (h *RegistrationHandler) handleCheckUpdate(w http.ResponseWriter, r *http.Request) {
	rawID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/check-update/"), "/")
	deviceID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || deviceID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid device id"})
		return
	}
	current := strings.TrimSpace(r.URL.Query().Get("current_version"))
	if current == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Missing current_version query parameter"})
		return
	}

	if current == h.firmware.Version {
		writeJSON(w, http.StatusOK, map[string]any{
			"update_available": false,
			"latest_version":   h.firmware.Version,
			"current_version":  current,
		})
		return
	}

	if err := h.registry.RecordFirmwareCheck(r.Context(), deviceID, current, h.firmware.Version, time.Now()); err != nil {
		h.logger.Printf("device firmware check: device=%d err=%v", deviceID, err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"update_available": true,
		"latest_version":   h.firmware.Version,
		"download_url":     h.firmware.DownloadURL(),
		"changelog":        h.firmware.Changelog,
	})
}

func clientAddress(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}

// HealthHandler reports liveness in the shape the loom dashboard polls.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "Weaving Interface API running",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}
