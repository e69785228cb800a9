package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	machineapp "loomwatch/internal/machines/application"
	machines "loomwatch/internal/machines/domain"
	"loomwatch/internal/observability/metrics"
	telemetry "loomwatch/internal/telemetry/domain"
)

const maxBodyBytes = 64 << 10

// Submitter accepts one device report.
type Submitter interface {
	Submit(ctx context.Context, event machineapp.Event) (machines.Snapshot, error)
}

// IngestHandler handles POST /api/machine-data from loom controllers.
type IngestHandler struct {
	service Submitter
	now     func() time.Time
	logger  *log.Logger
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(service Submitter, logger *log.Logger) (*IngestHandler, error) {
	if service == nil {
		return nil, errors.New("device ingest: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &IngestHandler{service: service, now: time.Now, logger: logger}, nil
}

// ServeHTTP ingests one device report.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, start, "read_body", http.StatusBadRequest, "read body error")
		return
	}
	defer r.Body.Close()

	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Printf("device ingest: decode error: %v", err)
		h.fail(w, start, "invalid_json", http.StatusBadRequest, "invalid json")
		return
	}

	event, err := req.toEvent(h.now(), h.logger.Printf)
	if err != nil {
		h.logger.Printf("device ingest: invalid payload: %v", err)
		h.fail(w, start, "malformed", http.StatusBadRequest, err.Error())
		return
	}

	snapshot, err := h.service.Submit(r.Context(), event)
	switch {
	case err == nil:
	case errors.Is(err, machines.ErrMalformed):
		h.fail(w, start, "malformed", http.StatusBadRequest, "malformed event")
		return
	case errors.Is(err, machines.ErrNotFound):
		h.fail(w, start, "not_found", http.StatusNotFound, "Machine not found")
		return
	case errors.Is(err, machines.ErrStorageUnavailable):
		h.logger.Printf("device ingest: device=%d err=%v", event.DeviceID, err)
		h.fail(w, start, "storage", http.StatusServiceUnavailable, "storage unavailable")
		return
	default:
		h.logger.Printf("device ingest: device=%d err=%v", event.DeviceID, err)
		h.fail(w, start, "internal", http.StatusInternalServerError, err.Error())
		return
	}

	metrics.ObserveIngest(metrics.ResultSuccess, time.Since(start))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Data received and stored",
		"machine": snapshot,
	})
}

func (h *IngestHandler) fail(w http.ResponseWriter, start time.Time, reason string, status int, message string) {
	metrics.IncIngestError(reason)
	metrics.ObserveIngest(metrics.ResultError, time.Since(start))
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// ingestRequest accepts the field names of both controller firmware generations.
type ingestRequest struct {
	MachineID  json.RawMessage `json:"machine_id"`
	DeviceID   json.RawMessage `json:"device_id"`
	Timestamp  json.RawMessage `json:"timestamp"`
	EventType  string          `json:"event_type"`
	EventKind  string          `json:"event_kind"`
	Value      json.RawMessage `json:"value"`
	Meta       json.RawMessage `json:"meta"`
	Annotation json.RawMessage `json:"annotation"`
}

// toEvent rejects only a missing or invalid device id; other fields fall back to defaults.
func (r ingestRequest) toEvent(now time.Time, warnf func(format string, args ...any)) (machineapp.Event, error) {
	rawID := r.DeviceID
	if isAbsent(rawID) {
		rawID = r.MachineID
	}
	id, err := parseID(rawID)
	if err != nil {
		return machineapp.Event{}, err
	}
	at, ok := parseTimestamp(r.Timestamp)
	if !ok {
		if !isAbsent(r.Timestamp) {
			warnf("device ingest: device=%d unreadable timestamp %s, using receive time", id, r.Timestamp)
		}
		at = now.UTC()
	}
	kind := r.EventKind
	if kind == "" {
		kind = r.EventType
	}
	annotation := r.Annotation
	if isAbsent(annotation) {
		annotation = r.Meta
	}
	return machineapp.Event{
		DeviceID:   id,
		At:         at,
		Kind:       telemetry.EventKind(strings.TrimSpace(kind)),
		Value:      parseValue(r.Value),
		Annotation: parseAnnotation(annotation),
	}, nil
}

func isAbsent(raw json.RawMessage) bool {
	text := strings.TrimSpace(string(raw))
	return text == "" || text == "null"
}

func parseID(raw json.RawMessage) (int64, error) {
	if isAbsent(raw) {
		return 0, errors.New("missing device_id")
	}
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	id, err := strconv.ParseInt(text, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid device_id")
	}
	return id, nil
}

// parseValue never rejects: anything but a JSON number counts as zero.
func parseValue(raw json.RawMessage) int64 {
	text := strings.TrimSpace(string(raw))
	if text == "" || strings.HasPrefix(text, `"`) {
		return 0
	}
	value, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	if value > math.MaxInt64 || value < math.MinInt64 {
		return 0
	}
	return int64(value)
}

// timestampLayouts are tried in order; layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp reads RFC3339, zone-less ISO dates or epoch seconds/milliseconds.
// It reports false when the field is absent or unreadable.
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	if isAbsent(raw) {
		return time.Time{}, false
	}
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, `"`) {
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return time.Time{}, false
		}
		value = strings.TrimSpace(value)
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, value); err == nil {
				return ts.UTC(), true
			}
		}
		return time.Time{}, false
	}
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil || value <= 0 {
		return time.Time{}, false
	}
	// Accept milliseconds or seconds.
	if value > 1_000_000_000_000 {
		return time.UnixMilli(value).UTC(), true
	}
	return time.Unix(value, 0).UTC(), true
}

func parseAnnotation(raw json.RawMessage) string {
	if isAbsent(raw) {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return ""
	}
	return compact.String()
}
