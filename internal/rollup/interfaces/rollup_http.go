package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	catalog "loomwatch/internal/catalog/domain"
	"loomwatch/internal/observability/metrics"
	rollup "loomwatch/internal/rollup/domain"
)

// Querier answers rollup queries.
type Querier interface {
	Query(ctx context.Context, f rollup.Filter) ([]rollup.Record, error)
}

// RollupHandler serves /api/v1/rollups, its exports and the legacy /api/longtime-storage path.
type RollupHandler struct {
	service   Querier
	materials catalog.Lister
	logger    *log.Logger
}

// NewRollupHandler constructs a handler. materials may be nil; exports then show material ids only.
func NewRollupHandler(service Querier, materials catalog.Lister, logger *log.Logger) (*RollupHandler, error) {
	if service == nil {
		return nil, errors.New("rollup handler: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RollupHandler{service: service, materials: materials, logger: logger}, nil
}

// ServeHTTP routes rollup requests.
func (h *RollupHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch r.URL.Path {
	case "/api/v1/rollups", "/api/longtime-storage":
		h.handleQuery(w, r)
	case "/api/v1/rollups/export.xlsx":
		h.handleExport(w, r, "xlsx")
	case "/api/v1/rollups/export.pdf":
		h.handleExport(w, r, "pdf")
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *RollupHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, err := h.service.Query(r.Context(), filter)
	if err != nil {
		respondQueryError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

func (h *RollupHandler) handleExport(w http.ResponseWriter, r *http.Request, format string) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveRollupExport(format, result, time.Since(start))
	}()

	filter, err := parseFilter(r)
	if err != nil {
		result = metrics.ResultError
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, err := h.service.Query(r.Context(), filter)
	if err != nil {
		result = metrics.ResultError
		respondQueryError(w, err)
		return
	}
	report := Report{
		Granularity:   filter.Granularity,
		GeneratedAt:   time.Now().UTC(),
		Records:       records,
		MaterialNames: h.materialNames(r.Context()),
	}

	var (
		body        []byte
		contentType string
	)
	switch format {
	case "pdf":
		body, err = BuildRollupPDF(report)
		contentType = "application/pdf"
	default:
		body, err = BuildRollupXLSX(report)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if err != nil {
		result = metrics.ResultError
		h.logger.Printf("rollup export: format=%s err=%v", format, err)
		http.Error(w, "export "+format+" error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\"rollup-"+strings.ToLower(string(report.Granularity))+"."+format+"\"")
	_, _ = w.Write(body)
}

func (h *RollupHandler) materialNames(ctx context.Context) map[int64]string {
	if h.materials == nil {
		return nil
	}
	list, err := h.materials.List(ctx)
	if err != nil {
		h.logger.Printf("rollup export: material names unavailable: %v", err)
		return nil
	}
	names := make(map[int64]string, len(list))
	for _, m := range list {
		names[m.ID] = m.Name
	}
	return names
}

func respondQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rollup.ErrInvalidGranularity),
		errors.Is(err, rollup.ErrInvalidSort),
		errors.Is(err, rollup.ErrInvalidRange):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "rollup query error", http.StatusInternalServerError)
	}
}

// parseFilter reads device_id (or machine_id), material_id (or fabric_id), start, end,
// granularity and sort from the query string.
func parseFilter(r *http.Request) (rollup.Filter, error) {
	q := r.URL.Query()
	var f rollup.Filter

	device, err := parseOptionalID(q.Get("device_id"), q.Get("machine_id"), "device_id")
	if err != nil {
		return f, err
	}
	f.DeviceID = device
	material, err := parseOptionalID(q.Get("material_id"), q.Get("fabric_id"), "material_id")
	if err != nil {
		return f, err
	}
	f.MaterialID = material

	if value := q.Get("start"); value != "" {
		start, err := parseTimeParam(value, false)
		if err != nil {
			return f, errors.New("start must be RFC3339 or YYYY-MM-DD")
		}
		f.Start = &start
	}
	if value := q.Get("end"); value != "" {
		end, err := parseTimeParam(value, true)
		if err != nil {
			return f, errors.New("end must be RFC3339 or YYYY-MM-DD")
		}
		f.End = &end
	}

	granularity, err := rollup.ParseGranularity(q.Get("granularity"))
	if err != nil {
		return f, err
	}
	f.Granularity = granularity
	f.Sort = strings.TrimSpace(q.Get("sort"))
	return f, nil
}

func parseOptionalID(primary, alias, name string) (*int64, error) {
	value := strings.TrimSpace(primary)
	if value == "" {
		value = strings.TrimSpace(alias)
	}
	if value == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id < 0 {
		return nil, errors.New(name + " must be a non-negative integer")
	}
	return &id, nil
}

// parseTimeParam accepts RFC3339 or a bare date. A bare end date covers the whole day.
func parseTimeParam(value string, endOfDay bool) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	day, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		return day.Add(24*time.Hour - time.Nanosecond), nil
	}
	return day, nil
}
