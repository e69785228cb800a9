package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"loomwatch/internal/audit"
	catalog "loomwatch/internal/catalog/domain"
	catalogmemory "loomwatch/internal/catalog/infrastructure/memory"
	machineapp "loomwatch/internal/machines/application"
	machines "loomwatch/internal/machines/domain"
	machinememory "loomwatch/internal/machines/infrastructure/memory"
	rollupmemory "loomwatch/internal/rollup/infrastructure/memory"
	telemetrymemory "loomwatch/internal/telemetry/infrastructure/memory"
)

func newTestHandler(t *testing.T, opts ...HandlerOption) (*Handler, *machinememory.MachineRepository) {
	t.Helper()
	repo := machinememory.NewMachineRepository()
	for _, m := range []machines.Machine{
		{ID: 1, Name: "Loom 1", Address: "10.0.0.1", MaterialID: 7, MaterialPulses: 300},
		{ID: 2, Name: "Loom 2", Address: "10.0.0.2"},
	} {
		m := m
		if err := repo.Create(context.Background(), &m); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	materials := catalogmemory.NewCatalog(
		catalog.Material{ID: 7, Name: "Twill", PulsesPerUnit: 1300},
		catalog.Material{ID: 8, Name: "Satin", PulsesPerUnit: 900},
	)
	service, err := machineapp.NewIngestService(
		telemetrymemory.NewRawEventRepository(),
		repo,
		materials,
		rollupmemory.NewRollupRepository(),
		nil,
	)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	h, err := NewHandler(service, opts...)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return h, repo
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListMachines(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := do(h, http.MethodGet, "/api/machines", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list []machines.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 || list[0].ID != 1 || list[1].MaterialID != nil {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestDevices(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := do(h, http.MethodGet, "/api/devices", "")
	var resp struct {
		Success bool         `json:"success"`
		Devices []deviceView `json:"devices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || len(resp.Devices) != 2 || resp.Devices[1].IP != "10.0.0.2" {
		t.Fatalf("unexpected devices: %+v", resp)
	}
}

func TestGetMachine(t *testing.T) {
	h, _ := newTestHandler(t)
	if rec := do(h, http.MethodGet, "/api/machines/1", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/api/machines/99", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/api/machines/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRenameMachine(t *testing.T) {
	h, repo := newTestHandler(t)
	rec := do(h, http.MethodPut, "/api/machines/2/name", `{"name":"  North wall  ","ip":"ignored"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	m, _ := repo.Get(context.Background(), 2)
	if m.Name != "North wall" || m.Address != "10.0.0.2" {
		t.Fatalf("unexpected machine: %+v", m)
	}

	if rec := do(h, http.MethodPut, "/api/machines/2", `{"ip":"10.0.0.20"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	m, _ = repo.Get(context.Background(), 2)
	if m.Address != "10.0.0.20" {
		t.Fatalf("address not updated: %+v", m)
	}

	if rec := do(h, http.MethodPut, "/api/machines/2/name", `{"name":"   "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank name, got %d", rec.Code)
	}
	if rec := do(h, http.MethodPut, "/api/machines/2", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty patch, got %d", rec.Code)
	}
}

func TestSetMaterial(t *testing.T) {
	h, repo := newTestHandler(t)
	rec := do(h, http.MethodPut, "/api/machines/1/material", `{"material_id":8}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	m, _ := repo.Get(context.Background(), 1)
	if m.MaterialID != 8 || m.MaterialPulses != 0 {
		t.Fatalf("unexpected machine: %+v", m)
	}

	if rec := do(h, http.MethodPut, "/api/machines/1/fabric", `{"article_number":7}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for article_number, got %d", rec.Code)
	}
	if rec := do(h, http.MethodPut, "/api/machines/1/material", `{"material_id":99}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown material, got %d", rec.Code)
	}
	if rec := do(h, http.MethodPut, "/api/machines/1/material", `{"material_id":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric material, got %d", rec.Code)
	}
	if rec := do(h, http.MethodPut, "/api/machines/1/material", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without material, got %d", rec.Code)
	}
}

type recordingAudit struct {
	entries []audit.Entry
}

func (r *recordingAudit) Log(_ context.Context, entry audit.Entry) error {
	r.entries = append(r.entries, entry)
	return nil
}

func TestWritesAreAudited(t *testing.T) {
	recorder := &recordingAudit{}
	h, _ := newTestHandler(t, WithAuditLogger(recorder))

	if rec := do(h, http.MethodPut, "/api/machines/2/material", `{"material_id":8}`); rec.Code != http.StatusOK {
		t.Fatalf("set material: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(h, http.MethodPut, "/api/machines/99/name", `{"name":"Ghost"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	if len(recorder.entries) != 1 {
		t.Fatalf("expected only the successful write audited, got %+v", recorder.entries)
	}
	entry := recorder.entries[0]
	if entry.Action != "machine.set_material" || entry.ResourceID != "2" || string(entry.Metadata) != `{"material_id":8}` {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}
