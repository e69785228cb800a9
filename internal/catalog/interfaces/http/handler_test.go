package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	catalog "loomwatch/internal/catalog/domain"
	catalogmemory "loomwatch/internal/catalog/infrastructure/memory"
)

func TestMaterialsHandler(t *testing.T) {
	store := catalogmemory.NewCatalog(
		catalog.Material{ID: 8, Name: "Satin", PulsesPerUnit: 900},
		catalog.Material{ID: 7, Name: "Twill", PulsesPerUnit: 1300},
	)
	h, err := NewHandler(store, nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/materials", nil))
	var list []catalog.Material
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 || list[0].ID != 7 {
		t.Fatalf("expected materials sorted by id, got %+v", list)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/materials/8", nil))
	var one catalog.Material
	if err := json.Unmarshal(rec.Body.Bytes(), &one); err != nil || one.Name != "Satin" {
		t.Fatalf("unexpected material: %+v %v", one, err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/materials/99", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/materials", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
