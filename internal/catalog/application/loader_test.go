package application

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	catalog "loomwatch/internal/catalog/domain"
	catalogmemory "loomwatch/internal/catalog/infrastructure/memory"
)

type stubBroadcaster struct {
	ch chan any
}

func (b *stubBroadcaster) Broadcast(msgType string, data any) {
	if msgType != "material_update" {
		return
	}
	select {
	case b.ch <- data:
	default:
	}
}

func TestLoadFileReplacesCatalog(t *testing.T) {
	ctx := context.Background()
	target := catalogmemory.NewCatalog(catalog.Material{ID: 1, PulsesPerUnit: 10})
	broadcaster := &stubBroadcaster{ch: make(chan any, 1)}
	read := func(string) ([]catalog.Material, error) {
		return []catalog.Material{{ID: 7, Name: "Twill", PulsesPerUnit: 1300}}, nil
	}
	loader, err := NewLoader(read, nil, []Replacer{target}, WithBroadcaster(broadcaster))
	if err != nil {
		t.Fatalf("loader: %v", err)
	}

	count, err := loader.LoadFile(ctx, "catalog.xlsx")
	if err != nil || count != 1 {
		t.Fatalf("load: %d %v", count, err)
	}
	if _, err := target.Lookup(ctx, 1); !errors.Is(err, catalog.ErrMaterialNotFound) {
		t.Fatalf("old entries must be gone, got %v", err)
	}
	if m, err := target.Lookup(ctx, 7); err != nil || m.PulsesPerUnit != 1300 {
		t.Fatalf("unexpected lookup: %+v %v", m, err)
	}
	select {
	case <-broadcaster.ch:
	default:
		t.Fatalf("expected a material_update broadcast")
	}
}

func TestLoadFileKeepsCatalogOnParseError(t *testing.T) {
	ctx := context.Background()
	target := catalogmemory.NewCatalog(catalog.Material{ID: 1, PulsesPerUnit: 10})
	read := func(string) ([]catalog.Material, error) {
		return nil, catalog.ErrInvalidMaterial
	}
	loader, err := NewLoader(read, nil, []Replacer{target})
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	if _, err := loader.LoadFile(ctx, "broken.xlsx"); !errors.Is(err, catalog.ErrInvalidMaterial) {
		t.Fatalf("expected parse error, got %v", err)
	}
	if _, err := target.Lookup(ctx, 1); err != nil {
		t.Fatalf("catalog must be unchanged: %v", err)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.xlsx")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	target := catalogmemory.NewCatalog()
	broadcaster := &stubBroadcaster{ch: make(chan any, 1)}
	read := func(string) ([]catalog.Material, error) {
		return []catalog.Material{{ID: 3, PulsesPerUnit: 500}}, nil
	}
	loader, err := NewLoader(read, nil, []Replacer{target}, WithBroadcaster(broadcaster))
	if err != nil {
		t.Fatalf("loader: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loader.Watch(ctx, path) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for reloaded := false; !reloaded; {
		select {
		case <-broadcaster.ch:
			reloaded = true
		case <-tick.C:
			_ = os.WriteFile(path, []byte("v2"), 0o644)
		case <-deadline:
			t.Fatalf("catalog was not reloaded")
		}
	}
	if _, err := target.Lookup(context.Background(), 3); err != nil {
		t.Fatalf("expected reloaded material: %v", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch: %v", err)
	}
}
