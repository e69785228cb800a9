package catalog

import (
	"context"
	"errors"
)

var (
	// ErrMaterialNotFound is returned when a material id is not in the catalog.
	ErrMaterialNotFound = errors.New("catalog: material not found")
	// ErrInvalidMaterial is returned when a material row cannot be used.
	ErrInvalidMaterial = errors.New("catalog: invalid material")
)

// Material is a fabric catalog entry.
type Material struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Pattern       string  `json:"pattern,omitempty"`
	Color         string  `json:"color,omitempty"`
	Width         float64 `json:"width,omitempty"`
	PulsesPerUnit float64 `json:"pulses_per_unit"`
}

// Validate checks the fields the engine depends on.
func (m Material) Validate() error {
	if m.ID <= 0 {
		return ErrInvalidMaterial
	}
	if m.PulsesPerUnit < 0 {
		return ErrInvalidMaterial
	}
	return nil
}

// Catalog resolves materials by id.
type Catalog interface {
	Lookup(ctx context.Context, id int64) (*Material, error)
}

// Lister returns every catalog entry.
type Lister interface {
	List(ctx context.Context) ([]Material, error)
}
