package memory

import (
	"context"
	"sort"
	"sync"

	catalog "loomwatch/internal/catalog/domain"
)

// Catalog is an in-memory material catalog. Imports replace it wholesale.
type Catalog struct {
	mu   sync.RWMutex
	data map[int64]catalog.Material
}

// NewCatalog constructs a catalog seeded with the given materials.
func NewCatalog(materials ...catalog.Material) *Catalog {
	c := &Catalog{data: make(map[int64]catalog.Material)}
	for _, m := range materials {
		c.data[m.ID] = m
	}
	return c
}

// Lookup returns a copy of the material.
func (c *Catalog) Lookup(ctx context.Context, id int64) (*catalog.Material, error) {
	_ = ctx
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.data[id]
	if !ok {
		return nil, catalog.ErrMaterialNotFound
	}
	return &m, nil
}

// List returns all materials ordered by id.
func (c *Catalog) List(ctx context.Context) ([]catalog.Material, error) {
	_ = ctx
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]catalog.Material, 0, len(c.data))
	for _, m := range c.data {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Upsert inserts or replaces one material.
func (c *Catalog) Upsert(ctx context.Context, material catalog.Material) error {
	_ = ctx
	if err := material.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[material.ID] = material
	return nil
}

// Replace swaps the whole catalog. Invalid rows reject the batch.
func (c *Catalog) Replace(ctx context.Context, materials []catalog.Material) error {
	_ = ctx
	next := make(map[int64]catalog.Material, len(materials))
	for _, m := range materials {
		if err := m.Validate(); err != nil {
			return err
		}
		next[m.ID] = m
	}
	c.mu.Lock()
	c.data = next
	c.mu.Unlock()
	return nil
}
