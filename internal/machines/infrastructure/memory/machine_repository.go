package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	machines "loomwatch/internal/machines/domain"
)

// MachineRepository is an in-memory machine store for demo/testing.
type MachineRepository struct {
	mu   sync.RWMutex
	data map[int64]machines.Machine
}

// NewMachineRepository constructs a repository.
func NewMachineRepository() *MachineRepository {
	return &MachineRepository{data: make(map[int64]machines.Machine)}
}

// Get returns a copy of the machine.
func (r *MachineRepository) Get(ctx context.Context, id int64) (*machines.Machine, error) {
	_ = ctx
	if id <= 0 {
		return nil, machines.ErrInvalidID
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.data[id]
	if !ok {
		return nil, machines.ErrNotFound
	}
	return &m, nil
}

// List returns all machines ordered by id.
func (r *MachineRepository) List(ctx context.Context) ([]machines.Machine, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]machines.Machine, 0, len(r.data))
	for _, m := range r.data {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Create registers a machine. Re-creating an existing id replaces it.
func (r *MachineRepository) Create(ctx context.Context, machine *machines.Machine) error {
	_ = ctx
	if machine == nil {
		return errors.New("memory machine repo: nil machine")
	}
	if machine.ID <= 0 {
		return machines.ErrInvalidID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[machine.ID] = *machine
	return nil
}

// Update applies the patch under the write lock.
func (r *MachineRepository) Update(ctx context.Context, id int64, patch machines.Patch) error {
	_ = ctx
	if patch.IsEmpty() {
		return machines.ErrEmptyPatch
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.data[id]
	if !ok {
		return machines.ErrNotFound
	}
	patch.ApplyTo(&m)
	r.data[id] = m
	return nil
}
