package machines

import (
	"context"
	"time"
)

// Repository is the storage surface for machines.
type Repository interface {
	Get(ctx context.Context, id int64) (*Machine, error)
	List(ctx context.Context) ([]Machine, error)
	Create(ctx context.Context, machine *Machine) error
	// Update applies a partial update atomically; fields left nil are untouched.
	Update(ctx context.Context, id int64, patch Patch) error
}

// Patch is a partial machine update.
type Patch struct {
	Name           *string
	Address        *string
	Status         *Status
	Phase          *Phase
	MaterialID     *int64
	DailyPulses    *int64
	MaterialPulses *int64
	DailyUnits     *float64
	Uptime         *int64
	Downtime       *int64
	LastActive     *time.Time
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Name == nil && p.Address == nil && p.Status == nil && p.Phase == nil &&
		p.MaterialID == nil && p.DailyPulses == nil && p.MaterialPulses == nil &&
		p.DailyUnits == nil && p.Uptime == nil && p.Downtime == nil && p.LastActive == nil
}

// ApplyTo copies the set fields onto machine.
func (p Patch) ApplyTo(machine *Machine) {
	if machine == nil {
		return
	}
	if p.Name != nil {
		machine.Name = *p.Name
	}
	if p.Address != nil {
		machine.Address = *p.Address
	}
	if p.Status != nil {
		machine.Status = *p.Status
	}
	if p.Phase != nil {
		machine.Phase = *p.Phase
	}
	if p.MaterialID != nil {
		machine.MaterialID = *p.MaterialID
	}
	if p.DailyPulses != nil {
		machine.DailyPulses = *p.DailyPulses
	}
	if p.MaterialPulses != nil {
		machine.MaterialPulses = *p.MaterialPulses
	}
	if p.DailyUnits != nil {
		machine.DailyUnits = *p.DailyUnits
	}
	if p.Uptime != nil {
		machine.Uptime = *p.Uptime
	}
	if p.Downtime != nil {
		machine.Downtime = *p.Downtime
	}
	if p.LastActive != nil {
		machine.LastActive = p.LastActive.UTC()
	}
}

// CountersPatch captures the fields an ingested event changes.
// Name, address and material are left out so concurrent edits to them survive.
func CountersPatch(m Machine) Patch {
	status := m.Status
	phase := m.Phase
	daily := m.DailyPulses
	material := m.MaterialPulses
	units := m.DailyUnits
	uptime := m.Uptime
	downtime := m.Downtime
	patch := Patch{
		Status:         &status,
		Phase:          &phase,
		DailyPulses:    &daily,
		MaterialPulses: &material,
		DailyUnits:     &units,
		Uptime:         &uptime,
		Downtime:       &downtime,
	}
	if !m.LastActive.IsZero() {
		at := m.LastActive.UTC()
		patch.LastActive = &at
	}
	return patch
}

// DailyResetPatch zeroes the per-day counters.
func DailyResetPatch() Patch {
	var zero int64
	var zeroUnits float64
	daily, uptime, downtime := zero, zero, zero
	return Patch{
		DailyPulses: &daily,
		DailyUnits:  &zeroUnits,
		Uptime:      &uptime,
		Downtime:    &downtime,
	}
}

// MaterialPatch switches the active material and restarts its counter.
func MaterialPatch(materialID int64) Patch {
	var zero int64
	id := materialID
	return Patch{MaterialID: &id, MaterialPulses: &zero}
}
