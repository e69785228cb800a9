package machines

import "time"

// Status is the operating state shown for a machine.
type Status int

const (
	StatusIdle    Status = 0
	StatusActive  Status = 1
	StatusOffline Status = 2
	StatusDone    Status = 3
)

// String returns the display name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusActive:
		return "active"
	case StatusOffline:
		return "offline"
	case StatusDone:
		return "done"
	default:
		return "unknown"
	}
}

// IsValid reports whether the status is known.
func (s Status) IsValid() bool {
	return s >= StatusIdle && s <= StatusDone
}

// Phase refines an Idle status.
type Phase string

const (
	PhaseNone Phase = ""
	// PhaseStopped is the transitional "just stopped" sub-state.
	PhaseStopped Phase = "stopped"
	// PhaseStalled means recently active but currently not producing.
	PhaseStalled Phase = "stalled"
)

// Machine is the mutable per-device aggregate.
type Machine struct {
	ID             int64
	Name           string
	Address        string
	Status         Status
	Phase          Phase
	MaterialID     int64
	DailyPulses    int64
	MaterialPulses int64
	DailyUnits     float64
	Uptime         int64
	Downtime       int64
	LastActive     time.Time
}

// HasMaterial reports whether an active material is assigned.
func (m Machine) HasMaterial() bool {
	return m.MaterialID > 0
}

// ResetDaily zeroes the counters scoped to a calendar day.
func (m *Machine) ResetDaily() {
	m.DailyPulses = 0
	m.DailyUnits = 0
	m.Uptime = 0
	m.Downtime = 0
}

// AssignMaterial switches the active material and restarts the material counter.
func (m *Machine) AssignMaterial(materialID int64) {
	m.MaterialID = materialID
	m.MaterialPulses = 0
}

// Advance folds one classified event into the counters.
// Daily counters restart when the event falls on a later UTC day than the last activity.
// An event older than the last activity never resets counters or moves LastActive back.
func (m *Machine) Advance(at time.Time, increment int64, units float64, result Classification) {
	late := !m.LastActive.IsZero() && at.Before(m.LastActive)
	if !late && !sameDay(m.LastActive, at) {
		m.ResetDaily()
	}
	m.Status = result.Status
	m.Phase = result.Phase
	m.DailyPulses += increment
	m.MaterialPulses += increment
	m.DailyUnits = RoundUnits(m.DailyUnits + units)
	m.Uptime += result.UptimeDelta
	m.Downtime += result.DowntimeDelta
	if !late {
		m.LastActive = at.UTC()
	}
}

// Snapshot returns the published view of the machine.
func (m Machine) Snapshot() Snapshot {
	snap := Snapshot{
		ID:             m.ID,
		Name:           m.Name,
		Address:        m.Address,
		Status:         int(m.Status),
		StatusName:     m.Status.String(),
		Phase:          string(m.Phase),
		DailyPulses:    m.DailyPulses,
		MaterialPulses: m.MaterialPulses,
		DailyUnits:     m.DailyUnits,
		Uptime:         m.Uptime,
		Downtime:       m.Downtime,
	}
	if m.HasMaterial() {
		id := m.MaterialID
		snap.MaterialID = &id
	}
	if !m.LastActive.IsZero() {
		at := m.LastActive.UTC()
		snap.LastActive = &at
	}
	return snap
}

// Snapshot is the machine state published to observers and returned by the API.
type Snapshot struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Address        string     `json:"ip"`
	Status         int        `json:"status"`
	StatusName     string     `json:"status_name"`
	Phase          string     `json:"phase,omitempty"`
	MaterialID     *int64     `json:"material_id"`
	DailyPulses    int64      `json:"daily_pulses"`
	MaterialPulses int64      `json:"material_pulses"`
	DailyUnits     float64    `json:"daily_units"`
	Uptime         int64      `json:"uptime"`
	Downtime       int64      `json:"downtime"`
	LastActive     *time.Time `json:"last_active"`
}

func sameDay(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	a = a.UTC()
	b = b.UTC()
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
