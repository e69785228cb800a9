package rollup

import (
	"context"
	"math"
	"sort"
	"time"
)

// Key identifies one hour bucket. MaterialID 0 means no material was assigned.
type Key struct {
	DeviceID   int64
	Hour       time.Time
	MaterialID int64
}

// NewKey builds the bucket key for an event at the given time.
func NewKey(deviceID int64, at time.Time, materialID int64) Key {
	return Key{DeviceID: deviceID, Hour: TruncateToHour(at), MaterialID: materialID}
}

// Equal compares keys by instant rather than by time.Time representation.
func (k Key) Equal(other Key) bool {
	return k.DeviceID == other.DeviceID && k.MaterialID == other.MaterialID && k.Hour.Equal(other.Hour)
}

// Validate checks the key can address a bucket.
func (k Key) Validate() error {
	if k.DeviceID <= 0 || k.Hour.IsZero() || k.MaterialID < 0 {
		return ErrInvalidKey
	}
	if !k.Hour.Equal(TruncateToHour(k.Hour)) {
		return ErrInvalidKey
	}
	return nil
}

// Contribution is the delta one event (or one compacted hour) adds to a bucket.
type Contribution struct {
	Key      Key
	Pulses   int64
	Units    float64
	Uptime   int64
	Downtime int64
}

// Record is a rollup row. Hour rows come from storage; day and week rows are re-bucketed sums.
type Record struct {
	DeviceID    int64       `json:"device_id"`
	MaterialID  int64       `json:"material_id"`
	Granularity Granularity `json:"granularity"`
	Start       time.Time   `json:"time"`
	Label       string      `json:"label"`
	TotalPulses int64       `json:"total_pulses"`
	TotalUnits  float64     `json:"total_units"`
	Uptime      int64       `json:"uptime"`
	Downtime    int64       `json:"downtime"`
}

// NewRecord creates an hour record from the first contribution to a bucket.
func NewRecord(c Contribution) Record {
	rec := Record{
		DeviceID:    c.Key.DeviceID,
		MaterialID:  c.Key.MaterialID,
		Granularity: GranularityHour,
		Start:       c.Key.Hour.UTC(),
		Label:       BucketLabel(c.Key.Hour, GranularityHour),
	}
	rec.add(c.Pulses, c.Units, c.Uptime, c.Downtime)
	return rec
}

// Key returns the hour bucket key of the record.
func (r Record) Key() Key {
	return Key{DeviceID: r.DeviceID, Hour: r.Start.UTC(), MaterialID: r.MaterialID}
}

// Merge sums a contribution into the record.
func (r *Record) Merge(c Contribution) error {
	if r.Granularity != GranularityHour || !r.Key().Equal(c.Key) {
		return ErrInconsistent
	}
	r.add(c.Pulses, c.Units, c.Uptime, c.Downtime)
	return nil
}

func (r *Record) add(pulses int64, units float64, uptime, downtime int64) {
	r.TotalPulses += pulses
	r.TotalUnits = RoundUnits(r.TotalUnits + units)
	r.Uptime += uptime
	r.Downtime += downtime
}

// RoundUnits rounds a unit total to two decimals.
func RoundUnits(value float64) float64 {
	return math.Round(value*100) / 100
}

// Filter narrows a rollup query. Nil fields are unconstrained; Start and End bound the
// hour start inclusively.
type Filter struct {
	DeviceID    *int64
	MaterialID  *int64
	Start       *time.Time
	End         *time.Time
	Granularity Granularity
	Sort        string
}

// Matches reports whether an hour record passes the filter.
func (f Filter) Matches(r Record) bool {
	if f.DeviceID != nil && r.DeviceID != *f.DeviceID {
		return false
	}
	if f.MaterialID != nil && r.MaterialID != *f.MaterialID {
		return false
	}
	if f.Start != nil && r.Start.Before(f.Start.UTC()) {
		return false
	}
	if f.End != nil && r.Start.After(f.End.UTC()) {
		return false
	}
	return true
}

// Rebucket groups hour records into the requested granularity by summing the sums.
func Rebucket(hours []Record, g Granularity) ([]Record, error) {
	if !g.IsValid() {
		return nil, ErrInvalidGranularity
	}
	if g == GranularityHour {
		out := make([]Record, len(hours))
		copy(out, hours)
		return out, nil
	}

	type groupKey struct {
		device   int64
		start    time.Time
		material int64
	}
	groups := make(map[groupKey]*Record)
	order := make([]groupKey, 0)
	for _, hour := range hours {
		start, err := BucketStart(hour.Start, g)
		if err != nil {
			return nil, err
		}
		key := groupKey{device: hour.DeviceID, start: start, material: hour.MaterialID}
		rec, ok := groups[key]
		if !ok {
			rec = &Record{
				DeviceID:    hour.DeviceID,
				MaterialID:  hour.MaterialID,
				Granularity: g,
				Start:       start,
				Label:       BucketLabel(start, g),
			}
			groups[key] = rec
			order = append(order, key)
		}
		rec.add(hour.TotalPulses, hour.TotalUnits, hour.Uptime, hour.Downtime)
	}

	out := make([]Record, 0, len(order))
	for _, key := range order {
		out = append(out, *groups[key])
	}
	return out, nil
}

// SortFields lists the columns a query may sort by.
var SortFields = []string{"time", "material_id", "device_id", "total_pulses", "total_units"}

// NormalizeSort validates a sort column; empty means time.
func NormalizeSort(field string) (string, error) {
	if field == "" {
		return "time", nil
	}
	for _, allowed := range SortFields {
		if field == allowed {
			return field, nil
		}
	}
	return "", ErrInvalidSort
}

// SortRecords orders records descending by the given column, ties by time descending.
func SortRecords(records []Record, field string) error {
	field, err := NormalizeSort(field)
	if err != nil {
		return err
	}
	less := func(a, b Record) bool {
		switch field {
		case "material_id":
			if a.MaterialID != b.MaterialID {
				return a.MaterialID > b.MaterialID
			}
		case "device_id":
			if a.DeviceID != b.DeviceID {
				return a.DeviceID > b.DeviceID
			}
		case "total_pulses":
			if a.TotalPulses != b.TotalPulses {
				return a.TotalPulses > b.TotalPulses
			}
		case "total_units":
			if a.TotalUnits != b.TotalUnits {
				return a.TotalUnits > b.TotalUnits
			}
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.After(b.Start)
		}
		if a.DeviceID != b.DeviceID {
			return a.DeviceID < b.DeviceID
		}
		return a.MaterialID < b.MaterialID
	}
	sort.SliceStable(records, func(i, j int) bool { return less(records[i], records[j]) })
	return nil
}

// Marker records that a device hour of raw events has been folded into the rollup.
// Every raw event of the hour with an ID up to MaxEventID is covered.
type Marker struct {
	DeviceID    int64
	Hour        time.Time
	Events      int
	MaxEventID  int64
	CompletedAt time.Time
}

// Covers reports whether the marker already accounts for the raw event id.
func (m Marker) Covers(eventID int64) bool {
	return eventID <= m.MaxEventID
}

// Store is the rollup aggregator storage.
type Store interface {
	// Contribute merges the delta into its bucket, creating the bucket on first use.
	// It is not idempotent: contributing twice counts twice.
	Contribute(ctx context.Context, c Contribution) error
	// Query returns hour records matching the filter.
	Query(ctx context.Context, f Filter) ([]Record, error)
}

// CompactionStore commits folded raw hours.
type CompactionStore interface {
	// CommitCompaction applies the contributions and stores the marker atomically,
	// replacing an older marker of the same hour. It returns ErrAlreadyCompacted
	// without changes when the stored marker already covers marker.MaxEventID.
	CommitCompaction(ctx context.Context, marker Marker, contributions []Contribution) error
	// CompactionMarker returns the stored marker of the device hour.
	CompactionMarker(ctx context.Context, deviceID int64, hour time.Time) (Marker, bool, error)
}
