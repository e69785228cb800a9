package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	rollup "loomwatch/internal/rollup/domain"
)

type markerKey struct {
	device int64
	hour   int64
}

type bucketKey struct {
	device   int64
	hour     int64
	material int64
}

// RollupRepository is an in-memory rollup store for demo/testing.
type RollupRepository struct {
	mu      sync.RWMutex
	records map[bucketKey]rollup.Record
	markers map[markerKey]rollup.Marker
}

// NewRollupRepository constructs a repository.
func NewRollupRepository() *RollupRepository {
	return &RollupRepository{
		records: make(map[bucketKey]rollup.Record),
		markers: make(map[markerKey]rollup.Marker),
	}
}

// Contribute merges the delta into its hour bucket.
func (r *RollupRepository) Contribute(ctx context.Context, c rollup.Contribution) error {
	_ = ctx
	if err := c.Key.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contributeLocked(c)
}

// Query returns hour records matching the filter ordered by hour then device and material.
func (r *RollupRepository) Query(ctx context.Context, f rollup.Filter) ([]rollup.Record, error) {
	_ = ctx
	r.mu.RLock()
	out := make([]rollup.Record, 0)
	for _, rec := range r.records {
		if f.Matches(rec) {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].MaterialID < out[j].MaterialID
	})
	return out, nil
}

// CommitCompaction applies all contributions and the marker under one lock.
func (r *RollupRepository) CommitCompaction(ctx context.Context, marker rollup.Marker, contributions []rollup.Contribution) error {
	_ = ctx
	if marker.DeviceID <= 0 || marker.Hour.IsZero() {
		return rollup.ErrInvalidKey
	}
	for _, c := range contributions {
		if err := c.Key.Validate(); err != nil {
			return err
		}
	}

	mk := markerKey{device: marker.DeviceID, hour: rollup.TruncateToHour(marker.Hour).Unix()}
	r.mu.Lock()
	defer r.mu.Unlock()
	if stored, ok := r.markers[mk]; ok && stored.Covers(marker.MaxEventID) {
		return rollup.ErrAlreadyCompacted
	}
	for _, c := range contributions {
		if err := r.contributeLocked(c); err != nil {
			return err
		}
	}
	marker.Hour = rollup.TruncateToHour(marker.Hour)
	r.markers[mk] = marker
	return nil
}

// CompactionMarker returns the marker of the device hour.
func (r *RollupRepository) CompactionMarker(ctx context.Context, deviceID int64, hour time.Time) (rollup.Marker, bool, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	marker, ok := r.markers[markerKey{device: deviceID, hour: rollup.TruncateToHour(hour).Unix()}]
	return marker, ok, nil
}

func (r *RollupRepository) contributeLocked(c rollup.Contribution) error {
	key := bucketKey{device: c.Key.DeviceID, hour: c.Key.Hour.Unix(), material: c.Key.MaterialID}
	rec, ok := r.records[key]
	if !ok {
		r.records[key] = rollup.NewRecord(c)
		return nil
	}
	if err := rec.Merge(c); err != nil {
		return err
	}
	r.records[key] = rec
	return nil
}
