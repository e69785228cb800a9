package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	telemetry "loomwatch/internal/telemetry/domain"
)

// RawEventRepository is an in-memory raw event log for demo/testing.
type RawEventRepository struct {
	mu     sync.RWMutex
	nextID int64
	data   map[int64][]telemetry.RawEvent
}

// NewRawEventRepository constructs a repository.
func NewRawEventRepository() *RawEventRepository {
	return &RawEventRepository{data: make(map[int64][]telemetry.RawEvent)}
}

// Append stores the event keeping each device slice ordered by timestamp.
func (r *RawEventRepository) Append(ctx context.Context, event *telemetry.RawEvent) error {
	_ = ctx
	if event == nil {
		return errors.New("memory raw event repo: nil event")
	}
	if event.DeviceID <= 0 || event.At.IsZero() {
		return errors.New("memory raw event repo: invalid event")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	event.ID = r.nextID
	stored := *event
	stored.At = stored.At.UTC()

	events := r.data[event.DeviceID]
	idx := sort.Search(len(events), func(i int) bool { return events[i].At.After(stored.At) })
	events = append(events, telemetry.RawEvent{})
	copy(events[idx+1:], events[idx:])
	events[idx] = stored
	r.data[event.DeviceID] = events
	return nil
}

// Window returns events with from <= At <= to.
func (r *RawEventRepository) Window(ctx context.Context, deviceID int64, from, to time.Time) ([]telemetry.RawEvent, error) {
	_ = ctx
	return r.collect(deviceID, func(at time.Time) bool {
		return !at.Before(from) && !at.After(to)
	}), nil
}

// Range returns events with start <= At < end.
func (r *RawEventRepository) Range(ctx context.Context, deviceID int64, start, end time.Time) ([]telemetry.RawEvent, error) {
	_ = ctx
	return r.collect(deviceID, func(at time.Time) bool {
		return !at.Before(start) && at.Before(end)
	}), nil
}

// DeleteRange removes events with start <= At < end and ID <= maxID.
func (r *RawEventRepository) DeleteRange(ctx context.Context, deviceID int64, start, end time.Time, maxID int64) (int64, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.data[deviceID]
	kept := events[:0]
	var removed int64
	for _, ev := range events {
		if !ev.At.Before(start) && ev.At.Before(end) && ev.ID <= maxID {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	if len(kept) == 0 {
		delete(r.data, deviceID)
	} else {
		r.data[deviceID] = kept
	}
	return removed, nil
}

// Earliest returns the first event time at or after from.
func (r *RawEventRepository) Earliest(ctx context.Context, deviceID int64, from time.Time) (time.Time, bool, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := r.data[deviceID]
	idx := sort.Search(len(events), func(i int) bool { return !events[i].At.Before(from) })
	if idx == len(events) {
		return time.Time{}, false, nil
	}
	return events[idx].At, true, nil
}

// Count returns the number of stored events across all devices.
func (r *RawEventRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, events := range r.data {
		total += len(events)
	}
	return total
}

func (r *RawEventRepository) collect(deviceID int64, keep func(time.Time) bool) []telemetry.RawEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []telemetry.RawEvent
	for _, ev := range r.data[deviceID] {
		if keep(ev.At) {
			out = append(out, ev)
		}
	}
	return out
}
