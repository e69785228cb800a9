package telemetry

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// EventKind tells production pulses apart from other device reports.
type EventKind string

const (
	EventKindPulse    EventKind = "pulse"
	EventKindFirmware EventKind = "firmware"
)

// IsPulse reports whether the kind counts as production.
// Devices that leave the kind empty report pulses.
func (k EventKind) IsPulse() bool {
	switch strings.ToLower(strings.TrimSpace(string(k))) {
	case "", string(EventKindPulse), "production", "skott":
		return true
	default:
		return false
	}
}

// RawEvent is one telemetry report exactly as the device sent it.
type RawEvent struct {
	ID         int64
	DeviceID   int64
	At         time.Time
	Kind       EventKind
	Value      int64
	Annotation string
}

// AnnotatedUnits extracts a production unit count the device attached to the annotation.
// Both `units=0.25` pairs and JSON objects with a "units" field are accepted.
func (e RawEvent) AnnotatedUnits() (float64, bool) {
	text := strings.TrimSpace(e.Annotation)
	if text == "" {
		return 0, false
	}
	if strings.HasPrefix(text, "{") {
		var payload struct {
			Units *float64 `json:"units"`
		}
		if err := json.Unmarshal([]byte(text), &payload); err != nil || payload.Units == nil {
			return 0, false
		}
		return *payload.Units, true
	}
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ';' || r == ',' || r == ' ' || r == '\t'
	})
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "units") {
			continue
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

// RawEventStore is the append-only log of device reports.
// Results are ordered by timestamp ascending, ties by insertion order.
type RawEventStore interface {
	// Append persists the event and assigns its ID.
	Append(ctx context.Context, event *RawEvent) error
	// Window returns events with from <= At <= to.
	Window(ctx context.Context, deviceID int64, from, to time.Time) ([]RawEvent, error)
	// Range returns events with start <= At < end.
	Range(ctx context.Context, deviceID int64, start, end time.Time) ([]RawEvent, error)
	// DeleteRange removes events with start <= At < end and ID <= maxID.
	// Deleting an empty range is not an error.
	DeleteRange(ctx context.Context, deviceID int64, start, end time.Time, maxID int64) (int64, error)
	// Earliest returns the timestamp of the first stored event at or after from.
	// A zero from searches the whole log.
	Earliest(ctx context.Context, deviceID int64, from time.Time) (time.Time, bool, error)
}
