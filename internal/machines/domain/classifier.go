package machines

import "time"

const (
	// DefaultLookback tolerates one missed 5 minute reporting cycle.
	DefaultLookback = 6 * time.Minute
	// DefaultQuotaUnits is the production quota of one material run.
	DefaultQuotaUnits = 25.0
)

// WindowEvent is one raw value inside the lookback window.
type WindowEvent struct {
	At    time.Time
	Value int64
}

// ClassifyInput carries everything the status decision depends on.
// Window must be ordered by timestamp ascending.
type ClassifyInput struct {
	MaterialAssigned bool
	PulsesPerUnit    float64
	MaterialPulses   int64
	Increment        int64
	Window           []WindowEvent
}

// Classification is the outcome for one ingested event.
type Classification struct {
	Status        Status
	Phase         Phase
	UptimeDelta   int64
	DowntimeDelta int64
}

// Classifier computes machine status. The zero value is not usable; see NewClassifier.
type Classifier struct {
	quotaUnits float64
	lookback   time.Duration
}

// NewClassifier constructs a classifier, falling back to defaults for non-positive values.
func NewClassifier(quotaUnits float64, lookback time.Duration) Classifier {
	if quotaUnits <= 0 {
		quotaUnits = DefaultQuotaUnits
	}
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return Classifier{quotaUnits: quotaUnits, lookback: lookback}
}

// Lookback returns the trailing window length.
func (c Classifier) Lookback() time.Duration {
	return c.lookback
}

// WindowBounds returns the inclusive lookback range ending at now.
func (c Classifier) WindowBounds(now time.Time) (time.Time, time.Time) {
	return now.Add(-c.lookback), now
}

// QuotaReached reports whether the material run is complete after this increment.
func (c Classifier) QuotaReached(in ClassifyInput) bool {
	if !in.MaterialAssigned || in.PulsesPerUnit <= 0 {
		return false
	}
	return float64(in.MaterialPulses+in.Increment) >= in.PulsesPerUnit*c.quotaUnits
}

// NeedsWindow reports whether Classify will look at the lookback window.
func (c Classifier) NeedsWindow(in ClassifyInput) bool {
	return !c.QuotaReached(in) && in.Increment <= 0
}

// Classify evaluates the transition rules in priority order: quota, production, lookback.
func (c Classifier) Classify(in ClassifyInput) Classification {
	if c.QuotaReached(in) {
		return Classification{Status: StatusDone}
	}
	if in.Increment > 0 {
		return Classification{Status: StatusActive, UptimeDelta: 1}
	}

	if len(in.Window) > 0 && allZero(in.Window) {
		return Classification{Status: StatusOffline}
	}
	if n := len(in.Window); n > 0 && in.Window[n-1].Value == 0 {
		return Classification{Status: StatusIdle, Phase: PhaseStopped, DowntimeDelta: 1}
	}
	return Classification{Status: StatusIdle, Phase: PhaseStalled, DowntimeDelta: 1}
}

func allZero(window []WindowEvent) bool {
	for _, ev := range window {
		if ev.Value != 0 {
			return false
		}
	}
	return true
}
