package machines

import (
	"testing"
	"time"
)

func windowOf(now time.Time, values ...int64) []WindowEvent {
	window := make([]WindowEvent, 0, len(values))
	start := now.Add(-time.Duration(len(values)-1) * time.Minute)
	for i, v := range values {
		window = append(window, WindowEvent{At: start.Add(time.Duration(i) * time.Minute), Value: v})
	}
	return window
}

func TestClassifyActiveOnPositiveIncrement(t *testing.T) {
	c := NewClassifier(0, 0)
	got := c.Classify(ClassifyInput{Increment: 12})
	if got.Status != StatusActive || got.UptimeDelta != 1 || got.DowntimeDelta != 0 {
		t.Fatalf("unexpected classification: %+v", got)
	}
}

func TestClassifyStoppedAfterActivity(t *testing.T) {
	now := time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)
	c := NewClassifier(0, 0)
	in := ClassifyInput{Increment: 0, Window: windowOf(now, 10, 0, 0, 0, 0)}
	if !c.NeedsWindow(in) {
		t.Fatalf("expected window lookup for zero increment")
	}
	got := c.Classify(in)
	if got.Status != StatusIdle || got.Phase != PhaseStopped {
		t.Fatalf("expected idle/stopped, got %+v", got)
	}
	if got.DowntimeDelta != 1 || got.UptimeDelta != 0 {
		t.Fatalf("expected downtime tick, got %+v", got)
	}
}

func TestClassifyOfflineWhenWindowAllZero(t *testing.T) {
	now := time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)
	c := NewClassifier(0, 0)
	got := c.Classify(ClassifyInput{Window: windowOf(now, 0, 0, 0, 0, 0)})
	if got.Status != StatusOffline {
		t.Fatalf("expected offline, got %+v", got)
	}
	if got.UptimeDelta != 0 || got.DowntimeDelta != 0 {
		t.Fatalf("offline must not charge ticks: %+v", got)
	}
}

func TestClassifySingleZeroEventIsOffline(t *testing.T) {
	now := time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)
	got := NewClassifier(0, 0).Classify(ClassifyInput{Window: windowOf(now, 0)})
	if got.Status != StatusOffline {
		t.Fatalf("expected offline for lone zero event, got %+v", got)
	}
}

func TestClassifyStalledWhenLastValueNonZero(t *testing.T) {
	now := time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)
	got := NewClassifier(0, 0).Classify(ClassifyInput{Window: windowOf(now, 0, 0, 7)})
	if got.Status != StatusIdle || got.Phase != PhaseStalled || got.DowntimeDelta != 1 {
		t.Fatalf("expected idle/stalled with downtime, got %+v", got)
	}
}

func TestClassifyEmptyWindowIsStalled(t *testing.T) {
	got := NewClassifier(0, 0).Classify(ClassifyInput{})
	if got.Status != StatusIdle || got.Phase != PhaseStalled {
		t.Fatalf("expected idle/stalled for empty window, got %+v", got)
	}
}

func TestClassifyQuotaTakesPrecedence(t *testing.T) {
	c := NewClassifier(25, 0)
	in := ClassifyInput{
		MaterialAssigned: true,
		PulsesPerUnit:    100,
		MaterialPulses:   2500,
		Increment:        0,
		Window:           windowOf(time.Now(), 0, 0, 0),
	}
	if c.NeedsWindow(in) {
		t.Fatalf("quota reached must not need a window")
	}
	got := c.Classify(in)
	if got.Status != StatusDone {
		t.Fatalf("expected done, got %+v", got)
	}

	in.MaterialPulses = 2490
	in.Increment = 10
	if got := c.Classify(in); got.Status != StatusDone {
		t.Fatalf("expected done when increment crosses quota, got %+v", got)
	}
}

func TestClassifyQuotaIgnoredWithoutFactor(t *testing.T) {
	c := NewClassifier(25, 0)
	got := c.Classify(ClassifyInput{MaterialAssigned: true, PulsesPerUnit: 0, MaterialPulses: 1 << 40, Increment: 3})
	if got.Status != StatusActive {
		t.Fatalf("expected active without conversion factor, got %+v", got)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	now := time.Date(2025, 3, 4, 5, 6, 0, 0, time.UTC)
	c := NewClassifier(25, 6*time.Minute)
	in := ClassifyInput{MaterialAssigned: true, PulsesPerUnit: 1300, MaterialPulses: 40, Window: windowOf(now, 3, 0, 0)}
	first := c.Classify(in)
	for i := 0; i < 10; i++ {
		if got := c.Classify(in); got != first {
			t.Fatalf("classification changed: %+v vs %+v", got, first)
		}
	}
}

func TestWindowBounds(t *testing.T) {
	now := time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)
	from, to := NewClassifier(0, 0).WindowBounds(now)
	if !from.Equal(now.Add(-6*time.Minute)) || !to.Equal(now) {
		t.Fatalf("unexpected bounds: %s - %s", from, to)
	}
}
