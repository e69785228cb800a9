package application

import (
	"context"
	"errors"
	"testing"
	"time"

	catalog "loomwatch/internal/catalog/domain"
	catalogmemory "loomwatch/internal/catalog/infrastructure/memory"
	machines "loomwatch/internal/machines/domain"
	machinememory "loomwatch/internal/machines/infrastructure/memory"
	rollup "loomwatch/internal/rollup/domain"
	rollupmemory "loomwatch/internal/rollup/infrastructure/memory"
	telemetry "loomwatch/internal/telemetry/domain"
	telemetrymemory "loomwatch/internal/telemetry/infrastructure/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// flakyRawStore fails selected operations for one device.
type flakyRawStore struct {
	*telemetrymemory.RawEventRepository
	failDevice  int64
	deleteFails int
	failRange   bool
	ranges      int
}

func (s *flakyRawStore) DeleteRange(ctx context.Context, deviceID int64, start, end time.Time, maxID int64) (int64, error) {
	if deviceID == s.failDevice && s.deleteFails > 0 {
		s.deleteFails--
		return 0, errors.New("connection reset")
	}
	return s.RawEventRepository.DeleteRange(ctx, deviceID, start, end, maxID)
}

func (s *flakyRawStore) Range(ctx context.Context, deviceID int64, start, end time.Time) ([]telemetry.RawEvent, error) {
	s.ranges++
	if deviceID == s.failDevice && s.failRange {
		return nil, errors.New("connection reset")
	}
	return s.RawEventRepository.Range(ctx, deviceID, start, end)
}

type compactionFixture struct {
	raw      *flakyRawStore
	machines *machinememory.MachineRepository
	rollups  *rollupmemory.RollupRepository
	hour     time.Time
}

func newCompactionFixture(t *testing.T) compactionFixture {
	t.Helper()
	f := compactionFixture{
		raw:      &flakyRawStore{RawEventRepository: telemetrymemory.NewRawEventRepository()},
		machines: machinememory.NewMachineRepository(),
		rollups:  rollupmemory.NewRollupRepository(),
		hour:     time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC),
	}
	_ = f.machines.Create(context.Background(), &machines.Machine{ID: 5, MaterialID: 7})
	return f
}

func (f compactionFixture) append(t *testing.T, device int64, offset time.Duration, kind telemetry.EventKind, value int64, annotation string) {
	t.Helper()
	ev := &telemetry.RawEvent{DeviceID: device, At: f.hour.Add(offset), Kind: kind, Value: value, Annotation: annotation}
	if err := f.raw.Append(context.Background(), ev); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func (f compactionFixture) compactor(t *testing.T, now time.Time, source rollup.Source) *Compactor {
	t.Helper()
	materials := catalogmemory.NewCatalog(catalog.Material{ID: 7, PulsesPerUnit: 1300})
	c, err := NewCompactor(f.raw, f.machines, materials, f.rollups, nil, WithClock(fixedClock{now: now}), WithSource(source))
	if err != nil {
		t.Fatalf("new compactor: %v", err)
	}
	return c
}

func TestCompactionSourceContributesHourTotals(t *testing.T) {
	ctx := context.Background()
	f := newCompactionFixture(t)
	f.append(t, 5, 5*time.Minute, telemetry.EventKindPulse, 40, "")
	f.append(t, 5, 10*time.Minute, telemetry.EventKindPulse, 60, "")
	f.append(t, 5, 15*time.Minute, telemetry.EventKindPulse, 0, "")
	f.append(t, 5, 20*time.Minute, telemetry.EventKindFirmware, 11, "")

	c := f.compactor(t, time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC), rollup.SourceCompaction)
	report, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Committed != 1 || report.Purged != 4 {
		t.Fatalf("unexpected report: %+v", report)
	}

	records, _ := f.rollups.Query(ctx, rollup.Filter{})
	if len(records) != 1 {
		t.Fatalf("expected one bucket, got %+v", records)
	}
	rec := records[0]
	if rec.TotalPulses != 100 || rec.TotalUnits != 0.08 || rec.Uptime != 2 || rec.Downtime != 1 || rec.MaterialID != 7 {
		t.Fatalf("unexpected bucket: %+v", rec)
	}
	if f.raw.Count() != 0 {
		t.Fatalf("raw hour must be purged, %d left", f.raw.Count())
	}
}

func TestCompactionAnnotatedUnitsWin(t *testing.T) {
	ctx := context.Background()
	f := newCompactionFixture(t)
	f.append(t, 5, time.Minute, telemetry.EventKindPulse, 130, "units=0.25")

	if _, err := f.compactor(t, time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC), rollup.SourceCompaction).Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	records, _ := f.rollups.Query(ctx, rollup.Filter{})
	if len(records) != 1 || records[0].TotalUnits != 0.25 {
		t.Fatalf("expected annotated units, got %+v", records)
	}
}

func TestCompactionLiveSourceOnlyPurges(t *testing.T) {
	ctx := context.Background()
	f := newCompactionFixture(t)
	f.append(t, 5, time.Minute, telemetry.EventKindPulse, 40, "")

	report, err := f.compactor(t, time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC), rollup.SourceLive).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Committed != 1 || report.Purged != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	records, _ := f.rollups.Query(ctx, rollup.Filter{})
	if len(records) != 0 {
		t.Fatalf("live mode must not contribute from compaction: %+v", records)
	}
	if _, done, _ := f.rollups.CompactionMarker(ctx, 5, f.hour); !done {
		t.Fatalf("expected marker for compacted hour")
	}
}

func TestCompactionRespectsDelay(t *testing.T) {
	ctx := context.Background()
	f := newCompactionFixture(t)
	f.append(t, 5, 58*time.Minute, telemetry.EventKindPulse, 40, "")

	report, err := f.compactor(t, time.Date(2025, 1, 1, 9, 5, 0, 0, time.UTC), rollup.SourceCompaction).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Committed != 0 || f.raw.Count() != 1 {
		t.Fatalf("hour inside the delay must stay raw: %+v", report)
	}
}

func TestCompactionRerunAfterCrashDoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	f := newCompactionFixture(t)
	f.append(t, 5, 5*time.Minute, telemetry.EventKindPulse, 40, "")
	f.append(t, 5, 6*time.Minute, telemetry.EventKindPulse, 60, "")
	f.raw.failDevice = 5
	f.raw.deleteFails = 1

	c := f.compactor(t, time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC), rollup.SourceCompaction)
	report, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if report.Failed != 1 || f.raw.Count() != 2 {
		t.Fatalf("expected failed purge with raw rows kept: %+v", report)
	}

	report, err = c.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Skipped != 1 || report.Purged != 2 {
		t.Fatalf("expected skipped contribution and purge: %+v", report)
	}
	records, _ := f.rollups.Query(ctx, rollup.Filter{})
	if len(records) != 1 || records[0].TotalPulses != 100 {
		t.Fatalf("totals must be unchanged after re-run: %+v", records)
	}

	report, _ = c.Run(ctx)
	if report.Committed != 0 || report.Skipped != 0 || report.Purged != 0 {
		t.Fatalf("third run must be a no-op: %+v", report)
	}
}

func TestCompactionFoldsLateEventsIntoCompactedHour(t *testing.T) {
	ctx := context.Background()
	f := newCompactionFixture(t)
	f.append(t, 5, 5*time.Minute, telemetry.EventKindPulse, 40, "")

	c := f.compactor(t, time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC), rollup.SourceCompaction)
	if _, err := c.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// a device retry delivers a report for the hour that is already folded
	f.append(t, 5, 30*time.Minute, telemetry.EventKindPulse, 60, "")
	report, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Committed != 1 || report.Purged != 1 {
		t.Fatalf("expected the late event to be committed then purged: %+v", report)
	}
	records, _ := f.rollups.Query(ctx, rollup.Filter{})
	if len(records) != 1 || records[0].TotalPulses != 100 || records[0].Uptime != 2 {
		t.Fatalf("late pulses must be counted: %+v", records)
	}
	marker, _, _ := f.rollups.CompactionMarker(ctx, 5, f.hour)
	if marker.Events != 2 {
		t.Fatalf("marker must account for both events: %+v", marker)
	}
	if f.raw.Count() != 0 {
		t.Fatalf("raw hour must be purged, %d left", f.raw.Count())
	}
}

func TestCompactionSkipsEmptyHours(t *testing.T) {
	ctx := context.Background()
	f := newCompactionFixture(t)
	// controller clock far in the past
	stale := &telemetry.RawEvent{DeviceID: 5, At: time.Date(2000, 1, 1, 0, 10, 0, 0, time.UTC), Value: 3}
	if err := f.raw.Append(ctx, stale); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.append(t, 5, 5*time.Minute, telemetry.EventKindPulse, 40, "")

	report, err := f.compactor(t, time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC), rollup.SourceCompaction).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Committed != 2 || report.Purged != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if f.raw.ranges != 2 {
		t.Fatalf("expected one range read per populated hour, got %d", f.raw.ranges)
	}
}

func TestCompactionDeviceFailureDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	f := newCompactionFixture(t)
	_ = f.machines.Create(ctx, &machines.Machine{ID: 6})
	f.append(t, 5, time.Minute, telemetry.EventKindPulse, 40, "")
	f.append(t, 6, time.Minute, telemetry.EventKindPulse, 10, "")
	f.raw.failDevice = 5
	f.raw.failRange = true

	report, err := f.compactor(t, time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC), rollup.SourceCompaction).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Failed != 1 || report.Committed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	device := int64(6)
	records, _ := f.rollups.Query(ctx, rollup.Filter{DeviceID: &device})
	if len(records) != 1 || records[0].TotalPulses != 10 {
		t.Fatalf("healthy device must be compacted: %+v", records)
	}
}

func TestCutoff(t *testing.T) {
	f := newCompactionFixture(t)
	c := f.compactor(t, time.Time{}, rollup.SourceLive)
	got := c.Cutoff(time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC))
	if !got.Equal(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected cutoff %s", got)
	}
}
