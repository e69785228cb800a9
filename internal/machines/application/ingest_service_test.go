package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	catalog "loomwatch/internal/catalog/domain"
	catalogmemory "loomwatch/internal/catalog/infrastructure/memory"
	machines "loomwatch/internal/machines/domain"
	machinememory "loomwatch/internal/machines/infrastructure/memory"
	rollup "loomwatch/internal/rollup/domain"
	rollupmemory "loomwatch/internal/rollup/infrastructure/memory"
	telemetrymemory "loomwatch/internal/telemetry/infrastructure/memory"
)

type recordingNotifier struct {
	mu        sync.Mutex
	snapshots []machines.Snapshot
}

func (n *recordingNotifier) Publish(_ context.Context, snapshot machines.Snapshot) {
	n.mu.Lock()
	n.snapshots = append(n.snapshots, snapshot)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.snapshots)
}

type fixture struct {
	service  *IngestService
	raw      *telemetrymemory.RawEventRepository
	machines *machinememory.MachineRepository
	rollups  *rollupmemory.RollupRepository
	notifier *recordingNotifier
}

func newFixture(t *testing.T, opts ...IngestOption) fixture {
	t.Helper()
	f := fixture{
		raw:      telemetrymemory.NewRawEventRepository(),
		machines: machinememory.NewMachineRepository(),
		rollups:  rollupmemory.NewRollupRepository(),
		notifier: &recordingNotifier{},
	}
	materials := catalogmemory.NewCatalog(
		catalog.Material{ID: 7, Name: "Twill", PulsesPerUnit: 1300},
		catalog.Material{ID: 8, Name: "Short run", PulsesPerUnit: 10},
	)
	opts = append([]IngestOption{WithNotifier(f.notifier)}, opts...)
	service, err := NewIngestService(f.raw, f.machines, materials, f.rollups, nil, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.service = service
	return f
}

func (f fixture) register(t *testing.T, m machines.Machine) {
	t.Helper()
	if err := f.machines.Create(context.Background(), &m); err != nil {
		t.Fatalf("create machine: %v", err)
	}
}

func TestSubmitStoppedAfterProduction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, machines.Machine{ID: 1, Name: "Loom 1"})
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	var before machines.Snapshot
	for i, value := range []int64{10, 0, 0, 0} {
		snap, err := f.service.Submit(ctx, Event{DeviceID: 1, At: base.Add(time.Duration(i) * time.Minute), Value: value})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		before = snap
	}

	after, err := f.service.Submit(ctx, Event{DeviceID: 1, At: base.Add(4 * time.Minute), Value: 0})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if after.Status != int(machines.StatusIdle) || after.Phase != string(machines.PhaseStopped) {
		t.Fatalf("expected idle/stopped, got %+v", after)
	}
	if after.Downtime != before.Downtime+1 || after.Uptime != before.Uptime {
		t.Fatalf("expected downtime +1 only: before=%+v after=%+v", before, after)
	}
}

func TestSubmitAllZeroWindowIsOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, machines.Machine{ID: 1})
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	var last machines.Snapshot
	for i := 0; i < 3; i++ {
		snap, err := f.service.Submit(ctx, Event{DeviceID: 1, At: base.Add(time.Duration(i) * time.Minute)})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		last = snap
	}
	if last.Status != int(machines.StatusOffline) || last.Uptime != 0 || last.Downtime != 0 {
		t.Fatalf("expected offline with untouched ticks, got %+v", last)
	}
}

func TestSubmitConvertsUnitsIntoMachineAndRollup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, machines.Machine{ID: 5, MaterialID: 7})
	at := time.Date(2025, 1, 1, 9, 20, 0, 0, time.UTC)

	snap, err := f.service.Submit(ctx, Event{DeviceID: 5, At: at, Value: 130})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if snap.DailyUnits != 0.10 || snap.Status != int(machines.StatusActive) || snap.Uptime != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	records, _ := f.rollups.Query(ctx, rollup.Filter{})
	if len(records) != 1 {
		t.Fatalf("expected one bucket, got %+v", records)
	}
	rec := records[0]
	if rec.TotalUnits != 0.10 || rec.TotalPulses != 130 || rec.MaterialID != 7 || rec.Uptime != 1 {
		t.Fatalf("unexpected bucket: %+v", rec)
	}
	if !rec.Start.Equal(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected bucket hour: %s", rec.Start)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("expected one published snapshot, got %d", f.notifier.count())
	}
}

func TestSubmitUnknownMachineKeepsRawEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Submit(context.Background(), Event{DeviceID: 42, At: time.Now(), Value: 3})
	if !errors.Is(err, machines.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if f.raw.Count() != 1 {
		t.Fatalf("raw event must be stored, got %d", f.raw.Count())
	}
	if f.notifier.count() != 0 {
		t.Fatalf("nothing must be published for unknown machines")
	}
}

func TestSubmitMalformed(t *testing.T) {
	f := newFixture(t)
	if _, err := f.service.Submit(context.Background(), Event{At: time.Now()}); !errors.Is(err, machines.ErrMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}
	if f.raw.Count() != 0 {
		t.Fatalf("malformed events must not be stored")
	}
}

func TestSubmitQuotaTakesPrecedence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, machines.Machine{ID: 1, MaterialID: 8, MaterialPulses: 240})

	snap, err := f.service.Submit(ctx, Event{DeviceID: 1, At: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), Value: 10})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if snap.Status != int(machines.StatusDone) || snap.Uptime != 0 || snap.MaterialPulses != 250 {
		t.Fatalf("expected done, got %+v", snap)
	}
}

func TestSubmitCompactionSourceSkipsRollup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithRollupSource(rollup.SourceCompaction))
	f.register(t, machines.Machine{ID: 1})

	if _, err := f.service.Submit(ctx, Event{DeviceID: 1, At: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), Value: 10}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	records, _ := f.rollups.Query(ctx, rollup.Filter{})
	if len(records) != 0 {
		t.Fatalf("ingest must not contribute in compaction mode: %+v", records)
	}
}

func TestSubmitResetsCountersOnNewDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, machines.Machine{
		ID:          1,
		DailyPulses: 900,
		Uptime:      40,
		Downtime:    3,
		LastActive:  time.Date(2025, 1, 1, 23, 58, 0, 0, time.UTC),
	})

	snap, err := f.service.Submit(ctx, Event{DeviceID: 1, At: time.Date(2025, 1, 2, 0, 1, 0, 0, time.UTC), Value: 5})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if snap.DailyPulses != 5 || snap.Uptime != 1 || snap.Downtime != 0 {
		t.Fatalf("expected fresh daily counters, got %+v", snap)
	}
}

func TestSubmitConcurrentSameDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, machines.Machine{ID: 1})
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.service.Submit(ctx, Event{DeviceID: 1, At: base.Add(time.Duration(i) * time.Second), Value: 1}); err != nil {
				t.Errorf("submit: %v", err)
			}
		}(i)
	}
	wg.Wait()

	m, err := f.machines.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.DailyPulses != 50 || m.Uptime != 50 {
		t.Fatalf("lost updates: %+v", m)
	}
	records, _ := f.rollups.Query(ctx, rollup.Filter{})
	if len(records) != 1 || records[0].TotalPulses != 50 {
		t.Fatalf("unexpected rollup: %+v", records)
	}
}

func TestSetMaterialRestartsMaterialCounter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, machines.Machine{ID: 1, MaterialID: 7, MaterialPulses: 500, DailyPulses: 500})

	snap, err := f.service.SetMaterial(ctx, 1, 8)
	if err != nil {
		t.Fatalf("set material: %v", err)
	}
	if snap.MaterialID == nil || *snap.MaterialID != 8 || snap.MaterialPulses != 0 || snap.DailyPulses != 500 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if _, err := f.service.SetMaterial(ctx, 1, 99); !errors.Is(err, catalog.ErrMaterialNotFound) {
		t.Fatalf("expected material not found, got %v", err)
	}
	if _, err := f.service.SetMaterial(ctx, 2, 7); !errors.Is(err, machines.ErrNotFound) {
		t.Fatalf("expected machine not found, got %v", err)
	}
}

func TestResetDaily(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, machines.Machine{ID: 1, DailyPulses: 10, DailyUnits: 0.5, Uptime: 3, MaterialPulses: 10})
	f.register(t, machines.Machine{ID: 2, Downtime: 4})

	reset, err := f.service.ResetDaily(ctx)
	if err != nil || reset != 2 {
		t.Fatalf("reset: %d %v", reset, err)
	}
	m, _ := f.machines.Get(ctx, 1)
	if m.DailyPulses != 0 || m.DailyUnits != 0 || m.Uptime != 0 || m.MaterialPulses != 10 {
		t.Fatalf("unexpected machine after reset: %+v", m)
	}
	if f.notifier.count() != 2 {
		t.Fatalf("expected a snapshot per machine, got %d", f.notifier.count())
	}
}

func TestRegisterNextAssignsFollowingID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, machines.Machine{ID: 4})

	snap, err := f.service.RegisterNext(ctx, "10.0.0.9")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if snap.ID != 5 || snap.Name != "Weaving-Machine-5" || snap.Address != "10.0.0.9" || snap.Status != int(machines.StatusIdle) {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if _, err := f.machines.Get(ctx, 5); err != nil {
		t.Fatalf("registered machine must be stored: %v", err)
	}
}

func TestRecordFirmwareCheckLeavesCounters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, machines.Machine{ID: 1, DailyPulses: 12})

	at := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	if err := f.service.RecordFirmwareCheck(ctx, 1, "1.0.9", "1.0.11", at); err != nil {
		t.Fatalf("record: %v", err)
	}
	events, err := f.raw.Window(ctx, 1, at, at)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one raw event, got %+v %v", events, err)
	}
	if events[0].Kind.IsPulse() || events[0].Annotation != "Update check: 1.0.9 -> 1.0.11" {
		t.Fatalf("unexpected firmware event: %+v", events[0])
	}
	m, _ := f.machines.Get(ctx, 1)
	if m.DailyPulses != 12 {
		t.Fatalf("counters must not change: %+v", m)
	}
}
