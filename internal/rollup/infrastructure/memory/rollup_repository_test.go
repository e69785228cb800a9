package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	rollup "loomwatch/internal/rollup/domain"
)

func TestRollupRepositoryContributeSums(t *testing.T) {
	ctx := context.Background()
	repo := NewRollupRepository()
	at := time.Date(2025, 1, 1, 9, 15, 0, 0, time.UTC)
	key := rollup.NewKey(1, at, 3)

	if err := repo.Contribute(ctx, rollup.Contribution{Key: key, Pulses: 40, Units: 0.03}); err != nil {
		t.Fatalf("contribute: %v", err)
	}
	if err := repo.Contribute(ctx, rollup.Contribution{Key: key, Pulses: 60, Units: 0.05, Uptime: 1}); err != nil {
		t.Fatalf("contribute: %v", err)
	}

	records, err := repo.Query(ctx, rollup.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].TotalPulses != 100 || records[0].TotalUnits != 0.08 || records[0].Uptime != 1 {
		t.Fatalf("unexpected record: %+v", records[0])
	}
	if !records[0].Start.Equal(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected bucket start: %s", records[0].Start)
	}
}

func TestRollupRepositoryDoubleContributeCountsTwice(t *testing.T) {
	ctx := context.Background()
	repo := NewRollupRepository()
	c := rollup.Contribution{Key: rollup.NewKey(1, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), 0), Pulses: 100}
	_ = repo.Contribute(ctx, c)
	_ = repo.Contribute(ctx, c)

	records, _ := repo.Query(ctx, rollup.Filter{})
	if len(records) != 1 || records[0].TotalPulses != 200 {
		t.Fatalf("expected 200 pulses, got %+v", records)
	}
}

func TestRollupRepositoryCommitCompactionOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewRollupRepository()
	hour := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	marker := rollup.Marker{DeviceID: 1, Hour: hour, Events: 2, MaxEventID: 8, CompletedAt: hour.Add(2 * time.Hour)}
	contributions := []rollup.Contribution{{Key: rollup.NewKey(1, hour, 0), Pulses: 70, Uptime: 2}}

	if err := repo.CommitCompaction(ctx, marker, contributions); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := repo.CommitCompaction(ctx, marker, contributions); !errors.Is(err, rollup.ErrAlreadyCompacted) {
		t.Fatalf("expected already compacted, got %v", err)
	}
	stored, done, err := repo.CompactionMarker(ctx, 1, hour.Add(30*time.Minute))
	if err != nil || !done || stored.MaxEventID != 8 {
		t.Fatalf("expected hour to be compacted, marker=%+v done=%v err=%v", stored, done, err)
	}
	records, _ := repo.Query(ctx, rollup.Filter{})
	if len(records) != 1 || records[0].TotalPulses != 70 {
		t.Fatalf("re-run must not double count: %+v", records)
	}
}

func TestRollupRepositoryCommitCompactionExtendsMarker(t *testing.T) {
	ctx := context.Background()
	repo := NewRollupRepository()
	hour := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	first := rollup.Marker{DeviceID: 1, Hour: hour, Events: 1, MaxEventID: 8}
	if err := repo.CommitCompaction(ctx, first, []rollup.Contribution{{Key: rollup.NewKey(1, hour, 0), Pulses: 40, Uptime: 1}}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	later := rollup.Marker{DeviceID: 1, Hour: hour, Events: 2, MaxEventID: 11}
	if err := repo.CommitCompaction(ctx, later, []rollup.Contribution{{Key: rollup.NewKey(1, hour, 0), Pulses: 60, Uptime: 1}}); err != nil {
		t.Fatalf("late commit: %v", err)
	}
	stored, _, _ := repo.CompactionMarker(ctx, 1, hour)
	if stored.MaxEventID != 11 || stored.Events != 2 {
		t.Fatalf("marker not extended: %+v", stored)
	}
	records, _ := repo.Query(ctx, rollup.Filter{})
	if len(records) != 1 || records[0].TotalPulses != 100 {
		t.Fatalf("late events must be added: %+v", records)
	}
}

func TestRollupRepositoryQueryFilters(t *testing.T) {
	ctx := context.Background()
	repo := NewRollupRepository()
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_ = repo.Contribute(ctx, rollup.Contribution{Key: rollup.NewKey(1, base.Add(time.Duration(i)*time.Hour), 5), Pulses: 10})
	}
	_ = repo.Contribute(ctx, rollup.Contribution{Key: rollup.NewKey(2, base, 6), Pulses: 10})

	device := int64(1)
	start := base.Add(time.Hour)
	end := base.Add(2 * time.Hour)
	records, err := repo.Query(ctx, rollup.Filter{DeviceID: &device, Start: &start, End: &end})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 2 || !records[1].Start.Equal(end) {
		t.Fatalf("expected inclusive range of 2 hours, got %+v", records)
	}
}
