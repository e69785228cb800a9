package application

import (
	"context"
	"errors"
	"testing"
	"time"

	rollup "loomwatch/internal/rollup/domain"
	rollupmemory "loomwatch/internal/rollup/infrastructure/memory"
)

func TestQueryServiceRebucketsAndSorts(t *testing.T) {
	ctx := context.Background()
	store := rollupmemory.NewRollupRepository()
	for hour := 0; hour < 3; hour++ {
		c := rollup.Contribution{
			Key:    rollup.NewKey(1, time.Date(2025, 3, 3, 8+hour, 0, 0, 0, time.UTC), 7),
			Pulses: 10,
			Units:  0.33,
			Uptime: 1,
		}
		if err := store.Contribute(ctx, c); err != nil {
			t.Fatalf("contribute: %v", err)
		}
	}
	service, err := NewQueryService(store)
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	records, err := service.Query(ctx, rollup.Filter{Granularity: rollup.GranularityDay})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 1 || records[0].TotalPulses != 30 || records[0].TotalUnits != 0.99 {
		t.Fatalf("unexpected day rows: %+v", records)
	}

	hours, err := service.Query(ctx, rollup.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hours) != 3 || hours[0].Start.Hour() != 10 {
		t.Fatalf("expected newest hour first: %+v", hours)
	}

	totals := Summarize(hours)
	if totals.Pulses != 30 || totals.Units != 0.99 || totals.Uptime != 3 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}

func TestQueryServiceRejectsBadInput(t *testing.T) {
	service, _ := NewQueryService(rollupmemory.NewRollupRepository())
	ctx := context.Background()

	if _, err := service.Query(ctx, rollup.Filter{Granularity: "MONTH"}); !errors.Is(err, rollup.ErrInvalidGranularity) {
		t.Fatalf("expected invalid granularity, got %v", err)
	}
	if _, err := service.Query(ctx, rollup.Filter{Sort: "uptime"}); !errors.Is(err, rollup.ErrInvalidSort) {
		t.Fatalf("expected invalid sort, got %v", err)
	}
	start := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	if _, err := service.Query(ctx, rollup.Filter{Start: &start, End: &end}); !errors.Is(err, rollup.ErrInvalidRange) {
		t.Fatalf("expected invalid range, got %v", err)
	}
}
