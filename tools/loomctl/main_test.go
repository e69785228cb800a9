package main

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"
	"time"

	"loomwatch/internal/app"
	"loomwatch/internal/config"
	rollup "loomwatch/internal/rollup/domain"
)

func TestBuildFilter(t *testing.T) {
	filter, err := buildFilter("week", "2025-01-06", "2025-01-12", 3, 0)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if filter.Granularity != rollup.GranularityWeek {
		t.Fatalf("unexpected granularity %s", filter.Granularity)
	}
	if filter.DeviceID == nil || *filter.DeviceID != 3 || filter.MaterialID != nil {
		t.Fatalf("unexpected id filters: %+v", filter)
	}
	wantEnd := time.Date(2025, 1, 12, 23, 0, 0, 0, time.UTC)
	if filter.End == nil || !filter.End.Equal(wantEnd) {
		t.Fatalf("end must cover the last hour of the day, got %v", filter.End)
	}

	if _, err := buildFilter("month", "", "", 0, 0); err == nil {
		t.Fatalf("expected granularity error")
	}
	if _, err := buildFilter("day", "01/06/2025", "", 0, 0); err == nil {
		t.Fatalf("expected start error")
	}
}

func TestResetAndRegisterCommands(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverMemory
	stores, err := app.OpenStores(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	e := &env{cfg: cfg, stores: stores, logger: log.New(&bytes.Buffer{}, "", 0)}
	open := func(context.Context) (*env, error) { return e, nil }

	var out bytes.Buffer
	register := registerCmd(open)
	register.SetOut(&out)
	register.SetArgs([]string{"--id", "4"})
	if err := register.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.Contains(out.String(), `name="Weaving-Machine-4"`) {
		t.Fatalf("unexpected register output %q", out.String())
	}

	out.Reset()
	reset := resetCmd(open)
	reset.SetOut(&out)
	reset.SetArgs(nil)
	if err := reset.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !strings.Contains(out.String(), "reset machines=1") {
		t.Fatalf("unexpected reset output %q", out.String())
	}
}
