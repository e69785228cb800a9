package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	catalog "loomwatch/internal/catalog/domain"
	machines "loomwatch/internal/machines/domain"
	"loomwatch/internal/observability/metrics"
	rollup "loomwatch/internal/rollup/domain"
	telemetry "loomwatch/internal/telemetry/domain"
)

// DefaultDelay keeps an hour out of compaction until every lookback window that can read it has passed.
const DefaultDelay = 10 * time.Minute

// MachineLister enumerates the machines whose raw events are compacted.
type MachineLister interface {
	List(ctx context.Context) ([]machines.Machine, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Report summarises one compaction pass.
type Report struct {
	Committed int
	Skipped   int
	Failed    int
	Purged    int64
}

// Compactor folds closed raw hours into the rollup and deletes them.
type Compactor struct {
	raw       telemetry.RawEventStore
	machines  MachineLister
	materials catalog.Catalog
	store     rollup.CompactionStore
	source    rollup.Source
	delay     time.Duration
	clock     Clock
	logger    *log.Logger
}

// CompactorOption configures the compactor.
type CompactorOption func(*Compactor)

// WithDelay overrides DefaultDelay.
func WithDelay(delay time.Duration) CompactorOption {
	return func(c *Compactor) {
		if delay >= 0 {
			c.delay = delay
		}
	}
}

// WithSource selects whether compaction contributes hour totals.
func WithSource(source rollup.Source) CompactorOption {
	return func(c *Compactor) {
		if source != "" {
			c.source = source
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(clock Clock) CompactorOption {
	return func(c *Compactor) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewCompactor constructs a Compactor.
func NewCompactor(
	raw telemetry.RawEventStore,
	lister MachineLister,
	materials catalog.Catalog,
	store rollup.CompactionStore,
	logger *log.Logger,
	opts ...CompactorOption,
) (*Compactor, error) {
	if raw == nil {
		return nil, errors.New("compactor: nil raw event store")
	}
	if lister == nil {
		return nil, errors.New("compactor: nil machine lister")
	}
	if materials == nil {
		return nil, errors.New("compactor: nil catalog")
	}
	if store == nil {
		return nil, errors.New("compactor: nil compaction store")
	}
	if logger == nil {
		logger = log.Default()
	}
	c := &Compactor{
		raw:       raw,
		machines:  lister,
		materials: materials,
		store:     store,
		source:    rollup.SourceLive,
		delay:     DefaultDelay,
		clock:     systemClock{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Cutoff returns the first hour that is still too recent to compact at now.
func (c *Compactor) Cutoff(now time.Time) time.Time {
	return rollup.TruncateToHour(now.Add(-c.delay))
}

// Run compacts every closed hour of every machine. A failing device is logged and skipped.
func (c *Compactor) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	report, err := c.run(ctx, c.clock.Now())
	result := metrics.ResultSuccess
	if err != nil || report.Failed > 0 {
		result = metrics.ResultError
	}
	metrics.ObserveCompactionRun(result, time.Since(start))
	return report, err
}

func (c *Compactor) run(ctx context.Context, now time.Time) (Report, error) {
	var report Report
	list, err := c.machines.List(ctx)
	if err != nil {
		return report, fmt.Errorf("compaction: list machines: %w", err)
	}
	cutoff := c.Cutoff(now)

	for _, machine := range list {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := c.compactDevice(ctx, machine, cutoff, &report); err != nil {
			report.Failed++
			metrics.IncCompactionHour(metrics.ResultError)
			c.logger.Printf("compaction: device=%d err=%v", machine.ID, err)
		}
	}
	return report, nil
}

// CompactDevice compacts the closed hours of one device up to now.
func (c *Compactor) CompactDevice(ctx context.Context, machine machines.Machine) (Report, error) {
	var report Report
	err := c.compactDevice(ctx, machine, c.Cutoff(c.clock.Now()), &report)
	return report, err
}

// compactDevice visits only hours that hold raw events, jumping from one to the next.
func (c *Compactor) compactDevice(ctx context.Context, machine machines.Machine, cutoff time.Time, report *Report) error {
	var from time.Time
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, ok, err := c.raw.Earliest(ctx, machine.ID, from)
		if err != nil {
			return fmt.Errorf("next raw event: %w", err)
		}
		if !ok {
			return nil
		}
		hour := rollup.TruncateToHour(next)
		if !hour.Before(cutoff) {
			return nil
		}
		if err := c.compactHour(ctx, machine, hour, report); err != nil {
			return fmt.Errorf("hour=%s: %w", hour.Format(time.RFC3339), err)
		}
		from = hour.Add(time.Hour)
	}
}

// compactHour folds the events of the hour that no marker covers yet, then purges
// only the events the stored marker accounts for.
func (c *Compactor) compactHour(ctx context.Context, machine machines.Machine, hour time.Time, report *Report) error {
	end := hour.Add(time.Hour)
	events, err := c.raw.Range(ctx, machine.ID, hour, end)
	if err != nil {
		return fmt.Errorf("read raw hour: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	previous, found, err := c.store.CompactionMarker(ctx, machine.ID, hour)
	if err != nil {
		return fmt.Errorf("read marker: %w", err)
	}
	maxID := previous.MaxEventID
	var fresh []telemetry.RawEvent
	for _, ev := range events {
		if found && previous.Covers(ev.ID) {
			continue
		}
		fresh = append(fresh, ev)
		if ev.ID > maxID {
			maxID = ev.ID
		}
	}

	if len(fresh) == 0 {
		report.Skipped++
		metrics.IncCompactionHour(metrics.CompactionSkipped)
		c.logger.Printf("compaction: device=%d hour=%s already committed, purging leftovers", machine.ID, hour.Format(time.RFC3339))
	} else {
		var contributions []rollup.Contribution
		if c.source == rollup.SourceCompaction {
			contribution, err := c.hourTotals(ctx, machine, hour, fresh)
			if err != nil {
				return err
			}
			contributions = append(contributions, contribution)
		}
		marker := rollup.Marker{
			DeviceID:    machine.ID,
			Hour:        hour,
			Events:      previous.Events + len(fresh),
			MaxEventID:  maxID,
			CompletedAt: c.clock.Now().UTC(),
		}
		switch err := c.store.CommitCompaction(ctx, marker, contributions); {
		case err == nil:
			report.Committed++
			metrics.IncCompactionHour(metrics.CompactionCommitted)
			if found {
				c.logger.Printf("compaction: device=%d hour=%s folded late events=%d", machine.ID, hour.Format(time.RFC3339), len(fresh))
			}
		case errors.Is(err, rollup.ErrAlreadyCompacted):
			// A concurrent pass moved the marker; its own purge or the next run removes the rows.
			report.Skipped++
			metrics.IncCompactionHour(metrics.CompactionSkipped)
			return nil
		default:
			return fmt.Errorf("commit: %w", err)
		}
	}

	purged, err := c.raw.DeleteRange(ctx, machine.ID, hour, end, maxID)
	if err != nil {
		return fmt.Errorf("purge raw hour: %w", err)
	}
	report.Purged += purged
	metrics.AddPurgedEvents(purged)
	return nil
}

// hourTotals sums the pulse events of one hour under the machine's current material.
func (c *Compactor) hourTotals(ctx context.Context, machine machines.Machine, hour time.Time, events []telemetry.RawEvent) (rollup.Contribution, error) {
	pulsesPerUnit := 0.0
	if machine.HasMaterial() {
		material, err := c.materials.Lookup(ctx, machine.MaterialID)
		switch {
		case err == nil:
			pulsesPerUnit = material.PulsesPerUnit
		case errors.Is(err, catalog.ErrMaterialNotFound):
		default:
			return rollup.Contribution{}, fmt.Errorf("lookup material: %w", err)
		}
	}

	contribution := rollup.Contribution{Key: rollup.NewKey(machine.ID, hour, machine.MaterialID)}
	for _, ev := range events {
		if !ev.Kind.IsPulse() {
			continue
		}
		value := ev.Value
		if value < 0 {
			value = 0
		}
		contribution.Pulses += value
		if units, ok := ev.AnnotatedUnits(); ok {
			contribution.Units += units
		} else {
			contribution.Units += machines.UnitIncrement(value, pulsesPerUnit, machine.HasMaterial())
		}
		if value > 0 {
			contribution.Uptime++
		} else {
			contribution.Downtime++
		}
	}
	return contribution, nil
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
