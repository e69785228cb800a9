package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	catalog "loomwatch/internal/catalog/domain"
	machines "loomwatch/internal/machines/domain"
	"loomwatch/internal/observability/metrics"
	rollup "loomwatch/internal/rollup/domain"
	telemetry "loomwatch/internal/telemetry/domain"
)

// Notifier receives machine snapshots after every state change. Implementations must not block.
type Notifier interface {
	Publish(ctx context.Context, snapshot machines.Snapshot)
}

// Event is one device report as accepted by the ingest path.
type Event struct {
	DeviceID   int64
	At         time.Time
	Kind       telemetry.EventKind
	Value      int64
	Annotation string
}

// IngestService turns device reports into machine state, rollup buckets and snapshots.
type IngestService struct {
	raw        telemetry.RawEventStore
	machines   machines.Repository
	materials  catalog.Catalog
	rollups    rollup.Store
	notifier   Notifier
	classifier machines.Classifier
	source     rollup.Source
	locks      deviceLocks
	registerMu sync.Mutex
	logger     *log.Logger
}

// IngestOption configures the service.
type IngestOption func(*IngestService)

// WithNotifier sets the snapshot fan-out.
func WithNotifier(notifier Notifier) IngestOption {
	return func(s *IngestService) {
		if notifier != nil {
			s.notifier = notifier
		}
	}
}

// WithClassifier overrides the default classifier thresholds.
func WithClassifier(classifier machines.Classifier) IngestOption {
	return func(s *IngestService) {
		s.classifier = classifier
	}
}

// WithRollupSource selects whether ingest feeds rollup buckets.
func WithRollupSource(source rollup.Source) IngestOption {
	return func(s *IngestService) {
		if source != "" {
			s.source = source
		}
	}
}

// NewIngestService constructs the service.
func NewIngestService(
	raw telemetry.RawEventStore,
	repo machines.Repository,
	materials catalog.Catalog,
	rollups rollup.Store,
	logger *log.Logger,
	opts ...IngestOption,
) (*IngestService, error) {
	if raw == nil {
		return nil, errors.New("ingest service: nil raw event store")
	}
	if repo == nil {
		return nil, errors.New("ingest service: nil machine repository")
	}
	if materials == nil {
		return nil, errors.New("ingest service: nil catalog")
	}
	if rollups == nil {
		return nil, errors.New("ingest service: nil rollup store")
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &IngestService{
		raw:        raw,
		machines:   repo,
		materials:  materials,
		rollups:    rollups,
		notifier:   nopNotifier{},
		classifier: machines.NewClassifier(0, 0),
		source:     rollup.SourceLive,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit stores the event and advances the machine it belongs to.
// The raw event is kept even when the machine is unknown.
func (s *IngestService) Submit(ctx context.Context, event Event) (machines.Snapshot, error) {
	if event.DeviceID <= 0 || event.At.IsZero() {
		return machines.Snapshot{}, machines.ErrMalformed
	}
	event.At = event.At.UTC()
	increment := event.Value
	if increment < 0 {
		increment = 0
	}

	unlock := s.locks.lock(event.DeviceID)
	defer unlock()

	raw := &telemetry.RawEvent{
		DeviceID:   event.DeviceID,
		At:         event.At,
		Kind:       event.Kind,
		Value:      event.Value,
		Annotation: event.Annotation,
	}
	if err := s.raw.Append(ctx, raw); err != nil {
		return machines.Snapshot{}, storageUnavailable("append raw event", err)
	}

	machine, err := s.machines.Get(ctx, event.DeviceID)
	if err != nil {
		if errors.Is(err, machines.ErrNotFound) {
			return machines.Snapshot{}, fmt.Errorf("%w: device %d", machines.ErrNotFound, event.DeviceID)
		}
		return machines.Snapshot{}, storageUnavailable("load machine", err)
	}

	pulsesPerUnit, err := s.pulsesPerUnit(ctx, *machine)
	if err != nil {
		return machines.Snapshot{}, err
	}

	input := machines.ClassifyInput{
		MaterialAssigned: machine.HasMaterial(),
		PulsesPerUnit:    pulsesPerUnit,
		MaterialPulses:   machine.MaterialPulses,
		Increment:        increment,
	}
	if s.classifier.NeedsWindow(input) {
		from, to := s.classifier.WindowBounds(event.At)
		window, err := s.raw.Window(ctx, event.DeviceID, from, to)
		if err != nil {
			return machines.Snapshot{}, storageUnavailable("read lookback window", err)
		}
		input.Window = make([]machines.WindowEvent, 0, len(window))
		for _, ev := range window {
			input.Window = append(input.Window, machines.WindowEvent{At: ev.At, Value: ev.Value})
		}
	}
	result := s.classifier.Classify(input)
	metrics.IncClassification(result.Status.String())
	units := machines.UnitIncrement(increment, pulsesPerUnit, machine.HasMaterial())

	machine.Advance(event.At, increment, units, result)
	if err := s.machines.Update(ctx, machine.ID, machines.CountersPatch(*machine)); err != nil {
		if errors.Is(err, machines.ErrNotFound) {
			return machines.Snapshot{}, fmt.Errorf("%w: device %d", machines.ErrNotFound, event.DeviceID)
		}
		return machines.Snapshot{}, storageUnavailable("update machine", err)
	}

	if s.source == rollup.SourceLive {
		contribution := rollup.Contribution{
			Key:      rollup.NewKey(machine.ID, event.At, machine.MaterialID),
			Pulses:   increment,
			Units:    units,
			Uptime:   result.UptimeDelta,
			Downtime: result.DowntimeDelta,
		}
		if err := s.rollups.Contribute(ctx, contribution); err != nil {
			if errors.Is(err, rollup.ErrInconsistent) || errors.Is(err, rollup.ErrInvalidKey) {
				return machines.Snapshot{}, fmt.Errorf("%w: %w", machines.ErrInconsistent, err)
			}
			return machines.Snapshot{}, storageUnavailable("contribute rollup", err)
		}
	}

	snapshot := machine.Snapshot()
	s.notifier.Publish(ctx, snapshot)
	return snapshot, nil
}

// SetMaterial switches the active material of a machine. Zero clears it.
func (s *IngestService) SetMaterial(ctx context.Context, machineID, materialID int64) (machines.Snapshot, error) {
	if machineID <= 0 {
		return machines.Snapshot{}, machines.ErrInvalidID
	}
	if materialID < 0 {
		return machines.Snapshot{}, catalog.ErrInvalidMaterial
	}
	if materialID > 0 {
		if _, err := s.materials.Lookup(ctx, materialID); err != nil {
			if errors.Is(err, catalog.ErrMaterialNotFound) {
				return machines.Snapshot{}, err
			}
			return machines.Snapshot{}, storageUnavailable("lookup material", err)
		}
	}

	unlock := s.locks.lock(machineID)
	defer unlock()

	if err := s.machines.Update(ctx, machineID, machines.MaterialPatch(materialID)); err != nil {
		return machines.Snapshot{}, s.repoErr("assign material", err)
	}
	machine, err := s.machines.Get(ctx, machineID)
	if err != nil {
		return machines.Snapshot{}, s.repoErr("load machine", err)
	}
	snapshot := machine.Snapshot()
	s.notifier.Publish(ctx, snapshot)
	return snapshot, nil
}

// Rename updates the descriptive fields of a machine.
func (s *IngestService) Rename(ctx context.Context, machineID int64, name, address *string) (machines.Snapshot, error) {
	if machineID <= 0 {
		return machines.Snapshot{}, machines.ErrInvalidID
	}
	patch := machines.Patch{Name: name, Address: address}
	if patch.IsEmpty() {
		return machines.Snapshot{}, machines.ErrEmptyPatch
	}

	unlock := s.locks.lock(machineID)
	defer unlock()

	if err := s.machines.Update(ctx, machineID, patch); err != nil {
		return machines.Snapshot{}, s.repoErr("rename machine", err)
	}
	machine, err := s.machines.Get(ctx, machineID)
	if err != nil {
		return machines.Snapshot{}, s.repoErr("load machine", err)
	}
	snapshot := machine.Snapshot()
	s.notifier.Publish(ctx, snapshot)
	return snapshot, nil
}

// Register creates a machine in its initial Idle state, or refreshes the name and address of a known one.
func (s *IngestService) Register(ctx context.Context, machineID int64, name, address string) error {
	if machineID <= 0 {
		return machines.ErrInvalidID
	}
	unlock := s.locks.lock(machineID)
	defer unlock()
	machine := &machines.Machine{ID: machineID, Name: name, Address: address, Status: machines.StatusIdle}
	if err := s.machines.Create(ctx, machine); err != nil {
		return storageUnavailable("register machine", err)
	}
	return nil
}

// RegisterNext creates a machine under the next free id, the way unconfigured
// controllers announce themselves on first boot.
func (s *IngestService) RegisterNext(ctx context.Context, address string) (machines.Snapshot, error) {
	s.registerMu.Lock()
	defer s.registerMu.Unlock()

	list, err := s.machines.List(ctx)
	if err != nil {
		return machines.Snapshot{}, storageUnavailable("list machines", err)
	}
	next := int64(1)
	for _, m := range list {
		if m.ID >= next {
			next = m.ID + 1
		}
	}
	machine := &machines.Machine{
		ID:      next,
		Name:    fmt.Sprintf("Weaving-Machine-%d", next),
		Address: address,
		Status:  machines.StatusIdle,
	}
	if err := s.machines.Create(ctx, machine); err != nil {
		return machines.Snapshot{}, storageUnavailable("register machine", err)
	}
	s.logger.Printf("machine registry: registered device=%d address=%s", next, address)
	snapshot := machine.Snapshot()
	s.notifier.Publish(ctx, snapshot)
	return snapshot, nil
}

// RecordFirmwareCheck appends a firmware event for a controller that reported an outdated version.
// It does not touch machine counters.
func (s *IngestService) RecordFirmwareCheck(ctx context.Context, deviceID int64, current, latest string, at time.Time) error {
	if deviceID <= 0 {
		return machines.ErrMalformed
	}
	unlock := s.locks.lock(deviceID)
	defer unlock()
	raw := &telemetry.RawEvent{
		DeviceID:   deviceID,
		At:         at.UTC(),
		Kind:       telemetry.EventKindFirmware,
		Value:      1,
		Annotation: fmt.Sprintf("Update check: %s -> %s", current, latest),
	}
	if err := s.raw.Append(ctx, raw); err != nil {
		return storageUnavailable("append firmware event", err)
	}
	return nil
}

// ResetDaily zeroes the per-day counters of every machine. Failures are logged per
// machine and the loop continues; the joined error reports them to the caller.
func (s *IngestService) ResetDaily(ctx context.Context) (int, error) {
	list, err := s.machines.List(ctx)
	if err != nil {
		return 0, storageUnavailable("list machines", err)
	}

	var (
		reset int
		errs  []error
	)
	for _, m := range list {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.resetOne(ctx, m.ID); err != nil {
			s.logger.Printf("daily reset: machine=%d err=%v", m.ID, err)
			errs = append(errs, fmt.Errorf("machine %d: %w", m.ID, err))
			continue
		}
		reset++
	}
	return reset, errors.Join(errs...)
}

func (s *IngestService) resetOne(ctx context.Context, machineID int64) error {
	unlock := s.locks.lock(machineID)
	defer unlock()

	if err := s.machines.Update(ctx, machineID, machines.DailyResetPatch()); err != nil {
		return s.repoErr("reset counters", err)
	}
	machine, err := s.machines.Get(ctx, machineID)
	if err != nil {
		return s.repoErr("load machine", err)
	}
	s.notifier.Publish(ctx, machine.Snapshot())
	return nil
}

// Machine returns the current snapshot of one machine.
func (s *IngestService) Machine(ctx context.Context, machineID int64) (machines.Snapshot, error) {
	machine, err := s.machines.Get(ctx, machineID)
	if err != nil {
		return machines.Snapshot{}, s.repoErr("load machine", err)
	}
	return machine.Snapshot(), nil
}

// Machines returns snapshots of every machine ordered by id.
func (s *IngestService) Machines(ctx context.Context) ([]machines.Snapshot, error) {
	list, err := s.machines.List(ctx)
	if err != nil {
		return nil, storageUnavailable("list machines", err)
	}
	out := make([]machines.Snapshot, 0, len(list))
	for _, m := range list {
		out = append(out, m.Snapshot())
	}
	return out, nil
}

func (s *IngestService) pulsesPerUnit(ctx context.Context, machine machines.Machine) (float64, error) {
	if !machine.HasMaterial() {
		return 0, nil
	}
	material, err := s.materials.Lookup(ctx, machine.MaterialID)
	if err != nil {
		if errors.Is(err, catalog.ErrMaterialNotFound) {
			s.logger.Printf("machine ingest: device=%d material=%d not in catalog", machine.ID, machine.MaterialID)
			return 0, nil
		}
		return 0, storageUnavailable("lookup material", err)
	}
	return material.PulsesPerUnit, nil
}

func (s *IngestService) repoErr(op string, err error) error {
	switch {
	case errors.Is(err, machines.ErrNotFound),
		errors.Is(err, machines.ErrInvalidID),
		errors.Is(err, machines.ErrEmptyPatch):
		return err
	default:
		return storageUnavailable(op, err)
	}
}

func storageUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", machines.ErrStorageUnavailable, op, err)
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, machines.Snapshot) {}
