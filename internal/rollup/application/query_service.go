package application

import (
	"context"
	"errors"
	"fmt"

	rollup "loomwatch/internal/rollup/domain"
)

// QueryService reads hour buckets and re-buckets them for reporting.
type QueryService struct {
	store rollup.Store
}

// NewQueryService constructs a QueryService.
func NewQueryService(store rollup.Store) (*QueryService, error) {
	if store == nil {
		return nil, errors.New("rollup query: nil store")
	}
	return &QueryService{store: store}, nil
}

// Query returns the records matching the filter at the filter's granularity, sorted by f.Sort.
func (s *QueryService) Query(ctx context.Context, f rollup.Filter) ([]rollup.Record, error) {
	if f.Granularity == "" {
		f.Granularity = rollup.GranularityHour
	}
	if !f.Granularity.IsValid() {
		return nil, rollup.ErrInvalidGranularity
	}
	if _, err := rollup.NormalizeSort(f.Sort); err != nil {
		return nil, err
	}
	if f.Start != nil && f.End != nil && f.End.Before(*f.Start) {
		return nil, fmt.Errorf("%w: end before start", rollup.ErrInvalidRange)
	}

	hours, err := s.store.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	records, err := rollup.Rebucket(hours, f.Granularity)
	if err != nil {
		return nil, err
	}
	if err := rollup.SortRecords(records, f.Sort); err != nil {
		return nil, err
	}
	return records, nil
}

// Totals sums records into a single summary row.
type Totals struct {
	Pulses   int64   `json:"total_pulses"`
	Units    float64 `json:"total_units"`
	Uptime   int64   `json:"uptime"`
	Downtime int64   `json:"downtime"`
}

// Summarize sums the records.
func Summarize(records []rollup.Record) Totals {
	var totals Totals
	for _, rec := range records {
		totals.Pulses += rec.TotalPulses
		totals.Units += rec.TotalUnits
		totals.Uptime += rec.Uptime
		totals.Downtime += rec.Downtime
	}
	totals.Units = rollup.RoundUnits(totals.Units)
	return totals
}
