package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	rollup "loomwatch/internal/rollup/domain"
)

const (
	defaultRollupTable     = "rollup_hours"
	defaultCompactionTable = "rollup_compactions"
)

// RollupRepository is a Postgres implementation of the rollup store.
type RollupRepository struct {
	db              *sql.DB
	table           string
	compactionTable string
}

// NewRollupRepository constructs a repository with default table names.
func NewRollupRepository(db *sql.DB, opts ...RepositoryOption) *RollupRepository {
	repo := &RollupRepository{db: db, table: defaultRollupTable, compactionTable: defaultCompactionTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*RollupRepository)

// WithTable overrides the rollup table name.
func WithTable(table string) RepositoryOption {
	return func(repo *RollupRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// WithCompactionTable overrides the marker table name.
func WithCompactionTable(table string) RepositoryOption {
	return func(repo *RollupRepository) {
		if table != "" {
			repo.compactionTable = table
		}
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Contribute adds the delta to its bucket in a single upsert.
func (r *RollupRepository) Contribute(ctx context.Context, c rollup.Contribution) error {
	if r == nil || r.db == nil {
		return errors.New("rollup repo: nil db")
	}
	if err := c.Key.Validate(); err != nil {
		return err
	}
	return r.contribute(ctx, r.db, c)
}

func (r *RollupRepository) contribute(ctx context.Context, exec execer, c rollup.Contribution) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	device_id,
	hour_start,
	material_id,
	total_pulses,
	total_units,
	uptime,
	downtime,
	updated_at
) VALUES (
	$1, $2, $3, $4, ROUND($5::numeric, 2), $6, $7, NOW()
)
ON CONFLICT (device_id, hour_start, material_id) DO UPDATE SET
	total_pulses = %s.total_pulses + EXCLUDED.total_pulses,
	total_units = ROUND((%s.total_units + EXCLUDED.total_units)::numeric, 2),
	uptime = %s.uptime + EXCLUDED.uptime,
	downtime = %s.downtime + EXCLUDED.downtime,
	updated_at = NOW()`, r.table, r.table, r.table, r.table, r.table)

	_, err := exec.ExecContext(
		ctx,
		query,
		c.Key.DeviceID,
		c.Key.Hour.UTC(),
		c.Key.MaterialID,
		c.Pulses,
		c.Units,
		c.Uptime,
		c.Downtime,
	)
	return err
}

// Query returns hour records matching the filter ordered by hour, device and material.
func (r *RollupRepository) Query(ctx context.Context, f rollup.Filter) ([]rollup.Record, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("rollup repo: nil db")
	}

	conds := make([]string, 0, 4)
	args := make([]any, 0, 4)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.DeviceID != nil {
		add("device_id = $%d", *f.DeviceID)
	}
	if f.MaterialID != nil {
		add("material_id = $%d", *f.MaterialID)
	}
	if f.Start != nil {
		add("hour_start >= $%d", f.Start.UTC())
	}
	if f.End != nil {
		add("hour_start <= $%d", f.End.UTC())
	}
	where := ""
	if len(conds) > 0 {
		where = "\nWHERE " + strings.Join(conds, "\n\tAND ")
	}

	query := fmt.Sprintf(`
SELECT
	device_id,
	hour_start,
	material_id,
	total_pulses,
	total_units,
	uptime,
	downtime
FROM %s%s
ORDER BY hour_start ASC, device_id ASC, material_id ASC`, r.table, where)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]rollup.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CommitCompaction upserts the marker and applies the contributions in one transaction.
// The marker row lock serializes concurrent runs on the same hour.
func (r *RollupRepository) CommitCompaction(ctx context.Context, marker rollup.Marker, contributions []rollup.Contribution) error {
	if r == nil || r.db == nil {
		return errors.New("rollup repo: nil db")
	}
	if marker.DeviceID <= 0 || marker.Hour.IsZero() {
		return rollup.ErrInvalidKey
	}
	for _, c := range contributions {
		if err := c.Key.Validate(); err != nil {
			return err
		}
	}
	completedAt := marker.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	markerQuery := fmt.Sprintf(`
INSERT INTO %[1]s (
	device_id,
	hour_start,
	events,
	max_event_id,
	completed_at
) VALUES (
	$1, $2, $3, $4, $5
)
ON CONFLICT (device_id, hour_start) DO UPDATE SET
	events = EXCLUDED.events,
	max_event_id = EXCLUDED.max_event_id,
	completed_at = EXCLUDED.completed_at
WHERE %[1]s.max_event_id < EXCLUDED.max_event_id`, r.compactionTable)

	result, err := tx.ExecContext(ctx, markerQuery,
		marker.DeviceID,
		rollup.TruncateToHour(marker.Hour),
		marker.Events,
		marker.MaxEventID,
		completedAt.UTC(),
	)
	if err != nil {
		return err
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if inserted == 0 {
		return rollup.ErrAlreadyCompacted
	}

	for _, c := range contributions {
		if err := r.contribute(ctx, tx, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CompactionMarker returns the marker of the device hour.
func (r *RollupRepository) CompactionMarker(ctx context.Context, deviceID int64, hour time.Time) (rollup.Marker, bool, error) {
	if r == nil || r.db == nil {
		return rollup.Marker{}, false, errors.New("rollup repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT device_id, hour_start, events, max_event_id, completed_at
FROM %s
WHERE device_id = $1
	AND hour_start = $2`, r.compactionTable)

	var marker rollup.Marker
	err := r.db.QueryRowContext(ctx, query, deviceID, rollup.TruncateToHour(hour)).Scan(
		&marker.DeviceID,
		&marker.Hour,
		&marker.Events,
		&marker.MaxEventID,
		&marker.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return rollup.Marker{}, false, nil
	}
	if err != nil {
		return rollup.Marker{}, false, err
	}
	marker.Hour = marker.Hour.UTC()
	marker.CompletedAt = marker.CompletedAt.UTC()
	return marker, true, nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (rollup.Record, error) {
	var (
		c     rollup.Contribution
		start time.Time
	)
	if err := scanner.Scan(
		&c.Key.DeviceID,
		&start,
		&c.Key.MaterialID,
		&c.Pulses,
		&c.Units,
		&c.Uptime,
		&c.Downtime,
	); err != nil {
		return rollup.Record{}, err
	}
	c.Key.Hour = start.UTC()
	return rollup.NewRecord(c), nil
}
