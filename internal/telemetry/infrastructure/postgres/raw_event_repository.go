package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	telemetry "loomwatch/internal/telemetry/domain"
)

const defaultRawEventTable = "machine_raw_events"

// RawEventRepository is a Postgres implementation of the raw event log.
type RawEventRepository struct {
	db    *sql.DB
	table string
}

// NewRawEventRepository constructs a repository with default table name.
func NewRawEventRepository(db *sql.DB, opts ...RepositoryOption) *RawEventRepository {
	repo := &RawEventRepository{db: db, table: defaultRawEventTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*RawEventRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *RawEventRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Append inserts the event and assigns the generated id.
func (r *RawEventRepository) Append(ctx context.Context, event *telemetry.RawEvent) error {
	if r == nil || r.db == nil {
		return errors.New("raw event repo: nil db")
	}
	if event == nil || event.DeviceID <= 0 || event.At.IsZero() {
		return errors.New("raw event repo: invalid event")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	device_id,
	ts,
	event_kind,
	value,
	annotation
) VALUES (
	$1, $2, $3, $4, $5
)
RETURNING id`, r.table)

	annotation := sql.NullString{}
	if event.Annotation != "" {
		annotation = sql.NullString{String: event.Annotation, Valid: true}
	}

	var id int64
	if err := r.db.QueryRowContext(
		ctx,
		query,
		event.DeviceID,
		event.At.UTC(),
		string(event.Kind),
		event.Value,
		annotation,
	).Scan(&id); err != nil {
		return err
	}
	event.ID = id
	return nil
}

// Window returns events within [from, to] ordered by timestamp.
func (r *RawEventRepository) Window(ctx context.Context, deviceID int64, from, to time.Time) ([]telemetry.RawEvent, error) {
	return r.query(ctx, "ts >= $2 AND ts <= $3", deviceID, from, to)
}

// Range returns events within [start, end) ordered by timestamp.
func (r *RawEventRepository) Range(ctx context.Context, deviceID int64, start, end time.Time) ([]telemetry.RawEvent, error) {
	return r.query(ctx, "ts >= $2 AND ts < $3", deviceID, start, end)
}

// DeleteRange removes events within [start, end) whose id is at most maxID.
func (r *RawEventRepository) DeleteRange(ctx context.Context, deviceID int64, start, end time.Time, maxID int64) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("raw event repo: nil db")
	}
	if deviceID <= 0 || start.IsZero() || end.IsZero() {
		return 0, errors.New("raw event repo: invalid arguments")
	}

	query := fmt.Sprintf(`
DELETE FROM %s
WHERE device_id = $1
	AND ts >= $2
	AND ts < $3
	AND id <= $4`, r.table)

	result, err := r.db.ExecContext(ctx, query, deviceID, start.UTC(), end.UTC(), maxID)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// Earliest returns the first event timestamp at or after from.
func (r *RawEventRepository) Earliest(ctx context.Context, deviceID int64, from time.Time) (time.Time, bool, error) {
	if r == nil || r.db == nil {
		return time.Time{}, false, errors.New("raw event repo: nil db")
	}

	query := fmt.Sprintf(`SELECT MIN(ts) FROM %s WHERE device_id = $1`, r.table)
	args := []any{deviceID}
	if !from.IsZero() {
		query += " AND ts >= $2"
		args = append(args, from.UTC())
	}

	var earliest sql.NullTime
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&earliest); err != nil {
		return time.Time{}, false, err
	}
	if !earliest.Valid {
		return time.Time{}, false, nil
	}
	return earliest.Time.UTC(), true, nil
}

func (r *RawEventRepository) query(ctx context.Context, bounds string, deviceID int64, from, to time.Time) ([]telemetry.RawEvent, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("raw event repo: nil db")
	}
	if deviceID <= 0 || from.IsZero() || to.IsZero() {
		return nil, errors.New("raw event repo: invalid arguments")
	}

	query := fmt.Sprintf(`
SELECT id, device_id, ts, event_kind, value, annotation
FROM %s
WHERE device_id = $1
	AND %s
ORDER BY ts ASC, id ASC`, r.table, bounds)

	rows, err := r.db.QueryContext(ctx, query, deviceID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []telemetry.RawEvent
	for rows.Next() {
		var (
			ev         telemetry.RawEvent
			kind       string
			annotation sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.DeviceID, &ev.At, &kind, &ev.Value, &annotation); err != nil {
			return nil, err
		}
		ev.At = ev.At.UTC()
		ev.Kind = telemetry.EventKind(kind)
		if annotation.Valid {
			ev.Annotation = annotation.String
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
