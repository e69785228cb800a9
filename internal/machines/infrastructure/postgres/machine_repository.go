package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	machines "loomwatch/internal/machines/domain"
)

const defaultMachineTable = "machines"

// MachineRepository is a Postgres implementation of the machine store.
type MachineRepository struct {
	db    *sql.DB
	table string
}

// NewMachineRepository constructs a repository with default table name.
func NewMachineRepository(db *sql.DB, opts ...RepositoryOption) *MachineRepository {
	repo := &MachineRepository{db: db, table: defaultMachineTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*MachineRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *MachineRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

const machineColumns = `
	id,
	name,
	address,
	status,
	phase,
	material_id,
	daily_pulses,
	material_pulses,
	daily_units,
	uptime,
	downtime,
	last_active`

// Get fetches a machine by id.
func (r *MachineRepository) Get(ctx context.Context, id int64) (*machines.Machine, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("machine repo: nil db")
	}
	if id <= 0 {
		return nil, machines.ErrInvalidID
	}

	query := fmt.Sprintf(`SELECT%s
FROM %s
WHERE id = $1`, machineColumns, r.table)

	m, err := scanMachine(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, machines.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// List returns all machines ordered by id.
func (r *MachineRepository) List(ctx context.Context) ([]machines.Machine, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("machine repo: nil db")
	}

	query := fmt.Sprintf(`SELECT%s
FROM %s
ORDER BY id ASC`, machineColumns, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []machines.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Create registers a machine. Registering a known id refreshes its name and address only.
func (r *MachineRepository) Create(ctx context.Context, machine *machines.Machine) error {
	if r == nil || r.db == nil {
		return errors.New("machine repo: nil db")
	}
	if machine == nil {
		return errors.New("machine repo: nil machine")
	}
	if machine.ID <= 0 {
		return machines.ErrInvalidID
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	name,
	address,
	status,
	phase,
	material_id,
	daily_pulses,
	material_pulses,
	daily_units,
	uptime,
	downtime,
	last_active
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	address = EXCLUDED.address`, r.table)

	_, err := r.db.ExecContext(
		ctx,
		query,
		machine.ID,
		machine.Name,
		machine.Address,
		int(machine.Status),
		string(machine.Phase),
		nullMaterial(machine.MaterialID),
		machine.DailyPulses,
		machine.MaterialPulses,
		machine.DailyUnits,
		machine.Uptime,
		machine.Downtime,
		nullTime(machine.LastActive),
	)
	return err
}

// Update applies the set fields of the patch in one statement.
func (r *MachineRepository) Update(ctx context.Context, id int64, patch machines.Patch) error {
	if r == nil || r.db == nil {
		return errors.New("machine repo: nil db")
	}
	if id <= 0 {
		return machines.ErrInvalidID
	}
	if patch.IsEmpty() {
		return machines.ErrEmptyPatch
	}

	sets := make([]string, 0, 11)
	args := make([]any, 0, 12)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Address != nil {
		add("address", *patch.Address)
	}
	if patch.Status != nil {
		add("status", int(*patch.Status))
	}
	if patch.Phase != nil {
		add("phase", string(*patch.Phase))
	}
	if patch.MaterialID != nil {
		add("material_id", nullMaterial(*patch.MaterialID))
	}
	if patch.DailyPulses != nil {
		add("daily_pulses", *patch.DailyPulses)
	}
	if patch.MaterialPulses != nil {
		add("material_pulses", *patch.MaterialPulses)
	}
	if patch.DailyUnits != nil {
		add("daily_units", *patch.DailyUnits)
	}
	if patch.Uptime != nil {
		add("uptime", *patch.Uptime)
	}
	if patch.Downtime != nil {
		add("downtime", *patch.Downtime)
	}
	if patch.LastActive != nil {
		add("last_active", nullTime(*patch.LastActive))
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`, r.table, strings.Join(sets, ", "), len(args))
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return machines.ErrNotFound
	}
	return nil
}

func scanMachine(scanner interface{ Scan(dest ...any) error }) (*machines.Machine, error) {
	var (
		m          machines.Machine
		status     int
		phase      string
		materialID sql.NullInt64
		lastActive sql.NullTime
	)
	if err := scanner.Scan(
		&m.ID,
		&m.Name,
		&m.Address,
		&status,
		&phase,
		&materialID,
		&m.DailyPulses,
		&m.MaterialPulses,
		&m.DailyUnits,
		&m.Uptime,
		&m.Downtime,
		&lastActive,
	); err != nil {
		return nil, err
	}
	m.Status = machines.Status(status)
	m.Phase = machines.Phase(phase)
	if materialID.Valid {
		m.MaterialID = materialID.Int64
	}
	if lastActive.Valid {
		m.LastActive = lastActive.Time.UTC()
	}
	return &m, nil
}

func nullMaterial(id int64) sql.NullInt64 {
	if id <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: id, Valid: true}
}
