package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	catalog "loomwatch/internal/catalog/domain"
)

const defaultMaterialTable = "materials"

// MaterialRepository is a Postgres implementation of the material catalog.
type MaterialRepository struct {
	db    *sql.DB
	table string
}

// NewMaterialRepository constructs a repository with default table name.
func NewMaterialRepository(db *sql.DB, opts ...RepositoryOption) *MaterialRepository {
	repo := &MaterialRepository{db: db, table: defaultMaterialTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*MaterialRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *MaterialRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Lookup fetches a material by id.
func (r *MaterialRepository) Lookup(ctx context.Context, id int64) (*catalog.Material, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("material repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, name, pattern, color, width, pulses_per_unit
FROM %s
WHERE id = $1`, r.table)

	m, err := scanMaterial(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, catalog.ErrMaterialNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// List returns all materials ordered by id.
func (r *MaterialRepository) List(ctx context.Context) ([]catalog.Material, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("material repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, name, pattern, color, width, pulses_per_unit
FROM %s
ORDER BY id ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []catalog.Material
	for rows.Next() {
		m, err := scanMaterial(rows)
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

// Upsert inserts or replaces one material.
func (r *MaterialRepository) Upsert(ctx context.Context, material catalog.Material) error {
	if r == nil || r.db == nil {
		return errors.New("material repo: nil db")
	}
	if err := material.Validate(); err != nil {
		return err
	}
	return r.upsert(ctx, r.db, material)
}

// Replace swaps the catalog contents in one transaction.
func (r *MaterialRepository) Replace(ctx context.Context, materials []catalog.Material) error {
	if r == nil || r.db == nil {
		return errors.New("material repo: nil db")
	}
	for _, m := range materials {
		if err := m.Validate(); err != nil {
			return err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, r.table)); err != nil {
		return err
	}
	for _, m := range materials {
		if err := r.upsert(ctx, tx, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *MaterialRepository) upsert(ctx context.Context, exec interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, m catalog.Material) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	name,
	pattern,
	color,
	width,
	pulses_per_unit,
	updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, NOW()
)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	pattern = EXCLUDED.pattern,
	color = EXCLUDED.color,
	width = EXCLUDED.width,
	pulses_per_unit = EXCLUDED.pulses_per_unit,
	updated_at = NOW()`, r.table)

	_, err := exec.ExecContext(ctx, query, m.ID, m.Name, m.Pattern, m.Color, m.Width, m.PulsesPerUnit)
	return err
}

func scanMaterial(scanner interface{ Scan(dest ...any) error }) (*catalog.Material, error) {
	var m catalog.Material
	if err := scanner.Scan(&m.ID, &m.Name, &m.Pattern, &m.Color, &m.Width, &m.PulsesPerUnit); err != nil {
		return nil, err
	}
	return &m, nil
}
