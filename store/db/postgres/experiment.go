package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/hrygo/promptlab/store"
)

func (d *DB) UpsertExperiment(ctx context.Context, upsert *store.UpsertExperiment) (*store.Experiment, error) {
	if upsert == nil {
		return nil, fmt.Errorf("upsert parameter cannot be nil")
	}

	query := `
		INSERT INTO experiment (id, name, status, payload, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			payload = EXCLUDED.payload,
			updated_ts = EXCLUDED.updated_ts
		RETURNING id, name, status, payload, created_ts, updated_ts
	`

	var e store.Experiment
	err := d.db.QueryRowContext(ctx, query,
		upsert.ID, upsert.Name, upsert.Status, string(upsert.Payload), upsert.CreatedAt, upsert.UpdatedAt,
	).Scan(&e.ID, &e.Name, &e.Status, &e.Payload, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert experiment: %w", err)
	}

	return &e, nil
}

func (d *DB) ListExperiments(ctx context.Context, find *store.FindExperiment) ([]*store.Experiment, error) {
	if find == nil {
		return nil, fmt.Errorf("find parameter cannot be nil")
	}

	where, args := []string{"1 = 1"}, []any{}
	argIndex := 1

	if find.ID != nil {
		where = append(where, fmt.Sprintf("id = $%d", argIndex))
		args = append(args, *find.ID)
		argIndex++
	}
	if find.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, *find.Status)
		argIndex++
	}

	query := fmt.Sprintf(`
		SELECT id, name, status, payload, created_ts, updated_ts
		FROM experiment
		WHERE %s
		ORDER BY created_ts ASC, id ASC
	`, strings.Join(where, " AND "))

	limit := find.Limit
	if limit > 0 {
		if limit > 1000 {
			limit = 1000
		}
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var list []*store.Experiment
	for rows.Next() {
		var e store.Experiment
		if err := rows.Scan(&e.ID, &e.Name, &e.Status, &e.Payload, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		list = append(list, &e)
	}

	return list, rows.Err()
}

func (d *DB) DeleteExperiment(ctx context.Context, delete *store.DeleteExperiment) error {
	if delete == nil || delete.ID == "" {
		return fmt.Errorf("experiment id is required for deletion")
	}

	if _, err := d.db.ExecContext(ctx, `DELETE FROM experiment WHERE id = $1`, delete.ID); err != nil {
		return fmt.Errorf("failed to delete experiment: %w", err)
	}
	return nil
}
