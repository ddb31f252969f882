package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/promptlab/store"
)

func (d *DB) UpsertExperiment(ctx context.Context, upsert *store.UpsertExperiment) (*store.Experiment, error) {
	if upsert == nil {
		return nil, fmt.Errorf("upsert parameter cannot be nil")
	}

	stmt := `
		INSERT INTO experiment (id, name, status, payload, created_ts, updated_ts)
		VALUES (` + placeholders(6) + `)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			payload = excluded.payload,
			updated_ts = excluded.updated_ts
	`
	if _, err := d.db.ExecContext(ctx, stmt,
		upsert.ID, upsert.Name, upsert.Status, string(upsert.Payload),
		upsert.CreatedAt.UnixMilli(), upsert.UpdatedAt.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("failed to upsert experiment: %w", err)
	}

	list, err := d.ListExperiments(ctx, &store.FindExperiment{ID: &upsert.ID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("experiment %s not found after upsert", upsert.ID)
	}
	return list[0], nil
}

func (d *DB) ListExperiments(ctx context.Context, find *store.FindExperiment) ([]*store.Experiment, error) {
	if find == nil {
		return nil, fmt.Errorf("find parameter cannot be nil")
	}

	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.Status != nil {
		where, args = append(where, "status = "+placeholder(len(args)+1)), append(args, *find.Status)
	}

	query := `SELECT id, name, status, payload, created_ts, updated_ts FROM experiment WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_ts ASC, id ASC`
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var list []*store.Experiment
	for rows.Next() {
		var e store.Experiment
		var payload string
		var createdTs, updatedTs int64
		if err := rows.Scan(&e.ID, &e.Name, &e.Status, &payload, &createdTs, &updatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		e.Payload = []byte(payload)
		e.CreatedAt = time.UnixMilli(createdTs).UTC()
		e.UpdatedAt = time.UnixMilli(updatedTs).UTC()
		list = append(list, &e)
	}

	return list, rows.Err()
}

func (d *DB) DeleteExperiment(ctx context.Context, delete *store.DeleteExperiment) error {
	if delete == nil || delete.ID == "" {
		return fmt.Errorf("experiment id is required for deletion")
	}

	if _, err := d.db.ExecContext(ctx, `DELETE FROM experiment WHERE id = `+placeholder(1), delete.ID); err != nil {
		return fmt.Errorf("failed to delete experiment: %w", err)
	}
	return nil
}
