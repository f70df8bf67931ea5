package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"broadcast-fleet/internal/models"
)

const workerColumns = `id, name, active, healthy, load, capacity, priority, response_time_ms, last_heartbeat`

// RegisterWorker upserts this process's row in the health registry.
// Re-registration after a crash re-activates the old row.
func (s *Store) RegisterWorker(ctx context.Context, w models.Worker) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workers (id, name, active, healthy, load, capacity, priority, response_time_ms, last_heartbeat)
		VALUES ($1, $2, TRUE, TRUE, 0, $3, $4, 0, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = $2, active = TRUE, healthy = TRUE, capacity = $3, priority = $4, last_heartbeat = NOW()
	`, w.ID, w.Name, w.Capacity, w.Priority)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

// Heartbeat refreshes liveness, load, and response time for one worker.
func (s *Store) Heartbeat(ctx context.Context, id string, load, responseTimeMs int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workers SET last_heartbeat = NOW(), load = $2, response_time_ms = $3, healthy = TRUE WHERE id = $1
	`, id, load, responseTimeMs)
	return err
}

// DeactivateWorker marks the worker inactive on graceful shutdown.
// Readers treat crashed workers as offline via heartbeat staleness, so
// a missed deactivate is self-healing.
func (s *Store) DeactivateWorker(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE workers SET active = FALSE WHERE id = $1`, id)
	return err
}

// GetWorker fetches one worker row; found=false when the id is unknown.
func (s *Store) GetWorker(ctx context.Context, id string) (models.Worker, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, id)
	w, err := scanWorker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Worker{}, false, nil
	}
	if err != nil {
		return models.Worker{}, false, err
	}
	return w, true, nil
}

// ListWorkers returns every registered worker row.
func (s *Store) ListWorkers(ctx context.Context) ([]models.Worker, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+workerColumns+` FROM workers`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []models.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorker(row deviceRow) (models.Worker, error) {
	var w models.Worker
	var hb pgtype.Timestamptz
	if err := row.Scan(&w.ID, &w.Name, &w.Active, &w.Healthy, &w.Load, &w.Capacity, &w.Priority, &w.ResponseTimeMs, &hb); err != nil {
		return models.Worker{}, fmt.Errorf("scan worker: %w", err)
	}
	if hb.Valid {
		t := hb.Time
		w.LastHeartbeat = &t
	}
	return w, nil
}
