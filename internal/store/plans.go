package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"broadcast-fleet/internal/models"
)

// Limits applied when a tenant has no plan row.
var defaultPlan = models.PlanLimits{
	BroadcastPerDay: 50,
	MessagePerDay:   5000,
	APICallPerHour:  1000,
}

// PlanLimits returns the quota ceilings for a tenant, falling back to the
// default plan when no subscription row exists.
func (s *Store) PlanLimits(ctx context.Context, tenantID string) (models.PlanLimits, error) {
	var p models.PlanLimits
	err := s.pool.QueryRow(ctx, `
		SELECT broadcast_per_day, message_per_day, api_call_per_hour
		FROM tenant_plans WHERE tenant_id = $1
	`, tenantID).Scan(&p.BroadcastPerDay, &p.MessagePerDay, &p.APICallPerHour)
	if errors.Is(err, pgx.ErrNoRows) {
		return defaultPlan, nil
	}
	if err != nil {
		return models.PlanLimits{}, fmt.Errorf("query plan: %w", err)
	}
	return p, nil
}

// ListActiveRecurrences returns the recurring-broadcast rows the cron
// runner should keep scheduled.
func (s *Store) ListActiveRecurrences(ctx context.Context) ([]models.Recurrence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, device_id, message, media_ref, contacts,
			delay_mode, delay_seconds, randomize, batch_size, pause_ms, cron_expr, active
		FROM recurrences WHERE active = TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("list recurrences: %w", err)
	}
	defer rows.Close()

	var out []models.Recurrence
	for rows.Next() {
		var r models.Recurrence
		var media pgtype.Text
		var contactsJSON []byte
		if err := rows.Scan(&r.ID, &r.TenantID, &r.DeviceID, &r.Message, &media, &contactsJSON,
			&r.Pacing.DelayMode, &r.Pacing.DelaySeconds, &r.Pacing.Randomize,
			&r.Pacing.BatchSize, &r.Pacing.PauseMs, &r.CronExpr, &r.Active); err != nil {
			return nil, fmt.Errorf("scan recurrence: %w", err)
		}
		if err := json.Unmarshal(contactsJSON, &r.Contacts); err != nil {
			return nil, fmt.Errorf("unmarshal recurrence contacts: %w", err)
		}
		r.MediaRef = textPtr(media)
		out = append(out, r)
	}
	return out, rows.Err()
}
