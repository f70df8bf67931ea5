package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"broadcast-fleet/internal/models"
)

// ErrBroadcastNotFound is returned when a broadcast id has no row.
var ErrBroadcastNotFound = errors.New("broadcast not found")

const broadcastColumns = `id, tenant_id, device_id, message, media_ref, contacts,
	delay_mode, delay_seconds, randomize, batch_size, pause_ms, priority,
	status, sent_count, failed_count, attempts, max_attempts, last_error,
	idempotency_key, created_at, updated_at`

// CreateBroadcastParams collects inputs required to insert a broadcast.
type CreateBroadcastParams struct {
	TenantID       string
	DeviceID       string
	Message        string
	MediaRef       string
	Contacts       []string
	Pacing         models.Pacing
	Priority       int
	IdempotencyKey string
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

// CreateBroadcast inserts a broadcast row, honoring idempotency if provided.
// The returned boolean is true when an existing row was reused via the key.
func (s *Store) CreateBroadcast(ctx context.Context, p CreateBroadcastParams) (models.Broadcast, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Priority == 0 {
		p.Priority = 5
	}

	contactsJSON, err := json.Marshal(p.Contacts)
	if err != nil {
		return models.Broadcast{}, false, fmt.Errorf("marshal contacts: %w", err)
	}

	// If an idempotency key already exists, short-circuit before creating anything.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Broadcast{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Broadcast{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO broadcasts (id, tenant_id, device_id, message, media_ref, contacts,
			delay_mode, delay_seconds, randomize, batch_size, pause_ms, priority,
			status, sent_count, failed_count, attempts, max_attempts, idempotency_key,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0, 0, 0, $14, $15, $16, $16)
	`, id, p.TenantID, p.DeviceID, p.Message, emptyToNil(p.MediaRef), contactsJSON,
		p.Pacing.DelayMode, p.Pacing.DelaySeconds, p.Pacing.Randomize, p.Pacing.BatchSize,
		p.Pacing.PauseMs, p.Priority, models.BroadcastPending, p.MaxAttempts,
		emptyToNil(p.IdempotencyKey), now)
	if err != nil {
		return models.Broadcast{}, false, fmt.Errorf("insert broadcast: %w", err)
	}

	if p.IdempotencyKey != "" {
		expires := now.Add(p.IdempotencyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, broadcast_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Broadcast{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return existing row.
			if err := tx.Rollback(ctx); err != nil {
				return models.Broadcast{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Broadcast{}, false, err
			}
			if !found {
				return models.Broadcast{}, false, errors.New("idempotency conflict but no existing broadcast found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Broadcast{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Broadcast{
		ID:             id,
		TenantID:       p.TenantID,
		DeviceID:       p.DeviceID,
		Message:        p.Message,
		MediaRef:       emptyToNil(p.MediaRef),
		Contacts:       p.Contacts,
		Pacing:         p.Pacing,
		Priority:       p.Priority,
		Status:         models.BroadcastPending,
		MaxAttempts:    p.MaxAttempts,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

// FindByIdempotencyKey returns the broadcast mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Broadcast, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT broadcast_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Broadcast{}, false, nil
	}
	if err != nil {
		return models.Broadcast{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	b, err := s.GetBroadcast(ctx, id)
	if err != nil {
		return models.Broadcast{}, false, err
	}
	return b, true, nil
}

// GetBroadcast fetches a broadcast by id.
func (s *Store) GetBroadcast(ctx context.Context, id string) (models.Broadcast, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+broadcastColumns+` FROM broadcasts WHERE id = $1`, id)

	var b models.Broadcast
	var contactsJSON []byte
	var media, lastErr, idem pgtype.Text

	err := row.Scan(&b.ID, &b.TenantID, &b.DeviceID, &b.Message, &media, &contactsJSON,
		&b.Pacing.DelayMode, &b.Pacing.DelaySeconds, &b.Pacing.Randomize, &b.Pacing.BatchSize,
		&b.Pacing.PauseMs, &b.Priority, &b.Status, &b.SentCount, &b.FailedCount,
		&b.Attempts, &b.MaxAttempts, &lastErr, &idem, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Broadcast{}, ErrBroadcastNotFound
	}
	if err != nil {
		return models.Broadcast{}, fmt.Errorf("scan broadcast: %w", err)
	}

	if err := json.Unmarshal(contactsJSON, &b.Contacts); err != nil {
		return models.Broadcast{}, fmt.Errorf("unmarshal contacts: %w", err)
	}
	b.MediaRef = textPtr(media)
	b.LastError = textPtr(lastErr)
	b.IdempotencyKey = textPtr(idem)
	return b, nil
}

// MarkBroadcastProcessing flips the row to processing for observers.
func (s *Store) MarkBroadcastProcessing(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE broadcasts SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.BroadcastProcessing)
	return err
}

// UpdateBroadcastProgress persists partial sent/failed counters mid-job,
// so observers see live progress and a crashed run resumes accurately.
func (s *Store) UpdateBroadcastProgress(ctx context.Context, id string, sent, failed int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE broadcasts SET sent_count = $2, failed_count = $3, updated_at = NOW() WHERE id = $1
	`, id, sent, failed)
	return err
}

// CompleteBroadcast persists the terminal completed state and final counts.
func (s *Store) CompleteBroadcast(ctx context.Context, id string, sent, failed int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE broadcasts
		SET status = $2, sent_count = $3, failed_count = $4, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.BroadcastCompleted, sent, failed)
	return err
}

// FailBroadcast persists the terminal failed state once attempts are exhausted.
func (s *Store) FailBroadcast(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE broadcasts SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.BroadcastFailed, lastError)
	return err
}

// UpdateBroadcastAttempts records a failed attempt and moves the row back
// to pending ahead of the scheduled retry.
func (s *Store) UpdateBroadcastAttempts(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE broadcasts
		SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.BroadcastPending, attempts, lastErr)
	return err
}

// CountBroadcastsByStatus returns row counts keyed by status, for the
// queue-monitoring surface.
func (s *Store) CountBroadcastsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM broadcasts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count broadcasts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// AppendAudit adds a broadcast lifecycle audit row.
func (s *Store) AppendAudit(ctx context.Context, broadcastID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (broadcast_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, broadcastID, event, detail)
	return err
}
