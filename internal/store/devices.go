package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"broadcast-fleet/internal/models"
)

// ErrDeviceNotFound is returned when a device id has no registry row.
var ErrDeviceNotFound = errors.New("device not found")

const deviceColumns = `id, tenant_id, name, status, credentials, assigned_worker_id, updated_at, last_connected_at`

// CreateDevice inserts a new device in the disconnected state.
func (s *Store) CreateDevice(ctx context.Context, tenantID, name string) (models.Device, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (id, tenant_id, name, status, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, tenantID, name, models.DeviceDisconnected, now)
	if err != nil {
		return models.Device{}, fmt.Errorf("insert device: %w", err)
	}
	return models.Device{
		ID:        id,
		TenantID:  tenantID,
		Name:      name,
		Status:    models.DeviceDisconnected,
		UpdatedAt: now,
	}, nil
}

// GetDevice fetches a device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (models.Device, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	d, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Device{}, ErrDeviceNotFound
	}
	return d, err
}

// ListDesiredDevices returns every device whose desired status asks for a
// live session (connecting or connected), across all workers.
func (s *Store) ListDesiredDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deviceColumns+` FROM devices WHERE status = $1 OR status = $2
	`, models.DeviceConnecting, models.DeviceConnected)
	if err != nil {
		return nil, fmt.Errorf("list desired devices: %w", err)
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetDeviceStatus updates the status column only.
func (s *Store) SetDeviceStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	return err
}

// ClaimDevice records this worker's advisory claim and moves the device
// into connecting. The claim is re-evaluated on every reconcile pass.
func (s *Store) ClaimDevice(ctx context.Context, id, workerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET assigned_worker_id = $2, status = $3, updated_at = NOW() WHERE id = $1
	`, id, workerID, models.DeviceConnecting)
	return err
}

// SaveCredentials persists the serialized session blob after a
// successful handshake or credential rotation.
func (s *Store) SaveCredentials(ctx context.Context, id string, creds []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET credentials = $2, updated_at = NOW() WHERE id = $1
	`, id, creds)
	return err
}

// MarkDeviceConnected flips the device to connected and stamps
// last_connected_at.
func (s *Store) MarkDeviceConnected(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET status = $2, last_connected_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id, models.DeviceConnected)
	return err
}

// ClearDeviceSession resets the device to disconnected, purging
// credentials and the worker claim. Used for explicit disconnects and
// stuck-connecting resets; the purged session is not recoverable.
func (s *Store) ClearDeviceSession(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET status = $2, credentials = NULL, assigned_worker_id = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.DeviceDisconnected)
	return err
}

// MarkDeviceError records a session-level failure.
func (s *Store) MarkDeviceError(ctx context.Context, id string) error {
	return s.SetDeviceStatus(ctx, id, models.DeviceError)
}

type deviceRow interface {
	Scan(dest ...any) error
}

func scanDevice(row deviceRow) (models.Device, error) {
	var d models.Device
	var worker pgtype.Text
	var last pgtype.Timestamptz
	if err := row.Scan(&d.ID, &d.TenantID, &d.Name, &d.Status, &d.Credentials, &worker, &d.UpdatedAt, &last); err != nil {
		return models.Device{}, fmt.Errorf("scan device: %w", err)
	}
	d.AssignedWorkerID = textPtr(worker)
	if last.Valid {
		t := last.Time
		d.LastConnectedAt = &t
	}
	return d, nil
}
