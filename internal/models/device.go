package models

import "time"

// Device statuses persisted in the session registry.
const (
	DeviceDisconnected = "disconnected"
	DeviceConnecting   = "connecting"
	DeviceConnected    = "connected"
	DeviceError        = "error"
)

// Device is one messaging-protocol session tied to a tenant account.
// AssignedWorkerID is an advisory claim re-evaluated on every reconcile
// pass, not a lock.
type Device struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	Name             string     `json:"name"`
	Status           string     `json:"status"`
	Credentials      []byte     `json:"-"`
	AssignedWorkerID *string    `json:"assigned_worker_id,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastConnectedAt  *time.Time `json:"last_connected_at,omitempty"`
}

// WantsSession reports whether the reconciler should be holding a live
// handle for this device.
func (d Device) WantsSession() bool {
	return d.Status == DeviceConnecting || d.Status == DeviceConnected
}

// StuckConnecting reports whether the device has sat in `connecting`
// longer than the threshold and should be force-reset.
func (d Device) StuckConnecting(now time.Time, threshold time.Duration) bool {
	return d.Status == DeviceConnecting && now.Sub(d.UpdatedAt) > threshold
}
