package models

import "time"

// Broadcast statuses persisted in Postgres.
const (
	BroadcastPending    = "pending"
	BroadcastProcessing = "processing"
	BroadcastCompleted  = "completed"
	BroadcastFailed     = "failed"
)

// Delay modes accepted in a broadcast's pacing config.
const (
	DelayAuto     = "auto"
	DelayAdaptive = "adaptive"
	DelayManual   = "manual"
)

// Pacing controls the per-contact delay and batching of one broadcast.
type Pacing struct {
	DelayMode    string `json:"delay_mode"`
	DelaySeconds int    `json:"delay_seconds"`
	Randomize    bool   `json:"randomize"`
	BatchSize    int    `json:"batch_size"`
	PauseMs      int    `json:"pause_ms"`
}

// Broadcast is one bulk-send job targeting an ordered contact list
// through one device. Mutated only by the delivery engine once
// processing starts; terminal at completed or failed.
type Broadcast struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	DeviceID       string    `json:"device_id"`
	Message        string    `json:"message"`
	MediaRef       *string   `json:"media_ref,omitempty"`
	Contacts       []string  `json:"contacts"`
	Pacing         Pacing    `json:"pacing"`
	Priority       int       `json:"priority"`
	Status         string    `json:"status"`
	SentCount      int       `json:"sent_count"`
	FailedCount    int       `json:"failed_count"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	LastError      *string   `json:"last_error,omitempty"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Terminal reports whether the broadcast reached a final status.
func (b Broadcast) Terminal() bool {
	return b.Status == BroadcastCompleted || b.Status == BroadcastFailed
}

// Recurrence expands into a normal broadcast on each cron fire.
type Recurrence struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	DeviceID string   `json:"device_id"`
	Message  string   `json:"message"`
	MediaRef *string  `json:"media_ref,omitempty"`
	Contacts []string `json:"contacts"`
	Pacing   Pacing   `json:"pacing"`
	CronExpr string   `json:"cron_expr"`
	Active   bool     `json:"active"`
}

// AuditLog is a broadcast lifecycle event row.
type AuditLog struct {
	BroadcastID string    `json:"broadcast_id"`
	Event       string    `json:"event"`
	Detail      string    `json:"detail"`
	Recorded    time.Time `json:"recorded_at"`
}
