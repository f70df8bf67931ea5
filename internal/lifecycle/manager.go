// Package lifecycle reconciles desired device state from the session
// registry against the in-memory session handles this worker holds.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"broadcast-fleet/internal/models"
	"broadcast-fleet/internal/ratelimit"
	"broadcast-fleet/internal/session"
	"broadcast-fleet/internal/telemetry"
)

// DeviceStore is the slice of the session registry the manager mutates.
type DeviceStore interface {
	ListDesiredDevices(ctx context.Context) ([]models.Device, error)
	ClaimDevice(ctx context.Context, id, workerID string) error
	SaveCredentials(ctx context.Context, id string, creds []byte) error
	MarkDeviceConnected(ctx context.Context, id string) error
	ClearDeviceSession(ctx context.Context, id string) error
	SetDeviceStatus(ctx context.Context, id, status string) error
}

// Ownership answers whether this worker may act on a device, and places
// unclaimed devices on the best-fitting worker in the fleet.
type Ownership interface {
	ShouldHandleDevice(ctx context.Context, device models.Device) bool
	SelectBestWorker(ctx context.Context) (string, bool)
}

// ConnGuard rate-limits fresh pairing attempts per tenant.
type ConnGuard interface {
	CheckLimit(ctx context.Context, tenantID string, category ratelimit.Category) (ratelimit.Decision, error)
}

// Options tune the reconciliation loop.
type Options struct {
	Interval             time.Duration
	StuckConnectingAfter time.Duration
	ReconnectStagger     time.Duration
}

func (o *Options) fill() {
	if o.Interval == 0 {
		o.Interval = 10 * time.Second
	}
	if o.StuckConnectingAfter == 0 {
		o.StuckConnectingAfter = 120 * time.Second
	}
	if o.ReconnectStagger == 0 {
		o.ReconnectStagger = 15 * time.Second
	}
}

// Manager owns this worker's live session handles and runs the periodic
// reconciliation pass. Handles are process-local; the registry only ever
// sees status, credentials, and the advisory claim.
type Manager struct {
	store    DeviceStore
	owner    Ownership
	dialer   session.Dialer
	pairings *Pairings
	guard    ConnGuard
	workerID string
	opts     Options
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	handles map[string]session.Handle
	retryAt map[string]time.Time
}

// NewManager wires a manager for one worker process. pairings and guard
// may be nil (pairing codes are then dropped, pairing is unthrottled).
func NewManager(store DeviceStore, owner Ownership, dialer session.Dialer, pairings *Pairings, guard ConnGuard, workerID string, opts Options, log zerolog.Logger) *Manager {
	opts.fill()
	return &Manager{
		store:    store,
		owner:    owner,
		dialer:   dialer,
		pairings: pairings,
		guard:    guard,
		workerID: workerID,
		opts:     opts,
		log:      log,
		now:      time.Now,
		handles:  make(map[string]session.Handle),
		retryAt:  make(map[string]time.Time),
	}
}

// Handle returns the live session handle for a device, if this worker
// holds one.
func (m *Manager) Handle(deviceID string) (session.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[deviceID]
	return h, ok
}

// HandleCount is this worker's current load for the health registry.
func (m *Manager) HandleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Run executes reconciliation passes until the context is cancelled.
// Passes never overlap; a slow pass simply delays the next tick.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		if err := m.Reconcile(ctx); err != nil {
			m.log.Warn().Err(err).Msg("reconcile pass degraded")
		}
		select {
		case <-ctx.Done():
			m.closeAll()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reconcile runs one pass. Only registry-wide read failure degrades the
// whole pass; every per-device error is isolated and retried next pass.
func (m *Manager) Reconcile(ctx context.Context) error {
	start := m.now()
	defer func() {
		telemetry.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	devices, err := m.store.ListDesiredDevices(ctx)
	if err != nil {
		return fmt.Errorf("load desired devices: %w", err)
	}

	desired := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		desired[d.ID] = struct{}{}
		if err := m.reconcileDevice(ctx, d); err != nil {
			m.log.Warn().Err(err).Str("device_id", d.ID).Msg("device reconcile failed")
		}
	}

	// Tear down handles for devices that left the should-be-online set.
	// An explicit disconnect invalidates the session: purge credentials.
	for _, id := range m.heldIDs() {
		if _, ok := desired[id]; ok {
			continue
		}
		m.drop(ctx, id)
		if err := m.store.ClearDeviceSession(ctx, id); err != nil {
			m.log.Warn().Err(err).Str("device_id", id).Msg("clear session after teardown failed")
		}
		m.log.Info().Str("device_id", id).Msg("session torn down, credentials purged")
	}

	telemetry.SessionsHeld.Set(float64(m.HandleCount()))
	return nil
}

func (m *Manager) reconcileDevice(ctx context.Context, d models.Device) error {
	if d.StuckConnecting(m.now(), m.opts.StuckConnectingAfter) {
		m.drop(ctx, d.ID)
		if err := m.store.ClearDeviceSession(ctx, d.ID); err != nil {
			return fmt.Errorf("reset stuck device: %w", err)
		}
		m.log.Warn().Str("device_id", d.ID).
			Dur("stuck_for", m.now().Sub(d.UpdatedAt)).
			Msg("device stuck in connecting, session state cleared")
		return nil
	}

	h, have := m.Handle(d.ID)
	if !have {
		if until, waiting := m.staggered(d.ID); waiting {
			m.log.Debug().Str("device_id", d.ID).Time("retry_at", until).Msg("reconnect staggered")
			return nil
		}
		if !m.owner.ShouldHandleDevice(ctx, d) {
			return nil
		}
		// Unclaimed devices go to the least-loaded eligible worker. If
		// placement picks a peer, its own pass claims the device; with
		// no eligible worker at all, self-claim keeps the fleet live.
		if unclaimed(d) {
			if best, ok := m.owner.SelectBestWorker(ctx); ok && best != m.workerID {
				m.log.Debug().Str("device_id", d.ID).Str("placed_on", best).
					Msg("device placed on another worker")
				return nil
			}
		}
		return m.connect(ctx, d)
	}

	// Handle alive but auth dropped while the device should be online:
	// tear down now, re-dial after the stagger window.
	if !h.Authenticated() && d.Status == models.DeviceConnected {
		m.drop(ctx, d.ID)
		m.setStagger(d.ID)
		if err := m.store.SetDeviceStatus(ctx, d.ID, models.DeviceConnecting); err != nil {
			return fmt.Errorf("mark reconnecting: %w", err)
		}
		m.log.Info().Str("device_id", d.ID).Msg("session deauthenticated, scheduled reconnect")
	}
	return nil
}

func (m *Manager) connect(ctx context.Context, d models.Device) error {
	if err := m.store.ClaimDevice(ctx, d.ID, m.workerID); err != nil {
		return fmt.Errorf("claim device: %w", err)
	}

	ev := m.events(d.ID)
	var (
		h   session.Handle
		err error
	)
	if len(d.Credentials) > 0 {
		m.log.Info().Str("device_id", d.ID).Msg("recovering session from stored credentials")
		h, err = m.dialer.Restore(ctx, d.ID, d.Credentials, ev)
	} else {
		if m.guard != nil {
			dec, gerr := m.guard.CheckLimit(ctx, d.TenantID, ratelimit.DeviceConnPerHour)
			if gerr == nil && !dec.Allowed {
				m.log.Warn().Str("device_id", d.ID).Str("tenant", d.TenantID).
					Msg("connection rate ceiling hit, pairing deferred")
				m.setStagger(d.ID)
				return nil
			}
		}
		m.log.Info().Str("device_id", d.ID).Msg("starting fresh pairing handshake")
		h, err = m.dialer.Pair(ctx, d.ID, ev)
	}
	if err != nil {
		m.setStagger(d.ID)
		if serr := m.store.SetDeviceStatus(ctx, d.ID, models.DeviceError); serr != nil {
			m.log.Warn().Err(serr).Str("device_id", d.ID).Msg("mark device error failed")
		}
		return fmt.Errorf("dial session: %w", err)
	}

	m.mu.Lock()
	m.handles[d.ID] = h
	delete(m.retryAt, d.ID)
	m.mu.Unlock()

	if h.Authenticated() {
		if err := m.store.MarkDeviceConnected(ctx, d.ID); err != nil {
			m.log.Warn().Err(err).Str("device_id", d.ID).Msg("mark connected failed")
		}
	}
	return nil
}

// events wires transport callbacks back into the registry. Callbacks
// run on transport goroutines, so they carry their own context and
// isolated error handling.
func (m *Manager) events(deviceID string) session.Events {
	return session.Events{
		PairingCode: func(code string) {
			if m.pairings == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.pairings.Put(ctx, deviceID, code); err != nil {
				m.log.Warn().Err(err).Str("device_id", deviceID).Msg("stash pairing code failed")
			}
		},
		CredentialsUpdated: func(creds []byte) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.store.SaveCredentials(ctx, deviceID, creds); err != nil {
				m.log.Warn().Err(err).Str("device_id", deviceID).Msg("persist credentials failed")
				return
			}
			if err := m.store.MarkDeviceConnected(ctx, deviceID); err != nil {
				m.log.Warn().Err(err).Str("device_id", deviceID).Msg("mark connected failed")
			}
		},
		Closed: func(err error) {
			m.log.Info().Err(err).Str("device_id", deviceID).Msg("transport closed session")
		},
	}
}

func unclaimed(d models.Device) bool {
	return d.AssignedWorkerID == nil || *d.AssignedWorkerID == ""
}

func (m *Manager) heldIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) drop(ctx context.Context, deviceID string) {
	m.mu.Lock()
	h, ok := m.handles[deviceID]
	delete(m.handles, deviceID)
	m.mu.Unlock()
	if ok {
		if err := h.Close(ctx); err != nil {
			m.log.Warn().Err(err).Str("device_id", deviceID).Msg("handle close failed")
		}
	}
}

func (m *Manager) setStagger(deviceID string) {
	m.mu.Lock()
	m.retryAt[deviceID] = m.now().Add(m.opts.ReconnectStagger)
	m.mu.Unlock()
}

func (m *Manager) staggered(deviceID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.retryAt[deviceID]
	if !ok || m.now().After(until) {
		delete(m.retryAt, deviceID)
		return time.Time{}, false
	}
	return until, true
}

func (m *Manager) closeAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range m.heldIDs() {
		m.drop(ctx, id)
	}
}
