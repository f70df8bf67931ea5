package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LoopbackDialer is the development transport: sessions authenticate
// instantly, pairing issues a random code, and sends are logged instead
// of hitting a real protocol. Also used by tests.
type LoopbackDialer struct {
	log zerolog.Logger
	// SendDelay simulates network latency per send.
	SendDelay time.Duration
}

// NewLoopbackDialer builds the dev dialer.
func NewLoopbackDialer(log zerolog.Logger) *LoopbackDialer {
	return &LoopbackDialer{log: log}
}

func (d *LoopbackDialer) Restore(_ context.Context, deviceID string, creds []byte, ev Events) (Handle, error) {
	if len(creds) == 0 {
		return nil, fmt.Errorf("loopback restore: no credentials for device %s", deviceID)
	}
	h := &loopbackHandle{deviceID: deviceID, dialer: d, authed: true, events: ev}
	return h, nil
}

func (d *LoopbackDialer) Pair(_ context.Context, deviceID string, ev Events) (Handle, error) {
	h := &loopbackHandle{deviceID: deviceID, dialer: d, events: ev}
	code := randomCode()
	if ev.PairingCode != nil {
		ev.PairingCode(code)
	}
	// Loopback pairing succeeds immediately: issue credentials and flip auth.
	h.mu.Lock()
	h.authed = true
	h.mu.Unlock()
	if ev.CredentialsUpdated != nil {
		ev.CredentialsUpdated([]byte("loopback:" + deviceID + ":" + code))
	}
	return h, nil
}

type loopbackHandle struct {
	deviceID string
	dialer   *LoopbackDialer
	events   Events

	mu     sync.Mutex
	authed bool
	closed bool
}

func (h *loopbackHandle) Send(ctx context.Context, target string, msg Message) error {
	h.mu.Lock()
	ok := h.authed && !h.closed
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("loopback session %s not authenticated", h.deviceID)
	}
	if h.dialer.SendDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.dialer.SendDelay):
		}
	}
	h.dialer.log.Debug().Str("device_id", h.deviceID).Str("target", target).
		Int("text_len", len(msg.Text)).Bool("media", msg.Media != nil).
		Msg("loopback send")
	return nil
}

func (h *loopbackHandle) Authenticated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.authed && !h.closed
}

func (h *loopbackHandle) Close(context.Context) error {
	h.mu.Lock()
	already := h.closed
	h.closed = true
	h.mu.Unlock()
	if !already && h.events.Closed != nil {
		h.events.Closed(nil)
	}
	return nil
}

func randomCode() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
