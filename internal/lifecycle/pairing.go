package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pairings stashes the latest pairing artifact (scannable code) per
// device in Redis, short-TTL, so the API can hand it to the client that
// requested the connection.
type Pairings struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPairings builds the stash. ttl bounds how long a code stays
// retrievable; codes expire with the handshake anyway.
func NewPairings(client *redis.Client, ttl time.Duration) *Pairings {
	if ttl == 0 {
		ttl = 2 * time.Minute
	}
	return &Pairings{client: client, ttl: ttl}
}

func pairingKey(deviceID string) string {
	return "pairing:" + deviceID
}

// Put records the latest code for a device, replacing any prior one.
func (p *Pairings) Put(ctx context.Context, deviceID, code string) error {
	return p.client.Set(ctx, pairingKey(deviceID), code, p.ttl).Err()
}

// Get returns the current code, with found=false once expired or absent.
func (p *Pairings) Get(ctx context.Context, deviceID string) (string, bool, error) {
	code, err := p.client.Get(ctx, pairingKey(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return code, true, nil
}
