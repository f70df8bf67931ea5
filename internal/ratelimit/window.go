// Package ratelimit gates broadcast admission and individual sends.
// Tenant quotas are fixed-window counters in Redis, scoped by the
// tenant's subscription plan; a separate distributed token bucket smooths
// global admission bursts.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"broadcast-fleet/internal/models"
)

// Category names one quota counter family.
type Category string

const (
	BroadcastPerDay   Category = "broadcast_daily"
	MessagePerDay     Category = "message_daily"
	APICallPerHour    Category = "api_hourly"
	DeviceConnPerHour Category = "device_conn_hourly"
)

// Window returns the counter window length for the category. Counters
// expire with the window; no explicit cleanup is needed.
func (c Category) Window() time.Duration {
	switch c {
	case APICallPerHour, DeviceConnPerHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// PlanSource looks up a tenant's quota ceilings. Treated as a black box;
// lookup failures make the limiter fail open.
type PlanSource interface {
	PlanLimits(ctx context.Context, tenantID string) (models.PlanLimits, error)
}

// Decision is the outcome of one quota check.
type Decision struct {
	Allowed   bool `json:"allowed"`
	Current   int  `json:"current"`
	Max       int  `json:"max"`
	Remaining int  `json:"remaining"`
}

// Limiter enforces per-tenant, plan-scoped quotas.
type Limiter struct {
	client            *redis.Client
	plans             PlanSource
	deviceConnCeiling int
	log               zerolog.Logger
	now               func() time.Time
}

// NewLimiter builds a limiter. deviceConnCeiling is the fixed (not
// plan-scoped) hourly cap on fresh device connections, blunting
// reconnection storms.
func NewLimiter(client *redis.Client, plans PlanSource, deviceConnCeiling int, log zerolog.Logger) *Limiter {
	return &Limiter{
		client:            client,
		plans:             plans,
		deviceConnCeiling: deviceConnCeiling,
		log:               log,
		now:               time.Now,
	}
}

// CheckLimit counts one event against the tenant's quota for the
// category and reports whether it is allowed. Limits at or above the
// unlimited sentinel short-circuit without touching the counter store.
// Plan-lookup and counter-store failures fail open: sending availability
// outranks strict quota enforcement, and the miss is logged for later
// reconciliation.
func (l *Limiter) CheckLimit(ctx context.Context, tenantID string, category Category) (Decision, error) {
	max, err := l.maxFor(ctx, tenantID, category)
	if err != nil {
		l.log.Warn().Err(err).Str("tenant", tenantID).Str("category", string(category)).
			Msg("plan lookup failed, failing open")
		return openDecision(), nil
	}
	if max >= models.Unlimited {
		return openDecision(), nil
	}

	window := category.Window()
	count, err := l.count(ctx, tenantID, category, window)
	if err != nil {
		l.log.Warn().Err(err).Str("tenant", tenantID).Str("category", string(category)).
			Msg("quota counter unavailable, failing open")
		return openDecision(), nil
	}

	current := count
	if current > max {
		current = max
	}
	return Decision{
		Allowed:   count <= max,
		Current:   current,
		Max:       max,
		Remaining: max - current,
	}, nil
}

func (l *Limiter) maxFor(ctx context.Context, tenantID string, category Category) (int, error) {
	if category == DeviceConnPerHour {
		return l.deviceConnCeiling, nil
	}
	plan, err := l.plans.PlanLimits(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	switch category {
	case BroadcastPerDay:
		return plan.BroadcastPerDay, nil
	case MessagePerDay:
		return plan.MessagePerDay, nil
	case APICallPerHour:
		return plan.APICallPerHour, nil
	default:
		return 0, fmt.Errorf("unknown rate limit category %q", category)
	}
}

func (l *Limiter) count(ctx context.Context, tenantID string, category Category, window time.Duration) (int, error) {
	start := l.now().Truncate(window)
	key := fmt.Sprintf("rl:%s:%s:%d", category, tenantID, start.Unix())
	res, err := counterScript.Run(ctx, l.client, []string{key}, window.Milliseconds()).Int()
	if err != nil {
		return 0, err
	}
	return res, nil
}

func openDecision() Decision {
	return Decision{Allowed: true, Current: 0, Max: models.Unlimited, Remaining: models.Unlimited}
}

var counterScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)
