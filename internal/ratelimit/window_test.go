package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"broadcast-fleet/internal/models"
)

type fakePlans struct {
	limits models.PlanLimits
	err    error
	calls  int
}

func (f *fakePlans) PlanLimits(context.Context, string) (models.PlanLimits, error) {
	f.calls++
	if f.err != nil {
		return models.PlanLimits{}, f.err
	}
	return f.limits, nil
}

func newTestLimiter(t *testing.T, plans PlanSource, deviceConnCeiling int) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLimiter(client, plans, deviceConnCeiling, zerolog.Nop()), mr
}

func TestCheckLimitCountsDown(t *testing.T) {
	plans := &fakePlans{limits: models.PlanLimits{BroadcastPerDay: 3}}
	l, _ := newTestLimiter(t, plans, 20)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		dec, err := l.CheckLimit(ctx, "t1", BroadcastPerDay)
		if err != nil {
			t.Fatal(err)
		}
		if !dec.Allowed {
			t.Fatalf("check %d should be allowed", i)
		}
		if dec.Current != i || dec.Remaining != 3-i {
			t.Fatalf("check %d: current=%d remaining=%d", i, dec.Current, dec.Remaining)
		}
	}

	dec, err := l.CheckLimit(ctx, "t1", BroadcastPerDay)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed || dec.Remaining != 0 || dec.Current != 3 {
		t.Fatalf("over-quota check: %+v", dec)
	}
}

func TestCheckLimitBoundary(t *testing.T) {
	plans := &fakePlans{limits: models.PlanLimits{MessagePerDay: 10}}
	l, _ := newTestLimiter(t, plans, 20)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := l.CheckLimit(ctx, "t1", MessagePerDay); err != nil {
			t.Fatal(err)
		}
	}
	dec, err := l.CheckLimit(ctx, "t1", MessagePerDay)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed {
		t.Fatal("11th event within the window must be denied")
	}
	if dec.Remaining != 0 || dec.Current != 10 {
		t.Fatalf("expected current=10 remaining=0, got %+v", dec)
	}
}

func TestUnlimitedSentinelSkipsCounter(t *testing.T) {
	plans := &fakePlans{limits: models.PlanLimits{BroadcastPerDay: models.Unlimited}}
	l, mr := newTestLimiter(t, plans, 20)

	for i := 0; i < 5; i++ {
		dec, err := l.CheckLimit(context.Background(), "t1", BroadcastPerDay)
		if err != nil {
			t.Fatal(err)
		}
		if !dec.Allowed {
			t.Fatal("unlimited plan must always allow")
		}
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("unlimited plan must not touch the counter store, found keys %v", keys)
	}
}

func TestTenantsIsolated(t *testing.T) {
	plans := &fakePlans{limits: models.PlanLimits{BroadcastPerDay: 1}}
	l, _ := newTestLimiter(t, plans, 20)
	ctx := context.Background()

	if dec, _ := l.CheckLimit(ctx, "t1", BroadcastPerDay); !dec.Allowed {
		t.Fatal("first event for t1 should pass")
	}
	if dec, _ := l.CheckLimit(ctx, "t1", BroadcastPerDay); dec.Allowed {
		t.Fatal("second event for t1 should be denied")
	}
	if dec, _ := l.CheckLimit(ctx, "t2", BroadcastPerDay); !dec.Allowed {
		t.Fatal("t2 quota must be independent of t1")
	}
}

func TestCategoriesIsolated(t *testing.T) {
	plans := &fakePlans{limits: models.PlanLimits{BroadcastPerDay: 1, MessagePerDay: 1}}
	l, _ := newTestLimiter(t, plans, 20)
	ctx := context.Background()

	if dec, _ := l.CheckLimit(ctx, "t1", BroadcastPerDay); !dec.Allowed {
		t.Fatal("broadcast counter should start empty")
	}
	if dec, _ := l.CheckLimit(ctx, "t1", MessagePerDay); !dec.Allowed {
		t.Fatal("message counter must not share the broadcast counter")
	}
}

func TestWindowRollover(t *testing.T) {
	plans := &fakePlans{limits: models.PlanLimits{APICallPerHour: 1}}
	l, _ := newTestLimiter(t, plans, 20)
	ctx := context.Background()

	base := time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	if dec, _ := l.CheckLimit(ctx, "t1", APICallPerHour); !dec.Allowed {
		t.Fatal("first call should pass")
	}
	if dec, _ := l.CheckLimit(ctx, "t1", APICallPerHour); dec.Allowed {
		t.Fatal("second call in the same hour should be denied")
	}

	l.now = func() time.Time { return base.Add(time.Hour) }
	if dec, _ := l.CheckLimit(ctx, "t1", APICallPerHour); !dec.Allowed {
		t.Fatal("next hour window must start a fresh counter")
	}
}

func TestFailOpenOnPlanLookupError(t *testing.T) {
	plans := &fakePlans{err: errors.New("postgres down")}
	l, mr := newTestLimiter(t, plans, 20)

	dec, err := l.CheckLimit(context.Background(), "t1", BroadcastPerDay)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed {
		t.Fatal("plan lookup failure must fail open")
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("failed lookup must not consume quota, found keys %v", keys)
	}
}

func TestFailOpenOnCounterStoreError(t *testing.T) {
	plans := &fakePlans{limits: models.PlanLimits{BroadcastPerDay: 1}}
	l, mr := newTestLimiter(t, plans, 20)
	mr.Close()

	dec, err := l.CheckLimit(context.Background(), "t1", BroadcastPerDay)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed {
		t.Fatal("counter store failure must fail open")
	}
}

func TestDeviceConnCeilingSkipsPlanLookup(t *testing.T) {
	plans := &fakePlans{err: errors.New("should not be called")}
	l, _ := newTestLimiter(t, plans, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if dec, _ := l.CheckLimit(ctx, "t1", DeviceConnPerHour); !dec.Allowed {
			t.Fatalf("connection %d should be under the fixed ceiling", i+1)
		}
	}
	if dec, _ := l.CheckLimit(ctx, "t1", DeviceConnPerHour); dec.Allowed {
		t.Fatal("third connection must exceed the fixed hourly ceiling")
	}
	if plans.calls != 0 {
		t.Fatalf("device-connection guard must not consult the plan, %d lookups", plans.calls)
	}
}

func TestCategoryWindows(t *testing.T) {
	if APICallPerHour.Window() != time.Hour || DeviceConnPerHour.Window() != time.Hour {
		t.Fatal("hourly categories must use a one-hour window")
	}
	if BroadcastPerDay.Window() != 24*time.Hour || MessagePerDay.Window() != 24*time.Hour {
		t.Fatal("daily categories must use a 24-hour window")
	}
}
