package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestAdmissionBucketDrainsAndRefills(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bucket := NewAdmissionBucket(client, 3, 10, time.Minute)
	at := time.Now()
	bucket.now = func() time.Time { return at }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		adm, err := bucket.Allow(ctx, "admit:test")
		if err != nil {
			t.Fatal(err)
		}
		if !adm.Allowed {
			t.Fatalf("request %d should be within burst", i+1)
		}
	}

	adm, err := bucket.Allow(ctx, "admit:test")
	if err != nil {
		t.Fatal(err)
	}
	if adm.Allowed {
		t.Fatalf("bucket should be empty, tokens=%f", adm.Tokens)
	}

	// 10 tokens/sec: 200ms refills two.
	at = at.Add(200 * time.Millisecond)
	adm, err = bucket.Allow(ctx, "admit:test")
	if err != nil {
		t.Fatal(err)
	}
	if !adm.Allowed {
		t.Fatal("bucket should have refilled")
	}
	if adm.Tokens < 0.9 || adm.Tokens > 1.1 {
		t.Fatalf("expected roughly one token left after the draw, got %f", adm.Tokens)
	}
}

func TestAdmissionBucketKeysIndependent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bucket := NewAdmissionBucket(client, 1, 0.001, time.Minute)
	ctx := context.Background()

	if adm, _ := bucket.Allow(ctx, "admit:a"); !adm.Allowed {
		t.Fatal("first draw on key a should pass")
	}
	if adm, _ := bucket.Allow(ctx, "admit:a"); adm.Allowed {
		t.Fatal("key a should be drained")
	}
	if adm, _ := bucket.Allow(ctx, "admit:b"); !adm.Allowed {
		t.Fatal("key b must not share key a's bucket")
	}
}

func TestAdmissionBucketDefaults(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bucket := NewAdmissionBucket(client, 0, 0, 0)
	if bucket.burst != 10 {
		t.Fatalf("burst default = %d, want 10", bucket.burst)
	}
	if bucket.rate != 10 {
		t.Fatalf("rate default = %f, want full bucket per second", bucket.rate)
	}
	if bucket.ttl != time.Hour {
		t.Fatalf("ttl default = %s, want 1h", bucket.ttl)
	}

	adm, err := bucket.Allow(context.Background(), "admit:defaults")
	if err != nil {
		t.Fatal(err)
	}
	if !adm.Allowed || adm.Tokens < 8.9 {
		t.Fatalf("fresh bucket should grant with tokens to spare, got %+v", adm)
	}
}
