package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

func TestLockerExclusive(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()

	locker := NewLockerWithClient(client, Config{Prefix: "escrow:lock:test:", TTL: 5 * time.Second, Wait: 100 * time.Millisecond})
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "e-1")
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := locker.Lock(ctx, "e-1"); !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("expected lock contention, got %v", err)
	}
	unlock()

	unlock, err = locker.Lock(ctx, "e-1")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	unlock()
}

func TestLockerRenewsWhileHeld(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	locker := NewLockerWithClient(client, Config{Prefix: "escrow:lock:renew:", TTL: 300 * time.Millisecond, Wait: 100 * time.Millisecond})
	unlock, err := locker.Lock(ctx, "e-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	time.Sleep(time.Second)
	if n, err := client.Exists(ctx, "escrow:lock:renew:e-1").Result(); err != nil || n != 1 {
		t.Fatalf("lock held past its ttl should have been renewed, exists=%d err=%v", n, err)
	}
	if _, err := locker.Lock(ctx, "e-1"); !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("renewed lock must stay exclusive, got %v", err)
	}
	unlock()
	unlock()
	if n, _ := client.Exists(ctx, "escrow:lock:renew:e-1").Result(); n != 0 {
		t.Fatalf("release should delete the key")
	}
}

func TestLockerStopsRenewingAtMaxHold(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	locker := NewLockerWithClient(client, Config{Prefix: "escrow:lock:bound:", TTL: 200 * time.Millisecond, MaxHold: 400 * time.Millisecond})
	unlock, err := locker.Lock(ctx, "e-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	time.Sleep(time.Second)
	if n, _ := client.Exists(ctx, "escrow:lock:bound:e-1").Result(); n != 0 {
		t.Fatalf("lock should expire once renewal reaches max hold")
	}
}

func TestRenewEvery(t *testing.T) {
	if got := renewEvery(30 * time.Second); got != 10*time.Second {
		t.Fatalf("expected a third of the ttl, got %s", got)
	}
	if got := renewEvery(time.Millisecond); got != 10*time.Millisecond {
		t.Fatalf("expected the 10ms floor, got %s", got)
	}
}

func TestNewLockerRequiresAddress(t *testing.T) {
	if _, err := NewLocker(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}
