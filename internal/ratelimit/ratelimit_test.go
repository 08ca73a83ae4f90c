package ratelimit

import (
	"strconv"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestAllowPerKey(t *testing.T) {
	k := New(rate.Every(time.Hour), 2)
	defer k.Stop()

	if !k.Allow("alice") || !k.Allow("alice") {
		t.Fatal("burst should allow two events")
	}
	if k.Allow("alice") {
		t.Error("third event should be limited")
	}

	if !k.Allow("bob") {
		t.Error("keys must be limited independently")
	}

	if got := k.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestEvictStale(t *testing.T) {
	k := New(rate.Every(time.Hour), 1)
	defer k.Stop()

	k.Allow("alice")
	k.Allow("bob")

	k.evictStale(time.Now())
	if k.Len() != 2 {
		t.Fatalf("fresh entries must survive, have %d", k.Len())
	}

	k.evictStale(time.Now().Add(k.ttl + time.Second))
	if k.Len() != 0 {
		t.Errorf("stale entries must be evicted, have %d", k.Len())
	}

	if !k.Allow("alice") {
		t.Error("evicted key should start with a full bucket")
	}
}

func TestMaxSize(t *testing.T) {
	k := New(rate.Every(time.Hour), 1)
	defer k.Stop()
	k.maxSize = 3

	for i := 0; i < 5; i++ {
		k.Allow(strconv.Itoa(i))
	}

	if got := k.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
}

func TestPerMinute(t *testing.T) {
	if got, want := PerMinute(5), rate.Every(12*time.Second); got != want {
		t.Errorf("PerMinute(5) = %v, want %v", got, want)
	}
}

func TestStopIdempotent(t *testing.T) {
	k := New(1, 1)
	k.Stop()
	k.Stop()

	if !k.Allow("alice") {
		t.Error("limiter should keep working after Stop")
	}
}
