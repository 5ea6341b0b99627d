package scanner

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPacerDelaysAfterDone(t *testing.T) {
	p := NewPacer(40*time.Millisecond, RateLimiterSettings{})
	ctx := context.Background()

	start := time.Now()
	if err := p.Wait(ctx, "Shop.test"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Fatal("first probe should not wait")
	}
	p.Done("shop.test")

	start = time.Now()
	if err := p.Wait(ctx, "SHOP.TEST"); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("expected politeness delay, waited %s", elapsed)
	}
}

func TestPacerHostsAreIndependent(t *testing.T) {
	p := NewPacer(time.Second, RateLimiterSettings{})
	p.Done("a.test")

	start := time.Now()
	if err := p.Wait(context.Background(), "b.test"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("a different host must not be delayed")
	}
}

func TestPacerWaitHonoursCancellation(t *testing.T) {
	p := NewPacer(time.Hour, RateLimiterSettings{})
	p.Done("shop.test")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx, "shop.test"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPacerForget(t *testing.T) {
	p := NewPacer(time.Hour, RateLimiterSettings{Requests: 1, Window: time.Hour})
	p.Done("shop.test")
	p.Forget("shop.test")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Wait(ctx, "shop.test"); err != nil {
		t.Fatalf("forgotten host should not wait: %v", err)
	}
}
