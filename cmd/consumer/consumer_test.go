package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/registry"
)

// fakeUpserter implements PositionUpserter for tests
type fakeUpserter struct {
	fail  int // number of times to fail before succeeding
	err   error
	calls int
}

func (f *fakeUpserter) UpsertPosition(ctx context.Context, ping models.LocationPing) error {
	f.calls++
	if f.calls <= f.fail {
		if f.err != nil {
			return f.err
		}
		return errors.New("transient failure")
	}
	return nil
}

func TestUpsertWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpserter{fail: 2}
	ping := models.LocationPing{DriverID: "d1", Lng: 2, Lat: 1}
	ctx := context.Background()
	start := time.Now()
	if err := upsertWithRetry(ctx, f, ping, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpsertWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpserter{fail: 5}
	ping := models.LocationPing{DriverID: "d1", Lng: 2, Lat: 1}
	if err := upsertWithRetry(context.Background(), f, ping, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestUpsertWithRetry_NoRetryOnInvalidCoordinate(t *testing.T) {
	f := &fakeUpserter{fail: 5, err: registry.ErrInvalidCoordinate}
	ping := models.LocationPing{DriverID: "d1", Lng: 200, Lat: 0}
	err := upsertWithRetry(context.Background(), f, ping, 3, 5*time.Millisecond)
	if !errors.Is(err, registry.ErrInvalidCoordinate) {
		t.Fatalf("expected invalid coordinate error, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("validation failures should not be retried, got %d calls", f.calls)
	}
}
