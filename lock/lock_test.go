package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocalLocker_ExclusiveUntilRelease(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "sweeper", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "sweeper", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if _, err := l.Acquire(ctx, "relay", time.Minute); err != nil {
		t.Fatalf("independent key blocked: %v", err)
	}

	release()
	release()
	if _, err := l.Acquire(ctx, "sweeper", time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestLocalLocker_LeaseLapses(t *testing.T) {
	l := NewLocalLocker()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	l.nowFn = func() time.Time { return now }

	stale, err := l.Acquire(context.Background(), "sweeper", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, err := l.Acquire(context.Background(), "sweeper", time.Second); err != nil {
		t.Fatalf("expected lapsed lease to be reacquired: %v", err)
	}
	// releasing the stale lease must not drop the new holder
	stale()
	if _, err := l.Acquire(context.Background(), "sweeper", time.Second); !errors.Is(err, ErrHeld) {
		t.Fatalf("stale release freed the current lease: %v", err)
	}
}
