package escrow

import (
	"context"
	"testing"
	"time"

	"escrowflow/lock"
)

func TestSweeper_ExpiresOnlyPastDeadline(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	short := approvedAgreement(t, svc, true, time.Minute)
	long := approvedAgreement(t, svc, true, time.Hour)
	disputed := approvedAgreement(t, svc, true, time.Minute)
	svc.RaiseDispute(ctx, disputed.ID, buyer)

	clock.Advance(10 * time.Minute)
	sweeper := NewSweeper(svc, time.Second, 10).WithLocker(lock.NewLocalLocker())

	n, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}

	for id, want := range map[uint64]Status{short.ID: StatusExpired, long.ID: StatusApproved, disputed.ID: StatusDisputed} {
		a, _ := svc.Get(ctx, id)
		if a.Status != want {
			t.Fatalf("agreement %d: expected %s, got %s", id, want, a.Status)
		}
	}

	if n, _ := sweeper.Sweep(ctx); n != 0 {
		t.Fatalf("second sweep expired %d", n)
	}
}

func TestSweeper_SkipsWhenLeaseHeld(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	a := approvedAgreement(t, svc, false, time.Minute)
	clock.Advance(time.Hour)

	locker := lock.NewLocalLocker()
	release, err := locker.Acquire(ctx, sweeperLockKey, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	sweeper := NewSweeper(svc, time.Second, 10).WithLocker(locker)
	if n, err := sweeper.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("expected skipped sweep, got %d %v", n, err)
	}

	release()
	if n, err := sweeper.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("expected sweep after release, got %d %v", n, err)
	}
	got, _ := svc.Get(ctx, a.ID)
	if got.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
}
