package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"escrowflow/lock"
)

const sweeperLockKey = "escrow-expiration-sweeper"

// Sweeper periodically expires approved agreements whose deadline passed.
// When a Locker is set only the replica holding the lease sweeps.
type Sweeper struct {
	svc      *Service
	store    Store
	locker   lock.Locker
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

func NewSweeper(svc *Service, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		svc:      svc,
		store:    svc.store,
		interval: interval,
		batch:    batch,
		logger:   svc.logger,
	}
}

func (w *Sweeper) WithLocker(l lock.Locker) *Sweeper {
	w.locker = l
	return w
}

func (w *Sweeper) WithLogger(l *slog.Logger) *Sweeper {
	if l != nil {
		w.logger = l
	}
	return w
}

// Run sweeps every interval until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("expiration sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass and returns how many agreements it expired.
func (w *Sweeper) Sweep(ctx context.Context) (int, error) {
	if w.locker != nil {
		release, err := w.locker.Acquire(ctx, sweeperLockKey, w.interval)
		if err != nil {
			if errors.Is(err, lock.ErrHeld) {
				return 0, nil
			}
			return 0, err
		}
		defer release()
	}

	ids, err := w.store.ListExpirable(ctx, w.svc.clock(), w.batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		status, err := w.svc.CheckAndHandleExpiration(ctx, id)
		if err != nil {
			w.logger.Warn("expire agreement failed", "agreement_id", id, "error", err)
			continue
		}
		if status == StatusExpired {
			expired++
		}
	}
	if expired > 0 {
		w.logger.Info("expired agreements", "count", expired)
	}
	return expired, nil
}
