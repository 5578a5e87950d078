package escrow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/events"
	"escrowflow/ledger"
)

// newPGService connects to DATABASE_URL, migrates a private schema and
// returns a service backed by PGStore.
func newPGService(t *testing.T) (*Service, *pgxpool.Pool, *fakeClock) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := pgx.Identifier{fmt.Sprintf("escrow_it_%d", time.Now().UnixNano())}.Sanitize()
	admin, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		admin.Close(ctx)
		t.Fatalf("create schema: %v", err)
	}
	admin.Close(ctx)

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET search_path TO "+schema)
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if conn, err := pgx.Connect(ctx, dsn); err == nil {
			_, _ = conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
			conn.Close(ctx)
		}
	})

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clock := newFakeClock()
	svc := NewService(NewPGStore(pool)).
		WithClock(clock.Now).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, pool, clock
}

func TestPGStore_DisputeLifecycle_Integration(t *testing.T) {
	svc, pool, _ := newPGService(t)
	ctx := context.Background()

	a := approvedAgreement(t, svc, true, testTimeout)
	if a.ID != 0 {
		t.Fatalf("expected first id 0, got %d", a.ID)
	}

	if _, err := svc.RaiseDispute(ctx, a.ID, buyer); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	got, err := svc.ResolveDispute(ctx, a.ID, agent, dispute.Split(2500))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Status != StatusCompleted || got.Amount.Sign() != 0 {
		t.Fatalf("unexpected agreement after resolve: %+v", got)
	}

	reloaded, err := svc.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Dispute == nil || reloaded.Dispute.Status != dispute.StatusResolved || reloaded.Dispute.Outcome == nil {
		t.Fatalf("dispute not persisted: %+v", reloaded.Dispute)
	}
	if reloaded.Dispute.Outcome.SellerBps != 2500 {
		t.Fatalf("expected 2500 bps, got %d", reloaded.Dispute.Outcome.SellerBps)
	}

	bal, err := svc.Balance(ctx, a.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Sign() != 0 {
		t.Fatalf("expected empty escrow, got %s", bal)
	}

	entries, err := ledger.NewPGLedger().Entries(ctx, pool, a.ID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	sellerShare := new(big.Int).Div(tenEther(), big.NewInt(4))
	var released *big.Int
	for _, e := range entries {
		if e.Kind == ledger.EntryRelease {
			released = e.Amount
		}
	}
	if released == nil || released.Cmp(sellerShare) != 0 {
		t.Fatalf("expected seller release %s, got %v", sellerShare, released)
	}

	timeline, err := svc.Timeline(ctx, a.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	for i, ev := range timeline {
		if ev.Seq != i+1 {
			t.Fatalf("timeline seq gap at %d: %+v", i, ev)
		}
	}
	if timeline[0].Type != EventAgreementCreated {
		t.Fatalf("expected creation first, got %s", timeline[0].Type)
	}

	if _, err := svc.AgentCancel(ctx, a.ID, agent); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after completion, got %v", err)
	}
}

func TestPGStore_ConcurrentCompletionSettlesOnce_Integration(t *testing.T) {
	svc, pool, _ := newPGService(t)
	ctx := context.Background()

	a := approvedAgreement(t, svc, false, testTimeout)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		caller := buyer
		if i%2 == 1 {
			caller = seller
		}
		g.Go(func() error {
			_, err := svc.RequestComplete(gctx, a.ID, caller)
			if err != nil && !errors.Is(err, ErrInvalidState) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent completion: %v", err)
	}

	var releases int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE agreement_id = $1 AND kind = 'release'`, int64(a.ID)).Scan(&releases); err != nil {
		t.Fatalf("count releases: %v", err)
	}
	if releases != 1 {
		t.Fatalf("expected exactly one release, got %d", releases)
	}
}

func TestPGStore_ExpirationAndOutbox_Integration(t *testing.T) {
	svc, pool, clock := newPGService(t)
	ctx := context.Background()

	a := approvedAgreement(t, svc, false, time.Minute)
	clock.Advance(time.Minute)

	sweeper := NewSweeper(svc, time.Second, 10)
	n, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one expiration, got %d", n)
	}
	if st, err := svc.CheckAndHandleExpiration(ctx, a.ID); err != nil || st != StatusExpired {
		t.Fatalf("expected expired no-op, got %v %v", st, err)
	}

	source := events.NewPGSource(pool, time.Minute)
	msgs, err := source.Claim(ctx, 100)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	var fundsMoved int
	for _, m := range msgs {
		if m.Key != "0" {
			t.Fatalf("unexpected message key %q", m.Key)
		}
		if m.Topic == events.TopicFundsMoved {
			fundsMoved++
		}
		if err := source.MarkProcessed(ctx, m.ID); err != nil {
			t.Fatalf("mark processed: %v", err)
		}
	}
	// one credit on deposit and one refund on expiry
	if fundsMoved != 2 {
		t.Fatalf("expected 2 funds_moved messages, got %d", fundsMoved)
	}
	if again, err := source.Claim(ctx, 100); err != nil || len(again) != 0 {
		t.Fatalf("expected drained outbox, got %d messages (err=%v)", len(again), err)
	}
}
