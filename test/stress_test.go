package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/escrow"
	"escrowflow/events"
	"escrowflow/lock"
	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent party actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while actors run")
)

func TestEscrowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in short mode")
	}
	seed := *flSeed
	t.Logf("seed=%d", seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	pgC, dsn, shared := startDatabase(t, ctx)
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := escrow.NewService(escrow.NewPGStore(pool)).WithLogger(logger)
	sweeper := escrow.NewSweeper(svc, time.Second, 50).
		WithLocker(lock.NewLocalLocker()).
		WithLogger(logger)
	relay := events.NewRelay(events.NewPGSource(pool, 5*time.Second),
		actors.NewFlakyPublisher(rand.New(rand.NewSource(seed))),
		events.WithBatch(25),
		events.WithMaxAttempts(3),
		events.WithLogger(logger),
	)

	roster := &actors.Roster{}
	wallets := actors.Wallets(12)
	rngFor := func(i int64) *rand.Rand { return rand.New(rand.NewSource(seed + i)) }

	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	g.Go(func() error { return actors.Creator(gctx, svc, roster, wallets, rngFor(1), stop) })
	g.Go(func() error { return actors.Creator(gctx, svc, roster, wallets, rngFor(2), stop) })
	for i := 0; i < *flConcurrency; i++ {
		rng := rngFor(int64(100 + i))
		g.Go(func() error { return actors.Party(gctx, svc, roster, rng, stop) })
	}
	g.Go(func() error { return actors.Arbiter(gctx, svc, roster, rngFor(3), stop) })
	g.Go(func() error { return actors.Arbiter(gctx, svc, roster, rngFor(4), stop) })
	g.Go(func() error { return actors.Expirer(gctx, sweeper, rngFor(5), stop) })
	g.Go(func() error { return actors.Expirer(gctx, sweeper, rngFor(6), stop) })
	g.Go(func() error { return actors.OutboxWorker(gctx, relay, stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(gctx, pool, infra.ApplicationName, rngFor(7), stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(gctx, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// chaos may kill the oracle's own backend
				t.Logf("oracle error: %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx, pool)
				t.Fatalf("oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}

	name, row, err := oracles.Run(context.Background(), pool)
	if err != nil {
		t.Fatalf("final oracle run: %v", err)
	}
	if name != "" {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("oracle %s failed after shutdown. First row: %s (seed=%d)", name, row, seed)
	}
	t.Logf("created %d agreements", roster.Len())
}

func startDatabase(t *testing.T, ctx context.Context) (*infra.PGContainer, string, bool) {
	t.Helper()
	switch {
	case *flDSN != "":
		return &infra.PGContainer{}, *flDSN, true
	case os.Getenv(infra.DSNEnv) != "":
		return &infra.PGContainer{}, os.Getenv(infra.DSNEnv), true
	case dockerAvailable(ctx):
		pgC, dsn, err := infra.StartPostgres(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
		return pgC, dsn, false
	default:
		dsn, err := infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no postgres available: %v", err)
		}
		return &infra.PGContainer{}, dsn, false
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"agreements", `SELECT id, status, amount, approval_deadline, dispute_status, updated_at FROM agreements ORDER BY updated_at DESC LIMIT 30`},
		{"ledger_entries", `SELECT id, agreement_id, kind, amount, recipient FROM ledger_entries ORDER BY id DESC LIMIT 30`},
		{"timeline_events", `SELECT id, agreement_id, seq, type, created_at FROM timeline_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 30`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
