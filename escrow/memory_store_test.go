package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

func TestMemoryStore_ConcurrentCallsSettleOnce(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	const agreements = 16
	ids := make([]uint64, agreements)
	for i := range ids {
		a, err := svc.CreateAgreement(ctx, buyer, seller, agent)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := svc.Deposit(ctx, a.ID, buyer, big.NewInt(100)); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		ids[i] = a.ID
	}

	var g errgroup.Group
	for _, id := range ids {
		for _, party := range []common.Address{buyer, seller, buyer, seller} {
			g.Go(func() error {
				_, err := svc.Approve(ctx, id, party, testTimeout)
				return err
			})
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// every party and the agent race to settle each agreement
	for _, id := range ids {
		for _, fn := range []func() error{
			func() error { _, err := svc.RequestComplete(ctx, id, buyer); return err },
			func() error { _, err := svc.RequestComplete(ctx, id, seller); return err },
			func() error { _, err := svc.AgentCancel(ctx, id, agent); return err },
		} {
			g.Go(func() error {
				if err := fn(); !errors.Is(err, ErrInvalidState) {
					return err
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("settle: %v", err)
	}

	paid := new(big.Int).Add(store.Book().Paid(buyer), store.Book().Paid(seller))
	if want := big.NewInt(100 * agreements); paid.Cmp(want) != 0 {
		t.Fatalf("expected %s paid out in total, got %s", want, paid)
	}
	for _, id := range ids {
		a, _ := svc.Get(ctx, id)
		if !a.Status.Terminal() || a.Amount.Sign() != 0 {
			t.Fatalf("agreement %d not settled: %s %s", id, a.Status, a.Amount)
		}
		if bal, _ := svc.Balance(ctx, id); bal.Sign() != 0 {
			t.Fatalf("agreement %d still holds %s", id, bal)
		}
		approvals := 0
		timeline, _ := svc.Timeline(ctx, id)
		for i, ev := range timeline {
			if ev.Seq != i+1 {
				t.Fatalf("agreement %d: timeline seq %d at position %d", id, ev.Seq, i)
			}
			if ev.Type == EventPartyApproved {
				approvals++
			}
		}
		if approvals != 2 {
			t.Fatalf("agreement %d: expected 2 approvals, got %d", id, approvals)
		}
	}
}

func TestMemoryStore_ListFilters(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	other := common.HexToAddress("0x00000000000000000000000000000000000000e5")

	for i := 0; i < 5; i++ {
		svc.CreateAgreement(ctx, buyer, seller, agent)
	}
	svc.CreateAgreement(ctx, other, seller, common.Address{})
	svc.Deposit(ctx, 1, buyer, big.NewInt(5))

	all, err := svc.List(ctx, ListFilter{})
	if err != nil || len(all) != 6 {
		t.Fatalf("expected 6 agreements, got %d err=%v", len(all), err)
	}

	mine, _ := svc.List(ctx, ListFilter{Party: other})
	if len(mine) != 1 || mine[0].ID != 5 {
		t.Fatalf("unexpected party filter result: %+v", mine)
	}

	funded := StatusFunded
	byStatus, _ := svc.List(ctx, ListFilter{Status: &funded})
	if len(byStatus) != 1 || byStatus[0].ID != 1 {
		t.Fatalf("unexpected status filter result: %+v", byStatus)
	}

	page, _ := svc.List(ctx, ListFilter{Party: agent, Page: 2, PageSize: 2})
	if len(page) != 2 || page[0].ID != 2 || page[1].ID != 3 {
		t.Fatalf("unexpected page: %+v", page)
	}
}
