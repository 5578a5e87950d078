package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/events"
)

// Roster tracks the agreements created so far along with their parties.
type Roster struct {
	mu         sync.Mutex
	agreements []escrow.Agreement
}

func (r *Roster) add(a escrow.Agreement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agreements = append(r.agreements, a)
}

func (r *Roster) pick(rng *rand.Rand) (escrow.Agreement, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.agreements) == 0 {
		return escrow.Agreement{}, false
	}
	return r.agreements[rng.Intn(len(r.agreements))], true
}

// Len reports how many agreements were created.
func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agreements)
}

// Wallets returns n distinct non-zero addresses.
func Wallets(n int) []common.Address {
	out := make([]common.Address, n)
	for i := range out {
		out[i] = common.BigToAddress(big.NewInt(int64(0x1000 + i)))
	}
	return out
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// tolerate swallows rejections the state machine is expected to produce
// under contention and connection faults injected by chaos.
func tolerate(err error) error {
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	case escrow.KindOf(err) != escrow.KindInternal:
		return nil
	case connectionFault(err):
		return nil
	}
	return err
}

func connectionFault(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08 connection exception, 40 rollback, 57 operator intervention
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "40") || strings.HasPrefix(pgErr.Code, "57")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err) || errors.Is(err, io.ErrUnexpectedEOF) || strings.Contains(err.Error(), "conn closed")
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

// Creator opens agreements between random wallets and funds most of them.
func Creator(ctx context.Context, svc *escrow.Service, roster *Roster, wallets []common.Address, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		perm := rng.Perm(len(wallets))
		buyer, seller := wallets[perm[0]], wallets[perm[1]]
		var agent common.Address
		if rng.Intn(5) != 0 {
			agent = wallets[perm[2]]
		}

		a, err := svc.CreateAgreement(ctx, buyer, seller, agent)
		if err != nil {
			if terr := tolerate(err); terr != nil {
				return fmt.Errorf("creator: %w", terr)
			}
			continue
		}
		roster.add(a)

		if rng.Intn(4) != 0 {
			value := big.NewInt(int64(1 + rng.Intn(1_000_000)))
			if _, err := svc.Deposit(ctx, a.ID, buyer, value); err != nil {
				if terr := tolerate(err); terr != nil {
					return fmt.Errorf("creator deposit: %w", terr)
				}
			}
		}
		pause(rng, 10, 20)
	}
}

// Party plays buyer or seller on random agreements: approving with short
// timeouts, requesting cancel or completion and raising disputes.
func Party(ctx context.Context, svc *escrow.Service, roster *Roster, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		a, ok := roster.pick(rng)
		if !ok {
			pause(rng, 10, 10)
			continue
		}
		caller := a.Buyer
		if rng.Intn(2) == 0 {
			caller = a.Seller
		}

		var err error
		switch rng.Intn(5) {
		case 0, 1:
			timeout := time.Duration(rng.Intn(3000)) * time.Millisecond
			_, err = svc.Approve(ctx, a.ID, caller, timeout)
		case 2:
			_, err = svc.RequestCancel(ctx, a.ID, caller)
		case 3:
			_, err = svc.RequestComplete(ctx, a.ID, caller)
		case 4:
			_, err = svc.RaiseDispute(ctx, a.ID, caller)
		}
		if terr := tolerate(err); terr != nil {
			return fmt.Errorf("party: %w", terr)
		}
		pause(rng, 5, 20)
	}
}

// Arbiter acts as the agent: overriding approved agreements and resolving disputes.
func Arbiter(ctx context.Context, svc *escrow.Service, roster *Roster, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		a, ok := roster.pick(rng)
		if !ok || !a.HasAgent() {
			pause(rng, 10, 10)
			continue
		}

		var err error
		switch rng.Intn(4) {
		case 0:
			_, err = svc.AgentCancel(ctx, a.ID, a.Agent)
		case 1:
			_, err = svc.AgentComplete(ctx, a.ID, a.Agent)
		default:
			outcome := dispute.Split(uint16(rng.Intn(dispute.MaxBasisPoints + 1)))
			_, err = svc.ResolveDispute(ctx, a.ID, a.Agent, outcome)
		}
		if terr := tolerate(err); terr != nil {
			return fmt.Errorf("arbiter: %w", terr)
		}
		pause(rng, 20, 40)
	}
}

// Expirer runs sweeps back to back, racing the parties for approved agreements.
func Expirer(ctx context.Context, sweeper *escrow.Sweeper, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := sweeper.Sweep(ctx); err != nil {
			if terr := tolerate(err); terr != nil {
				return fmt.Errorf("expirer: %w", terr)
			}
		}
		pause(rng, 50, 50)
	}
}

// FlakyPublisher fails roughly one publish in ten.
type FlakyPublisher struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewFlakyPublisher(rng *rand.Rand) *FlakyPublisher {
	return &FlakyPublisher{rng: rng}
}

func (p *FlakyPublisher) Publish(_ context.Context, msg events.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng.Intn(10) == 0 {
		return fmt.Errorf("broker unavailable for %s", msg.Topic)
	}
	return nil
}

func (p *FlakyPublisher) Close() error { return nil }

// OutboxWorker drains the outbox through a relay until stopped.
func OutboxWorker(ctx context.Context, relay *events.Relay, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := relay.Flush(ctx); err != nil {
			if terr := tolerate(err); terr != nil {
				return fmt.Errorf("outbox worker: %w", terr)
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
}
