package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowflow/dispute"
)

// Service is the escrow state machine. Each call is validated and applied
// against the store in a single atomic step.
type Service struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

func NewService(store Store) *Service {
	return &Service{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// WithClock overrides the time source used for deadlines and timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

// Postgres keeps microseconds; truncating here keeps both stores identical.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// CreateAgreement registers a new agreement in the Created state. The buyer
// is the caller; agent may be the zero address.
func (s *Service) CreateAgreement(ctx context.Context, buyer, seller, agent common.Address) (Agreement, error) {
	zero := common.Address{}
	switch {
	case buyer == zero || seller == zero:
		return Agreement{}, fmt.Errorf("%w: buyer and seller are required", ErrInvalidParty)
	case buyer == seller:
		return Agreement{}, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidParty)
	case agent != zero && (agent == buyer || agent == seller):
		return Agreement{}, fmt.Errorf("%w: agent must be a third party", ErrInvalidParty)
	}

	now := s.clock()
	a, err := s.store.Create(ctx, Agreement{
		Buyer:     buyer,
		Seller:    seller,
		Agent:     agent,
		Amount:    new(big.Int),
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Agreement{}, err
	}
	s.logger.Info("agreement created",
		"agreement_id", a.ID,
		"buyer", buyer.Hex(),
		"seller", seller.Hex(),
		"has_agent", a.HasAgent(),
	)
	return a, nil
}

func (s *Service) Get(ctx context.Context, id uint64) (Agreement, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]Agreement, error) {
	return s.store.List(ctx, filter)
}

// Balance returns the escrow the ledger holds for id.
func (s *Service) Balance(ctx context.Context, id uint64) (*big.Int, error) {
	return s.store.Balance(ctx, id)
}

func (s *Service) Timeline(ctx context.Context, id uint64) ([]TimelineEvent, error) {
	return s.store.Timeline(ctx, id)
}

func (s *Service) Deposit(ctx context.Context, id uint64, caller common.Address, value *big.Int) (Agreement, error) {
	return s.apply(ctx, id, Call{Op: OpDeposit, Caller: caller, Value: value})
}

// Approve records the caller's approval. The call that completes the pair
// fixes the deadline at now+timeout.
func (s *Service) Approve(ctx context.Context, id uint64, caller common.Address, timeout time.Duration) (Agreement, error) {
	return s.apply(ctx, id, Call{Op: OpApprove, Caller: caller, Timeout: timeout})
}

func (s *Service) RequestCancel(ctx context.Context, id uint64, caller common.Address) (Agreement, error) {
	return s.apply(ctx, id, Call{Op: OpRequestCancel, Caller: caller})
}

func (s *Service) RequestComplete(ctx context.Context, id uint64, caller common.Address) (Agreement, error) {
	return s.apply(ctx, id, Call{Op: OpRequestComplete, Caller: caller})
}

func (s *Service) AgentCancel(ctx context.Context, id uint64, caller common.Address) (Agreement, error) {
	return s.apply(ctx, id, Call{Op: OpAgentCancel, Caller: caller})
}

func (s *Service) AgentComplete(ctx context.Context, id uint64, caller common.Address) (Agreement, error) {
	return s.apply(ctx, id, Call{Op: OpAgentComplete, Caller: caller})
}

func (s *Service) RaiseDispute(ctx context.Context, id uint64, caller common.Address) (Agreement, error) {
	return s.apply(ctx, id, Call{Op: OpRaiseDispute, Caller: caller})
}

func (s *Service) ResolveDispute(ctx context.Context, id uint64, caller common.Address, outcome dispute.Outcome) (Agreement, error) {
	return s.apply(ctx, id, Call{Op: OpResolveDispute, Caller: caller, Outcome: outcome})
}

// CheckAndHandleExpiration expires an approved agreement whose deadline has
// passed and refunds the buyer. Outside that window it is a no-op that
// returns the current status. Anyone may call it.
func (s *Service) CheckAndHandleExpiration(ctx context.Context, id uint64) (Status, error) {
	return s.expire(ctx, id, common.Address{})
}

// CheckAndHandleExpirationAs is CheckAndHandleExpiration with the caller
// recorded on the timeline.
func (s *Service) CheckAndHandleExpirationAs(ctx context.Context, id uint64, caller common.Address) (Status, error) {
	return s.expire(ctx, id, caller)
}

func (s *Service) expire(ctx context.Context, id uint64, caller common.Address) (Status, error) {
	a, err := s.apply(ctx, id, Call{Op: OpExpire, Caller: caller})
	if err != nil {
		return 0, err
	}
	return a.Status, nil
}

func (s *Service) apply(ctx context.Context, id uint64, call Call) (Agreement, error) {
	now := s.clock()
	t, err := s.store.Mutate(ctx, id, func(cur Agreement) (Transition, error) {
		return Apply(cur, call, now)
	})
	if err != nil {
		level := slog.LevelDebug
		if KindOf(err) == KindInternal && !errors.Is(err, context.Canceled) {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "escrow call rejected",
			"agreement_id", id,
			"op", string(call.Op),
			"caller", call.Caller.Hex(),
			"kind", KindOf(err),
			"error", err,
		)
		return Agreement{}, err
	}

	if t.Changed && t.Prev != t.Next.Status {
		s.logger.Info("agreement transitioned",
			"agreement_id", id,
			"op", string(call.Op),
			"from", t.Prev.String(),
			"to", t.Next.Status.String(),
			"caller", call.Caller.Hex(),
			"postings", len(t.Postings),
		)
	}
	return t.Next, nil
}
