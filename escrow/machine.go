package escrow

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowflow/dispute"
	"escrowflow/ledger"
)

// Op names a caller-facing state machine operation.
type Op string

const (
	OpDeposit         Op = "deposit"
	OpApprove         Op = "approve"
	OpRequestCancel   Op = "request_cancel"
	OpRequestComplete Op = "request_complete"
	OpAgentCancel     Op = "agent_cancel"
	OpAgentComplete   Op = "agent_complete"
	OpExpire          Op = "expire"
	OpRaiseDispute    Op = "raise_dispute"
	OpResolveDispute  Op = "resolve_dispute"
)

// MaxApprovalTimeout bounds the approval window so deadlines stay representable.
const MaxApprovalTimeout = 100 * 365 * 24 * time.Hour

// Call is one invocation of an operation against an agreement.
type Call struct {
	Op      Op
	Caller  common.Address
	Value   *big.Int
	Timeout time.Duration
	Outcome dispute.Outcome
}

// Effect is a timeline entry produced by a transition.
type Effect struct {
	Type    string
	Payload map[string]any
}

// Transition is the result of applying a Call. When Changed is false the call
// was an accepted no-op and nothing must be written.
type Transition struct {
	Op       Op
	Actor    common.Address
	Prev     Status
	Next     Agreement
	Postings []ledger.Posting
	Effects  []Effect
	Changed  bool
}

// Apply validates call against cur and computes the next agreement state and
// the fund movements it requires. It never mutates cur.
//
// Checks run in a fixed order: caller identity (NoAgent before WrongCaller for
// agent operations), then status, then the deadline, then call arguments.
func Apply(cur Agreement, call Call, now time.Time) (Transition, error) {
	t := Transition{
		Op:    call.Op,
		Actor: call.Caller,
		Prev:  cur.Status,
		Next:  cur.Clone(),
	}

	var err error
	switch call.Op {
	case OpDeposit:
		err = t.deposit(call)
	case OpApprove:
		err = t.approve(call, now)
	case OpRequestCancel:
		err = t.requestCancel(call, now)
	case OpRequestComplete:
		err = t.requestComplete(call)
	case OpAgentCancel:
		err = t.agentSettle(call, now, StatusCancelled)
	case OpAgentComplete:
		err = t.agentSettle(call, now, StatusCompleted)
	case OpExpire:
		t.expire(now)
	case OpRaiseDispute:
		err = t.raiseDispute(call, now)
	case OpResolveDispute:
		err = t.resolveDispute(call, now)
	default:
		return Transition{}, fmt.Errorf("escrow: unknown operation %q", call.Op)
	}
	if err != nil {
		return Transition{}, err
	}
	if t.Changed {
		t.Next.UpdatedAt = now
	}
	return t, nil
}

// bothTrue is the dual-consent rule shared by approval, cancellation and
// completion.
func bothTrue(a, b bool) bool {
	return a && b
}

func (t *Transition) deposit(c Call) error {
	a := &t.Next
	if c.Caller != a.Buyer {
		return fmt.Errorf("%w: only the buyer can deposit", ErrWrongCaller)
	}
	if a.Status != StatusCreated {
		return fmt.Errorf("%w: cannot deposit while %s", ErrInvalidState, a.Status)
	}
	if c.Value == nil || c.Value.Sign() <= 0 {
		return fmt.Errorf("%w: deposit must be positive", ErrInvalidAmount)
	}

	a.Amount = new(big.Int).Set(c.Value)
	t.Postings = append(t.Postings, ledger.Credit(c.Value))
	t.note(EventFundsDeposited, map[string]any{"amount": c.Value.String()})
	t.setStatus(StatusFunded)
	return nil
}

func (t *Transition) approve(c Call, now time.Time) error {
	a := &t.Next
	if !a.IsParty(c.Caller) {
		return fmt.Errorf("%w: only buyer or seller can approve", ErrWrongCaller)
	}
	if a.Status != StatusFunded && a.Status != StatusApproved {
		return fmt.Errorf("%w: cannot approve while %s", ErrInvalidState, a.Status)
	}
	if c.Timeout < 0 || c.Timeout > MaxApprovalTimeout {
		return fmt.Errorf("%w: approval timeout %s out of range", ErrInvalidAmount, c.Timeout)
	}
	// the deadline is fixed once both parties agreed
	if a.Status == StatusApproved {
		return nil
	}

	flag := &a.SellerApproved
	if c.Caller == a.Buyer {
		flag = &a.BuyerApproved
	}
	if *flag {
		return nil
	}
	*flag = true
	t.note(EventPartyApproved, map[string]any{"party": c.Caller.Hex()})

	if bothTrue(a.BuyerApproved, a.SellerApproved) {
		deadline := now.Add(c.Timeout)
		a.ApprovalTimeout = c.Timeout
		a.ApprovalDeadline = &deadline
		t.setStatus(StatusApproved)
	}
	return nil
}

func (t *Transition) requestCancel(c Call, now time.Time) error {
	a := &t.Next
	if !a.IsParty(c.Caller) {
		return fmt.Errorf("%w: only buyer or seller can request cancellation", ErrWrongCaller)
	}
	if a.Status != StatusApproved {
		return fmt.Errorf("%w: cannot request cancellation while %s", ErrInvalidState, a.Status)
	}
	if a.Expired(now) {
		return ErrAlreadyExpired
	}

	flag := &a.SellerRequestedCancel
	if c.Caller == a.Buyer {
		flag = &a.BuyerRequestedCancel
	}
	if *flag {
		return nil
	}
	*flag = true
	t.note(EventCancelRequested, map[string]any{"party": c.Caller.Hex()})

	if bothTrue(a.BuyerRequestedCancel, a.SellerRequestedCancel) {
		t.settle(StatusCancelled, nil, a.Amount)
	}
	return nil
}

func (t *Transition) requestComplete(c Call) error {
	a := &t.Next
	if !a.IsParty(c.Caller) {
		return fmt.Errorf("%w: only buyer or seller can request completion", ErrWrongCaller)
	}
	if a.Status != StatusApproved {
		return fmt.Errorf("%w: cannot request completion while %s", ErrInvalidState, a.Status)
	}

	flag := &a.SellerRequestedComplete
	if c.Caller == a.Buyer {
		flag = &a.BuyerRequestedComplete
	}
	if *flag {
		return nil
	}
	*flag = true
	t.note(EventCompleteRequested, map[string]any{"party": c.Caller.Hex()})

	if bothTrue(a.BuyerRequestedComplete, a.SellerRequestedComplete) {
		t.settle(StatusCompleted, a.Amount, nil)
	}
	return nil
}

func (t *Transition) agentSettle(c Call, now time.Time, target Status) error {
	a := &t.Next
	if err := requireAgent(*a, c.Caller); err != nil {
		return err
	}
	if a.Status != StatusApproved && a.Status != StatusDisputed {
		return fmt.Errorf("%w: agent cannot settle while %s", ErrInvalidState, a.Status)
	}

	if a.Status == StatusDisputed {
		outcome := dispute.PaySeller()
		if target == StatusCancelled {
			outcome = dispute.PayBuyer()
		}
		t.closeDispute(outcome, now)
	}
	if target == StatusCancelled {
		t.settle(StatusCancelled, nil, a.Amount)
	} else {
		t.settle(StatusCompleted, a.Amount, nil)
	}
	return nil
}

func (t *Transition) expire(now time.Time) {
	a := &t.Next
	if !a.Expired(now) {
		return
	}
	t.settle(StatusExpired, nil, a.Amount)
}

func (t *Transition) raiseDispute(c Call, now time.Time) error {
	a := &t.Next
	if !a.IsParty(c.Caller) {
		return fmt.Errorf("%w: only buyer or seller can raise a dispute", ErrWrongCaller)
	}
	if a.Status == StatusDisputed {
		return nil
	}
	if a.Status != StatusApproved {
		return fmt.Errorf("%w: cannot dispute while %s", ErrInvalidState, a.Status)
	}
	if a.Expired(now) {
		return ErrAlreadyExpired
	}

	a.DisputeRaised = true
	a.Dispute = dispute.Open(c.Caller, now)
	t.note(EventDisputeRaised, map[string]any{"party": c.Caller.Hex()})
	t.setStatus(StatusDisputed)
	return nil
}

func (t *Transition) resolveDispute(c Call, now time.Time) error {
	a := &t.Next
	if err := requireAgent(*a, c.Caller); err != nil {
		return err
	}
	if a.Status != StatusDisputed {
		return fmt.Errorf("%w: no open dispute while %s", ErrInvalidState, a.Status)
	}
	if err := c.Outcome.Validate(); err != nil {
		return err
	}

	toSeller, toBuyer := c.Outcome.Allocate(a.Amount)
	t.closeDispute(c.Outcome, now)
	if c.Outcome.RefundsBuyer() {
		t.settle(StatusCancelled, toSeller, toBuyer)
	} else {
		t.settle(StatusCompleted, toSeller, toBuyer)
	}
	return nil
}

func requireAgent(a Agreement, caller common.Address) error {
	if !a.HasAgent() {
		return ErrNoAgent
	}
	if caller != a.Agent {
		return fmt.Errorf("%w: only the agent can call this", ErrWrongCaller)
	}
	return nil
}

func (t *Transition) closeDispute(outcome dispute.Outcome, now time.Time) {
	a := &t.Next
	a.DisputeRaised = false
	if a.Dispute == nil {
		a.Dispute = dispute.Open(common.Address{}, now)
	}
	a.Dispute.Resolve(outcome, now)
	t.note(EventDisputeResolved, map[string]any{"outcome": outcome.String()})
}

// settle moves the agreement into a terminal status, paying toSeller to the
// seller and toBuyer to the buyer. Zero or nil shares are skipped.
func (t *Transition) settle(status Status, toSeller, toBuyer *big.Int) {
	a := &t.Next
	t.setStatus(status)
	if toSeller != nil && toSeller.Sign() > 0 {
		t.Postings = append(t.Postings, ledger.Release(toSeller, a.Seller))
		t.note(EventFundsReleased, map[string]any{"amount": toSeller.String(), "recipient": a.Seller.Hex()})
	}
	if toBuyer != nil && toBuyer.Sign() > 0 {
		t.Postings = append(t.Postings, ledger.Refund(toBuyer, a.Buyer))
		t.note(EventFundsRefunded, map[string]any{"amount": toBuyer.String(), "recipient": a.Buyer.Hex()})
	}
	a.Amount = new(big.Int)
}

func (t *Transition) setStatus(next Status) {
	prev := t.Next.Status
	t.Next.Status = next
	t.note(EventStatusChanged, map[string]any{
		"previous_status": prev.String(),
		"next_status":     next.String(),
	})
}

func (t *Transition) note(kind string, payload map[string]any) {
	t.Changed = true
	t.Effects = append(t.Effects, Effect{Type: kind, Payload: payload})
}
