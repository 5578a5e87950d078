package escrow

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"escrowflow/dispute"
	"escrowflow/ledger"
)

func approvedFixture(now time.Time) Agreement {
	deadline := now.Add(time.Hour)
	return Agreement{
		ID:               4,
		Buyer:            buyer,
		Seller:           seller,
		Agent:            agent,
		Amount:           big.NewInt(100),
		Status:           StatusApproved,
		BuyerApproved:    true,
		SellerApproved:   true,
		ApprovalTimeout:  time.Hour,
		ApprovalDeadline: &deadline,
	}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := approvedFixture(now)

	tr, err := Apply(cur, Call{Op: OpAgentComplete, Caller: agent}, now)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cur.Status != StatusApproved || cur.Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("input mutated: %s %s", cur.Status, cur.Amount)
	}
	if tr.Next.Status != StatusCompleted || tr.Next.Amount.Sign() != 0 {
		t.Fatalf("unexpected next state: %s %s", tr.Next.Status, tr.Next.Amount)
	}
	if len(tr.Postings) != 1 || tr.Postings[0].Kind != ledger.EntryRelease || tr.Postings[0].Recipient != seller {
		t.Fatalf("expected single release to seller, got %+v", tr.Postings)
	}
	if !tr.Next.UpdatedAt.Equal(now) {
		t.Fatalf("expected UpdatedAt %s, got %s", now, tr.Next.UpdatedAt)
	}
}

func TestApply_SingleFlagNeverTransitions(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := approvedFixture(now)

	tr, err := Apply(cur, Call{Op: OpRequestCancel, Caller: seller}, now)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if tr.Next.Status != StatusApproved || !tr.Next.SellerRequestedCancel || len(tr.Postings) != 0 {
		t.Fatalf("single cancel request transitioned: %+v", tr)
	}

	tr, err = Apply(tr.Next, Call{Op: OpRequestCancel, Caller: seller}, now)
	if err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if tr.Changed {
		t.Fatal("repeat request reported a change")
	}
}

func TestApply_DeadlineBoundary(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := approvedFixture(now)
	deadline := *cur.ApprovalDeadline

	if _, err := Apply(cur, Call{Op: OpRequestCancel, Caller: buyer}, deadline.Add(-time.Nanosecond)); err != nil {
		t.Fatalf("cancel just before deadline: %v", err)
	}
	if _, err := Apply(cur, Call{Op: OpRequestCancel, Caller: buyer}, deadline); !errors.Is(err, ErrAlreadyExpired) {
		t.Fatalf("expected ErrAlreadyExpired at the deadline, got %v", err)
	}

	tr, err := Apply(cur, Call{Op: OpExpire}, deadline.Add(-time.Nanosecond))
	if err != nil || tr.Changed {
		t.Fatalf("expire before deadline: changed=%v err=%v", tr.Changed, err)
	}
	tr, err = Apply(cur, Call{Op: OpExpire}, deadline)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if tr.Next.Status != StatusExpired || len(tr.Postings) != 1 || tr.Postings[0].Recipient != buyer {
		t.Fatalf("expected refund on expiry, got %+v", tr)
	}
}

func TestApply_RequestCompleteIgnoresDeadline(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := approvedFixture(now)
	cur.BuyerRequestedComplete = true
	late := cur.ApprovalDeadline.Add(time.Minute)

	tr, err := Apply(cur, Call{Op: OpRequestComplete, Caller: seller}, late)
	if err != nil {
		t.Fatalf("complete after deadline: %v", err)
	}
	if tr.Next.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", tr.Next.Status)
	}
}

func TestApply_SplitSkipsZeroShares(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := approvedFixture(now)
	cur.Status = StatusDisputed
	cur.DisputeRaised = true
	cur.Dispute = dispute.Open(buyer, now)

	tr, err := Apply(cur, Call{Op: OpResolveDispute, Caller: agent, Outcome: dispute.Split(dispute.MaxBasisPoints)}, now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(tr.Postings) != 1 || tr.Postings[0].Kind != ledger.EntryRelease {
		t.Fatalf("expected a single release, got %+v", tr.Postings)
	}
	if cur.Dispute.Status != dispute.StatusUnderReview {
		t.Fatal("resolving mutated the input dispute record")
	}
}

func TestApply_UnknownOp(t *testing.T) {
	if _, err := Apply(Agreement{}, Call{Op: "withdraw"}, time.Now()); err == nil {
		t.Fatal("expected error for unknown op")
	}
}

func TestStatus_TextRoundTrip(t *testing.T) {
	for s := StatusCreated; s <= StatusExpired; s++ {
		b, _ := s.MarshalText()
		var got Status
		if err := got.UnmarshalText(b); err != nil || got != s {
			t.Fatalf("round trip %s: got %s err=%v", s, got, err)
		}
	}
	if _, err := ParseStatus("pending"); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if !StatusExpired.Terminal() || StatusDisputed.Terminal() {
		t.Fatal("unexpected terminal classification")
	}
}
