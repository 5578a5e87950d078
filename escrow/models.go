package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowflow/dispute"
)

// Status is the lifecycle position of an agreement. Values match the
// on-chain enum ordering.
type Status uint8

const (
	StatusCreated Status = iota
	StatusFunded
	StatusApproved
	StatusCompleted
	StatusCancelled
	StatusDisputed
	StatusExpired
)

var statusNames = [...]string{
	StatusCreated:   "created",
	StatusFunded:    "funded",
	StatusApproved:  "approved",
	StatusCompleted: "completed",
	StatusCancelled: "cancelled",
	StatusDisputed:  "disputed",
	StatusExpired:   "expired",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

func ParseStatus(raw string) (Status, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for i, name := range statusNames {
		if name == raw {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown status %q", raw)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Agreement is one escrow deal between a buyer, a seller and an optional
// arbitrating agent. The zero Agent address means no agent was assigned.
type Agreement struct {
	ID     uint64
	Buyer  common.Address
	Seller common.Address
	Agent  common.Address
	// Amount is the value currently held in escrow; zero before deposit and
	// after any terminal fund movement.
	Amount *big.Int
	Status Status

	BuyerApproved    bool
	SellerApproved   bool
	ApprovalTimeout  time.Duration
	ApprovalDeadline *time.Time

	BuyerRequestedCancel    bool
	SellerRequestedCancel   bool
	BuyerRequestedComplete  bool
	SellerRequestedComplete bool

	DisputeRaised bool
	Dispute       *dispute.Record

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasAgent reports whether an arbitrating agent was assigned at creation.
func (a Agreement) HasAgent() bool {
	return a.Agent != (common.Address{})
}

// IsParty reports whether addr is the buyer or the seller.
func (a Agreement) IsParty(addr common.Address) bool {
	return addr == a.Buyer || addr == a.Seller
}

// Expired reports whether an approved agreement has reached its deadline.
func (a Agreement) Expired(now time.Time) bool {
	return a.Status == StatusApproved && a.ApprovalDeadline != nil && !now.Before(*a.ApprovalDeadline)
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (a Agreement) Clone() Agreement {
	out := a
	out.Amount = new(big.Int)
	if a.Amount != nil {
		out.Amount.Set(a.Amount)
	}
	if a.ApprovalDeadline != nil {
		d := *a.ApprovalDeadline
		out.ApprovalDeadline = &d
	}
	out.Dispute = a.Dispute.Clone()
	return out
}

// TimelineEvent is an immutable business event recorded for an agreement.
type TimelineEvent struct {
	AgreementID uint64
	Seq         int
	Type        string
	Actor       common.Address
	Payload     []byte
	CreatedAt   time.Time
}

const (
	EventAgreementCreated  = "AGREEMENT_CREATED"
	EventFundsDeposited    = "FUNDS_DEPOSITED"
	EventPartyApproved     = "PARTY_APPROVED"
	EventCancelRequested   = "CANCEL_REQUESTED"
	EventCompleteRequested = "COMPLETE_REQUESTED"
	EventDisputeRaised     = "DISPUTE_RAISED"
	EventDisputeResolved   = "DISPUTE_RESOLVED"
	EventStatusChanged     = "STATUS_CHANGED"
	EventFundsReleased     = "FUNDS_RELEASED"
	EventFundsRefunded     = "FUNDS_REFUNDED"
)

// ListFilter narrows List results. Zero values mean no filter.
type ListFilter struct {
	Party    common.Address
	Status   *Status
	Page     int
	PageSize int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (f ListFilter) normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	return f
}

func (f ListFilter) offset() int {
	return (f.Page - 1) * f.PageSize
}

func (f ListFilter) matches(a Agreement) bool {
	if f.Party != (common.Address{}) && a.Buyer != f.Party && a.Seller != f.Party && a.Agent != f.Party {
		return false
	}
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	return true
}
