package dispute

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Record captures a dispute raised against an escrow agreement.
type Record struct {
	RaisedBy   common.Address
	RaisedAt   time.Time
	Status     Status
	Outcome    *Outcome
	ResolvedAt *time.Time
}

// Open starts a dispute raised by party at the given time.
func Open(party common.Address, at time.Time) *Record {
	return &Record{RaisedBy: party, RaisedAt: at, Status: StatusUnderReview}
}

// Resolve closes the dispute with the given outcome.
func (r *Record) Resolve(outcome Outcome, at time.Time) {
	o := outcome
	r.Outcome = &o
	r.Status = StatusResolved
	r.ResolvedAt = &at
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Outcome != nil {
		o := *r.Outcome
		out.Outcome = &o
	}
	if r.ResolvedAt != nil {
		at := *r.ResolvedAt
		out.ResolvedAt = &at
	}
	return &out
}
