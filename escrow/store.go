package escrow

import (
	"context"
	"math/big"
	"time"
)

// MutateFunc computes the transition for the current, locked agreement.
type MutateFunc func(cur Agreement) (Transition, error)

// Store is the agreement registry. Implementations serialize Mutate calls
// per agreement and commit the record, ledger postings, timeline entries and
// outbox messages of a changed transition atomically.
type Store interface {
	// Create assigns the next identifier and persists a.
	Create(ctx context.Context, a Agreement) (Agreement, error)
	Get(ctx context.Context, id uint64) (Agreement, error)
	List(ctx context.Context, filter ListFilter) ([]Agreement, error)
	Mutate(ctx context.Context, id uint64, fn MutateFunc) (Transition, error)
	Balance(ctx context.Context, id uint64) (*big.Int, error)
	Timeline(ctx context.Context, id uint64) ([]TimelineEvent, error)
	// ListExpirable returns approved agreements whose deadline is not after now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]uint64, error)
}
