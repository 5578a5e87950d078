package dispute

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrInvalidOutcome signals an unknown outcome kind or an out of range split.
var ErrInvalidOutcome = errors.New("dispute: invalid outcome")

// MaxBasisPoints is the seller share representing the full escrowed amount.
const MaxBasisPoints = 10000

// Kind names how an arbitrating agent settles a dispute.
type Kind string

const (
	KindPayBuyer  Kind = "pay_buyer"
	KindPaySeller Kind = "pay_seller"
	KindSplit     Kind = "split"
)

// Outcome is the agent's ruling. SellerBps is only meaningful for KindSplit and
// holds the seller's share in basis points; the buyer receives the remainder.
type Outcome struct {
	Kind      Kind
	SellerBps uint16
}

func PayBuyer() Outcome  { return Outcome{Kind: KindPayBuyer} }
func PaySeller() Outcome { return Outcome{Kind: KindPaySeller} }

func Split(sellerBps uint16) Outcome {
	return Outcome{Kind: KindSplit, SellerBps: sellerBps}
}

// Parse builds an outcome from its wire form.
func Parse(kind string, sellerBps uint16) (Outcome, error) {
	o := Outcome{Kind: Kind(strings.ToLower(strings.TrimSpace(kind)))}
	if o.Kind == KindSplit {
		o.SellerBps = sellerBps
	}
	if err := o.Validate(); err != nil {
		return Outcome{}, err
	}
	return o, nil
}

func (o Outcome) Validate() error {
	switch o.Kind {
	case KindPayBuyer, KindPaySeller:
		return nil
	case KindSplit:
		if o.SellerBps > MaxBasisPoints {
			return fmt.Errorf("%w: split %d bps exceeds %d", ErrInvalidOutcome, o.SellerBps, MaxBasisPoints)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOutcome, o.Kind)
	}
}

// RefundsBuyer reports whether the ruling cancels the deal rather than completing it.
func (o Outcome) RefundsBuyer() bool {
	return o.Kind == KindPayBuyer
}

// Allocate divides amount between seller and buyer. Integer division rounds
// the seller's share down so any remainder stays with the buyer.
func (o Outcome) Allocate(amount *big.Int) (toSeller, toBuyer *big.Int) {
	total := new(big.Int)
	if amount != nil {
		total.Set(amount)
	}
	switch o.Kind {
	case KindPaySeller:
		return total, new(big.Int)
	case KindSplit:
		seller := new(big.Int).Mul(total, big.NewInt(int64(o.SellerBps)))
		seller.Quo(seller, big.NewInt(MaxBasisPoints))
		return seller, new(big.Int).Sub(total, seller)
	default:
		return new(big.Int), total
	}
}

func (o Outcome) String() string {
	if o.Kind == KindSplit {
		return fmt.Sprintf("split(%d)", o.SellerBps)
	}
	return string(o.Kind)
}
