package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInsufficientEscrow signals a debit larger than the balance held for an agreement.
	ErrInsufficientEscrow = errors.New("ledger: insufficient escrow")
	// ErrInvalidAmount signals a zero, negative or missing posting amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// EntryKind classifies a ledger posting.
type EntryKind string

const (
	EntryCredit  EntryKind = "credit"
	EntryRelease EntryKind = "release"
	EntryRefund  EntryKind = "refund"
)

// Posting is a single fund movement requested against an agreement's escrow.
// Credits have no recipient; releases pay the seller and refunds pay the buyer.
type Posting struct {
	Kind      EntryKind
	Amount    *big.Int
	Recipient common.Address
}

// Credit builds a credit posting.
func Credit(amount *big.Int) Posting {
	return Posting{Kind: EntryCredit, Amount: new(big.Int).Set(amount)}
}

// Release builds a debit posting paying the seller.
func Release(amount *big.Int, seller common.Address) Posting {
	return Posting{Kind: EntryRelease, Amount: new(big.Int).Set(amount), Recipient: seller}
}

// Refund builds a debit posting returning funds to the buyer.
func Refund(amount *big.Int, buyer common.Address) Posting {
	return Posting{Kind: EntryRefund, Amount: new(big.Int).Set(amount), Recipient: buyer}
}

// IsDebit reports whether the posting moves funds out of escrow.
func (p Posting) IsDebit() bool {
	return p.Kind == EntryRelease || p.Kind == EntryRefund
}

// Entry is an applied posting.
type Entry struct {
	AgreementID uint64
	Kind        EntryKind
	Amount      *big.Int
	Recipient   common.Address
	At          time.Time
}

// Validate checks that a batch of postings never drives balance below zero
// when applied in order.
func Validate(balance *big.Int, postings []Posting) error {
	running := new(big.Int).Set(balance)
	for _, p := range postings {
		if p.Amount == nil || p.Amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		switch p.Kind {
		case EntryCredit:
			running.Add(running, p.Amount)
		case EntryRelease, EntryRefund:
			if running.Cmp(p.Amount) < 0 {
				return fmt.Errorf("%w: debit %s exceeds balance %s", ErrInsufficientEscrow, p.Amount, running)
			}
			running.Sub(running, p.Amount)
		default:
			return fmt.Errorf("ledger: unknown entry kind %q", p.Kind)
		}
	}
	return nil
}

// Book is an in-memory escrow ledger. It tracks the balance held per
// agreement and the cumulative amount paid out per recipient.
type Book struct {
	mu       sync.Mutex
	balances map[uint64]*big.Int
	paid     map[common.Address]*big.Int
	entries  map[uint64][]Entry
}

func NewBook() *Book {
	return &Book{
		balances: make(map[uint64]*big.Int),
		paid:     make(map[common.Address]*big.Int),
		entries:  make(map[uint64][]Entry),
	}
}

// Credit adds amount to the escrow held for id.
func (b *Book) Credit(id uint64, amount *big.Int, at time.Time) error {
	return b.Post(id, []Posting{Credit(amount)}, at)
}

// Debit moves amount out of the escrow held for id and pays recipient.
func (b *Book) Debit(id uint64, amount *big.Int, recipient common.Address, kind EntryKind, at time.Time) error {
	if kind != EntryRelease && kind != EntryRefund {
		return fmt.Errorf("ledger: %q is not a debit kind", kind)
	}
	return b.Post(id, []Posting{{Kind: kind, Amount: amount, Recipient: recipient}}, at)
}

// Post applies postings atomically: either every posting is applied or none.
func (b *Book) Post(id uint64, postings []Posting, at time.Time) error {
	if len(postings) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	balance := b.balances[id]
	if balance == nil {
		balance = new(big.Int)
	}
	if err := Validate(balance, postings); err != nil {
		return err
	}

	next := new(big.Int).Set(balance)
	for _, p := range postings {
		amount := new(big.Int).Set(p.Amount)
		if p.IsDebit() {
			next.Sub(next, amount)
			paid := b.paid[p.Recipient]
			if paid == nil {
				paid = new(big.Int)
				b.paid[p.Recipient] = paid
			}
			paid.Add(paid, amount)
		} else {
			next.Add(next, amount)
		}
		b.entries[id] = append(b.entries[id], Entry{
			AgreementID: id,
			Kind:        p.Kind,
			Amount:      amount,
			Recipient:   p.Recipient,
			At:          at,
		})
	}
	b.balances[id] = next
	return nil
}

// Balance returns the escrow currently held for id.
func (b *Book) Balance(id uint64) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal := b.balances[id]; bal != nil {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Paid returns the total amount paid out of escrow to addr.
func (b *Book) Paid(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.paid[addr]; p != nil {
		return new(big.Int).Set(p)
	}
	return new(big.Int)
}

// Entries returns the postings applied to id in order.
func (b *Book) Entries(id uint64) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries[id]))
	copy(out, b.entries[id])
	return out
}
