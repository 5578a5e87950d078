package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// ErrAccountNotFound is returned when no escrow balance row exists for an agreement.
var ErrAccountNotFound = errors.New("ledger: account not found")

// Querier is satisfied by pgxpool.Pool, pgx.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGLedger persists escrow balances in the escrow_balances and
// ledger_entries tables. It never opens its own transaction; callers pass the
// transaction that also updates the agreement row.
type PGLedger struct{}

func NewPGLedger() *PGLedger {
	return &PGLedger{}
}

// Open creates the zero balance row for a new agreement.
func (l *PGLedger) Open(ctx context.Context, tx pgx.Tx, id uint64) error {
	if _, err := tx.Exec(ctx, `INSERT INTO escrow_balances (agreement_id, balance) VALUES ($1, 0)`, int64(id)); err != nil {
		return fmt.Errorf("ledger: open account: %w", err)
	}
	return nil
}

// Post applies postings inside tx. Debits are guarded in SQL so a concurrent
// writer can never take the balance below zero even without the row lock.
func (l *PGLedger) Post(ctx context.Context, tx pgx.Tx, id uint64, postings []Posting, at time.Time) error {
	for _, p := range postings {
		if p.Amount == nil || p.Amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		amount := Numeric(p.Amount)

		switch p.Kind {
		case EntryCredit:
			tag, err := tx.Exec(ctx, `UPDATE escrow_balances SET balance = balance + $2, updated_at = $3 WHERE agreement_id = $1`, int64(id), amount, at)
			if err != nil {
				return fmt.Errorf("ledger: credit: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrAccountNotFound
			}
		case EntryRelease, EntryRefund:
			tag, err := tx.Exec(ctx, `
UPDATE escrow_balances
SET balance = balance - $2,
    updated_at = $3
WHERE agreement_id = $1 AND balance >= $2
`, int64(id), amount, at)
			if err != nil {
				return fmt.Errorf("ledger: debit: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrInsufficientEscrow
			}
		default:
			return fmt.Errorf("ledger: unknown entry kind %q", p.Kind)
		}

		var recipient any
		if p.IsDebit() {
			recipient = p.Recipient.Hex()
		}
		const insertSQL = `
INSERT INTO ledger_entries (agreement_id, kind, amount, recipient, created_at)
VALUES ($1, $2, $3, $4, $5)
`
		if _, err := tx.Exec(ctx, insertSQL, int64(id), string(p.Kind), amount, recipient, at); err != nil {
			return fmt.Errorf("ledger: insert entry: %w", err)
		}
	}
	return nil
}

// Balance returns the escrow currently held for id.
func (l *PGLedger) Balance(ctx context.Context, q Querier, id uint64) (*big.Int, error) {
	var raw string
	err := q.QueryRow(ctx, `SELECT balance::text FROM escrow_balances WHERE agreement_id = $1`, int64(id)).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("ledger: balance: %w", err)
	}
	return ParseAmount(raw)
}

// Entries returns the postings applied to id in order.
func (l *PGLedger) Entries(ctx context.Context, q Querier, id uint64) ([]Entry, error) {
	rows, err := q.Query(ctx, `
SELECT kind, amount::text, COALESCE(recipient, ''), created_at
FROM ledger_entries
WHERE agreement_id = $1
ORDER BY id ASC
`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 4)
	for rows.Next() {
		var (
			kind, raw, recipient string
			at                   time.Time
		)
		if err := rows.Scan(&kind, &raw, &recipient, &at); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		amount, err := ParseAmount(raw)
		if err != nil {
			return nil, err
		}
		e := Entry{AgreementID: id, Kind: EntryKind(kind), Amount: amount, At: at}
		if recipient != "" {
			e.Recipient = common.HexToAddress(recipient)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate entries: %w", err)
	}
	return out, nil
}

// Numeric converts an amount into the pgx NUMERIC representation.
func Numeric(v *big.Int) pgtype.Numeric {
	if v == nil {
		return pgtype.Numeric{Int: new(big.Int), Valid: true}
	}
	return pgtype.Numeric{Int: new(big.Int).Set(v), Exp: 0, Valid: true}
}

// ParseAmount parses a base-10 NUMERIC rendered as text.
func ParseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: malformed amount %q", raw)
	}
	return v, nil
}
