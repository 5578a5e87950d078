package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/dispute"
	"escrowflow/events"
	"escrowflow/ledger"
)

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGStore persists agreements in Postgres. Every write runs in one
// transaction holding the agreement row lock, so the record, its ledger
// postings, timeline events and outbox messages commit together.
type PGStore struct {
	db     DB
	ledger *ledger.PGLedger
}

func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db, ledger: ledger.NewPGLedger()}
}

const agreementColumns = `
id, buyer, seller, agent, amount::text, status,
buyer_approved, seller_approved, approval_timeout_ns, approval_deadline,
buyer_requested_cancel, seller_requested_cancel,
buyer_requested_complete, seller_requested_complete,
dispute_raised, dispute_raised_by, dispute_raised_at, dispute_status,
dispute_outcome, dispute_seller_bps, dispute_resolved_at,
created_at, updated_at`

func scanAgreement(row pgx.Row) (Agreement, error) {
	var (
		a                 Agreement
		id                int64
		buyer, seller     string
		agent             *string
		amount            string
		status            int16
		timeoutNs         int64
		disputeBy         *string
		disputeAt         *time.Time
		disputeStatus     *string
		disputeOutcome    *string
		disputeSellerBps  *int32
		disputeResolvedAt *time.Time
	)
	err := row.Scan(
		&id, &buyer, &seller, &agent, &amount, &status,
		&a.BuyerApproved, &a.SellerApproved, &timeoutNs, &a.ApprovalDeadline,
		&a.BuyerRequestedCancel, &a.SellerRequestedCancel,
		&a.BuyerRequestedComplete, &a.SellerRequestedComplete,
		&a.DisputeRaised, &disputeBy, &disputeAt, &disputeStatus,
		&disputeOutcome, &disputeSellerBps, &disputeResolvedAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return Agreement{}, err
	}

	a.ID = uint64(id)
	a.Buyer = common.HexToAddress(buyer)
	a.Seller = common.HexToAddress(seller)
	if agent != nil {
		a.Agent = common.HexToAddress(*agent)
	}
	if a.Amount, err = ledger.ParseAmount(amount); err != nil {
		return Agreement{}, err
	}
	a.Status = Status(status)
	if !a.Status.Valid() {
		return Agreement{}, fmt.Errorf("escrow: stored status %d out of range", status)
	}
	a.ApprovalTimeout = time.Duration(timeoutNs)

	if disputeAt != nil {
		rec := &dispute.Record{RaisedAt: *disputeAt, Status: dispute.StatusUnderReview}
		if disputeBy != nil {
			rec.RaisedBy = common.HexToAddress(*disputeBy)
		}
		if disputeStatus != nil {
			rec.Status = dispute.Status(*disputeStatus)
		}
		if disputeOutcome != nil {
			var bps uint16
			if disputeSellerBps != nil {
				bps = uint16(*disputeSellerBps)
			}
			o, err := dispute.Parse(*disputeOutcome, bps)
			if err != nil {
				return Agreement{}, err
			}
			rec.Outcome = &o
		}
		rec.ResolvedAt = disputeResolvedAt
		a.Dispute = rec
	}
	return a, nil
}

func nullableAddress(addr common.Address) *string {
	if addr == (common.Address{}) {
		return nil
	}
	s := addr.Hex()
	return &s
}

func (s *PGStore) Create(ctx context.Context, a Agreement) (Agreement, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
INSERT INTO agreements (buyer, seller, agent, amount, status, created_at, updated_at)
VALUES ($1, $2, $3, 0, $4, $5, $5)
RETURNING ` + agreementColumns

	created, err := scanAgreement(tx.QueryRow(ctx, insertSQL,
		a.Buyer.Hex(), a.Seller.Hex(), nullableAddress(a.Agent), int16(StatusCreated), a.CreatedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return Agreement{}, fmt.Errorf("%w: %s", ErrInvalidParty, pgErr.ConstraintName)
		}
		return Agreement{}, fmt.Errorf("escrow: insert agreement: %w", err)
	}

	if err := s.ledger.Open(ctx, tx, created.ID); err != nil {
		return Agreement{}, err
	}

	ev, msg, err := creation(created)
	if err != nil {
		return Agreement{}, err
	}
	if err := appendTimeline(ctx, tx, created.ID, []entry{ev}, created.CreatedAt); err != nil {
		return Agreement{}, err
	}
	if err := enqueueOutbox(ctx, tx, []events.Message{msg}); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return created, nil
}

func (s *PGStore) Get(ctx context.Context, id uint64) (Agreement, error) {
	a, err := scanAgreement(s.db.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = $1`, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("escrow: get agreement: %w", err)
	}
	return a, nil
}

func (s *PGStore) List(ctx context.Context, filter ListFilter) ([]Agreement, error) {
	filter = filter.normalize()

	var party *string
	if filter.Party != (common.Address{}) {
		p := filter.Party.Hex()
		party = &p
	}
	var status *int16
	if filter.Status != nil {
		st := int16(*filter.Status)
		status = &st
	}

	const listSQL = `
SELECT ` + agreementColumns + `
FROM agreements
WHERE ($1::text IS NULL OR buyer = $1 OR seller = $1 OR agent = $1)
  AND ($2::smallint IS NULL OR status = $2)
ORDER BY id ASC
LIMIT $3 OFFSET $4
`
	rows, err := s.db.Query(ctx, listSQL, party, status, filter.PageSize, filter.offset())
	if err != nil {
		return nil, fmt.Errorf("escrow: list agreements: %w", err)
	}
	defer rows.Close()

	out := make([]Agreement, 0, filter.PageSize)
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan agreement: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate agreements: %w", err)
	}
	return out, nil
}

func (s *PGStore) Mutate(ctx context.Context, id uint64, fn MutateFunc) (Transition, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Transition{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := scanAgreement(tx.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = $1 FOR UPDATE`, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transition{}, ErrNotFound
		}
		return Transition{}, fmt.Errorf("escrow: lock agreement: %w", err)
	}

	t, err := fn(cur)
	if err != nil {
		return Transition{}, err
	}
	if !t.Changed {
		return t, nil
	}

	at := t.Next.UpdatedAt
	entries, msgs, err := journal(t, at)
	if err != nil {
		return Transition{}, err
	}
	if err := updateAgreement(ctx, tx, t.Next); err != nil {
		return Transition{}, err
	}
	if err := s.ledger.Post(ctx, tx, id, t.Postings, at); err != nil {
		return Transition{}, err
	}
	if err := appendTimeline(ctx, tx, id, entries, at); err != nil {
		return Transition{}, err
	}
	if err := enqueueOutbox(ctx, tx, msgs); err != nil {
		return Transition{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transition{}, fmt.Errorf("escrow: commit transition: %w", err)
	}
	return t, nil
}

func updateAgreement(ctx context.Context, tx pgx.Tx, a Agreement) error {
	var (
		disputeBy, disputeStatus, disputeOutcome *string
		disputeAt, disputeResolvedAt             *time.Time
		disputeSellerBps                         *int32
	)
	if d := a.Dispute; d != nil {
		disputeBy = nullableAddress(d.RaisedBy)
		at := d.RaisedAt
		disputeAt = &at
		st := string(d.Status)
		disputeStatus = &st
		if d.Outcome != nil {
			kind := string(d.Outcome.Kind)
			disputeOutcome = &kind
			bps := int32(d.Outcome.SellerBps)
			disputeSellerBps = &bps
		}
		disputeResolvedAt = d.ResolvedAt
	}

	const updateSQL = `
UPDATE agreements
SET amount = $2,
    status = $3,
    buyer_approved = $4,
    seller_approved = $5,
    approval_timeout_ns = $6,
    approval_deadline = $7,
    buyer_requested_cancel = $8,
    seller_requested_cancel = $9,
    buyer_requested_complete = $10,
    seller_requested_complete = $11,
    dispute_raised = $12,
    dispute_raised_by = $13,
    dispute_raised_at = $14,
    dispute_status = $15,
    dispute_outcome = $16,
    dispute_seller_bps = $17,
    dispute_resolved_at = $18,
    updated_at = $19
WHERE id = $1
`
	_, err := tx.Exec(ctx, updateSQL,
		int64(a.ID), ledger.Numeric(a.Amount), int16(a.Status),
		a.BuyerApproved, a.SellerApproved, int64(a.ApprovalTimeout), a.ApprovalDeadline,
		a.BuyerRequestedCancel, a.SellerRequestedCancel,
		a.BuyerRequestedComplete, a.SellerRequestedComplete,
		a.DisputeRaised, disputeBy, disputeAt, disputeStatus,
		disputeOutcome, disputeSellerBps, disputeResolvedAt,
		a.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "P0001" {
			return fmt.Errorf("%w: %s", ErrInvalidState, pgErr.Message)
		}
		return fmt.Errorf("escrow: update agreement: %w", err)
	}
	return nil
}

func appendTimeline(ctx context.Context, tx pgx.Tx, id uint64, entries []entry, at time.Time) error {
	const insertSQL = `
INSERT INTO timeline_events (agreement_id, seq, type, actor, payload, created_at)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5
FROM timeline_events
WHERE agreement_id = $1
`
	for _, e := range entries {
		if _, err := tx.Exec(ctx, insertSQL, int64(id), e.Type, nullableAddress(e.Actor), e.Payload, at); err != nil {
			return fmt.Errorf("escrow: insert timeline event: %w", err)
		}
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, msgs []events.Message) error {
	const insertSQL = `
INSERT INTO outbox (id, topic, msg_key, payload, created_at)
VALUES ($1::uuid, $2, $3, $4, $5)
`
	for _, m := range msgs {
		if _, err := tx.Exec(ctx, insertSQL, m.ID, m.Topic, m.Key, m.Payload, m.CreatedAt); err != nil {
			return fmt.Errorf("escrow: insert outbox message: %w", err)
		}
	}
	return nil
}

func (s *PGStore) Balance(ctx context.Context, id uint64) (*big.Int, error) {
	bal, err := s.ledger.Balance(ctx, s.db, id)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return bal, nil
}

func (s *PGStore) Timeline(ctx context.Context, id uint64) ([]TimelineEvent, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agreements WHERE id = $1)`, int64(id)).Scan(&exists); err != nil {
		return nil, fmt.Errorf("escrow: check agreement: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.db.Query(ctx, `
SELECT seq, type, COALESCE(actor, ''), payload, created_at
FROM timeline_events
WHERE agreement_id = $1
ORDER BY seq ASC
`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("escrow: list timeline: %w", err)
	}
	defer rows.Close()

	var out []TimelineEvent
	for rows.Next() {
		ev := TimelineEvent{AgreementID: id}
		var actor string
		if err := rows.Scan(&ev.Seq, &ev.Type, &actor, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan timeline: %w", err)
		}
		if actor != "" {
			ev.Actor = common.HexToAddress(actor)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate timeline: %w", err)
	}
	return out, nil
}

func (s *PGStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]uint64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT id
FROM agreements
WHERE status = $1 AND approval_deadline <= $2
ORDER BY approval_deadline ASC
LIMIT $3
`, int16(StatusApproved), now, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: list expirable: %w", err)
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("escrow: scan expirable: %w", err)
		}
		ids = append(ids, uint64(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate expirable: %w", err)
	}
	return ids, nil
}

var _ Store = (*PGStore)(nil)
