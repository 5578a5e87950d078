package events

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGSource reads the outbox table written by the Postgres agreement store.
type PGSource struct {
	db DB
	// in_flight rows older than this are handed out again; covers relays that
	// died between claim and acknowledgement.
	reclaimAfter time.Duration
}

func NewPGSource(db DB, reclaimAfter time.Duration) *PGSource {
	if reclaimAfter <= 0 {
		reclaimAfter = time.Minute
	}
	return &PGSource{db: db, reclaimAfter: reclaimAfter}
}

// Claim marks up to limit pending messages in_flight using SKIP LOCKED so
// several relays can share the table.
func (s *PGSource) Claim(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	const claimSQL = `
UPDATE outbox
SET status = 'in_flight',
    last_attempt = now()
WHERE id IN (
    SELECT id FROM outbox
    WHERE status = 'pending'
       OR (status = 'in_flight' AND last_attempt < now() - make_interval(secs => $2))
    ORDER BY created_at
    FOR UPDATE SKIP LOCKED
    LIMIT $1
)
RETURNING id::text, topic, msg_key, payload, attempts, created_at
`
	rows, err := s.db.Query(ctx, claimSQL, limit, s.reclaimAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("events: claim outbox: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Key, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: iterate outbox: %w", err)
	}
	return out, nil
}

func (s *PGSource) MarkProcessed(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1::uuid`, id); err != nil {
		return fmt.Errorf("events: mark processed: %w", err)
	}
	return nil
}

func (s *PGSource) MarkFailed(ctx context.Context, id string, cause error, dead bool) error {
	status := "pending"
	if dead {
		status = "dead"
	}
	var lastErr string
	if cause != nil {
		lastErr = cause.Error()
	}
	const q = `
UPDATE outbox
SET status = $2,
    attempts = attempts + 1,
    last_attempt = now(),
    last_error = $3
WHERE id = $1::uuid
`
	if _, err := s.db.Exec(ctx, q, id, status, lastErr); err != nil {
		return fmt.Errorf("events: mark failed: %w", err)
	}
	return nil
}
