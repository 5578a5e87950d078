package events

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	defaultRelayBatch       = 50
	defaultRelayInterval    = time.Second
	defaultRelayMaxAttempts = 5
)

// Relay moves outbox messages from a Source to a Publisher.
type Relay struct {
	source      Source
	publisher   Publisher
	logger      *slog.Logger
	batch       int
	interval    time.Duration
	maxAttempts int
}

// RelayOption customizes a Relay.
type RelayOption func(*Relay)

func WithBatch(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithMaxAttempts sets how many failed deliveries a message tolerates before
// it is marked dead.
func WithMaxAttempts(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRelay(source Source, publisher Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		source:      source,
		publisher:   publisher,
		logger:      slog.Default(),
		batch:       defaultRelayBatch,
		interval:    defaultRelayInterval,
		maxAttempts: defaultRelayMaxAttempts,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run flushes the outbox every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("outbox flush failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Flush claims one batch and attempts to publish every message in it. It
// returns the number of messages delivered.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	msgs, err := r.source.Claim(ctx, r.batch)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, msg := range msgs {
		if pubErr := r.publisher.Publish(ctx, msg); pubErr != nil {
			dead := msg.Attempts+1 >= r.maxAttempts
			if err := r.source.MarkFailed(ctx, msg.ID, pubErr, dead); err != nil {
				return delivered, err
			}
			r.logger.Warn("outbox publish failed",
				"message_id", msg.ID,
				"topic", msg.Topic,
				"attempt", msg.Attempts+1,
				"dead", dead,
				"error", pubErr,
			)
			continue
		}
		if err := r.source.MarkProcessed(ctx, msg.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}
