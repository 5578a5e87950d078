package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// TopicAgreementCreated is published when a new agreement is registered.
	TopicAgreementCreated = "escrow.agreement_created"
	// TopicStatusChanged is published whenever an agreement changes status.
	TopicStatusChanged = "escrow.status_changed"
	// TopicFundsMoved is published for every credit, release or refund.
	TopicFundsMoved = "escrow.funds_moved"
)

// Message represents a transactional outbox entry.
type Message struct {
	ID        string
	Topic     string
	Key       string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// NewMessage marshals payload into an outbox message keyed by key.
func NewMessage(topic, key string, payload map[string]any, at time.Time) (Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("events: marshal payload: %w", err)
	}
	return Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Key:       key,
		Payload:   body,
		CreatedAt: at,
	}, nil
}

// Publisher delivers outbox messages to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Source hands out pending outbox messages and records delivery results.
type Source interface {
	Claim(ctx context.Context, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error, dead bool) error
}
