package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingPublisher struct {
	mu       sync.Mutex
	got      []Message
	failures map[string]int
}

func (p *recordingPublisher) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures[msg.Topic] > 0 {
		p.failures[msg.Topic]--
		return errors.New("broker unavailable")
	}
	p.got = append(p.got, msg)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func mustMessage(t *testing.T, topic string) Message {
	t.Helper()
	msg, err := NewMessage(topic, "1", map[string]any{"agreement_id": 1}, time.Now())
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	return msg
}

func TestRelay_FlushDeliversInOrder(t *testing.T) {
	outbox := NewMemoryOutbox()
	outbox.Enqueue(mustMessage(t, TopicAgreementCreated), mustMessage(t, TopicFundsMoved))
	pub := &recordingPublisher{}

	n, err := NewRelay(outbox, pub).Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 delivered, got %d", n)
	}
	if pub.got[0].Topic != TopicAgreementCreated || pub.got[1].Topic != TopicFundsMoved {
		t.Fatalf("unexpected order: %s, %s", pub.got[0].Topic, pub.got[1].Topic)
	}
	if outbox.Pending() != 0 {
		t.Fatalf("expected empty outbox, got %d pending", outbox.Pending())
	}
}

func TestRelay_RetriesThenDeadLetters(t *testing.T) {
	outbox := NewMemoryOutbox()
	outbox.Enqueue(mustMessage(t, TopicStatusChanged))
	pub := &recordingPublisher{failures: map[string]int{TopicStatusChanged: 10}}
	relay := NewRelay(outbox, pub, WithMaxAttempts(2))

	for i := 0; i < 2; i++ {
		if n, err := relay.Flush(context.Background()); err != nil || n != 0 {
			t.Fatalf("flush %d: delivered=%d err=%v", i, n, err)
		}
	}
	if outbox.Pending() != 0 {
		t.Fatalf("expected message to be dead after 2 attempts, %d pending", outbox.Pending())
	}
	if n, _ := relay.Flush(context.Background()); n != 0 {
		t.Fatalf("dead message was redelivered")
	}
}

func TestRelay_RecoversAfterTransientFailure(t *testing.T) {
	outbox := NewMemoryOutbox()
	outbox.Enqueue(mustMessage(t, TopicFundsMoved))
	pub := &recordingPublisher{failures: map[string]int{TopicFundsMoved: 1}}
	relay := NewRelay(outbox, pub)

	if n, _ := relay.Flush(context.Background()); n != 0 {
		t.Fatalf("expected first flush to fail delivery")
	}
	n, err := relay.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected retry to deliver, got %d", n)
	}
	if got := outbox.Messages()[0].Attempts; got != 1 {
		t.Fatalf("expected 1 recorded failed attempt, got %d", got)
	}
}
