package escrow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowflow/events"
	"escrowflow/ledger"
)

// entry is a timeline event before the store assigns its sequence number.
type entry struct {
	Type    string
	Actor   common.Address
	Payload []byte
}

// journal renders the timeline entries and outbox messages that must be
// committed together with a transition.
func journal(t Transition, at time.Time) ([]entry, []events.Message, error) {
	id := t.Next.ID
	key := strconv.FormatUint(id, 10)

	entries := make([]entry, 0, len(t.Effects))
	for _, e := range t.Effects {
		payload := map[string]any{"agreement_id": id, "op": string(t.Op)}
		for k, v := range e.Payload {
			payload[k] = v
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("escrow: marshal timeline payload: %w", err)
		}
		entries = append(entries, entry{Type: e.Type, Actor: t.Actor, Payload: body})
	}

	var msgs []events.Message
	for _, e := range t.Effects {
		if e.Type != EventStatusChanged {
			continue
		}
		msg, err := events.NewMessage(events.TopicStatusChanged, key, map[string]any{
			"agreement_id": id,
			"previous":     e.Payload["previous_status"],
			"next":         e.Payload["next_status"],
			"actor":        t.Actor.Hex(),
		}, at)
		if err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, msg)
	}
	for _, p := range t.Postings {
		payload := map[string]any{
			"agreement_id": id,
			"kind":         string(p.Kind),
			"amount":       p.Amount.String(),
		}
		if p.Kind != ledger.EntryCredit {
			payload["recipient"] = p.Recipient.Hex()
		}
		msg, err := events.NewMessage(events.TopicFundsMoved, key, payload, at)
		if err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, msg)
	}
	return entries, msgs, nil
}

// creation renders the records written alongside a new agreement.
func creation(a Agreement) (entry, events.Message, error) {
	payload := map[string]any{
		"agreement_id": a.ID,
		"buyer":        a.Buyer.Hex(),
		"seller":       a.Seller.Hex(),
	}
	if a.HasAgent() {
		payload["agent"] = a.Agent.Hex()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return entry{}, events.Message{}, fmt.Errorf("escrow: marshal timeline payload: %w", err)
	}
	msg, err := events.NewMessage(events.TopicAgreementCreated, strconv.FormatUint(a.ID, 10), payload, a.CreatedAt)
	if err != nil {
		return entry{}, events.Message{}, err
	}
	return entry{Type: EventAgreementCreated, Actor: a.Buyer, Payload: body}, msg, nil
}
