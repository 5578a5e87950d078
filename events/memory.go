package events

import (
	"context"
	"fmt"
	"sync"
)

type memoryState string

const (
	memoryPending   memoryState = "pending"
	memoryInFlight  memoryState = "in_flight"
	memoryProcessed memoryState = "processed"
	memoryDead      memoryState = "dead"
)

type memoryEntry struct {
	msg   Message
	state memoryState
	err   string
}

// MemoryOutbox is an in-process outbox used by the in-memory agreement store.
type MemoryOutbox struct {
	mu      sync.Mutex
	entries []*memoryEntry
	byID    map[string]*memoryEntry
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{byID: make(map[string]*memoryEntry)}
}

// Enqueue appends messages in order.
func (o *MemoryOutbox) Enqueue(msgs ...Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range msgs {
		e := &memoryEntry{msg: m, state: memoryPending}
		o.entries = append(o.entries, e)
		o.byID[m.ID] = e
	}
}

func (o *MemoryOutbox) Claim(_ context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Message, 0, limit)
	for _, e := range o.entries {
		if len(out) == limit {
			break
		}
		if e.state != memoryPending {
			continue
		}
		e.state = memoryInFlight
		out = append(out, e.msg)
	}
	return out, nil
}

func (o *MemoryOutbox) MarkProcessed(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.byID[id]
	if !ok {
		return fmt.Errorf("events: message %s not found", id)
	}
	e.state = memoryProcessed
	return nil
}

func (o *MemoryOutbox) MarkFailed(_ context.Context, id string, cause error, dead bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.byID[id]
	if !ok {
		return fmt.Errorf("events: message %s not found", id)
	}
	e.msg.Attempts++
	if cause != nil {
		e.err = cause.Error()
	}
	if dead {
		e.state = memoryDead
	} else {
		e.state = memoryPending
	}
	return nil
}

// Messages returns every message ever enqueued, in order.
func (o *MemoryOutbox) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e.msg)
	}
	return out
}

// Pending counts messages not yet delivered or dead-lettered.
func (o *MemoryOutbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.entries {
		if e.state == memoryPending || e.state == memoryInFlight {
			n++
		}
	}
	return n
}
