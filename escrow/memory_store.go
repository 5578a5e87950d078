package escrow

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"escrowflow/events"
	"escrowflow/ledger"
)

type memoryRecord struct {
	mu        sync.Mutex
	agreement Agreement
	timeline  []TimelineEvent
}

// MemoryStore keeps agreements in process. The registry lock only guards the
// index; each record has its own lock so different agreements proceed in
// parallel.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*memoryRecord
	book    *ledger.Book
	outbox  *events.MemoryOutbox
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		book:   ledger.NewBook(),
		outbox: events.NewMemoryOutbox(),
	}
}

// Book exposes the ledger backing the store.
func (s *MemoryStore) Book() *ledger.Book {
	return s.book
}

// Outbox exposes the pending messages for an events.Relay.
func (s *MemoryStore) Outbox() *events.MemoryOutbox {
	return s.outbox
}

func (s *MemoryStore) Create(_ context.Context, a Agreement) (Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a = a.Clone()
	a.ID = uint64(len(s.records))
	ev, msg, err := creation(a)
	if err != nil {
		return Agreement{}, err
	}

	rec := &memoryRecord{agreement: a}
	rec.timeline = append(rec.timeline, TimelineEvent{
		AgreementID: a.ID,
		Seq:         1,
		Type:        ev.Type,
		Actor:       ev.Actor,
		Payload:     ev.Payload,
		CreatedAt:   a.CreatedAt,
	})
	s.records = append(s.records, rec)
	s.outbox.Enqueue(msg)
	return a.Clone(), nil
}

func (s *MemoryStore) record(id uint64) (*memoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id >= uint64(len(s.records)) {
		return nil, ErrNotFound
	}
	return s.records[id], nil
}

func (s *MemoryStore) Get(_ context.Context, id uint64) (Agreement, error) {
	rec, err := s.record(id)
	if err != nil {
		return Agreement{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.agreement.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]Agreement, error) {
	filter = filter.normalize()

	s.mu.RLock()
	records := make([]*memoryRecord, len(s.records))
	copy(records, s.records)
	s.mu.RUnlock()

	out := make([]Agreement, 0, filter.PageSize)
	skip := filter.offset()
	for _, rec := range records {
		rec.mu.Lock()
		a := rec.agreement
		ok := filter.matches(a)
		if ok && skip == 0 {
			a = a.Clone()
		}
		rec.mu.Unlock()

		if !ok {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, a)
		if len(out) == filter.PageSize {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Mutate(_ context.Context, id uint64, fn MutateFunc) (Transition, error) {
	rec, err := s.record(id)
	if err != nil {
		return Transition{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	t, err := fn(rec.agreement.Clone())
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
	// the ledger is the only write that can fail, so it goes first
	if err := s.book.Post(id, t.Postings, at); err != nil {
		return Transition{}, err
	}

	rec.agreement = t.Next.Clone()
	seq := len(rec.timeline)
	for _, e := range entries {
		seq++
		rec.timeline = append(rec.timeline, TimelineEvent{
			AgreementID: id,
			Seq:         seq,
			Type:        e.Type,
			Actor:       e.Actor,
			Payload:     e.Payload,
			CreatedAt:   at,
		})
	}
	s.outbox.Enqueue(msgs...)
	return t, nil
}

func (s *MemoryStore) Balance(_ context.Context, id uint64) (*big.Int, error) {
	if _, err := s.record(id); err != nil {
		return nil, err
	}
	return s.book.Balance(id), nil
}

func (s *MemoryStore) Timeline(_ context.Context, id uint64) ([]TimelineEvent, error) {
	rec, err := s.record(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]TimelineEvent, len(rec.timeline))
	copy(out, rec.timeline)
	return out, nil
}

func (s *MemoryStore) ListExpirable(_ context.Context, now time.Time, limit int) ([]uint64, error) {
	s.mu.RLock()
	records := make([]*memoryRecord, len(s.records))
	copy(records, s.records)
	s.mu.RUnlock()

	type candidate struct {
		id       uint64
		deadline time.Time
	}
	var found []candidate
	for _, rec := range records {
		rec.mu.Lock()
		if rec.agreement.Expired(now) {
			found = append(found, candidate{id: rec.agreement.ID, deadline: *rec.agreement.ApprovalDeadline})
		}
		rec.mu.Unlock()
	}
	sort.Slice(found, func(i, j int) bool { return found[i].deadline.Before(found[j].deadline) })

	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	ids := make([]uint64, len(found))
	for i, c := range found {
		ids[i] = c.id
	}
	return ids, nil
}

var _ Store = (*MemoryStore)(nil)
