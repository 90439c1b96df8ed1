package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/knowyourmechanic/kym-api/internal/apperr"
	"github.com/knowyourmechanic/kym-api/internal/identity"
)

type inMemoryStore struct {
	mu       sync.RWMutex
	records  map[string]Record
	counters identity.CounterStore
}

// NewInMemory creates a concurrency-safe in-memory store. Completion credits
// the garage through counters while the store lock is held, so the lock order
// is always ledger then identity.
func NewInMemory(counters identity.CounterStore) Store {
	return &inMemoryStore{records: make(map[string]Record), counters: counters}
}

func (s *inMemoryStore) Create(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return errors.New("duplicate service id")
	}
	s.records[record.ID] = cloneRecord(record)
	return nil
}

func (s *inMemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return cloneRecord(r), nil
}

func (s *inMemoryStore) Apply(ctx context.Context, t Transition) (Record, error) {
	if !CanTransition(t.From, t.To) {
		return Record{}, apperr.New(apperr.KindInvalidState, "cannot move service from %s to %s", t.From, t.To)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[t.RecordID]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	if r.Status != t.From {
		return Record{}, invalidState(r.Status)
	}
	next := cloneRecord(r)
	applyTo(&next, t)
	if t.To == StatusCompleted && s.counters != nil {
		if err := s.counters.IncrementServiceStats(ctx, next.GarageID, next.Amount); err != nil {
			return Record{}, err
		}
	}
	s.records[t.RecordID] = next
	return cloneRecord(next), nil
}

func (s *inMemoryStore) List(_ context.Context, q Query) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0)
	for _, r := range s.records {
		if matches(r, q) {
			out = append(out, cloneRecord(r))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if q.ByCompletion {
			ci, cj := out[i].CompletedAt, out[j].CompletedAt
			if ci != nil && cj != nil && !ci.Equal(*cj) {
				return ci.After(*cj)
			}
			if (ci == nil) != (cj == nil) {
				return ci != nil
			}
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *inMemoryStore) GarageTotals(_ context.Context, garageID string) (Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var t Totals
	for _, r := range s.records {
		if r.GarageID != garageID {
			continue
		}
		switch r.Status {
		case StatusCompleted:
			t.Completed++
			t.Earnings += r.Amount
		case StatusPendingOTP, StatusPendingPayment:
			t.Pending++
		}
	}
	return t, nil
}

func cloneRecord(r Record) Record {
	if r.VerifiedAt != nil {
		v := *r.VerifiedAt
		r.VerifiedAt = &v
	}
	if r.CompletedAt != nil {
		c := *r.CompletedAt
		r.CompletedAt = &c
	}
	return r
}
