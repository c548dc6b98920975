package store

import (
	"context"
	"sort"
	"sync"

	"github.com/rcourtman/subledger/internal/billing/ledger"
)

// MemoryStore keeps everything in process. Entries are stored encoded so
// reads exercise the same decode path as the durable stores.
type MemoryStore struct {
	mu       sync.RWMutex
	logs     map[string][][]byte
	subs     map[string]ledger.SubscriptionRef
	invoices map[string]string
	deferred map[string][]DeferredRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:     make(map[string][][]byte),
		subs:     make(map[string]ledger.SubscriptionRef),
		invoices: make(map[string]string),
		deferred: make(map[string][]DeferredRecord),
	}
}

func (s *MemoryStore) Append(ctx context.Context, userID string, expectedSeq int64, entries []ledger.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkSequence(userID, expectedSeq, entries); err != nil {
		return err
	}
	encoded := make([][]byte, 0, len(entries))
	for _, e := range entries {
		data, err := encodeEntry(e)
		if err != nil {
			return err
		}
		encoded = append(encoded, data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(len(s.logs[userID])) != expectedSeq {
		return ErrSequenceConflict
	}
	s.logs[userID] = append(s.logs[userID], encoded...)

	subs, invoices := indexUpdates(entries)
	for _, ref := range subs {
		existing, ok := s.subs[ref.SubscriptionID]
		if !ok {
			s.subs[ref.SubscriptionID] = ref
			continue
		}
		if existing.OrderID == "" {
			existing.OrderID = ref.OrderID
		}
		if existing.PriceID == "" {
			existing.PriceID = ref.PriceID
		}
		s.subs[ref.SubscriptionID] = existing
	}
	for _, inv := range invoices {
		s.invoices[inv.invoiceID] = inv.subscriptionID
	}
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, userID string) ([]ledger.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	raw := s.logs[userID]
	s.mu.RUnlock()

	out := make([]ledger.Entry, 0, len(raw))
	for _, data := range raw {
		e, err := decodeEntry(data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) LookupSubscription(_ context.Context, subscriptionID string) (*ledger.SubscriptionRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.subs[subscriptionID]
	if !ok {
		return nil, nil
	}
	return &ref, nil
}

func (s *MemoryStore) LookupInvoice(ctx context.Context, invoiceID string) (*ledger.SubscriptionRef, error) {
	s.mu.RLock()
	subID, ok := s.invoices[invoiceID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.LookupSubscription(ctx, subID)
}

func (s *MemoryStore) SaveDeferred(ctx context.Context, userID string, rec DeferredRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.deferred[userID]
	for i := range recs {
		if recs[i].Key == rec.Key {
			rec.FirstSeen = recs[i].FirstSeen
			recs[i] = rec
			return nil
		}
	}
	s.deferred[userID] = append(recs, rec)
	return nil
}

func (s *MemoryStore) DeleteDeferred(ctx context.Context, userID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.deferred[userID]
	for i := range recs {
		if recs[i].Key == key {
			recs = append(recs[:i:i], recs[i+1:]...)
			break
		}
	}
	if len(recs) == 0 {
		delete(s.deferred, userID)
		return nil
	}
	s.deferred[userID] = recs
	return nil
}

func (s *MemoryStore) LoadDeferred(ctx context.Context, userID string) ([]DeferredRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeferredRecord, len(s.deferred[userID]))
	copy(out, s.deferred[userID])
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].Key < out[j].Key
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out, nil
}

func (s *MemoryStore) DeferredUsers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, recs := range s.deferred {
		for _, rec := range recs {
			if !rec.Expired {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
