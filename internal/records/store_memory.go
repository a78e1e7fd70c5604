package records

import (
	"context"
	"sync"
	"time"

	"pledger/pkg/domain"
	"pledger/pkg/platform/sentinel"
)

// InMemoryStore keeps records in a map. Primary implementation for tests and
// dev mode; semantics mirror the postgres store exactly.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[domain.TransactionID]*TransactionRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[domain.TransactionID]*TransactionRecord)}
}

func (s *InMemoryStore) Create(_ context.Context, rec *TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return sentinel.ErrConflict
	}
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id domain.TransactionID) (*TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemoryStore) MarkCompleted(_ context.Context, id domain.TransactionID, ledgerHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if rec.Status != domain.StatusPending {
		return sentinel.ErrInvalidState
	}
	rec.Status = domain.StatusCompleted
	rec.LedgerHash = ledgerHash
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) MarkFailed(_ context.Context, id domain.TransactionID, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if rec.Status != domain.StatusPending {
		return sentinel.ErrInvalidState
	}
	rec.Status = domain.StatusFailed
	rec.FailureDetail = detail
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) MarkAggregatesApplied(_ context.Context, id domain.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if rec.Status != domain.StatusCompleted {
		return sentinel.ErrInvalidState
	}
	rec.AggregatesApplied = true
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) UpdateRecurring(_ context.Context, id domain.TransactionID, meta RecurringMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	cp := meta
	rec.Recurring = &cp
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) ListByCampaign(_ context.Context, campaignID domain.CampaignID) ([]*TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TransactionRecord
	for _, rec := range s.records {
		if rec.CampaignID == campaignID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListByDonor(_ context.Context, donorID domain.UserID) ([]*TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TransactionRecord
	for _, rec := range s.records {
		if rec.DonorID != nil && *rec.DonorID == donorID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListUnreconciled(_ context.Context, campaignID domain.CampaignID) ([]*TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TransactionRecord
	for _, rec := range s.records {
		if rec.CampaignID == campaignID && rec.Status == domain.StatusCompleted && !rec.AggregatesApplied {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}
