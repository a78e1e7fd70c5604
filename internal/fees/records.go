package fees

import (
	"context"
	"sync"
	"time"

	"pledger/pkg/domain"
	"pledger/pkg/platform/sentinel"
)

// Record is one write-once fee entry per ledger submission, kept for
// reporting only; it carries no invariants affecting the rest of the model.
type Record struct {
	TransactionID domain.TransactionID
	LedgerHash    string
	Kind          domain.TransactionKind
	BaseFee       int64
	TotalFee      int64
	OperationCnt  int
	CreatedAt     time.Time
}

// RecordStore persists fee records.
type RecordStore interface {
	Create(ctx context.Context, rec Record) error
	FindByTransaction(ctx context.Context, id domain.TransactionID) (Record, error)
}

// InMemoryRecordStore is the dev/test implementation.
type InMemoryRecordStore struct {
	mu      sync.RWMutex
	records map[domain.TransactionID]Record
}

func NewInMemoryRecordStore() *InMemoryRecordStore {
	return &InMemoryRecordStore{records: make(map[domain.TransactionID]Record)}
}

func (s *InMemoryRecordStore) Create(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.TransactionID]; ok {
		return sentinel.ErrConflict
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.records[rec.TransactionID] = rec
	return nil
}

func (s *InMemoryRecordStore) FindByTransaction(_ context.Context, id domain.TransactionID) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, sentinel.ErrNotFound
	}
	return rec, nil
}
