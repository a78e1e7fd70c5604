package escrow

import (
	"context"
	"sync"
	"time"

	"pledger/pkg/domain"
	"pledger/pkg/platform/sentinel"
)

// InMemoryStore indexes escrows by campaign.
type InMemoryStore struct {
	mu       sync.RWMutex
	accounts map[domain.CampaignID]*Account
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{accounts: make(map[domain.CampaignID]*Account)}
}

func (s *InMemoryStore) Create(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.CampaignID]; ok {
		return sentinel.ErrConflict
	}
	s.accounts[a.CampaignID] = copyAccount(a)
	return nil
}

func (s *InMemoryStore) FindByCampaign(_ context.Context, campaignID domain.CampaignID) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[campaignID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyAccount(a), nil
}

func (s *InMemoryStore) MarkReleased(_ context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID, at time.Time, by domain.UserID, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[campaignID]
	if !ok {
		return false, sentinel.ErrNotFound
	}
	e := a.Entry(milestoneID)
	if e == nil {
		return false, sentinel.ErrNotFound
	}
	if e.Status != domain.EscrowEntryPending {
		return false, nil
	}
	e.Status = domain.EscrowEntryReleased
	t := at
	e.ReleasedAt = &t
	e.ReleasedBy = by
	e.ReleaseTxHash = txHash
	return true, nil
}

func (s *InMemoryStore) ListDue(_ context.Context, now time.Time) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Account
	for _, a := range s.accounts {
		for _, e := range a.Entries {
			if e.Status == domain.EscrowEntryPending && e.ScheduledReleaseAt != nil && !e.ScheduledReleaseAt.After(now) {
				out = append(out, copyAccount(a))
				break
			}
		}
	}
	return out, nil
}

func copyAccount(a *Account) *Account {
	cp := *a
	cp.Entries = nil
	for _, e := range a.Entries {
		ec := *e
		cp.Entries = append(cp.Entries, &ec)
	}
	return &cp
}
