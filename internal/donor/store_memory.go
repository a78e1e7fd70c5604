package donor

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pledger/pkg/domain"
	"pledger/pkg/platform/sentinel"
)

// InMemoryStore is the dev/test implementation.
type InMemoryStore struct {
	mu     sync.RWMutex
	donors map[domain.UserID]*Donor
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{donors: make(map[domain.UserID]*Donor)}
}

func (s *InMemoryStore) FindByID(_ context.Context, id domain.UserID) (*Donor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.donors[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyDonor(d), nil
}

func (s *InMemoryStore) RecordDonation(_ context.Context, id domain.UserID, campaignID domain.CampaignID, amount domain.Money, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donors[id]
	if !ok {
		d = &Donor{ID: id, TotalDonated: domain.Money{Amount: decimal.Zero, Currency: amount.Currency}}
		s.donors[id] = d
	}
	d.TotalDonated = d.TotalDonated.Add(amount)
	d.DonationCount++
	d.LastDonationAt = at
	d.LastCampaignID = campaignID
	return nil
}

func (s *InMemoryStore) UpsertSubscription(_ context.Context, id domain.UserID, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donors[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	cp := sub
	d.Subscription = &cp
	return nil
}

func (s *InMemoryStore) ListDue(_ context.Context, now time.Time) ([]*Donor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Donor
	for _, d := range s.donors {
		sub := d.Subscription
		if sub != nil && sub.Status == domain.SubscriptionActive && !sub.NextRunAt.After(now) {
			out = append(out, copyDonor(d))
		}
	}
	return out, nil
}

func (s *InMemoryStore) AdvanceSubscription(_ context.Context, id domain.UserID, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donors[id]
	if !ok || d.Subscription == nil {
		return sentinel.ErrNotFound
	}
	d.Subscription.NextRunAt = nextRunAt
	d.Subscription.CycleCount++
	return nil
}

func (s *InMemoryStore) CancelSubscription(_ context.Context, id domain.UserID, at time.Time, by domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donors[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if d.Subscription == nil || d.Subscription.Status != domain.SubscriptionActive {
		return sentinel.ErrInvalidState
	}
	d.Subscription.Status = domain.SubscriptionCancelled
	t := at
	d.Subscription.CancelledAt = &t
	d.Subscription.CancelledBy = by
	return nil
}

func copyDonor(d *Donor) *Donor {
	cp := *d
	if d.Subscription != nil {
		sub := *d.Subscription
		cp.Subscription = &sub
	}
	return &cp
}
