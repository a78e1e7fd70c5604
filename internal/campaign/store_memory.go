package campaign

import (
	"context"
	"sync"
	"time"

	"pledger/pkg/domain"
	"pledger/pkg/platform/sentinel"
)

type milestoneKey struct {
	campaign  domain.CampaignID
	milestone domain.MilestoneID
}

// InMemoryStore keeps campaigns under one mutex, which makes every mutation
// trivially atomic; the postgres store reproduces the same guarantees with
// conditional updates.
type InMemoryStore struct {
	mu         sync.RWMutex
	campaigns  map[domain.CampaignID]*Campaign
	milestones map[milestoneKey]*Milestone
	donors     map[domain.CampaignID]map[domain.UserID]struct{}
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		campaigns:  make(map[domain.CampaignID]*Campaign),
		milestones: make(map[milestoneKey]*Milestone),
		donors:     make(map[domain.CampaignID]map[domain.UserID]struct{}),
	}
}

func (s *InMemoryStore) Create(_ context.Context, c *Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[c.ID]; ok {
		return sentinel.ErrConflict
	}
	cp := *c
	cp.Milestones = nil
	for _, m := range c.Milestones {
		mc := *m
		mc.CampaignID = c.ID
		if mc.Status == "" {
			mc.Status = domain.MilestonePending
		}
		s.milestones[milestoneKey{c.ID, m.ID}] = &mc
		cp.Milestones = append(cp.Milestones, &mc)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.campaigns[c.ID] = &cp
	s.donors[c.ID] = make(map[domain.UserID]struct{})
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id domain.CampaignID) (*Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *c
	cp.Milestones = nil
	for _, m := range c.Milestones {
		mc := *m
		cp.Milestones = append(cp.Milestones, &mc)
	}
	return &cp, nil
}

func (s *InMemoryStore) SetActive(_ context.Context, id domain.CampaignID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	c.Active = active
	return nil
}

func (s *InMemoryStore) FindMilestone(_ context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID) (*Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.milestones[milestoneKey{campaignID, milestoneID}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *InMemoryStore) AddFunding(_ context.Context, campaignID domain.CampaignID, donorID domain.UserID, amount domain.Money) (Funding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return Funding{}, sentinel.ErrNotFound
	}
	c.Raised = c.Raised.Add(amount)
	if _, seen := s.donors[campaignID][donorID]; !seen {
		s.donors[campaignID][donorID] = struct{}{}
		c.DonorCount++
	}
	return Funding{Raised: c.Raised, DonorCount: c.DonorCount}, nil
}

func (s *InMemoryStore) ActivateMilestone(_ context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return false, sentinel.ErrNotFound
	}
	m, ok := s.milestones[milestoneKey{campaignID, milestoneID}]
	if !ok {
		return false, sentinel.ErrNotFound
	}
	if m.Status != domain.MilestonePending || !c.Raised.GTE(m.Target) {
		return false, nil
	}
	m.Status = domain.MilestoneActive
	t := at
	m.ActivatedAt = &t
	return true, nil
}

func (s *InMemoryStore) BeginRelease(_ context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.milestones[milestoneKey{campaignID, milestoneID}]
	if !ok {
		return false, sentinel.ErrNotFound
	}
	if m.Status != domain.MilestoneActive {
		return false, nil
	}
	m.Status = domain.MilestoneReleasing
	return true, nil
}

func (s *InMemoryStore) CompleteRelease(_ context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.milestones[milestoneKey{campaignID, milestoneID}]
	if !ok {
		return sentinel.ErrNotFound
	}
	if m.Status != domain.MilestoneReleasing {
		return sentinel.ErrInvalidState
	}
	m.Status = domain.MilestoneCompleted
	t := at
	m.CompletedAt = &t
	return nil
}

func (s *InMemoryStore) AbortRelease(_ context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.milestones[milestoneKey{campaignID, milestoneID}]
	if !ok {
		return sentinel.ErrNotFound
	}
	if m.Status != domain.MilestoneReleasing {
		return sentinel.ErrInvalidState
	}
	m.Status = domain.MilestoneActive
	return nil
}
