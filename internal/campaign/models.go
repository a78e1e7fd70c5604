package campaign

import (
	"sort"
	"time"

	"pledger/pkg/domain"
)

// Milestone is a funding checkpoint within a campaign. Status moves
// pending -> active -> completed, never backward; "releasing" is the
// transient guard held while an escrow release is in flight.
type Milestone struct {
	ID          domain.MilestoneID
	CampaignID  domain.CampaignID
	Title       string
	Target      domain.Money
	Status      domain.MilestoneStatus
	ActivatedAt *time.Time
	CompletedAt *time.Time
	// Position orders milestones within their campaign.
	Position int
}

// Campaign carries the funding aggregate the engine owns: raised amount
// (monotonically non-decreasing for completed donations) and distinct donor
// count. Milestones are indexed by ID at the store layer for O(1) lookup.
type Campaign struct {
	ID             domain.CampaignID
	CreatorID      domain.UserID
	Title          string
	FundingAddress string
	Active         bool
	Raised         domain.Money
	DonorCount     int
	Milestones     []*Milestone
	CreatedAt      time.Time
}

// SortedMilestones returns milestones in position order.
func (c *Campaign) SortedMilestones() []*Milestone {
	out := make([]*Milestone, len(c.Milestones))
	copy(out, c.Milestones)
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Funding is the aggregate snapshot returned by an atomic increment.
type Funding struct {
	Raised     domain.Money
	DonorCount int
}
