package campaign

import (
	"context"
	"time"

	"pledger/pkg/domain"
)

// Store owns campaign funding aggregates and milestone lifecycle. All
// mutations are atomic primitives, never read-modify-write, so concurrent
// donations cannot lose updates and lifecycle races resolve to exactly one
// winner.
type Store interface {
	Create(ctx context.Context, c *Campaign) error
	FindByID(ctx context.Context, id domain.CampaignID) (*Campaign, error)
	FindMilestone(ctx context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID) (*Milestone, error)

	// SetActive opens or closes a campaign for donations. Closed campaigns
	// keep their aggregates and history.
	SetActive(ctx context.Context, id domain.CampaignID, active bool) error

	// AddFunding atomically increments the raised amount and, when donorID
	// has not contributed to this campaign before, the donor count. Returns
	// the post-increment aggregate.
	AddFunding(ctx context.Context, campaignID domain.CampaignID, donorID domain.UserID, amount domain.Money) (Funding, error)

	// ActivateMilestone performs the guarded pending -> active transition:
	// it succeeds only while status is pending and the campaign's raised
	// amount has met the target. The boolean reports whether THIS call won
	// the transition; losers get (false, nil) and must not re-attempt or
	// emit activation notifications.
	ActivateMilestone(ctx context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID, at time.Time) (bool, error)

	// BeginRelease claims the active -> releasing guard before an escrow
	// release submits to the ledger. Exactly one concurrent caller wins.
	BeginRelease(ctx context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID) (bool, error)
	// CompleteRelease moves releasing -> completed after the ledger payment
	// confirmed.
	CompleteRelease(ctx context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID, at time.Time) error
	// AbortRelease returns releasing -> active after a failed submission so
	// the milestone can be released again later.
	AbortRelease(ctx context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID) error
}
