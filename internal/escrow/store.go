package escrow

import (
	"context"
	"time"

	"pledger/pkg/domain"
)

// Store persists escrow accounts. MarkReleased is the conditional
// pending -> released guard; the boolean reports whether this call won.
type Store interface {
	Create(ctx context.Context, a *Account) error
	FindByCampaign(ctx context.Context, campaignID domain.CampaignID) (*Account, error)
	// ListDue returns accounts holding at least one pending entry whose
	// scheduled release time is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]*Account, error)
	MarkReleased(ctx context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID, at time.Time, by domain.UserID, txHash string) (bool, error)
}
