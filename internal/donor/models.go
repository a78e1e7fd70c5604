package donor

import (
	"time"

	"pledger/pkg/domain"
)

// Subscription is a locally-scheduled repeat donation, replayed as discrete
// ledger payments. Cancellation flips status; the scheduler checks it at the
// start of each per-donor cycle.
type Subscription struct {
	Amount      domain.Money
	Frequency   domain.Frequency
	Status      domain.SubscriptionStatus
	NextRunAt   time.Time
	CycleCount  int
	CancelledAt *time.Time
	CancelledBy domain.UserID
}

// Donor is the per-donor aggregate: created lazily on first completed
// donation, updated additively, never recomputed from history.
type Donor struct {
	ID             domain.UserID
	TotalDonated   domain.Money
	DonationCount  int
	LastDonationAt time.Time
	// LastCampaignID drives which campaign a recurring cycle pays.
	LastCampaignID domain.CampaignID
	Subscription   *Subscription
}
