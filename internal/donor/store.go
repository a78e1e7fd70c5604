package donor

import (
	"context"
	"time"

	"pledger/pkg/domain"
)

// Store owns the donor aggregate. Mutations follow the append-and-increment
// discipline: RecordDonation adds, it never recomputes.
type Store interface {
	FindByID(ctx context.Context, id domain.UserID) (*Donor, error)

	// RecordDonation lazily creates the donor on first use and increments
	// totals additively.
	RecordDonation(ctx context.Context, id domain.UserID, campaignID domain.CampaignID, amount domain.Money, at time.Time) error

	// UpsertSubscription attaches or refreshes the donor's recurring
	// subscription.
	UpsertSubscription(ctx context.Context, id domain.UserID, sub Subscription) error
	// ListDue returns donors with an active subscription due at or before
	// now.
	ListDue(ctx context.Context, now time.Time) ([]*Donor, error)
	// AdvanceSubscription moves next-run-at forward and bumps the cycle
	// count after an attempt (success or definitive failure) completes.
	AdvanceSubscription(ctx context.Context, id domain.UserID, nextRunAt time.Time) error
	// CancelSubscription flips active -> cancelled exactly once; returns
	// sentinel.ErrInvalidState when there is no active subscription.
	CancelSubscription(ctx context.Context, id domain.UserID, at time.Time, by domain.UserID) error
}
