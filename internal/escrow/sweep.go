package escrow

import (
	"context"
	"time"

	"pledger/pkg/domain"
	dErrors "pledger/pkg/domain-errors"
)

// ReleaseDue disburses every pending entry whose scheduled release time has
// passed and whose milestone is active. Releases run on the campaign
// creator's behalf, which the creator consented to when scheduling the
// entry. Milestones that have not reached their target yet stay pending and
// are retried on the next sweep.
func (s *Service) ReleaseDue(ctx context.Context, now time.Time) (released int, err error) {
	due, err := s.escrows.ListDue(ctx, now)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "list due escrows")
	}

	for _, account := range due {
		camp, err := s.campaigns.FindByID(ctx, account.CampaignID)
		if err != nil {
			s.log.Printf("scheduled release load failed campaign=%s: %v", account.CampaignID, err)
			continue
		}
		for _, entry := range account.Entries {
			if entry.Status != domain.EscrowEntryPending || entry.ScheduledReleaseAt == nil || entry.ScheduledReleaseAt.After(now) {
				continue
			}
			_, err := s.ReleaseMilestoneFunding(ctx, account.CampaignID, entry.MilestoneID, camp.CreatorID, nil)
			switch {
			case err == nil:
				released++
			case dErrors.HasCode(err, dErrors.CodeInvalidState):
				// Milestone not active yet; next sweep retries.
			default:
				s.log.Printf("scheduled release failed campaign=%s milestone=%s: %v",
					account.CampaignID, entry.MilestoneID, err)
			}
		}
	}
	return released, nil
}

// Run drives ReleaseDue on a ticker until the context ends.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ReleaseDue(ctx, s.now())
			if err != nil {
				s.log.Printf("scheduled release sweep error: %v", err)
				continue
			}
			if n > 0 {
				s.log.Printf("scheduled release sweep: released=%d", n)
			}
		}
	}
}
