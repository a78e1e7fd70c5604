package donation

import (
	"context"
	"fmt"

	"pledger/internal/campaign"
	"pledger/internal/records"
	"pledger/pkg/domain"
	dErrors "pledger/pkg/domain-errors"
)

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	Examined int
	Repaired int
	Errors   int
}

// Reconcile re-applies aggregate updates for completed records whose
// aggregates flag is unset, then re-evaluates milestone activation against
// the repaired raised total. It is safe to run repeatedly: every record is
// applied at most once because the flag flips inside the same pass.
func (s *Service) Reconcile(ctx context.Context, campaignID domain.CampaignID) (SweepReport, error) {
	var report SweepReport

	camp, err := s.campaigns.FindByID(ctx, campaignID)
	if err != nil {
		return report, dErrors.Wrap(err, dErrors.CodeInternal, "reconcile: load campaign")
	}

	pending, err := s.records.ListUnreconciled(ctx, campaignID)
	if err != nil {
		return report, dErrors.Wrap(err, dErrors.CodeInternal, "reconcile: list records")
	}
	report.Examined = len(pending)

	var raised domain.Money
	haveRaised := false
	for _, rec := range pending {
		funding, err := s.repairRecord(ctx, rec)
		if err != nil {
			report.Errors++
			s.log.Printf("reconcile failed record=%s: %v", rec.ID, err)
			continue
		}
		report.Repaired++
		if funding != nil {
			raised = funding.Raised
			haveRaised = true
		}
	}

	if haveRaised {
		s.evaluateMilestones(ctx, camp, raised)
	}
	return report, nil
}

// repairRecord applies one record's aggregate effects. Donations and escrow
// funding count toward campaign raised totals; milestone releases and
// donor-less records only get their flag flipped so the sweep stops
// revisiting them.
func (s *Service) repairRecord(ctx context.Context, rec *records.TransactionRecord) (*campaign.Funding, error) {
	if rec.DonorID == nil || !countsTowardFunding(rec.Kind) {
		if err := s.records.MarkAggregatesApplied(ctx, rec.ID); err != nil {
			return nil, fmt.Errorf("mark applied: %w", err)
		}
		return nil, nil
	}

	funding, err := s.campaigns.AddFunding(ctx, rec.CampaignID, *rec.DonorID, rec.Amount)
	if err != nil {
		return nil, fmt.Errorf("campaign funding increment: %w", err)
	}
	if err := s.donors.RecordDonation(ctx, *rec.DonorID, rec.CampaignID, rec.Amount, rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("donor aggregate update: %w", err)
	}
	if err := s.records.MarkAggregatesApplied(ctx, rec.ID); err != nil {
		return nil, fmt.Errorf("mark applied: %w", err)
	}
	return &funding, nil
}

func countsTowardFunding(kind domain.TransactionKind) bool {
	return kind == domain.KindOneTime || kind == domain.KindRecurring || kind == domain.KindEscrowFunding
}
