// Package recurring runs subscription donations as discrete ledger payments.
// There is no on-ledger standing order; the scheduler replays each active
// subscription when its next-run time arrives.
package recurring

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pledger/internal/campaign"
	"pledger/internal/donation"
	"pledger/internal/donor"
	"pledger/internal/identity"
	"pledger/internal/ledger"
	"pledger/internal/notify"
	"pledger/internal/platform/metrics"
	"pledger/internal/records"
	"pledger/internal/wallet"
	"pledger/pkg/domain"
	dErrors "pledger/pkg/domain-errors"
	"pledger/pkg/platform/sentinel"
)

// DonationProcessor is the slice of the donation orchestrator the scheduler
// drives.
type DonationProcessor interface {
	ProcessDonation(ctx context.Context, donorID domain.UserID, campaignID domain.CampaignID, amount domain.Money, key ledger.Keypair, opts donation.Options) (*records.TransactionRecord, error)
}

// CycleFailure is one donor whose cycle attempt failed.
type CycleFailure struct {
	DonorID domain.UserID
	Err     error
}

// CycleReport summarizes one scheduler pass.
type CycleReport struct {
	Processed  int
	Successful int
	Failed     int
	// Skipped counts donors another instance claimed, whose subscription
	// stopped being due between listing and running, or whose last campaign
	// is no longer accepting donations.
	Skipped  int
	Failures []CycleFailure
}

// Scheduler finds due subscriptions and charges them. Donors are processed
// independently: one donor's failure never blocks another, and the next-run
// time advances after every attempt so a persistently failing subscription
// cannot wedge the cycle.
type Scheduler struct {
	donors    donor.Store
	campaigns campaign.Store
	records   records.Store
	wallets   wallet.Store
	processor DonationProcessor
	lease     Lease
	roles     identity.RoleChecker
	sink      notify.Sink
	metrics   *metrics.Metrics
	log       *log.Logger

	parallelism int
	now         func() time.Time
}

// Config carries the scheduler's collaborators.
type Config struct {
	Donors    donor.Store
	Campaigns campaign.Store
	Records   records.Store
	Wallets   wallet.Store
	Processor DonationProcessor
	// Lease defaults to NopLease for single-instance deployments.
	Lease       Lease
	Roles       identity.RoleChecker
	Sink        notify.Sink
	Metrics     *metrics.Metrics
	Log         *log.Logger
	Parallelism int
}

func NewScheduler(cfg Config) *Scheduler {
	lease := cfg.Lease
	if lease == nil {
		lease = NopLease{}
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Scheduler{
		donors:      cfg.Donors,
		campaigns:   cfg.Campaigns,
		records:     cfg.Records,
		wallets:     cfg.Wallets,
		processor:   cfg.Processor,
		lease:       lease,
		roles:       cfg.Roles,
		sink:        cfg.Sink,
		metrics:     cfg.Metrics,
		log:         cfg.Log,
		parallelism: parallelism,
		now:         time.Now,
	}
}

// Run drives RunDueCycle on a ticker until the context ends.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.RunDueCycle(ctx, s.now())
			if err != nil {
				s.log.Printf("recurring cycle error: %v", err)
				continue
			}
			if report.Processed > 0 || report.Skipped > 0 {
				s.log.Printf("recurring cycle: processed=%d ok=%d failed=%d skipped=%d",
					report.Processed, report.Successful, report.Failed, report.Skipped)
			}
		}
	}
}

// RunDueCycle charges every subscription due at or before now, with bounded
// parallelism and per-donor leasing.
func (s *Scheduler) RunDueCycle(ctx context.Context, now time.Time) (CycleReport, error) {
	due, err := s.donors.ListDue(ctx, now)
	if err != nil {
		return CycleReport{}, dErrors.Wrap(err, dErrors.CodeInternal, "list due subscriptions")
	}

	var (
		mu     sync.Mutex
		report CycleReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)

	for _, d := range due {
		d := d
		g.Go(func() error {
			outcome, failure := s.runDonor(gctx, d, now)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case cycleSkipped:
				report.Skipped++
			case cycleSucceeded:
				report.Processed++
				report.Successful++
			case cycleFailed:
				report.Processed++
				report.Failed++
				report.Failures = append(report.Failures, CycleFailure{DonorID: d.ID, Err: failure})
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

type cycleOutcome int

const (
	cycleSkipped cycleOutcome = iota
	cycleSucceeded
	cycleFailed
)

func (s *Scheduler) runDonor(ctx context.Context, d *donor.Donor, now time.Time) (cycleOutcome, error) {
	claimed, err := s.lease.Acquire(ctx, d.ID)
	if err != nil {
		s.log.Printf("recurring lease acquire failed donor=%s: %v", d.ID, err)
		return cycleSkipped, nil
	}
	if !claimed {
		return cycleSkipped, nil
	}
	defer s.lease.Release(ctx, d.ID)

	// Re-read under the lease: the subscription may have been cancelled or
	// already run since ListDue.
	fresh, err := s.donors.FindByID(ctx, d.ID)
	if err != nil || fresh.Subscription == nil ||
		fresh.Subscription.Status != domain.SubscriptionActive ||
		fresh.Subscription.NextRunAt.After(now) {
		return cycleSkipped, nil
	}
	sub := fresh.Subscription

	var outcome cycleOutcome
	var failure error
	if s.campaignAcceptsDonations(ctx, fresh.LastCampaignID) {
		outcome, failure = s.charge(ctx, fresh, sub)
	} else {
		outcome = cycleSkipped
	}

	// Advance even when skipped so an ended campaign does not keep the donor
	// in every cycle's due list.
	next := sub.Frequency.NextRun(now)
	if err := s.donors.AdvanceSubscription(ctx, d.ID, next); err != nil {
		s.log.Printf("recurring advance failed donor=%s: %v", d.ID, err)
	}
	return outcome, failure
}

func (s *Scheduler) campaignAcceptsDonations(ctx context.Context, id domain.CampaignID) bool {
	if id.IsNil() {
		return false
	}
	camp, err := s.campaigns.FindByID(ctx, id)
	if err != nil {
		return false
	}
	return camp.Active
}

func (s *Scheduler) charge(ctx context.Context, d *donor.Donor, sub *donor.Subscription) (cycleOutcome, error) {
	key, err := s.wallets.Resolve(ctx, d.ID.String())
	if err != nil {
		s.countCycle("failed")
		return cycleFailed, dErrors.Wrap(err, dErrors.CodeInternal, "resolve donor signing material")
	}

	_, err = s.processor.ProcessDonation(ctx, d.ID, d.LastCampaignID, sub.Amount, key, donation.Options{
		Recurring: true,
		Frequency: sub.Frequency,
	})
	if err != nil {
		s.countCycle("failed")
		return cycleFailed, err
	}
	s.countCycle("success")
	return cycleSucceeded, nil
}

func (s *Scheduler) countCycle(outcome string) {
	if s.metrics != nil {
		s.metrics.RecurringCycles.WithLabelValues(outcome).Inc()
	}
}

// CancelRecurring stops a donor's subscription. Only the donor themselves or
// an administrator may cancel. The latest recurring record's metadata is
// marked cancelled so history shows when and that the series ended.
func (s *Scheduler) CancelRecurring(ctx context.Context, donorID, requestedBy domain.UserID) error {
	if requestedBy != donorID {
		admin, err := s.roles.IsAdmin(ctx, requestedBy)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "role check")
		}
		if !admin {
			return dErrors.New(dErrors.CodeUnauthorized, "only the donor or an administrator may cancel a subscription")
		}
	}

	now := s.now()
	err := s.donors.CancelSubscription(ctx, donorID, now, requestedBy)
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "donor does not exist")
	}
	if errors.Is(err, sentinel.ErrInvalidState) {
		return dErrors.New(dErrors.CodeInvalidState, "donor has no active subscription")
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "cancel subscription")
	}

	s.markSeriesCancelled(ctx, donorID, now)

	if err := s.sink.Send(ctx, notify.Notification{
		UserID:  donorID,
		Type:    notify.TypeRecurringCancelled,
		Title:   "Recurring donation cancelled",
		Message: "Your recurring donation was cancelled and will not run again.",
		SentAt:  now,
	}); err != nil {
		if s.metrics != nil {
			s.metrics.NotificationFailures.Inc()
		}
		s.log.Printf("notification send failed user=%s type=%s: %v", donorID, notify.TypeRecurringCancelled, err)
	}
	return nil
}

// markSeriesCancelled stamps the newest recurring record's metadata.
// Best effort: the subscription itself is already cancelled.
func (s *Scheduler) markSeriesCancelled(ctx context.Context, donorID domain.UserID, at time.Time) {
	recs, err := s.records.ListByDonor(ctx, donorID)
	if err != nil {
		s.log.Printf("cancel marker list failed donor=%s: %v", donorID, err)
		return
	}
	var latest *records.TransactionRecord
	for _, r := range recs {
		if r.Kind != domain.KindRecurring || r.Recurring == nil || r.Recurring.Cancelled {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return
	}
	meta := *latest.Recurring
	meta.Cancelled = true
	meta.CancelledAt = &at
	if err := s.records.UpdateRecurring(ctx, latest.ID, meta); err != nil {
		s.log.Printf("cancel marker update failed record=%s: %v", latest.ID, err)
	}
}
