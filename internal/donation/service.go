package donation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"pledger/internal/campaign"
	"pledger/internal/donor"
	"pledger/internal/fees"
	"pledger/internal/ledger"
	"pledger/internal/notify"
	"pledger/internal/platform/metrics"
	"pledger/internal/records"
	"pledger/pkg/domain"
	dErrors "pledger/pkg/domain-errors"
	"pledger/pkg/platform/sentinel"
)

// defaultSubmitTimeout bounds one whole donation submission from this
// service's side; the gateway's retry/backoff budget runs inside it.
const defaultSubmitTimeout = 30 * time.Second

// LedgerGateway is the single abstract submission capability the
// orchestrator needs.
type LedgerGateway interface {
	Submit(ctx context.Context, intent ledger.Intent, key ledger.Keypair) (ledger.SubmitResult, error)
}

// FeeAdvisor recommends a per-operation base fee for a priority.
type FeeAdvisor interface {
	Recommend(ctx context.Context, priority domain.Priority) int64
}

// Options tune one donation.
type Options struct {
	Anonymous bool
	Recurring bool
	// Frequency applies when Recurring is set; empty means monthly.
	Frequency domain.Frequency
	// Priority overrides the kind's default fee priority when set.
	Priority domain.Priority
}

// Service is the donation orchestrator: it validates the request, submits
// the payment through the ledger gateway, and on success updates campaign
// and donor aggregates and evaluates milestone activation. Completed
// transaction records are the durable source of truth; aggregates are a
// cache kept current here and repairable by the reconciliation sweep.
type Service struct {
	records    records.Store
	feeRecords fees.RecordStore
	campaigns  campaign.Store
	donors     donor.Store
	gateway    LedgerGateway
	fees       FeeAdvisor
	sink       notify.Sink
	metrics    *metrics.Metrics
	log        *log.Logger

	submitTimeout time.Duration
	now           func() time.Time
}

// Config carries the service's collaborators.
type Config struct {
	Records       records.Store
	FeeRecords    fees.RecordStore
	Campaigns     campaign.Store
	Donors        donor.Store
	Gateway       LedgerGateway
	Fees          FeeAdvisor
	Sink          notify.Sink
	Metrics       *metrics.Metrics
	Log           *log.Logger
	SubmitTimeout time.Duration
}

func NewService(cfg Config) *Service {
	timeout := cfg.SubmitTimeout
	if timeout == 0 {
		timeout = defaultSubmitTimeout
	}
	return &Service{
		records:       cfg.Records,
		feeRecords:    cfg.FeeRecords,
		campaigns:     cfg.Campaigns,
		donors:        cfg.Donors,
		gateway:       cfg.Gateway,
		fees:          cfg.Fees,
		sink:          cfg.Sink,
		metrics:       cfg.Metrics,
		log:           cfg.Log,
		submitTimeout: timeout,
		now:           time.Now,
	}
}

// ProcessDonation runs one donation end to end. donorID and the signing key
// are explicit parameters; there is no ambient request state.
func (s *Service) ProcessDonation(ctx context.Context, donorID domain.UserID, campaignID domain.CampaignID, amount domain.Money, key ledger.Keypair, opts Options) (*records.TransactionRecord, error) {
	if donorID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidRequest, "donor id required")
	}
	if !amount.IsPositive() {
		return nil, dErrors.New(dErrors.CodeInvalidRequest, "donation amount must be positive")
	}

	camp, err := s.campaigns.FindByID(ctx, campaignID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeInvalidRequest, "campaign does not exist")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load campaign")
	}
	if camp.FundingAddress == "" {
		return nil, dErrors.New(dErrors.CodeInvalidRequest, "campaign has no funding address")
	}

	kind := domain.KindOneTime
	if opts.Recurring {
		kind = domain.KindRecurring
	}
	visibility := domain.VisibilityPublic
	if opts.Anonymous {
		visibility = domain.VisibilityAnonymous
	}

	rec := records.New(&donorID, campaignID, amount, kind, visibility)
	if opts.Recurring {
		freq := domain.NormalizeFrequency(opts.Frequency)
		rec.Recurring = &records.RecurringMetadata{
			Frequency: freq,
			NextRunAt: freq.NextRun(s.now()),
		}
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create transaction record")
	}

	priority := opts.Priority
	if priority == "" {
		priority = domain.DefaultPriority(kind)
	}
	baseFee := s.fees.Recommend(ctx, priority)

	intent := ledger.Intent{
		SourceAccount: key.Address,
		Operations: []ledger.Operation{{
			Kind:        ledger.OpPayment,
			Destination: camp.FundingAddress,
			Amount:      amount,
		}},
		Memo:    donationMemo(campaignID, donorID),
		BaseFee: baseFee,
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	result, err := s.gateway.Submit(submitCtx, intent, key)
	cancel()
	if err != nil {
		if markErr := s.records.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
			s.log.Printf("record %s failed-mark error: %v", rec.ID, markErr)
		}
		if s.metrics != nil {
			s.metrics.DonationsProcessed.WithLabelValues("failed").Inc()
		}
		return nil, err
	}

	if err := s.records.MarkCompleted(ctx, rec.ID, result.Hash); err != nil {
		// The payment is on the ledger; surface loudly but do not lose it.
		return nil, dErrors.Wrap(err, dErrors.CodeInternal,
			fmt.Sprintf("payment confirmed (hash %s) but record update failed", result.Hash))
	}
	rec.Status = domain.StatusCompleted
	rec.LedgerHash = result.Hash

	s.writeFeeRecord(ctx, rec, result, baseFee)

	funding, err := s.applyAggregates(ctx, rec, opts)
	if err != nil {
		// Completed record is durable; the reconciliation sweep re-applies.
		s.log.Printf("aggregate update failed for record %s (sweep will repair): %v", rec.ID, err)
		return rec, nil
	}

	s.evaluateMilestones(ctx, camp, funding.Raised)

	if s.metrics != nil {
		s.metrics.DonationsProcessed.WithLabelValues("completed").Inc()
	}
	return rec, nil
}

// applyAggregates performs the post-confirmation mutations: campaign
// funding, donor aggregate, subscription refresh, and the applied flag.
func (s *Service) applyAggregates(ctx context.Context, rec *records.TransactionRecord, opts Options) (campaign.Funding, error) {
	funding, err := s.campaigns.AddFunding(ctx, rec.CampaignID, *rec.DonorID, rec.Amount)
	if err != nil {
		return campaign.Funding{}, fmt.Errorf("campaign funding increment: %w", err)
	}

	now := s.now()
	if err := s.donors.RecordDonation(ctx, *rec.DonorID, rec.CampaignID, rec.Amount, now); err != nil {
		return funding, fmt.Errorf("donor aggregate update: %w", err)
	}

	if opts.Recurring && rec.Recurring != nil {
		sub := donor.Subscription{
			Amount:    rec.Amount,
			Frequency: rec.Recurring.Frequency,
			Status:    domain.SubscriptionActive,
			NextRunAt: rec.Recurring.NextRunAt,
		}
		if existing, err := s.donors.FindByID(ctx, *rec.DonorID); err == nil && existing.Subscription != nil {
			sub.CycleCount = existing.Subscription.CycleCount
		}
		if err := s.donors.UpsertSubscription(ctx, *rec.DonorID, sub); err != nil {
			return funding, fmt.Errorf("subscription refresh: %w", err)
		}
	}

	if err := s.records.MarkAggregatesApplied(ctx, rec.ID); err != nil {
		return funding, fmt.Errorf("mark aggregates applied: %w", err)
	}
	rec.AggregatesApplied = true
	return funding, nil
}

// evaluateMilestones attempts the guarded activation for every pending
// milestone the new raised amount covers. The store resolves races: only the
// winning caller notifies, losers see won=false and stay silent.
func (s *Service) evaluateMilestones(ctx context.Context, camp *campaign.Campaign, raised domain.Money) {
	fresh, err := s.campaigns.FindByID(ctx, camp.ID)
	if err != nil {
		s.log.Printf("milestone evaluation load failed campaign=%s: %v", camp.ID, err)
		return
	}
	for _, m := range fresh.SortedMilestones() {
		if m.Status != domain.MilestonePending || !raised.GTE(m.Target) {
			continue
		}
		won, err := s.campaigns.ActivateMilestone(ctx, camp.ID, m.ID, s.now())
		if err != nil {
			s.log.Printf("milestone activation failed campaign=%s milestone=%s: %v", camp.ID, m.ID, err)
			continue
		}
		if !won {
			continue
		}
		if s.metrics != nil {
			s.metrics.MilestonesActivated.Inc()
		}
		s.send(ctx, notify.Notification{
			UserID:  fresh.CreatorID,
			Type:    notify.TypeMilestoneActivated,
			Title:   "Milestone reached",
			Message: fmt.Sprintf("Milestone %q of campaign %q reached its funding target.", m.Title, fresh.Title),
			Data: map[string]any{
				"campaign_id":  camp.ID.String(),
				"milestone_id": m.ID.String(),
			},
		})
	}
}

func (s *Service) writeFeeRecord(ctx context.Context, rec *records.TransactionRecord, result ledger.SubmitResult, baseFee int64) {
	err := s.feeRecords.Create(ctx, fees.Record{
		TransactionID: rec.ID,
		LedgerHash:    result.Hash,
		Kind:          rec.Kind,
		BaseFee:       baseFee,
		TotalFee:      result.FeeCharged,
		OperationCnt:  result.OperationCount,
	})
	if err != nil {
		s.log.Printf("fee record write failed tx=%s: %v", rec.ID, err)
	}
}

// send delivers a notification, logging failures; they never propagate.
func (s *Service) send(ctx context.Context, n notify.Notification) {
	if err := s.sink.Send(ctx, n); err != nil {
		if s.metrics != nil {
			s.metrics.NotificationFailures.Inc()
		}
		s.log.Printf("notification send failed user=%s type=%s: %v", n.UserID, n.Type, err)
	}
}

// donationMemo builds the deterministic <=28 byte memo identifying the
// donation context on the ledger.
func donationMemo(campaignID domain.CampaignID, donorID domain.UserID) string {
	return ledger.TruncateMemo("don:" + shortID(campaignID.String()) + ":" + shortID(donorID.String()))
}

func shortID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
