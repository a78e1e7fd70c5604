package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"pledger/internal/campaign"
	"pledger/internal/donor"
	"pledger/internal/fees"
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

// LedgerGateway is the submission capability the escrow manager needs.
type LedgerGateway interface {
	Submit(ctx context.Context, intent ledger.Intent, key ledger.Keypair) (ledger.SubmitResult, error)
}

// FeeAdvisor recommends a per-operation base fee for a priority.
type FeeAdvisor interface {
	Recommend(ctx context.Context, priority domain.Priority) int64
}

// Service manages campaign escrows: creating the pre-funded escrow account
// and disbursing milestone allocations once milestones complete their
// funding target. The escrow account's signing material is custodial and
// lives in the wallet store under the campaign's escrow owner key.
type Service struct {
	escrows    Store
	campaigns  campaign.Store
	donors     donor.Store
	records    records.Store
	feeRecords fees.RecordStore
	wallets    wallet.Store
	roles      identity.RoleChecker
	gateway    LedgerGateway
	fees       FeeAdvisor
	sink       notify.Sink
	metrics    *metrics.Metrics
	log        *log.Logger

	now func() time.Time
}

// Config carries the service's collaborators.
type Config struct {
	Escrows    Store
	Campaigns  campaign.Store
	Donors     donor.Store
	Records    records.Store
	FeeRecords fees.RecordStore
	Wallets    wallet.Store
	Roles      identity.RoleChecker
	Gateway    LedgerGateway
	Fees       FeeAdvisor
	Sink       notify.Sink
	Metrics    *metrics.Metrics
	Log        *log.Logger
}

func NewService(cfg Config) *Service {
	return &Service{
		escrows:    cfg.Escrows,
		campaigns:  cfg.Campaigns,
		donors:     cfg.Donors,
		records:    cfg.Records,
		feeRecords: cfg.FeeRecords,
		wallets:    cfg.Wallets,
		roles:      cfg.Roles,
		gateway:    cfg.Gateway,
		fees:       cfg.Fees,
		sink:       cfg.Sink,
		metrics:    cfg.Metrics,
		log:        cfg.Log,
		now:        time.Now,
	}
}

// CreateEscrow provisions a campaign's escrow: it generates a fresh ledger
// account, seals its signing material, funds it from the funder's account,
// and earmarks the balance across the given milestone allocations.
//
// Creation is idempotent per campaign: when an escrow already exists it is
// returned unchanged and no ledger submission happens.
func (s *Service) CreateEscrow(ctx context.Context, campaignID domain.CampaignID, funderID domain.UserID, total domain.Money, allocations []Allocation, funderKey ledger.Keypair) (*Account, error) {
	if existing, err := s.escrows.FindByCampaign(ctx, campaignID); err == nil {
		return existing, nil
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load escrow")
	}

	camp, err := s.campaigns.FindByID(ctx, campaignID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeInvalidRequest, "campaign does not exist")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load campaign")
	}
	if err := validateAllocations(camp, total, allocations); err != nil {
		return nil, err
	}

	key, err := ledger.NewKeypair()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "generate escrow keypair")
	}
	if err := s.wallets.Put(ctx, wallet.EscrowOwner(campaignID.String()), key); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "seal escrow signing material")
	}

	rec := records.New(&funderID, campaignID, total, domain.KindEscrowFunding, domain.VisibilityPublic)
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create escrow funding record")
	}

	baseFee := s.fees.Recommend(ctx, domain.DefaultPriority(domain.KindEscrowFunding))
	intent := ledger.Intent{
		SourceAccount: funderKey.Address,
		Operations: []ledger.Operation{{
			Kind:        ledger.OpCreateAccount,
			Destination: key.Address,
			Amount:      total,
		}},
		Memo:    ledger.TruncateMemo("esc:" + shortID(campaignID.String())),
		BaseFee: baseFee,
	}

	result, err := s.gateway.Submit(ctx, intent, funderKey)
	if err != nil {
		if markErr := s.records.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
			s.log.Printf("escrow funding record %s failed-mark error: %v", rec.ID, markErr)
		}
		return nil, err
	}
	if err := s.records.MarkCompleted(ctx, rec.ID, result.Hash); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal,
			fmt.Sprintf("escrow funded (hash %s) but record update failed", result.Hash))
	}
	s.writeFeeRecord(ctx, rec.ID, domain.KindEscrowFunding, result, baseFee)

	now := s.now()
	account := &Account{
		ID:            domain.NewEscrowID(),
		CampaignID:    campaignID,
		LedgerAddress: key.Address,
		CreatedAt:     now,
	}
	for _, alloc := range allocations {
		account.Entries = append(account.Entries, &Entry{
			MilestoneID:        alloc.MilestoneID,
			Allocated:          alloc.Amount,
			Status:             domain.EscrowEntryPending,
			ScheduledReleaseAt: resolveReleaseAt(alloc, now),
		})
	}
	if err := s.escrows.Create(ctx, account); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist escrow")
	}

	s.applyFundingAggregates(ctx, rec, camp)
	return account, nil
}

// ReleaseMilestoneFunding disburses one milestone's escrowed allocation to
// the campaign's funding address. Authorization is checked before anything
// touches the ledger. The milestone claims a transient releasing state while
// the payment is in flight so concurrent release calls cannot double-pay.
func (s *Service) ReleaseMilestoneFunding(ctx context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID, requestedBy domain.UserID, override *domain.Money) (*records.TransactionRecord, error) {
	account, err := s.escrows.FindByCampaign(ctx, campaignID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "campaign has no escrow")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load escrow")
	}
	camp, err := s.campaigns.FindByID(ctx, campaignID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "campaign does not exist")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load campaign")
	}
	entry := account.Entry(milestoneID)
	if entry == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "milestone has no escrow entry")
	}

	if err := s.authorizeRelease(ctx, camp, requestedBy); err != nil {
		return nil, err
	}

	now := s.now()
	if entry.Status != domain.EscrowEntryPending {
		return nil, dErrors.New(dErrors.CodeInvalidState, "escrow entry already released")
	}
	if entry.ScheduledReleaseAt != nil && now.Before(*entry.ScheduledReleaseAt) {
		return nil, dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("release scheduled for %s", entry.ScheduledReleaseAt.Format(time.RFC3339)))
	}

	amount := entry.Allocated
	if override != nil {
		if !override.IsPositive() {
			return nil, dErrors.New(dErrors.CodeInvalidRequest, "release amount must be positive")
		}
		if override.Cmp(entry.Allocated) > 0 {
			return nil, dErrors.New(dErrors.CodeInvalidRequest, "release amount exceeds allocation")
		}
		amount = *override
	}

	won, err := s.campaigns.BeginRelease(ctx, campaignID, milestoneID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "milestone does not exist")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "claim milestone release")
	}
	if !won {
		return nil, dErrors.New(dErrors.CodeInvalidState, "milestone is not active")
	}

	key, err := s.wallets.Resolve(ctx, wallet.EscrowOwner(campaignID.String()))
	if err != nil {
		s.abortRelease(ctx, campaignID, milestoneID)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "resolve escrow signing material")
	}

	rec := records.New(nil, campaignID, amount, domain.KindMilestone, domain.VisibilityPublic)
	if err := s.records.Create(ctx, rec); err != nil {
		s.abortRelease(ctx, campaignID, milestoneID)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create release record")
	}

	baseFee := s.fees.Recommend(ctx, domain.DefaultPriority(domain.KindMilestone))
	intent := ledger.Intent{
		SourceAccount: key.Address,
		Operations: []ledger.Operation{{
			Kind:        ledger.OpPayment,
			Destination: camp.FundingAddress,
			Amount:      amount,
		}},
		Memo:    ledger.TruncateMemo("rel:" + shortID(milestoneID.String())),
		BaseFee: baseFee,
	}

	result, err := s.gateway.Submit(ctx, intent, key)
	if err != nil {
		if markErr := s.records.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
			s.log.Printf("release record %s failed-mark error: %v", rec.ID, markErr)
		}
		s.abortRelease(ctx, campaignID, milestoneID)
		return nil, err
	}

	if err := s.records.MarkCompleted(ctx, rec.ID, result.Hash); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal,
			fmt.Sprintf("release confirmed (hash %s) but record update failed", result.Hash))
	}
	rec.Status = domain.StatusCompleted
	rec.LedgerHash = result.Hash
	s.writeFeeRecord(ctx, rec.ID, domain.KindMilestone, result, baseFee)

	// Entry first: its ReleaseTxHash is the canonical disbursement proof.
	if _, err := s.escrows.MarkReleased(ctx, campaignID, milestoneID, now, requestedBy, result.Hash); err != nil {
		s.log.Printf("escrow entry release mark failed campaign=%s milestone=%s: %v", campaignID, milestoneID, err)
	}
	if err := s.campaigns.CompleteRelease(ctx, campaignID, milestoneID, now); err != nil {
		s.log.Printf("milestone completion failed campaign=%s milestone=%s: %v", campaignID, milestoneID, err)
	}
	if err := s.records.MarkAggregatesApplied(ctx, rec.ID); err != nil {
		s.log.Printf("release record %s applied-mark error: %v", rec.ID, err)
	} else {
		rec.AggregatesApplied = true
	}

	if s.metrics != nil {
		s.metrics.MilestonesReleased.Inc()
	}
	s.notifyRelease(ctx, camp, milestoneID, amount)
	return rec, nil
}

func (s *Service) authorizeRelease(ctx context.Context, camp *campaign.Campaign, requestedBy domain.UserID) error {
	if requestedBy == camp.CreatorID {
		return nil
	}
	admin, err := s.roles.IsAdmin(ctx, requestedBy)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "role check")
	}
	if !admin {
		return dErrors.New(dErrors.CodeUnauthorized, "only the campaign creator or an administrator may release escrow")
	}
	return nil
}

func (s *Service) abortRelease(ctx context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID) {
	if err := s.campaigns.AbortRelease(ctx, campaignID, milestoneID); err != nil {
		s.log.Printf("release abort failed campaign=%s milestone=%s: %v", campaignID, milestoneID, err)
	}
}

// notifyRelease tells the creator and the campaign's distinct public donors.
// The creator is never notified twice even if they also donated.
func (s *Service) notifyRelease(ctx context.Context, camp *campaign.Campaign, milestoneID domain.MilestoneID, amount domain.Money) {
	title := milestoneTitle(camp, milestoneID)
	data := map[string]any{
		"campaign_id":  camp.ID.String(),
		"milestone_id": milestoneID.String(),
		"amount":       amount.Amount.String(),
	}

	s.send(ctx, notify.Notification{
		UserID:  camp.CreatorID,
		Type:    notify.TypeMilestoneCompleted,
		Title:   "Milestone funds released",
		Message: fmt.Sprintf("Funds for milestone %q of campaign %q were released.", title, camp.Title),
		Data:    data,
	})

	recs, err := s.records.ListByCampaign(ctx, camp.ID)
	if err != nil {
		s.log.Printf("donor notification list failed campaign=%s: %v", camp.ID, err)
		return
	}
	seen := map[domain.UserID]struct{}{camp.CreatorID: {}}
	for _, r := range recs {
		if r.DonorID == nil || r.Status != domain.StatusCompleted {
			continue
		}
		if r.Visibility != domain.VisibilityPublic {
			continue
		}
		if _, dup := seen[*r.DonorID]; dup {
			continue
		}
		seen[*r.DonorID] = struct{}{}
		s.send(ctx, notify.Notification{
			UserID:  *r.DonorID,
			Type:    notify.TypeMilestoneCompleted,
			Title:   "Milestone completed",
			Message: fmt.Sprintf("A milestone of campaign %q you supported was completed.", camp.Title),
			Data:    data,
		})
	}
}

// applyFundingAggregates mirrors the donation path for the escrow funding
// record: funding counts toward the campaign's raised total and can activate
// milestones immediately.
func (s *Service) applyFundingAggregates(ctx context.Context, rec *records.TransactionRecord, camp *campaign.Campaign) {
	funding, err := s.campaigns.AddFunding(ctx, rec.CampaignID, *rec.DonorID, rec.Amount)
	if err != nil {
		s.log.Printf("escrow funding aggregate failed (sweep will repair) record=%s: %v", rec.ID, err)
		return
	}
	if err := s.donors.RecordDonation(ctx, *rec.DonorID, rec.CampaignID, rec.Amount, s.now()); err != nil {
		s.log.Printf("escrow funder aggregate failed (sweep will repair) record=%s: %v", rec.ID, err)
		return
	}
	if err := s.records.MarkAggregatesApplied(ctx, rec.ID); err != nil {
		s.log.Printf("escrow funding record %s applied-mark error: %v", rec.ID, err)
		return
	}

	for _, m := range camp.SortedMilestones() {
		if m.Status != domain.MilestonePending || !funding.Raised.GTE(m.Target) {
			continue
		}
		won, err := s.campaigns.ActivateMilestone(ctx, camp.ID, m.ID, s.now())
		if err != nil || !won {
			continue
		}
		if s.metrics != nil {
			s.metrics.MilestonesActivated.Inc()
		}
		s.send(ctx, notify.Notification{
			UserID:  camp.CreatorID,
			Type:    notify.TypeMilestoneActivated,
			Title:   "Milestone reached",
			Message: fmt.Sprintf("Milestone %q of campaign %q reached its funding target.", m.Title, camp.Title),
			Data: map[string]any{
				"campaign_id":  camp.ID.String(),
				"milestone_id": m.ID.String(),
			},
		})
	}
}

func (s *Service) writeFeeRecord(ctx context.Context, txID domain.TransactionID, kind domain.TransactionKind, result ledger.SubmitResult, baseFee int64) {
	err := s.feeRecords.Create(ctx, fees.Record{
		TransactionID: txID,
		LedgerHash:    result.Hash,
		Kind:          kind,
		BaseFee:       baseFee,
		TotalFee:      result.FeeCharged,
		OperationCnt:  result.OperationCount,
	})
	if err != nil {
		s.log.Printf("fee record write failed tx=%s: %v", txID, err)
	}
}

func (s *Service) send(ctx context.Context, n notify.Notification) {
	if err := s.sink.Send(ctx, n); err != nil {
		if s.metrics != nil {
			s.metrics.NotificationFailures.Inc()
		}
		s.log.Printf("notification send failed user=%s type=%s: %v", n.UserID, n.Type, err)
	}
}

func validateAllocations(camp *campaign.Campaign, total domain.Money, allocations []Allocation) error {
	if !total.IsPositive() {
		return dErrors.New(dErrors.CodeInvalidRequest, "escrow total must be positive")
	}
	if len(allocations) == 0 {
		return dErrors.New(dErrors.CodeInvalidRequest, "escrow needs at least one allocation")
	}
	sum := domain.Money{Amount: decimal.Zero, Currency: total.Currency}
	seen := make(map[domain.MilestoneID]struct{}, len(allocations))
	for _, alloc := range allocations {
		if !alloc.Amount.IsPositive() {
			return dErrors.New(dErrors.CodeInvalidRequest, "allocation amount must be positive")
		}
		if _, dup := seen[alloc.MilestoneID]; dup {
			return dErrors.New(dErrors.CodeInvalidRequest, "duplicate milestone allocation")
		}
		seen[alloc.MilestoneID] = struct{}{}
		if milestoneOf(camp, alloc.MilestoneID) == nil {
			return dErrors.New(dErrors.CodeInvalidRequest, "allocation references unknown milestone")
		}
		sum = sum.Add(alloc.Amount)
	}
	if sum.Cmp(total) != 0 {
		return dErrors.New(dErrors.CodeInvalidRequest, "allocations must sum to the escrow total")
	}
	return nil
}

func milestoneOf(camp *campaign.Campaign, id domain.MilestoneID) *campaign.Milestone {
	for _, m := range camp.Milestones {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func milestoneTitle(camp *campaign.Campaign, id domain.MilestoneID) string {
	if m := milestoneOf(camp, id); m != nil {
		return m.Title
	}
	return id.String()
}

func resolveReleaseAt(alloc Allocation, now time.Time) *time.Time {
	if alloc.ReleaseAt != nil {
		t := *alloc.ReleaseAt
		return &t
	}
	if alloc.ReleaseDays > 0 {
		t := now.AddDate(0, 0, alloc.ReleaseDays)
		return &t
	}
	return nil
}

func shortID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
