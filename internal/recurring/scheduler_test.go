package recurring

import (
	"context"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"pledger/internal/campaign"
	"pledger/internal/donation"
	"pledger/internal/donor"
	"pledger/internal/identity"
	"pledger/internal/ledger"
	"pledger/internal/notify"
	"pledger/internal/records"
	"pledger/internal/wallet"
	"pledger/pkg/domain"
	dErrors "pledger/pkg/domain-errors"
)

// fakeProcessor records charges; failFor donors get a scripted error.
type fakeProcessor struct {
	mu      sync.Mutex
	charges []charge
	failFor map[domain.UserID]error
}

type charge struct {
	donorID    domain.UserID
	campaignID domain.CampaignID
	amount     domain.Money
	opts       donation.Options
}

func (f *fakeProcessor) ProcessDonation(_ context.Context, donorID domain.UserID, campaignID domain.CampaignID, amount domain.Money, _ ledger.Keypair, opts donation.Options) (*records.TransactionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[donorID]; ok {
		return nil, err
	}
	f.charges = append(f.charges, charge{donorID, campaignID, amount, opts})
	rec := records.New(&donorID, campaignID, amount, domain.KindRecurring, domain.VisibilityPublic)
	rec.Status = domain.StatusCompleted
	return rec, nil
}

func (f *fakeProcessor) chargedDonors() []domain.UserID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.UserID, 0, len(f.charges))
	for _, c := range f.charges {
		out = append(out, c.donorID)
	}
	return out
}

func testLogger() *log.Logger {
	return log.New(os.Stderr, "", 0)
}

// denyLease refuses every claim.
type denyLease struct{}

func (denyLease) Acquire(context.Context, domain.UserID) (bool, error) { return false, nil }
func (denyLease) Release(context.Context, domain.UserID)               {}

type SchedulerSuite struct {
	suite.Suite
	donors    *donor.InMemoryStore
	campaigns *campaign.InMemoryStore
	records   *records.InMemoryStore
	wallets   *wallet.SealedStore
	processor *fakeProcessor
	roles     *identity.StaticRoles
	sink      *notify.CaptureSink
	scheduler *Scheduler

	ctx context.Context
	now time.Time
}

func (s *SchedulerSuite) SetupTest() {
	s.donors = donor.NewInMemoryStore()
	s.campaigns = campaign.NewInMemoryStore()
	s.records = records.NewInMemoryStore()
	s.wallets = wallet.NewSealedStoreWithRandomKey()
	s.processor = &fakeProcessor{failFor: make(map[domain.UserID]error)}
	s.roles = identity.NewStaticRoles()
	s.sink = &notify.CaptureSink{}
	s.scheduler = NewScheduler(Config{
		Donors:      s.donors,
		Campaigns:   s.campaigns,
		Records:     s.records,
		Wallets:     s.wallets,
		Processor:   s.processor,
		Roles:       s.roles,
		Sink:        s.sink,
		Log:         testLogger(),
		Parallelism: 2,
	})
	s.ctx = context.Background()
	s.now = time.Now()
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

// seedSubscriber creates a donor with an active due subscription and a
// stored signing key.
func (s *SchedulerSuite) seedSubscriber(amount string) (domain.UserID, domain.CampaignID) {
	id := domain.NewUserID()
	campaignID := domain.NewCampaignID()
	s.Require().NoError(s.campaigns.Create(s.ctx, &campaign.Campaign{
		ID:             campaignID,
		CreatorID:      domain.NewUserID(),
		Title:          "Well fund",
		FundingAddress: "GCAMPAIGN",
		Active:         true,
		Raised:         domain.MustMoney("0", "XLM"),
	}))
	s.Require().NoError(s.donors.RecordDonation(s.ctx, id, campaignID, domain.MustMoney(amount, "XLM"), s.now.AddDate(0, -1, 0)))
	s.Require().NoError(s.donors.UpsertSubscription(s.ctx, id, donor.Subscription{
		Amount:    domain.MustMoney(amount, "XLM"),
		Frequency: domain.FrequencyMonthly,
		Status:    domain.SubscriptionActive,
		NextRunAt: s.now.Add(-time.Minute),
	}))
	key, err := ledger.NewKeypair()
	s.Require().NoError(err)
	s.Require().NoError(s.wallets.Put(s.ctx, id.String(), key))
	return id, campaignID
}

func (s *SchedulerSuite) TestDueSubscriptionIsCharged() {
	id, campaignID := s.seedSubscriber("25")

	report, err := s.scheduler.RunDueCycle(s.ctx, s.now)
	s.Require().NoError(err)
	s.Equal(1, report.Processed)
	s.Equal(1, report.Successful)
	s.Zero(report.Failed)

	s.Require().Len(s.processor.charges, 1)
	c := s.processor.charges[0]
	s.Equal(id, c.donorID)
	s.Equal(campaignID, c.campaignID)
	s.Equal("25", c.amount.Amount.String())
	s.True(c.opts.Recurring)

	s.Run("subscription advanced past the run window", func() {
		d, err := s.donors.FindByID(s.ctx, id)
		s.Require().NoError(err)
		s.True(d.Subscription.NextRunAt.After(s.now))
		s.Equal(1, d.Subscription.CycleCount)
	})

	s.Run("second cycle at the same time charges nothing", func() {
		report, err := s.scheduler.RunDueCycle(s.ctx, s.now)
		s.Require().NoError(err)
		s.Zero(report.Processed)
		s.Len(s.processor.charges, 1)
	})
}

func (s *SchedulerSuite) TestClosedCampaignSkipsDonor() {
	id, campaignID := s.seedSubscriber("25")
	s.Require().NoError(s.campaigns.SetActive(s.ctx, campaignID, false))

	report, err := s.scheduler.RunDueCycle(s.ctx, s.now)
	s.Require().NoError(err)
	s.Zero(report.Processed)
	s.Equal(1, report.Skipped)
	s.Empty(s.processor.charges)

	// The skip still advances next-run so the donor is not re-listed every
	// cycle while the campaign stays closed.
	d, err := s.donors.FindByID(s.ctx, id)
	s.Require().NoError(err)
	s.True(d.Subscription.NextRunAt.After(s.now))
}

func (s *SchedulerSuite) TestFailingDonorDoesNotBlockOthers() {
	bad, _ := s.seedSubscriber("10")
	good, _ := s.seedSubscriber("20")
	s.processor.failFor[bad] = dErrors.New(dErrors.CodeLedgerFatal, "insufficient-balance")

	report, err := s.scheduler.RunDueCycle(s.ctx, s.now)
	s.Require().NoError(err)
	s.Equal(2, report.Processed)
	s.Equal(1, report.Successful)
	s.Equal(1, report.Failed)
	s.Require().Len(report.Failures, 1)
	s.Equal(bad, report.Failures[0].DonorID)
	s.Equal([]domain.UserID{good}, s.processor.chargedDonors())

	s.Run("the failing subscription still advances", func() {
		d, err := s.donors.FindByID(s.ctx, bad)
		s.Require().NoError(err)
		s.True(d.Subscription.NextRunAt.After(s.now))
	})
}

func (s *SchedulerSuite) TestMissingSigningMaterialFailsCleanly() {
	id := domain.NewUserID()
	campaignID := domain.NewCampaignID()
	s.Require().NoError(s.campaigns.Create(s.ctx, &campaign.Campaign{
		ID:             campaignID,
		CreatorID:      domain.NewUserID(),
		Title:          "Well fund",
		FundingAddress: "GCAMPAIGN",
		Active:         true,
		Raised:         domain.MustMoney("0", "XLM"),
	}))
	s.Require().NoError(s.donors.RecordDonation(s.ctx, id, campaignID, domain.MustMoney("10", "XLM"), s.now))
	s.Require().NoError(s.donors.UpsertSubscription(s.ctx, id, donor.Subscription{
		Amount:    domain.MustMoney("10", "XLM"),
		Frequency: domain.FrequencyMonthly,
		Status:    domain.SubscriptionActive,
		NextRunAt: s.now.Add(-time.Minute),
	}))

	report, err := s.scheduler.RunDueCycle(s.ctx, s.now)
	s.Require().NoError(err)
	s.Equal(1, report.Failed)
	s.Empty(s.processor.charges)

	d, err := s.donors.FindByID(s.ctx, id)
	s.Require().NoError(err)
	s.True(d.Subscription.NextRunAt.After(s.now))
}

func (s *SchedulerSuite) TestLeaseDenialSkips() {
	s.seedSubscriber("10")
	s.scheduler.lease = denyLease{}

	report, err := s.scheduler.RunDueCycle(s.ctx, s.now)
	s.Require().NoError(err)
	s.Equal(1, report.Skipped)
	s.Zero(report.Processed)
	s.Empty(s.processor.charges)
}

func (s *SchedulerSuite) TestCancelRecurring() {
	id, campaignID := s.seedSubscriber("10")

	// An existing recurring record for the series.
	rec := records.New(&id, campaignID, domain.MustMoney("10", "XLM"), domain.KindRecurring, domain.VisibilityPublic)
	rec.Recurring = &records.RecurringMetadata{Frequency: domain.FrequencyMonthly, NextRunAt: s.now}
	s.Require().NoError(s.records.Create(s.ctx, rec))

	s.Run("a third party cannot cancel", func() {
		err := s.scheduler.CancelRecurring(s.ctx, id, domain.NewUserID())
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("the donor cancels their own subscription", func() {
		s.Require().NoError(s.scheduler.CancelRecurring(s.ctx, id, id))

		d, err := s.donors.FindByID(s.ctx, id)
		s.Require().NoError(err)
		s.Equal(domain.SubscriptionCancelled, d.Subscription.Status)

		found, err := s.records.FindByID(s.ctx, rec.ID)
		s.Require().NoError(err)
		s.True(found.Recurring.Cancelled)
		s.NotNil(found.Recurring.CancelledAt)

		s.Len(s.sink.ByType(notify.TypeRecurringCancelled), 1)
	})

	s.Run("cancelling twice is invalid state", func() {
		err := s.scheduler.CancelRecurring(s.ctx, id, id)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})

	s.Run("the cancelled subscription is never charged again", func() {
		report, err := s.scheduler.RunDueCycle(s.ctx, s.now.AddDate(1, 0, 0))
		s.Require().NoError(err)
		s.Zero(report.Processed)
		s.Empty(s.processor.charges)
	})
}

func (s *SchedulerSuite) TestAdminCanCancel() {
	id, _ := s.seedSubscriber("10")
	admin := domain.NewUserID()
	s.roles.Grant(admin)

	s.Require().NoError(s.scheduler.CancelRecurring(s.ctx, id, admin))

	d, err := s.donors.FindByID(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(domain.SubscriptionCancelled, d.Subscription.Status)
	s.Equal(admin, d.Subscription.CancelledBy)
}

func (s *SchedulerSuite) TestCancelUnknownDonor() {
	id := domain.NewUserID()
	err := s.scheduler.CancelRecurring(s.ctx, id, id)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}
