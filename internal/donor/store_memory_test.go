package donor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"pledger/pkg/domain"
	"pledger/pkg/platform/sentinel"
)

type DonorStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
}

func (s *DonorStoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.ctx = context.Background()
}

func TestDonorStoreSuite(t *testing.T) {
	suite.Run(t, new(DonorStoreSuite))
}

func (s *DonorStoreSuite) TestDonationAggregates() {
	id := domain.NewUserID()
	campaignA := domain.NewCampaignID()
	campaignB := domain.NewCampaignID()
	first := time.Now().Add(-time.Hour)
	second := time.Now()

	s.Run("donor is created lazily on first donation", func() {
		_, err := s.store.FindByID(s.ctx, id)
		s.Require().ErrorIs(err, sentinel.ErrNotFound)

		s.Require().NoError(s.store.RecordDonation(s.ctx, id, campaignA, domain.MustMoney("25", "XLM"), first))

		d, err := s.store.FindByID(s.ctx, id)
		s.Require().NoError(err)
		s.Equal("25", d.TotalDonated.Amount.String())
		s.Equal(1, d.DonationCount)
		s.Equal(campaignA, d.LastCampaignID)
	})

	s.Run("totals accumulate additively", func() {
		s.Require().NoError(s.store.RecordDonation(s.ctx, id, campaignB, domain.MustMoney("75", "XLM"), second))

		d, err := s.store.FindByID(s.ctx, id)
		s.Require().NoError(err)
		s.Equal("100", d.TotalDonated.Amount.String())
		s.Equal(2, d.DonationCount)
		s.Equal(campaignB, d.LastCampaignID)
		s.Equal(second, d.LastDonationAt)
	})
}

func (s *DonorStoreSuite) seedDonor() domain.UserID {
	id := domain.NewUserID()
	s.Require().NoError(s.store.RecordDonation(s.ctx, id, domain.NewCampaignID(), domain.MustMoney("10", "XLM"), time.Now()))
	return id
}

func (s *DonorStoreSuite) TestSubscriptionLifecycle() {
	id := s.seedDonor()
	now := time.Now()

	sub := Subscription{
		Amount:    domain.MustMoney("10", "XLM"),
		Frequency: domain.FrequencyMonthly,
		Status:    domain.SubscriptionActive,
		NextRunAt: now.Add(-time.Minute),
	}
	s.Require().NoError(s.store.UpsertSubscription(s.ctx, id, sub))

	s.Run("due subscription is listed", func() {
		due, err := s.store.ListDue(s.ctx, now)
		s.Require().NoError(err)
		s.Require().Len(due, 1)
		s.Equal(id, due[0].ID)
	})

	s.Run("advance moves it out of the due window and bumps the cycle", func() {
		s.Require().NoError(s.store.AdvanceSubscription(s.ctx, id, now.AddDate(0, 1, 0)))

		due, err := s.store.ListDue(s.ctx, now)
		s.Require().NoError(err)
		s.Empty(due)

		d, err := s.store.FindByID(s.ctx, id)
		s.Require().NoError(err)
		s.Equal(1, d.Subscription.CycleCount)
	})

	s.Run("cancel flips exactly once", func() {
		by := domain.NewUserID()
		s.Require().NoError(s.store.CancelSubscription(s.ctx, id, now, by))

		d, err := s.store.FindByID(s.ctx, id)
		s.Require().NoError(err)
		s.Equal(domain.SubscriptionCancelled, d.Subscription.Status)
		s.Equal(by, d.Subscription.CancelledBy)

		s.Require().ErrorIs(s.store.CancelSubscription(s.ctx, id, now, by), sentinel.ErrInvalidState)
	})

	s.Run("cancelled subscription is never due", func() {
		due, err := s.store.ListDue(s.ctx, now.AddDate(1, 0, 0))
		s.Require().NoError(err)
		s.Empty(due)
	})
}

func (s *DonorStoreSuite) TestSubscriptionRequiresDonor() {
	err := s.store.UpsertSubscription(s.ctx, domain.NewUserID(), Subscription{})
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	err = s.store.CancelSubscription(s.ctx, domain.NewUserID(), time.Now(), domain.NewUserID())
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}
