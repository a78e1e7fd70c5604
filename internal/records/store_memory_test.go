package records

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"pledger/pkg/domain"
	"pledger/pkg/platform/sentinel"
)

type RecordStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
}

func (s *RecordStoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.ctx = context.Background()
}

func TestRecordStoreSuite(t *testing.T) {
	suite.Run(t, new(RecordStoreSuite))
}

func (s *RecordStoreSuite) newRecord() *TransactionRecord {
	donorID := domain.NewUserID()
	return New(&donorID, domain.NewCampaignID(), domain.MustMoney("50", "XLM"), domain.KindOneTime, domain.VisibilityPublic)
}

func (s *RecordStoreSuite) TestCreateAndFind() {
	rec := s.newRecord()
	s.Require().NoError(s.store.Create(s.ctx, rec))

	found, err := s.store.FindByID(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusPending, found.Status)
	s.Empty(found.LedgerHash)

	s.Run("duplicate id conflicts", func() {
		s.Require().ErrorIs(s.store.Create(s.ctx, rec), sentinel.ErrConflict)
	})

	s.Run("unknown id is not found", func() {
		_, err := s.store.FindByID(s.ctx, domain.NewTransactionID())
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *RecordStoreSuite) TestCompletionSetsHashExactlyOnce() {
	rec := s.newRecord()
	s.Require().NoError(s.store.Create(s.ctx, rec))

	s.Require().NoError(s.store.MarkCompleted(s.ctx, rec.ID, "abc123"))

	found, err := s.store.FindByID(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusCompleted, found.Status)
	s.Equal("abc123", found.LedgerHash)

	s.Run("completed record cannot complete again", func() {
		s.Require().ErrorIs(s.store.MarkCompleted(s.ctx, rec.ID, "other"), sentinel.ErrInvalidState)
	})

	s.Run("completed record cannot fail", func() {
		s.Require().ErrorIs(s.store.MarkFailed(s.ctx, rec.ID, "late failure"), sentinel.ErrInvalidState)
	})
}

func (s *RecordStoreSuite) TestFailureKeepsHashEmpty() {
	rec := s.newRecord()
	s.Require().NoError(s.store.Create(s.ctx, rec))

	s.Require().NoError(s.store.MarkFailed(s.ctx, rec.ID, "insufficient-balance: op_underfunded"))

	found, err := s.store.FindByID(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusFailed, found.Status)
	s.Empty(found.LedgerHash)
	s.Contains(found.FailureDetail, "insufficient-balance")

	s.Run("failed record cannot complete", func() {
		s.Require().ErrorIs(s.store.MarkCompleted(s.ctx, rec.ID, "abc"), sentinel.ErrInvalidState)
	})
}

func (s *RecordStoreSuite) TestAggregatesAppliedRequiresCompletion() {
	rec := s.newRecord()
	s.Require().NoError(s.store.Create(s.ctx, rec))

	s.Require().ErrorIs(s.store.MarkAggregatesApplied(s.ctx, rec.ID), sentinel.ErrInvalidState)

	s.Require().NoError(s.store.MarkCompleted(s.ctx, rec.ID, "abc"))
	s.Require().NoError(s.store.MarkAggregatesApplied(s.ctx, rec.ID))

	found, err := s.store.FindByID(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.True(found.AggregatesApplied)
}

func (s *RecordStoreSuite) TestListUnreconciled() {
	applied := s.newRecord()
	unapplied := s.newRecord()
	unapplied.CampaignID = applied.CampaignID
	pending := s.newRecord()
	pending.CampaignID = applied.CampaignID

	for _, rec := range []*TransactionRecord{applied, unapplied, pending} {
		s.Require().NoError(s.store.Create(s.ctx, rec))
	}
	s.Require().NoError(s.store.MarkCompleted(s.ctx, applied.ID, "a"))
	s.Require().NoError(s.store.MarkAggregatesApplied(s.ctx, applied.ID))
	s.Require().NoError(s.store.MarkCompleted(s.ctx, unapplied.ID, "b"))

	list, err := s.store.ListUnreconciled(s.ctx, applied.CampaignID)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal(unapplied.ID, list[0].ID)
}

func (s *RecordStoreSuite) TestRecurringMetadataUpdate() {
	rec := s.newRecord()
	rec.Kind = domain.KindRecurring
	rec.Recurring = &RecurringMetadata{
		Frequency: domain.FrequencyMonthly,
		NextRunAt: time.Now().AddDate(0, 1, 0),
	}
	s.Require().NoError(s.store.Create(s.ctx, rec))

	now := time.Now()
	meta := *rec.Recurring
	meta.CycleCount = 3
	meta.Cancelled = true
	meta.CancelledAt = &now
	s.Require().NoError(s.store.UpdateRecurring(s.ctx, rec.ID, meta))

	found, err := s.store.FindByID(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Require().NotNil(found.Recurring)
	s.Equal(3, found.Recurring.CycleCount)
	s.True(found.Recurring.Cancelled)
}

func (s *RecordStoreSuite) TestListByDonorAndCampaign() {
	rec := s.newRecord()
	s.Require().NoError(s.store.Create(s.ctx, rec))

	other := s.newRecord()
	s.Require().NoError(s.store.Create(s.ctx, other))

	byCampaign, err := s.store.ListByCampaign(s.ctx, rec.CampaignID)
	s.Require().NoError(err)
	s.Len(byCampaign, 1)

	byDonor, err := s.store.ListByDonor(s.ctx, *rec.DonorID)
	s.Require().NoError(err)
	s.Require().Len(byDonor, 1)
	s.Equal(rec.ID, byDonor[0].ID)
}
