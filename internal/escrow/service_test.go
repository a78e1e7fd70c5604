package escrow

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"pledger/internal/campaign"
	"pledger/internal/donor"
	"pledger/internal/fees"
	"pledger/internal/identity"
	"pledger/internal/ledger"
	"pledger/internal/notify"
	"pledger/internal/records"
	"pledger/internal/wallet"
	"pledger/pkg/domain"
	dErrors "pledger/pkg/domain-errors"
)

type fakeGateway struct {
	mu      sync.Mutex
	intents []ledger.Intent
	errs    []error
}

func (f *fakeGateway) Submit(_ context.Context, intent ledger.Intent, _ ledger.Keypair) (ledger.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, intent)
	idx := len(f.intents) - 1
	if idx < len(f.errs) && f.errs[idx] != nil {
		return ledger.SubmitResult{}, f.errs[idx]
	}
	return ledger.SubmitResult{
		Hash:           fmt.Sprintf("hash-%d", idx),
		FeeCharged:     intent.BaseFee * int64(len(intent.Operations)),
		OperationCount: len(intent.Operations),
	}, nil
}

func (f *fakeGateway) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.intents)
}

type staticFees struct{ fee int64 }

func (s staticFees) Recommend(context.Context, domain.Priority) int64 { return s.fee }

type EscrowServiceSuite struct {
	suite.Suite
	escrows   *InMemoryStore
	campaigns *campaign.InMemoryStore
	donors    *donor.InMemoryStore
	records   *records.InMemoryStore
	feeStore  *fees.InMemoryRecordStore
	wallets   *wallet.SealedStore
	roles     *identity.StaticRoles
	gateway   *fakeGateway
	sink      *notify.CaptureSink
	service   *Service

	ctx       context.Context
	creator   domain.UserID
	funderID  domain.UserID
	funderKey ledger.Keypair
	camp      *campaign.Campaign
	milestone *campaign.Milestone
}

func (s *EscrowServiceSuite) SetupTest() {
	s.escrows = NewInMemoryStore()
	s.campaigns = campaign.NewInMemoryStore()
	s.donors = donor.NewInMemoryStore()
	s.records = records.NewInMemoryStore()
	s.feeStore = fees.NewInMemoryRecordStore()
	s.wallets = wallet.NewSealedStoreWithRandomKey()
	s.roles = identity.NewStaticRoles()
	s.gateway = &fakeGateway{}
	s.sink = &notify.CaptureSink{}
	s.service = NewService(Config{
		Escrows:    s.escrows,
		Campaigns:  s.campaigns,
		Donors:     s.donors,
		Records:    s.records,
		FeeRecords: s.feeStore,
		Wallets:    s.wallets,
		Roles:      s.roles,
		Gateway:    s.gateway,
		Fees:       staticFees{fee: 200},
		Sink:       s.sink,
		Log:        log.New(os.Stderr, "", 0),
	})

	s.ctx = context.Background()
	s.creator = domain.NewUserID()
	s.funderID = domain.NewUserID()
	key, err := ledger.NewKeypair()
	s.Require().NoError(err)
	s.funderKey = key

	s.milestone = &campaign.Milestone{
		ID:       domain.NewMilestoneID(),
		Title:    "Prototype",
		Target:   domain.MustMoney("1000", "XLM"),
		Position: 0,
	}
	s.camp = &campaign.Campaign{
		ID:             domain.NewCampaignID(),
		CreatorID:      s.creator,
		Title:          "Open hardware",
		FundingAddress: "GCAMPAIGN",
		Active:         true,
		Raised:         domain.MustMoney("0", "XLM"),
		Milestones:     []*campaign.Milestone{s.milestone},
	}
	s.Require().NoError(s.campaigns.Create(s.ctx, s.camp))
}

func TestEscrowServiceSuite(t *testing.T) {
	suite.Run(t, new(EscrowServiceSuite))
}

func (s *EscrowServiceSuite) createEscrow() *Account {
	account, err := s.service.CreateEscrow(s.ctx, s.camp.ID, s.funderID, domain.MustMoney("1000", "XLM"),
		[]Allocation{{MilestoneID: s.milestone.ID, Amount: domain.MustMoney("1000", "XLM")}}, s.funderKey)
	s.Require().NoError(err)
	return account
}

func (s *EscrowServiceSuite) TestCreateEscrow() {
	account := s.createEscrow()

	s.Run("escrow account holds the allocation", func() {
		s.NotEmpty(account.LedgerAddress)
		s.Require().Len(account.Entries, 1)
		s.Equal(domain.EscrowEntryPending, account.Entries[0].Status)
		s.Equal("1000", account.Entries[0].Allocated.Amount.String())
	})

	s.Run("funding submitted a create-account operation", func() {
		s.Require().Len(s.gateway.intents, 1)
		intent := s.gateway.intents[0]
		s.Equal(s.funderKey.Address, intent.SourceAccount)
		s.Require().Len(intent.Operations, 1)
		s.Equal(ledger.OpCreateAccount, intent.Operations[0].Kind)
		s.Equal(account.LedgerAddress, intent.Operations[0].Destination)
	})

	s.Run("signing material is sealed under the escrow owner", func() {
		key, err := s.wallets.Resolve(s.ctx, wallet.EscrowOwner(s.camp.ID.String()))
		s.Require().NoError(err)
		s.Equal(account.LedgerAddress, key.Address)
	})

	s.Run("funding counts toward the campaign and activates the milestone", func() {
		c, err := s.campaigns.FindByID(s.ctx, s.camp.ID)
		s.Require().NoError(err)
		s.Equal("1000", c.Raised.Amount.String())

		m, err := s.campaigns.FindMilestone(s.ctx, s.camp.ID, s.milestone.ID)
		s.Require().NoError(err)
		s.Equal(domain.MilestoneActive, m.Status)
	})

	s.Run("creation is idempotent per campaign", func() {
		again, err := s.service.CreateEscrow(s.ctx, s.camp.ID, s.funderID, domain.MustMoney("1000", "XLM"),
			[]Allocation{{MilestoneID: s.milestone.ID, Amount: domain.MustMoney("1000", "XLM")}}, s.funderKey)
		s.Require().NoError(err)
		s.Equal(account.ID, again.ID)
		s.Equal(1, s.gateway.calls())
	})
}

func (s *EscrowServiceSuite) TestCreateEscrowValidation() {
	s.Run("allocations must sum to the total", func() {
		_, err := s.service.CreateEscrow(s.ctx, s.camp.ID, s.funderID, domain.MustMoney("1000", "XLM"),
			[]Allocation{{MilestoneID: s.milestone.ID, Amount: domain.MustMoney("600", "XLM")}}, s.funderKey)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidRequest))
	})

	s.Run("allocation must reference a campaign milestone", func() {
		_, err := s.service.CreateEscrow(s.ctx, s.camp.ID, s.funderID, domain.MustMoney("1000", "XLM"),
			[]Allocation{{MilestoneID: domain.NewMilestoneID(), Amount: domain.MustMoney("1000", "XLM")}}, s.funderKey)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidRequest))
	})

	s.Empty(s.gateway.intents)
}

func (s *EscrowServiceSuite) TestReleaseAuthorizationPrecedesLedger() {
	s.createEscrow()
	before := s.gateway.calls()

	_, err := s.service.ReleaseMilestoneFunding(s.ctx, s.camp.ID, s.milestone.ID, domain.NewUserID(), nil)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	s.Equal(before, s.gateway.calls())

	s.Run("milestone stays active", func() {
		m, err := s.campaigns.FindMilestone(s.ctx, s.camp.ID, s.milestone.ID)
		s.Require().NoError(err)
		s.Equal(domain.MilestoneActive, m.Status)
	})
}

func (s *EscrowServiceSuite) TestReleaseByCreator() {
	s.createEscrow()

	rec, err := s.service.ReleaseMilestoneFunding(s.ctx, s.camp.ID, s.milestone.ID, s.creator, nil)
	s.Require().NoError(err)

	s.Run("release record is a completed milestone transaction", func() {
		s.Equal(domain.KindMilestone, rec.Kind)
		s.Equal(domain.StatusCompleted, rec.Status)
		s.Nil(rec.DonorID)
		s.NotEmpty(rec.LedgerHash)
	})

	s.Run("payment came from the escrow account", func() {
		intent := s.gateway.intents[len(s.gateway.intents)-1]
		account, err := s.escrows.FindByCampaign(s.ctx, s.camp.ID)
		s.Require().NoError(err)
		s.Equal(account.LedgerAddress, intent.SourceAccount)
		s.Equal("GCAMPAIGN", intent.Operations[0].Destination)
	})

	s.Run("entry carries the release transaction hash", func() {
		account, err := s.escrows.FindByCampaign(s.ctx, s.camp.ID)
		s.Require().NoError(err)
		entry := account.Entry(s.milestone.ID)
		s.Equal(domain.EscrowEntryReleased, entry.Status)
		s.Equal(rec.LedgerHash, entry.ReleaseTxHash)
		s.Equal(s.creator, entry.ReleasedBy)
	})

	s.Run("milestone is completed", func() {
		m, err := s.campaigns.FindMilestone(s.ctx, s.camp.ID, s.milestone.ID)
		s.Require().NoError(err)
		s.Equal(domain.MilestoneCompleted, m.Status)
		s.NotNil(m.CompletedAt)
	})

	s.Run("second release is rejected as invalid state", func() {
		_, err := s.service.ReleaseMilestoneFunding(s.ctx, s.camp.ID, s.milestone.ID, s.creator, nil)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})
}

func (s *EscrowServiceSuite) TestReleaseByAdmin() {
	s.createEscrow()
	admin := domain.NewUserID()
	s.roles.Grant(admin)

	rec, err := s.service.ReleaseMilestoneFunding(s.ctx, s.camp.ID, s.milestone.ID, admin, nil)
	s.Require().NoError(err)
	s.Equal(domain.StatusCompleted, rec.Status)
}

func (s *EscrowServiceSuite) TestPartialReleaseOverride() {
	s.createEscrow()

	s.Run("override above the allocation is rejected", func() {
		over := domain.MustMoney("1500", "XLM")
		_, err := s.service.ReleaseMilestoneFunding(s.ctx, s.camp.ID, s.milestone.ID, s.creator, &over)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidRequest))
	})

	amount := domain.MustMoney("400", "XLM")
	rec, err := s.service.ReleaseMilestoneFunding(s.ctx, s.camp.ID, s.milestone.ID, s.creator, &amount)
	s.Require().NoError(err)
	s.Equal("400", rec.Amount.Amount.String())
}

func (s *EscrowServiceSuite) TestReleaseRequiresActiveMilestone() {
	// Escrow funded below the milestone target: milestone stays pending.
	_, err := s.service.CreateEscrow(s.ctx, s.camp.ID, s.funderID, domain.MustMoney("500", "XLM"),
		[]Allocation{{MilestoneID: s.milestone.ID, Amount: domain.MustMoney("500", "XLM")}}, s.funderKey)
	s.Require().NoError(err)

	_, err = s.service.ReleaseMilestoneFunding(s.ctx, s.camp.ID, s.milestone.ID, s.creator, nil)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
}

func (s *EscrowServiceSuite) TestFailedReleaseRestoresMilestone() {
	s.createEscrow()
	s.gateway.errs = []error{nil, dErrors.New(dErrors.CodeLedgerTransient, "network-timeout: deadline")}

	_, err := s.service.ReleaseMilestoneFunding(s.ctx, s.camp.ID, s.milestone.ID, s.creator, nil)
	s.Require().Error(err)

	s.Run("milestone returns to active for a later retry", func() {
		m, err := s.campaigns.FindMilestone(s.ctx, s.camp.ID, s.milestone.ID)
		s.Require().NoError(err)
		s.Equal(domain.MilestoneActive, m.Status)
	})

	s.Run("escrow entry stays pending", func() {
		account, err := s.escrows.FindByCampaign(s.ctx, s.camp.ID)
		s.Require().NoError(err)
		s.Equal(domain.EscrowEntryPending, account.Entry(s.milestone.ID).Status)
	})
}

func (s *EscrowServiceSuite) TestConcurrentReleasePaysOnce() {
	s.createEscrow()
	payments := s.gateway.calls()

	const callers = 10
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.ReleaseMilestoneFunding(s.ctx, s.camp.ID, s.milestone.ID, s.creator, nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded int
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	s.Equal(1, succeeded)
	s.Equal(payments+1, s.gateway.calls())
}

func (s *EscrowServiceSuite) TestReleaseNotifiesCreatorAndPublicDonors() {
	s.createEscrow()

	// Completed donation records with mixed visibility.
	public := domain.NewUserID()
	anon := domain.NewUserID()
	for _, d := range []struct {
		id  domain.UserID
		vis domain.Visibility
	}{
		{public, domain.VisibilityPublic},
		{anon, domain.VisibilityAnonymous},
		{s.creator, domain.VisibilityPublic},
	} {
		id := d.id
		rec := records.New(&id, s.camp.ID, domain.MustMoney("10", "XLM"), domain.KindOneTime, d.vis)
		s.Require().NoError(s.records.Create(s.ctx, rec))
		s.Require().NoError(s.records.MarkCompleted(s.ctx, rec.ID, "h-"+id.String()))
	}

	_, err := s.service.ReleaseMilestoneFunding(s.ctx, s.camp.ID, s.milestone.ID, s.creator, nil)
	s.Require().NoError(err)

	completed := s.sink.ByType(notify.TypeMilestoneCompleted)
	recipients := make(map[domain.UserID]int)
	for _, n := range completed {
		recipients[n.UserID]++
	}

	s.Equal(1, recipients[s.creator], "creator notified exactly once")
	s.Equal(1, recipients[public], "public donor notified")
	s.Zero(recipients[anon], "anonymous donor never notified")
}

func (s *EscrowServiceSuite) TestScheduledReleaseSweep() {
	past := time.Now().Add(-time.Hour)
	_, err := s.service.CreateEscrow(s.ctx, s.camp.ID, s.funderID, domain.MustMoney("1000", "XLM"),
		[]Allocation{{MilestoneID: s.milestone.ID, Amount: domain.MustMoney("1000", "XLM"), ReleaseAt: &past}}, s.funderKey)
	s.Require().NoError(err)

	released, err := s.service.ReleaseDue(s.ctx, time.Now())
	s.Require().NoError(err)
	s.Equal(1, released)

	m, err := s.campaigns.FindMilestone(s.ctx, s.camp.ID, s.milestone.ID)
	s.Require().NoError(err)
	s.Equal(domain.MilestoneCompleted, m.Status)
}
