package escrow

import (
	"time"

	"pledger/pkg/domain"
)

// Entry earmarks escrowed funds for one milestone. It transitions
// pending -> released exactly once; ReleaseTxHash is the canonical proof of
// the on-ledger disbursement, which is why the entry is updated before the
// milestone when the two cannot share a transaction.
type Entry struct {
	MilestoneID domain.MilestoneID
	Allocated   domain.Money
	Status      domain.EscrowEntryStatus
	// ScheduledReleaseAt is the earliest allowed release, absolute. Callers
	// may specify it as relative release-days at creation.
	ScheduledReleaseAt *time.Time
	ReleasedAt         *time.Time
	ReleasedBy         domain.UserID
	ReleaseTxHash      string
}

// Account is a campaign's escrow: one ledger account pre-funded for its
// milestones. Custodial key material lives in the wallet store, not here.
type Account struct {
	ID            domain.EscrowID
	CampaignID    domain.CampaignID
	LedgerAddress string
	Entries       []*Entry
	CreatedAt     time.Time
}

// Entry returns the entry for a milestone, or nil.
func (a *Account) Entry(milestoneID domain.MilestoneID) *Entry {
	for _, e := range a.Entries {
		if e.MilestoneID == milestoneID {
			return e
		}
	}
	return nil
}

// Allocation describes one milestone's escrow slice at creation time.
type Allocation struct {
	MilestoneID domain.MilestoneID
	Amount      domain.Money
	// ReleaseDays, when positive, schedules the earliest release this many
	// days after escrow creation.
	ReleaseDays int
	// ReleaseAt, when set, wins over ReleaseDays.
	ReleaseAt *time.Time
}
