package records

import (
	"time"

	"pledger/pkg/domain"
)

// RecurringMetadata tracks the local scheduling state attached to a
// recurring donation record. It is the only part of a record that may change
// after the ledger status leaves pending.
type RecurringMetadata struct {
	Frequency   domain.Frequency
	NextRunAt   time.Time
	CycleCount  int
	Cancelled   bool
	CancelledAt *time.Time
}

// TransactionRecord is one donation, milestone release, escrow funding or
// cancellation as the local ledger sees it. Completed records are the source
// of truth for aggregate reconciliation; aggregates are a cache.
//
// Invariant: LedgerHash is set if and only if Status is completed.
type TransactionRecord struct {
	ID         domain.TransactionID
	DonorID    *domain.UserID // nil for milestone releases
	CampaignID domain.CampaignID
	Amount     domain.Money
	Kind       domain.TransactionKind
	Visibility domain.Visibility
	Status     domain.TransactionStatus
	LedgerHash string
	// FailureDetail records why a submission failed, for audit.
	FailureDetail string
	// AggregatesApplied marks that campaign/donor aggregates reflect this
	// completed record; the reconciliation sweep re-applies records where
	// it is still false.
	AggregatesApplied bool
	Recurring         *RecurringMetadata
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// New builds a pending record.
func New(donorID *domain.UserID, campaignID domain.CampaignID, amount domain.Money, kind domain.TransactionKind, visibility domain.Visibility) *TransactionRecord {
	now := time.Now()
	return &TransactionRecord{
		ID:         domain.NewTransactionID(),
		DonorID:    donorID,
		CampaignID: campaignID,
		Amount:     amount,
		Kind:       kind,
		Visibility: visibility,
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
