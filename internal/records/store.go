package records

import (
	"context"

	"pledger/pkg/domain"
)

// Store is the durable transaction-record contract: append-create plus
// status progression, no business logic. Status transitions are conditional
// at the store layer so a record can never leave pending twice.
type Store interface {
	Create(ctx context.Context, rec *TransactionRecord) error
	FindByID(ctx context.Context, id domain.TransactionID) (*TransactionRecord, error)

	// MarkCompleted moves pending -> completed and sets the ledger hash.
	// Returns sentinel.ErrInvalidState if the record already left pending.
	MarkCompleted(ctx context.Context, id domain.TransactionID, ledgerHash string) error
	// MarkFailed moves pending -> failed with the failure detail.
	MarkFailed(ctx context.Context, id domain.TransactionID, detail string) error
	// MarkAggregatesApplied flags a completed record as reflected in the
	// campaign/donor aggregates.
	MarkAggregatesApplied(ctx context.Context, id domain.TransactionID) error
	// UpdateRecurring progresses a record's recurring metadata; legal on
	// completed records (the one post-pending mutation allowed).
	UpdateRecurring(ctx context.Context, id domain.TransactionID, meta RecurringMetadata) error

	ListByCampaign(ctx context.Context, campaignID domain.CampaignID) ([]*TransactionRecord, error)
	ListByDonor(ctx context.Context, donorID domain.UserID) ([]*TransactionRecord, error)
	// ListUnreconciled returns completed records whose aggregates flag is
	// unset, feeding the reconciliation sweep.
	ListUnreconciled(ctx context.Context, campaignID domain.CampaignID) ([]*TransactionRecord, error)
}
