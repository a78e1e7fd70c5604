package ledger

import (
	"context"
	"time"

	"pledger/pkg/domain"
)

// AccountDetail is the gateway's view of a ledger account.
type AccountDetail struct {
	AccountID string
	Sequence  int64
	Balances  []Balance
}

// Balance is one asset balance on an account.
type Balance struct {
	Asset  string
	Amount domain.Money
}

// FeeStats summarizes recent network fee pressure in the ledger's smallest
// fee unit per operation.
type FeeStats struct {
	LastBaseFee int64
	P10         int64
	P50         int64
	P90         int64
}

// TransactionInfo is one confirmed transaction from account history.
type TransactionInfo struct {
	Hash           string
	SourceAccount  string
	Sequence       int64
	Memo           string
	FeeCharged     int64
	OperationCount int
	Successful     bool
	CreatedAt      time.Time
}

// TransactionPage is one page of account history with the cursor for the
// next page; an empty cursor means the history is exhausted.
type TransactionPage struct {
	Records    []TransactionInfo
	NextCursor string
}

// Client is the raw ledger driver the gateway runs on. Implementations
// return *SubmitError for submission failures so the gateway can classify
// them without branching on driver shapes.
type Client interface {
	AccountDetail(ctx context.Context, accountID string) (AccountDetail, error)
	FeeStats(ctx context.Context) (FeeStats, error)
	Submit(ctx context.Context, env SignedEnvelope) (SubmitResult, error)
	TransactionsForAccount(ctx context.Context, accountID, cursor string, limit int) (TransactionPage, error)
}
