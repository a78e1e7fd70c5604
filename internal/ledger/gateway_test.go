package ledger

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"pledger/pkg/domain"
	dErrors "pledger/pkg/domain-errors"
)

// fakeClient scripts per-call submit outcomes and records what the gateway
// asked of it.
type fakeClient struct {
	sequence int64
	stats    FeeStats
	statsErr error

	// submitScript is consumed one entry per Submit call; a nil entry means
	// success.
	submitScript []*SubmitError
	submits      []SignedEnvelope
	history      TransactionPage
	historyCalls int
}

func (f *fakeClient) AccountDetail(_ context.Context, accountID string) (AccountDetail, error) {
	return AccountDetail{AccountID: accountID, Sequence: f.sequence}, nil
}

func (f *fakeClient) FeeStats(context.Context) (FeeStats, error) {
	return f.stats, f.statsErr
}

func (f *fakeClient) Submit(_ context.Context, env SignedEnvelope) (SubmitResult, error) {
	f.submits = append(f.submits, env)
	idx := len(f.submits) - 1
	if idx < len(f.submitScript) && f.submitScript[idx] != nil {
		return SubmitResult{}, f.submitScript[idx]
	}
	return SubmitResult{Hash: env.Envelope.Hash(), FeeCharged: env.Envelope.FeeBid, OperationCount: len(env.Envelope.Intent.Operations)}, nil
}

func (f *fakeClient) TransactionsForAccount(context.Context, string, string, int) (TransactionPage, error) {
	f.historyCalls++
	return f.history, nil
}

type doublingEscalator struct{}

func (doublingEscalator) Escalate(_ context.Context, current int64) int64 { return current * 3 }

type GatewaySuite struct {
	suite.Suite
	client  *fakeClient
	gateway *Gateway
	key     Keypair
	intent  Intent
	ctx     context.Context
}

func (s *GatewaySuite) SetupTest() {
	s.client = &fakeClient{sequence: 41}
	s.gateway = NewGateway(s.client, nil, nil, log.New(os.Stderr, "", 0))
	s.gateway.sleep = func(context.Context, time.Duration) error { return nil }

	key, err := NewKeypair()
	s.Require().NoError(err)
	s.key = key
	s.intent = Intent{
		SourceAccount: key.Address,
		Operations:    []Operation{{Kind: OpPayment, Destination: "GDEST", Amount: domain.MustMoney("25", "XLM")}},
		Memo:          "don:test",
		BaseFee:       100,
	}
	s.ctx = context.Background()
}

func TestGatewaySuite(t *testing.T) {
	suite.Run(t, new(GatewaySuite))
}

func (s *GatewaySuite) TestSucceedsFirstAttempt() {
	res, err := s.gateway.Submit(s.ctx, s.intent, s.key)
	s.Require().NoError(err)
	s.NotEmpty(res.Hash)
	s.Len(s.client.submits, 1)
	s.Equal(int64(42), s.client.submits[0].Envelope.Sequence)
}

func (s *GatewaySuite) TestInvalidIntentNeverSubmits() {
	_, err := s.gateway.Submit(s.ctx, Intent{}, s.key)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidRequest))
	s.Empty(s.client.submits)
}

func (s *GatewaySuite) TestTwoTimeoutsThenSuccess() {
	s.client.submitScript = []*SubmitError{
		{Kind: FailureNetworkTimeout, Detail: "deadline"},
		{Kind: FailureNetworkTimeout, Detail: "deadline"},
		nil,
	}

	res, err := s.gateway.Submit(s.ctx, s.intent, s.key)
	s.Require().NoError(err)
	s.NotEmpty(res.Hash)
	s.Len(s.client.submits, 3)
	// Each timeout checks history before resubmitting.
	s.Equal(2, s.client.historyCalls)
}

func (s *GatewaySuite) TestTimeoutRecoversConfirmedSubmission() {
	s.client.submitScript = []*SubmitError{
		{Kind: FailureNetworkTimeout, Detail: "deadline"},
	}
	// The first attempt actually landed: history shows a successful
	// transaction with the attempt's signature (sequence 42).
	s.client.history = TransactionPage{Records: []TransactionInfo{{
		Hash:           "deadbeef",
		SourceAccount:  s.intent.SourceAccount,
		Sequence:       42,
		Memo:           s.intent.Memo,
		FeeCharged:     100,
		OperationCount: 1,
		Successful:     true,
	}}}

	res, err := s.gateway.Submit(s.ctx, s.intent, s.key)
	s.Require().NoError(err)
	s.Equal("deadbeef", res.Hash)
	// Never resubmitted after finding the confirmation.
	s.Len(s.client.submits, 1)
}

func (s *GatewaySuite) TestSequenceStaleRefreshesAndRetries() {
	s.client.submitScript = []*SubmitError{
		{Kind: FailureSequenceStale, Detail: "tx_bad_seq"},
		nil,
	}
	s.client.sequence = 41

	_, err := s.gateway.Submit(s.ctx, s.intent, s.key)
	s.Require().NoError(err)
	s.Len(s.client.submits, 2)
}

func (s *GatewaySuite) TestFeeEscalatedExactlyOnce() {
	s.gateway = NewGateway(s.client, doublingEscalator{}, nil, log.New(os.Stderr, "", 0))
	s.gateway.sleep = func(context.Context, time.Duration) error { return nil }
	s.client.submitScript = []*SubmitError{
		{Kind: FailureInsufficientFee, Detail: "tx_insufficient_fee"},
		nil,
	}

	_, err := s.gateway.Submit(s.ctx, s.intent, s.key)
	s.Require().NoError(err)
	s.Require().Len(s.client.submits, 2)
	s.Equal(int64(100), s.client.submits[0].Envelope.Intent.BaseFee)
	s.Equal(int64(300), s.client.submits[1].Envelope.Intent.BaseFee)
}

func (s *GatewaySuite) TestSecondFeeRejectionIsFatal() {
	s.client.submitScript = []*SubmitError{
		{Kind: FailureInsufficientFee, Detail: "tx_insufficient_fee"},
		{Kind: FailureInsufficientFee, Detail: "tx_insufficient_fee"},
	}

	_, err := s.gateway.Submit(s.ctx, s.intent, s.key)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeLedgerFatal))
	s.Len(s.client.submits, 2)
}

func (s *GatewaySuite) TestInsufficientBalanceNeverRetries() {
	s.client.submitScript = []*SubmitError{
		{Kind: FailureInsufficientBalance, Detail: "op_underfunded"},
	}

	_, err := s.gateway.Submit(s.ctx, s.intent, s.key)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeLedgerFatal))
	s.Len(s.client.submits, 1)
}

func (s *GatewaySuite) TestRetryBudgetExhaustion() {
	s.client.submitScript = []*SubmitError{
		{Kind: FailureNetworkTimeout, Detail: "deadline"},
		{Kind: FailureNetworkTimeout, Detail: "deadline"},
		{Kind: FailureNetworkTimeout, Detail: "deadline"},
	}

	_, err := s.gateway.Submit(s.ctx, s.intent, s.key)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeLedgerTransient))
	s.Len(s.client.submits, 3)
}

func (s *GatewaySuite) TestFindByMemo() {
	s.client.history = TransactionPage{Records: []TransactionInfo{
		{Hash: "aa", Memo: "don:1:1", Successful: false},
		{Hash: "bb", Memo: "don:1:1", Successful: true},
		{Hash: "cc", Memo: "esc:2", Successful: true},
	}}

	tx, found, err := s.gateway.FindByMemo(s.ctx, "GABC", "don:1:1")
	s.Require().NoError(err)
	s.True(found)
	s.Equal("bb", tx.Hash)

	_, found, err = s.gateway.FindByMemo(s.ctx, "GABC", "don:9:9")
	s.Require().NoError(err)
	s.False(found)
}
