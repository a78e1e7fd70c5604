package ledger

import (
	"context"
	"errors"
	"log"
	"time"

	"pledger/internal/platform/metrics"
	dErrors "pledger/pkg/domain-errors"
)

const (
	// maxAttempts bounds the whole submission loop; callers apply their own
	// submission timeout on top of this.
	maxAttempts = 3
	// initialBackoff before the second attempt after a network timeout.
	initialBackoff = 2 * time.Second
	// dedupeScanLimit is how much recent history one confirmation poll reads.
	dedupeScanLimit = 20
)

// FeeEscalator returns the next-tier per-operation fee after an
// insufficient-fee rejection. The fee advisor provides one; the fallback
// doubles the bid.
type FeeEscalator interface {
	Escalate(ctx context.Context, current int64) int64
}

// Gateway builds, signs, submits and confirms envelopes against the ledger.
// It owns the retry policy: only transient failures are retried, the fee is
// escalated at most once, and a submission that timed out is checked for an
// existing confirmation before it is ever resubmitted.
type Gateway struct {
	client    Client
	escalator FeeEscalator
	metrics   *metrics.Metrics
	log       *log.Logger

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway wires a gateway over a driver client. escalator may be nil.
func NewGateway(client Client, escalator FeeEscalator, m *metrics.Metrics, logger *log.Logger) *Gateway {
	return &Gateway{
		client:    client,
		escalator: escalator,
		metrics:   m,
		log:       logger,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Submit runs the full submission loop for one intent. The intent is logical
// and constant; every attempt rebuilds the envelope with a fresh account
// sequence because submissions are not idempotent at the ledger layer.
func (g *Gateway) Submit(ctx context.Context, intent Intent, key Keypair) (SubmitResult, error) {
	if err := intent.Validate(); err != nil {
		return SubmitResult{}, dErrors.Wrap(err, dErrors.CodeInvalidRequest, "invalid ledger intent")
	}

	start := time.Now()
	defer func() {
		if g.metrics != nil {
			g.metrics.SubmitDuration.Observe(time.Since(start).Seconds())
		}
	}()

	baseFee := intent.BaseFee
	feeEscalated := false
	backoff := initialBackoff

	var lastErr *SubmitError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 && g.metrics != nil {
			g.metrics.LedgerRetries.Inc()
		}

		acct, err := g.client.AccountDetail(ctx, intent.SourceAccount)
		if err != nil {
			se := asSubmitError(err)
			if se == nil || !se.Transient() {
				return SubmitResult{}, dErrors.Wrap(err, dErrors.CodeLedgerFatal, "resolve source account")
			}
			lastErr = se
			if err := g.sleep(ctx, backoff); err != nil {
				return SubmitResult{}, dErrors.Wrap(err, dErrors.CodeTimeout, "submission cancelled")
			}
			backoff *= 2
			continue
		}

		env := BuildEnvelope(intent, acct.Sequence+1, baseFee)
		if g.metrics != nil {
			g.metrics.LedgerSubmissions.Inc()
		}

		res, err := g.client.Submit(ctx, key.Sign(env))
		if err == nil {
			return res, nil
		}

		se := asSubmitError(err)
		if se == nil {
			return SubmitResult{}, dErrors.Wrap(err, dErrors.CodeLedgerFatal, "ledger submission failed")
		}
		lastErr = se

		switch se.Kind {
		case FailureSequenceStale:
			// Loop refreshes the sequence at the top; no backoff needed.
			continue

		case FailureInsufficientFee:
			if feeEscalated {
				return SubmitResult{}, dErrors.Wrap(se, dErrors.CodeLedgerFatal, "fee bid rejected after escalation")
			}
			feeEscalated = true
			baseFee = g.escalate(ctx, baseFee)
			continue

		case FailureNetworkTimeout:
			// The submission may have landed. Never resubmit a confirmed
			// intent: look for it by its memo+source+sequence signature.
			if confirmed, ok := g.findConfirmed(ctx, intent, env.Sequence); ok {
				g.log.Printf("submission confirmed after timeout hash=%s", confirmed.Hash)
				return confirmed, nil
			}
			if attempt == maxAttempts {
				break
			}
			if err := g.sleep(ctx, backoff); err != nil {
				return SubmitResult{}, dErrors.Wrap(err, dErrors.CodeTimeout, "submission cancelled")
			}
			backoff *= 2
			continue

		case FailureInsufficientBalance, FailureRejected:
			return SubmitResult{}, dErrors.Wrap(se, dErrors.CodeLedgerFatal, "ledger rejected submission")
		}
	}

	return SubmitResult{}, dErrors.Wrap(lastErr, dErrors.CodeLedgerTransient, "retry budget exhausted")
}

func (g *Gateway) escalate(ctx context.Context, current int64) int64 {
	if g.escalator != nil {
		if next := g.escalator.Escalate(ctx, current); next > current {
			return next
		}
	}
	return current * 2
}

// findConfirmed polls recent account history for a successful transaction
// matching the intent's deterministic signature.
func (g *Gateway) findConfirmed(ctx context.Context, intent Intent, sequence int64) (SubmitResult, bool) {
	want := IntentSignature(intent.SourceAccount, sequence, intent.Memo)
	page, err := g.client.TransactionsForAccount(ctx, intent.SourceAccount, "", dedupeScanLimit)
	if err != nil {
		g.log.Printf("confirmation poll failed source=%s: %v", intent.SourceAccount, err)
		return SubmitResult{}, false
	}
	for _, tx := range page.Records {
		if !tx.Successful {
			continue
		}
		if IntentSignature(tx.SourceAccount, tx.Sequence, tx.Memo) == want {
			return SubmitResult{
				Hash:           tx.Hash,
				FeeCharged:     tx.FeeCharged,
				OperationCount: tx.OperationCount,
			}, true
		}
	}
	return SubmitResult{}, false
}

// FindByMemo scans recent account history for a successful transaction
// carrying the given memo. The scan is bounded to one history page, matching
// the confirmation poll's horizon.
func (g *Gateway) FindByMemo(ctx context.Context, accountID, memo string) (TransactionInfo, bool, error) {
	page, err := g.client.TransactionsForAccount(ctx, accountID, "", dedupeScanLimit)
	if err != nil {
		return TransactionInfo{}, false, err
	}
	for _, tx := range page.Records {
		if tx.Successful && tx.Memo == memo {
			return tx, true, nil
		}
	}
	return TransactionInfo{}, false, nil
}

// FeeStats exposes the driver's fee statistics to the fee advisor.
func (g *Gateway) FeeStats(ctx context.Context) (FeeStats, error) {
	return g.client.FeeStats(ctx)
}

func asSubmitError(err error) *SubmitError {
	var se *SubmitError
	if errors.As(err, &se) {
		return se
	}
	return nil
}
