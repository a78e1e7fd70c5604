package ledger

// FailureKind classifies a ledger submission failure. Only the gateway
// branches on these; everything above it sees coded domain errors.
type FailureKind string

const (
	// FailureSequenceStale: the envelope's sequence number was behind the
	// account; retry after refreshing the sequence.
	FailureSequenceStale FailureKind = "sequence-stale"
	// FailureInsufficientFee: the fee bid lost to congestion; retry once
	// with the next tier fee.
	FailureInsufficientFee FailureKind = "insufficient-fee"
	// FailureInsufficientBalance: source account cannot cover the payment;
	// fatal, never retried.
	FailureInsufficientBalance FailureKind = "insufficient-balance"
	// FailureNetworkTimeout: the submission may or may not have reached the
	// ledger; retried with backoff after checking for a confirmation.
	FailureNetworkTimeout FailureKind = "network-timeout"
	// FailureRejected: the ledger rejected the operation outright; fatal.
	FailureRejected FailureKind = "rejected-by-ledger"
)

// SubmitError is the normalized failure shape returned by Client
// implementations regardless of driver result shape.
type SubmitError struct {
	Kind   FailureKind
	Detail string
}

func (e *SubmitError) Error() string {
	return string(e.Kind) + ": " + e.Detail
}

// Transient reports whether the gateway's retry loop may act on this failure.
func (e *SubmitError) Transient() bool {
	switch e.Kind {
	case FailureSequenceStale, FailureInsufficientFee, FailureNetworkTimeout:
		return true
	default:
		return false
	}
}

// SubmitResult is the single normalized success shape; the rest of the
// engine never branches on driver result shapes.
type SubmitResult struct {
	Hash           string
	FeeCharged     int64
	OperationCount int
}
