package domain

import "time"

// TransactionKind classifies a transaction record.
type TransactionKind string

const (
	KindOneTime       TransactionKind = "one-time"
	KindRecurring     TransactionKind = "recurring"
	KindMilestone     TransactionKind = "milestone"
	KindEscrowFunding TransactionKind = "escrow-funding"
)

// TransactionStatus tracks the ledger-side outcome of a record.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// Visibility controls whether a donation is attributed publicly.
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityAnonymous Visibility = "anonymous"
)

// Priority is the qualitative fee knob mapped to a ledger fee bid.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// DefaultPriority maps a transaction kind to its default fee priority.
// Milestone releases and escrow funding bid high so disbursements confirm
// quickly; donations ride the medium tier.
func DefaultPriority(kind TransactionKind) Priority {
	switch kind {
	case KindMilestone, KindEscrowFunding:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// MilestoneStatus lifecycle: pending -> active -> releasing -> completed.
// "releasing" is the short-lived guard state held while an escrow release is
// in flight; it never persists past the release attempt.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneActive    MilestoneStatus = "active"
	MilestoneReleasing MilestoneStatus = "releasing"
	MilestoneCompleted MilestoneStatus = "completed"
)

// EscrowEntryStatus lifecycle: pending -> released, exactly once.
type EscrowEntryStatus string

const (
	EscrowEntryPending  EscrowEntryStatus = "pending"
	EscrowEntryReleased EscrowEntryStatus = "released"
)

// SubscriptionStatus for recurring donations.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Frequency of a recurring donation.
type Frequency string

const (
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyAnnually  Frequency = "annually"
)

// NormalizeFrequency returns the frequency or the monthly default for the
// zero value / unknown input.
func NormalizeFrequency(f Frequency) Frequency {
	switch f {
	case FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyAnnually:
		return f
	default:
		return FrequencyMonthly
	}
}

// NextRun computes the next due time for a frequency from a reference time.
func (f Frequency) NextRun(from time.Time) time.Time {
	switch NormalizeFrequency(f) {
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case FrequencyQuarterly:
		return from.AddDate(0, 3, 0)
	case FrequencyAnnually:
		return from.AddDate(1, 0, 0)
	default:
		return from.AddDate(0, 1, 0)
	}
}
