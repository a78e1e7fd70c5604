package domain

import (
	"github.com/google/uuid"

	dErrors "pledger/pkg/domain-errors"
)

// Typed IDs keep the engine's entities from being accidentally swapped at
// call sites. They are plain uuid wrappers; parsing enforces validity at
// trust boundaries.

type UserID uuid.UUID

type CampaignID uuid.UUID

type MilestoneID uuid.UUID

type EscrowID uuid.UUID

type TransactionID uuid.UUID

func (id UserID) String() string        { return uuid.UUID(id).String() }
func (id CampaignID) String() string    { return uuid.UUID(id).String() }
func (id MilestoneID) String() string   { return uuid.UUID(id).String() }
func (id EscrowID) String() string      { return uuid.UUID(id).String() }
func (id TransactionID) String() string { return uuid.UUID(id).String() }

func (id UserID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id CampaignID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id MilestoneID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id EscrowID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id TransactionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func NewUserID() UserID               { return UserID(uuid.New()) }
func NewCampaignID() CampaignID       { return CampaignID(uuid.New()) }
func NewMilestoneID() MilestoneID     { return MilestoneID(uuid.New()) }
func NewEscrowID() EscrowID           { return EscrowID(uuid.New()) }
func NewTransactionID() TransactionID { return TransactionID(uuid.New()) }

func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidRequest, "id must not be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidRequest, "invalid id format")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidRequest, "id must not be nil")
	}
	return u, nil
}

func ParseUserID(s string) (UserID, error) {
	u, err := parseUUID(s)
	return UserID(u), err
}

func ParseCampaignID(s string) (CampaignID, error) {
	u, err := parseUUID(s)
	return CampaignID(u), err
}

func ParseMilestoneID(s string) (MilestoneID, error) {
	u, err := parseUUID(s)
	return MilestoneID(u), err
}

func ParseTransactionID(s string) (TransactionID, error) {
	u, err := parseUUID(s)
	return TransactionID(u), err
}
