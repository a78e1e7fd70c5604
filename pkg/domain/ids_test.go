package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "pledger/pkg/domain-errors"
)

// Parsing enforces the trust-boundary invariant: IDs must be valid,
// non-empty, non-nil UUIDs.
func TestParseUUIDInvariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseUserID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidRequest))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseCampaignID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidRequest))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseTransactionID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidRequest))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		raw := uuid.New()
		id, err := ParseUserID(raw.String())
		require.NoError(t, err)
		assert.Equal(t, raw.String(), id.String())
		assert.False(t, id.IsNil())
	})
}

func FuzzParseUserID(f *testing.F) {
	f.Add("")
	f.Add("550e8400-e29b-41d4-a716-446655440000")
	f.Add("00000000-0000-0000-0000-000000000000")
	f.Add("not-a-uuid")
	f.Add("550e8400-e29b-41d4-a716-446655440000\x00suffix")

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseUserID(input)
		if err == nil && id.IsNil() {
			t.Errorf("ParseUserID(%q) returned a nil id without an error", input)
		}
		if err != nil && !id.IsNil() {
			t.Errorf("ParseUserID(%q) returned both an id and an error", input)
		}
	})
}

func TestNewIDsAreDistinct(t *testing.T) {
	assert.NotEqual(t, NewUserID(), NewUserID())
	assert.NotEqual(t, NewCampaignID(), NewCampaignID())
	assert.False(t, NewMilestoneID().IsNil())
	assert.False(t, NewEscrowID().IsNil())
	assert.False(t, NewTransactionID().IsNil())
}

func TestZeroIDIsNil(t *testing.T) {
	var id UserID
	assert.True(t, id.IsNil())
	assert.Equal(t, uuid.Nil.String(), id.String())
}
