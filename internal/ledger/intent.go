package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"pledger/pkg/domain"
)

// MaxMemoBytes is the ledger's memo limit. Longer memos are truncated
// deterministically, never rejected.
const MaxMemoBytes = 28

// OpKind is the operation type within an intent.
type OpKind string

const (
	OpPayment       OpKind = "payment"
	OpCreateAccount OpKind = "create-account"
)

// Operation is one payment or account-creation step.
type Operation struct {
	Kind        OpKind
	Destination string
	// Amount is the payment amount, or the starting balance for
	// create-account operations.
	Amount domain.Money
}

// Intent is the logical transaction the engine wants on the ledger. It stays
// constant across retries; the envelope built from it does not.
type Intent struct {
	SourceAccount string
	Operations    []Operation
	Memo          string
	// BaseFee is the per-operation fee bid recommended by the fee advisor.
	BaseFee int64
}

// Validate rejects intents that can never submit.
func (in Intent) Validate() error {
	if in.SourceAccount == "" {
		return fmt.Errorf("intent missing source account")
	}
	if len(in.Operations) == 0 {
		return fmt.Errorf("intent has no operations")
	}
	for _, op := range in.Operations {
		if op.Destination == "" {
			return fmt.Errorf("operation missing destination")
		}
		if !op.Amount.IsPositive() {
			return fmt.Errorf("operation amount must be positive")
		}
	}
	return nil
}

// FeeBid is the total fee bid: base fee times operation count.
func (in Intent) FeeBid() int64 {
	return in.BaseFee * int64(len(in.Operations))
}

// Envelope is an intent bound to a concrete sequence number and fee bid,
// ready for signing. Rebuilt fresh for every submission attempt.
type Envelope struct {
	Intent   Intent
	Sequence int64
	FeeBid   int64
}

// SignedEnvelope carries the envelope plus signatures over its canonical
// encoding.
type SignedEnvelope struct {
	Envelope   Envelope
	SignerKeys []string
	Signatures [][]byte
}

// BuildEnvelope binds an intent to a sequence number with a per-operation
// base fee, truncating the memo on the way in.
func BuildEnvelope(in Intent, sequence int64, baseFee int64) Envelope {
	in.Memo = TruncateMemo(in.Memo)
	in.BaseFee = baseFee
	return Envelope{
		Intent:   in,
		Sequence: sequence,
		FeeBid:   in.FeeBid(),
	}
}

// CanonicalBytes is the deterministic encoding signed and hashed. JSON field
// order follows struct order, so the encoding is stable.
func (e Envelope) CanonicalBytes() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		// Envelope contains only marshalable fields.
		panic(err)
	}
	return b
}

// Hash is the envelope's transaction hash as the ledger would compute it.
func (e Envelope) Hash() string {
	sum := sha256.Sum256(e.CanonicalBytes())
	return hex.EncodeToString(sum[:])
}

// Keypair is opaque signing material for one ledger account. The engine
// never generates keys for donors; it receives them from callers or the
// wallet store. Escrow accounts are the one place keys are minted.
type Keypair struct {
	Address string
	Private ed25519.PrivateKey
}

// NewKeypair mints a fresh ledger account keypair (escrow accounts only).
func NewKeypair() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate keypair: %w", err)
	}
	return Keypair{Address: AddressFromPublic(pub), Private: priv}, nil
}

// KeypairFromSeed rebuilds a keypair from a stored 32-byte seed.
func KeypairFromSeed(seed []byte) (Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return Keypair{}, fmt.Errorf("seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return Keypair{
		Address: AddressFromPublic(priv.Public().(ed25519.PublicKey)),
		Private: priv,
	}, nil
}

// Seed returns the 32-byte seed for storage.
func (k Keypair) Seed() []byte {
	return k.Private.Seed()
}

// AddressFromPublic derives the account address from a public key.
func AddressFromPublic(pub ed25519.PublicKey) string {
	return "G" + strings.ToUpper(hex.EncodeToString(pub))
}

// Sign produces a signed envelope for submission.
func (k Keypair) Sign(env Envelope) SignedEnvelope {
	sig := ed25519.Sign(k.Private, env.CanonicalBytes())
	return SignedEnvelope{
		Envelope:   env,
		SignerKeys: []string{k.Address},
		Signatures: [][]byte{sig},
	}
}

// TruncateMemo clips a memo to MaxMemoBytes without splitting a UTF-8 rune.
func TruncateMemo(memo string) string {
	if len(memo) <= MaxMemoBytes {
		return memo
	}
	cut := MaxMemoBytes
	for cut > 0 && !utf8.RuneStart(memo[cut]) {
		cut--
	}
	return memo[:cut]
}

// IntentSignature is the deterministic identity of a submission attempt:
// memo + source + sequence. The gateway uses it to detect an already
// confirmed intent before resubmitting after a timeout.
func IntentSignature(source string, sequence int64, memo string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", source, sequence, TruncateMemo(memo))))
	return hex.EncodeToString(sum[:])
}
