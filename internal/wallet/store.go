// Package wallet resolves opaque signing material by owner. The engine never
// generates donor keys; donors hand their secret to the donation call, while
// recurring and escrow flows resolve stored material through this store.
package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"

	"pledger/internal/ledger"
	"pledger/pkg/platform/sentinel"
)

// Store looks up signing material by an owner key (user id or
// "escrow:<campaign-id>").
type Store interface {
	Resolve(ctx context.Context, owner string) (ledger.Keypair, error)
	Put(ctx context.Context, owner string, key ledger.Keypair) error
}

// SealedStore keeps seeds sealed with nacl/secretbox so raw key material
// never sits in memory-dumpable plaintext maps.
type SealedStore struct {
	mu     sync.RWMutex
	sealed map[string][]byte
	key    [32]byte
}

// NewSealedStore builds a store from a hex-encoded 32-byte seal key.
func NewSealedStore(hexKey string) (*SealedStore, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode wallet seal key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("wallet seal key must be 32 bytes, got %d", len(raw))
	}
	s := &SealedStore{sealed: make(map[string][]byte)}
	copy(s.key[:], raw)
	return s, nil
}

// NewSealedStoreWithRandomKey is for dev mode and tests; sealed material
// does not survive the process.
func NewSealedStoreWithRandomKey() *SealedStore {
	s := &SealedStore{sealed: make(map[string][]byte)}
	if _, err := io.ReadFull(rand.Reader, s.key[:]); err != nil {
		panic(err)
	}
	return s
}

func (s *SealedStore) Put(_ context.Context, owner string, key ledger.Keypair) error {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("wallet nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], key.Seed(), &nonce, &s.key)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed[owner] = box
	return nil
}

func (s *SealedStore) Resolve(_ context.Context, owner string) (ledger.Keypair, error) {
	s.mu.RLock()
	box, ok := s.sealed[owner]
	s.mu.RUnlock()
	if !ok {
		return ledger.Keypair{}, sentinel.ErrNotFound
	}
	if len(box) < 24 {
		return ledger.Keypair{}, fmt.Errorf("sealed material corrupt for %s", owner)
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	seed, ok := secretbox.Open(nil, box[24:], &nonce, &s.key)
	if !ok {
		return ledger.Keypair{}, fmt.Errorf("unseal signing material for %s", owner)
	}
	return ledger.KeypairFromSeed(seed)
}

// EscrowOwner is the owner key for a campaign's escrow account material.
func EscrowOwner(campaignID string) string {
	return "escrow:" + campaignID
}
