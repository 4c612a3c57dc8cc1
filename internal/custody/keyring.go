// Package custody is the boundary to custodial key material. The engine
// never sees raw private keys for users, only signing capabilities.
package custody

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"

	"solana-custody-engine/internal/storage"
)

// Signer is a signing capability for one keypair.
type Signer interface {
	// PublicKey returns the base58 public key.
	PublicKey() string

	// Sign signs the message with the underlying key.
	Sign(message []byte) ([]byte, error)
}

// Keyring resolves a user's custodial signing capability.
type Keyring interface {
	// SignerFor returns the signing capability for a user.
	// Returns storage.ErrNotFound if the user has no custodial key.
	SignerFor(ctx context.Context, userID string) (Signer, error)
}

// Account associates a user with their custodial address.
type Account struct {
	UserID  string
	Address string
}

// AddressBook maps custodial addresses to users. The indexer watch-list and
// the reconciliation sweep are both driven from it.
type AddressBook interface {
	// UserForAddress resolves the owner of a custodial address.
	UserForAddress(address string) (string, bool)

	// Accounts lists all custodial accounts.
	Accounts() []Account
}

// keypairSigner signs with an in-process ed25519 private key.
type keypairSigner struct {
	pub  string
	priv ed25519.PrivateKey
}

func (s *keypairSigner) PublicKey() string {
	return s.pub
}

func (s *keypairSigner) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

// NewSignerFromSeed builds a Signer from a base58-encoded 32-byte ed25519
// seed. Used for the sponsor identity, constructed once at process start.
func NewSignerFromSeed(seed string) (Signer, error) {
	raw, err := base58.Decode(seed)
	if err != nil {
		return nil, fmt.Errorf("decode signer seed: %w", err)
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer seed is %d bytes, want %d", len(raw), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(raw)
	return &keypairSigner{
		pub:  base58.Encode(priv.Public().(ed25519.PublicKey)),
		priv: priv,
	}, nil
}

// MemoryKeyring holds custodial keypairs in process memory. It implements
// both Keyring and AddressBook. Production custody lives behind the same
// interfaces in an external service.
type MemoryKeyring struct {
	mu      sync.RWMutex
	byUser  map[string]*keypairSigner
	byAddr  map[string]string // address -> userID
	ordered []string          // userIDs in creation order
}

// NewMemoryKeyring creates an empty in-memory keyring.
func NewMemoryKeyring() *MemoryKeyring {
	return &MemoryKeyring{
		byUser: make(map[string]*keypairSigner),
		byAddr: make(map[string]string),
	}
}

var (
	_ Keyring     = (*MemoryKeyring)(nil)
	_ AddressBook = (*MemoryKeyring)(nil)
)

// CreateKey generates a custodial keypair for the user and returns its
// address. No-op returning the existing address if the user already has one.
func (k *MemoryKeyring) CreateKey(userID string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if s, ok := k.byUser[userID]; ok {
		return s.pub, nil
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate custodial key: %w", err)
	}
	s := &keypairSigner{
		pub:  base58.Encode(priv.Public().(ed25519.PublicKey)),
		priv: priv,
	}
	k.byUser[userID] = s
	k.byAddr[s.pub] = userID
	k.ordered = append(k.ordered, userID)
	return s.pub, nil
}

// ImportSeed registers a user keypair from a base58 seed.
func (k *MemoryKeyring) ImportSeed(userID, seed string) (string, error) {
	signer, err := NewSignerFromSeed(seed)
	if err != nil {
		return "", err
	}
	s := signer.(*keypairSigner)

	k.mu.Lock()
	defer k.mu.Unlock()
	k.byUser[userID] = s
	k.byAddr[s.pub] = userID
	k.ordered = append(k.ordered, userID)
	return s.pub, nil
}

// SignerFor returns the signing capability for a user.
func (k *MemoryKeyring) SignerFor(_ context.Context, userID string) (Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	s, ok := k.byUser[userID]
	if !ok {
		return nil, fmt.Errorf("custodial key for user %s: %w", userID, storage.ErrNotFound)
	}
	return s, nil
}

// UserForAddress resolves the owner of a custodial address.
func (k *MemoryKeyring) UserForAddress(address string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	userID, ok := k.byAddr[address]
	return userID, ok
}

// Accounts lists all custodial accounts in creation order.
func (k *MemoryKeyring) Accounts() []Account {
	k.mu.RLock()
	defer k.mu.RUnlock()

	accounts := make([]Account, 0, len(k.ordered))
	for _, userID := range k.ordered {
		accounts = append(accounts, Account{
			UserID:  userID,
			Address: k.byUser[userID].pub,
		})
	}
	return accounts
}
