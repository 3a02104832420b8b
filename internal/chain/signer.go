package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ErrSignatureRejected is returned by a Signer when the wallet's owner
// declines to sign. Callers translate it to a USER_REJECTED outcome, which
// is recoverable rather than terminal.
var ErrSignatureRejected = errors.New("signature request rejected")

// Signer is the wallet boundary: it receives an unsigned transaction and
// returns it signed, or reports rejection. Implementations may prompt a
// human, proxy to a remote wallet service, or hold a local keypair.
type Signer interface {
	// PublicKey returns the wallet address the signer signs for
	PublicKey() solana.PublicKey

	// Sign signs the transaction in place and returns it
	Sign(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)
}

// KeypairSigner signs with a locally held private key. Used by the payment
// CLI and in tests.
type KeypairSigner struct {
	key solana.PrivateKey
}

// NewKeypairSigner wraps a private key
func NewKeypairSigner(key solana.PrivateKey) *KeypairSigner {
	return &KeypairSigner{key: key}
}

// KeypairSignerFromFile loads a keypair from a solana-keygen JSON file
func KeypairSignerFromFile(path string) (*KeypairSigner, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair from %s: %w", path, err)
	}
	return &KeypairSigner{key: key}, nil
}

// PublicKey implements Signer
func (s *KeypairSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

// Sign implements Signer
func (s *KeypairSigner) Sign(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.key.PublicKey()) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return tx, nil
}
