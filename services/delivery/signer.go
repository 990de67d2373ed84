package delivery

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Signer produces the signature of a wallet. Wallet-backed signers may block
// on user approval and must honour ctx.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(ctx context.Context, tx *solana.Transaction) error
}

// KeypairSigner signs with an in-process private key, such as the reward
// pool authority.
type KeypairSigner struct {
	key solana.PrivateKey
}

// NewKeypairSigner wraps key.
func NewKeypairSigner(key solana.PrivateKey) *KeypairSigner {
	return &KeypairSigner{key: key}
}

// KeypairSignerFromBase58 decodes a base58 secret key.
func KeypairSignerFromBase58(secret string) (*KeypairSigner, error) {
	key, err := solana.PrivateKeyFromBase58(secret)
	if err != nil {
		return nil, fmt.Errorf("decode signer key: %w", err)
	}
	return NewKeypairSigner(key), nil
}

func (s *KeypairSigner) PublicKey() solana.PublicKey { return s.key.PublicKey() }

func (s *KeypairSigner) Sign(ctx context.Context, tx *solana.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pub := s.key.PublicKey()
	_, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(pub) {
			return &s.key
		}
		return nil
	})
	return err
}
