package chain

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
)

// EscrowSeed is the PDA seed prefix of the escrow vault.
const EscrowSeed = "escrow"

// MemoProgramID is the SPL memo program (v2).
var MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

// ParseKey decodes a base58 public key, returning an InvalidKey error for
// malformed input.
func ParseKey(s string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, apperrors.InvalidKey(s, err)
	}
	return pk, nil
}

// TokenAccountRef identifies the canonical token account of an owner for a
// mint. It is always recomputed, never stored.
type TokenAccountRef struct {
	Owner   solana.PublicKey
	Mint    solana.PublicKey
	Address solana.PublicKey
}

// Resolver derives ledger addresses. It performs no I/O, so equal inputs
// always yield equal outputs.
type Resolver struct {
	escrowProgram solana.PublicKey
}

// NewResolver creates a resolver for the escrow program at escrowProgramID.
func NewResolver(escrowProgramID string) (*Resolver, error) {
	pk, err := ParseKey(escrowProgramID)
	if err != nil {
		return nil, err
	}
	return &Resolver{escrowProgram: pk}, nil
}

// EscrowProgram returns the escrow program id.
func (r *Resolver) EscrowProgram() solana.PublicKey { return r.escrowProgram }

// ResolveTokenAccount returns the associated token account of owner for mint.
func (r *Resolver) ResolveTokenAccount(owner, mint string) (TokenAccountRef, error) {
	ownerKey, err := ParseKey(owner)
	if err != nil {
		return TokenAccountRef{}, err
	}
	mintKey, err := ParseKey(mint)
	if err != nil {
		return TokenAccountRef{}, err
	}
	return r.TokenAccount(ownerKey, mintKey)
}

// TokenAccount is ResolveTokenAccount for already-parsed keys.
func (r *Resolver) TokenAccount(owner, mint solana.PublicKey) (TokenAccountRef, error) {
	addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return TokenAccountRef{}, fmt.Errorf("derive token account for %s: %w", owner, err)
	}
	return TokenAccountRef{Owner: owner, Mint: mint, Address: addr}, nil
}

// ResolveEscrowVault returns the escrow vault address for mint and its bump.
func (r *Resolver) ResolveEscrowVault(mint string) (solana.PublicKey, uint8, error) {
	mintKey, err := ParseKey(mint)
	if err != nil {
		return solana.PublicKey{}, 0, err
	}
	return r.EscrowVault(mintKey)
}

// EscrowVault is ResolveEscrowVault for an already-parsed mint.
func (r *Resolver) EscrowVault(mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress([][]byte{[]byte(EscrowSeed), mint.Bytes()}, r.escrowProgram)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("derive escrow vault for %s: %w", mint, err)
	}
	return addr, bump, nil
}
