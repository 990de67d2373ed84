package chain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/R3E-Network/settlement_layer/internal/token"
)

var (
	escrowAccountDiscriminator = AnchorDiscriminator("account", "Escrow")
	buyTokensDiscriminator     = AnchorDiscriminator("global", "buy_tokens")
)

// AnchorDiscriminator returns the 8-byte Anchor prefix for namespace:name.
func AnchorDiscriminator(namespace, name string) [8]byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// EscrowState is a read-only snapshot of the on-chain escrow account.
type EscrowState struct {
	Address           solana.PublicKey
	Admin             solana.PublicKey
	Mint              solana.PublicKey
	VaultTokenAccount solana.PublicKey
	// PricePerUnit is lamports per whole token.
	PricePerUnit   uint64
	TotalUnitsSold token.Amount
	TotalRevenue   uint64
	Bump           uint8
}

// DecodeEscrowState decodes escrow account data.
func DecodeEscrowState(address solana.PublicKey, data []byte) (*EscrowState, error) {
	dec := bin.NewBorshDecoder(data)

	disc, err := dec.ReadNBytes(8)
	if err != nil {
		return nil, fmt.Errorf("read discriminator: %w", err)
	}
	if !bytes.Equal(disc, escrowAccountDiscriminator[:]) {
		return nil, fmt.Errorf("account %s is not an escrow account", address)
	}

	st := &EscrowState{Address: address}
	for _, dst := range []*solana.PublicKey{&st.Admin, &st.Mint, &st.VaultTokenAccount} {
		raw, err := dec.ReadNBytes(solana.PublicKeyLength)
		if err != nil {
			return nil, fmt.Errorf("read escrow key: %w", err)
		}
		*dst = solana.PublicKeyFromBytes(raw)
	}

	if st.PricePerUnit, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("read price: %w", err)
	}
	sold, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("read total sold: %w", err)
	}
	st.TotalUnitsSold = token.Amount(sold)
	if st.TotalRevenue, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("read total revenue: %w", err)
	}
	if st.Bump, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("read bump: %w", err)
	}
	return st, nil
}

// EscrowState fetches and decodes the escrow account at address.
func (c *Client) EscrowState(ctx context.Context, address solana.PublicKey) (*EscrowState, error) {
	data, err := c.AccountData(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("load escrow %s: %w", address, err)
	}
	return DecodeEscrowState(address, data)
}

// BuyAccounts are the accounts of the escrow buy_tokens instruction.
type BuyAccounts struct {
	Escrow             solana.PublicKey
	Buyer              solana.PublicKey
	Treasury           solana.PublicKey
	EscrowTokenAccount solana.PublicKey
	BuyerTokenAccount  solana.PublicKey
}

// NewBuyInstruction encodes buy_tokens(amount). Lamports move from the buyer
// to the treasury; tokens move from the vault to the buyer.
func NewBuyInstruction(programID solana.PublicKey, accts BuyAccounts, amount token.Amount) (solana.Instruction, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	if err := enc.WriteBytes(buyTokensDiscriminator[:], false); err != nil {
		return nil, fmt.Errorf("encode buy discriminator: %w", err)
	}
	if err := enc.WriteUint64(amount.Base(), bin.LE); err != nil {
		return nil, fmt.Errorf("encode buy amount: %w", err)
	}

	metas := solana.AccountMetaSlice{
		solana.Meta(accts.Escrow).WRITE(),
		solana.Meta(accts.Buyer).WRITE().SIGNER(),
		solana.Meta(accts.Treasury).WRITE(),
		solana.Meta(accts.EscrowTokenAccount).WRITE(),
		solana.Meta(accts.BuyerTokenAccount).WRITE(),
		solana.Meta(solana.TokenProgramID),
		solana.Meta(solana.SystemProgramID),
	}
	return solana.NewInstruction(programID, metas, buf.Bytes()), nil
}
