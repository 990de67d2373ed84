package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	tokenprog "github.com/gagliardetto/solana-go/programs/token"

	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/token"
)

// Checkpoint is the recent ledger reference a transaction is bound to. The
// transaction is accepted only while the block height stays at or below
// LastValidBlockHeight (roughly 150 blocks, 60 to 90 seconds).
type Checkpoint struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
	FetchedAt            time.Time
}

// OpKind names a builder operation.
type OpKind string

const (
	OpCreateAccountIfAbsent OpKind = "create_account_if_absent"
	OpTransfer              OpKind = "transfer"
	OpBurn                  OpKind = "burn"
	OpMemo                  OpKind = "memo"
	OpInstruction           OpKind = "instruction"
)

// Op is one logical step of a settlement transaction.
type Op struct {
	Kind OpKind

	// CreateAccountIfAbsent
	Owner solana.PublicKey
	Mint  solana.PublicKey
	Payer solana.PublicKey

	// Transfer and Burn
	Source      solana.PublicKey
	Destination solana.PublicKey
	Authority   solana.PublicKey
	Amount      token.Amount

	// Memo
	Data    []byte
	Signers []solana.PublicKey

	// Instruction
	Instruction solana.Instruction
}

// CreateAccountIfAbsent creates owner's token account for mint unless it
// already exists. A zero payer means the fee payer.
func CreateAccountIfAbsent(owner, mint, payer solana.PublicKey) Op {
	return Op{Kind: OpCreateAccountIfAbsent, Owner: owner, Mint: mint, Payer: payer}
}

// Transfer moves amount from source to destination, authorised by authority.
func Transfer(source, destination, authority solana.PublicKey, amount token.Amount) Op {
	return Op{Kind: OpTransfer, Source: source, Destination: destination, Authority: authority, Amount: amount}
}

// Burn destroys amount from account, authorised by authority.
func Burn(account, mint, authority solana.PublicKey, amount token.Amount) Op {
	return Op{Kind: OpBurn, Source: account, Mint: mint, Authority: authority, Amount: amount}
}

// Memo attaches an audit payload.
func Memo(data []byte, signers ...solana.PublicKey) Op {
	return Op{Kind: OpMemo, Data: data, Signers: signers}
}

// Instruction includes a program instruction verbatim.
func Instruction(ix solana.Instruction) Op {
	return Op{Kind: OpInstruction, Instruction: ix}
}

// UnsignedTx is an assembled transaction awaiting signatures.
type UnsignedTx struct {
	Tx           *solana.Transaction
	FeePayer     solana.PublicKey
	Checkpoint   Checkpoint
	Instructions []solana.Instruction
	// Created lists token accounts the transaction creates.
	Created       []solana.PublicKey
	BuildDuration time.Duration
}

// WithPrefix re-assembles the transaction with extra instructions in front,
// keeping the same checkpoint and fee payer.
func (u *UnsignedTx) WithPrefix(ixs ...solana.Instruction) (*UnsignedTx, error) {
	all := make([]solana.Instruction, 0, len(ixs)+len(u.Instructions))
	all = append(all, ixs...)
	all = append(all, u.Instructions...)

	tx, err := assemble(all, u.Checkpoint.Blockhash, u.FeePayer)
	if err != nil {
		return nil, err
	}
	out := *u
	out.Tx = tx
	out.Instructions = all
	return &out, nil
}

// RequiredSigners returns the keys that must sign the transaction.
func (u *UnsignedTx) RequiredSigners() []solana.PublicKey {
	n := int(u.Tx.Message.Header.NumRequiredSignatures)
	if n > len(u.Tx.Message.AccountKeys) {
		n = len(u.Tx.Message.AccountKeys)
	}
	return u.Tx.Message.AccountKeys[:n]
}

// LedgerReader is the ledger state the builder consults.
type LedgerReader interface {
	LatestCheckpoint(ctx context.Context) (Checkpoint, error)
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)
}

// Builder assembles settlement transactions.
type Builder struct {
	ledger   LedgerReader
	resolver *Resolver
}

// NewBuilder creates a builder reading ledger state from ledger.
func NewBuilder(ledger LedgerReader, resolver *Resolver) *Builder {
	return &Builder{ledger: ledger, resolver: resolver}
}

// Build assembles ops into an unsigned transaction. It reads the latest
// checkpoint and, for each CreateAccountIfAbsent, whether the account
// exists. Create instructions are placed first; absent accounts are the only
// ones created. The create is the idempotent variant, so an account that
// appears between the read and submission does not fail the transaction.
func (b *Builder) Build(ctx context.Context, feePayer solana.PublicKey, ops ...Op) (*UnsignedTx, error) {
	start := time.Now()
	if len(ops) == 0 {
		return nil, fmt.Errorf("build: no operations")
	}

	cp, err := b.ledger.LatestCheckpoint(ctx)
	if err != nil {
		return nil, err
	}

	var (
		creates []solana.Instruction
		body    []solana.Instruction
		created []solana.PublicKey
	)
	for i, op := range ops {
		switch op.Kind {
		case OpCreateAccountIfAbsent:
			ref, err := b.resolver.TokenAccount(op.Owner, op.Mint)
			if err != nil {
				return nil, err
			}
			exists, err := b.ledger.AccountExists(ctx, ref.Address)
			if err != nil {
				return nil, err
			}
			if exists {
				continue
			}
			payer := op.Payer
			if payer.IsZero() {
				payer = feePayer
			}
			creates = append(creates, createIdempotent(payer, op.Owner, op.Mint))
			created = append(created, ref.Address)

		case OpTransfer:
			if op.Amount.IsZero() {
				return nil, apperrors.InvalidAmount("transfer amount must be positive")
			}
			body = append(body, tokenprog.NewTransferInstruction(
				op.Amount.Base(), op.Source, op.Destination, op.Authority, []solana.PublicKey{},
			).Build())

		case OpBurn:
			if op.Amount.IsZero() {
				return nil, apperrors.InvalidAmount("burn amount must be positive")
			}
			body = append(body, tokenprog.NewBurnInstruction(
				op.Amount.Base(), op.Source, op.Mint, op.Authority, []solana.PublicKey{},
			).Build())

		case OpMemo:
			if len(op.Data) == 0 {
				return nil, fmt.Errorf("build: op %d: empty memo", i)
			}
			body = append(body, NewMemoInstruction(op.Data, op.Signers...))

		case OpInstruction:
			if op.Instruction == nil {
				return nil, fmt.Errorf("build: op %d: nil instruction", i)
			}
			body = append(body, op.Instruction)

		default:
			return nil, fmt.Errorf("build: op %d: unknown kind %q", i, op.Kind)
		}
	}

	ixs := append(creates, body...)
	tx, err := assemble(ixs, cp.Blockhash, feePayer)
	if err != nil {
		return nil, err
	}

	return &UnsignedTx{
		Tx:            tx,
		FeePayer:      feePayer,
		Checkpoint:    cp,
		Instructions:  ixs,
		Created:       created,
		BuildDuration: time.Since(start),
	}, nil
}

func assemble(ixs []solana.Instruction, blockhash solana.Hash, feePayer solana.PublicKey) (*solana.Transaction, error) {
	tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, fmt.Errorf("assemble transaction: %w", err)
	}
	return tx, nil
}

// ataCreateIdempotent is the associated token program's CreateIdempotent
// discriminator. It succeeds when the account already exists.
const ataCreateIdempotent byte = 1

func createIdempotent(payer, owner, mint solana.PublicKey) solana.Instruction {
	create := associatedtokenaccount.NewCreateInstruction(payer, owner, mint).Build()
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, create.Accounts(), []byte{ataCreateIdempotent})
}
