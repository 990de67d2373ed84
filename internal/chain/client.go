// Package chain provides ledger interaction for the settlement layer:
// account derivation, transaction assembly and the RPC reads the services
// depend on.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/R3E-Network/settlement_layer/internal/token"
)

// RPC is the subset of the ledger JSON-RPC surface the settlement layer uses.
// *rpc.Client satisfies it.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
}

var _ RPC = (*rpc.Client)(nil)

// ErrTxNotFound is returned when the ledger has no record of a signature.
var ErrTxNotFound = errors.New("transaction not found")

// Client wraps the ledger RPC with the reads and writes settlement needs.
type Client struct {
	mu         sync.RWMutex
	rpc        RPC
	endpoint   string
	commitment rpc.CommitmentType
	timeout    time.Duration
}

// Config holds client configuration.
type Config struct {
	RPCURL     string
	Commitment rpc.CommitmentType
	Timeout    time.Duration
}

// NewClient creates a client against the JSON-RPC endpoint in cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	c := NewClientWithRPC(rpc.New(cfg.RPCURL), cfg.Commitment, cfg.Timeout)
	c.endpoint = cfg.RPCURL
	return c, nil
}

// NewClientWithRPC wraps an existing RPC implementation.
func NewClientWithRPC(r RPC, commitment rpc.CommitmentType, timeout time.Duration) *Client {
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{rpc: r, commitment: commitment, timeout: timeout}
}

// RPC returns the underlying RPC implementation.
func (c *Client) RPC() RPC {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rpc
}

// Endpoint returns the RPC URL the client was created with, if any.
func (c *Client) Endpoint() string { return c.endpoint }

// Commitment returns the commitment level used for reads.
func (c *Client) Commitment() rpc.CommitmentType { return c.commitment }

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// =============================================================================
// Reads
// =============================================================================

// LatestCheckpoint returns the most recent blockhash and the last block
// height at which a transaction referencing it is still accepted.
func (c *Client) LatestCheckpoint(ctx context.Context) (Checkpoint, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out, err := c.RPC().GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return Checkpoint{}, fmt.Errorf("get latest blockhash: empty result")
	}
	return Checkpoint{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
		FetchedAt:            time.Now(),
	}, nil
}

// AccountInfo returns the account or nil when it does not exist.
func (c *Client) AccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.Account, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out, err := c.RPC().GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: c.commitment,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", account, err)
	}
	if out == nil || out.Value == nil {
		return nil, nil
	}
	return out.Value, nil
}

// AccountExists reports whether account is present on the ledger.
func (c *Client) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	acct, err := c.AccountInfo(ctx, account)
	if err != nil {
		return false, err
	}
	return acct != nil, nil
}

// AccountData returns the raw data of an account.
func (c *Client) AccountData(ctx context.Context, account solana.PublicKey) ([]byte, error) {
	acct, err := c.AccountInfo(ctx, account)
	if err != nil {
		return nil, err
	}
	if acct == nil || acct.Data == nil {
		return nil, fmt.Errorf("account %s: %w", account, rpc.ErrNotFound)
	}
	return acct.Data.GetBinary(), nil
}

// TokenBalance returns the token balance of a token account. A missing
// account holds zero.
func (c *Client) TokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (token.Amount, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out, err := c.RPC().GetTokenAccountBalance(ctx, tokenAccount, c.commitment)
	if errors.Is(err, rpc.ErrNotFound) || isAccountMissing(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get token balance %s: %w", tokenAccount, err)
	}
	if out == nil || out.Value == nil {
		return 0, nil
	}
	base, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse token balance %q: %w", out.Value.Amount, err)
	}
	return token.Amount(base), nil
}

// Lamports returns the native balance of account.
func (c *Client) Lamports(ctx context.Context, account solana.PublicKey) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out, err := c.RPC().GetBalance(ctx, account, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", account, err)
	}
	if out == nil {
		return 0, nil
	}
	return out.Value, nil
}

// BlockHeight returns the current block height.
func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	h, err := c.RPC().GetBlockHeight(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("get block height: %w", err)
	}
	return h, nil
}

// TxStatus is the ledger's view of a submitted signature.
type TxStatus struct {
	Found     bool
	Confirmed bool
	Slot      uint64
	// Err is the ledger's execution error, nil on success.
	Err interface{}
}

// SignatureStatus looks up a single signature, searching history so that
// older confirmations are still found.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (TxStatus, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out, err := c.RPC().GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return TxStatus{}, fmt.Errorf("get signature status %s: %w", sig, err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return TxStatus{}, nil
	}
	st := out.Value[0]
	confirmed := st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
		st.ConfirmationStatus == rpc.ConfirmationStatusFinalized
	return TxStatus{Found: true, Confirmed: confirmed, Slot: st.Slot, Err: st.Err}, nil
}

// LedgerTx is a confirmed transaction as recorded by the ledger.
type LedgerTx struct {
	Signature string
	Slot      uint64
	BlockTime *time.Time
	Err       interface{}
	Memos     [][]byte
	Logs      []string
}

// FetchTransaction returns the recorded transaction and any memo payloads it
// carries.
func (c *Client) FetchTransaction(ctx context.Context, sig solana.Signature) (*LedgerTx, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	version := uint64(0)
	out, err := c.RPC().GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &version,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", sig, err)
	}
	if out == nil || out.Transaction == nil {
		return nil, ErrTxNotFound
	}

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", sig, err)
	}

	ltx := &LedgerTx{
		Signature: sig.String(),
		Slot:      out.Slot,
		Memos:     ExtractMemos(tx),
	}
	if out.BlockTime != nil {
		bt := out.BlockTime.Time()
		ltx.BlockTime = &bt
	}
	if out.Meta != nil {
		ltx.Err = out.Meta.Err
		ltx.Logs = out.Meta.LogMessages
	}
	return ltx, nil
}

// =============================================================================
// Writes
// =============================================================================

// Send submits a signed transaction with preflight simulation enabled.
func (c *Client) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	sig, err := c.RPC().SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}
