// Package chaintest provides an in-memory ledger implementing chain.RPC for
// tests.
package chaintest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Ledger is a scriptable fake of the ledger RPC.
type Ledger struct {
	mu sync.Mutex

	Blockhash            solana.Hash
	LastValidBlockHeight uint64
	Height               uint64

	accounts map[solana.PublicKey][]byte
	tokens   map[solana.PublicKey]uint64
	lamports map[solana.PublicKey]uint64
	statuses map[solana.Signature]*rpc.SignatureStatusesResult

	sent []*solana.Transaction

	// OnSend, when set, decides the outcome of each submission. Returning
	// an error rejects the submission; otherwise status is recorded.
	OnSend func(tx *solana.Transaction) (status *rpc.SignatureStatusesResult, err error)
	// AdvanceOnStatus raises the block height by this much per status poll.
	AdvanceOnStatus uint64
}

// New creates a ledger whose checkpoints stay valid for 150 blocks.
func New() *Ledger {
	return &Ledger{
		Blockhash:            solana.Hash{1, 2, 3},
		LastValidBlockHeight: 150,
		Height:               1,
		accounts:             make(map[solana.PublicKey][]byte),
		tokens:               make(map[solana.PublicKey]uint64),
		lamports:             make(map[solana.PublicKey]uint64),
		statuses:             make(map[solana.Signature]*rpc.SignatureStatusesResult),
	}
}

// Confirmed is the status recorded for an accepted submission.
func Confirmed() *rpc.SignatureStatusesResult {
	return &rpc.SignatureStatusesResult{Slot: 10, ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
}

// Failed is a landed transaction that failed execution with txErr.
func Failed(txErr interface{}) *rpc.SignatureStatusesResult {
	return &rpc.SignatureStatusesResult{Slot: 10, ConfirmationStatus: rpc.ConfirmationStatusConfirmed, Err: txErr}
}

// Pending is a submission the ledger has not processed yet.
func Pending() *rpc.SignatureStatusesResult { return nil }

func (l *Ledger) SetAccount(pk solana.PublicKey, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if data == nil {
		data = []byte{}
	}
	l.accounts[pk] = data
}

func (l *Ledger) SetTokenBalance(account solana.PublicKey, base uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[account] = base
	if _, ok := l.accounts[account]; !ok {
		l.accounts[account] = []byte{}
	}
}

func (l *Ledger) SetLamports(account solana.PublicKey, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lamports[account] = lamports
}

func (l *Ledger) SetStatus(sig solana.Signature, st *rpc.SignatureStatusesResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st == nil {
		delete(l.statuses, sig)
		return
	}
	l.statuses[sig] = st
}

func (l *Ledger) SetHeight(h uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Height = h
}

// Sent returns every submitted transaction.
func (l *Ledger) Sent() []*solana.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*solana.Transaction(nil), l.sent...)
}

// SentCount returns the number of submissions.
func (l *Ledger) SentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func (l *Ledger) GetLatestBlockhash(ctx context.Context, _ rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{
			Blockhash:            l.Blockhash,
			LastValidBlockHeight: l.LastValidBlockHeight,
		},
	}, nil
}

func (l *Ledger) GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, _ *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, ok := l.accounts[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{
		Value: &rpc.Account{
			Lamports: l.lamports[account],
			Data:     accountData(data),
		},
	}, nil
}

func (l *Ledger) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, _ rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[account]; !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetTokenAccountBalanceResult{
		Value: &rpc.UiTokenAmount{Amount: strconv.FormatUint(l.tokens[account], 10), Decimals: 2},
	}, nil
}

func (l *Ledger) GetBalance(ctx context.Context, account solana.PublicKey, _ rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &rpc.GetBalanceResult{Value: l.lamports[account]}, nil
}

func (l *Ledger) GetSignatureStatuses(ctx context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Height += l.AdvanceOnStatus
	out := &rpc.GetSignatureStatusesResult{Value: make([]*rpc.SignatureStatusesResult, len(sigs))}
	for i, s := range sigs {
		out.Value[i] = l.statuses[s]
	}
	return out, nil
}

func (l *Ledger) GetBlockHeight(ctx context.Context, _ rpc.CommitmentType) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Height, nil
}

func (l *Ledger) GetTransaction(ctx context.Context, _ solana.Signature, _ *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	return nil, rpc.ErrNotFound
}

func (l *Ledger) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}
	l.mu.Lock()
	hook := l.OnSend
	l.mu.Unlock()

	status := Confirmed()
	if hook != nil {
		var err error
		status, err = hook(tx)
		if err != nil {
			return solana.Signature{}, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	sig := tx.Signatures[0]
	l.sent = append(l.sent, tx)
	if status != nil {
		l.statuses[sig] = status
	}
	return sig, nil
}

func accountData(data []byte) *rpc.DataBytesOrJSON {
	raw, _ := json.Marshal([]string{base64.StdEncoding.EncodeToString(data), "base64"})
	out := new(rpc.DataBytesOrJSON)
	_ = out.UnmarshalJSON(raw)
	return out
}
