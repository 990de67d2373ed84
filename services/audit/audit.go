// Package audit records every settlement action as an append-only entry
// correlated with the ledger transaction that carried it. The payload hash
// of an entry is written into the transaction memo, so any entry can be
// checked against the ledger later.
package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/storage"
)

// Action kinds.
const (
	ActionPurchase     = "purchase"
	ActionRewardIntent = "reward_intent"
	ActionRewardClaim  = "reward_claim"
	ActionRetire       = "retire"
)

// ErrAlreadyCompleted is returned when an entry is completed twice.
var ErrAlreadyCompleted = errors.New("audit entry already completed")

// Fetcher reads confirmed transactions. *chain.Client satisfies it.
type Fetcher interface {
	FetchTransaction(ctx context.Context, sig solana.Signature) (*chain.LedgerTx, error)
}

// Handle identifies an entry opened by Begin.
type Handle struct {
	ID          string
	PayloadHash string
	// Canonical is the payload as hashed; it is what goes into the memo.
	Canonical []byte
}

// Recorded reports whether the entry was persisted.
func (h Handle) Recorded() bool { return h.ID != "" }

// Outcome closes an entry. A nil Err means success.
type Outcome struct {
	TxID string
	Err  error
}

// Filter selects entries for List.
type Filter struct {
	Owner      string
	ActionKind string
	Limit      int
}

// Verification is the result of checking an entry against the ledger.
type Verification struct {
	EntryID     string     `json:"entryId"`
	TxID        string     `json:"txId,omitempty"`
	Verified    bool       `json:"verified"`
	PayloadHash string     `json:"payloadHash"`
	LedgerHash  string     `json:"ledgerHash,omitempty"`
	Action      string     `json:"action,omitempty"`
	Slot        uint64     `json:"slot,omitempty"`
	BlockTime   *time.Time `json:"blockTime,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// Logger writes audit entries. Logging is best-effort: a storage failure
// never fails the settlement it describes.
type Logger struct {
	store   storage.AuditStore
	fetcher Fetcher
	sink    *Sink
	log     *logging.Logger
	now     func() time.Time
}

// New creates a Logger. fetcher and sink may be nil.
func New(store storage.AuditStore, fetcher Fetcher, sink *Sink, log *logging.Logger) *Logger {
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &Logger{
		store:   store,
		fetcher: fetcher,
		sink:    sink,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Canonicalize renders payload as JSON with sorted object keys and returns
// it with its SHA-256 hex digest.
func Canonicalize(payload interface{}) ([]byte, string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, "", fmt.Errorf("normalise payload: %w", err)
	}
	// encoding/json sorts map keys
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, "", fmt.Errorf("marshal canonical payload: %w", err)
	}
	return canonical, HashBytes(canonical), nil
}

// HashBytes returns the SHA-256 hex digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Begin persists a pending entry before any network call is made. The
// returned handle always carries the payload hash; its ID is empty when the
// entry could not be stored.
func (l *Logger) Begin(ctx context.Context, kind, owner string, payload interface{}) (Handle, error) {
	canonical, hash, err := Canonicalize(payload)
	if err != nil {
		return Handle{}, apperrors.Internal("audit payload", err)
	}
	h := Handle{PayloadHash: hash, Canonical: canonical}

	entry := &storage.AuditEntry{
		ID:          uuid.NewString(),
		ActionKind:  kind,
		OwnerWallet: owner,
		PayloadHash: hash,
		Payload:     canonical,
		Status:      storage.AuditPending,
		CreatedAt:   l.now(),
	}
	if err := l.store.CreateAuditEntry(ctx, entry); err != nil {
		l.log.Error(ctx, "audit entry not recorded", err, map[string]interface{}{
			"action":       kind,
			"owner":        owner,
			"payload_hash": hash,
		})
		return h, nil
	}
	h.ID = entry.ID
	l.project(ctx, entry.ID, kind, owner, hash, storage.AuditPending, "", "")
	return h, nil
}

// Attach records the signature of the transaction carrying the entry
// before it is submitted, and the last block height at which it can land.
// A rebuilt transaction replaces the earlier one.
func (l *Logger) Attach(ctx context.Context, id, txID string, validUntil uint64) {
	if id == "" {
		return
	}
	if err := l.store.AttachAuditTx(ctx, id, txID, validUntil); err != nil {
		l.log.Warn(ctx, "audit tx not attached", map[string]interface{}{
			"audit_id": id,
			"tx_id":    txID,
			"error":    err.Error(),
		})
		return
	}
	l.log.Debug(ctx, "audit tx attached", map[string]interface{}{"audit_id": id, "tx_id": txID})
}

// Complete moves a pending entry to success or error. A second completion
// returns ErrAlreadyCompleted.
func (l *Logger) Complete(ctx context.Context, id string, out Outcome) error {
	if id == "" {
		return nil
	}

	status := storage.AuditSuccess
	var kind, detail string
	txID := out.TxID
	if out.Err != nil {
		status = storage.AuditError
		se := apperrors.GetServiceError(out.Err)
		kind = string(se.Kind)
		detail = se.Error()
		if txID == "" {
			txID = se.TxID
		}
	}

	err := l.store.CompleteAuditEntry(ctx, id, status, txID, kind, detail, l.now())
	switch {
	case errors.Is(err, storage.ErrConflict):
		return ErrAlreadyCompleted
	case err != nil:
		l.log.Error(ctx, "audit entry not completed", err, map[string]interface{}{"audit_id": id})
		return nil
	}

	entry, err := l.store.GetAuditEntry(ctx, id)
	if err != nil {
		l.project(ctx, id, "", "", "", status, txID, kind)
		return nil
	}
	l.project(ctx, id, entry.ActionKind, entry.OwnerWallet, entry.PayloadHash, status, txID, kind)
	l.sink.Log(SinkRecord{
		ID:          entry.ID,
		ActionKind:  entry.ActionKind,
		PayloadHash: entry.PayloadHash,
		Status:      string(status),
		LedgerTxID:  txID,
		CompletedAt: l.now(),
	})
	return nil
}

// project emits the single log line of a transition.
func (l *Logger) project(ctx context.Context, id, kind, owner, hash string, status storage.AuditStatus, txID, errKind string) {
	fields := map[string]interface{}{
		"audit_id": id,
		"status":   string(status),
	}
	if kind != "" {
		fields["action"] = kind
	}
	if owner != "" {
		fields["owner"] = owner
	}
	if hash != "" {
		fields["payload_hash"] = hash
	}
	if txID != "" {
		fields["tx_id"] = txID
	}
	if errKind != "" {
		fields["error_kind"] = errKind
		l.log.Warn(ctx, "audit", fields)
		return
	}
	l.log.Info(ctx, "audit", fields)
}

// VerifyPayload recomputes the hash of payload and compares it with the
// entry's.
func VerifyPayload(entry *storage.AuditEntry, payload interface{}) (bool, error) {
	_, hash, err := Canonicalize(payload)
	if err != nil {
		return false, err
	}
	return hash == entry.PayloadHash, nil
}

// Get returns one entry.
func (l *Logger) Get(ctx context.Context, id string) (*storage.AuditEntry, error) {
	e, err := l.store.GetAuditEntry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("audit entry %s: %w", id, err)
	}
	return e, nil
}

// List returns entries newest first.
func (l *Logger) List(ctx context.Context, f Filter) ([]*storage.AuditEntry, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return l.store.ListAuditEntries(ctx, storage.AuditFilter{
		OwnerWallet: f.Owner,
		ActionKind:  f.ActionKind,
		Limit:       f.Limit,
	})
}

// Pending returns entries still pending that were created before cutoff.
func (l *Logger) Pending(ctx context.Context, cutoff time.Time, limit int) ([]*storage.AuditEntry, error) {
	return l.store.ListAuditEntries(ctx, storage.AuditFilter{
		Status:        storage.AuditPending,
		CreatedBefore: cutoff,
		Limit:         limit,
	})
}

// VerifyOnLedger fetches the entry's transaction and checks that one of
// its memos hashes to the entry's payload hash.
func (l *Logger) VerifyOnLedger(ctx context.Context, id string) (*Verification, error) {
	entry, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v := &Verification{EntryID: entry.ID, TxID: entry.LedgerTxID, PayloadHash: entry.PayloadHash}
	if entry.LedgerTxID == "" {
		v.Reason = "entry has no ledger transaction"
		return v, nil
	}
	if l.fetcher == nil {
		return nil, apperrors.Internal("ledger verification unavailable", nil)
	}

	sig, err := solana.SignatureFromBase58(entry.LedgerTxID)
	if err != nil {
		return nil, apperrors.InvalidKey(entry.LedgerTxID, err)
	}
	tx, err := l.fetcher.FetchTransaction(ctx, sig)
	if errors.Is(err, chain.ErrTxNotFound) {
		v.Reason = "transaction not found on ledger"
		return v, nil
	}
	if err != nil {
		return nil, apperrors.Internal("fetch transaction", err)
	}

	v.Slot = tx.Slot
	v.BlockTime = tx.BlockTime
	if tx.Err != nil {
		v.Reason = "transaction failed on ledger"
		return v, nil
	}
	for _, memo := range tx.Memos {
		hash := HashBytes(memo)
		if hash == entry.PayloadHash {
			v.Verified = true
			v.LedgerHash = hash
			v.Action = gjson.GetBytes(memo, "action").String()
			return v, nil
		}
		if v.LedgerHash == "" {
			v.LedgerHash = hash
		}
	}
	if len(tx.Memos) == 0 {
		v.Reason = "transaction carries no memo"
	} else {
		v.Reason = "memo hash does not match entry"
	}
	return v, nil
}
