// Package storage defines the settlement records and the persistence
// contracts the services depend on. Every state transition that guards
// against double payout or over-retirement is a single conditional write.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/settlement_layer/internal/token"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional write lost to another writer
	// or the record is no longer in the expected state.
	ErrConflict = errors.New("record state conflict")
	// ErrCapacityExceeded is returned when a reservation would retire more
	// than a certificate's recorded emissions.
	ErrCapacityExceeded = errors.New("certificate capacity exceeded")
	// ErrAlreadyExists is returned on duplicate ids.
	ErrAlreadyExists = errors.New("record already exists")
)

// Session is an off-chain earning event (EV charging session) whose reward
// is paid exactly once.
type Session struct {
	ID           string       `db:"id" json:"id"`
	OwnerWallet  string       `db:"owner_wallet" json:"ownerWallet"`
	StationID    string       `db:"station_id" json:"stationId"`
	EnergyKWh    string       `db:"energy_kwh" json:"energyKwh"`
	CO2eSavedKg  string       `db:"co2e_saved_kg" json:"co2eSavedKg"`
	UnitsEarned  token.Amount `db:"units_earned" json:"unitsEarned"`
	EvidenceTxID string       `db:"evidence_tx_id" json:"evidenceTxId"`

	// SettlementTxID moves from empty to a value exactly once.
	SettlementTxID string     `db:"settlement_tx_id" json:"settlementTxId"`
	SettledAt      *time.Time `db:"settled_at" json:"settledAt"`

	// In-flight lease: one claimant delivers at a time.
	ClaimToken     string     `db:"claim_token" json:"-"`
	ClaimExpiresAt *time.Time `db:"claim_expires_at" json:"claimExpiresAt"`
	// PendingTxID is the signature of a transfer that may still land.
	PendingTxID       string `db:"pending_tx_id" json:"pendingTxId"`
	PendingValidUntil uint64 `db:"pending_valid_until" json:"pendingValidUntil"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Settled reports whether the reward was paid.
func (s *Session) Settled() bool { return s.SettlementTxID != "" }

// OffsetStatus classifies a certificate's retirement progress.
type OffsetStatus string

const (
	StatusNotOffset       OffsetStatus = "not_offset"
	StatusPartiallyOffset OffsetStatus = "partially_offset"
	StatusFullyOffset     OffsetStatus = "fully_offset"
)

// ClassifyOffset returns the status for retired units out of total.
func ClassifyOffset(retired, total token.Amount) OffsetStatus {
	switch {
	case retired == 0:
		return StatusNotOffset
	case retired >= total:
		return StatusFullyOffset
	default:
		return StatusPartiallyOffset
	}
}

// Certificate records emissions to be offset by retiring tokens.
type Certificate struct {
	ID             string       `db:"id" json:"id"`
	OwnerWallet    string       `db:"owner_wallet" json:"ownerWallet"`
	TotalEmissions token.Amount `db:"total_emissions" json:"totalEmissions"`
	UnitsRetired   token.Amount `db:"units_retired" json:"unitsRetired"`
	// UnitsReserved are held by in-flight burns.
	UnitsReserved token.Amount `db:"units_reserved" json:"unitsReserved"`
	Status        OffsetStatus `db:"status" json:"status"`
	FullyOffsetAt *time.Time   `db:"fully_offset_at" json:"fullyOffsetAt"`
	CreatedAt     time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updatedAt"`
}

// Outstanding returns emissions neither retired nor reserved.
func (c *Certificate) Outstanding() token.Amount {
	used := c.UnitsRetired + c.UnitsReserved
	if used >= c.TotalEmissions {
		return 0
	}
	return c.TotalEmissions - used
}

// RetirementRecord is one confirmed burn against a certificate.
type RetirementRecord struct {
	ID                string       `db:"id" json:"id"`
	CertificateID     string       `db:"certificate_id" json:"certificateId"`
	OwnerWallet       string       `db:"owner_wallet" json:"ownerWallet"`
	UnitsRetired      token.Amount `db:"units_retired" json:"unitsRetired"`
	OutstandingBefore token.Amount `db:"outstanding_before" json:"outstandingBefore"`
	BurnTxID          string       `db:"burn_tx_id" json:"burnTxId"`
	CreatedAt         time.Time    `db:"created_at" json:"createdAt"`
}

// AuditStatus is the lifecycle state of an audit entry.
type AuditStatus string

const (
	AuditPending AuditStatus = "pending"
	AuditSuccess AuditStatus = "success"
	AuditError   AuditStatus = "error"
)

// AuditEntry is an append-only record of a settlement action.
type AuditEntry struct {
	ID          string `db:"id" json:"id"`
	ActionKind  string `db:"action_kind" json:"actionKind"`
	OwnerWallet string `db:"owner_wallet" json:"ownerWallet"`
	PayloadHash string `db:"payload_hash" json:"payloadHash"`
	Payload     []byte `db:"payload" json:"-"`
	LedgerTxID  string `db:"ledger_tx_id" json:"ledgerTxId"`
	// ValidUntil is the last block height at which LedgerTxID can land.
	ValidUntil  uint64      `db:"valid_until" json:"validUntil,omitempty"`
	Status      AuditStatus `db:"status" json:"status"`
	ErrorKind   string      `db:"error_kind" json:"errorKind"`
	ErrorDetail string      `db:"error_detail" json:"errorDetail"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
	CompletedAt *time.Time  `db:"completed_at" json:"completedAt"`
}

// AuditFilter selects audit entries. Zero fields do not filter.
type AuditFilter struct {
	OwnerWallet   string
	ActionKind    string
	Status        AuditStatus
	CreatedBefore time.Time
	Limit         int
}

// SessionStore persists claimable sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	SetEvidence(ctx context.Context, id, evidenceTxID string) error
	// AcquireClaim takes the in-flight lease when the session is unsettled
	// and no live lease exists. It returns ErrConflict otherwise.
	AcquireClaim(ctx context.Context, id, token string, now, expiresAt time.Time) (*Session, error)
	// RecordPending stores the signature of a transfer about to be submitted.
	RecordPending(ctx context.Context, id, token, txID string, validUntil uint64) error
	// MarkSettled sets the settlement signature if unset and the lease
	// matches. It returns ErrConflict otherwise.
	MarkSettled(ctx context.Context, id, token, txID string, at time.Time) error
	// ReleaseClaim drops the lease and any pending signature.
	ReleaseClaim(ctx context.Context, id, token string) error
	ListUnsettled(ctx context.Context, owner string) ([]*Session, error)
	// ListInFlight returns unsettled sessions carrying a pending signature.
	ListInFlight(ctx context.Context) ([]*Session, error)
}

// CertificateStore persists certificates and their retirements.
type CertificateStore interface {
	CreateCertificate(ctx context.Context, c *Certificate) error
	GetCertificate(ctx context.Context, id string) (*Certificate, error)
	// ReserveUnits holds units against the certificate when
	// retired + reserved + units <= total, else ErrCapacityExceeded.
	ReserveUnits(ctx context.Context, id string, units token.Amount) (*Certificate, error)
	// CommitRetirement converts reserved units into retired units and
	// appends rec, atomically.
	CommitRetirement(ctx context.Context, rec *RetirementRecord, at time.Time) (*Certificate, error)
	ReleaseUnits(ctx context.Context, id string, units token.Amount) error
	ListRetirements(ctx context.Context, certificateID string) ([]*RetirementRecord, error)
}

// AuditStore persists audit entries.
type AuditStore interface {
	CreateAuditEntry(ctx context.Context, e *AuditEntry) error
	// AttachAuditTx records the signature of a pending entry and the last
	// block height at which it can land.
	AttachAuditTx(ctx context.Context, id, txID string, validUntil uint64) error
	// CompleteAuditEntry moves a pending entry to success or error once.
	// It returns ErrConflict when the entry is already complete.
	CompleteAuditEntry(ctx context.Context, id string, status AuditStatus, txID, errorKind, errorDetail string, at time.Time) error
	GetAuditEntry(ctx context.Context, id string) (*AuditEntry, error)
	ListAuditEntries(ctx context.Context, f AuditFilter) ([]*AuditEntry, error)
}

// Store aggregates every settlement store.
type Store interface {
	SessionStore
	CertificateStore
	AuditStore
}
