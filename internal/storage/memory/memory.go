// Package memory is a thread-safe in-memory implementation of the storage
// contracts, used for tests and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/settlement_layer/internal/storage"
	"github.com/R3E-Network/settlement_layer/internal/token"
)

// Store keeps every record in maps guarded by a single mutex, which makes
// each conditional write atomic.
type Store struct {
	mu           sync.RWMutex
	sessions     map[string]storage.Session
	certificates map[string]storage.Certificate
	retirements  map[string][]storage.RetirementRecord
	audit        map[string]storage.AuditEntry
	auditOrder   []string
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions:     make(map[string]storage.Session),
		certificates: make(map[string]storage.Certificate),
		retirements:  make(map[string][]storage.RetirementRecord),
		audit:        make(map[string]storage.AuditEntry),
	}
}

// SessionStore implementation -------------------------------------------------

func (m *Store) CreateSession(_ context.Context, s *storage.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return storage.ErrAlreadyExists
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	m.sessions[s.ID] = *s
	return nil
}

func (m *Store) GetSession(_ context.Context, id string) (*storage.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &s, nil
}

func (m *Store) SetEvidence(_ context.Context, id, evidenceTxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.EvidenceTxID = evidenceTxID
	s.UpdatedAt = time.Now().UTC()
	m.sessions[id] = s
	return nil
}

func (m *Store) AcquireClaim(_ context.Context, id, claimToken string, now, expiresAt time.Time) (*storage.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if s.Settled() {
		return nil, storage.ErrConflict
	}
	if s.ClaimToken != "" && s.ClaimExpiresAt != nil && s.ClaimExpiresAt.After(now) {
		return nil, storage.ErrConflict
	}
	s.ClaimToken = claimToken
	exp := expiresAt
	s.ClaimExpiresAt = &exp
	s.UpdatedAt = now
	m.sessions[id] = s
	return &s, nil
}

func (m *Store) RecordPending(_ context.Context, id, claimToken, txID string, validUntil uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if s.Settled() || s.ClaimToken != claimToken {
		return storage.ErrConflict
	}
	s.PendingTxID = txID
	s.PendingValidUntil = validUntil
	s.UpdatedAt = time.Now().UTC()
	m.sessions[id] = s
	return nil
}

func (m *Store) MarkSettled(_ context.Context, id, claimToken, txID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if s.Settled() || s.ClaimToken != claimToken {
		return storage.ErrConflict
	}
	settledAt := at
	s.SettlementTxID = txID
	s.SettledAt = &settledAt
	s.ClaimToken = ""
	s.ClaimExpiresAt = nil
	s.PendingTxID = ""
	s.PendingValidUntil = 0
	s.UpdatedAt = at
	m.sessions[id] = s
	return nil
}

func (m *Store) ReleaseClaim(_ context.Context, id, claimToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if s.ClaimToken != claimToken {
		return storage.ErrConflict
	}
	s.ClaimToken = ""
	s.ClaimExpiresAt = nil
	s.PendingTxID = ""
	s.PendingValidUntil = 0
	s.UpdatedAt = time.Now().UTC()
	m.sessions[id] = s
	return nil
}

func (m *Store) ListUnsettled(_ context.Context, owner string) ([]*storage.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*storage.Session
	for _, s := range m.sessions {
		if s.OwnerWallet == owner && !s.Settled() {
			s := s
			out = append(out, &s)
		}
	}
	sortSessions(out)
	return out, nil
}

func (m *Store) ListInFlight(_ context.Context) ([]*storage.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*storage.Session
	for _, s := range m.sessions {
		if !s.Settled() && s.PendingTxID != "" {
			s := s
			out = append(out, &s)
		}
	}
	sortSessions(out)
	return out, nil
}

func sortSessions(ss []*storage.Session) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].CreatedAt.Equal(ss[j].CreatedAt) {
			return ss[i].ID < ss[j].ID
		}
		return ss[i].CreatedAt.Before(ss[j].CreatedAt)
	})
}

// CertificateStore implementation ---------------------------------------------

func (m *Store) CreateCertificate(_ context.Context, c *storage.Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.certificates[c.ID]; exists {
		return storage.ErrAlreadyExists
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Status = storage.ClassifyOffset(c.UnitsRetired, c.TotalEmissions)
	m.certificates[c.ID] = *c
	return nil
}

func (m *Store) GetCertificate(_ context.Context, id string) (*storage.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.certificates[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &c, nil
}

func (m *Store) ReserveUnits(_ context.Context, id string, units token.Amount) (*storage.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.certificates[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if units > c.Outstanding() {
		return nil, storage.ErrCapacityExceeded
	}
	c.UnitsReserved += units
	c.UpdatedAt = time.Now().UTC()
	m.certificates[id] = c
	return &c, nil
}

func (m *Store) CommitRetirement(_ context.Context, rec *storage.RetirementRecord, at time.Time) (*storage.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.certificates[rec.CertificateID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if rec.UnitsRetired > c.UnitsReserved {
		return nil, storage.ErrConflict
	}
	c.UnitsReserved -= rec.UnitsRetired
	c.UnitsRetired += rec.UnitsRetired
	c.Status = storage.ClassifyOffset(c.UnitsRetired, c.TotalEmissions)
	if c.Status == storage.StatusFullyOffset && c.FullyOffsetAt == nil {
		t := at
		c.FullyOffsetAt = &t
	}
	c.UpdatedAt = at
	m.certificates[c.ID] = c

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = at
	m.retirements[c.ID] = append(m.retirements[c.ID], *rec)
	return &c, nil
}

func (m *Store) ReleaseUnits(_ context.Context, id string, units token.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.certificates[id]
	if !ok {
		return storage.ErrNotFound
	}
	if units > c.UnitsReserved {
		return storage.ErrConflict
	}
	c.UnitsReserved -= units
	c.UpdatedAt = time.Now().UTC()
	m.certificates[id] = c
	return nil
}

func (m *Store) ListRetirements(_ context.Context, certificateID string) ([]*storage.RetirementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.retirements[certificateID]
	out := make([]*storage.RetirementRecord, 0, len(recs))
	for i := range recs {
		r := recs[i]
		out = append(out, &r)
	}
	return out, nil
}

// AuditStore implementation ---------------------------------------------------

func (m *Store) CreateAuditEntry(_ context.Context, e *storage.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, exists := m.audit[e.ID]; exists {
		return storage.ErrAlreadyExists
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Status = storage.AuditPending
	m.audit[e.ID] = *e
	m.auditOrder = append(m.auditOrder, e.ID)
	return nil
}

func (m *Store) AttachAuditTx(_ context.Context, id, txID string, validUntil uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.audit[id]
	if !ok {
		return storage.ErrNotFound
	}
	if e.Status != storage.AuditPending {
		return storage.ErrConflict
	}
	e.LedgerTxID = txID
	e.ValidUntil = validUntil
	m.audit[id] = e
	return nil
}

func (m *Store) CompleteAuditEntry(_ context.Context, id string, status storage.AuditStatus, txID, errorKind, errorDetail string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.audit[id]
	if !ok {
		return storage.ErrNotFound
	}
	if e.Status != storage.AuditPending {
		return storage.ErrConflict
	}
	e.Status = status
	if txID != "" {
		e.LedgerTxID = txID
	}
	e.ErrorKind = errorKind
	e.ErrorDetail = errorDetail
	completed := at
	e.CompletedAt = &completed
	m.audit[id] = e
	return nil
}

func (m *Store) GetAuditEntry(_ context.Context, id string) (*storage.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.audit[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &e, nil
}

// ListAuditEntries returns matching entries, newest first.
func (m *Store) ListAuditEntries(_ context.Context, f storage.AuditFilter) ([]*storage.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*storage.AuditEntry
	for i := len(m.auditOrder) - 1; i >= 0; i-- {
		e := m.audit[m.auditOrder[i]]
		if f.OwnerWallet != "" && e.OwnerWallet != f.OwnerWallet {
			continue
		}
		if f.ActionKind != "" && e.ActionKind != f.ActionKind {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if !f.CreatedBefore.IsZero() && !e.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		out = append(out, &e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
