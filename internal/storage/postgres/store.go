// Package postgres implements the storage contracts on PostgreSQL. Every
// guarded transition is a single conditional UPDATE so concurrent writers
// serialise in the database rather than in process memory.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/settlement_layer/internal/storage"
	"github.com/R3E-Network/settlement_layer/internal/token"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.SessionStore = (*Store)(nil)
var _ storage.CertificateStore = (*Store)(nil)
var _ storage.AuditStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects with the lib/pq driver.
func Open(dsn string, maxOpenConns int) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	return db, nil
}

// notFoundOr distinguishes a missing row from a failed guard after a
// conditional write touched nothing.
func (s *Store) notFoundOr(ctx context.Context, table, id string, guardErr error) error {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table)
	if err := s.db.GetContext(ctx, &exists, query, id); err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	return guardErr
}

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// --- SessionStore -----------------------------------------------------------

const sessionColumns = `id, owner_wallet, station_id, energy_kwh, co2e_saved_kg, units_earned,
	evidence_tx_id, settlement_tx_id, settled_at, claim_token, claim_expires_at,
	pending_tx_id, pending_valid_until, created_at, updated_at`

func (s *Store) CreateSession(ctx context.Context, sess *storage.Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO reward_sessions (id, owner_wallet, station_id, energy_kwh, co2e_saved_kg,
			units_earned, evidence_tx_id, created_at, updated_at)
		VALUES (:id, :owner_wallet, :station_id, :energy_kwh, :co2e_saved_kg,
			:units_earned, :evidence_tx_id, :created_at, :updated_at)
		ON CONFLICT (id) DO NOTHING
	`, sess)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	var sess storage.Session
	err := s.db.GetContext(ctx, &sess, `SELECT `+sessionColumns+` FROM reward_sessions WHERE id = $1`, id)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &sess, nil
}

func (s *Store) SetEvidence(ctx context.Context, id, evidenceTxID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reward_sessions SET evidence_tx_id = $2, updated_at = NOW()
		WHERE id = $1
	`, id, evidenceTxID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) AcquireClaim(ctx context.Context, id, claimToken string, now, expiresAt time.Time) (*storage.Session, error) {
	var sess storage.Session
	err := s.db.GetContext(ctx, &sess, `
		UPDATE reward_sessions
		SET claim_token = $2, claim_expires_at = $4, updated_at = $3
		WHERE id = $1
		  AND settlement_tx_id = ''
		  AND (claim_token = '' OR claim_expires_at IS NULL OR claim_expires_at <= $3)
		RETURNING `+sessionColumns, id, claimToken, now, expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.notFoundOr(ctx, "reward_sessions", id, storage.ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) RecordPending(ctx context.Context, id, claimToken, txID string, validUntil uint64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reward_sessions
		SET pending_tx_id = $3, pending_valid_until = $4, updated_at = NOW()
		WHERE id = $1 AND claim_token = $2 AND settlement_tx_id = ''
	`, id, claimToken, txID, validUntil)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return s.notFoundOr(ctx, "reward_sessions", id, storage.ErrConflict)
	}
	return nil
}

func (s *Store) MarkSettled(ctx context.Context, id, claimToken, txID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reward_sessions
		SET settlement_tx_id = $3, settled_at = $4,
		    claim_token = '', claim_expires_at = NULL,
		    pending_tx_id = '', pending_valid_until = 0,
		    updated_at = $4
		WHERE id = $1 AND claim_token = $2 AND settlement_tx_id = ''
	`, id, claimToken, txID, at)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return s.notFoundOr(ctx, "reward_sessions", id, storage.ErrConflict)
	}
	return nil
}

func (s *Store) ReleaseClaim(ctx context.Context, id, claimToken string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reward_sessions
		SET claim_token = '', claim_expires_at = NULL,
		    pending_tx_id = '', pending_valid_until = 0, updated_at = NOW()
		WHERE id = $1 AND claim_token = $2
	`, id, claimToken)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return s.notFoundOr(ctx, "reward_sessions", id, storage.ErrConflict)
	}
	return nil
}

func (s *Store) ListUnsettled(ctx context.Context, owner string) ([]*storage.Session, error) {
	var out []*storage.Session
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+sessionColumns+` FROM reward_sessions
		WHERE owner_wallet = $1 AND settlement_tx_id = ''
		ORDER BY created_at, id
	`, owner)
	return out, err
}

func (s *Store) ListInFlight(ctx context.Context) ([]*storage.Session, error) {
	var out []*storage.Session
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+sessionColumns+` FROM reward_sessions
		WHERE settlement_tx_id = '' AND pending_tx_id <> ''
		ORDER BY created_at, id
	`)
	return out, err
}

// --- CertificateStore -------------------------------------------------------

const certificateColumns = `id, owner_wallet, total_emissions, units_retired, units_reserved,
	status, fully_offset_at, created_at, updated_at`

func (s *Store) CreateCertificate(ctx context.Context, c *storage.Certificate) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Status = storage.ClassifyOffset(c.UnitsRetired, c.TotalEmissions)

	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO certificates (id, owner_wallet, total_emissions, units_retired, units_reserved,
			status, created_at, updated_at)
		VALUES (:id, :owner_wallet, :total_emissions, :units_retired, :units_reserved,
			:status, :created_at, :updated_at)
		ON CONFLICT (id) DO NOTHING
	`, c)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetCertificate(ctx context.Context, id string) (*storage.Certificate, error) {
	var c storage.Certificate
	err := s.db.GetContext(ctx, &c, `SELECT `+certificateColumns+` FROM certificates WHERE id = $1`, id)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &c, nil
}

func (s *Store) ReserveUnits(ctx context.Context, id string, units token.Amount) (*storage.Certificate, error) {
	var c storage.Certificate
	err := s.db.GetContext(ctx, &c, `
		UPDATE certificates
		SET units_reserved = units_reserved + $2, updated_at = NOW()
		WHERE id = $1 AND units_retired + units_reserved + $2 <= total_emissions
		RETURNING `+certificateColumns, id, units)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.notFoundOr(ctx, "certificates", id, storage.ErrCapacityExceeded)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) CommitRetirement(ctx context.Context, rec *storage.RetirementRecord, at time.Time) (*storage.Certificate, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = at

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	var c storage.Certificate
	err = tx.GetContext(ctx, &c, `
		UPDATE certificates
		SET units_reserved = units_reserved - $2,
		    units_retired = units_retired + $2,
		    status = CASE
		        WHEN units_retired + $2 >= total_emissions THEN 'fully_offset'
		        WHEN units_retired + $2 > 0 THEN 'partially_offset'
		        ELSE 'not_offset' END,
		    fully_offset_at = CASE
		        WHEN units_retired + $2 >= total_emissions AND fully_offset_at IS NULL THEN $3
		        ELSE fully_offset_at END,
		    updated_at = $3
		WHERE id = $1 AND units_reserved >= $2
		RETURNING `+certificateColumns, rec.CertificateID, rec.UnitsRetired, at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.notFoundOr(ctx, "certificates", rec.CertificateID, storage.ErrConflict)
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO retirement_records (id, certificate_id, owner_wallet, units_retired,
			outstanding_before, burn_tx_id, created_at)
		VALUES (:id, :certificate_id, :owner_wallet, :units_retired,
			:outstanding_before, :burn_tx_id, :created_at)
	`, rec); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ReleaseUnits(ctx context.Context, id string, units token.Amount) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE certificates
		SET units_reserved = units_reserved - $2, updated_at = NOW()
		WHERE id = $1 AND units_reserved >= $2
	`, id, units)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return s.notFoundOr(ctx, "certificates", id, storage.ErrConflict)
	}
	return nil
}

func (s *Store) ListRetirements(ctx context.Context, certificateID string) ([]*storage.RetirementRecord, error) {
	var out []*storage.RetirementRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, certificate_id, owner_wallet, units_retired, outstanding_before, burn_tx_id, created_at
		FROM retirement_records
		WHERE certificate_id = $1
		ORDER BY created_at, id
	`, certificateID)
	return out, err
}

// --- AuditStore -------------------------------------------------------------

const auditColumns = `id, action_kind, owner_wallet, payload_hash, payload, ledger_tx_id, valid_until,
	status, error_kind, error_detail, created_at, completed_at`

func (s *Store) CreateAuditEntry(ctx context.Context, e *storage.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Status = storage.AuditPending

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO audit_entries (id, action_kind, owner_wallet, payload_hash, payload,
			ledger_tx_id, status, created_at)
		VALUES (:id, :action_kind, :owner_wallet, :payload_hash, :payload,
			:ledger_tx_id, :status, :created_at)
	`, e)
	return err
}

func (s *Store) AttachAuditTx(ctx context.Context, id, txID string, validUntil uint64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_entries SET ledger_tx_id = $2, valid_until = $3
		WHERE id = $1 AND status = 'pending'
	`, id, txID, int64(validUntil))
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return s.notFoundOr(ctx, "audit_entries", id, storage.ErrConflict)
	}
	return nil
}

func (s *Store) CompleteAuditEntry(ctx context.Context, id string, status storage.AuditStatus, txID, errorKind, errorDetail string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_entries
		SET status = $2,
		    ledger_tx_id = CASE WHEN $3 <> '' THEN $3 ELSE ledger_tx_id END,
		    error_kind = $4, error_detail = $5, completed_at = $6
		WHERE id = $1 AND status = 'pending'
	`, id, string(status), txID, errorKind, errorDetail, at)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return s.notFoundOr(ctx, "audit_entries", id, storage.ErrConflict)
	}
	return nil
}

func (s *Store) GetAuditEntry(ctx context.Context, id string) (*storage.AuditEntry, error) {
	var e storage.AuditEntry
	err := s.db.GetContext(ctx, &e, `SELECT `+auditColumns+` FROM audit_entries WHERE id = $1`, id)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &e, nil
}

func (s *Store) ListAuditEntries(ctx context.Context, f storage.AuditFilter) ([]*storage.AuditEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.OwnerWallet != "" {
		add("owner_wallet = $%d", f.OwnerWallet)
	}
	if f.ActionKind != "" {
		add("action_kind = $%d", f.ActionKind)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < $%d", f.CreatedBefore)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var out []*storage.AuditEntry
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}
