package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/settlement_layer/internal/storage"
	"github.com/R3E-Network/settlement_layer/internal/token"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

var sessionCols = []string{"id", "owner_wallet", "station_id", "energy_kwh", "co2e_saved_kg", "units_earned",
	"evidence_tx_id", "settlement_tx_id", "settled_at", "claim_token", "claim_expires_at",
	"pending_tx_id", "pending_valid_until", "created_at", "updated_at"}

var certCols = []string{"id", "owner_wallet", "total_emissions", "units_retired", "units_reserved",
	"status", "fully_offset_at", "created_at", "updated_at"}

func TestAcquireClaim(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	exp := now.Add(time.Minute)

	mock.ExpectQuery("UPDATE reward_sessions").
		WithArgs("s1", "tok", now, exp).
		WillReturnRows(sqlmock.NewRows(sessionCols).AddRow(
			"s1", "wallet", "st-1", "18.5", "7.6", int64(1275),
			"evid", "", nil, "tok", exp, "", int64(0), now, now))

	sess, err := s.AcquireClaim(context.Background(), "s1", "tok", now, exp)
	if err != nil {
		t.Fatalf("AcquireClaim: %v", err)
	}
	if sess.UnitsEarned != token.Amount(1275) || sess.ClaimToken != "tok" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireClaimConflictAndNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("UPDATE reward_sessions").WillReturnRows(sqlmock.NewRows(sessionCols))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("s1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	if _, err := s.AcquireClaim(context.Background(), "s1", "tok", now, now); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("want conflict, got %v", err)
	}

	mock.ExpectQuery("UPDATE reward_sessions").WillReturnRows(sqlmock.NewRows(sessionCols))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("nope").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	if _, err := s.AcquireClaim(context.Background(), "nope", "tok", now, now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkSettledGuardsOnce(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Now().UTC()

	mock.ExpectExec("UPDATE reward_sessions").
		WithArgs("s1", "tok", "sig", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE reward_sessions").
		WithArgs("s1", "tok", "sig2", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	if err := s.MarkSettled(context.Background(), "s1", "tok", "sig", at); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if err := s.MarkSettled(context.Background(), "s1", "tok", "sig2", at); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("second settle: %v", err)
	}
}

func TestReserveUnitsCapacity(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE certificates").
		WithArgs("c1", token.Amount(100)).
		WillReturnRows(sqlmock.NewRows(certCols))
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	if _, err := s.ReserveUnits(context.Background(), "c1", 100); !errors.Is(err, storage.ErrCapacityExceeded) {
		t.Fatalf("want capacity exceeded, got %v", err)
	}
}

func TestCommitRetirementIsTransactional(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE certificates").
		WithArgs("c1", token.Amount(6000), at).
		WillReturnRows(sqlmock.NewRows(certCols).AddRow(
			"c1", "wallet", int64(10000), int64(6000), int64(0), "partially_offset", nil, at, at))
	mock.ExpectExec("INSERT INTO retirement_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c, err := s.CommitRetirement(context.Background(), &storage.RetirementRecord{
		CertificateID: "c1", OwnerWallet: "wallet", UnitsRetired: 6000, OutstandingBefore: 10000, BurnTxID: "sig",
	}, at)
	if err != nil {
		t.Fatalf("CommitRetirement: %v", err)
	}
	if c.Status != storage.StatusPartiallyOffset || c.UnitsRetired != 6000 {
		t.Fatalf("certificate: %+v", c)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCommitRetirementRollsBackOnInsertFailure(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE certificates").WillReturnRows(sqlmock.NewRows(certCols).AddRow(
		"c1", "wallet", int64(10000), int64(6000), int64(0), "partially_offset", nil, at, at))
	mock.ExpectExec("INSERT INTO retirement_records").WillReturnError(errors.New("duplicate burn"))
	mock.ExpectRollback()

	if _, err := s.CommitRetirement(context.Background(), &storage.RetirementRecord{CertificateID: "c1", UnitsRetired: 6000}, at); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCompleteAuditEntryOnce(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Now().UTC()

	mock.ExpectExec("UPDATE audit_entries").
		WithArgs("a1", "success", "sig", "", "", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.CompleteAuditEntry(context.Background(), "a1", storage.AuditSuccess, "sig", "", "", at)
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("want conflict, got %v", err)
	}
}

func TestListAuditEntriesBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM audit_entries WHERE owner_wallet = \$1 AND action_kind = \$2 ORDER BY created_at DESC, id DESC LIMIT \$3`).
		WithArgs("wallet", "retire", 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "action_kind", "owner_wallet", "payload_hash", "payload",
			"ledger_tx_id", "valid_until", "status", "error_kind", "error_detail", "created_at", "completed_at"}).
			AddRow("a1", "retire", "wallet", "h", []byte("{}"), "sig", 150, "success", "", "", time.Now(), nil))

	got, err := s.ListAuditEntries(context.Background(), storage.AuditFilter{OwnerWallet: "wallet", ActionKind: "retire", Limit: 5})
	if err != nil {
		t.Fatalf("ListAuditEntries: %v", err)
	}
	if len(got) != 1 || got[0].Status != storage.AuditSuccess {
		t.Fatalf("entries: %+v", got)
	}
}
