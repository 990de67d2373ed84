package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/R3E-Network/settlement_layer/internal/storage"
	"github.com/R3E-Network/settlement_layer/internal/token"
)

func TestAcquireClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	m := New()
	if err := m.CreateSession(ctx, &storage.Session{ID: "s1", OwnerWallet: "w", UnitsEarned: 1275}); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.AcquireClaim(ctx, "s1", string(rune('a'+i)), now, now.Add(time.Minute)); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, storage.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("wins = %d, want 1", wins.Load())
	}
}

func TestExpiredClaimCanBeTakenOver(t *testing.T) {
	ctx := context.Background()
	m := New()
	_ = m.CreateSession(ctx, &storage.Session{ID: "s1", OwnerWallet: "w", UnitsEarned: 1})

	now := time.Now()
	if _, err := m.AcquireClaim(ctx, "s1", "first", now, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordPending(ctx, "s1", "first", "sig-1", 150); err != nil {
		t.Fatal(err)
	}
	s, err := m.AcquireClaim(ctx, "s1", "second", now.Add(2*time.Second), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if s.PendingTxID != "sig-1" {
		t.Fatalf("pending signature must survive takeover, got %q", s.PendingTxID)
	}
	if err := m.MarkSettled(ctx, "s1", "first", "sig-1", now); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("stale claimant settled: %v", err)
	}
}

func TestMarkSettledOnce(t *testing.T) {
	ctx := context.Background()
	m := New()
	_ = m.CreateSession(ctx, &storage.Session{ID: "s1", OwnerWallet: "w", UnitsEarned: 1})
	now := time.Now()
	_, _ = m.AcquireClaim(ctx, "s1", "tok", now, now.Add(time.Minute))

	if err := m.MarkSettled(ctx, "s1", "tok", "sig", now); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkSettled(ctx, "s1", "tok", "sig2", now); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("second settle: %v", err)
	}
	s, _ := m.GetSession(ctx, "s1")
	if s.SettlementTxID != "sig" || s.ClaimToken != "" {
		t.Fatalf("unexpected session: %+v", s)
	}
	if _, err := m.AcquireClaim(ctx, "s1", "x", now, now.Add(time.Minute)); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("claim on settled session: %v", err)
	}
}

func TestReserveNeverExceedsTotal(t *testing.T) {
	ctx := context.Background()
	m := New()
	_ = m.CreateCertificate(ctx, &storage.Certificate{ID: "c1", OwnerWallet: "w", TotalEmissions: token.MustTokens(100)})

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.ReserveUnits(ctx, "c1", token.MustTokens(30)); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 3 {
		t.Fatalf("reservations = %d, want 3", ok.Load())
	}
	c, _ := m.GetCertificate(ctx, "c1")
	if c.UnitsReserved != token.MustTokens(90) {
		t.Fatalf("reserved = %s", c.UnitsReserved)
	}
}

func TestCommitRetirementUpdatesStatus(t *testing.T) {
	ctx := context.Background()
	m := New()
	_ = m.CreateCertificate(ctx, &storage.Certificate{ID: "c1", OwnerWallet: "w", TotalEmissions: token.MustTokens(100)})
	now := time.Now()

	if _, err := m.ReserveUnits(ctx, "c1", token.MustTokens(60)); err != nil {
		t.Fatal(err)
	}
	c, err := m.CommitRetirement(ctx, &storage.RetirementRecord{CertificateID: "c1", UnitsRetired: token.MustTokens(60)}, now)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != storage.StatusPartiallyOffset || c.UnitsReserved != 0 {
		t.Fatalf("after 60: %+v", c)
	}

	_, _ = m.ReserveUnits(ctx, "c1", token.MustTokens(40))
	c, _ = m.CommitRetirement(ctx, &storage.RetirementRecord{CertificateID: "c1", UnitsRetired: token.MustTokens(40)}, now)
	if c.Status != storage.StatusFullyOffset || c.FullyOffsetAt == nil {
		t.Fatalf("after 100: %+v", c)
	}

	if _, err := m.ReserveUnits(ctx, "c1", 1); !errors.Is(err, storage.ErrCapacityExceeded) {
		t.Fatalf("over-reserve: %v", err)
	}
	recs, _ := m.ListRetirements(ctx, "c1")
	if len(recs) != 2 {
		t.Fatalf("records = %d", len(recs))
	}
}

func TestAuditCompleteOnce(t *testing.T) {
	ctx := context.Background()
	m := New()
	e := &storage.AuditEntry{ActionKind: "retire", OwnerWallet: "w", PayloadHash: "h"}
	if err := m.CreateAuditEntry(ctx, e); err != nil {
		t.Fatal(err)
	}
	if e.Status != storage.AuditPending {
		t.Fatalf("status = %s", e.Status)
	}
	if err := m.CompleteAuditEntry(ctx, e.ID, storage.AuditSuccess, "sig", "", "", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := m.CompleteAuditEntry(ctx, e.ID, storage.AuditError, "", "X", "y", time.Now()); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("second completion: %v", err)
	}
	got, _ := m.GetAuditEntry(ctx, e.ID)
	if got.Status != storage.AuditSuccess || got.LedgerTxID != "sig" {
		t.Fatalf("entry: %+v", got)
	}
}

func TestListAuditEntriesFilters(t *testing.T) {
	ctx := context.Background()
	m := New()
	for _, e := range []*storage.AuditEntry{
		{ActionKind: "purchase", OwnerWallet: "a"},
		{ActionKind: "retire", OwnerWallet: "a"},
		{ActionKind: "retire", OwnerWallet: "b"},
	} {
		_ = m.CreateAuditEntry(ctx, e)
	}

	got, _ := m.ListAuditEntries(ctx, storage.AuditFilter{OwnerWallet: "a"})
	if len(got) != 2 || got[0].ActionKind != "retire" {
		t.Fatalf("owner filter: %+v", got)
	}
	got, _ = m.ListAuditEntries(ctx, storage.AuditFilter{ActionKind: "retire", Limit: 1})
	if len(got) != 1 || got[0].OwnerWallet != "b" {
		t.Fatalf("kind filter: %+v", got)
	}
}
