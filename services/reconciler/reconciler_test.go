package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	"github.com/R3E-Network/settlement_layer/internal/chain/chaintest"
	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/storage"
	"github.com/R3E-Network/settlement_layer/internal/storage/memory"
	"github.com/R3E-Network/settlement_layer/internal/token"
	"github.com/R3E-Network/settlement_layer/services/audit"
)

type fakeFinalizer struct {
	mu    sync.Mutex
	calls []string
	done  bool
}

func (f *fakeFinalizer) FinalizePending(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return f.done, nil
}

type resolveCall struct {
	entryID string
	landed  bool
}

type fakeResolver struct{ calls []resolveCall }

func (f *fakeResolver) ResolvePending(_ context.Context, entry *storage.AuditEntry, landed bool) error {
	f.calls = append(f.calls, resolveCall{entry.ID, landed})
	return nil
}

type fixture struct {
	ledger  *chaintest.Ledger
	store   *memory.Store
	audit   *audit.Logger
	rewards *fakeFinalizer
	retire  *fakeResolver
	rec     *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := chaintest.New()
	client := chain.NewClientWithRPC(ledger, rpc.CommitmentConfirmed, time.Second)
	store := memory.New()
	f := &fixture{
		ledger:  ledger,
		store:   store,
		audit:   audit.New(store, client, nil, nil),
		rewards: &fakeFinalizer{},
		retire:  &fakeResolver{},
	}
	f.rec = New(Config{PendingGrace: time.Minute}, f.audit, client, store, f.rewards, f.retire, nil)
	f.rec.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	return f
}

// pending begins an entry and attaches sig, valid until block 150, when
// sig is non-zero.
func (f *fixture) pending(t *testing.T, kind string, sig solana.Signature) string {
	t.Helper()
	ctx := context.Background()
	h, err := f.audit.Begin(ctx, kind, "owner", map[string]interface{}{"action": kind, "certificateId": "c1", "units": "1.00"})
	require.NoError(t, err)
	if !sig.IsZero() {
		f.audit.Attach(ctx, h.ID, sig.String(), 150)
	}
	return h.ID
}

func (f *fixture) entry(t *testing.T, id string) *storage.AuditEntry {
	t.Helper()
	e, err := f.store.GetAuditEntry(context.Background(), id)
	require.NoError(t, err)
	return e
}

func TestResolvePendingAuditEntries(t *testing.T) {
	f := newFixture(t)

	landed := solana.Signature{1}
	failed := solana.Signature{2}
	lost := solana.Signature{3}
	inflight := solana.Signature{4}
	f.ledger.SetStatus(landed, chaintest.Confirmed())
	f.ledger.SetStatus(failed, chaintest.Failed(map[string]interface{}{
		"InstructionError": []interface{}{float64(0), map[string]interface{}{"Custom": float64(1)}},
	}))
	f.ledger.SetStatus(inflight, &rpc.SignatureStatusesResult{Slot: 3, ConfirmationStatus: rpc.ConfirmationStatusProcessed})

	landedID := f.pending(t, audit.ActionPurchase, landed)
	failedID := f.pending(t, audit.ActionPurchase, failed)
	lostID := f.pending(t, audit.ActionRewardClaim, lost)
	inflightID := f.pending(t, audit.ActionPurchase, inflight)
	unsignedID := f.pending(t, audit.ActionRewardIntent, solana.Signature{})
	f.ledger.SetHeight(151)

	rep, err := f.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, rep.AuditResolved)
	assert.Equal(t, 1, rep.AuditStillPending)
	assert.Zero(t, rep.Errors)

	assert.Equal(t, storage.AuditSuccess, f.entry(t, landedID).Status)

	e := f.entry(t, failedID)
	assert.Equal(t, storage.AuditError, e.Status)
	assert.Equal(t, string(apperrors.KindInsufficientFunds), e.ErrorKind)

	e = f.entry(t, lostID)
	assert.Equal(t, storage.AuditError, e.Status)
	assert.Equal(t, string(apperrors.KindDeliveryExpired), e.ErrorKind)

	assert.Equal(t, storage.AuditPending, f.entry(t, inflightID).Status)

	e = f.entry(t, unsignedID)
	assert.Equal(t, storage.AuditError, e.Status)
	assert.Equal(t, string(apperrors.KindSigningAborted), e.ErrorKind)
}

func TestRecentEntriesWaitForGrace(t *testing.T) {
	f := newFixture(t)
	f.rec.now = func() time.Time { return time.Now().UTC() }
	id := f.pending(t, audit.ActionPurchase, solana.Signature{5})

	rep, err := f.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.AuditResolved)
	assert.Equal(t, storage.AuditPending, f.entry(t, id).Status)
}

func TestRetirementEntriesResolveReservation(t *testing.T) {
	f := newFixture(t)
	burned := solana.Signature{6}
	f.ledger.SetStatus(burned, chaintest.Confirmed())

	landedID := f.pending(t, audit.ActionRetire, burned)
	droppedID := f.pending(t, audit.ActionRetire, solana.Signature{7})
	f.ledger.SetHeight(151)

	_, err := f.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []resolveCall{{landedID, true}, {droppedID, false}}, f.retire.calls)
}

func TestUnseenEntryWaitsForItsCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The first burn expired and its caller has rebuilt against a fresh
	// checkpoint; the second attempt is still in flight.
	id := f.pending(t, audit.ActionRetire, solana.Signature{9})
	f.audit.Attach(ctx, id, solana.Signature{10}.String(), 300)
	f.ledger.SetHeight(200)

	rep, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.AuditStillPending)
	assert.Empty(t, f.retire.calls)
	e := f.entry(t, id)
	assert.Equal(t, storage.AuditPending, e.Status)
	assert.Equal(t, uint64(300), e.ValidUntil)

	f.ledger.SetHeight(301)
	rep, err = f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.AuditResolved)
	assert.Equal(t, []resolveCall{{id, false}}, f.retire.calls)
}

func TestGraceCoversDeliveryBudget(t *testing.T) {
	rec := New(Config{PendingGrace: time.Minute, DeliveryBudget: 5 * time.Minute}, nil, nil, nil, nil, nil, nil)
	assert.Equal(t, 6*time.Minute, rec.cfg.PendingGrace)

	rec = New(Config{PendingGrace: 10 * time.Minute, DeliveryBudget: 5 * time.Minute}, nil, nil, nil, nil, nil, nil)
	assert.Equal(t, 10*time.Minute, rec.cfg.PendingGrace)
}

func TestInFlightSessionsFinalized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rewards.done = true

	require.NoError(t, f.store.CreateSession(ctx, &storage.Session{ID: "s1", OwnerWallet: "w", UnitsEarned: token.MustTokens(1)}))
	require.NoError(t, f.store.CreateSession(ctx, &storage.Session{ID: "s2", OwnerWallet: "w", UnitsEarned: token.MustTokens(1)}))
	now := time.Now()
	_, err := f.store.AcquireClaim(ctx, "s1", "t", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, f.store.RecordPending(ctx, "s1", "t", solana.Signature{8}.String(), 100))

	rep, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.SessionsFinalized)
	assert.Equal(t, []string{"s1"}, f.rewards.calls)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	f.rec.cfg.Schedule = "every now and then"
	assert.Error(t, f.rec.Start())
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.rec.Start())
	assert.Error(t, f.rec.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.rec.Stop(ctx))
	require.NoError(t, f.rec.Stop(ctx))
}
