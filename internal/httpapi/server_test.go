package httpapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/events"
	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/middleware"
	"github.com/R3E-Network/settlement_layer/internal/storage"
	"github.com/R3E-Network/settlement_layer/internal/token"
	"github.com/R3E-Network/settlement_layer/services/audit"
	"github.com/R3E-Network/settlement_layer/services/delivery"
	"github.com/R3E-Network/settlement_layer/services/escrow"
	"github.com/R3E-Network/settlement_layer/services/retirement"
	"github.com/R3E-Network/settlement_layer/services/rewards"
)

type fakeRewards struct {
	settleErr  error
	lastReq    rewards.SettleRequest
	lastIntent rewards.IntentRequest
}

func (f *fakeRewards) SignIntent(_ context.Context, req rewards.IntentRequest) (*rewards.IntentResponse, error) {
	f.lastIntent = req
	return &rewards.IntentResponse{Result: &delivery.Result{Success: true, TxID: "intent-1"}}, nil
}

func (f *fakeRewards) RecordSession(_ context.Context, in rewards.SessionInput) (*storage.Session, error) {
	return &storage.Session{ID: in.ID, OwnerWallet: in.OwnerWallet, UnitsEarned: in.UnitsEarned}, nil
}

func (f *fakeRewards) Settle(_ context.Context, req rewards.SettleRequest) (*rewards.SettleResponse, error) {
	f.lastReq = req
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	return &rewards.SettleResponse{Settled: true, TxID: "sig-1"}, nil
}

func (f *fakeRewards) Claimable(_ context.Context, owner string) (*rewards.ClaimableSummary, error) {
	return &rewards.ClaimableSummary{Owner: owner, TotalSessions: 2, TotalUnits: token.MustTokens(8), ClaimableSessions: []string{"a", "b"}}, nil
}

type fakeEscrow struct{ lastBuy *escrow.BuyRequest }

func (f *fakeEscrow) Buy(_ context.Context, req escrow.BuyRequest) (*escrow.Receipt, error) {
	f.lastBuy = &req
	if req.Units > token.MustTokens(10) {
		return nil, apperrors.InsufficientFunds("escrow vault holds 10.00")
	}
	return &escrow.Receipt{Result: &delivery.Result{Success: true, TxID: "buy-1", DeliveryMethodUsed: delivery.MethodSinglePath}, Units: req.Units}, nil
}

func (*fakeEscrow) Quote(_ context.Context, units token.Amount) (*escrow.Quote, error) {
	if units.IsZero() {
		return nil, apperrors.InvalidAmount("units must be positive")
	}
	cost, err := units.Cost(50_000)
	if err != nil {
		return nil, err
	}
	return &escrow.Quote{Units: units, PricePerUnit: 50_000, CostLamports: cost}, nil
}

func (*fakeEscrow) State(context.Context) (*chain.EscrowState, error) {
	return &chain.EscrowState{PricePerUnit: 50_000}, nil
}

func (*fakeEscrow) Available(context.Context) (token.Amount, error) { return token.MustTokens(10), nil }

func (*fakeEscrow) CachedBalance(context.Context, string) (token.Amount, error) { return 1234, nil }

type fakeRetirement struct{}

func (fakeRetirement) Retire(_ context.Context, req retirement.RetireRequest) (*retirement.Receipt, error) {
	if req.CertificateID != "cert-1" {
		return nil, apperrors.CertificateNotFound(req.CertificateID)
	}
	return &retirement.Receipt{Result: &delivery.Result{Success: true, TxID: "burn-1"}}, nil
}

func (fakeRetirement) Register(_ context.Context, in retirement.CertificateInput) (*storage.Certificate, error) {
	return &storage.Certificate{ID: in.ID, OwnerWallet: in.OwnerWallet, TotalEmissions: in.TotalEmissions}, nil
}

func (fakeRetirement) Status(_ context.Context, id string) (*retirement.OffsetStatus, error) {
	if id != "cert-1" {
		return nil, apperrors.CertificateNotFound(id)
	}
	return &retirement.OffsetStatus{CertificateID: id, Status: storage.StatusPartiallyOffset, Remaining: token.MustTokens(2)}, nil
}

func (fakeRetirement) History(context.Context, string) ([]*storage.RetirementRecord, error) {
	return []*storage.RetirementRecord{}, nil
}

type fakeAudit struct{}

func (fakeAudit) Get(_ context.Context, id string) (*storage.AuditEntry, error) {
	if id == "e1" {
		return &storage.AuditEntry{ID: id, Status: storage.AuditSuccess}, nil
	}
	return nil, fmt.Errorf("audit entry %s: %w", id, storage.ErrNotFound)
}

func (fakeAudit) List(_ context.Context, f audit.Filter) ([]*storage.AuditEntry, error) {
	if f.ActionKind == "none" {
		return nil, nil
	}
	return []*storage.AuditEntry{{ID: "e1", ActionKind: f.ActionKind, OwnerWallet: f.Owner}}, nil
}

func (fakeAudit) VerifyOnLedger(_ context.Context, id string) (*audit.Verification, error) {
	return &audit.Verification{EntryID: id, Verified: true}, nil
}

type harness struct {
	handler http.Handler
	rewards *fakeRewards
	escrow  *fakeEscrow
	wallets *delivery.WalletHub
	bus     *events.Bus
	token   string
}

func newHarness(t *testing.T, burst int) *harness {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tok, err := middleware.NewTokenGenerator(key, "charging-backend", time.Minute).GenerateToken()
	require.NoError(t, err)

	h := &harness{
		rewards: &fakeRewards{},
		escrow:  &fakeEscrow{},
		wallets: delivery.NewWalletHub(nil, nil),
		bus:     events.NewBus(16, 16, logging.NewTestLogger()),
		token:   tok,
	}
	h.handler = NewHandler(Deps{
		Rewards:    h.rewards,
		Escrow:     h.escrow,
		Wallets:    h.wallets,
		Retirement: fakeRetirement{},
		Audit:      fakeAudit{},
		Events:     h.bus,
		Auth:       middleware.NewServiceAuth(middleware.ServiceAuthConfig{PublicKey: &key.PublicKey}),
		Limiter:    middleware.NewRateLimiter(1, burst, nil),
	})
	return h
}

func (h *harness) do(method, path string, body interface{}, authed bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			_ = json.NewEncoder(&buf).Encode(b)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if authed {
		req.Header.Set(middleware.ServiceTokenHeader, h.token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func errorKind(t *testing.T, rec *httptest.ResponseRecorder) apperrors.Kind {
	t.Helper()
	var body middleware.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Kind
}

func TestSettleEndpoint(t *testing.T) {
	h := newHarness(t, 100)

	rec := h.do(http.MethodPost, "/v1/rewards/settlements", `{"sessionId":"s1","ownerWallet":"w","unitsEarned":"5.5","evidenceTxId":"ev"}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["settled"])
	assert.Equal(t, "sig-1", resp["txId"])
	assert.Equal(t, false, resp["alreadySettled"])

	assert.Equal(t, token.Amount(550), h.rewards.lastReq.UnitsEarned)
	assert.Equal(t, "ev", h.rewards.lastReq.EvidenceTxID)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))
}

func TestSettleEndpointErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		body   string
		status int
		kind   apperrors.Kind
	}{
		{"unknown session", apperrors.SessionNotFound("s1"), `{"sessionId":"s1","ownerWallet":"w"}`, http.StatusNotFound, apperrors.KindSessionNotFound},
		{"not yet observed", apperrors.ConfirmationUnknown("sig", nil), `{"sessionId":"s1","ownerWallet":"w"}`, http.StatusAccepted, apperrors.KindConfirmationUnknown},
		{"pool empty", apperrors.PoolUnderfunded(1, 2), `{"sessionId":"s1","ownerWallet":"w"}`, http.StatusServiceUnavailable, apperrors.KindPoolUnderfunded},
		{"malformed json", nil, `{"sessionId":`, http.StatusBadRequest, apperrors.KindInvalidRequest},
		{"bad amount", nil, `{"sessionId":"s1","ownerWallet":"w","unitsEarned":"1.001"}`, http.StatusBadRequest, apperrors.KindInvalidAmount},
		{"missing fields", nil, `{}`, http.StatusBadRequest, apperrors.KindInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 100)
			h.rewards.settleErr = tt.err
			rec := h.do(http.MethodPost, "/v1/rewards/settlements", tt.body, true)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.kind, errorKind(t, rec))
		})
	}
}

func TestV1RequiresServiceToken(t *testing.T) {
	h := newHarness(t, 100)

	rec := h.do(http.MethodPost, "/v1/rewards/settlements", `{"sessionId":"s1","ownerWallet":"w"}`, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperrors.KindUnauthorized, errorKind(t, rec))

	rec = h.do(http.MethodGet, "/healthz", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitPerCaller(t *testing.T) {
	h := newHarness(t, 1)

	rec := h.do(http.MethodGet, "/v1/escrow/quote?units=1", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodGet, "/v1/escrow/quote?units=1", nil, true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, apperrors.KindRateLimited, errorKind(t, rec))
}

func TestQuoteEndpoint(t *testing.T) {
	h := newHarness(t, 100)

	rec := h.do(http.MethodGet, "/v1/escrow/quote?units=100", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var q map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	assert.Equal(t, float64(5_000_000), q["costLamports"])
	assert.Equal(t, "100.00", q["units"])

	rec = h.do(http.MethodGet, "/v1/escrow/quote?units=abc", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.KindInvalidAmount, errorKind(t, rec))
}

func TestReadEndpoints(t *testing.T) {
	h := newHarness(t, 100)

	tests := []struct {
		path   string
		status int
	}{
		{"/v1/rewards/claimable?owner=w", http.StatusOK},
		{"/v1/rewards/claimable", http.StatusBadRequest},
		{"/v1/escrow/state", http.StatusOK},
		{"/v1/balances/w", http.StatusOK},
		{"/v1/certificates/cert-1/offset", http.StatusOK},
		{"/v1/certificates/cert-9/offset", http.StatusNotFound},
		{"/v1/certificates/cert-1/retirements", http.StatusOK},
		{"/v1/audit?owner=w&action=purchase&limit=5", http.StatusOK},
		{"/v1/audit?limit=-1", http.StatusBadRequest},
		{"/v1/audit/e1", http.StatusOK},
		{"/v1/audit/e2", http.StatusNotFound},
		{"/v1/audit/e1/verify", http.StatusOK},
		{"/v1/nowhere", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := h.do(http.MethodGet, tt.path, nil, true)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestAuditListNeverNull(t *testing.T) {
	h := newHarness(t, 100)
	rec := h.do(http.MethodGet, "/v1/audit?action=none", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestRegisterEndpoints(t *testing.T) {
	h := newHarness(t, 100)

	rec := h.do(http.MethodPost, "/v1/rewards/sessions", `{"sessionId":"s1","ownerWallet":"w","unitsEarned":"3"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	var sess map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, "3.00", sess["unitsEarned"])
	_, leaked := sess["claimToken"]
	assert.False(t, leaked)

	rec = h.do(http.MethodPost, "/v1/certificates", `{"certificateId":"c1","ownerWallet":"w","totalEmissions":"12.5"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	var cert map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cert))
	assert.Equal(t, "12.50", cert["totalEmissions"])
}

func TestRecentEventsEndpoint(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	h.bus.Publish(ctx, events.Event{Type: events.EventRewardSettled, Reference: "s1"})
	h.bus.Publish(ctx, events.Event{Type: events.EventRetirementSettled, Reference: "c1"})
	h.bus.Publish(ctx, events.Event{Type: events.EventRewardSettled, Reference: "s2"})

	rec := h.do(http.MethodGet, "/v1/events?type=reward.settled", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got []events.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "s2", got[0].Reference)
	assert.Equal(t, "s1", got[1].Reference)

	rec = h.do(http.MethodGet, "/v1/events?limit=1", nil, true)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].Reference)

	rec = h.do(http.MethodGet, "/v1/events?type=certificate.fully_offset", nil, true)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = h.do(http.MethodGet, "/v1/events?limit=0", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventStream(t *testing.T) {
	h := newHarness(t, 100)
	h.bus.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.bus.Stop(ctx)
	}()

	srv := httptest.NewServer(h.handler)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/stream?type=certificate.fully_offset"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set(middleware.ServiceTokenHeader, h.token)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered after the handshake completes, so keep
	// publishing until the first matching event arrives.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				h.bus.Publish(context.Background(), events.Event{Type: events.EventRewardSettled, Reference: "s1"})
				h.bus.Publish(context.Background(), events.Event{Type: events.EventCertificateFullyOffset, Reference: "c1"})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.EventCertificateFullyOffset, got.Type)
	assert.Equal(t, "c1", got.Reference)
	assert.NotEmpty(t, got.ID)
}

func TestOwnerSignedRoutes(t *testing.T) {
	h := newHarness(t, 100)
	owner := solana.NewWallet().PublicKey()

	rec := h.do(http.MethodPost, "/v1/escrow/purchases", fmt.Sprintf(`{"owner":%q,"units":"2.5"}`, owner), true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var receipt map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.Equal(t, "buy-1", receipt["txId"])
	assert.Equal(t, "single-path", receipt["deliveryMethodUsed"])
	require.NotNil(t, h.escrow.lastBuy)
	assert.Equal(t, token.Amount(250), h.escrow.lastBuy.Units)
	assert.True(t, h.escrow.lastBuy.Signer.PublicKey().Equals(owner), "signature comes from the owner's wallet")

	rec = h.do(http.MethodPost, "/v1/escrow/purchases", fmt.Sprintf(`{"owner":%q,"units":"11"}`, owner), true)
	assert.Equal(t, apperrors.KindInsufficientFunds, errorKind(t, rec))

	rec = h.do(http.MethodPost, "/v1/escrow/purchases", `{"owner":"nope","units":"1"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.KindInvalidKey, errorKind(t, rec))

	rec = h.do(http.MethodPost, "/v1/certificates/cert-1/retire", fmt.Sprintf(`{"owner":%q,"units":"1"}`, owner), true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.do(http.MethodPost, "/v1/certificates/cert-9/retire", fmt.Sprintf(`{"owner":%q,"units":"1"}`, owner), true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, "/v1/rewards/intents", fmt.Sprintf(`{"sessionId":"s1","owner":%q,"metadata":{"station":"7"}}`, owner), true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "s1", h.rewards.lastIntent.SessionID)
	assert.Equal(t, "7", h.rewards.lastIntent.Metadata["station"])

	rec = h.do(http.MethodPost, "/v1/rewards/intents", fmt.Sprintf(`{"owner":%q}`, owner), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSigningRequestRoutes(t *testing.T) {
	h := newHarness(t, 100)
	owner := solana.NewWallet().PublicKey()

	rec := h.do(http.MethodGet, "/v1/wallets/"+owner.String()+"/signing-requests", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = h.do(http.MethodGet, "/v1/wallets/not-a-key/signing-requests", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sig := solana.Signature{1}
	rec = h.do(http.MethodPost, "/v1/signing-requests/r1", fmt.Sprintf(`{"signature":%q}`, sig), true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.KindNotFound, errorKind(t, rec))

	rec = h.do(http.MethodPost, "/v1/signing-requests/r1", `{}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
