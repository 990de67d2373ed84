package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/logging"
)

func callerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(logging.GetCallerID(r.Context())))
	})
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestServiceAuthAcceptsValidToken(t *testing.T) {
	key := newKey(t)
	auth := NewServiceAuth(ServiceAuthConfig{PublicKey: &key.PublicKey})
	token, err := NewTokenGenerator(key, "wallet-gateway", time.Minute).GenerateToken()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/escrow/quote", nil)
	req.Header.Set(ServiceTokenHeader, token)
	rec := httptest.NewRecorder()
	auth.Handler(callerEcho()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wallet-gateway", rec.Body.String())

	// second request is served from the cache
	rec = httptest.NewRecorder()
	auth.Handler(callerEcho()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServiceAuthRejections(t *testing.T) {
	key := newKey(t)
	other := newKey(t)

	validToken, err := NewTokenGenerator(key, "reporting", time.Minute).GenerateToken()
	require.NoError(t, err)
	foreignToken, err := NewTokenGenerator(other, "wallet-gateway", time.Minute).GenerateToken()
	require.NoError(t, err)

	tests := []struct {
		name    string
		allowed []string
		token   string
	}{
		{name: "missing token", token: ""},
		{name: "wrong signing key", token: foreignToken},
		{name: "garbage", token: "not-a-jwt"},
		{name: "service not allowed", allowed: []string{"wallet-gateway"}, token: validToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := NewServiceAuth(ServiceAuthConfig{PublicKey: &key.PublicKey, AllowedServices: tt.allowed})
			req := httptest.NewRequest(http.MethodPost, "/v1/rewards/settle", nil)
			if tt.token != "" {
				req.Header.Set(ServiceTokenHeader, tt.token)
			}
			rec := httptest.NewRecorder()
			auth.Handler(callerEcho()).ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, apperrors.KindUnauthorized, body.Kind)
			assert.NotEmpty(t, body.Hint)
		})
	}
}

func TestServiceAuthSkipPaths(t *testing.T) {
	auth := NewServiceAuth(ServiceAuthConfig{SkipPaths: []string{"/healthz"}})
	rec := httptest.NewRecorder()
	auth.Handler(callerEcho()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWriteErrorCarriesLedgerDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, apperrors.DeliveryRejected("sig123", "Custom(6001)"))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, apperrors.KindDeliveryRejected, body.Kind)
	assert.Equal(t, "Custom(6001)", body.LedgerCode)
	assert.Equal(t, "sig123", body.TxID)
}

func TestWriteErrorSentinelDefaultsToInternalStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, apperrors.ErrPriceStale)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRateLimiterPerCaller(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	handler := rl.Handler(callerEcho())

	serve := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, serve("10.0.0.1:1"))
	assert.Equal(t, http.StatusOK, serve("10.0.0.1:1"))
	assert.Equal(t, http.StatusTooManyRequests, serve("10.0.0.1:1"))
	assert.Equal(t, http.StatusOK, serve("10.0.0.2:1"))
	assert.Equal(t, 2, rl.Size())
}

func TestRateLimiterKeysOnCallerID(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	handler := rl.Handler(callerEcho())

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.9:" + string(rune('1'+i))
		req = req.WithContext(logging.WithCallerID(req.Context(), "reporting"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil)
	rl.Allow("a")
	rl.Allow("b")
	rl.Cleanup(time.Hour)
	assert.Equal(t, 2, rl.Size())
	rl.Cleanup(-time.Second)
	assert.Equal(t, 0, rl.Size())
}

func TestTracingPropagatesTraceID(t *testing.T) {
	var seen string
	handler := NewTracing(nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.GetTraceID(r.Context())
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TraceHeader, "trace-abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "trace-abc", seen)
	assert.Equal(t, "trace-abc", rec.Header().Get(TraceHeader))
}

func TestTracingGeneratesTraceID(t *testing.T) {
	handler := NewTracing(nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get(TraceHeader))
}

func TestTracingRecoversPanics(t *testing.T) {
	handler := NewTracing(nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, apperrors.KindInternal, decodeError(t, rec).Kind)
}
