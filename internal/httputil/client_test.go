package httputil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/middleware"
)

func TestNewServiceClientDefaults(t *testing.T) {
	client := NewServiceClient(ServiceClientConfig{BaseURL: "http://localhost:8080/"})

	if client.maxRetries != 2 {
		t.Errorf("default maxRetries = %d, want 2", client.maxRetries)
	}
	if client.baseURL != "http://localhost:8080" {
		t.Errorf("baseURL = %s, want trailing slash trimmed", client.baseURL)
	}
	if client.tokenGenerator != nil {
		t.Error("tokenGenerator should be nil without a key")
	}
}

func TestPostCarriesTokenAndTrace(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	auth := middleware.NewServiceAuth(middleware.ServiceAuthConfig{PublicKey: &key.PublicKey})

	var gotTrace, gotCaller string
	var gotBody map[string]string
	server := httptest.NewServer(auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get(middleware.TraceHeader)
		gotCaller = logging.GetCallerID(r.Context())
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})))
	defer server.Close()

	client := NewServiceClient(ServiceClientConfig{
		PrivateKey: key,
		ServiceID:  "settlement",
		BaseURL:    server.URL,
		Timeout:    5 * time.Second,
	})

	ctx := logging.WithTraceID(context.Background(), "trace-1")
	resp, err := client.Post(ctx, "/audit", map[string]string{"id": "a1"})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	var out map[string]string
	if err := DecodeResponse(resp, &out); err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}

	if out["status"] != "ok" {
		t.Errorf("status = %q", out["status"])
	}
	if gotTrace != "trace-1" {
		t.Errorf("trace header = %q, want trace-1", gotTrace)
	}
	if gotCaller != "settlement" {
		t.Errorf("caller = %q, want settlement", gotCaller)
	}
	if gotBody["id"] != "a1" {
		t.Errorf("body id = %q", gotBody["id"])
	}
}

func TestDoRetriesUnauthorized(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewServiceClient(ServiceClientConfig{BaseURL: server.URL})
	resp, err := client.Get(context.Background(), "/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := DecodeResponse(resp, nil); err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDecodeResponseError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", maxErrorBody+10), http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewServiceClient(ServiceClientConfig{BaseURL: server.URL})
	resp, err := client.Get(context.Background(), "/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	err = DecodeResponse(resp, nil)
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if !strings.Contains(err.Error(), "502") || !strings.HasSuffix(err.Error(), "...(truncated)") {
		t.Errorf("unexpected error: %v", err)
	}
}
