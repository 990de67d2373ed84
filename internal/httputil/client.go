// Package httputil provides the authenticated HTTP client used for outbound
// service-to-service calls such as the audit sink.
package httputil

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/middleware"
)

const (
	maxErrorBody    = 64 << 10
	maxResponseBody = 8 << 20
)

// ServiceClient attaches a service token and the caller's trace id to
// every request.
type ServiceClient struct {
	httpClient     *http.Client
	tokenGenerator *middleware.TokenGenerator
	baseURL        string
	maxRetries     int
}

// ServiceClientConfig configures the client. PrivateKey and ServiceID are
// optional; without them requests go out unauthenticated.
type ServiceClientConfig struct {
	PrivateKey *rsa.PrivateKey
	ServiceID  string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// NewServiceClient creates a client.
func NewServiceClient(cfg ServiceClientConfig) *ServiceClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}

	var tokenGen *middleware.TokenGenerator
	if cfg.PrivateKey != nil && cfg.ServiceID != "" {
		tokenGen = middleware.NewTokenGenerator(cfg.PrivateKey, cfg.ServiceID, middleware.DefaultServiceTokenExpiry)
	}

	return &ServiceClient{
		httpClient:     &http.Client{Timeout: timeout},
		tokenGenerator: tokenGen,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		maxRetries:     maxRetries,
	}
}

// Do sends a JSON request. A 401 or 403 is retried with a fresh token up
// to MaxRetries times.
func (c *ServiceClient) Do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, method, path, payload)
		if err != nil {
			return nil, err
		}
		if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && attempt < c.maxRetries {
			resp.Body.Close()
			continue
		}
		return resp, nil
	}
}

func (c *ServiceClient) send(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokenGenerator != nil {
		token, err := c.tokenGenerator.GenerateToken()
		if err != nil {
			return nil, fmt.Errorf("generate service token: %w", err)
		}
		req.Header.Set(middleware.ServiceTokenHeader, token)
	}
	if traceID := logging.GetTraceID(ctx); traceID != "" {
		req.Header.Set(middleware.TraceHeader, traceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// Get performs a GET request.
func (c *ServiceClient) Get(ctx context.Context, path string) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post performs a POST request with a JSON body.
func (c *ServiceClient) Post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// DecodeResponse closes resp and decodes its JSON body into target. Status
// codes of 400 and above become errors carrying the (truncated) body.
func DecodeResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody+1))
		msg := strings.TrimSpace(string(body))
		if len(body) > maxErrorBody {
			msg = strings.TrimSpace(string(body[:maxErrorBody])) + "...(truncated)"
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, msg)
	}

	if target == nil {
		_, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if len(body) > maxResponseBody {
		return fmt.Errorf("response body exceeds %d bytes", maxResponseBody)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
