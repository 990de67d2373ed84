// Package middleware provides the HTTP middleware of the settlement API:
// service-to-service authentication, per-caller rate limiting and request
// tracing.
package middleware

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/logging"
)

const (
	// ServiceTokenHeader carries the caller's RS256 service token.
	ServiceTokenHeader = "X-Service-Token"

	// DefaultServiceTokenExpiry is the lifetime of generated tokens.
	DefaultServiceTokenExpiry = time.Hour

	tokenIssuer = "settlement-layer"
)

// ServiceClaims are the JWT claims of a calling service.
type ServiceClaims struct {
	ServiceID string `json:"service_id"`
	jwt.RegisteredClaims
}

// ServiceAuth authenticates calling services by RS256 JWT.
type ServiceAuth struct {
	publicKey       *rsa.PublicKey
	logger          *logging.Logger
	allowedServices map[string]bool
	skipPaths       map[string]bool

	mu              sync.RWMutex
	validatedTokens map[string]*cachedToken
}

type cachedToken struct {
	claims    *ServiceClaims
	expiresAt time.Time
}

// ServiceAuthConfig configures ServiceAuth.
type ServiceAuthConfig struct {
	PublicKey *rsa.PublicKey
	Logger    *logging.Logger
	// AllowedServices restricts callers; empty allows any valid token.
	AllowedServices []string
	SkipPaths       []string
}

// NewServiceAuth creates the middleware.
func NewServiceAuth(cfg ServiceAuthConfig) *ServiceAuth {
	allowed := make(map[string]bool)
	for _, svc := range cfg.AllowedServices {
		allowed[svc] = true
	}
	skip := make(map[string]bool)
	for _, path := range cfg.SkipPaths {
		skip[path] = true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &ServiceAuth{
		publicKey:       cfg.PublicKey,
		logger:          logger,
		allowedServices: allowed,
		skipPaths:       skip,
		validatedTokens: make(map[string]*cachedToken),
	}
}

// Handler wraps next. Authenticated requests carry the service id as the
// caller id in their context.
func (m *ServiceAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		raw := r.Header.Get(ServiceTokenHeader)
		if raw == "" {
			m.reject(w, r, apperrors.Unauthorized("missing service token"))
			return
		}

		claims, err := m.validate(raw)
		if err != nil {
			m.reject(w, r, err)
			return
		}

		if len(m.allowedServices) > 0 && !m.allowedServices[claims.ServiceID] {
			m.reject(w, r, apperrors.Unauthorized("service not authorized").
				WithDetails("service_id", claims.ServiceID))
			return
		}

		ctx := logging.WithCallerID(r.Context(), claims.ServiceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *ServiceAuth) validate(raw string) (*ServiceClaims, error) {
	if cached := m.cached(raw); cached != nil {
		return cached, nil
	}
	if m.publicKey == nil {
		return nil, apperrors.Unauthorized("service authentication not configured")
	}

	token, err := jwt.ParseWithClaims(raw, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.publicKey, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnauthorized, err, "invalid service token")
	}

	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid || claims.ServiceID == "" {
		return nil, apperrors.Unauthorized("invalid service token claims")
	}

	m.store(raw, claims)
	return claims, nil
}

func (m *ServiceAuth) cached(raw string) *ServiceClaims {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.validatedTokens[raw]
	if !ok || time.Now().After(c.expiresAt) {
		return nil
	}
	return c.claims
}

// store caches claims for five minutes or until the token expires.
func (m *ServiceAuth) store(raw string, claims *ServiceClaims) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiry := time.Now().Add(5 * time.Minute)
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(expiry) {
		expiry = claims.ExpiresAt.Time
	}
	m.validatedTokens[raw] = &cachedToken{claims: claims, expiresAt: expiry}

	if len(m.validatedTokens) > 1000 {
		now := time.Now()
		for k, c := range m.validatedTokens {
			if now.After(c.expiresAt) {
				delete(m.validatedTokens, k)
			}
		}
	}
}

func (m *ServiceAuth) reject(w http.ResponseWriter, r *http.Request, err error) {
	m.logger.LogSecurityEvent(r.Context(), "service_auth_failed", map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"error":  err.Error(),
	})
	WriteError(w, err)
}

// TokenGenerator issues service tokens for outbound calls.
type TokenGenerator struct {
	privateKey *rsa.PrivateKey
	serviceID  string
	expiry     time.Duration
}

// NewTokenGenerator creates a generator signing as serviceID.
func NewTokenGenerator(privateKey *rsa.PrivateKey, serviceID string, expiry time.Duration) *TokenGenerator {
	if expiry == 0 {
		expiry = DefaultServiceTokenExpiry
	}
	return &TokenGenerator{privateKey: privateKey, serviceID: serviceID, expiry: expiry}
}

// GenerateToken returns a fresh signed token.
func (g *TokenGenerator) GenerateToken() (string, error) {
	now := time.Now()
	claims := &ServiceClaims{
		ServiceID: g.serviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.expiry)),
			Issuer:    tokenIssuer,
			Subject:   g.serviceID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(g.privateKey)
}

// LoadPublicKey reads a PEM-encoded RSA public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse service public key: %w", err)
	}
	return key, nil
}

// LoadPrivateKey reads a PEM-encoded RSA private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse service private key: %w", err)
	}
	return key, nil
}

// ErrorBody is the JSON error envelope of the API.
type ErrorBody struct {
	Error      string                 `json:"error"`
	Kind       apperrors.Kind         `json:"kind"`
	Hint       string                 `json:"hint,omitempty"`
	LedgerCode string                 `json:"ledgerCode,omitempty"`
	TxID       string                 `json:"txId,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// WriteError renders err with the status of its kind.
func WriteError(w http.ResponseWriter, err error) {
	se := apperrors.GetServiceError(err)
	msg := se.Message
	if msg == "" {
		msg = se.Error()
	}
	status := se.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{
		Error:      msg,
		Kind:       se.Kind,
		Hint:       se.Hint(),
		LedgerCode: se.LedgerCode,
		TxID:       se.TxID,
		Details:    se.Details,
	})
}
