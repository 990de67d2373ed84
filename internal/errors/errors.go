// Package errors defines the settlement error taxonomy shared by every
// service. Each failure surfaced to a caller carries a Kind, an HTTP status
// and, when the ledger reported it, the ledger's own error code.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a settlement failure.
type Kind string

const (
	KindInvalidKey          Kind = "INVALID_KEY"
	KindInvalidAmount       Kind = "INVALID_AMOUNT"
	KindInsufficientFunds   Kind = "INSUFFICIENT_FUNDS"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindDeliveryExpired     Kind = "DELIVERY_EXPIRED"
	KindDeliveryRejected    Kind = "DELIVERY_REJECTED"
	KindAlreadySettled      Kind = "ALREADY_SETTLED"
	KindExceedsOutstanding  Kind = "EXCEEDS_OUTSTANDING"
	KindPoolUnderfunded     Kind = "POOL_UNDERFUNDED"
	KindWalletMismatch      Kind = "WALLET_MISMATCH"
	KindSessionNotFound     Kind = "SESSION_NOT_FOUND"
	KindCertificateNotFound Kind = "CERTIFICATE_NOT_FOUND"
	KindPriceStale          Kind = "PRICE_STALE"
	KindSigningAborted      Kind = "SIGNING_ABORTED"
	KindConfirmationUnknown Kind = "CONFIRMATION_UNKNOWN"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindInvalidRequest      Kind = "INVALID_REQUEST"
	KindNotFound            Kind = "NOT_FOUND"
	KindConflict            Kind = "CONFLICT"
	KindInternal            Kind = "INTERNAL"
)

var hints = map[Kind]string{
	KindInvalidKey:          "check that the wallet or mint address is a valid base58 public key",
	KindInvalidAmount:       "amounts must be positive with at most two decimal places",
	KindInsufficientFunds:   "the paying account cannot cover this transaction; top up and retry",
	KindInsufficientBalance: "the wallet holds fewer tokens than requested",
	KindDeliveryExpired:     "the transaction expired before confirmation; it is safe to retry",
	KindDeliveryRejected:    "the ledger rejected the transaction; inspect the ledger error code",
	KindAlreadySettled:      "this reward was already paid; no action needed",
	KindExceedsOutstanding:  "retire at most the certificate's remaining emissions",
	KindPoolUnderfunded:     "the reward pool is temporarily underfunded; retry later",
	KindWalletMismatch:      "connect the wallet that owns this record",
	KindSessionNotFound:     "the charging session is unknown; check the session id",
	KindCertificateNotFound: "the certificate is unknown; check the certificate id",
	KindPriceStale:          "the escrow price moved since the quote; request a new quote",
	KindSigningAborted:      "signing was cancelled or timed out; nothing was submitted",
	KindConfirmationUnknown: "the transaction was submitted but not yet confirmed; check its status later",
	KindUnauthorized:        "provide a valid service token",
	KindRateLimited:         "too many requests; slow down",
	KindInvalidRequest:      "the request body or parameters are malformed",
	KindNotFound:            "the requested record does not exist",
	KindConflict:            "a record with this id already exists",
	KindInternal:            "unexpected failure; retry later",
}

var statuses = map[Kind]int{
	KindInvalidKey:          http.StatusBadRequest,
	KindInvalidAmount:       http.StatusBadRequest,
	KindInsufficientFunds:   http.StatusPaymentRequired,
	KindInsufficientBalance: http.StatusUnprocessableEntity,
	KindDeliveryExpired:     http.StatusGatewayTimeout,
	KindDeliveryRejected:    http.StatusBadGateway,
	KindAlreadySettled:      http.StatusOK,
	KindExceedsOutstanding:  http.StatusUnprocessableEntity,
	KindPoolUnderfunded:     http.StatusServiceUnavailable,
	KindWalletMismatch:      http.StatusForbidden,
	KindSessionNotFound:     http.StatusNotFound,
	KindCertificateNotFound: http.StatusNotFound,
	KindPriceStale:          http.StatusConflict,
	KindSigningAborted:      http.StatusRequestTimeout,
	KindConfirmationUnknown: http.StatusAccepted,
	KindUnauthorized:        http.StatusUnauthorized,
	KindRateLimited:         http.StatusTooManyRequests,
	KindInvalidRequest:      http.StatusBadRequest,
	KindNotFound:            http.StatusNotFound,
	KindConflict:            http.StatusConflict,
	KindInternal:            http.StatusInternalServerError,
}

// Hint returns the remediation message for a kind. It depends only on the kind.
func Hint(k Kind) string {
	if h, ok := hints[k]; ok {
		return h
	}
	return hints[KindInternal]
}

// ServiceError is the typed error returned across service boundaries.
type ServiceError struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	// LedgerCode is the ledger-reported error, empty for pre-flight failures.
	LedgerCode string
	// TxID is set when the failure happened after a signature existed.
	TxID    string
	Details map[string]interface{}
	Err     error
}

func (e *ServiceError) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.LedgerCode != "" {
		msg += " (ledger: " + e.LedgerCode + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is matches another ServiceError by kind so callers can compare against
// the sentinel values below.
func (e *ServiceError) Is(target error) bool {
	var t *ServiceError
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Hint returns the remediation hint for the error's kind.
func (e *ServiceError) Hint() string { return Hint(e.Kind) }

// Retryable reports whether rebuilding and resubmitting may succeed.
func (e *ServiceError) Retryable() bool { return e.Kind == KindDeliveryExpired }

// WithDetails attaches a detail field and returns the same error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithLedgerCode records the ledger-reported error code.
func (e *ServiceError) WithLedgerCode(code string) *ServiceError {
	e.LedgerCode = code
	return e
}

// WithTxID records the transaction signature associated with the failure.
func (e *ServiceError) WithTxID(txID string) *ServiceError {
	e.TxID = txID
	return e
}

// New creates a ServiceError of the given kind.
func New(kind Kind, format string, args ...interface{}) *ServiceError {
	return &ServiceError{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: statusFor(kind),
	}
}

// Wrap creates a ServiceError of the given kind around err.
func Wrap(kind Kind, err error, format string, args ...interface{}) *ServiceError {
	e := New(kind, format, args...)
	e.Err = err
	return e
}

func statusFor(k Kind) int {
	if s, ok := statuses[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidKey          = &ServiceError{Kind: KindInvalidKey}
	ErrInvalidAmount       = &ServiceError{Kind: KindInvalidAmount}
	ErrInsufficientFunds   = &ServiceError{Kind: KindInsufficientFunds}
	ErrInsufficientBalance = &ServiceError{Kind: KindInsufficientBalance}
	ErrDeliveryExpired     = &ServiceError{Kind: KindDeliveryExpired}
	ErrDeliveryRejected    = &ServiceError{Kind: KindDeliveryRejected}
	ErrAlreadySettled      = &ServiceError{Kind: KindAlreadySettled}
	ErrExceedsOutstanding  = &ServiceError{Kind: KindExceedsOutstanding}
	ErrPoolUnderfunded     = &ServiceError{Kind: KindPoolUnderfunded}
	ErrWalletMismatch      = &ServiceError{Kind: KindWalletMismatch}
	ErrSessionNotFound     = &ServiceError{Kind: KindSessionNotFound}
	ErrCertificateNotFound = &ServiceError{Kind: KindCertificateNotFound}
	ErrPriceStale          = &ServiceError{Kind: KindPriceStale}
	ErrSigningAborted      = &ServiceError{Kind: KindSigningAborted}
	ErrConfirmationUnknown = &ServiceError{Kind: KindConfirmationUnknown}
)

// Constructors used throughout the services.

func InvalidKey(value string, err error) *ServiceError {
	return Wrap(KindInvalidKey, err, "malformed key %q", value)
}

func InvalidAmount(format string, args ...interface{}) *ServiceError {
	return New(KindInvalidAmount, format, args...)
}

func InsufficientFunds(format string, args ...interface{}) *ServiceError {
	return New(KindInsufficientFunds, format, args...)
}

func InsufficientBalance(have, want uint64) *ServiceError {
	return New(KindInsufficientBalance, "balance %d below requested %d", have, want).
		WithDetails("balance", have).WithDetails("requested", want)
}

func DeliveryExpired(txID string) *ServiceError {
	return New(KindDeliveryExpired, "transaction %s not confirmed before its checkpoint expired", txID).WithTxID(txID)
}

func DeliveryRejected(txID, ledgerCode string) *ServiceError {
	return New(KindDeliveryRejected, "transaction rejected by ledger").WithTxID(txID).WithLedgerCode(ledgerCode)
}

func AlreadySettled(sessionID, txID string) *ServiceError {
	return New(KindAlreadySettled, "session %s already settled", sessionID).WithTxID(txID)
}

func ExceedsOutstanding(requested, outstanding uint64) *ServiceError {
	return New(KindExceedsOutstanding, "requested %d exceeds outstanding %d", requested, outstanding).
		WithDetails("requested", requested).WithDetails("outstanding", outstanding)
}

func PoolUnderfunded(have, want uint64) *ServiceError {
	return New(KindPoolUnderfunded, "reward pool holds %d, needs %d", have, want)
}

func WalletMismatch(expected, got string) *ServiceError {
	return New(KindWalletMismatch, "expected wallet %s, got %s", expected, got)
}

func SessionNotFound(id string) *ServiceError {
	return New(KindSessionNotFound, "session %s not found", id)
}

func CertificateNotFound(id string) *ServiceError {
	return New(KindCertificateNotFound, "certificate %s not found", id)
}

func PriceStale(quoted, current uint64) *ServiceError {
	return New(KindPriceStale, "quoted price %d, current price %d", quoted, current)
}

func SigningAborted(err error) *ServiceError {
	return Wrap(KindSigningAborted, err, "signing did not complete")
}

func ConfirmationUnknown(txID string, err error) *ServiceError {
	return Wrap(KindConfirmationUnknown, err, "confirmation of %s not observed", txID).WithTxID(txID)
}

func Unauthorized(message string) *ServiceError {
	return New(KindUnauthorized, "%s", message)
}

func RateLimited(limit int, window string) *ServiceError {
	return New(KindRateLimited, "rate limit of %d per %s exceeded", limit, window)
}

func InvalidRequest(format string, args ...interface{}) *ServiceError {
	return New(KindInvalidRequest, format, args...)
}

func NotFound(format string, args ...interface{}) *ServiceError {
	return New(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *ServiceError {
	return New(KindConflict, format, args...)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(KindInternal, err, "%s", message)
}

// GetServiceError extracts a ServiceError from err, wrapping unknown errors
// as internal.
func GetServiceError(err error) *ServiceError {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return Internal("internal error", err)
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	var se *ServiceError
	return stderrors.As(err, &se) && se.Kind == k
}

// IsFundsInsufficiency reports whether err means some account could not
// cover the requested movement.
func IsFundsInsufficiency(err error) bool {
	switch KindOf(err) {
	case KindInsufficientFunds, KindInsufficientBalance, KindPoolUnderfunded:
		return true
	}
	return false
}
