package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/middleware"
)

// MaxRequestBody bounds decoded request bodies.
const MaxRequestBody = 1 << 20

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// DecodeJSON decodes the request body into v. On failure it writes an
// INVALID_REQUEST response and returns false.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxRequestBody))
	if err := dec.Decode(v); err != nil {
		// Amount fields report their own validation errors.
		var se *apperrors.ServiceError
		if errors.As(err, &se) {
			middleware.WriteError(w, se)
			return false
		}
		middleware.WriteError(w, apperrors.InvalidRequest("malformed request body: %v", err))
		return false
	}
	return true
}
