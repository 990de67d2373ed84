package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/httputil"
	"github.com/R3E-Network/settlement_layer/internal/middleware"
	"github.com/R3E-Network/settlement_layer/internal/token"
	"github.com/R3E-Network/settlement_layer/services/escrow"
	"github.com/R3E-Network/settlement_layer/services/retirement"
	"github.com/R3E-Network/settlement_layer/services/rewards"
)

// The owner-signed routes block while the owner's wallet signs and the
// ledger confirms. The wallet polls /wallets/{wallet}/signing-requests or
// listens for wallet.signature_requested events, signs the message and
// posts the signature to /signing-requests/{id}.

type buyBody struct {
	Owner string        `json:"owner"`
	Units token.Amount  `json:"units"`
	Quote *escrow.Quote `json:"quote,omitempty"`
}

type retireBody struct {
	Owner string       `json:"owner"`
	Units token.Amount `json:"units"`
}

type intentBody struct {
	SessionID string            `json:"sessionId"`
	Owner     string            `json:"owner"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type signatureBody struct {
	Signature string `json:"signature"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	var body buyBody
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	owner, err := chain.ParseKey(body.Owner)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	s.holdOpen(w)
	receipt, err := s.deps.Escrow.Buy(r.Context(), escrow.BuyRequest{
		Owner:  owner.String(),
		Units:  body.Units,
		Quote:  body.Quote,
		Signer: s.deps.Wallets.Signer(owner),
	})
	if err != nil {
		s.settlementFailed(r, "purchase", owner.String(), err)
		middleware.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) {
	var body retireBody
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	owner, err := chain.ParseKey(body.Owner)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	s.holdOpen(w)
	receipt, err := s.deps.Retirement.Retire(r.Context(), retirement.RetireRequest{
		Owner:         owner.String(),
		CertificateID: mux.Vars(r)["id"],
		Units:         body.Units,
		Signer:        s.deps.Wallets.Signer(owner),
	})
	if err != nil {
		s.settlementFailed(r, "retire", owner.String(), err)
		middleware.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var body intentBody
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	if body.SessionID == "" {
		middleware.WriteError(w, apperrors.InvalidRequest("sessionId is required"))
		return
	}
	owner, err := chain.ParseKey(body.Owner)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	s.holdOpen(w)
	resp, err := s.deps.Rewards.SignIntent(r.Context(), rewards.IntentRequest{
		SessionID: body.SessionID,
		Owner:     owner.String(),
		Metadata:  body.Metadata,
		Signer:    s.deps.Wallets.Signer(owner),
	})
	if err != nil {
		s.settlementFailed(r, "reward_intent", owner.String(), err)
		middleware.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSigningRequests(w http.ResponseWriter, r *http.Request) {
	wallet, err := chain.ParseKey(mux.Vars(r)["wallet"])
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.deps.Wallets.Pending(wallet.String()))
}

func (s *Server) handleSubmitSignature(w http.ResponseWriter, r *http.Request) {
	var body signatureBody
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	if body.Signature == "" {
		middleware.WriteError(w, apperrors.InvalidRequest("signature is required"))
		return
	}
	if err := s.deps.Wallets.Submit(mux.Vars(r)["id"], body.Signature); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// holdOpen extends the write deadline past the server's default so a
// response can follow a full delivery.
func (s *Server) holdOpen(w http.ResponseWriter) {
	if s.deps.SettleTimeout <= 0 {
		return
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(s.deps.SettleTimeout))
}

func (s *Server) settlementFailed(r *http.Request, action, owner string, err error) {
	s.deps.Logger.Warn(r.Context(), "settlement failed", map[string]interface{}{
		"action": action,
		"owner":  owner,
		"kind":   apperrors.KindOf(err),
	})
}
