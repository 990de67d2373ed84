// Package httpapi exposes the settlement services over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/mux"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/events"
	"github.com/R3E-Network/settlement_layer/internal/httputil"
	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/metrics"
	"github.com/R3E-Network/settlement_layer/internal/middleware"
	"github.com/R3E-Network/settlement_layer/internal/storage"
	"github.com/R3E-Network/settlement_layer/internal/token"
	"github.com/R3E-Network/settlement_layer/services/audit"
	"github.com/R3E-Network/settlement_layer/services/delivery"
	"github.com/R3E-Network/settlement_layer/services/escrow"
	"github.com/R3E-Network/settlement_layer/services/retirement"
	"github.com/R3E-Network/settlement_layer/services/rewards"
)

// Rewards is the reward settlement surface. *rewards.Service satisfies it.
type Rewards interface {
	RecordSession(ctx context.Context, in rewards.SessionInput) (*storage.Session, error)
	SignIntent(ctx context.Context, req rewards.IntentRequest) (*rewards.IntentResponse, error)
	Settle(ctx context.Context, req rewards.SettleRequest) (*rewards.SettleResponse, error)
	Claimable(ctx context.Context, owner string) (*rewards.ClaimableSummary, error)
}

// Escrow is the purchase surface. *escrow.Service satisfies it.
type Escrow interface {
	Quote(ctx context.Context, units token.Amount) (*escrow.Quote, error)
	Buy(ctx context.Context, req escrow.BuyRequest) (*escrow.Receipt, error)
	State(ctx context.Context) (*chain.EscrowState, error)
	Available(ctx context.Context) (token.Amount, error)
	CachedBalance(ctx context.Context, owner string) (token.Amount, error)
}

// Retirement is the certificate surface. *retirement.Service satisfies it.
type Retirement interface {
	Register(ctx context.Context, in retirement.CertificateInput) (*storage.Certificate, error)
	Retire(ctx context.Context, req retirement.RetireRequest) (*retirement.Receipt, error)
	Status(ctx context.Context, certificateID string) (*retirement.OffsetStatus, error)
	History(ctx context.Context, certificateID string) ([]*storage.RetirementRecord, error)
}

// Audit is the audit read surface. *audit.Logger satisfies it.
type Audit interface {
	Get(ctx context.Context, id string) (*storage.AuditEntry, error)
	List(ctx context.Context, f audit.Filter) ([]*storage.AuditEntry, error)
	VerifyOnLedger(ctx context.Context, id string) (*audit.Verification, error)
}

// Events is the settlement event surface. *events.Bus satisfies it.
type Events interface {
	Recent(n int) []events.Event
	RecentByType(eventType events.EventType, n int) []events.Event
	Subscribe(filter events.Filter, handler events.Handler) func()
}

// Wallets hands transactions to owners' wallets for signing.
// *delivery.WalletHub satisfies it.
type Wallets interface {
	Signer(wallet solana.PublicKey) delivery.Signer
	Pending(wallet string) []delivery.SigningRequest
	Submit(id, signature string) error
}

// Deps are the collaborators of the API. Auth and Limiter may be nil, and
// the owner-signed routes are only mounted when Wallets is set.
type Deps struct {
	Rewards    Rewards
	Escrow     Escrow
	Retirement Retirement
	Wallets    Wallets
	Audit      Audit
	Events     Events
	Auth       *middleware.ServiceAuth
	Limiter    *middleware.RateLimiter
	Logger     *logging.Logger
	// Health reports readiness; nil means always healthy.
	Health func(ctx context.Context) error
	// SettleTimeout is the write deadline of owner-signed routes.
	SettleTimeout time.Duration
}

const defaultEventLimit = 50

// Server holds the route handlers.
type Server struct {
	deps    Deps
	started time.Time
}

// NewHandler builds the complete handler: tracing and metrics on every
// route, service authentication and rate limiting on /v1.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = logging.NewTestLogger()
	}
	s := &Server{deps: deps, started: time.Now()}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	if deps.Auth != nil {
		v1.Use(deps.Auth.Handler)
	}
	if deps.Limiter != nil {
		v1.Use(deps.Limiter.Handler)
	}

	v1.HandleFunc("/rewards/sessions", s.handleRecordSession).Methods(http.MethodPost)
	v1.HandleFunc("/rewards/settlements", s.handleSettle).Methods(http.MethodPost)
	v1.HandleFunc("/rewards/claimable", s.handleClaimable).Methods(http.MethodGet)

	v1.HandleFunc("/escrow/quote", s.handleQuote).Methods(http.MethodGet)
	v1.HandleFunc("/escrow/state", s.handleEscrowState).Methods(http.MethodGet)
	v1.HandleFunc("/balances/{owner}", s.handleBalance).Methods(http.MethodGet)

	v1.HandleFunc("/certificates", s.handleRegisterCertificate).Methods(http.MethodPost)
	v1.HandleFunc("/certificates/{id}/offset", s.handleOffset).Methods(http.MethodGet)
	v1.HandleFunc("/certificates/{id}/retirements", s.handleRetirements).Methods(http.MethodGet)

	v1.HandleFunc("/audit", s.handleListAudit).Methods(http.MethodGet)
	v1.HandleFunc("/audit/{id}", s.handleGetAudit).Methods(http.MethodGet)
	v1.HandleFunc("/audit/{id}/verify", s.handleVerifyAudit).Methods(http.MethodGet)

	if deps.Wallets != nil {
		v1.HandleFunc("/escrow/purchases", s.handleBuy).Methods(http.MethodPost)
		v1.HandleFunc("/certificates/{id}/retire", s.handleRetire).Methods(http.MethodPost)
		v1.HandleFunc("/rewards/intents", s.handleIntent).Methods(http.MethodPost)
		v1.HandleFunc("/wallets/{wallet}/signing-requests", s.handleSigningRequests).Methods(http.MethodGet)
		v1.HandleFunc("/signing-requests/{id}", s.handleSubmitSignature).Methods(http.MethodPost)
	}

	if deps.Events != nil {
		v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
		v1.HandleFunc("/events/stream", s.handleEventStream).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, apperrors.NotFound("no such route"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		se := apperrors.InvalidRequest("method %s not allowed", req.Method)
		se.HTTPStatus = http.StatusMethodNotAllowed
		middleware.WriteError(w, se)
	})

	return middleware.NewTracing(deps.Logger).Handler(metrics.InstrumentHandler(r))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// Rewards --------------------------------------------------------------------

func (s *Server) handleRecordSession(w http.ResponseWriter, r *http.Request) {
	var in rewards.SessionInput
	if !httputil.DecodeJSON(w, r, &in) {
		return
	}
	sess, err := s.deps.Rewards.RecordSession(r.Context(), in)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req rewards.SettleRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.OwnerWallet == "" {
		middleware.WriteError(w, apperrors.InvalidRequest("sessionId and ownerWallet are required"))
		return
	}
	resp, err := s.deps.Rewards.Settle(r.Context(), req)
	if err != nil {
		s.deps.Logger.Warn(r.Context(), "settlement failed", map[string]interface{}{
			"session_id": req.SessionID,
			"kind":       apperrors.KindOf(err),
		})
		middleware.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClaimable(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		middleware.WriteError(w, apperrors.InvalidRequest("owner is required"))
		return
	}
	sum, err := s.deps.Rewards.Claimable(r.Context(), owner)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sum)
}

// Escrow ---------------------------------------------------------------------

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	units, err := token.Parse(r.URL.Query().Get("units"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	q, err := s.deps.Escrow.Quote(r.Context(), units)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, q)
}

func (s *Server) handleEscrowState(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Escrow.State(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	avail, err := s.deps.Escrow.Available(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"admin":             st.Admin.String(),
		"mint":              st.Mint.String(),
		"vaultTokenAccount": st.VaultTokenAccount.String(),
		"pricePerUnit":      st.PricePerUnit,
		"totalUnitsSold":    st.TotalUnitsSold,
		"totalRevenue":      st.TotalRevenue,
		"available":         avail,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	bal, err := s.deps.Escrow.CachedBalance(r.Context(), owner)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"owner": owner, "balance": bal})
}

// Certificates ---------------------------------------------------------------

func (s *Server) handleRegisterCertificate(w http.ResponseWriter, r *http.Request) {
	var in retirement.CertificateInput
	if !httputil.DecodeJSON(w, r, &in) {
		return
	}
	cert, err := s.deps.Retirement.Register(r.Context(), in)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, cert)
}

func (s *Server) handleOffset(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Retirement.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleRetirements(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Retirement.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, recs)
}

// Audit ----------------------------------------------------------------------

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{Owner: q.Get("owner"), ActionKind: q.Get("action")}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			middleware.WriteError(w, apperrors.InvalidRequest("limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}
	entries, err := s.deps.Audit.List(r.Context(), f)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if entries == nil {
		entries = []*storage.AuditEntry{}
	}
	httputil.WriteJSON(w, http.StatusOK, entries)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n := defaultEventLimit
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			middleware.WriteError(w, apperrors.InvalidRequest("limit must be a positive integer"))
			return
		}
		n = v
	}
	var out []events.Event
	if t := q.Get("type"); t != "" {
		out = s.deps.Events.RecentByType(events.EventType(t), n)
	} else {
		out = s.deps.Events.Recent(n)
	}
	if out == nil {
		out = []events.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Audit.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteError(w, notFound(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entry)
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Audit.VerifyOnLedger(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteError(w, notFound(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, v)
}

func notFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.Wrap(apperrors.KindNotFound, err, "audit entry not found")
	}
	return err
}
