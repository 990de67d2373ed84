// Package rewards pays the reward earned by an off-chain event, such as an
// EV charging session, exactly once from the privileged reward pool.
//
// Double payment is prevented by three storage transitions on the session:
// a time-bounded claim lease taken before anything is built, the signature
// of the transfer recorded before it is submitted, and a single
// check-then-set of the settlement signature after confirmation. A caller
// that finds a recorded signature asks the ledger about it before building
// a new transfer.
package rewards

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/events"
	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/metrics"
	"github.com/R3E-Network/settlement_layer/internal/storage"
	"github.com/R3E-Network/settlement_layer/internal/token"
	"github.com/R3E-Network/settlement_layer/services/audit"
	"github.com/R3E-Network/settlement_layer/services/delivery"
)

const (
	DefaultWaitTimeout = 30 * time.Second
	waitPollInterval   = 100 * time.Millisecond
	leaseMargin        = 30 * time.Second
)

// Ledger reads pool balances.
type Ledger interface {
	TokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (token.Amount, error)
}

// Deliverer delivers transactions and reports on earlier ones.
// *delivery.Router satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (*delivery.Result, error)
	Status(ctx context.Context, txID string, lastValidBlockHeight uint64) (chain.TxStatus, bool, error)
}

// Config configures the service.
type Config struct {
	Mint solana.PublicKey
	// LeaseTTL is raised to DeliveryBudget plus a margin when shorter, so
	// a lease outlives every delivery made under it.
	LeaseTTL time.Duration
	// DeliveryBudget is the router's delivery.Config.Budget. Zero uses the
	// default router configuration.
	DeliveryBudget time.Duration
	// WaitTimeout bounds how long a concurrent caller waits for the winner.
	WaitTimeout time.Duration
}

// SessionInput registers an earning event.
type SessionInput struct {
	ID          string       `json:"sessionId"`
	OwnerWallet string       `json:"ownerWallet"`
	StationID   string       `json:"stationId"`
	EnergyKWh   string       `json:"energyKwh"`
	CO2eSavedKg string       `json:"co2eSavedKg"`
	UnitsEarned token.Amount `json:"unitsEarned"`
}

// IntentRequest asks the owner to attest a session on the ledger.
type IntentRequest struct {
	SessionID string
	Owner     string
	Metadata  map[string]string
	Signer    delivery.Signer
}

// IntentResponse describes a recorded attestation.
type IntentResponse struct {
	*delivery.Result
	AuditID     string `json:"auditId,omitempty"`
	PayloadHash string `json:"payloadHash"`
}

// SettleRequest asks for a session's reward to be paid.
type SettleRequest struct {
	SessionID    string       `json:"sessionId"`
	OwnerWallet  string       `json:"ownerWallet"`
	UnitsEarned  token.Amount `json:"unitsEarned"`
	EvidenceTxID string       `json:"evidenceTxId,omitempty"`
}

// SettleResponse is returned for every successful settle call, including
// repeats.
type SettleResponse struct {
	Settled        bool             `json:"settled"`
	TxID           string           `json:"txId"`
	AlreadySettled bool             `json:"alreadySettled"`
	Delivery       *delivery.Result `json:"delivery,omitempty"`
}

// ClaimableSummary totals an owner's unsettled sessions.
type ClaimableSummary struct {
	Owner             string       `json:"owner"`
	TotalSessions     int          `json:"totalSessions"`
	TotalEnergyKWh    string       `json:"totalEnergyKwh"`
	TotalCO2eSavedKg  string       `json:"totalCo2eSavedKg"`
	TotalUnits        token.Amount `json:"totalUnits"`
	ClaimableSessions []string     `json:"claimableSessions"`
}

// Service implements reward intents and settlement.
type Service struct {
	cfg      Config
	store    storage.SessionStore
	ledger   Ledger
	resolver *chain.Resolver
	builder  *chain.Builder
	router   Deliverer
	pool     delivery.Signer
	audit    *audit.Logger
	events   events.Publisher
	log      *logging.Logger
	now      func() time.Time
}

// New creates the service. pool signs every reward transfer and pays its
// fees.
func New(cfg Config, store storage.SessionStore, ledger Ledger, resolver *chain.Resolver, builder *chain.Builder,
	router Deliverer, pool delivery.Signer, auditor *audit.Logger, publisher events.Publisher, log *logging.Logger) *Service {
	if cfg.DeliveryBudget <= 0 {
		cfg.DeliveryBudget = delivery.DefaultConfig().Budget()
	}
	if floor := cfg.DeliveryBudget + leaseMargin; cfg.LeaseTTL < floor {
		cfg.LeaseTTL = floor
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		ledger:   ledger,
		resolver: resolver,
		builder:  builder,
		router:   router,
		pool:     pool,
		audit:    auditor,
		events:   publisher,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RecordSession registers an earning event as claimable.
func (s *Service) RecordSession(ctx context.Context, in SessionInput) (*storage.Session, error) {
	if in.ID == "" {
		return nil, apperrors.InvalidRequest("session id is required")
	}
	owner, err := chain.ParseKey(in.OwnerWallet)
	if err != nil {
		return nil, err
	}
	if in.UnitsEarned.IsZero() {
		return nil, apperrors.InvalidAmount("units earned must be positive")
	}
	for name, v := range map[string]string{"energyKwh": in.EnergyKWh, "co2eSavedKg": in.CO2eSavedKg} {
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil || d.IsNegative() {
			return nil, apperrors.InvalidAmount("%s must be a non-negative number", name)
		}
	}

	sess := &storage.Session{
		ID:          in.ID,
		OwnerWallet: owner.String(),
		StationID:   in.StationID,
		EnergyKWh:   in.EnergyKWh,
		CO2eSavedKg: in.CO2eSavedKg,
		UnitsEarned: in.UnitsEarned,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, apperrors.Conflict("session %s already recorded", in.ID)
		}
		return nil, apperrors.Internal("record session", err)
	}
	return sess, nil
}

func (s *Service) session(ctx context.Context, id string) (*storage.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.SessionNotFound(id)
	}
	if err != nil {
		return nil, apperrors.Internal("load session", err)
	}
	return sess, nil
}

// SignIntent has the owner sign a zero-value memo transaction attesting the
// session. Its signature becomes the session's evidence.
func (s *Service) SignIntent(ctx context.Context, req IntentRequest) (*IntentResponse, error) {
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	owner, err := chain.ParseKey(req.Owner)
	if err != nil {
		return nil, err
	}
	if sess.OwnerWallet != owner.String() {
		return nil, apperrors.WalletMismatch(sess.OwnerWallet, owner.String())
	}
	if req.Signer == nil || !req.Signer.PublicKey().Equals(owner) {
		got := ""
		if req.Signer != nil {
			got = req.Signer.PublicKey().String()
		}
		return nil, apperrors.WalletMismatch(owner.String(), got)
	}

	payload := map[string]interface{}{
		"action":      audit.ActionRewardIntent,
		"sessionId":   sess.ID,
		"owner":       owner.String(),
		"unitsEarned": sess.UnitsEarned.String(),
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}
	handle, err := s.audit.Begin(ctx, audit.ActionRewardIntent, owner.String(), payload)
	if err != nil {
		return nil, err
	}

	res, err := s.deliver(ctx, func(ctx context.Context) (*chain.UnsignedTx, error) {
		return s.builder.Build(ctx, owner, chain.Memo(handle.Canonical, owner))
	}, delivery.Request{
		Signer: req.Signer,
		OnSigned: func(ctx context.Context, txID string, cp chain.Checkpoint) error {
			s.audit.Attach(ctx, handle.ID, txID, cp.LastValidBlockHeight)
			return nil
		},
	})
	s.complete(ctx, handle.ID, res, err)

	out := &IntentResponse{Result: res, AuditID: handle.ID, PayloadHash: handle.PayloadHash}
	if err != nil {
		return out, err
	}
	if err := s.store.SetEvidence(ctx, sess.ID, res.TxID); err != nil {
		s.log.Warn(ctx, "session evidence not stored", map[string]interface{}{"session_id": sess.ID, "error": err.Error()})
	}
	s.events.Publish(ctx, events.Event{
		Type:      events.EventRewardIntentSigned,
		Owner:     owner.String(),
		Reference: sess.ID,
		TxID:      res.TxID,
	})
	return out, nil
}

// Settle pays the session's reward once. Repeated and concurrent calls
// return the signature of the single transfer.
func (s *Service) Settle(ctx context.Context, req SettleRequest) (*SettleResponse, error) {
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	owner, err := chain.ParseKey(req.OwnerWallet)
	if err != nil {
		return nil, err
	}
	if sess.OwnerWallet != owner.String() {
		return nil, apperrors.WalletMismatch(sess.OwnerWallet, owner.String())
	}
	if !req.UnitsEarned.IsZero() && req.UnitsEarned != sess.UnitsEarned {
		return nil, apperrors.InvalidAmount("units earned %s do not match recorded %s", req.UnitsEarned, sess.UnitsEarned)
	}
	if sess.Settled() {
		return already(sess), nil
	}
	if req.EvidenceTxID != "" && sess.EvidenceTxID == "" {
		if err := s.store.SetEvidence(ctx, sess.ID, req.EvidenceTxID); err != nil {
			s.log.Warn(ctx, "session evidence not stored", map[string]interface{}{"session_id": sess.ID, "error": err.Error()})
		}
	}

	claimToken := uuid.NewString()
	sess, err = s.acquire(ctx, sess.ID, claimToken)
	if err != nil {
		return nil, err
	}
	if sess.Settled() {
		return already(sess), nil
	}

	if sess.PendingTxID != "" {
		resp, proceed, err := s.recoverPending(ctx, sess, claimToken)
		if !proceed {
			return resp, err
		}
	}

	return s.transfer(ctx, sess, owner, claimToken)
}

func already(sess *storage.Session) *SettleResponse {
	return &SettleResponse{Settled: true, TxID: sess.SettlementTxID, AlreadySettled: true}
}

// acquire takes the claim lease. When another caller holds it, acquire
// waits until that caller settles the session (returning the settled
// session) or gives the lease up.
func (s *Service) acquire(ctx context.Context, id, claimToken string) (*storage.Session, error) {
	deadline := s.now().Add(s.cfg.WaitTimeout)
	for {
		now := s.now()
		sess, err := s.store.AcquireClaim(ctx, id, claimToken, now, now.Add(s.cfg.LeaseTTL))
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, apperrors.Internal("acquire claim", err)
		}

		current, err := s.session(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Settled() {
			return current, nil
		}
		if now.After(deadline) {
			return nil, apperrors.ConfirmationUnknown(current.PendingTxID, errors.New("settlement in progress by another caller"))
		}

		select {
		case <-ctx.Done():
			return nil, apperrors.ConfirmationUnknown(current.PendingTxID, ctx.Err())
		case <-time.After(waitPollInterval):
		}
	}
}

// recoverPending resolves a transfer recorded by an earlier attempt. proceed
// is true when that transfer can no longer land and a new one may be built.
func (s *Service) recoverPending(ctx context.Context, sess *storage.Session, claimToken string) (*SettleResponse, bool, error) {
	st, expired, err := s.router.Status(ctx, sess.PendingTxID, sess.PendingValidUntil)
	if err != nil {
		return nil, false, apperrors.ConfirmationUnknown(sess.PendingTxID, err)
	}
	fields := map[string]interface{}{"session_id": sess.ID, "tx_id": sess.PendingTxID}

	switch {
	case st.Found && st.Err == nil && st.Confirmed:
		s.log.Info(ctx, "earlier reward transfer landed", fields)
		resp, err := s.finalize(ctx, sess, claimToken, sess.PendingTxID, nil)
		return resp, false, err
	case st.Found && st.Err != nil:
		s.log.Info(ctx, "earlier reward transfer failed on ledger, retrying", fields)
		return nil, true, nil
	case !st.Found && expired:
		s.log.Info(ctx, "earlier reward transfer expired, retrying", fields)
		return nil, true, nil
	default:
		// Still able to land: keep the lease and the recorded signature.
		return nil, false, apperrors.ConfirmationUnknown(sess.PendingTxID, nil)
	}
}

func (s *Service) transfer(ctx context.Context, sess *storage.Session, owner solana.PublicKey, claimToken string) (*SettleResponse, error) {
	if s.pool == nil {
		s.release(ctx, sess.ID, claimToken)
		return nil, apperrors.Internal("reward pool signer not configured", nil)
	}
	poolKey := s.pool.PublicKey()
	poolATA, err := s.resolver.TokenAccount(poolKey, s.cfg.Mint)
	if err != nil {
		s.release(ctx, sess.ID, claimToken)
		return nil, apperrors.Internal("derive pool token account", err)
	}
	ownerATA, err := s.resolver.TokenAccount(owner, s.cfg.Mint)
	if err != nil {
		s.release(ctx, sess.ID, claimToken)
		return nil, apperrors.Internal("derive claimant token account", err)
	}

	poolBalance, err := s.ledger.TokenBalance(ctx, poolATA.Address)
	if err != nil {
		s.release(ctx, sess.ID, claimToken)
		return nil, apperrors.Internal("read pool balance", err)
	}
	if poolBalance < sess.UnitsEarned {
		s.release(ctx, sess.ID, claimToken)
		s.log.Warn(ctx, "reward pool underfunded", map[string]interface{}{
			"pool_balance": poolBalance.String(),
			"requested":    sess.UnitsEarned.String(),
		})
		return nil, apperrors.PoolUnderfunded(poolBalance.Base(), sess.UnitsEarned.Base())
	}

	handle, err := s.audit.Begin(ctx, audit.ActionRewardClaim, owner.String(), map[string]interface{}{
		"action":       audit.ActionRewardClaim,
		"sessionId":    sess.ID,
		"claimant":     owner.String(),
		"stationId":    sess.StationID,
		"energyKwh":    sess.EnergyKWh,
		"co2eSavedKg":  sess.CO2eSavedKg,
		"units":        sess.UnitsEarned.String(),
		"evidenceTxId": sess.EvidenceTxID,
	})
	if err != nil {
		s.release(ctx, sess.ID, claimToken)
		return nil, err
	}

	build := func(ctx context.Context) (*chain.UnsignedTx, error) {
		return s.builder.Build(ctx, poolKey,
			chain.CreateAccountIfAbsent(owner, s.cfg.Mint, poolKey),
			chain.Transfer(poolATA.Address, ownerATA.Address, poolKey, sess.UnitsEarned),
			chain.Memo(handle.Canonical, poolKey),
		)
	}
	res, err := s.deliver(ctx, build, delivery.Request{
		Signer: s.pool,
		OnSigned: func(ctx context.Context, txID string, cp chain.Checkpoint) error {
			if err := s.store.RecordPending(ctx, sess.ID, claimToken, txID, cp.LastValidBlockHeight); err != nil {
				return err
			}
			s.audit.Attach(ctx, handle.ID, txID, cp.LastValidBlockHeight)
			return nil
		},
	})

	if err != nil {
		if apperrors.IsKind(err, apperrors.KindConfirmationUnknown) {
			// The audit entry stays pending; reconciliation completes it.
			return nil, err
		}
		s.release(ctx, sess.ID, claimToken)
		s.complete(ctx, handle.ID, res, err)
		metrics.RecordSettlement(audit.ActionRewardClaim, string(apperrors.KindOf(err)), 0)
		s.events.Publish(ctx, events.Event{
			Type:      events.EventSettlementFailed,
			Owner:     owner.String(),
			Reference: sess.ID,
			TxID:      txIDOf(res),
			ErrorKind: string(apperrors.KindOf(err)),
			Metadata:  map[string]string{"action": audit.ActionRewardClaim},
		})
		return nil, err
	}

	resp, err := s.finalize(ctx, sess, claimToken, res.TxID, res)
	s.complete(ctx, handle.ID, res, nil)
	return resp, err
}

// deliver builds and delivers a transaction. An expired delivery is rebuilt
// against a fresh checkpoint once; every other outcome is returned as is.
func (s *Service) deliver(ctx context.Context, build func(ctx context.Context) (*chain.UnsignedTx, error), req delivery.Request) (*delivery.Result, error) {
	var (
		res *delivery.Result
		err error
	)
	for attempt := 1; attempt <= delivery.MaxAttempts; attempt++ {
		if req.Tx, err = build(ctx); err != nil {
			return res, err
		}
		req.Attempt = attempt
		res, err = s.router.Deliver(ctx, req)
		if !apperrors.IsKind(err, apperrors.KindDeliveryExpired) {
			return res, err
		}
		s.log.Info(ctx, "reward delivery expired", map[string]interface{}{"tx_id": res.TxID, "attempt": attempt})
	}
	return res, err
}

// finalize records txID as the session's settlement.
func (s *Service) finalize(ctx context.Context, sess *storage.Session, claimToken, txID string, res *delivery.Result) (*SettleResponse, error) {
	err := s.store.MarkSettled(ctx, sess.ID, claimToken, txID, s.now())
	if errors.Is(err, storage.ErrConflict) {
		current, gerr := s.session(ctx, sess.ID)
		if gerr == nil && current.Settled() {
			return already(current), nil
		}
		return nil, apperrors.Internal("settlement lease lost", err).WithTxID(txID)
	}
	if err != nil {
		return nil, apperrors.Internal("mark settled", err).WithTxID(txID)
	}

	metrics.RecordSettlement(audit.ActionRewardClaim, "success", sess.UnitsEarned.Base())
	s.events.Publish(ctx, events.Event{
		Type:      events.EventRewardSettled,
		Owner:     sess.OwnerWallet,
		Reference: sess.ID,
		TxID:      txID,
		Units:     sess.UnitsEarned.Base(),
	})
	return &SettleResponse{Settled: true, TxID: txID, Delivery: res}, nil
}

func (s *Service) release(ctx context.Context, id, claimToken string) {
	if err := s.store.ReleaseClaim(ctx, id, claimToken); err != nil {
		s.log.Warn(ctx, "claim lease not released", map[string]interface{}{"session_id": id, "error": err.Error()})
	}
}

func (s *Service) complete(ctx context.Context, auditID string, res *delivery.Result, err error) {
	if cerr := s.audit.Complete(ctx, auditID, audit.Outcome{TxID: txIDOf(res), Err: err}); cerr != nil {
		s.log.Warn(ctx, "audit completion", map[string]interface{}{"audit_id": auditID, "error": cerr.Error()})
	}
}

func txIDOf(res *delivery.Result) string {
	if res == nil {
		return ""
	}
	return res.TxID
}

// FinalizePending settles a session whose recorded transfer has landed
// while no caller holds its lease. It reports whether the session was
// settled or its stale signature cleared.
func (s *Service) FinalizePending(ctx context.Context, id string) (bool, error) {
	claimToken := uuid.NewString()
	now := s.now()
	sess, err := s.store.AcquireClaim(ctx, id, claimToken, now, now.Add(s.cfg.LeaseTTL))
	if errors.Is(err, storage.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sess.PendingTxID == "" {
		s.release(ctx, id, claimToken)
		return false, nil
	}

	resp, proceed, err := s.recoverPending(ctx, sess, claimToken)
	switch {
	case proceed:
		s.release(ctx, id, claimToken)
		return true, nil
	case apperrors.IsKind(err, apperrors.KindConfirmationUnknown):
		return false, nil
	case err != nil:
		return false, err
	default:
		return resp != nil && resp.Settled, nil
	}
}

// Claimable summarises the owner's unsettled sessions.
func (s *Service) Claimable(ctx context.Context, owner string) (*ClaimableSummary, error) {
	ownerKey, err := chain.ParseKey(owner)
	if err != nil {
		return nil, err
	}
	sessions, err := s.store.ListUnsettled(ctx, ownerKey.String())
	if err != nil {
		return nil, apperrors.Internal("list sessions", err)
	}

	energy, co2 := decimal.Zero, decimal.Zero
	out := &ClaimableSummary{Owner: ownerKey.String(), ClaimableSessions: []string{}}
	for _, sess := range sessions {
		out.TotalSessions++
		out.ClaimableSessions = append(out.ClaimableSessions, sess.ID)
		if total, err := out.TotalUnits.Add(sess.UnitsEarned); err == nil {
			out.TotalUnits = total
		}
		if d, err := decimal.NewFromString(sess.EnergyKWh); err == nil {
			energy = energy.Add(d)
		}
		if d, err := decimal.NewFromString(sess.CO2eSavedKg); err == nil {
			co2 = co2.Add(d)
		}
	}
	out.TotalEnergyKWh = energy.String()
	out.TotalCO2eSavedKg = co2.String()
	return out, nil
}
