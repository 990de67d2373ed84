// Package delivery signs, submits and confirms settlement transactions. A
// Router reports exactly one terminal outcome per delivery: Confirmed,
// Expired or Rejected, or ConfirmationUnknown when the caller stops waiting
// after submission.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/metrics"
)

// State is a delivery lifecycle state.
type State string

const (
	StateBuilt     State = "built"
	StateSigning   State = "signing"
	StateSubmitted State = "submitted"
	StateConfirmed State = "confirmed"
	StateExpired   State = "expired"
	StateRejected  State = "rejected"
	// StateUnknown means the caller stopped waiting after submission.
	StateUnknown State = "unknown"
	// StateAborted means signing did not complete and nothing was sent.
	StateAborted State = "aborted"
)

// Phase names in Result.ElapsedMsByPhase.
const (
	PhaseBuild   = "build"
	PhaseSign    = "sign"
	PhaseSubmit  = "submit"
	PhaseConfirm = "confirm"
)

// Ledger is the ledger access the router needs for submission and
// confirmation.
type Ledger interface {
	Sender
	SignatureStatus(ctx context.Context, sig solana.Signature) (chain.TxStatus, error)
	BlockHeight(ctx context.Context) (uint64, error)
}

// SignedHook runs after signing and before submission. Returning an error
// aborts the delivery with nothing sent.
type SignedHook func(ctx context.Context, txID string, cp chain.Checkpoint) error

// Request is one delivery attempt.
type Request struct {
	Tx       *chain.UnsignedTx
	Signer   Signer
	OnSigned SignedHook
	// Attempt is 1 for the first delivery of a logical operation.
	Attempt int
}

// Result describes a delivery. It is returned alongside errors too, so
// callers can see the signature of a transaction that may still land.
type Result struct {
	Success            bool             `json:"success"`
	TxID               string           `json:"txId,omitempty"`
	State              State            `json:"state"`
	DeliveryMethodUsed string           `json:"deliveryMethodUsed"`
	Route              string           `json:"route,omitempty"`
	Slot               uint64           `json:"slot,omitempty"`
	Attempt            int              `json:"attempt"`
	ElapsedMsByPhase   map[string]int64 `json:"elapsedMsByPhase"`
}

// Router delivers transactions over one or two routes.
type Router struct {
	cfg    Config
	ledger Ledger
	rpc    *Route
	bundle *Route
	logger *logging.Logger
}

// NewRouter creates a router. bundle may be nil, in which case multi-path
// delivery falls back to single-path.
func NewRouter(cfg Config, ledger Ledger, bundle Sender, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	r := &Router{
		cfg:    cfg.withDefaults(),
		ledger: ledger,
		rpc:    NewRoute(RouteRPC, ledger, logger),
		logger: logger,
	}
	if bundle != nil {
		r.bundle = NewRoute(RouteBundle, bundle, logger)
	}
	return r
}

// Config returns the router configuration.
func (r *Router) Config() Config { return r.cfg }

// MultiPath reports whether deliveries fan out to both routes.
func (r *Router) MultiPath() bool {
	return r.cfg.Mode == MethodMultiPath && r.cfg.MultiPathSupported && r.bundle != nil && !r.cfg.TipAccount.IsZero()
}

// Deliver signs, submits and confirms req.Tx.
func (r *Router) Deliver(ctx context.Context, req Request) (*Result, error) {
	if req.Attempt == 0 {
		req.Attempt = 1
	}
	method := MethodSinglePath
	if r.MultiPath() {
		method = MethodMultiPath
	}
	res := &Result{
		State:              StateBuilt,
		DeliveryMethodUsed: method,
		Attempt:            req.Attempt,
		ElapsedMsByPhase:   map[string]int64{},
	}
	if req.Tx == nil || req.Signer == nil {
		return res, apperrors.Internal("delivery requires a transaction and a signer", nil)
	}
	res.ElapsedMsByPhase[PhaseBuild] = req.Tx.BuildDuration.Milliseconds()

	if err := checkSigner(req.Tx, req.Signer.PublicKey()); err != nil {
		return r.finish(ctx, res, StateAborted, err)
	}

	utx := req.Tx
	if method == MethodMultiPath {
		var err error
		utx, err = utx.WithPrefix(r.priorityInstructions(utx.FeePayer)...)
		if err != nil {
			return r.finish(ctx, res, StateAborted, apperrors.Internal("attach priority instructions", err))
		}
	}

	// Signing.
	res.State = StateSigning
	start := time.Now()
	err := r.sign(ctx, req.Signer, utx.Tx)
	res.ElapsedMsByPhase[PhaseSign] = time.Since(start).Milliseconds()
	if err != nil {
		return r.finish(ctx, res, StateAborted, apperrors.SigningAborted(err))
	}
	sig := utx.Tx.Signatures[0]
	res.TxID = sig.String()

	if req.OnSigned != nil {
		if err := req.OnSigned(ctx, res.TxID, utx.Checkpoint); err != nil {
			return r.finish(ctx, res, StateAborted, apperrors.Internal("record signed transaction", err))
		}
	}

	// Submission.
	start = time.Now()
	route, err := r.submit(ctx, method, utx.Tx)
	res.ElapsedMsByPhase[PhaseSubmit] = time.Since(start).Milliseconds()
	res.Route = route
	if err != nil {
		if se, ledger := chain.ClassifySendError(res.TxID, err); ledger {
			if se.Kind == apperrors.KindDeliveryExpired {
				return r.finish(ctx, res, StateExpired, se)
			}
			return r.finish(ctx, res, StateRejected, se)
		}
		if errors.Is(err, ErrRouteUnavailable) {
			return r.finish(ctx, res, StateAborted, apperrors.Internal("no delivery route accepted the transaction", err))
		}
		// A transport failure may still have delivered the transaction, so
		// confirmation decides the outcome.
		r.logger.Warn(ctx, "submission failed, polling for confirmation", map[string]interface{}{
			"tx_id": res.TxID,
			"error": err.Error(),
		})
	}
	res.State = StateSubmitted

	// Confirmation.
	start = time.Now()
	slot, state, err := r.confirm(ctx, sig, utx.Checkpoint)
	res.ElapsedMsByPhase[PhaseConfirm] = time.Since(start).Milliseconds()
	res.Slot = slot
	if err != nil {
		return r.finish(ctx, res, state, err)
	}
	res.Success = true
	return r.finish(ctx, res, StateConfirmed, nil)
}

// Status reports the ledger's view of a previously submitted transaction.
// Expired is true once the checkpoint it referenced can no longer be used.
func (r *Router) Status(ctx context.Context, txID string, lastValidBlockHeight uint64) (st chain.TxStatus, expired bool, err error) {
	sig, err := solana.SignatureFromBase58(txID)
	if err != nil {
		return chain.TxStatus{}, false, apperrors.InvalidKey(txID, err)
	}
	st, err = r.ledger.SignatureStatus(ctx, sig)
	if err != nil || st.Found {
		return st, false, err
	}
	height, err := r.ledger.BlockHeight(ctx)
	if err != nil {
		return st, false, err
	}
	return st, height > lastValidBlockHeight, nil
}

func checkSigner(utx *chain.UnsignedTx, signer solana.PublicKey) error {
	if !utx.FeePayer.Equals(signer) {
		return apperrors.WalletMismatch(utx.FeePayer.String(), signer.String())
	}
	for _, required := range utx.RequiredSigners() {
		if !required.Equals(signer) {
			return apperrors.WalletMismatch(required.String(), signer.String())
		}
	}
	return nil
}

func (r *Router) priorityInstructions(payer solana.PublicKey) []solana.Instruction {
	var ixs []solana.Instruction
	if r.cfg.PriorityFeeMicroLamports > 0 {
		ixs = append(ixs, computebudget.NewSetComputeUnitPriceInstruction(r.cfg.PriorityFeeMicroLamports).Build())
	}
	if r.cfg.TipLamports > 0 {
		ixs = append(ixs, system.NewTransferInstruction(r.cfg.TipLamports, payer, r.cfg.TipAccount).Build())
	}
	return ixs
}

// sign runs the signer under SignTimeout. A signer that ignores its context
// is abandoned once the deadline passes.
func (r *Router) sign(ctx context.Context, signer Signer, tx *solana.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SignTimeout)
	defer cancel()

	// The signer works on a copy: one that outlives the timeout must not
	// write to a transaction the caller already abandoned.
	signed := *tx
	signed.Signatures = append([]solana.Signature(nil), tx.Signatures...)
	done := make(chan error, 1)
	go func() { done <- signer.Sign(ctx, &signed) }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	tx.Signatures = signed.Signatures
	if len(tx.Signatures) == 0 || tx.Signatures[0] == (solana.Signature{}) {
		return fmt.Errorf("signer produced no signature")
	}
	return nil
}

type submission struct {
	route string
	err   error
}

// submit sends tx on every active route and returns the first route that
// accepted it. All routes carry the same signed transaction, so duplicate
// acceptance lands it at most once.
func (r *Router) submit(ctx context.Context, method string, tx *solana.Transaction) (string, error) {
	routes := []*Route{r.rpc}
	if method == MethodMultiPath {
		routes = append(routes, r.bundle)
	}

	results := make(chan submission, len(routes))
	for _, rt := range routes {
		go func(rt *Route) {
			_, err := rt.Send(ctx, tx)
			results <- submission{route: rt.Name(), err: err}
		}(rt)
	}

	var (
		ledgerErr    error
		transportErr error
		lastRoute    string
	)
	for range routes {
		s := <-results
		if s.err == nil {
			return s.route, nil
		}
		lastRoute = s.route
		switch _, ledger := chain.ClassifySendError("", s.err); {
		case ledger:
			if ledgerErr == nil {
				ledgerErr = s.err
			}
		case !errors.Is(s.err, ErrRouteUnavailable):
			// Only an open breaker proves nothing was sent on a route.
			transportErr = s.err
		}
	}
	switch {
	case ledgerErr != nil:
		return lastRoute, ledgerErr
	case transportErr != nil:
		return lastRoute, transportErr
	}
	return lastRoute, fmt.Errorf("%w: every route refused the submission", ErrRouteUnavailable)
}

// confirm polls until the signature is confirmed, fails, or its checkpoint
// expires. ConfirmTimeout and ctx bound the wait.
func (r *Router) confirm(ctx context.Context, sig solana.Signature, cp chain.Checkpoint) (uint64, State, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ConfirmTimeout)
	defer cancel()

	txID := sig.String()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		st, err := r.ledger.SignatureStatus(ctx, sig)
		switch {
		case err != nil:
			r.logger.Debug(ctx, "confirmation poll failed", map[string]interface{}{"tx_id": txID, "error": err.Error()})
		case st.Found && st.Err != nil:
			se := chain.ClassifyExecutionError(txID, st.Err)
			if se.Kind == apperrors.KindDeliveryExpired {
				return st.Slot, StateExpired, se
			}
			return st.Slot, StateRejected, se
		case st.Found && st.Confirmed:
			return st.Slot, StateConfirmed, nil
		case !st.Found:
			height, herr := r.ledger.BlockHeight(ctx)
			if herr == nil && height > cp.LastValidBlockHeight {
				// The last valid block may have included it.
				final, ferr := r.ledger.SignatureStatus(ctx, sig)
				if ferr == nil && final.Found {
					continue
				}
				return 0, StateExpired, apperrors.DeliveryExpired(txID)
			}
		}

		select {
		case <-ctx.Done():
			return 0, StateUnknown, apperrors.ConfirmationUnknown(txID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Router) finish(ctx context.Context, res *Result, state State, err error) (*Result, error) {
	res.State = state
	route := res.Route
	if route == "" {
		route = "none"
	}
	metrics.RecordDelivery(res.DeliveryMethodUsed, route, string(state), res.ElapsedMsByPhase)

	fields := map[string]interface{}{
		"tx_id":   res.TxID,
		"state":   state,
		"method":  res.DeliveryMethodUsed,
		"route":   res.Route,
		"attempt": res.Attempt,
	}
	if err != nil {
		fields["error_kind"] = apperrors.KindOf(err)
		r.logger.Debug(ctx, "delivery ended without confirmation", fields)
		return res, err
	}
	r.logger.Debug(ctx, "delivery confirmed", fields)
	return res, nil
}
