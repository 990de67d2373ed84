// Package escrow sells tokens from the on-chain escrow vault. Buyers pay
// lamports to the treasury and receive tokens from the vault in a single
// escrow program instruction.
package escrow

import (
	"context"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/events"
	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/metrics"
	"github.com/R3E-Network/settlement_layer/internal/token"
	"github.com/R3E-Network/settlement_layer/services/audit"
	"github.com/R3E-Network/settlement_layer/services/delivery"
)

// Ledger is the ledger state the service reads.
type Ledger interface {
	EscrowState(ctx context.Context, address solana.PublicKey) (*chain.EscrowState, error)
	TokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (token.Amount, error)
	Lamports(ctx context.Context, account solana.PublicKey) (uint64, error)
}

// Deliverer signs, submits and confirms transactions. *delivery.Router
// satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (*delivery.Result, error)
}

// BalanceCache holds optimistic balances. *cache.BalanceCache satisfies it.
type BalanceCache interface {
	Get(ctx context.Context, owner string) (token.Amount, bool, error)
	Set(ctx context.Context, owner string, amount token.Amount) error
	Credit(ctx context.Context, owner string, units token.Amount) error
}

// Config configures the service.
type Config struct {
	Mint     solana.PublicKey
	Treasury solana.PublicKey
	// A quote older than QuoteStaleAfter is rejected when the price moved by
	// more than MaxPriceDriftBps since it was issued.
	QuoteStaleAfter  time.Duration
	MaxPriceDriftBps uint64
}

// Quote prices a purchase.
type Quote struct {
	Units        token.Amount `json:"units"`
	PricePerUnit uint64       `json:"pricePerUnit"`
	CostLamports uint64       `json:"costLamports"`
	Available    token.Amount `json:"available"`
	QuotedAt     time.Time    `json:"quotedAt"`
}

// BuyRequest is a purchase by Owner, who signs and pays for it.
type BuyRequest struct {
	Owner  string
	Units  token.Amount
	Quote  *Quote
	Signer delivery.Signer
}

// Receipt describes a settled purchase.
type Receipt struct {
	*delivery.Result
	Units        token.Amount `json:"units"`
	CostLamports uint64       `json:"costLamports"`
	AuditID      string       `json:"auditId,omitempty"`
	PayloadHash  string       `json:"payloadHash"`
}

// Service implements token purchases.
type Service struct {
	cfg      Config
	ledger   Ledger
	resolver *chain.Resolver
	builder  *chain.Builder
	router   Deliverer
	audit    *audit.Logger
	balances BalanceCache
	events   events.Publisher
	log      *logging.Logger
	now      func() time.Time
}

// New creates the service. balances and publisher may be nil.
func New(cfg Config, ledger Ledger, resolver *chain.Resolver, builder *chain.Builder, router Deliverer,
	auditor *audit.Logger, balances BalanceCache, publisher events.Publisher, log *logging.Logger) *Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &Service{
		cfg:      cfg,
		ledger:   ledger,
		resolver: resolver,
		builder:  builder,
		router:   router,
		audit:    auditor,
		balances: balances,
		events:   publisher,
		log:      log,
		now:      time.Now,
	}
}

// State returns the escrow account snapshot.
func (s *Service) State(ctx context.Context) (*chain.EscrowState, error) {
	addr, _, err := s.resolver.EscrowVault(s.cfg.Mint)
	if err != nil {
		return nil, apperrors.Internal("derive escrow address", err)
	}
	st, err := s.ledger.EscrowState(ctx, addr)
	if err != nil {
		return nil, apperrors.Internal("read escrow state", err)
	}
	return st, nil
}

// Available returns the tokens left in the escrow vault.
func (s *Service) Available(ctx context.Context) (token.Amount, error) {
	st, err := s.State(ctx)
	if err != nil {
		return 0, err
	}
	return s.vaultBalance(ctx, st)
}

func (s *Service) vaultBalance(ctx context.Context, st *chain.EscrowState) (token.Amount, error) {
	bal, err := s.ledger.TokenBalance(ctx, st.VaultTokenAccount)
	if err != nil {
		return 0, apperrors.Internal("read vault balance", err)
	}
	return bal, nil
}

// Quote prices units at the current escrow price:
// cost = units * pricePerUnit / 100, rounded down.
func (s *Service) Quote(ctx context.Context, units token.Amount) (*Quote, error) {
	if units.IsZero() {
		return nil, apperrors.InvalidAmount("units must be positive")
	}
	st, err := s.State(ctx)
	if err != nil {
		return nil, err
	}
	cost, err := units.Cost(st.PricePerUnit)
	if err != nil {
		return nil, err
	}
	available, err := s.vaultBalance(ctx, st)
	if err != nil {
		return nil, err
	}
	return &Quote{
		Units:        units,
		PricePerUnit: st.PricePerUnit,
		CostLamports: cost,
		Available:    available,
		QuotedAt:     s.now().UTC(),
	}, nil
}

// Buy purchases req.Units for req.Owner. Every pre-flight check runs before
// anything is signed.
func (s *Service) Buy(ctx context.Context, req BuyRequest) (*Receipt, error) {
	owner, err := chain.ParseKey(req.Owner)
	if err != nil {
		return nil, err
	}
	if req.Units.IsZero() {
		return nil, apperrors.InvalidAmount("units must be positive")
	}
	if req.Signer == nil {
		return nil, apperrors.Internal("purchase requires a signer", nil)
	}
	if !req.Signer.PublicKey().Equals(owner) {
		return nil, apperrors.WalletMismatch(owner.String(), req.Signer.PublicKey().String())
	}

	escrowAddr, _, err := s.resolver.EscrowVault(s.cfg.Mint)
	if err != nil {
		return nil, apperrors.Internal("derive escrow address", err)
	}
	st, err := s.ledger.EscrowState(ctx, escrowAddr)
	if err != nil {
		return nil, apperrors.Internal("read escrow state", err)
	}

	available, err := s.vaultBalance(ctx, st)
	if err != nil {
		return nil, err
	}
	if req.Units > available {
		return nil, apperrors.InsufficientFunds("escrow vault holds %s, requested %s", available, req.Units).
			WithDetails("available", available.String()).
			WithDetails("requested", req.Units.String())
	}

	cost, err := req.Units.Cost(st.PricePerUnit)
	if err != nil {
		return nil, err
	}
	if err := s.checkQuote(req.Quote, st.PricePerUnit); err != nil {
		return nil, err
	}
	lamports, err := s.ledger.Lamports(ctx, owner)
	if err != nil {
		return nil, apperrors.Internal("read buyer balance", err)
	}
	if lamports < cost {
		return nil, apperrors.InsufficientFunds("buyer holds %d lamports, purchase costs %d", lamports, cost).
			WithDetails("lamports", lamports).
			WithDetails("cost", cost)
	}

	buyerATA, err := s.resolver.TokenAccount(owner, s.cfg.Mint)
	if err != nil {
		return nil, apperrors.Internal("derive buyer token account", err)
	}
	buyIx, err := chain.NewBuyInstruction(s.resolver.EscrowProgram(), chain.BuyAccounts{
		Escrow:             escrowAddr,
		Buyer:              owner,
		Treasury:           s.cfg.Treasury,
		EscrowTokenAccount: st.VaultTokenAccount,
		BuyerTokenAccount:  buyerATA.Address,
	}, req.Units)
	if err != nil {
		return nil, apperrors.Internal("encode buy instruction", err)
	}

	handle, err := s.audit.Begin(ctx, audit.ActionPurchase, owner.String(), map[string]interface{}{
		"action":       audit.ActionPurchase,
		"buyer":        owner.String(),
		"mint":         s.cfg.Mint.String(),
		"units":        req.Units.String(),
		"pricePerUnit": st.PricePerUnit,
		"costLamports": cost,
		"nonce":        uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	// An expired delivery is rebuilt against a fresh checkpoint once.
	var res *delivery.Result
	for attempt := 1; attempt <= delivery.MaxAttempts; attempt++ {
		var utx *chain.UnsignedTx
		utx, err = s.builder.Build(ctx, owner,
			chain.CreateAccountIfAbsent(owner, s.cfg.Mint, solana.PublicKey{}),
			chain.Instruction(buyIx),
			chain.Memo(handle.Canonical, owner),
		)
		if err != nil {
			break
		}
		res, err = s.router.Deliver(ctx, delivery.Request{
			Tx:      utx,
			Signer:  req.Signer,
			Attempt: attempt,
			OnSigned: func(ctx context.Context, txID string, cp chain.Checkpoint) error {
				s.audit.Attach(ctx, handle.ID, txID, cp.LastValidBlockHeight)
				return nil
			},
		})
		if !apperrors.IsKind(err, apperrors.KindDeliveryExpired) {
			break
		}
		s.log.Info(ctx, "purchase delivery expired", map[string]interface{}{"tx_id": res.TxID, "attempt": attempt})
	}

	receipt := &Receipt{
		Result:       res,
		Units:        req.Units,
		CostLamports: cost,
		AuditID:      handle.ID,
		PayloadHash:  handle.PayloadHash,
	}
	txID := ""
	if res != nil {
		txID = res.TxID
	}
	if apperrors.IsKind(err, apperrors.KindConfirmationUnknown) {
		// The purchase may still land: the audit entry stays pending for
		// reconciliation.
		return receipt, err
	}
	if cerr := s.audit.Complete(ctx, handle.ID, audit.Outcome{TxID: txID, Err: err}); cerr != nil {
		s.log.Warn(ctx, "purchase audit completion", map[string]interface{}{"audit_id": handle.ID, "error": cerr.Error()})
	}

	if err != nil {
		metrics.RecordSettlement(audit.ActionPurchase, string(apperrors.KindOf(err)), 0)
		s.events.Publish(ctx, events.Event{
			Type:      events.EventSettlementFailed,
			Owner:     owner.String(),
			TxID:      txID,
			ErrorKind: string(apperrors.KindOf(err)),
			Metadata:  map[string]string{"action": audit.ActionPurchase},
		})
		return receipt, err
	}

	metrics.RecordSettlement(audit.ActionPurchase, "success", req.Units.Base())
	if s.balances != nil {
		if err := s.balances.Credit(ctx, owner.String(), req.Units); err != nil {
			s.log.Warn(ctx, "balance cache credit failed", map[string]interface{}{"owner": owner.String(), "error": err.Error()})
		}
	}
	s.events.Publish(ctx, events.Event{
		Type:  events.EventPurchaseSettled,
		Owner: owner.String(),
		TxID:  txID,
		Units: req.Units.Base(),
		Metadata: map[string]string{
			"costLamports": strconv.FormatUint(cost, 10),
		},
	})
	return receipt, nil
}

// checkQuote rejects a quote that is both old and off the current price.
func (s *Service) checkQuote(q *Quote, current uint64) error {
	if q == nil || s.cfg.QuoteStaleAfter <= 0 {
		return nil
	}
	if s.now().Sub(q.QuotedAt) <= s.cfg.QuoteStaleAfter {
		return nil
	}
	if q.PricePerUnit == current {
		return nil
	}
	diff := current - q.PricePerUnit
	if q.PricePerUnit > current {
		diff = q.PricePerUnit - current
	}
	if q.PricePerUnit == 0 || diff*10_000/q.PricePerUnit > s.cfg.MaxPriceDriftBps {
		return apperrors.PriceStale(q.PricePerUnit, current)
	}
	return nil
}

// Balance reads owner's token balance from the ledger and refreshes the
// cache with it.
func (s *Service) Balance(ctx context.Context, owner string) (token.Amount, error) {
	ownerKey, err := chain.ParseKey(owner)
	if err != nil {
		return 0, err
	}
	ref, err := s.resolver.TokenAccount(ownerKey, s.cfg.Mint)
	if err != nil {
		return 0, apperrors.Internal("derive token account", err)
	}
	bal, err := s.ledger.TokenBalance(ctx, ref.Address)
	if err != nil {
		return 0, apperrors.Internal("read token balance", err)
	}
	if s.balances != nil {
		if err := s.balances.Set(ctx, ownerKey.String(), bal); err != nil {
			s.log.Warn(ctx, "balance cache refresh failed", map[string]interface{}{"owner": owner, "error": err.Error()})
		}
	}
	return bal, nil
}

// CachedBalance returns the optimistic cached balance, falling back to the
// ledger when nothing is cached.
func (s *Service) CachedBalance(ctx context.Context, owner string) (token.Amount, error) {
	if s.balances != nil {
		if bal, ok, err := s.balances.Get(ctx, owner); err == nil && ok {
			return bal, nil
		}
	}
	return s.Balance(ctx, owner)
}
