// Package retirement burns tokens against emission certificates.
//
// Units are reserved on the certificate before the burn is built, so the
// sum of retired and in-flight units can never exceed the certificate's
// emissions no matter how many retirements run at once.
package retirement

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

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

// Ledger reads holder balances.
type Ledger interface {
	TokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (token.Amount, error)
}

// Deliverer signs, submits and confirms transactions. *delivery.Router
// satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (*delivery.Result, error)
}

// BalanceCache is the optimistic balance cache.
type BalanceCache interface {
	Debit(ctx context.Context, owner string, units token.Amount) error
}

// CertificateInput registers a certificate.
type CertificateInput struct {
	ID             string       `json:"certificateId"`
	OwnerWallet    string       `json:"ownerWallet"`
	TotalEmissions token.Amount `json:"totalEmissions"`
}

// RetireRequest burns Units against CertificateID.
type RetireRequest struct {
	Owner         string
	CertificateID string
	Units         token.Amount
	Signer        delivery.Signer
}

// OffsetStatus describes a certificate's retirement progress.
type OffsetStatus struct {
	CertificateID  string               `json:"certificateId"`
	Status         storage.OffsetStatus `json:"status"`
	Percentage     decimal.Decimal      `json:"percentage"`
	Remaining      token.Amount         `json:"remaining"`
	TotalEmissions token.Amount         `json:"totalEmissions"`
	UnitsRetired   token.Amount         `json:"unitsRetired"`
	UnitsReserved  token.Amount         `json:"unitsReserved"`
}

// Receipt describes a completed retirement.
type Receipt struct {
	*delivery.Result
	Offset      OffsetStatus `json:"offset"`
	AuditID     string       `json:"auditId,omitempty"`
	PayloadHash string       `json:"payloadHash"`
}

// Service implements certificate retirement.
type Service struct {
	mint     solana.PublicKey
	store    storage.CertificateStore
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
func New(mint solana.PublicKey, store storage.CertificateStore, ledger Ledger, resolver *chain.Resolver, builder *chain.Builder,
	router Deliverer, auditor *audit.Logger, balances BalanceCache, publisher events.Publisher, log *logging.Logger) *Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &Service{
		mint:     mint,
		store:    store,
		ledger:   ledger,
		resolver: resolver,
		builder:  builder,
		router:   router,
		audit:    auditor,
		balances: balances,
		events:   publisher,
		log:      log,
		// Postgres keeps microseconds.
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Register records a certificate's emissions.
func (s *Service) Register(ctx context.Context, in CertificateInput) (*storage.Certificate, error) {
	if in.ID == "" {
		return nil, apperrors.InvalidRequest("certificate id is required")
	}
	owner, err := chain.ParseKey(in.OwnerWallet)
	if err != nil {
		return nil, err
	}
	if in.TotalEmissions.IsZero() {
		return nil, apperrors.InvalidAmount("total emissions must be positive")
	}
	cert := &storage.Certificate{ID: in.ID, OwnerWallet: owner.String(), TotalEmissions: in.TotalEmissions}
	if err := s.store.CreateCertificate(ctx, cert); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, apperrors.Conflict("certificate %s already registered", in.ID)
		}
		return nil, apperrors.Internal("register certificate", err)
	}
	return cert, nil
}

func (s *Service) certificate(ctx context.Context, id string) (*storage.Certificate, error) {
	cert, err := s.store.GetCertificate(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.CertificateNotFound(id)
	}
	if err != nil {
		return nil, apperrors.Internal("load certificate", err)
	}
	return cert, nil
}

// Retire burns req.Units from the owner's token account against the
// certificate.
func (s *Service) Retire(ctx context.Context, req RetireRequest) (*Receipt, error) {
	owner, err := chain.ParseKey(req.Owner)
	if err != nil {
		return nil, err
	}
	if req.Units.IsZero() {
		return nil, apperrors.InvalidAmount("units must be positive")
	}
	if req.Signer == nil || !req.Signer.PublicKey().Equals(owner) {
		got := ""
		if req.Signer != nil {
			got = req.Signer.PublicKey().String()
		}
		return nil, apperrors.WalletMismatch(owner.String(), got)
	}

	cert, err := s.certificate(ctx, req.CertificateID)
	if err != nil {
		return nil, err
	}
	if cert.OwnerWallet != owner.String() {
		return nil, apperrors.WalletMismatch(cert.OwnerWallet, owner.String())
	}
	if req.Units > cert.Outstanding() {
		return nil, apperrors.ExceedsOutstanding(req.Units.Base(), cert.Outstanding().Base())
	}

	ata, err := s.resolver.TokenAccount(owner, s.mint)
	if err != nil {
		return nil, apperrors.Internal("derive token account", err)
	}
	balance, err := s.ledger.TokenBalance(ctx, ata.Address)
	if err != nil {
		return nil, apperrors.Internal("read token balance", err)
	}
	if balance < req.Units {
		return nil, apperrors.InsufficientBalance(balance.Base(), req.Units.Base())
	}

	reserved, err := s.store.ReserveUnits(ctx, cert.ID, req.Units)
	if errors.Is(err, storage.ErrCapacityExceeded) {
		current, gerr := s.certificate(ctx, cert.ID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, apperrors.ExceedsOutstanding(req.Units.Base(), current.Outstanding().Base())
	}
	if err != nil {
		return nil, apperrors.Internal("reserve units", err)
	}
	outstandingBefore := reserved.Outstanding() + req.Units

	handle, err := s.audit.Begin(ctx, audit.ActionRetire, owner.String(), map[string]interface{}{
		"action":         audit.ActionRetire,
		"certificateId":  cert.ID,
		"owner":          owner.String(),
		"units":          req.Units.String(),
		"totalEmissions": cert.TotalEmissions.String(),
		"nonce":          uuid.NewString(),
	})
	if err != nil {
		s.release(ctx, cert.ID, req.Units)
		return nil, err
	}

	res, err := s.burn(ctx, owner, ata.Address, req, handle)
	receipt := &Receipt{Result: res, AuditID: handle.ID, PayloadHash: handle.PayloadHash}

	if err != nil {
		if apperrors.IsKind(err, apperrors.KindConfirmationUnknown) {
			// The burn may still land: the reservation stays until the
			// pending audit entry is resolved.
			return receipt, err
		}
		s.release(ctx, cert.ID, req.Units)
		s.complete(ctx, handle.ID, res, err)
		metrics.RecordSettlement(audit.ActionRetire, string(apperrors.KindOf(err)), 0)
		s.events.Publish(ctx, events.Event{
			Type:      events.EventSettlementFailed,
			Owner:     owner.String(),
			Reference: cert.ID,
			TxID:      txIDOf(res),
			ErrorKind: string(apperrors.KindOf(err)),
			Metadata:  map[string]string{"action": audit.ActionRetire},
		})
		return receipt, err
	}

	committed, err := s.commit(ctx, cert.ID, owner.String(), req.Units, outstandingBefore, res.TxID)
	s.complete(ctx, handle.ID, res, nil)
	if err != nil {
		return receipt, err
	}
	if s.balances != nil {
		if err := s.balances.Debit(ctx, owner.String(), req.Units); err != nil {
			s.log.Warn(ctx, "balance cache not debited", map[string]interface{}{"owner": owner.String(), "error": err.Error()})
		}
	}
	receipt.Offset = offsetOf(committed)
	return receipt, nil
}

// burn delivers the burn, rebuilding it against a fresh checkpoint once if
// the first delivery expires. Each signed attempt is attached to the audit
// entry so reconciliation judges the latest one.
func (s *Service) burn(ctx context.Context, owner, source solana.PublicKey, req RetireRequest, handle audit.Handle) (*delivery.Result, error) {
	var (
		res *delivery.Result
		err error
	)
	for attempt := 1; attempt <= delivery.MaxAttempts; attempt++ {
		var utx *chain.UnsignedTx
		utx, err = s.builder.Build(ctx, owner,
			chain.Burn(source, s.mint, owner, req.Units),
			chain.Memo(handle.Canonical, owner),
		)
		if err != nil {
			return res, err
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
			return res, err
		}
		s.log.Info(ctx, "burn delivery expired", map[string]interface{}{
			"certificate_id": req.CertificateID,
			"tx_id":          res.TxID,
			"attempt":        attempt,
		})
	}
	return res, err
}

// commit converts a confirmed burn's reservation into retired units.
func (s *Service) commit(ctx context.Context, certID, owner string, units, outstandingBefore token.Amount, txID string) (*storage.Certificate, error) {
	at := s.now()
	cert, err := s.store.CommitRetirement(ctx, &storage.RetirementRecord{
		CertificateID:     certID,
		OwnerWallet:       owner,
		UnitsRetired:      units,
		OutstandingBefore: outstandingBefore,
		BurnTxID:          txID,
	}, at)
	if err != nil {
		// The burn is final on the ledger; the reservation stays so the
		// units cannot be retired twice.
		s.log.Error(ctx, "burn confirmed but retirement not recorded", err, map[string]interface{}{
			"certificate_id": certID,
			"tx_id":          txID,
		})
		return nil, apperrors.Internal("record retirement", err).WithTxID(txID)
	}

	metrics.RecordSettlement(audit.ActionRetire, "success", units.Base())
	s.events.Publish(ctx, events.Event{
		Type:      events.EventRetirementSettled,
		Owner:     owner,
		Reference: certID,
		TxID:      txID,
		Units:     units.Base(),
	})
	// Only the commit that completed the offset stamped FullyOffsetAt.
	if cert.FullyOffsetAt != nil && cert.FullyOffsetAt.Equal(at) {
		s.events.Publish(ctx, events.Event{
			Type:      events.EventCertificateFullyOffset,
			Owner:     owner,
			Reference: certID,
			TxID:      txID,
			Units:     cert.UnitsRetired.Base(),
		})
	}
	return cert, nil
}

// ResolvePending settles the reservation of a retirement whose confirmation
// was not observed, once its audit entry's outcome is known. landed reports
// whether the burn confirmed on the ledger.
func (s *Service) ResolvePending(ctx context.Context, entry *storage.AuditEntry, landed bool) error {
	if entry.ActionKind != audit.ActionRetire {
		return nil
	}
	payload := gjson.ParseBytes(entry.Payload)
	certID := payload.Get("certificateId").String()
	units, err := token.Parse(payload.Get("units").String())
	if certID == "" || err != nil {
		return apperrors.Internal("retirement audit payload unreadable", err)
	}
	if !landed {
		return s.store.ReleaseUnits(ctx, certID, units)
	}
	cert, err := s.certificate(ctx, certID)
	if err != nil {
		return err
	}
	_, err = s.commit(ctx, certID, entry.OwnerWallet, units, cert.Outstanding()+units, entry.LedgerTxID)
	return err
}

func (s *Service) release(ctx context.Context, certID string, units token.Amount) {
	if err := s.store.ReleaseUnits(ctx, certID, units); err != nil {
		s.log.Error(ctx, "reservation not released", err, map[string]interface{}{"certificate_id": certID})
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

// Status reports the certificate's offset progress.
func (s *Service) Status(ctx context.Context, certificateID string) (*OffsetStatus, error) {
	cert, err := s.certificate(ctx, certificateID)
	if err != nil {
		return nil, err
	}
	st := offsetOf(cert)
	return &st, nil
}

// History lists the confirmed retirements of a certificate.
func (s *Service) History(ctx context.Context, certificateID string) ([]*storage.RetirementRecord, error) {
	if _, err := s.certificate(ctx, certificateID); err != nil {
		return nil, err
	}
	recs, err := s.store.ListRetirements(ctx, certificateID)
	if err != nil {
		return nil, apperrors.Internal("list retirements", err)
	}
	return recs, nil
}

func offsetOf(c *storage.Certificate) OffsetStatus {
	if c == nil {
		return OffsetStatus{}
	}
	remaining, _ := c.TotalEmissions.Sub(c.UnitsRetired)
	return OffsetStatus{
		CertificateID:  c.ID,
		Status:         storage.ClassifyOffset(c.UnitsRetired, c.TotalEmissions),
		Percentage:     token.Percentage(c.UnitsRetired, c.TotalEmissions),
		Remaining:      remaining,
		TotalEmissions: c.TotalEmissions,
		UnitsRetired:   c.UnitsRetired,
		UnitsReserved:  c.UnitsReserved,
	}
}
