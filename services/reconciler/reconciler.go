// Package reconciler resolves settlements whose outcome was not observed by
// the request that started them: audit entries left pending and reward
// sessions holding the signature of a transfer that may have landed.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/metrics"
	"github.com/R3E-Network/settlement_layer/internal/storage"
	"github.com/R3E-Network/settlement_layer/services/audit"
)

const (
	DefaultSchedule     = "@every 30s"
	DefaultPendingGrace = 2 * time.Minute
	DefaultBatchSize    = 200
	graceMargin         = time.Minute

	kindAudit   = "audit"
	kindSession = "session"
)

// StatusReader looks up transaction signatures and the block height.
// *chain.Client satisfies it.
type StatusReader interface {
	SignatureStatus(ctx context.Context, sig solana.Signature) (chain.TxStatus, error)
	BlockHeight(ctx context.Context) (uint64, error)
}

// SessionFinalizer settles reward sessions whose transfer landed.
// *rewards.Service satisfies it.
type SessionFinalizer interface {
	FinalizePending(ctx context.Context, id string) (bool, error)
}

// RetirementResolver settles reservations of unresolved retirements.
// *retirement.Service satisfies it.
type RetirementResolver interface {
	ResolvePending(ctx context.Context, entry *storage.AuditEntry, landed bool) error
}

// Config configures the reconciler.
type Config struct {
	Schedule string
	// PendingGrace is how long an entry may stay pending before it is
	// resolved. It is raised to DeliveryBudget plus a margin when shorter,
	// so no entry is judged while its delivery, rebuild included, can
	// still be running.
	PendingGrace time.Duration
	// DeliveryBudget is the router's delivery.Config.Budget.
	DeliveryBudget time.Duration
	BatchSize      int
}

// Report summarises one pass.
type Report struct {
	AuditResolved     int
	AuditStillPending int
	SessionsFinalized int
	Errors            int
}

// Reconciler runs reconciliation passes on a cron schedule.
type Reconciler struct {
	cfg        Config
	audit      *audit.Logger
	ledger     StatusReader
	sessions   storage.SessionStore
	rewards    SessionFinalizer
	retirement RetirementResolver
	log        *logging.Logger
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a reconciler. rewards and retirement may be nil, in which
// case the matching records are left alone.
func New(cfg Config, auditor *audit.Logger, ledger StatusReader, sessions storage.SessionStore,
	rewards SessionFinalizer, retirement RetirementResolver, log *logging.Logger) *Reconciler {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = DefaultPendingGrace
	}
	if floor := cfg.DeliveryBudget + graceMargin; cfg.PendingGrace < floor {
		cfg.PendingGrace = floor
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &Reconciler{
		cfg:        cfg,
		audit:      auditor,
		ledger:     ledger,
		sessions:   sessions,
		rewards:    rewards,
		retirement: retirement,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules passes. Overlapping passes are skipped.
func (r *Reconciler) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("reconciler already started")
	}

	cronLog := cron.PrintfLogger(r.log)
	c := cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	if _, err := c.AddFunc(r.cfg.Schedule, r.tick); err != nil {
		return fmt.Errorf("reconciler schedule %q: %w", r.cfg.Schedule, err)
	}
	c.Start()
	r.cron = c
	r.log.Info(context.Background(), "reconciler started", map[string]interface{}{"schedule": r.cfg.Schedule})
	return nil
}

// Stop waits for a running pass to finish or ctx to end.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PendingGrace)
	defer cancel()
	ctx = logging.WithTraceID(ctx, logging.NewTraceID())

	rep, err := r.RunOnce(ctx)
	if err != nil {
		r.log.Error(ctx, "reconciliation pass failed", err, nil)
		return
	}
	if rep.AuditResolved+rep.SessionsFinalized+rep.Errors > 0 {
		r.log.Info(ctx, "reconciliation pass", map[string]interface{}{
			"audit_resolved":      rep.AuditResolved,
			"audit_still_pending": rep.AuditStillPending,
			"sessions_finalized":  rep.SessionsFinalized,
			"errors":              rep.Errors,
		})
	}
}

// RunOnce performs a single reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var rep Report

	entries, err := r.audit.Pending(ctx, r.now().Add(-r.cfg.PendingGrace), r.cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("list pending audit entries: %w", err)
	}
	for _, entry := range entries {
		resolved, err := r.resolveEntry(ctx, entry)
		switch {
		case err != nil:
			rep.Errors++
			metrics.RecordReconciled(kindAudit, "error")
			r.log.Warn(ctx, "audit entry not resolved", map[string]interface{}{"audit_id": entry.ID, "error": err.Error()})
		case resolved:
			rep.AuditResolved++
		default:
			rep.AuditStillPending++
		}
	}

	if r.rewards == nil || r.sessions == nil {
		return rep, nil
	}
	inFlight, err := r.sessions.ListInFlight(ctx)
	if err != nil {
		return rep, fmt.Errorf("list in-flight sessions: %w", err)
	}
	for _, sess := range inFlight {
		done, err := r.rewards.FinalizePending(ctx, sess.ID)
		switch {
		case err != nil:
			rep.Errors++
			metrics.RecordReconciled(kindSession, "error")
			r.log.Warn(ctx, "session not finalized", map[string]interface{}{"session_id": sess.ID, "error": err.Error()})
		case done:
			rep.SessionsFinalized++
			metrics.RecordReconciled(kindSession, "finalized")
		}
	}
	return rep, nil
}

// resolveEntry completes entry from the ledger's view of its transaction.
// It reports false when the transaction may still land.
func (r *Reconciler) resolveEntry(ctx context.Context, entry *storage.AuditEntry) (bool, error) {
	var outcome audit.Outcome
	landed := false

	if entry.LedgerTxID == "" {
		outcome.Err = apperrors.SigningAborted(errors.New("no transaction was signed"))
	} else {
		sig, err := solana.SignatureFromBase58(entry.LedgerTxID)
		if err != nil {
			return false, apperrors.InvalidKey(entry.LedgerTxID, err)
		}
		st, err := r.ledger.SignatureStatus(ctx, sig)
		if err != nil {
			return false, err
		}
		outcome.TxID = entry.LedgerTxID
		switch {
		case st.Found && st.Err != nil:
			outcome.Err = chain.ClassifyExecutionError(entry.LedgerTxID, st.Err)
		case st.Found && st.Confirmed:
			landed = true
		case st.Found:
			return false, nil
		default:
			expired, err := r.checkpointExpired(ctx, entry)
			if err != nil || !expired {
				return false, err
			}
			outcome.Err = apperrors.DeliveryExpired(entry.LedgerTxID)
		}
	}

	if r.retirement != nil && entry.ActionKind == audit.ActionRetire {
		if err := r.retirement.ResolvePending(ctx, entry, landed); err != nil {
			return false, err
		}
	}

	err := r.audit.Complete(ctx, entry.ID, outcome)
	if errors.Is(err, audit.ErrAlreadyCompleted) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	result := "success"
	if outcome.Err != nil {
		result = string(apperrors.KindOf(outcome.Err))
	}
	metrics.RecordReconciled(kindAudit, result)
	return true, nil
}

// checkpointExpired reports whether an unseen transaction can no longer
// land. Entries attached without a validity height rely on the grace
// period alone.
func (r *Reconciler) checkpointExpired(ctx context.Context, entry *storage.AuditEntry) (bool, error) {
	if entry.ValidUntil == 0 {
		return true, nil
	}
	height, err := r.ledger.BlockHeight(ctx)
	if err != nil {
		return false, err
	}
	if height <= entry.ValidUntil {
		return false, nil
	}
	// The last valid block may have included it.
	sig, err := solana.SignatureFromBase58(entry.LedgerTxID)
	if err != nil {
		return false, err
	}
	st, err := r.ledger.SignatureStatus(ctx, sig)
	if err != nil {
		return false, err
	}
	return !st.Found, nil
}
