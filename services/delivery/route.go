package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sony/gobreaker"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/metrics"
)

// ErrRouteUnavailable is returned when a route's breaker rejects a
// submission without sending it.
var ErrRouteUnavailable = errors.New("delivery route unavailable")

// Sender submits a signed transaction. *chain.Client implements it for both
// the RPC endpoint and the bundle endpoint.
type Sender interface {
	Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// Route is a submission path guarded by a circuit breaker. Ledger
// rejections do not count against the breaker; only transport failures do.
type Route struct {
	name    string
	sender  Sender
	breaker *gobreaker.CircuitBreaker
}

// NewRoute wraps sender. The breaker opens after five consecutive transport
// failures and probes again after thirty seconds.
func NewRoute(name string, sender Sender, logger *logging.Logger) *Route {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	settings := gobreaker.Settings{
		Name:        "route-" + name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			_, ledger := chain.ClassifySendError("", err)
			return ledger
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			metrics.SetRouteState(name, int(to))
			logger.WithFields(map[string]interface{}{
				"route": name,
				"from":  from.String(),
				"to":    to.String(),
			}).Warn("delivery route breaker changed state")
		},
	}
	metrics.SetRouteState(name, int(gobreaker.StateClosed))
	return &Route{name: name, sender: sender, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Name returns the route name.
func (r *Route) Name() string { return r.name }

// State returns the breaker state.
func (r *Route) State() gobreaker.State { return r.breaker.State() }

// Send submits tx through the route.
func (r *Route) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.sender.Send(ctx, tx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return solana.Signature{}, fmt.Errorf("%w: %s: %v", ErrRouteUnavailable, r.name, err)
	}
	if err != nil {
		return solana.Signature{}, err
	}
	return out.(solana.Signature), nil
}
