package delivery

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	"github.com/R3E-Network/settlement_layer/internal/config"
)

// Delivery methods reported in Result.DeliveryMethodUsed.
const (
	MethodSinglePath = config.DeliverySinglePath
	MethodMultiPath  = config.DeliveryMultiPath
)

// Route names.
const (
	RouteRPC    = "rpc"
	RouteBundle = "bundle"
)

// MaxAttempts is the first delivery of an operation plus the single
// rebuild its caller may make after DeliveryExpired.
const MaxAttempts = 2

// Config tunes a Router. It is fixed at construction.
type Config struct {
	Mode string
	// MultiPathSupported is false on networks without a bundle route.
	MultiPathSupported bool

	SignTimeout    time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration

	PriorityFeeMicroLamports uint64
	TipLamports              uint64
	TipAccount               solana.PublicKey
}

// DefaultConfig returns single-path delivery with conservative timeouts.
func DefaultConfig() Config {
	return Config{
		Mode:           MethodSinglePath,
		SignTimeout:    60 * time.Second,
		ConfirmTimeout: 90 * time.Second,
		PollInterval:   2 * time.Second,
	}
}

// ConfigFrom converts daemon configuration.
func ConfigFrom(c config.DeliveryConfig, multiPathSupported bool) (Config, error) {
	cfg := Config{
		Mode:                     c.Mode,
		MultiPathSupported:       multiPathSupported,
		SignTimeout:              c.SignTimeout,
		ConfirmTimeout:           c.ConfirmTimeout,
		PollInterval:             c.PollInterval,
		PriorityFeeMicroLamports: c.PriorityFeeMicroLamports,
		TipLamports:              c.TipLamports,
	}
	if c.TipAccount != "" {
		pk, err := chain.ParseKey(c.TipAccount)
		if err != nil {
			return Config{}, fmt.Errorf("delivery tip account: %w", err)
		}
		cfg.TipAccount = pk
	}
	return cfg.withDefaults(), nil
}

// Budget is the longest an operation's deliveries can take: MaxAttempts
// rounds of signing and confirmation. Leases and reconciliation grace
// periods covering a delivery must outlast it.
func (c Config) Budget() time.Duration {
	c = c.withDefaults()
	return time.Duration(MaxAttempts) * (c.SignTimeout + c.ConfirmTimeout)
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.SignTimeout <= 0 {
		c.SignTimeout = d.SignTimeout
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = d.ConfirmTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}
