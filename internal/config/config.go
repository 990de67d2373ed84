// Package config loads settlement daemon configuration from an optional YAML
// file, a .env file and the process environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DeliverySinglePath = "single-path"
	DeliveryMultiPath  = "multi-path"
)

// Config is the full daemon configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Escrow     EscrowConfig     `yaml:"escrow"`
	Rewards    RewardsConfig    `yaml:"rewards"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Audit      AuditConfig      `yaml:"audit"`
	Auth       AuthConfig       `yaml:"auth"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr" env:"SERVER_ADDR"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// LedgerConfig points at the ledger and the on-chain programs.
type LedgerConfig struct {
	Network         string        `yaml:"network" env:"LEDGER_NETWORK"`
	RPCURL          string        `yaml:"rpc_url" env:"LEDGER_RPC_URL"`
	BundleURL       string        `yaml:"bundle_url" env:"LEDGER_BUNDLE_URL"`
	EscrowProgramID string        `yaml:"escrow_program_id" env:"ESCROW_PROGRAM_ID"`
	TokenMint       string        `yaml:"token_mint" env:"TOKEN_MINT"`
	TreasuryWallet  string        `yaml:"treasury_wallet" env:"TREASURY_WALLET"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"LEDGER_REQUEST_TIMEOUT"`
}

// DeliveryConfig selects and tunes the delivery path.
type DeliveryConfig struct {
	Mode                     string        `yaml:"mode" env:"DELIVERY_MODE"`
	SignTimeout              time.Duration `yaml:"sign_timeout" env:"DELIVERY_SIGN_TIMEOUT"`
	ConfirmTimeout           time.Duration `yaml:"confirm_timeout" env:"DELIVERY_CONFIRM_TIMEOUT"`
	PollInterval             time.Duration `yaml:"poll_interval" env:"DELIVERY_POLL_INTERVAL"`
	PriorityFeeMicroLamports uint64        `yaml:"priority_fee_micro_lamports" env:"DELIVERY_PRIORITY_FEE"`
	TipLamports              uint64        `yaml:"tip_lamports" env:"DELIVERY_TIP_LAMPORTS"`
	TipAccount               string        `yaml:"tip_account" env:"DELIVERY_TIP_ACCOUNT"`
}

type EscrowConfig struct {
	QuoteStaleAfter  time.Duration `yaml:"quote_stale_after" env:"ESCROW_QUOTE_STALE_AFTER"`
	MaxPriceDriftBps uint64        `yaml:"max_price_drift_bps" env:"ESCROW_MAX_PRICE_DRIFT_BPS"`
}

// RewardsConfig configures the reward pool signer and claim leases.
type RewardsConfig struct {
	PoolPrivateKey string        `yaml:"pool_private_key" env:"REWARD_POOL_PRIVATE_KEY"`
	LeaseTTL       time.Duration `yaml:"lease_ttl" env:"REWARD_LEASE_TTL"`
	WaitTimeout    time.Duration `yaml:"wait_timeout" env:"REWARD_WAIT_TIMEOUT"`
}

type DatabaseConfig struct {
	URL            string `yaml:"url" env:"DATABASE_URL"`
	MaxOpenConns   int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MigrateOnStart bool   `yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

type RedisConfig struct {
	Addr       string        `yaml:"addr" env:"REDIS_ADDR"`
	Password   string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB         int           `yaml:"db" env:"REDIS_DB"`
	BalanceTTL time.Duration `yaml:"balance_ttl" env:"REDIS_BALANCE_TTL"`
}

// AuditConfig configures forwarding of completed audit entries.
type AuditConfig struct {
	SinkURL     string        `yaml:"sink_url" env:"AUDIT_SINK_URL"`
	SinkPath    string        `yaml:"sink_path" env:"AUDIT_SINK_PATH"`
	SinkBuffer  int           `yaml:"sink_buffer" env:"AUDIT_SINK_BUFFER"`
	SinkTimeout time.Duration `yaml:"sink_timeout" env:"AUDIT_SINK_TIMEOUT"`
	// ServiceID and PrivateKeyPath sign requests to the sink; both optional.
	ServiceID      string `yaml:"service_id" env:"AUDIT_SERVICE_ID"`
	PrivateKeyPath string `yaml:"private_key_path" env:"AUDIT_PRIVATE_KEY_PATH"`
}

// AuthConfig protects the settlement endpoint.
type AuthConfig struct {
	ServicePublicKeyPath string   `yaml:"service_public_key_path" env:"AUTH_SERVICE_PUBLIC_KEY_PATH"`
	AllowedServices      []string `yaml:"allowed_services" env:"AUTH_ALLOWED_SERVICES"`
	RateLimit            float64  `yaml:"rate_limit" env:"AUTH_RATE_LIMIT"`
	RateBurst            int      `yaml:"rate_burst" env:"AUTH_RATE_BURST"`
}

type ReconcilerConfig struct {
	Enabled      bool          `yaml:"enabled" env:"RECONCILER_ENABLED"`
	Schedule     string        `yaml:"schedule" env:"RECONCILER_SCHEDULE"`
	PendingGrace time.Duration `yaml:"pending_grace" env:"RECONCILER_PENDING_GRACE"`
}

// Default returns a configuration suitable for a local devnet deployment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Ledger: LedgerConfig{
			Network:        "devnet",
			RPCURL:         "https://api.devnet.solana.com",
			RequestTimeout: 30 * time.Second,
		},
		Delivery: DeliveryConfig{
			Mode:                     DeliverySinglePath,
			SignTimeout:              60 * time.Second,
			ConfirmTimeout:           90 * time.Second,
			PollInterval:             2 * time.Second,
			PriorityFeeMicroLamports: 10_000,
			TipLamports:              10_000,
		},
		Escrow: EscrowConfig{
			QuoteStaleAfter:  30 * time.Second,
			MaxPriceDriftBps: 100,
		},
		Rewards: RewardsConfig{
			LeaseTTL:    2 * time.Minute,
			WaitTimeout: 90 * time.Second,
		},
		Database: DatabaseConfig{MaxOpenConns: 10, MigrateOnStart: true},
		Redis:    RedisConfig{BalanceTTL: 5 * time.Minute},
		Audit: AuditConfig{
			SinkPath:    "/v1/audit/records",
			ServiceID:   "settlement",
			SinkBuffer:  1024,
			SinkTimeout: 5 * time.Second,
		},
		Auth: AuthConfig{RateLimit: 10, RateBurst: 20},
		Reconciler: ReconcilerConfig{
			Enabled:      true,
			Schedule:     "@every 30s",
			PendingGrace: 2 * time.Minute,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty and present), then .env files, then the environment.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var problems []string

	if c.Ledger.RPCURL == "" {
		problems = append(problems, "ledger.rpc_url is required")
	}
	if c.Ledger.EscrowProgramID == "" {
		problems = append(problems, "ledger.escrow_program_id is required")
	}
	if c.Ledger.TokenMint == "" {
		problems = append(problems, "ledger.token_mint is required")
	}
	if c.Ledger.TreasuryWallet == "" {
		problems = append(problems, "ledger.treasury_wallet is required")
	}

	switch c.Delivery.Mode {
	case DeliverySinglePath:
	case DeliveryMultiPath:
		if c.Ledger.BundleURL == "" {
			problems = append(problems, "ledger.bundle_url is required for multi-path delivery")
		}
		if c.Delivery.TipAccount == "" {
			problems = append(problems, "delivery.tip_account is required for multi-path delivery")
		}
	default:
		problems = append(problems, fmt.Sprintf("delivery.mode %q must be %s or %s", c.Delivery.Mode, DeliverySinglePath, DeliveryMultiPath))
	}

	if c.Delivery.PollInterval <= 0 {
		problems = append(problems, "delivery.poll_interval must be positive")
	}
	if c.Rewards.LeaseTTL <= 0 {
		problems = append(problems, "rewards.lease_ttl must be positive")
	}
	if c.Escrow.MaxPriceDriftBps > 10_000 {
		problems = append(problems, "escrow.max_price_drift_bps must be at most 10000")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// MultiPathSupported reports whether the configured network offers the
// bundle route.
func (c *Config) MultiPathSupported() bool {
	return c.Ledger.Network == "mainnet-beta" && c.Ledger.BundleURL != ""
}
