package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setLedgerEnv(t *testing.T) {
	t.Setenv("ESCROW_PROGRAM_ID", "Esc1111111111111111111111111111111111111111")
	t.Setenv("TOKEN_MINT", "Mint111111111111111111111111111111111111111")
	t.Setenv("TREASURY_WALLET", "Tres111111111111111111111111111111111111111")
}

func TestLoadDefaultsWithEnv(t *testing.T) {
	setLedgerEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Delivery.Mode != DeliverySinglePath {
		t.Errorf("mode = %s", cfg.Delivery.Mode)
	}
	if cfg.Delivery.PollInterval != 2*time.Second {
		t.Errorf("poll interval = %s", cfg.Delivery.PollInterval)
	}
	if cfg.Ledger.TokenMint == "" {
		t.Error("token mint not decoded from environment")
	}
}

func TestEnvironmentOverridesYAML(t *testing.T) {
	setLedgerEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "settlement.yaml")
	yamlDoc := `
ledger:
  network: testnet
  rpc_url: https://rpc.example
delivery:
  poll_interval: 5s
reconciler:
  schedule: "@every 1m"
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEDGER_NETWORK", "devnet")

	cfg, err := Load(path, filepath.Join(dir, "none.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ledger.Network != "devnet" {
		t.Errorf("network = %s, want env override", cfg.Ledger.Network)
	}
	if cfg.Ledger.RPCURL != "https://rpc.example" {
		t.Errorf("rpc url = %s", cfg.Ledger.RPCURL)
	}
	if cfg.Delivery.PollInterval != 5*time.Second {
		t.Errorf("poll interval = %s", cfg.Delivery.PollInterval)
	}
	if cfg.Reconciler.Schedule != "@every 1m" {
		t.Errorf("schedule = %s", cfg.Reconciler.Schedule)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Ledger.EscrowProgramID = "e"
		c.Ledger.TokenMint = "m"
		c.Ledger.TreasuryWallet = "t"
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"missing mint", func(c *Config) { c.Ledger.TokenMint = "" }, "token_mint"},
		{"bad mode", func(c *Config) { c.Delivery.Mode = "turbo" }, "delivery.mode"},
		{"multi-path without bundle", func(c *Config) { c.Delivery.Mode = DeliveryMultiPath; c.Delivery.TipAccount = "tip" }, "bundle_url"},
		{"zero lease", func(c *Config) { c.Rewards.LeaseTTL = 0 }, "lease_ttl"},
		{"drift too high", func(c *Config) { c.Escrow.MaxPriceDriftBps = 20_000 }, "drift"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestMultiPathSupportedOnlyOnMainnet(t *testing.T) {
	c := Default()
	c.Ledger.BundleURL = "https://block-engine.example"
	if c.MultiPathSupported() {
		t.Fatal("devnet must not support multi-path")
	}
	c.Ledger.Network = "mainnet-beta"
	if !c.MultiPathSupported() {
		t.Fatal("mainnet-beta with bundle url supports multi-path")
	}
}
