// Command settlementd runs the carbon-credit settlement daemon: the HTTP API
// over the purchase, reward and retirement services plus the background
// reconciler.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go/rpc"

	"github.com/R3E-Network/settlement_layer/internal/cache"
	"github.com/R3E-Network/settlement_layer/internal/chain"
	"github.com/R3E-Network/settlement_layer/internal/config"
	"github.com/R3E-Network/settlement_layer/internal/events"
	"github.com/R3E-Network/settlement_layer/internal/httpapi"
	"github.com/R3E-Network/settlement_layer/internal/httputil"
	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/middleware"
	"github.com/R3E-Network/settlement_layer/internal/platform/migrations"
	"github.com/R3E-Network/settlement_layer/internal/storage"
	"github.com/R3E-Network/settlement_layer/internal/storage/memory"
	"github.com/R3E-Network/settlement_layer/internal/storage/postgres"
	"github.com/R3E-Network/settlement_layer/services/audit"
	"github.com/R3E-Network/settlement_layer/services/delivery"
	"github.com/R3E-Network/settlement_layer/services/escrow"
	"github.com/R3E-Network/settlement_layer/services/reconciler"
	"github.com/R3E-Network/settlement_layer/services/retirement"
	"github.com/R3E-Network/settlement_layer/services/rewards"
)

const serviceName = "settlementd"

type store interface {
	storage.SessionStore
	storage.CertificateStore
	storage.AuditStore
}

func main() {
	configPath := flag.String("config", os.Getenv("SETTLEMENT_CONFIG"), "path to a YAML config file")
	envFile := flag.String("env", ".env", "path to a .env file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "settlementd: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(serviceName, cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, log); err != nil {
		log.Error(context.Background(), "settlementd exited", err, nil)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, health, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var balances *cache.BalanceCache
	if cfg.Redis.Addr != "" {
		balances, err = cache.New(ctx, cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.BalanceTTL,
		})
		if err != nil {
			return fmt.Errorf("balance cache: %w", err)
		}
		defer balances.Close()
	} else {
		log.Warn(ctx, "REDIS_ADDR not set; balance reads go to the ledger", nil)
	}

	client, err := chain.NewClient(chain.Config{
		RPCURL:     cfg.Ledger.RPCURL,
		Commitment: rpc.CommitmentConfirmed,
		Timeout:    cfg.Ledger.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("ledger client: %w", err)
	}
	resolver, err := chain.NewResolver(cfg.Ledger.EscrowProgramID)
	if err != nil {
		return fmt.Errorf("escrow program: %w", err)
	}
	builder := chain.NewBuilder(client, resolver)

	mint, err := chain.ParseKey(cfg.Ledger.TokenMint)
	if err != nil {
		return fmt.Errorf("token mint: %w", err)
	}
	treasury, err := chain.ParseKey(cfg.Ledger.TreasuryWallet)
	if err != nil {
		return fmt.Errorf("treasury wallet: %w", err)
	}

	deliveryCfg, err := delivery.ConfigFrom(cfg.Delivery, cfg.MultiPathSupported())
	if err != nil {
		return err
	}
	var bundle delivery.Sender
	if cfg.MultiPathSupported() {
		bundleClient, err := chain.NewClient(chain.Config{
			RPCURL:     cfg.Ledger.BundleURL,
			Commitment: rpc.CommitmentConfirmed,
			Timeout:    cfg.Ledger.RequestTimeout,
		})
		if err != nil {
			return fmt.Errorf("bundle client: %w", err)
		}
		bundle = bundleClient
	}
	router := delivery.NewRouter(deliveryCfg, client, bundle, log)

	sink, err := newAuditSink(cfg.Audit, log)
	if err != nil {
		return err
	}
	if sink != nil {
		sink.Start()
		defer stopWithTimeout(log, "audit sink", sink.Stop)
	}
	auditor := audit.New(st, client, sink, log)

	bus := events.NewBus(256, 1024, log)
	bus.Subscribe(nil, func(ctx context.Context, e events.Event) error {
		log.Info(ctx, "settlement event", map[string]interface{}{
			"type":      string(e.Type),
			"owner":     e.Owner,
			"reference": e.Reference,
			"tx_id":     e.TxID,
		})
		return nil
	})
	bus.Start()
	defer stopWithTimeout(log, "event bus", bus.Stop)

	escrowSvc := escrow.New(escrow.Config{
		Mint:             mint,
		Treasury:         treasury,
		QuoteStaleAfter:  cfg.Escrow.QuoteStaleAfter,
		MaxPriceDriftBps: cfg.Escrow.MaxPriceDriftBps,
	}, client, resolver, builder, router, auditor, balances, bus, log)

	var rewardSvc *rewards.Service
	if cfg.Rewards.PoolPrivateKey != "" {
		pool, err := delivery.KeypairSignerFromBase58(cfg.Rewards.PoolPrivateKey)
		if err != nil {
			return fmt.Errorf("reward pool key: %w", err)
		}
		rewardSvc = rewards.New(rewards.Config{
			Mint:           mint,
			LeaseTTL:       cfg.Rewards.LeaseTTL,
			DeliveryBudget: deliveryCfg.Budget(),
			WaitTimeout:    cfg.Rewards.WaitTimeout,
		}, st, client, resolver, builder, router, pool, auditor, bus, log)
	} else {
		log.Warn(ctx, "REWARD_POOL_PRIVATE_KEY not set; reward settlement disabled", nil)
	}

	retireSvc := retirement.New(mint, st, client, resolver, builder, router, auditor, balances, bus, log)

	if cfg.Reconciler.Enabled {
		var finalizer reconciler.SessionFinalizer
		if rewardSvc != nil {
			finalizer = rewardSvc
		}
		rec := reconciler.New(reconciler.Config{
			Schedule:       cfg.Reconciler.Schedule,
			PendingGrace:   cfg.Reconciler.PendingGrace,
			DeliveryBudget: deliveryCfg.Budget(),
		}, auditor, client, st, finalizer, retireSvc, log)
		if err := rec.Start(); err != nil {
			return err
		}
		defer stopWithTimeout(log, "reconciler", rec.Stop)
	}

	deps := httpapi.Deps{
		Escrow:     escrowSvc,
		Retirement: retireSvc,
		Audit:      auditor,
		Events:     bus,
		Logger:     log,
		Wallets:    delivery.NewWalletHub(bus, log),
		// Owner-signed routes answer after the final delivery attempt.
		SettleTimeout: deliveryCfg.Budget() + 30*time.Second,
		Health: func(ctx context.Context) error {
			if err := health(ctx); err != nil {
				return err
			}
			_, err := client.BlockHeight(ctx)
			return err
		},
	}
	if rewardSvc != nil {
		deps.Rewards = rewardSvc
	} else {
		deps.Rewards = disabledRewards{}
	}

	if cfg.Auth.ServicePublicKeyPath != "" {
		pub, err := middleware.LoadPublicKey(cfg.Auth.ServicePublicKeyPath)
		if err != nil {
			return fmt.Errorf("service public key: %w", err)
		}
		deps.Auth = middleware.NewServiceAuth(middleware.ServiceAuthConfig{
			PublicKey:       pub,
			Logger:          log,
			AllowedServices: cfg.Auth.AllowedServices,
		})
	} else {
		log.Warn(ctx, "AUTH_SERVICE_PUBLIC_KEY_PATH not set; /v1 is unauthenticated", nil)
	}
	if cfg.Auth.RateLimit > 0 {
		deps.Limiter = middleware.NewRateLimiter(cfg.Auth.RateLimit, cfg.Auth.RateBurst, log)
		deps.Limiter.StartCleanup(time.Minute, ctx.Done())
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      httpapi.NewHandler(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "settlement API listening", map[string]interface{}{
			"addr":     cfg.Server.Addr,
			"network":  cfg.Ledger.Network,
			"delivery": deliveryCfg.Mode,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "http shutdown", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// openStore connects to postgres when DATABASE_URL is set and falls back to
// the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (store, func(context.Context) error, func(), error) {
	if cfg.Database.URL == "" {
		log.Warn(ctx, "DATABASE_URL not set; using in-memory storage", nil)
		return memory.New(), func(context.Context) error { return nil }, func() {}, nil
	}

	db, err := postgres.Open(cfg.Database.URL, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Database.MigrateOnStart {
		if err := migrations.Up(db.DB); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		log.Info(ctx, "database migrated", nil)
	}
	return postgres.New(db), db.PingContext, func() { _ = db.Close() }, nil
}

func newAuditSink(cfg config.AuditConfig, log *logging.Logger) (*audit.Sink, error) {
	if cfg.SinkURL == "" {
		return nil, nil
	}
	clientCfg := httputil.ServiceClientConfig{
		BaseURL:   cfg.SinkURL,
		ServiceID: cfg.ServiceID,
		Timeout:   cfg.SinkTimeout,
	}
	if cfg.PrivateKeyPath != "" {
		key, err := middleware.LoadPrivateKey(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("audit sink key: %w", err)
		}
		clientCfg.PrivateKey = key
	}
	return audit.NewSink(httputil.NewServiceClient(clientCfg), cfg.SinkPath, cfg.SinkBuffer, cfg.SinkTimeout, log), nil
}

func stopWithTimeout(log *logging.Logger, name string, stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		log.Warn(ctx, "stop "+name, map[string]interface{}{"error": err.Error()})
	}
}
