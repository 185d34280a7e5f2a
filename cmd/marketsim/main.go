package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfold/marketsim/internal/config"
	"github.com/quantfold/marketsim/internal/market"
	"github.com/quantfold/marketsim/internal/market/margin"
	"github.com/quantfold/marketsim/internal/market/model"
	"github.com/quantfold/marketsim/internal/market/orders"
	"github.com/quantfold/marketsim/internal/market/pricing"
	"github.com/quantfold/marketsim/internal/server"
	"github.com/quantfold/marketsim/internal/store"
	"github.com/quantfold/marketsim/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "marketsim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	st, err := openStore(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	engine := pricing.NewEngine(pricingConfig(cfg.Market), log)
	ledger := margin.NewLedger(marginConfig(cfg.Margin), log)
	evaluator := orders.NewEvaluator(st, engine, ledger, ordersConfig(cfg), log)
	svc := market.NewService(st, engine, ledger, evaluator, market.Config{
		RetryAttempts: cfg.Store.RetryAttempts,
		RetryBackoff:  cfg.Store.RetryBackoff,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Market.SeedFile != "" {
		if err := seedFromFile(ctx, svc, cfg.Market.SeedFile); err != nil {
			return fmt.Errorf("seed instruments: %w", err)
		}
	}

	go sweepLoop(ctx, svc, cfg.Orders.SweepInterval, log)

	srv := server.New(svc, cfg.Server, log)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(cfg config.StoreConfig, log *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		log.Info("using postgres store")
		return store.OpenPostgres(cfg.DSN)
	case "sqlite":
		log.Info("using sqlite store", zap.String("path", cfg.DSN))
		return store.OpenSQLite(cfg.DSN)
	default:
		log.Info("using in-memory store")
		return store.NewMemoryStore(), nil
	}
}

func seedFromFile(ctx context.Context, svc market.Service, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var insts []*model.Instrument
	if err := json.Unmarshal(raw, &insts); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return svc.SeedInstruments(ctx, insts)
}

// sweepLoop expires overdue standing orders on a fixed interval.
func sweepLoop(ctx context.Context, svc market.Service, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.SweepExpiredOrders(ctx); err != nil {
				log.Warn("expiry sweep failed", zap.Error(err))
			}
		}
	}
}

func pricingConfig(c config.MarketConfig) pricing.Config {
	return pricing.Config{
		ImpactCoefficient: decimal.NewFromFloat(c.ImpactCoefficient),
		SpreadRatio:       decimal.NewFromFloat(c.SpreadRatio),
		MinPrice:          decimal.NewFromFloat(c.MinPrice),
		MaxDepth:          c.MaxDepth,
	}
}

func marginConfig(c config.MarginConfig) margin.Config {
	cfg := margin.Config{
		RequirementRatio:     decimal.NewFromFloat(c.RequirementRatio),
		LiquidationThreshold: decimal.NewFromFloat(c.LiquidationThreshold),
	}
	for _, t := range c.Tiers {
		cfg.Tiers = append(cfg.Tiers, margin.Tier{
			MinPeak:  decimal.NewFromFloat(t.MinPeak),
			Capacity: decimal.NewFromFloat(t.Capacity),
		})
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = margin.DefaultConfig().Tiers
	}
	return cfg
}

func ordersConfig(cfg *config.Config) orders.Config {
	return orders.Config{
		TTL:                   cfg.Orders.TTL,
		LimitPriceMultiple:    decimal.NewFromFloat(cfg.Orders.LimitPriceMultiple),
		RetryAttempts:         cfg.Store.RetryAttempts,
		RetryBackoff:          cfg.Store.RetryBackoff,
		MaxChainedEvaluations: cfg.Orders.MaxChainedEvaluations,
	}
}
