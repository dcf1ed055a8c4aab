// Command gridbot runs one grid market-making bot: it loads a YAML
// config (spec §6), builds the seven component engines, restores or
// initializes the ladder, then drives the coordinator's reconciliation
// loop until an operator signal requests a graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"gridmm/internal/accountant"
	"gridmm/internal/chainsync"
	"gridmm/internal/config"
	"gridmm/internal/coordinator"
	"gridmm/internal/core"
	"gridmm/internal/feecache"
	"gridmm/internal/gridinit"
	"gridmm/internal/gridstore"
	"gridmm/internal/mock"
	"gridmm/internal/persistence"
	"gridmm/internal/strategy"
	"gridmm/pkg/logging"
	"gridmm/pkg/telemetry"
)

var (
	version = "dev"

	configPath  = flag.String("config", "configs/gridbot.yaml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("gridbot version %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting gridbot", "version", version, "bot_id", cfg.Bot.BotID, "pair", cfg.Bot.AssetA+"/"+cfg.Bot.AssetB, "dry_run", cfg.Bot.DryRun)

	if cfg.Telemetry.EnableMetrics {
		if err := telemetry.InitMetrics(); err != nil {
			logger.Warn("failed to initialize metrics exporter, continuing without it", "error", err)
		} else {
			logger.Info("metrics exporter initialized", "port", cfg.Telemetry.MetricsPort)
		}
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gridbot exited with error", "error", err)
	}
	logger.Info("gridbot shut down cleanly")
}

func run(cfg *config.Config, logger *logging.ZapLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// No concrete ChainGateway/PriceOracle adapter is in scope (spec §1
	// keeps both abstract); the in-memory mock stands in so this binary
	// is runnable end to end. A real deployment replaces gw/oracle with
	// a wire implementation of core.ChainGateway/core.PriceOracle and
	// leaves everything below unchanged.
	gw := buildMockGateway(cfg)
	oracle := &mock.Oracle{Price: decimal.NewFromInt(1), Ok: true}

	fees, err := feecache.Load(ctx, gw, cfg.Chain.FeeAssetID, []string{cfg.Bot.AssetA, cfg.Bot.AssetB})
	if err != nil {
		return fmt.Errorf("failed to load fee cache: %w", err)
	}

	store := gridstore.New(nil)
	metrics := telemetry.GetGlobalMetrics()
	acctMetrics := coordinator.NewAccountantMetricsSink(metrics)
	acct := accountant.New(store, accountant.Config{
		PrecisionBuy:  assetPrecision(gw, cfg.Bot.AssetB),
		PrecisionSell: assetPrecision(gw, cfg.Bot.AssetA),
	}, fees, acctMetrics)
	store.SetRecalc(func() { acct.RecalculateFunds() })

	syncEng := chainsync.New(store, acct, chainsync.Config{
		BaseAssetID: assetID(gw, cfg.Bot.AssetA), QuoteAssetID: assetID(gw, cfg.Bot.AssetB),
		PrecSell: assetPrecision(gw, cfg.Bot.AssetA), PrecBuy: assetPrecision(gw, cfg.Bot.AssetB),
		LockTimeout: time.Duration(cfg.Timing.LockTimeoutSeconds) * time.Second,
	}, logger)

	stratCfg := strategy.DefaultConfig()
	stratCfg.BaseAssetID, stratCfg.QuoteAssetID = assetID(gw, cfg.Bot.AssetA), assetID(gw, cfg.Bot.AssetB)
	stratCfg.PrecBuy, stratCfg.PrecSell = assetPrecision(gw, cfg.Bot.AssetB), assetPrecision(gw, cfg.Bot.AssetA)
	stratCfg.IncrementFraction = decimalFromFloat(cfg.Bot.IncrementPercent).Div(decimalFromFloat(100))
	stratCfg.WeightBuy = decimalFromFloat(cfg.Bot.WeightDistribution.Buy)
	stratCfg.WeightSell = decimalFromFloat(cfg.Bot.WeightDistribution.Sell)
	minSpreadFactor := cfg.Strategy.MinSpreadFactor
	if minSpreadFactor <= 0 {
		minSpreadFactor = gridinit.DefaultMinSpreadFactor
	}
	stratCfg.GapSlots = gridinit.ComputeGapSlots(decimalFromFloat(cfg.Bot.IncrementPercent), decimalFromFloat(cfg.Bot.TargetSpreadPercent), decimalFromFloat(minSpreadFactor))
	if cfg.Strategy.PartialDustThresholdPercentage > 0 {
		stratCfg.PartialDustThresholdPercentage = decimalFromFloat(cfg.Strategy.PartialDustThresholdPercentage)
	}
	if cfg.Strategy.GridRegenerationPercentage > 0 {
		stratCfg.GridRegenerationPercentage = decimalFromFloat(cfg.Strategy.GridRegenerationPercentage)
	}
	if cfg.Strategy.RMSPercentage > 0 {
		stratCfg.RMSPercentage = decimalFromFloat(cfg.Strategy.RMSPercentage)
	}
	strat := strategy.New(store, acct, fees, stratCfg)

	persist, err := persistence.Open(cfg.System.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open persistence store: %w", err)
	}
	defer persist.Close()

	coordCfg := coordinator.DefaultConfig()
	coordCfg.BotID = cfg.Bot.BotID
	coordCfg.Account = cfg.Chain.Account
	coordCfg.SignKey = string(cfg.Chain.SignKey)
	coordCfg.DryRun = cfg.Bot.DryRun
	coordCfg.ReconcileInterval = time.Duration(cfg.Timing.ReconcileIntervalSeconds) * time.Second
	coordCfg.AccountTotalsTimeout = time.Duration(cfg.Timing.AccountTotalsTimeoutMs) * time.Millisecond
	coordCfg.LockTimeout = time.Duration(cfg.Timing.LockTimeoutSeconds) * time.Second
	coordCfg.ShutdownGrace = time.Duration(cfg.Timing.ShutdownGraceSeconds) * time.Second
	coordCfg.CancelOnExit = cfg.System.CancelOnExit
	coordCfg.DispatchPoolSize = cfg.Concurrency.DispatchPoolSize
	coordCfg.DispatchRatePerSecond = cfg.Concurrency.DispatchRatePerSecond
	coordCfg.DispatchRateBurst = cfg.Concurrency.DispatchRateBurst

	coord := coordinator.New(coordCfg, coordinator.Dependencies{
		Store: store, Acct: acct, Sync: syncEng, Strat: strat, Fees: fees,
		Gateway: gw, Oracle: oracle, Persist: persist, Logger: logger, Metrics: metrics,
	})

	if err := coord.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore persisted grid: %w", err)
	}
	if store.Len() == 0 {
		if err := initializeLadder(ctx, cfg, gw, store, strat, acct, oracle); err != nil {
			return fmt.Errorf("failed to initialize grid: %w", err)
		}
	}

	return coord.Run(ctx)
}

// initializeLadder builds the grid from scratch (spec §4.G), run exactly
// once at startup when no persisted ladder was found.
func initializeLadder(ctx context.Context, cfg *config.Config, gw *mock.Gateway, store *gridstore.Store, strat *strategy.Engine, acct *accountant.Accountant, oracle core.PriceOracle) error {
	refPrice, err := resolveReferencePrice(ctx, cfg, oracle)
	if err != nil {
		return err
	}

	budgetBuy, budgetSell, err := resolveBudgets(ctx, cfg, gw, acct)
	if err != nil {
		return err
	}

	ladder, err := gridinit.BuildLadder(gridinit.Config{
		ReferencePrice:      refPrice,
		MinPriceRaw:         cfg.Bot.MinPrice,
		MaxPriceRaw:         cfg.Bot.MaxPrice,
		IncrementPercent:    decimalFromFloat(cfg.Bot.IncrementPercent),
		TargetSpreadPercent: decimalFromFloat(cfg.Bot.TargetSpreadPercent),
		MinSpreadFactor:     decimalFromFloat(cfg.Strategy.MinSpreadFactor),
		WeightBuy:           decimalFromFloat(cfg.Bot.WeightDistribution.Buy),
		WeightSell:          decimalFromFloat(cfg.Bot.WeightDistribution.Sell),
		BudgetBuy:           budgetBuy,
		BudgetSell:          budgetSell,
		PrecBuy:             assetPrecision(gw, cfg.Bot.AssetB),
		PrecSell:            assetPrecision(gw, cfg.Bot.AssetA),
	})
	if err != nil {
		return err
	}
	for _, s := range ladder {
		store.UpdateOrder(s)
	}
	strat.InitializeBoundary(len(ladder))
	acct.RecalculateFunds()
	return nil
}

func resolveReferencePrice(ctx context.Context, cfg *config.Config, oracle core.PriceOracle) (decimal.Decimal, error) {
	if cfg.Bot.StartPrice != "pool" && cfg.Bot.StartPrice != "" {
		return decimal.NewFromString(cfg.Bot.StartPrice)
	}
	price, ok, err := oracle.DerivePrice(ctx, cfg.Bot.AssetA, cfg.Bot.AssetB, core.PriceModeAuto)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price oracle failed: %w", err)
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("price oracle could not derive a reference price for %s/%s", cfg.Bot.AssetA, cfg.Bot.AssetB)
	}
	return price, nil
}

// resolveBudgets turns bot_funds.{buy,sell} (an absolute amount or a
// "N%"-of-available-balance) into the concrete budgets gridinit sizes
// the ladder against (spec §6).
func resolveBudgets(ctx context.Context, cfg *config.Config, gw *mock.Gateway, acct *accountant.Accountant) (buy, sell decimal.Decimal, err error) {
	balances, err := gw.GetBalances(ctx, cfg.Chain.Account, []string{assetID(gw, cfg.Bot.AssetA), assetID(gw, cfg.Bot.AssetB)})
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to fetch balances for budget resolution: %w", err)
	}
	acct.SetChainFree(balances[assetID(gw, cfg.Bot.AssetB)].Free, balances[assetID(gw, cfg.Bot.AssetA)].Free)

	buy, err = resolveOneBudget(cfg.Bot.BotFunds, "buy", balances[assetID(gw, cfg.Bot.AssetB)].Free)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	sell, err = resolveOneBudget(cfg.Bot.BotFunds, "sell", balances[assetID(gw, cfg.Bot.AssetA)].Free)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return buy, sell, nil
}

func resolveOneBudget(funds config.SideAmount, side string, available decimal.Decimal) (decimal.Decimal, error) {
	isPct, raw := funds.IsPercentage(side)
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid bot_funds.%s %q: %w", side, raw, err)
	}
	if isPct {
		return available.Mul(v).Div(decimal.NewFromInt(100)), nil
	}
	return v, nil
}

func buildMockGateway(cfg *config.Config) *mock.Gateway {
	gw := mock.NewGateway()
	gw.Assets[cfg.Bot.AssetA] = core.AssetInfo{Symbol: cfg.Bot.AssetA, AssetID: cfg.Bot.AssetA, Precision: 5}
	gw.Assets[cfg.Bot.AssetB] = core.AssetInfo{Symbol: cfg.Bot.AssetB, AssetID: cfg.Bot.AssetB, Precision: 4}
	// A real adapter reports the wallet's actual balances; the mock
	// reports a generous fixed balance so a percentage-of-available
	// bot_funds setting has something non-zero to size against.
	generous := decimal.NewFromInt(1_000_000)
	gw.Balances[cfg.Bot.AssetA] = core.AccountTotals{Total: generous, Free: generous}
	gw.Balances[cfg.Bot.AssetB] = core.AccountTotals{Total: generous, Free: generous}
	return gw
}

func assetID(gw *mock.Gateway, symbol string) string {
	if info, ok := gw.Assets[symbol]; ok {
		return info.AssetID
	}
	return symbol
}

func assetPrecision(gw *mock.Gateway, symbol string) int {
	if info, ok := gw.Assets[symbol]; ok {
		return info.Precision
	}
	return 0
}

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
