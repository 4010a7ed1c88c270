package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/paperdesk/rebalancer/internal/broker"
	"github.com/paperdesk/rebalancer/internal/config"
	"github.com/paperdesk/rebalancer/internal/dashboard"
	"github.com/paperdesk/rebalancer/internal/executor"
	"github.com/paperdesk/rebalancer/internal/models"
	"github.com/paperdesk/rebalancer/internal/planner"
	"github.com/paperdesk/rebalancer/internal/policy"
	"github.com/paperdesk/rebalancer/internal/report"
	"github.com/paperdesk/rebalancer/internal/retry"
	"github.com/paperdesk/rebalancer/internal/snapshot"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	var configPath string
	var once bool
	var dryRun bool
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&once, "once", false, "Run a single decision pass and exit")
	flag.BoolVar(&dryRun, "dry-run", false, "Plan without submitting any orders")
	flag.Parse()

	// Load .env if present so local runs never hardcode credentials.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[REBALANCER] ", log.LstdFlags|log.Lshortfile)

	logger.Printf("Starting rebalancer in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Println("PAPER TRADING MODE - no real money at risk")
	} else {
		logger.Println("LIVE TRADING MODE - real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}
	if !cfg.Rebalance.TradingEnabled && !dryRun {
		logger.Println("Trading disabled in config; forcing dry-run")
		dryRun = true
	}

	// Broker client behind a circuit breaker.
	alpaca := broker.NewAlpacaAPIWithURLs(
		cfg.Broker.APIKeyID,
		cfg.Broker.APISecret,
		cfg.IsPaperTrading(),
		cfg.Broker.APIEndpoint,
		cfg.Broker.DataEndpoint,
	)
	brk := broker.NewCircuitBreakerBroker(alpaca)

	store, err := report.NewStore(cfg.Report.Path, cfg.Report.HistoryLimit)
	if err != nil {
		logger.Fatalf("Failed to open report store: %v", err)
	}

	allocation := policy.NewAllocationPolicy(
		cfg.Allocation.Targets,
		cfg.Allocation.ViolationMultiplier,
		cfg.Allocation.CriticalExcess,
	)
	classifier := policy.NewExitClassifier(
		exitThresholds(cfg),
		policy.OverAllocationBands{
			ProfitExit:        cfg.Exit.OverAllocation.ProfitExit,
			MinimalProfitExit: cfg.Exit.OverAllocation.MinimalProfitExit,
			StopLossExit:      cfg.Exit.OverAllocation.StopLossExit,
		},
		allocation,
		cfg.Rebalance.ProfitTakingFraction,
	)

	pipeline := &Pipeline{
		reader:     snapshot.NewReader(brk, logger),
		allocation: allocation,
		classifier: classifier,
		planner: planner.New(cfg.Rebalance.BuyCandidates, cfg.Rebalance.MinOrderNotional,
			allocation.Deficits),
		executor: executor.New(brk, retry.NewClient(brk, logger), logger, executor.Config{
			OrderDelay:            cfg.GetOrderDelay(),
			EquityMarketHoursOnly: cfg.Schedule.EquityMarketHoursOnly,
		}),
		store:  store,
		logger: logger,
		dryRun: dryRun,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping...")
		cancel()
	}()

	if once {
		if err := pipeline.RunPass(ctx); err != nil {
			logger.Fatalf("Pass failed: %v", err)
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
			dashLogger.SetLevel(lvl)
		}
		dash = dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
		}, store, dashLogger)

		g.Go(dash.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return dash.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return runLoop(gctx, pipeline, cfg.GetCheckInterval(), logger)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Fatalf("Rebalancer error: %v", err)
	}
	logger.Println("Rebalancer stopped")
}

// runLoop runs one pass per tick. The mutex guarantees two passes never
// overlap: if a pass outlives the interval, the next tick is skipped rather
// than queued, so overlapping passes can never submit conflicting orders
// for the same symbol.
func runLoop(ctx context.Context, pipeline *Pipeline, interval time.Duration, logger *log.Logger) error {
	var passMu sync.Mutex

	runGuarded := func() {
		if !passMu.TryLock() {
			logger.Println("Previous pass still running, skipping this tick")
			return
		}
		defer passMu.Unlock()
		if err := pipeline.RunPass(ctx); err != nil {
			logger.Printf("Pass failed: %v", err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on start.
	runGuarded()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runGuarded()
		}
	}
}

// exitThresholds converts the yaml exit section into classifier thresholds.
// An empty section falls back to the documented defaults inside the
// classifier constructor.
func exitThresholds(cfg *config.Config) map[models.AssetClass]policy.ClassThresholds {
	if len(cfg.Exit.Classes) == 0 {
		return nil
	}
	out := make(map[models.AssetClass]policy.ClassThresholds, len(cfg.Exit.Classes))
	for class, ec := range cfg.Exit.Classes {
		out[class] = policy.ClassThresholds{
			ProfitTarget: ec.ProfitTarget,
			StopLoss:     ec.StopLoss,
		}
	}
	return out
}
