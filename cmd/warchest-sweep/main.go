package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/warchest-ops/warchest/internal/alloc"
	"github.com/warchest-ops/warchest/internal/audit"
	"github.com/warchest-ops/warchest/internal/bus"
	"github.com/warchest-ops/warchest/internal/chain"
	"github.com/warchest-ops/warchest/internal/config"
	"github.com/warchest-ops/warchest/internal/coord"
	"github.com/warchest-ops/warchest/internal/observability"
	"github.com/warchest-ops/warchest/internal/stealth"
	"github.com/warchest-ops/warchest/internal/vault"
	"github.com/warchest-ops/warchest/internal/wallet"
)

// warchest-sweep recovers fleet funds back to the treasury in one shot:
// load fleet, build the withdrawal plan, execute, print the result, exit.
// Exit codes: 0 all wallets recovered, 1 operational error, 2 finished
// with per-wallet failures.
func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	fleetPath := flag.String("fleet", "config/fleet.yaml", "Path to fleet manifest")
	stubMode := flag.Bool("stub", false, "Use stub chain client and vault session (no signer gateway)")
	sweepType := flag.String("type", "", "Withdrawal type: all|partial|emergency|by_role (default from config)")
	percentage := flag.Float64("percentage", 50, "Percentage to recover per wallet (partial type)")
	role := flag.String("role", "", "Fleet role to sweep (by_role type)")
	minBalance := flag.Float64("min-balance", 0, "Leave at least this much BNB behind (default from config)")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging("warchest-sweep", cfg.General)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}

	typeName := *sweepType
	if typeName == "" {
		typeName = cfg.Treasury.WithdrawalType
	}
	wtype, err := alloc.ParseWithdrawalType(typeName)
	if err != nil {
		log.Fatal().Err(err).Msg("Withdrawal type parse failed")
	}
	var sweepRole wallet.Role
	if *role != "" {
		sweepRole, err = wallet.ParseRole(*role)
		if err != nil {
			log.Fatal().Err(err).Msg("Role parse failed")
		}
	}
	floor := decimal.NewFromFloat(*minBalance)
	if floor.IsZero() {
		floor = decimal.NewFromFloat(cfg.Treasury.MinReserveBNB)
	}

	log.Info().
		Str("type", string(wtype)).
		Str("role", string(sweepRole)).
		Str("min_balance", floor.String()).
		Float64("percentage", *percentage).
		Str("treasury", cfg.Treasury.Address).
		Msg("WARCHEST Sweep - Starting")

	// 4. Load the fleet manifest.
	repo, err := wallet.LoadFleet(*fleetPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *fleetPath).Msg("Fleet manifest load failed")
	}

	// 5. Chain client + vault session.
	stub := *stubMode || cfg.General.DryRun || cfg.Chain.GatewayURL == ""
	var client chain.Client
	var session vault.Session
	if stub {
		stubClient := chain.NewStubClient()
		snapshots, err := repo.List(context.Background())
		if err != nil {
			log.Fatal().Err(err).Msg("Fleet listing failed")
		}
		for _, snap := range snapshots {
			stubClient.SetBalance(snap.Address, snap.Balance)
		}
		client = stubClient
		session = vault.NewStubSession(true)
		log.Info().Msg("Chain client: STUB mode")
	} else {
		token := os.Getenv("WARCHEST_GATEWAY_TOKEN")
		gateway := chain.NewGatewayClient(chain.GatewayConfig{
			BaseURL:      cfg.Chain.GatewayURL,
			AuthToken:    token,
			Timeout:      cfg.Chain.GatewayTimeout(),
			RateLimitRPS: cfg.Chain.RateLimitRPS,
		})
		defer gateway.Close()
		client = gateway
		session = vault.NewRemoteSession(cfg.Chain.GatewayURL, token, cfg.Chain.GatewayTimeout())
	}

	// 6. Signal handling. A second signal kills the process outright.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Cancelling sweep, wallets settle at the next batch boundary")
		cancel()
		<-sigCh
		log.Error().Msg("Second signal, aborting immediately")
		os.Exit(1)
	}()

	// 7. Coordination service in withdraw-mode wiring: no bus, no
	// congestion feed; gas from a background oracle over the same client.
	oracleCfg := chain.DefaultOracleConfig()
	oracleCfg.RefreshInterval = cfg.Chain.GasRefresh()
	oracleCfg.MaxGasGwei = cfg.Chain.MaxGasPriceGwei
	oracle := chain.NewOracle(client, oracleCfg)
	if quote, err := client.SuggestGasPrice(ctx); err == nil {
		oracle.Observe(quote)
	}
	go oracle.Start(ctx)
	defer oracle.Stop()

	registry := observability.WarchestMetrics()
	trail := audit.NewTrail(bus.NewStubProducer(), 256)

	executor := coord.NewExecutor(coord.ExecutorConfig{
		MaxConcurrentTransfers: cfg.Coordination.MaxConcurrentTransfers,
		DependencyPollInterval: cfg.Coordination.DependencyPoll(),
		DependencyTimeout:      cfg.Coordination.DependencyTimeout(),
		GasUrgency:             chain.Urgency(cfg.Coordination.GasUrgency),
		PauseHold:              cfg.Adaptive.Pause(),
	}, coord.ExecutorDeps{
		Client:   client,
		Repo:     repo,
		Session:  session,
		Oracle:   oracle,
		Adaptive: coord.NewEngine(&coord.LiveMetrics{Oracle: oracle}),
		Stealth:  stealth.NewGenerator(nil),
		Trail:    trail,
		Metrics:  registry,
	})

	pattern, err := stealth.ParsePattern(cfg.Stealth.Pattern)
	if err != nil {
		log.Fatal().Err(err).Msg("Stealth pattern parse failed")
	}
	plannerCfg := coord.DefaultPlannerConfig()
	plannerCfg.GroupSize = cfg.Coordination.GroupSize
	plannerCfg.BatchSize = cfg.Coordination.BatchSize
	plannerCfg.StaggerDelay = cfg.Coordination.StaggerDelay()
	plannerCfg.InterBatchDelay = cfg.Coordination.InterBatchDelay()
	plannerCfg.GroupOverlap = cfg.Coordination.GroupOverlap()
	plannerCfg.StartDelay = cfg.Coordination.StartDelay()
	plannerCfg.VariationPercent = float64(cfg.Stealth.VariationPercent)
	plannerCfg.Waves = cfg.Coordination.Waves

	svc, err := coord.NewService(coord.ServiceConfig{
		Treasury: coord.Treasury{WalletID: cfg.Treasury.WalletID, Address: cfg.Treasury.Address},
		Limits: alloc.Limits{
			MinPerWallet: decimal.NewFromFloat(cfg.Funding.MinPerWalletBNB),
			MaxPerWallet: decimal.NewFromFloat(cfg.Funding.MaxPerWalletBNB),
			MaxTotal:     decimal.NewFromFloat(cfg.Funding.MaxTotalBNB),
		},
		Stealth: coord.StealthSettings{
			Pattern:       pattern,
			Intensity:     stealth.Intensity(cfg.Stealth.Intensity),
			MEVProtection: cfg.Stealth.MEVProtection,
		},
		Planner: plannerCfg,
		Adaptive: coord.FeatureTuning{
			Disabled:             !cfg.Adaptive.Enabled,
			GasSpikeThreshold:    cfg.Adaptive.GasSpikeThreshold,
			CongestionThreshold:  cfg.Adaptive.CongestionThreshold,
			FailureRateThreshold: cfg.Adaptive.FailureRateThreshold,
			RiskCeiling:          cfg.Adaptive.SafeRiskCeiling,
			Pause:                cfg.Adaptive.Pause(),
			DelayMultiplier:      cfg.Adaptive.DelayMultiplier,
			GasMultiplier:        cfg.Adaptive.GasMultiplier,
		},
	}, repo, session, executor, coord.NewStore(), trail, registry)
	if err != nil {
		log.Fatal().Err(err).Msg("Coordination service wiring failed")
	}

	// 8. Run the sweep.
	started := time.Now()
	res, err := svc.Withdraw(ctx, coord.WithdrawalRequest{
		Type:           wtype,
		MinimumBalance: floor,
		Percentage:     decimal.NewFromFloat(*percentage),
		Role:           sweepRole,
	})
	if err != nil {
		var verr *coord.ValidationError
		if errors.As(err, &verr) {
			report, _ := json.MarshalIndent(verr.Report, "", "  ")
			fmt.Fprintln(os.Stderr, string(report))
		}
		log.Fatal().Err(err).Msg("Sweep failed")
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("Result encoding failed")
	}
	fmt.Println(string(out))

	log.Info().
		Str("op_id", res.OperationID).
		Str("status", string(res.Status)).
		Int("recovered", res.ExecutedWallets).
		Int("failed", res.FailedWallets).
		Dur("took", time.Since(started)).
		Msg("WARCHEST Sweep - Complete")

	if !res.Success {
		os.Exit(2)
	}
}

func setupLogging(service string, general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// A one-shot tool logs to stderr; stdout carries the result JSON.
	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Str("service", service).
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).
			With().Timestamp().Str("service", service).
			Str("instance", general.InstanceID).Logger()
	}
}
