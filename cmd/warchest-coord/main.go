package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
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

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	fleetPath := flag.String("fleet", "config/fleet.yaml", "Path to fleet manifest")
	stubMode := flag.Bool("stub", false, "Use stub chain client and vault session (no signer gateway)")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging("warchest-coord", cfg.General)

	log.Info().Msg("=============================================")
	log.Info().Msg("WARCHEST Coordinator - Starting")
	log.Info().Msg("PLAN -> VALIDATE -> STAGE -> EXECUTE -> ADAPT")
	log.Info().Msg("=============================================")

	stub := *stubMode || cfg.General.DryRun || cfg.Chain.GatewayURL == ""
	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Bool("stub_mode", stub).
		Str("default_method", cfg.Funding.DefaultMethod).
		Float64("max_per_wallet", cfg.Funding.MaxPerWalletBNB).
		Float64("max_total", cfg.Funding.MaxTotalBNB).
		Str("stealth_pattern", cfg.Stealth.Pattern).
		Int("max_concurrent", cfg.Coordination.MaxConcurrentTransfers).
		Msg("Configuration loaded")

	// 3b. Validate configuration.
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}

	// 4. Load the fleet manifest.
	repo, err := wallet.LoadFleet(*fleetPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *fleetPath).Msg("Fleet manifest load failed")
	}
	snapshots, err := repo.List(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Fleet listing failed")
	}
	log.Info().Int("wallets", len(snapshots)).Str("path", *fleetPath).Msg("Fleet loaded")

	// 5. Chain client + vault session.
	var client chain.Client
	var gateway *chain.GatewayClient
	var session vault.Session
	if stub {
		stubClient := chain.NewStubClient()
		for _, snap := range snapshots {
			stubClient.SetBalance(snap.Address, snap.Balance)
		}
		if addr, err := wallet.NormalizeAddress(cfg.Treasury.Address); err == nil {
			stubClient.SetBalance(addr, decimal.NewFromInt(10_000))
		}
		client = stubClient
		session = vault.NewStubSession(true)
		log.Info().Msg("Chain client: STUB mode")
	} else {
		token := os.Getenv("WARCHEST_GATEWAY_TOKEN")
		if token == "" {
			log.Warn().Msg("WARCHEST_GATEWAY_TOKEN not set, gateway calls go unauthenticated")
		}
		gateway = chain.NewGatewayClient(chain.GatewayConfig{
			BaseURL:      cfg.Chain.GatewayURL,
			AuthToken:    token,
			Timeout:      cfg.Chain.GatewayTimeout(),
			RateLimitRPS: cfg.Chain.RateLimitRPS,
		})
		defer gateway.Close()
		client = gateway
		session = vault.NewRemoteSession(cfg.Chain.GatewayURL, token, cfg.Chain.GatewayTimeout())

		// Verify gateway connectivity.
		probeCtx, probeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := client.SuggestGasPrice(probeCtx); err != nil {
			log.Warn().Err(err).Str("gateway", cfg.Chain.GatewayURL).
				Msg("Signer gateway probe failed (continuing, may be rate-limited)")
		} else {
			log.Info().Str("gateway", cfg.Chain.GatewayURL).Msg("Signer gateway: LIVE - connected")
		}
		probeCancel()
	}

	// 6. Gas oracle + congestion monitor.
	oracleCfg := chain.DefaultOracleConfig()
	oracleCfg.RefreshInterval = cfg.Chain.GasRefresh()
	oracleCfg.MaxGasGwei = cfg.Chain.MaxGasPriceGwei
	oracle := chain.NewOracle(client, oracleCfg)

	var monitor *chain.Monitor
	if !stub {
		monitorCfg := chain.DefaultMonitorConfig()
		monitorCfg.WSEndpoint = cfg.Chain.WSURL
		monitor = chain.NewMonitor(monitorCfg)
	}

	// 7. Event bus producer.
	var producer bus.Producer
	if cfg.Bus.Enabled {
		kafka, err := bus.NewProducer(cfg.Bus.Brokers,
			bus.WithInstanceID(cfg.General.InstanceID),
			bus.WithSchemaVersion(cfg.Bus.SchemaVersion),
			bus.WithAcks(cfg.Bus.ProducerConfig.Acks),
			bus.WithCompression(cfg.Bus.ProducerConfig.CompressionType),
			bus.WithLinger(time.Duration(cfg.Bus.ProducerConfig.LingerMs)*time.Millisecond),
			bus.WithBatchMaxBytes(int32(cfg.Bus.ProducerConfig.BatchSize)),
		)
		if err != nil {
			log.Fatal().Err(err).Strs("brokers", cfg.Bus.Brokers).Msg("Bus producer creation failed")
		}
		defer kafka.Close()
		producer = kafka
		log.Info().Strs("brokers", cfg.Bus.Brokers).Msg("Event bus: LIVE - connected")
	} else {
		producer = bus.NewStubProducer()
		log.Info().Msg("Event bus: disabled, events retained in-process")
	}

	// 8. Metrics, audit trail, adaptive engine.
	registry := observability.WarchestMetrics()
	exporter := observability.NewPrometheusExporter(registry, map[string]string{
		"service":  "warchest-coord",
		"instance": cfg.General.InstanceID,
	})
	trail := audit.NewTrail(producer, 256)
	engine := coord.NewEngine(&coord.LiveMetrics{Oracle: oracle, Monitor: monitor})

	// 9. Coordination service.
	executor := coord.NewExecutor(coord.ExecutorConfig{
		MaxConcurrentTransfers: cfg.Coordination.MaxConcurrentTransfers,
		DependencyPollInterval: cfg.Coordination.DependencyPoll(),
		DependencyTimeout:      cfg.Coordination.DependencyTimeout(),
		GasUrgency:             chain.Urgency(cfg.Coordination.GasUrgency),
		PauseHold:              cfg.Adaptive.Pause(),
	}, coord.ExecutorDeps{
		Client:     client,
		Repo:       repo,
		Session:    session,
		Oracle:     oracle,
		Congestion: congestionSource(monitor),
		Adaptive:   engine,
		Stealth:    stealth.NewGenerator(nil),
		Producer:   producer,
		Trail:      trail,
		Metrics:    registry,
	})
	store := coord.NewStore()

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
			MinPerWallet:  decimal.NewFromFloat(cfg.Funding.MinPerWalletBNB),
			MaxPerWallet:  decimal.NewFromFloat(cfg.Funding.MaxPerWalletBNB),
			MaxTotal:      decimal.NewFromFloat(cfg.Funding.MaxTotalBNB),
			SanityCeiling: decimal.NewFromFloat(cfg.Funding.SanityCapBNB),
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
	}, repo, session, executor, store, trail, registry)
	if err != nil {
		log.Fatal().Err(err).Msg("Coordination service wiring failed")
	}
	log.Info().
		Str("treasury", cfg.Treasury.Address).
		Str("pattern", cfg.Stealth.Pattern).
		Bool("mev_protection", cfg.Stealth.MEVProtection).
		Msg("Coordination service initialized")

	// 9b. Component health monitor.
	health := observability.NewHealthMonitor(30 * time.Second)
	health.Register("vault_session", func(context.Context) observability.ComponentHealth {
		if session.Unlocked() {
			return observability.ComponentHealth{Status: observability.StatusHealthy}
		}
		return observability.ComponentHealth{
			Status:  observability.StatusDegraded,
			Message: "session locked, operations will be refused",
		}
	})
	if gateway != nil {
		// The monitor bounds each probe, so a dead gateway cannot hang the loop.
		health.Register("signer_gateway", func(ctx context.Context) observability.ComponentHealth {
			if _, err := gateway.SuggestGasPrice(ctx); err != nil {
				return observability.ComponentHealth{
					Status:  observability.StatusUnhealthy,
					Message: err.Error(),
				}
			}
			return observability.ComponentHealth{Status: observability.StatusHealthy}
		})
	}
	if monitor != nil {
		health.Register("congestion_feed", func(context.Context) observability.ComponentHealth {
			stats := monitor.Stats()
			if !stats.Connected {
				return observability.ComponentHealth{
					Status:  observability.StatusDegraded,
					Message: "websocket disconnected, reconnect in progress",
					Details: map[string]any{"reconnects": stats.Reconnects},
				}
			}
			return observability.ComponentHealth{
				Status:  observability.StatusHealthy,
				Details: map[string]any{"blocks_seen": stats.BlocksSeen, "level": stats.Level},
			}
		})
	}

	// 10. Signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	// 11. Start services.
	var wg sync.WaitGroup
	startedAt := time.Now()

	wg.Add(1)
	go func() {
		defer wg.Done()
		oracle.Start(ctx)
	}()
	if monitor != nil {
		monitor.Start(ctx)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		health.Start(ctx)
	}()

	// Health transitions go to the ops alert topic.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case alert := <-health.Alerts():
				log.Warn().
					Str("component", alert.Component).
					Str("level", alert.Level).
					Str("message", alert.Message).
					Msg("[HEALTH]")
				if err := producer.PublishJSON(ctx, bus.Topics.OpsAlerts(), cfg.General.InstanceID, alert); err != nil {
					log.Warn().Err(err).Msg("Alert publish failed")
				}
			}
		}
	}()

	// Gas price stream for downstream consumers.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.Chain.GasRefresh())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info := oracle.Info()
				util := congestionSource(monitor)()
				registry.GetGauge("warchest_gas_price_gwei").Set(info.Standard.InexactFloat64())
				registry.GetGauge("warchest_network_utilization").Set(util)
				ev := bus.GasUpdate{
					BaseEvent:    bus.NewBaseEvent(cfg.General.InstanceID, cfg.Bus.SchemaVersion),
					SlowGwei:     info.Slow,
					StandardGwei: info.Standard,
					FastGwei:     info.Fast,
					BaselineGwei: oracle.Baseline(),
					Utilization:  util,
					Congestion:   string(chain.ClassifyCongestion(util)),
				}
				if err := producer.PublishJSON(ctx, bus.Topics.GasUpdates(), cfg.General.InstanceID, ev); err != nil {
					log.Warn().Err(err).Msg("Gas update publish failed")
				}
			}
		}
	}()

	// Heartbeat.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hb := bus.Heartbeat{
					BaseEvent: bus.NewBaseEvent(cfg.General.InstanceID, cfg.Bus.SchemaVersion),
					Component: "warchest-coord",
					Status:    string(health.Snapshot().Status),
					Uptime:    time.Since(startedAt),
					Metrics: map[string]float64{
						"active_operations": float64(len(svc.Active())),
						"gas_standard_gwei": oracle.Info().Standard.InexactFloat64(),
					},
				}
				if err := producer.PublishJSON(ctx, bus.Topics.Heartbeat(), cfg.General.InstanceID, hb); err != nil {
					log.Warn().Err(err).Msg("Heartbeat publish failed")
				}
			}
		}
	}()

	// HTTP surface: health, stats, metrics, operations, control plane.
	wg.Add(1)
	go func() {
		defer wg.Done()
		runHTTP(ctx, cfg, svc, session, oracle, monitor, gateway, health, exporter, stub)
	}()

	// Periodic stats logging.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info := oracle.Info()
				pstats := producer.Stats()
				if snaps, err := repo.List(ctx); err == nil {
					registry.GetGauge("warchest_fleet_balance_bnb").Set(wallet.TotalBalance(snaps).InexactFloat64())
				}
				evt := log.Info().
					Int("active_ops", len(svc.Active())).
					Int("finished_ops", len(svc.History(0))).
					Str("gas_standard", info.Standard.String()).
					Str("gas_baseline", oracle.Baseline().String()).
					Float64("transfer_p95_ms", registry.GetHistogram("warchest_transfer_latency_ms").Quantile(0.95)).
					Int64("bus_published", pstats.Published).
					Int64("bus_failed", pstats.Failed).
					Bool("session_unlocked", session.Unlocked())
				if monitor != nil {
					evt = evt.
						Float64("utilization", monitor.Utilization()).
						Str("congestion", string(monitor.Level()))
				}
				evt.Msg("[STATS]")
			}
		}
	}()

	log.Info().Msg("WARCHEST Coordinator - Running")
	log.Info().Msg("Pipeline: Request -> Allocation -> Validation -> Plan -> Phased Execution -> Adaptive Control")

	// 12. Block until shutdown.
	<-ctx.Done()

	log.Info().Msg("Shutting down Coordinator...")

	// Cancel anything still in flight so wallets are released cleanly.
	for _, p := range svc.Active() {
		if err := svc.Cancel(p.OperationID); err != nil {
			log.Warn().Err(err).Str("op_id", p.OperationID).Msg("Cancel on shutdown failed")
		}
	}
	oracle.Stop()
	producer.Flush(5 * time.Second)
	wg.Wait()

	history := svc.History(0)
	var succeeded int
	for _, res := range history {
		if res.Success {
			succeeded++
		}
	}
	pstats := producer.Stats()
	log.Info().
		Int("operations", len(history)).
		Int("succeeded", succeeded).
		Int64("bus_published", pstats.Published).
		Int64("bus_failed", pstats.Failed).
		Msg("WARCHEST Coordinator - Final Statistics")
	log.Info().Msg("WARCHEST Coordinator - Shutdown complete")
}

// congestionSource adapts an optional monitor into the executor's reading
// callback. Without a monitor the utilization reads as zero.
func congestionSource(m *chain.Monitor) func() float64 {
	if m == nil {
		return func() float64 { return 0 }
	}
	return m.Utilization
}

// ---------------------------------------------------------------------------
// HTTP surface
// ---------------------------------------------------------------------------

type distributeRequest struct {
	Method        string                     `json:"method"`
	TotalAmount   decimal.Decimal            `json:"total_amount"`
	CustomAmounts map[string]decimal.Decimal `json:"custom_amounts,omitempty"`
	Threshold     decimal.Decimal            `json:"threshold,omitempty"`
	RoleWeights   map[string]int64           `json:"role_weights,omitempty"`
}

type withdrawRequest struct {
	Type           string          `json:"type"`
	MinimumBalance decimal.Decimal `json:"minimum_balance,omitempty"`
	Percentage     decimal.Decimal `json:"percentage,omitempty"`
	Role           string          `json:"role,omitempty"`
}

func runHTTP(
	ctx context.Context,
	cfg *config.Config,
	svc *coord.Service,
	session vault.Session,
	oracle *chain.Oracle,
	monitor *chain.Monitor,
	gateway *chain.GatewayClient,
	health *observability.HealthMonitor,
	exporter *observability.PrometheusExporter,
	stub bool,
) {
	mux := http.NewServeMux()

	// ── Health ──
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		sys := health.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if sys.Status == observability.StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":     sys.Status,
			"components": sys.Components,
			"uptime":     sys.Uptime.String(),
			"stub_mode":  stub,
			"active_ops": len(svc.Active()),
		})
	})

	// ── Stats ──
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		info := oracle.Info()
		combined := map[string]any{
			"active_operations":   svc.Active(),
			"finished_operations": len(svc.History(0)),
			"gas": map[string]any{
				"slow":     info.Slow,
				"standard": info.Standard,
				"fast":     info.Fast,
				"baseline": oracle.Baseline(),
			},
			"session_unlocked": session.Unlocked(),
			"stub_mode":        stub,
		}
		if monitor != nil {
			combined["congestion"] = monitor.Stats()
		}
		if gateway != nil {
			combined["gateway"] = gateway.Stats()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(combined)
	})

	// ── Metrics ──
	mux.Handle("/metrics", exporter)

	// ── Operations ──
	mux.HandleFunc("/operations", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"active":  svc.Active(),
			"history": svc.History(50),
		})
	})

	mux.HandleFunc("/operations/progress", func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.Progress(r.URL.Query().Get("op"))
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(p)
	})

	// Distribute and withdraw block until the operation reaches a terminal
	// state and return the full result. Long-poll by design: the caller
	// owns exactly one operation and sees its outcome on this response.
	mux.HandleFunc("/operations/distribute", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req distributeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		method, err := alloc.ParseMethod(req.Method)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		weights := make(map[wallet.Role]int64, len(req.RoleWeights))
		for role, weight := range req.RoleWeights {
			parsed, err := wallet.ParseRole(role)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			weights[parsed] = weight
		}
		res, err := svc.Distribute(r.Context(), coord.DistributionRequest{
			Method:        method,
			TotalAmount:   req.TotalAmount,
			CustomAmounts: req.CustomAmounts,
			Threshold:     req.Threshold,
			RoleWeights:   weights,
		})
		writeResult(w, res, err)
	})

	mux.HandleFunc("/operations/withdraw", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req withdrawRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		wtype, err := alloc.ParseWithdrawalType(req.Type)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var role wallet.Role
		if req.Role != "" {
			role, err = wallet.ParseRole(req.Role)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		res, err := svc.Withdraw(r.Context(), coord.WithdrawalRequest{
			Type:           wtype,
			MinimumBalance: req.MinimumBalance,
			Percentage:     req.Percentage,
			Role:           role,
		})
		writeResult(w, res, err)
	})

	// ── Control Plane ──
	control := func(name string, action func(id string) error) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "POST only", http.StatusMethodNotAllowed)
				return
			}
			id := r.URL.Query().Get("op")
			if err := action(id); err != nil {
				writeError(w, err)
				return
			}
			log.Warn().Str("op_id", id).Str("action", name).Msg("[CONTROL]")
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"status":%q,"op_id":%q}`, name, id)
		}
	}
	mux.HandleFunc("/control/pause", control("paused", svc.Pause))
	mux.HandleFunc("/control/resume", control("resumed", svc.Resume))
	mux.HandleFunc("/control/cancel", control("cancelled", svc.Cancel))

	addr := fmt.Sprintf(":%d", cfg.Metrics.PrometheusPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("Coordinator HTTP server started (health + stats + operations + control)")

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	if srvErr := server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
		log.Error().Err(srvErr).Msg("HTTP server error")
	}
}

func writeResult(w http.ResponseWriter, res coord.Result, err error) {
	if err != nil {
		var verr *coord.ValidationError
		if errors.As(err, &verr) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]any{
				"error":  "plan rejected",
				"report": verr.Report,
			})
			return
		}
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, coord.ErrOperationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, coord.ErrWalletsBusy):
		status = http.StatusConflict
	case errors.Is(err, vault.ErrSessionLocked):
		status = http.StatusLocked
	case errors.Is(err, alloc.ErrNoWallets), errors.Is(err, coord.ErrNoActionableWallets):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

func setupLogging(service string, general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", service).
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", service).
			Str("instance", general.InstanceID).Logger()
	}
}
