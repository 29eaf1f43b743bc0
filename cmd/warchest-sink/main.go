package main

import (
	"context"
	"encoding/json"
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

	"github.com/warchest-ops/warchest/internal/bus"
	"github.com/warchest-ops/warchest/internal/clickhouse"
	"github.com/warchest-ops/warchest/internal/config"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging("warchest-sink", cfg.General)

	log.Info().Msg("WARCHEST Analytics Sink - Starting")
	log.Info().Msg("Pipeline: Bus Topics -> Row Mapping -> Batched ClickHouse Inserts")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}
	if !cfg.Bus.Enabled {
		log.Fatal().Msg("Bus is disabled; the sink has nothing to consume")
	}
	if !cfg.ClickHouse.Enabled {
		log.Fatal().Msg("ClickHouse is disabled; the sink has nowhere to write")
	}

	// 4. ClickHouse client + analytics writer.
	chClient, err := clickhouse.NewClient(cfg.ClickHouse.DSN, cfg.ClickHouse.MaxOpenConns, cfg.ClickHouse.MaxIdleConns)
	if err != nil {
		log.Fatal().Err(err).Msg("ClickHouse client creation failed")
	}
	defer chClient.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := chClient.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Msg("ClickHouse ping failed (continuing, inserts will retry on flush)")
	} else {
		log.Info().Str("database", cfg.ClickHouse.Database).Msg("ClickHouse: LIVE - connected")
	}
	pingCancel()

	writer := clickhouse.NewAnalyticsWriter(chClient, cfg.ClickHouse.Database,
		cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval())

	// 5. Bus consumer over the coordinator's topics.
	groupID := cfg.Bus.ConsumerConfig.GroupIDPrefix + "-sink"
	consumer, err := bus.NewConsumer(cfg.Bus.Brokers, groupID, clickhouse.SinkTopics())
	if err != nil {
		log.Fatal().Err(err).Strs("brokers", cfg.Bus.Brokers).Msg("Bus consumer creation failed")
	}
	defer consumer.Close()

	pipeline := clickhouse.NewPipeline(consumer, writer)

	// 6. Signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	// 7. Start services.
	var wg sync.WaitGroup
	writer.Start(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipeline.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Pipeline error")
			cancel()
		}
	}()

	// Health endpoint for liveness probes.
	wg.Add(1)
	go func() {
		defer wg.Done()
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			consumed, skipped, failed, pending := pipeline.Stats()
			flushes, flushErrors, buffered := writer.Stats()
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"status":        "ok",
				"consumed":      consumed,
				"skipped":       skipped,
				"failed":        failed,
				"pending_joins": pending,
				"flushes":       flushes,
				"flush_errors":  flushErrors,
				"buffered_rows": buffered,
			})
		})

		addr := fmt.Sprintf(":%d", cfg.Metrics.PrometheusPort+1)
		server := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		log.Info().Str("addr", addr).Msg("Sink HTTP server started (health)")

		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			server.Shutdown(shutdownCtx)
		}()

		if srvErr := server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			log.Error().Err(srvErr).Msg("HTTP server error")
		}
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
				consumed, skipped, failed, pending := pipeline.Stats()
				flushes, flushErrors, buffered := writer.Stats()
				log.Info().
					Int64("consumed", consumed).
					Int64("skipped", skipped).
					Int64("failed", failed).
					Int("pending_joins", pending).
					Int64("flushes", flushes).
					Int64("flush_errors", flushErrors).
					Int("buffered_rows", buffered).
					Msg("[STATS]")
			}
		}
	}()

	log.Info().Msg("WARCHEST Analytics Sink - Running")

	// 8. Block until shutdown.
	<-ctx.Done()

	log.Info().Msg("Shutting down Sink...")
	wg.Wait()
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("Writer close error")
	}

	consumed, skipped, failed, _ := pipeline.Stats()
	log.Info().
		Int64("consumed", consumed).
		Int64("skipped", skipped).
		Int64("failed", failed).
		Msg("WARCHEST Analytics Sink - Final Statistics")
	log.Info().Msg("WARCHEST Analytics Sink - Shutdown complete")
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
