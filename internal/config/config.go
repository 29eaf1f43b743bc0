package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SchemaVersion is the config schema this build understands. Files that
// declare a different version are rejected at load.
const SchemaVersion = 1

// Config is the root configuration structure for warchest.
type Config struct {
	SchemaVersion int                `yaml:"schema_version"`
	General       GeneralConfig      `yaml:"general"`
	Chain         ChainConfig        `yaml:"chain"`
	Bus           BusConfig          `yaml:"bus"`
	ClickHouse    ClickHouseConfig   `yaml:"clickhouse"`
	Funding       FundingConfig      `yaml:"funding"`
	Treasury      TreasuryConfig     `yaml:"treasury"`
	Stealth       StealthConfig      `yaml:"stealth"`
	Coordination  CoordinationConfig `yaml:"coordination"`
	Adaptive      AdaptiveConfig     `yaml:"adaptive"`
	Metrics       MetricsConfig      `yaml:"metrics"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	DryRun      bool   `yaml:"dry_run"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

type ChainConfig struct {
	RPCURL           string  `yaml:"rpc_url"`
	WSURL            string  `yaml:"ws_url"`
	ChainID          int64   `yaml:"chain_id"`
	GatewayURL       string  `yaml:"gateway_url"` // signer gateway; empty = in-process stub
	GatewayTimeoutMs int     `yaml:"gateway_timeout_ms"`
	RateLimitRPS     float64 `yaml:"rate_limit_rps"`
	GasRefreshSec    int     `yaml:"gas_refresh_sec"`
	GasSampleWindow  int     `yaml:"gas_sample_window"`
	MaxGasPriceGwei  float64 `yaml:"max_gas_price_gwei"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Brokers        []string `yaml:"brokers"`
	SchemaVersion  string   `yaml:"schema_version"`
	ProducerConfig struct {
		Acks            string `yaml:"acks"`             // all|1|0
		LingerMs        int    `yaml:"linger_ms"`
		BatchSize       int    `yaml:"batch_size"`
		CompressionType string `yaml:"compression_type"` // snappy|lz4|zstd|none
	} `yaml:"producer"`
	ConsumerConfig struct {
		GroupIDPrefix   string `yaml:"group_id_prefix"`
		AutoOffsetReset string `yaml:"auto_offset_reset"` // earliest|latest
		MaxPollRecords  int    `yaml:"max_poll_records"`
	} `yaml:"consumer"`
}

type ClickHouseConfig struct {
	Enabled          bool   `yaml:"enabled"`
	DSN              string `yaml:"dsn"`
	Database         string `yaml:"database"`
	MaxOpenConns     int    `yaml:"max_open_conns"`
	MaxIdleConns     int    `yaml:"max_idle_conns"`
	BatchSize        int    `yaml:"batch_size"`
	FlushIntervalSec int    `yaml:"flush_interval_sec"`
}

type FundingConfig struct {
	DefaultMethod   string             `yaml:"default_method"` // equal|weighted|custom|smart
	MinPerWalletBNB float64            `yaml:"min_per_wallet_bnb"`
	MaxPerWalletBNB float64            `yaml:"max_per_wallet_bnb"`
	MaxTotalBNB     float64            `yaml:"max_total_bnb"`
	SanityCapBNB    float64            `yaml:"sanity_cap_bnb"`
	SmartTargetBNB  float64            `yaml:"smart_target_bnb"`
	RoleWeights     map[string]float64 `yaml:"role_weights"`
}

type TreasuryConfig struct {
	WalletID       string  `yaml:"wallet_id"`
	Address        string  `yaml:"address"`
	MinReserveBNB  float64 `yaml:"min_reserve_bnb"`
	WithdrawalType string  `yaml:"withdrawal_type"` // all|partial|emergency|by_role
}

type StealthConfig struct {
	Pattern          string `yaml:"pattern"`   // sequential|random|organic|burst
	Intensity        string `yaml:"intensity"` // low|medium|high
	MEVProtection    bool   `yaml:"mev_protection"`
	VariationPercent int    `yaml:"variation_percent"`
}

type CoordinationConfig struct {
	MaxConcurrentTransfers int    `yaml:"max_concurrent_transfers"`
	GroupSize              int    `yaml:"group_size"`
	BatchSize              int    `yaml:"batch_size"`
	Waves                  int    `yaml:"waves"`
	StaggerDelayMs         int    `yaml:"stagger_delay_ms"`
	InterBatchDelayMs      int    `yaml:"inter_batch_delay_ms"`
	GroupOverlapSec        int    `yaml:"group_overlap_sec"`
	StartDelaySec          int    `yaml:"start_delay_sec"`
	DependencyPollMs       int    `yaml:"dependency_poll_ms"`
	DependencyTimeoutSec   int    `yaml:"dependency_timeout_sec"`
	GasUrgency             string `yaml:"gas_urgency"` // low|medium|high|urgent
	HistoryLimit           int    `yaml:"history_limit"`
}

type AdaptiveConfig struct {
	Enabled              bool    `yaml:"enabled"`
	GasSpikeThreshold    float64 `yaml:"gas_spike_threshold"`    // multiple of baseline
	CongestionThreshold  float64 `yaml:"congestion_threshold"`   // utilization 0..1
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"` // fraction 0..1
	SafeRiskCeiling      float64 `yaml:"safe_risk_ceiling"`      // frontrun risk 0..1
	PauseSec             int     `yaml:"pause_sec"`
	DelayMultiplier      float64 `yaml:"delay_multiplier"`
	GasMultiplier        float64 `yaml:"gas_multiplier"`
}

type MetricsConfig struct {
	PrometheusPort int  `yaml:"prometheus_port"`
	Enabled        bool `yaml:"enabled"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.SchemaVersion != 0 && cfg.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("config schema_version %d not supported (want %d)", cfg.SchemaVersion, SchemaVersion)
	}

	// Apply defaults
	applyDefaults(cfg)

	return cfg, nil
}

// DefaultConfig returns a fully-populated default tree, the same one an
// empty file would load to.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = SchemaVersion
	}
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "warchest-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.Chain.RPCURL == "" {
		cfg.Chain.RPCURL = "https://bsc-dataseed.binance.org"
	}
	if cfg.Chain.WSURL == "" {
		cfg.Chain.WSURL = "wss://bsc-ws-node.nariox.org:443"
	}
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = 56
	}
	if cfg.Chain.GatewayTimeoutMs == 0 {
		cfg.Chain.GatewayTimeoutMs = 10_000
	}
	if cfg.Chain.RateLimitRPS == 0 {
		cfg.Chain.RateLimitRPS = 20
	}
	if cfg.Chain.GasRefreshSec == 0 {
		cfg.Chain.GasRefreshSec = 15
	}
	if cfg.Chain.GasSampleWindow == 0 {
		cfg.Chain.GasSampleWindow = 40
	}
	if cfg.Chain.MaxGasPriceGwei == 0 {
		cfg.Chain.MaxGasPriceGwei = 500
	}
	if len(cfg.Bus.Brokers) == 0 {
		cfg.Bus.Brokers = []string{"localhost:9092"}
	}
	if cfg.Bus.SchemaVersion == "" {
		cfg.Bus.SchemaVersion = "1.0.0"
	}
	if cfg.Bus.ProducerConfig.Acks == "" {
		cfg.Bus.ProducerConfig.Acks = "all"
	}
	if cfg.Bus.ProducerConfig.CompressionType == "" {
		cfg.Bus.ProducerConfig.CompressionType = "snappy"
	}
	if cfg.Bus.ConsumerConfig.GroupIDPrefix == "" {
		cfg.Bus.ConsumerConfig.GroupIDPrefix = "warchest"
	}
	if cfg.Bus.ConsumerConfig.AutoOffsetReset == "" {
		cfg.Bus.ConsumerConfig.AutoOffsetReset = "earliest"
	}
	if cfg.ClickHouse.DSN == "" {
		cfg.ClickHouse.DSN = "clickhouse://localhost:9000/warchest"
	}
	if cfg.ClickHouse.Database == "" {
		cfg.ClickHouse.Database = "warchest"
	}
	if cfg.ClickHouse.MaxOpenConns == 0 {
		cfg.ClickHouse.MaxOpenConns = 10
	}
	if cfg.ClickHouse.BatchSize == 0 {
		cfg.ClickHouse.BatchSize = 500
	}
	if cfg.ClickHouse.FlushIntervalSec == 0 {
		cfg.ClickHouse.FlushIntervalSec = 5
	}
	if cfg.Funding.DefaultMethod == "" {
		cfg.Funding.DefaultMethod = "smart"
	}
	if cfg.Funding.MaxPerWalletBNB == 0 {
		cfg.Funding.MaxPerWalletBNB = 10
	}
	if cfg.Funding.MaxTotalBNB == 0 {
		cfg.Funding.MaxTotalBNB = 100
	}
	if cfg.Funding.SanityCapBNB == 0 {
		cfg.Funding.SanityCapBNB = 50
	}
	if cfg.Funding.SmartTargetBNB == 0 {
		cfg.Funding.SmartTargetBNB = 0.5
	}
	if len(cfg.Funding.RoleWeights) == 0 {
		cfg.Funding.RoleWeights = map[string]float64{
			"dev": 2, "mev": 3, "funder": 1, "numbered": 1,
		}
	}
	if cfg.Treasury.WalletID == "" {
		cfg.Treasury.WalletID = "treasury"
	}
	if cfg.Treasury.WithdrawalType == "" {
		cfg.Treasury.WithdrawalType = "all"
	}
	if cfg.Stealth.Pattern == "" {
		cfg.Stealth.Pattern = "organic"
	}
	if cfg.Stealth.Intensity == "" {
		cfg.Stealth.Intensity = "medium"
	}
	if cfg.Stealth.VariationPercent == 0 {
		cfg.Stealth.VariationPercent = 20
	}
	if cfg.Coordination.MaxConcurrentTransfers == 0 {
		cfg.Coordination.MaxConcurrentTransfers = 8
	}
	if cfg.Coordination.GroupSize == 0 {
		cfg.Coordination.GroupSize = 8
	}
	if cfg.Coordination.BatchSize == 0 {
		cfg.Coordination.BatchSize = 4
	}
	if cfg.Coordination.Waves == 0 {
		cfg.Coordination.Waves = 3
	}
	if cfg.Coordination.StaggerDelayMs == 0 {
		cfg.Coordination.StaggerDelayMs = 2000
	}
	if cfg.Coordination.InterBatchDelayMs == 0 {
		cfg.Coordination.InterBatchDelayMs = 5000
	}
	if cfg.Coordination.GroupOverlapSec == 0 {
		cfg.Coordination.GroupOverlapSec = 10
	}
	if cfg.Coordination.StartDelaySec == 0 {
		cfg.Coordination.StartDelaySec = 3
	}
	if cfg.Coordination.DependencyPollMs == 0 {
		cfg.Coordination.DependencyPollMs = 250
	}
	if cfg.Coordination.DependencyTimeoutSec == 0 {
		cfg.Coordination.DependencyTimeoutSec = 120
	}
	if cfg.Coordination.GasUrgency == "" {
		cfg.Coordination.GasUrgency = "medium"
	}
	if cfg.Coordination.HistoryLimit == 0 {
		cfg.Coordination.HistoryLimit = 1000
	}
	if cfg.Adaptive.GasSpikeThreshold == 0 {
		cfg.Adaptive.GasSpikeThreshold = 2.0
	}
	if cfg.Adaptive.CongestionThreshold == 0 {
		cfg.Adaptive.CongestionThreshold = 0.85
	}
	if cfg.Adaptive.FailureRateThreshold == 0 {
		cfg.Adaptive.FailureRateThreshold = 0.5
	}
	if cfg.Adaptive.SafeRiskCeiling == 0 {
		cfg.Adaptive.SafeRiskCeiling = 0.7
	}
	if cfg.Adaptive.PauseSec == 0 {
		cfg.Adaptive.PauseSec = 30
	}
	if cfg.Adaptive.DelayMultiplier == 0 {
		cfg.Adaptive.DelayMultiplier = 1.5
	}
	if cfg.Adaptive.GasMultiplier == 0 {
		cfg.Adaptive.GasMultiplier = 1.25
	}
	if cfg.Metrics.PrometheusPort == 0 {
		cfg.Metrics.PrometheusPort = 9090
	}
}

// Duration accessors. YAML carries integer fields with unit suffixes; the
// rest of the tree works in time.Duration.

func (c ChainConfig) GatewayTimeout() time.Duration { return time.Duration(c.GatewayTimeoutMs) * time.Millisecond }
func (c ChainConfig) GasRefresh() time.Duration     { return time.Duration(c.GasRefreshSec) * time.Second }

func (c ClickHouseConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSec) * time.Second
}

func (c CoordinationConfig) StaggerDelay() time.Duration {
	return time.Duration(c.StaggerDelayMs) * time.Millisecond
}
func (c CoordinationConfig) InterBatchDelay() time.Duration {
	return time.Duration(c.InterBatchDelayMs) * time.Millisecond
}
func (c CoordinationConfig) GroupOverlap() time.Duration {
	return time.Duration(c.GroupOverlapSec) * time.Second
}
func (c CoordinationConfig) StartDelay() time.Duration {
	return time.Duration(c.StartDelaySec) * time.Second
}
func (c CoordinationConfig) DependencyPoll() time.Duration {
	return time.Duration(c.DependencyPollMs) * time.Millisecond
}
func (c CoordinationConfig) DependencyTimeout() time.Duration {
	return time.Duration(c.DependencyTimeoutSec) * time.Second
}

func (c AdaptiveConfig) Pause() time.Duration { return time.Duration(c.PauseSec) * time.Second }

var (
	validMethods     = map[string]bool{"equal": true, "weighted": true, "custom": true, "smart": true}
	validWithdrawals = map[string]bool{"all": true, "partial": true, "emergency": true, "by_role": true}
	validPatterns    = map[string]bool{"sequential": true, "random": true, "organic": true, "burst": true}
	validIntensities = map[string]bool{"low": true, "medium": true, "high": true}
	validUrgencies   = map[string]bool{"low": true, "medium": true, "high": true, "urgent": true}
	validCompression = map[string]bool{"snappy": true, "lz4": true, "zstd": true, "none": true}
)

// Validate checks the loaded tree for nonsense values. All problems are
// collected and returned in a single error.
func (cfg *Config) Validate() error {
	var problems []string

	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.SchemaVersion != SchemaVersion {
		bad("schema_version %d not supported", cfg.SchemaVersion)
	}
	if cfg.Chain.ChainID <= 0 {
		bad("chain.chain_id must be positive")
	}
	if cfg.Chain.MaxGasPriceGwei <= 0 {
		bad("chain.max_gas_price_gwei must be positive")
	}
	if cfg.Chain.RateLimitRPS < 0 {
		bad("chain.rate_limit_rps must not be negative")
	}
	if !validCompression[cfg.Bus.ProducerConfig.CompressionType] {
		bad("bus.producer.compression_type %q unknown", cfg.Bus.ProducerConfig.CompressionType)
	}
	if cfg.Bus.Enabled && len(cfg.Bus.Brokers) == 0 {
		bad("bus.enabled requires at least one broker")
	}
	if cfg.ClickHouse.Enabled && cfg.ClickHouse.DSN == "" {
		bad("clickhouse.enabled requires a dsn")
	}
	if cfg.ClickHouse.BatchSize <= 0 {
		bad("clickhouse.batch_size must be positive")
	}
	if !validMethods[cfg.Funding.DefaultMethod] {
		bad("funding.default_method %q unknown", cfg.Funding.DefaultMethod)
	}
	if cfg.Funding.MinPerWalletBNB < 0 {
		bad("funding.min_per_wallet_bnb must not be negative")
	}
	if cfg.Funding.MaxPerWalletBNB < 0 {
		bad("funding.max_per_wallet_bnb must not be negative")
	}
	if cfg.Funding.MinPerWalletBNB > 0 && cfg.Funding.MaxPerWalletBNB > 0 &&
		cfg.Funding.MinPerWalletBNB > cfg.Funding.MaxPerWalletBNB {
		bad("funding.min_per_wallet_bnb exceeds max_per_wallet_bnb")
	}
	if cfg.Funding.MaxTotalBNB < 0 {
		bad("funding.max_total_bnb must not be negative")
	}
	for role, w := range cfg.Funding.RoleWeights {
		if w < 0 {
			bad("funding.role_weights.%s must not be negative", role)
		}
	}
	if cfg.Treasury.MinReserveBNB < 0 {
		bad("treasury.min_reserve_bnb must not be negative")
	}
	if !validWithdrawals[cfg.Treasury.WithdrawalType] {
		bad("treasury.withdrawal_type %q unknown", cfg.Treasury.WithdrawalType)
	}
	if !validPatterns[cfg.Stealth.Pattern] {
		bad("stealth.pattern %q unknown", cfg.Stealth.Pattern)
	}
	if !validIntensities[cfg.Stealth.Intensity] {
		bad("stealth.intensity %q unknown", cfg.Stealth.Intensity)
	}
	if cfg.Stealth.VariationPercent < 0 || cfg.Stealth.VariationPercent > 100 {
		bad("stealth.variation_percent must be within 0..100")
	}
	if cfg.Coordination.MaxConcurrentTransfers <= 0 {
		bad("coordination.max_concurrent_transfers must be positive")
	}
	if cfg.Coordination.BatchSize <= 0 {
		bad("coordination.batch_size must be positive")
	}
	if cfg.Coordination.GroupSize <= 0 {
		bad("coordination.group_size must be positive")
	}
	if cfg.Coordination.Waves <= 0 {
		bad("coordination.waves must be positive")
	}
	if cfg.Coordination.HistoryLimit <= 0 {
		bad("coordination.history_limit must be positive")
	}
	if !validUrgencies[cfg.Coordination.GasUrgency] {
		bad("coordination.gas_urgency %q unknown", cfg.Coordination.GasUrgency)
	}
	if cfg.Adaptive.GasSpikeThreshold < 0 {
		bad("adaptive.gas_spike_threshold must not be negative")
	}
	if cfg.Adaptive.FailureRateThreshold < 0 || cfg.Adaptive.FailureRateThreshold > 1 {
		bad("adaptive.failure_rate_threshold must be within 0..1")
	}
	if cfg.Adaptive.CongestionThreshold < 0 || cfg.Adaptive.CongestionThreshold > 1 {
		bad("adaptive.congestion_threshold must be within 0..1")
	}
	if cfg.Adaptive.SafeRiskCeiling < 0 || cfg.Adaptive.SafeRiskCeiling > 1 {
		bad("adaptive.safe_risk_ceiling must be within 0..1")
	}
	if cfg.Adaptive.DelayMultiplier < 1 {
		bad("adaptive.delay_multiplier must be at least 1")
	}
	if cfg.Adaptive.GasMultiplier < 1 {
		bad("adaptive.gas_multiplier must be at least 1")
	}
	if cfg.Metrics.PrometheusPort < 0 || cfg.Metrics.PrometheusPort > 65535 {
		bad("metrics.prometheus_port out of range")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
