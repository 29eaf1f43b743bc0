package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
	TraceID       string    `json:"trace_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with generated IDs.
func NewBaseEvent(producer, schemaVersion string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now(),
		SchemaVersion: schemaVersion,
		Producer:      producer,
		TraceID:       uuid.New().String()[:16],
	}
}

// --- Operation Lifecycle Events ---

type OperationStarted struct {
	BaseEvent
	OperationID  string          `json:"operation_id"`
	PlanID       string          `json:"plan_id"`
	Kind         string          `json:"kind"` // distribution|withdrawal
	Wallets      int             `json:"wallets"`
	Phases       int             `json:"phases"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	RiskLevel    string          `json:"risk_level"`
	StealthScore float64         `json:"stealth_score"`
}

type OperationCompleted struct {
	BaseEvent
	OperationID string        `json:"operation_id"`
	PlanID      string        `json:"plan_id"`
	Status      string        `json:"status"` // completed|failed|cancelled
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Phases      int           `json:"phases_completed"`
	Adjustments int           `json:"adaptive_adjustments"`
	Duration    time.Duration `json:"duration_ms"`
	AbortReason string        `json:"abort_reason,omitempty"`
}

type PhaseCompleted struct {
	BaseEvent
	OperationID string        `json:"operation_id"`
	PhaseID     string        `json:"phase_id"`
	Name        string        `json:"name"`
	Status      string        `json:"status"` // completed|failed
	Dispatched  int           `json:"dispatched"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"duration_ms"`
}

type BatchCompleted struct {
	BaseEvent
	OperationID string `json:"operation_id"`
	PhaseID     string `json:"phase_id"`
	GroupID     string `json:"group_id"`
	BatchIndex  int    `json:"batch_index"`
	Dispatched  int    `json:"dispatched"`
	Failed      int    `json:"failed"`
}

// --- Transaction Events ---

type TransactionResult struct {
	BaseEvent
	OperationID string          `json:"operation_id"`
	PhaseID     string          `json:"phase_id"`
	WalletID    string          `json:"wallet_id"`
	Address     string          `json:"address"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"` // confirmed|failed
	TxHash      string          `json:"tx_hash,omitempty"`
	GasUsed     decimal.Decimal `json:"gas_used"`
	Error       string          `json:"error,omitempty"`
}

// --- Adaptive Control Events ---

type AdaptiveActionApplied struct {
	BaseEvent
	OperationID string  `json:"operation_id"`
	Feature     string  `json:"feature"`
	Trigger     string  `json:"trigger"`
	Action      string  `json:"action"`
	Threshold   float64 `json:"threshold"`
	Observed    float64 `json:"observed"`
	Detail      string  `json:"detail,omitempty"`
}

// --- Chain Telemetry Events ---

type GasUpdate struct {
	BaseEvent
	SlowGwei     decimal.Decimal `json:"slow_gwei"`
	StandardGwei decimal.Decimal `json:"standard_gwei"`
	FastGwei     decimal.Decimal `json:"fast_gwei"`
	BaselineGwei decimal.Decimal `json:"baseline_gwei"`
	Utilization  float64         `json:"utilization"`
	Congestion   string          `json:"congestion"` // low|medium|high|extreme
}

// --- Heartbeat ---

type Heartbeat struct {
	BaseEvent
	Component  string             `json:"component"`
	Status     string             `json:"status"` // healthy|degraded|unhealthy
	ConfigHash string             `json:"config_hash"`
	Uptime     time.Duration      `json:"uptime_seconds"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}
