// Package coord plans and executes coordinated multi-wallet funding and
// recovery operations. A plan splits the fleet into role-ordered phases,
// each phase into paced wallet groups; the executor walks the plan with
// stealth timing while an adaptive engine watches chain conditions between
// phases and adjusts pacing, gas, ordering, or aborts outright.
package coord

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warchest-ops/warchest/internal/alloc"
	"github.com/warchest-ops/warchest/internal/stealth"
	"github.com/warchest-ops/warchest/internal/wallet"
)

// ---------------------------------------------------------------------------
// Operation kinds and risk levels
// ---------------------------------------------------------------------------

// Kind distinguishes the two coordinated operations.
type Kind string

const (
	KindDistribution Kind = "distribution" // treasury -> fleet
	KindWithdrawal   Kind = "withdrawal"   // fleet -> treasury
)

// opKind maps the operation onto the stealth layer's direction enum.
func (k Kind) opKind() stealth.OpKind {
	if k == KindWithdrawal {
		return stealth.OpWithdraw
	}
	return stealth.OpDistribute
}

// RiskLevel classifies a plan by its additive risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"    // score <= 2
	RiskMedium RiskLevel = "medium" // score <= 5
	RiskHigh   RiskLevel = "high"   // score > 5
)

// ---------------------------------------------------------------------------
// Plan structure
// ---------------------------------------------------------------------------

// GroupTiming paces wallet dispatches inside one group.
type GroupTiming struct {
	StaggerDelay    time.Duration `json:"stagger_delay"`
	Randomization   bool          `json:"randomization"`
	BatchSize       int           `json:"batch_size"`
	InterBatchDelay time.Duration `json:"inter_batch_delay"`
}

// PhaseTiming paces one phase relative to its predecessors.
type PhaseTiming struct {
	StartDelay       time.Duration `json:"start_delay"`
	Overlap          time.Duration `json:"overlap"` // stagger between concurrent groups
	VariationPercent float64       `json:"variation_percent"`
}

// StealthSettings selects the obfuscation profile for a group.
type StealthSettings struct {
	Pattern       stealth.Pattern   `json:"pattern"`
	Intensity     stealth.Intensity `json:"intensity"`
	MEVProtection bool              `json:"mev_protection"`
}

// Treasury identifies the funding source (distribution) or recovery sink
// (withdrawal).
type Treasury struct {
	WalletID string `json:"wallet_id"`
	Address  string `json:"address"`
}

// Group is a contiguous subset of a phase's wallets sharing pacing and
// stealth settings. Entries carry the per-wallet amounts computed by the
// alloc layer; only action-requiring entries make it into a group.
type Group struct {
	ID                string          `json:"id"`
	Role              wallet.Role     `json:"role"`
	Entries           []alloc.Entry   `json:"entries"`
	AllocationPercent float64         `json:"allocation_percent"`
	Timing            GroupTiming     `json:"timing"`
	Stealth           StealthSettings `json:"stealth"`
}

// Amount sums the group's planned transfers.
func (g *Group) Amount() decimal.Decimal {
	total := decimal.Zero
	for _, e := range g.Entries {
		total = total.Add(e.PlannedAmount)
	}
	return total
}

// Phase is one sequential stage of a plan. Dependencies name phase ids that
// must leave the active state before this phase may start.
type Phase struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Role         wallet.Role `json:"role"`
	Groups       []Group     `json:"groups"`
	Timing       PhaseTiming `json:"timing"`
	Dependencies []string    `json:"dependencies,omitempty"`
	SafetyChecks []string    `json:"safety_checks,omitempty"`
}

// WalletCount returns the number of wallets dispatched by this phase.
func (p *Phase) WalletCount() int {
	n := 0
	for i := range p.Groups {
		n += len(p.Groups[i].Entries)
	}
	return n
}

// Amount sums the phase's planned transfers.
func (p *Phase) Amount() decimal.Decimal {
	total := decimal.Zero
	for i := range p.Groups {
		total = total.Add(p.Groups[i].Amount())
	}
	return total
}

// Plan is a complete, validated execution schedule for one operation.
type Plan struct {
	ID                string          `json:"id"`
	Kind              Kind            `json:"kind"`
	Treasury          Treasury        `json:"treasury"`
	Phases            []Phase         `json:"phases"`
	TotalWallets      int             `json:"total_wallets"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	EstimatedDuration time.Duration   `json:"estimated_duration"`
	RiskScore         int             `json:"risk_score"`
	RiskLevel         RiskLevel       `json:"risk_level"`
	StealthScore      float64         `json:"stealth_score"`
	AdaptiveFeatures  []Feature       `json:"adaptive_features,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Phase returns the phase with the given id, or nil.
func (p *Plan) Phase(id string) *Phase {
	for i := range p.Phases {
		if p.Phases[i].ID == id {
			return &p.Phases[i]
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Execution records
// ---------------------------------------------------------------------------

// TxStatus is the lifecycle of a single dispatched transfer.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// TxRecord is the append-only journal line for one dispatched wallet.
// Every wallet the executor dispatches ends with exactly one terminal
// record, confirmed or failed.
type TxRecord struct {
	ID           string          `json:"id"`
	PhaseID      string          `json:"phase_id"`
	WalletID     string          `json:"wallet_id"`
	Address      string          `json:"address"`
	Role         wallet.Role     `json:"role"`
	Amount       decimal.Decimal `json:"amount"`
	Status       TxStatus        `json:"status"`
	TxHash       string          `json:"tx_hash,omitempty"`
	GasUsed      decimal.Decimal `json:"gas_used"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Error        string          `json:"error,omitempty"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	CompletedAt  time.Time       `json:"completed_at,omitempty"`
}

// Result is the terminal summary of one operation. It is always produced,
// even after plan-level failures, cancellation, or adaptive aborts, and
// carries whatever partial outcome exists at that point.
type Result struct {
	OperationID         string          `json:"operation_id"`
	PlanID              string          `json:"plan_id"`
	Kind                Kind            `json:"kind"`
	Status              OperationState  `json:"status"`
	Success             bool            `json:"success"`
	CompletedPhases     int             `json:"completed_phases"`
	TotalPhases         int             `json:"total_phases"`
	ExecutedWallets     int             `json:"executed_wallets"`
	FailedWallets       int             `json:"failed_wallets"`
	TotalWallets        int             `json:"total_wallets"`
	TotalAmountSent     decimal.Decimal `json:"total_amount_sent"`
	TotalExecutionTime  time.Duration   `json:"total_execution_time"`
	AdaptiveAdjustments int             `json:"adaptive_adjustments"`
	StealthScore        float64         `json:"stealth_score"`
	AbortReason         string          `json:"abort_reason,omitempty"`
	Errors              []string        `json:"errors,omitempty"`
	Transactions        []TxRecord      `json:"transactions"`
	StartedAt           time.Time       `json:"started_at"`
	FinishedAt          time.Time       `json:"finished_at"`
}

// Progress is a point-in-time view of a running (or finished) operation.
type Progress struct {
	OperationID         string         `json:"operation_id"`
	State               OperationState `json:"state"`
	CurrentPhase        string         `json:"current_phase,omitempty"`
	CompletedPhases     int            `json:"completed_phases"`
	TotalPhases         int            `json:"total_phases"`
	Completed           int            `json:"completed"` // wallets resolved, success or failure
	Failed              int            `json:"failed"`    // subset of Completed that failed
	Total               int            `json:"total"`
	Percentage          float64        `json:"percentage"`
	Elapsed             time.Duration  `json:"elapsed"`
	EstimatedRemaining  time.Duration  `json:"estimated_remaining"`
	AdaptiveAdjustments int            `json:"adaptive_adjustments"`
}
