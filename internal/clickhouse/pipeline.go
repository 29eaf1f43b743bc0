package clickhouse

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/warchest-ops/warchest/internal/bus"
)

// SinkTopics lists the bus topics the analytics sink subscribes to.
func SinkTopics() []string {
	return []string{
		bus.Topics.Operations(),
		bus.Topics.Transactions("distribution"),
		bus.Topics.Transactions("withdrawal"),
		bus.Topics.Adaptive(),
		bus.Topics.GasUpdates(),
	}
}

// operationEvent is the union of the started and completed payloads that
// share the operations topic. A started event has no status; a completed
// event carries one.
type operationEvent struct {
	EventID       string          `json:"event_id"`
	Timestamp     time.Time       `json:"ts"`
	Producer      string          `json:"producer"`
	SchemaVersion string          `json:"schema_version"`
	OperationID   string          `json:"operation_id"`
	PlanID        string          `json:"plan_id"`
	Kind          string          `json:"kind"`
	Wallets       int             `json:"wallets"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	RiskLevel     string          `json:"risk_level"`
	Status        string          `json:"status"`
	Succeeded     int             `json:"succeeded"`
	Failed        int             `json:"failed"`
	PhasesDone    int             `json:"phases_completed"`
	Adjustments   int             `json:"adaptive_adjustments"`
	DurationMs    int64           `json:"duration_ms"`
	AbortReason   string          `json:"abort_reason"`
}

// startedCacheCap bounds the pending-operation join cache. Started events
// whose completion never arrives (sink restart mid-operation) are evicted
// FIFO; their rows then carry zero dims.
const startedCacheCap = 4096

// Pipeline consumes coordination events off the bus and turns them into
// analytics rows. Operation rows join the started event (kind, amount,
// risk) with the completed event (outcome) in memory.
type Pipeline struct {
	consumer bus.Consumer
	writer   *AnalyticsWriter

	mu           sync.Mutex
	started      map[string]operationEvent
	startedOrder []string

	consumed atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
}

// NewPipeline wires a consumer to the analytics writer.
func NewPipeline(consumer bus.Consumer, writer *AnalyticsWriter) *Pipeline {
	return &Pipeline{
		consumer: consumer,
		writer:   writer,
		started:  make(map[string]operationEvent),
	}
}

// Run blocks consuming the bus until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	log.Info().Strs("topics", SinkTopics()).Msg("analytics pipeline started")
	return p.consumer.Consume(ctx, p.handle)
}

func (p *Pipeline) handle(ctx context.Context, msg bus.Message) error {
	var err error
	switch {
	case msg.Topic == bus.Topics.Operations():
		err = p.handleOperation(ctx, msg)
	case strings.HasPrefix(msg.Topic, "coord.transactions."):
		err = p.handleTransaction(ctx, msg)
	case msg.Topic == bus.Topics.Adaptive():
		err = p.handleAdaptive(ctx, msg)
	case msg.Topic == bus.Topics.GasUpdates():
		err = p.handleGasUpdate(ctx, msg)
	default:
		p.skipped.Add(1)
		return nil
	}

	if err != nil {
		p.failed.Add(1)
		return err
	}
	p.consumed.Add(1)
	return nil
}

func (p *Pipeline) handleOperation(ctx context.Context, msg bus.Message) error {
	var ev operationEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return err
	}

	if ev.Status == "" {
		p.rememberStarted(ev)
		return nil
	}

	dims := p.takeStarted(ev.OperationID)
	row := OperationRow{
		OperationID:   ev.OperationID,
		PlanID:        ev.PlanID,
		Kind:          dims.Kind,
		Status:        ev.Status,
		Wallets:       uint32(dims.Wallets),
		Succeeded:     uint32(ev.Succeeded),
		Failed:        uint32(ev.Failed),
		PhasesDone:    uint32(ev.PhasesDone),
		TotalBNB:      dims.TotalAmount.InexactFloat64(),
		RiskLevel:     dims.RiskLevel,
		Adjustments:   uint32(ev.Adjustments),
		DurationMs:    uint64(ev.DurationMs),
		AbortReason:   ev.AbortReason,
		FinishedAt:    ev.Timestamp,
		ProducerID:    ev.Producer,
		SchemaVersion: ev.SchemaVersion,
	}
	return p.writer.WriteOperation(ctx, row)
}

func (p *Pipeline) rememberStarted(ev operationEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.started[ev.OperationID]; !ok {
		p.startedOrder = append(p.startedOrder, ev.OperationID)
	}
	p.started[ev.OperationID] = ev
	for len(p.startedOrder) > startedCacheCap {
		evicted := p.startedOrder[0]
		p.startedOrder = p.startedOrder[1:]
		delete(p.started, evicted)
	}
}

func (p *Pipeline) takeStarted(opID string) operationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.started[opID]
	if !ok {
		return operationEvent{}
	}
	delete(p.started, opID)
	for i, id := range p.startedOrder {
		if id == opID {
			p.startedOrder = append(p.startedOrder[:i], p.startedOrder[i+1:]...)
			break
		}
	}
	return ev
}

func (p *Pipeline) handleTransaction(ctx context.Context, msg bus.Message) error {
	var ev bus.TransactionResult
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return err
	}

	row := TransactionRow{
		OperationID: ev.OperationID,
		PhaseID:     ev.PhaseID,
		WalletID:    ev.WalletID,
		Address:     ev.Address,
		Kind:        strings.TrimPrefix(msg.Topic, "coord.transactions."),
		Status:      ev.Status,
		AmountBNB:   ev.Amount.InexactFloat64(),
		GasUsedBNB:  ev.GasUsed.InexactFloat64(),
		TxHash:      ev.TxHash,
		Error:       ev.Error,
		Timestamp:   ev.Timestamp,
		EventID:     ev.EventID,
	}
	return p.writer.WriteTransaction(ctx, row)
}

func (p *Pipeline) handleAdaptive(ctx context.Context, msg bus.Message) error {
	var ev bus.AdaptiveActionApplied
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return err
	}

	row := AdaptiveActionRow{
		OperationID: ev.OperationID,
		Feature:     ev.Feature,
		Trigger:     ev.Trigger,
		Action:      ev.Action,
		Threshold:   ev.Threshold,
		Observed:    ev.Observed,
		Detail:      ev.Detail,
		Timestamp:   ev.Timestamp,
		EventID:     ev.EventID,
	}
	return p.writer.WriteAdaptiveAction(ctx, row)
}

func (p *Pipeline) handleGasUpdate(ctx context.Context, msg bus.Message) error {
	var ev bus.GasUpdate
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return err
	}

	row := GasUpdateRow{
		SlowGwei:     ev.SlowGwei.InexactFloat64(),
		StandardGwei: ev.StandardGwei.InexactFloat64(),
		FastGwei:     ev.FastGwei.InexactFloat64(),
		BaselineGwei: ev.BaselineGwei.InexactFloat64(),
		Utilization:  ev.Utilization,
		Congestion:   ev.Congestion,
		Timestamp:    ev.Timestamp,
		EventID:      ev.EventID,
	}
	return p.writer.WriteGasUpdate(ctx, row)
}

// Stats returns pipeline counters.
func (p *Pipeline) Stats() (consumed, skipped, failed int64, pendingJoins int) {
	p.mu.Lock()
	joins := len(p.started)
	p.mu.Unlock()
	return p.consumed.Load(), p.skipped.Load(), p.failed.Load(), joins
}
