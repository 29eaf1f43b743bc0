// Package clickhouse persists operation analytics to a columnar store.
// The coordinator itself never touches it; the sink daemon consumes the
// event bus and feeds the writer, so analytics outages cannot stall
// dispatch.
package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// OperationRow is one finished operation in the coord_operations table.
type OperationRow struct {
	OperationID   string    `json:"op_id"`
	PlanID        string    `json:"plan_id"`
	Kind          string    `json:"kind"`   // distribution|withdrawal
	Status        string    `json:"status"` // completed|failed|cancelled
	Wallets       uint32    `json:"wallets"`
	Succeeded     uint32    `json:"succeeded"`
	Failed        uint32    `json:"failed"`
	PhasesDone    uint32    `json:"phases_completed"`
	TotalBNB      float64   `json:"total_amount_bnb"`
	RiskLevel     string    `json:"risk_level"`
	Adjustments   uint32    `json:"adaptive_adjustments"`
	DurationMs    uint64    `json:"duration_ms"`
	AbortReason   string    `json:"abort_reason"`
	FinishedAt    time.Time `json:"finished_at"`
	ProducerID    string    `json:"producer"`
	SchemaVersion string    `json:"schema_version"`
}

// TransactionRow is one terminal transfer outcome in coord_transactions.
type TransactionRow struct {
	OperationID string    `json:"op_id"`
	PhaseID     string    `json:"phase_id"`
	WalletID    string    `json:"wallet_id"`
	Address     string    `json:"address"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"` // confirmed|failed
	AmountBNB   float64   `json:"amount_bnb"`
	GasUsedBNB  float64   `json:"gas_used_bnb"`
	TxHash      string    `json:"tx_hash"`
	Error       string    `json:"error"`
	Timestamp   time.Time `json:"ts"`
	EventID     string    `json:"event_id"`
}

// AdaptiveActionRow is one applied control action in coord_adaptive_actions.
type AdaptiveActionRow struct {
	OperationID string    `json:"op_id"`
	Feature     string    `json:"feature"`
	Trigger     string    `json:"trigger"`
	Action      string    `json:"action"`
	Threshold   float64   `json:"threshold"`
	Observed    float64   `json:"observed"`
	Detail      string    `json:"detail"`
	Timestamp   time.Time `json:"ts"`
	EventID     string    `json:"event_id"`
}

// GasUpdateRow is one gas telemetry sample in chain_gas_updates.
type GasUpdateRow struct {
	SlowGwei     float64   `json:"slow_gwei"`
	StandardGwei float64   `json:"standard_gwei"`
	FastGwei     float64   `json:"fast_gwei"`
	BaselineGwei float64   `json:"baseline_gwei"`
	Utilization  float64   `json:"utilization"`
	Congestion   string    `json:"congestion"`
	Timestamp    time.Time `json:"ts"`
	EventID      string    `json:"event_id"`
}

// AnalyticsWriter batches operation analytics rows and flushes to
// ClickHouse periodically, or immediately when the transaction buffer
// (the high-volume stream) reaches the batch size.
type AnalyticsWriter struct {
	client        *Client
	dbPrefix      string
	batchSize     int
	flushInterval time.Duration

	mu        sync.Mutex
	opBuf     []OperationRow
	txBuf     []TransactionRow
	actionBuf []AdaptiveActionRow
	gasBuf    []GasUpdateRow
	closed    bool

	flushCount atomic.Int64
	errorCount atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}

	// flushHook replaces real writes during testing.
	flushHook func(ctx context.Context, table string, rows [][]any) error
}

// NewAnalyticsWriter creates a batch writer that flushes on size or interval.
func NewAnalyticsWriter(client *Client, dbPrefix string, batchSize int, flushInterval time.Duration) *AnalyticsWriter {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &AnalyticsWriter{
		client:        client,
		dbPrefix:      dbPrefix,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		opBuf:         make([]OperationRow, 0, 64),
		txBuf:         make([]TransactionRow, 0, batchSize),
		actionBuf:     make([]AdaptiveActionRow, 0, 64),
		gasBuf:        make([]GasUpdateRow, 0, batchSize),
	}
}

func (w *AnalyticsWriter) tableName(name string) string {
	if w.dbPrefix == "" {
		return name
	}
	return w.dbPrefix + "." + name
}

// WriteOperation adds a finished-operation row to the buffer.
func (w *AnalyticsWriter) WriteOperation(_ context.Context, row OperationRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("analytics writer is closed")
	}
	w.opBuf = append(w.opBuf, row)
	return nil
}

// WriteTransaction adds a transfer outcome row. Hitting the batch size
// triggers an immediate flush of everything buffered.
func (w *AnalyticsWriter) WriteTransaction(ctx context.Context, row TransactionRow) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("analytics writer is closed")
	}
	w.txBuf = append(w.txBuf, row)
	needsFlush := len(w.txBuf) >= w.batchSize
	w.mu.Unlock()

	if needsFlush {
		return w.Flush(ctx)
	}
	return nil
}

// WriteAdaptiveAction adds an applied-action row to the buffer.
func (w *AnalyticsWriter) WriteAdaptiveAction(_ context.Context, row AdaptiveActionRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("analytics writer is closed")
	}
	w.actionBuf = append(w.actionBuf, row)
	return nil
}

// WriteGasUpdate adds a gas telemetry row. Same size trigger as transactions.
func (w *AnalyticsWriter) WriteGasUpdate(ctx context.Context, row GasUpdateRow) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("analytics writer is closed")
	}
	w.gasBuf = append(w.gasBuf, row)
	needsFlush := len(w.gasBuf) >= w.batchSize
	w.mu.Unlock()

	if needsFlush {
		return w.Flush(ctx)
	}
	return nil
}

// Start begins the background flush loop.
func (w *AnalyticsWriter) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		log.Info().
			Str("prefix", w.dbPrefix).
			Int("batch_size", w.batchSize).
			Dur("flush_interval", w.flushInterval).
			Msg("analytics writer started")

		for {
			select {
			case <-bgCtx.Done():
				if err := w.Flush(context.Background()); err != nil {
					log.Error().Err(err).Msg("analytics writer: final flush error")
				}
				return
			case <-ticker.C:
				if err := w.Flush(bgCtx); err != nil {
					log.Error().Err(err).Msg("analytics writer: periodic flush error")
				}
			}
		}
	}()
}

// Flush writes all buffered rows to ClickHouse.
func (w *AnalyticsWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	ops := w.opBuf
	txs := w.txBuf
	actions := w.actionBuf
	gas := w.gasBuf
	w.opBuf = make([]OperationRow, 0, 64)
	w.txBuf = make([]TransactionRow, 0, w.batchSize)
	w.actionBuf = make([]AdaptiveActionRow, 0, 64)
	w.gasBuf = make([]GasUpdateRow, 0, w.batchSize)
	w.mu.Unlock()

	if len(ops) == 0 && len(txs) == 0 && len(actions) == 0 && len(gas) == 0 {
		return nil
	}

	var firstErr error
	fail := func(what string, count int, err error) {
		log.Error().Err(err).Int("count", count).Msgf("analytics writer: flush %s failed", what)
		w.errorCount.Add(1)
		if firstErr == nil {
			firstErr = err
		}
	}

	if len(ops) > 0 {
		if err := w.flushOperations(ctx, ops); err != nil {
			fail("operations", len(ops), err)
		}
	}
	if len(txs) > 0 {
		if err := w.flushTransactions(ctx, txs); err != nil {
			fail("transactions", len(txs), err)
		}
	}
	if len(actions) > 0 {
		if err := w.flushAdaptiveActions(ctx, actions); err != nil {
			fail("adaptive actions", len(actions), err)
		}
	}
	if len(gas) > 0 {
		if err := w.flushGasUpdates(ctx, gas); err != nil {
			fail("gas updates", len(gas), err)
		}
	}

	w.flushCount.Add(1)
	log.Debug().
		Int("operations", len(ops)).
		Int("transactions", len(txs)).
		Int("actions", len(actions)).
		Int("gas_updates", len(gas)).
		Msg("analytics writer flushed")

	return firstErr
}

func (w *AnalyticsWriter) flushOperations(ctx context.Context, rows []OperationRow) error {
	if w.flushHook != nil {
		generic := make([][]any, len(rows))
		for i, r := range rows {
			generic[i] = []any{
				r.OperationID, r.PlanID, r.Kind, r.Status,
				r.Wallets, r.Succeeded, r.Failed, r.PhasesDone,
				r.TotalBNB, r.RiskLevel, r.Adjustments, r.DurationMs,
				r.AbortReason, r.FinishedAt, r.ProducerID, r.SchemaVersion,
			}
		}
		return w.flushHook(ctx, w.tableName("coord_operations"), generic)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (op_id, plan_id, kind, status, wallets, succeeded, failed, "+
			"phases_completed, total_amount_bnb, risk_level, adaptive_adjustments, "+
			"duration_ms, abort_reason, finished_at, producer, schema_version)",
		w.tableName("coord_operations"))

	batch, err := w.client.Conn().PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare operations batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.OperationID, r.PlanID, r.Kind, r.Status,
			r.Wallets, r.Succeeded, r.Failed, r.PhasesDone,
			r.TotalBNB, r.RiskLevel, r.Adjustments, r.DurationMs,
			r.AbortReason, r.FinishedAt, r.ProducerID, r.SchemaVersion,
		); err != nil {
			return fmt.Errorf("append operation row: %w", err)
		}
	}

	return batch.Send()
}

func (w *AnalyticsWriter) flushTransactions(ctx context.Context, rows []TransactionRow) error {
	if w.flushHook != nil {
		generic := make([][]any, len(rows))
		for i, r := range rows {
			generic[i] = []any{
				r.OperationID, r.PhaseID, r.WalletID, r.Address,
				r.Kind, r.Status, r.AmountBNB, r.GasUsedBNB,
				r.TxHash, r.Error, r.Timestamp, r.EventID,
			}
		}
		return w.flushHook(ctx, w.tableName("coord_transactions"), generic)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (op_id, phase_id, wallet_id, address, kind, status, "+
			"amount_bnb, gas_used_bnb, tx_hash, error, ts, event_id)",
		w.tableName("coord_transactions"))

	batch, err := w.client.Conn().PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare transactions batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.OperationID, r.PhaseID, r.WalletID, r.Address,
			r.Kind, r.Status, r.AmountBNB, r.GasUsedBNB,
			r.TxHash, r.Error, r.Timestamp, r.EventID,
		); err != nil {
			return fmt.Errorf("append transaction row: %w", err)
		}
	}

	return batch.Send()
}

func (w *AnalyticsWriter) flushAdaptiveActions(ctx context.Context, rows []AdaptiveActionRow) error {
	if w.flushHook != nil {
		generic := make([][]any, len(rows))
		for i, r := range rows {
			generic[i] = []any{
				r.OperationID, r.Feature, r.Trigger, r.Action,
				r.Threshold, r.Observed, r.Detail, r.Timestamp, r.EventID,
			}
		}
		return w.flushHook(ctx, w.tableName("coord_adaptive_actions"), generic)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (op_id, feature, trigger, action, threshold, observed, "+
			"detail, ts, event_id)",
		w.tableName("coord_adaptive_actions"))

	batch, err := w.client.Conn().PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare adaptive actions batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.OperationID, r.Feature, r.Trigger, r.Action,
			r.Threshold, r.Observed, r.Detail, r.Timestamp, r.EventID,
		); err != nil {
			return fmt.Errorf("append adaptive action row: %w", err)
		}
	}

	return batch.Send()
}

func (w *AnalyticsWriter) flushGasUpdates(ctx context.Context, rows []GasUpdateRow) error {
	if w.flushHook != nil {
		generic := make([][]any, len(rows))
		for i, r := range rows {
			generic[i] = []any{
				r.SlowGwei, r.StandardGwei, r.FastGwei, r.BaselineGwei,
				r.Utilization, r.Congestion, r.Timestamp, r.EventID,
			}
		}
		return w.flushHook(ctx, w.tableName("chain_gas_updates"), generic)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (slow_gwei, standard_gwei, fast_gwei, baseline_gwei, "+
			"utilization, congestion, ts, event_id)",
		w.tableName("chain_gas_updates"))

	batch, err := w.client.Conn().PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare gas updates batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.SlowGwei, r.StandardGwei, r.FastGwei, r.BaselineGwei,
			r.Utilization, r.Congestion, r.Timestamp, r.EventID,
		); err != nil {
			return fmt.Errorf("append gas update row: %w", err)
		}
	}

	return batch.Send()
}

// Close stops the background loop and performs a final flush.
func (w *AnalyticsWriter) Close() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	if err := w.Flush(context.Background()); err != nil {
		log.Error().Err(err).Msg("analytics writer: final flush on close failed")
		return err
	}

	log.Info().
		Int64("flushes", w.flushCount.Load()).
		Int64("errors", w.errorCount.Load()).
		Msg("analytics writer closed")
	return nil
}

// Stats returns writer statistics.
func (w *AnalyticsWriter) Stats() (flushCount, errorCount int64, pending int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushCount.Load(), w.errorCount.Load(),
		len(w.opBuf) + len(w.txBuf) + len(w.actionBuf) + len(w.gasBuf)
}

// SetFlushHook sets a test hook. Intended for testing only.
func (w *AnalyticsWriter) SetFlushHook(hook func(ctx context.Context, table string, rows [][]any) error) {
	w.flushHook = hook
}
