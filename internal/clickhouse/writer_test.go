package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warchest-ops/warchest/internal/bus"
)

// makeTxRow creates a test transaction row with the given index for uniqueness.
func makeTxRow(i int) TransactionRow {
	return TransactionRow{
		OperationID: "op-test",
		PhaseID:     "ph-1",
		WalletID:    fmt.Sprintf("numbered-%02d", i),
		Address:     fmt.Sprintf("0x%040x", i),
		Kind:        "distribution",
		Status:      "confirmed",
		AmountBNB:   0.5,
		GasUsedBNB:  0.000021,
		TxHash:      fmt.Sprintf("0xhash%d", i),
		Timestamp:   time.Now(),
		EventID:     fmt.Sprintf("ev-%d", i),
	}
}

func makeOpRow(i int) OperationRow {
	return OperationRow{
		OperationID: fmt.Sprintf("op-%d", i),
		PlanID:      fmt.Sprintf("plan-%d", i),
		Kind:        "distribution",
		Status:      "completed",
		Wallets:     10,
		Succeeded:   10,
		TotalBNB:    5.0,
		RiskLevel:   "low",
		DurationMs:  42_000,
		FinishedAt:  time.Now(),
	}
}

func TestBatchSizeTrigger_Transactions(t *testing.T) {
	const batchSize = 10

	var mu sync.Mutex
	var flushedRows [][]any

	w := NewAnalyticsWriter(nil, "warchest", batchSize, time.Hour) // huge interval so timer won't fire
	w.SetFlushHook(func(_ context.Context, table string, rows [][]any) error {
		mu.Lock()
		flushedRows = append(flushedRows, rows...)
		mu.Unlock()
		assert.Equal(t, "warchest.coord_transactions", table)
		return nil
	})

	ctx := context.Background()

	// Write exactly batchSize rows. The last write should trigger a flush.
	for i := 0; i < batchSize; i++ {
		err := w.WriteTransaction(ctx, makeTxRow(i))
		require.NoError(t, err)
	}

	mu.Lock()
	count := len(flushedRows)
	mu.Unlock()

	assert.Equal(t, batchSize, count, "flush should have been triggered at batchSize")
}

func TestOperationsFlushOnlyOnDemand(t *testing.T) {
	var tables []string

	w := NewAnalyticsWriter(nil, "", 2, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, _ [][]any) error {
		tables = append(tables, table)
		return nil
	})

	ctx := context.Background()

	// Low-volume rows buffer without a size trigger.
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteOperation(ctx, makeOpRow(i)))
		require.NoError(t, w.WriteAdaptiveAction(ctx, AdaptiveActionRow{
			OperationID: "op-test", Feature: "congestion_backoff",
			Trigger: "congestion", Action: "delay_increase",
		}))
	}
	assert.Empty(t, tables, "operations and actions must not auto-flush")

	require.NoError(t, w.Flush(ctx))
	assert.ElementsMatch(t, []string{"coord_operations", "coord_adaptive_actions"}, tables)
}

func TestFlushIntervalTrigger(t *testing.T) {
	var totalFlushed atomic.Int64

	w := NewAnalyticsWriter(nil, "warchest", 1000, 50*time.Millisecond)
	w.SetFlushHook(func(_ context.Context, _ string, rows [][]any) error {
		totalFlushed.Add(int64(len(rows)))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Write fewer rows than batchSize.
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteTransaction(ctx, makeTxRow(i)))
	}

	// Start the background flush goroutine.
	w.Start(ctx)

	// Wait for the flush interval to fire.
	assert.Eventually(t, func() bool {
		return totalFlushed.Load() == 5
	}, 2*time.Second, 20*time.Millisecond, "periodic flush should have written all 5 rows")

	require.NoError(t, w.Close())
	assert.Equal(t, int64(5), totalFlushed.Load())
}

func TestFlushEmpty(t *testing.T) {
	hookCalled := false

	w := NewAnalyticsWriter(nil, "warchest", 100, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, _ [][]any) error {
		hookCalled = true
		return nil
	})

	// Flushing with no data should not call the hook.
	err := w.Flush(context.Background())
	require.NoError(t, err)
	assert.False(t, hookCalled, "flush hook should not be called when buffers are empty")
}

func TestConcurrentWrites(t *testing.T) {
	const (
		numGoroutines = 10
		writesPerGo   = 100
		batchSize     = 50
	)

	var totalFlushed atomic.Int64

	w := NewAnalyticsWriter(nil, "warchest", batchSize, time.Hour) // no timer flush
	w.SetFlushHook(func(_ context.Context, _ string, rows [][]any) error {
		totalFlushed.Add(int64(len(rows)))
		return nil
	})

	ctx := context.Background()

	// Launch concurrent writers.
	var wg sync.WaitGroup
	for g := 0; g < numGoroutines; g++ {
		wg.Add(1)
		go func(gID int) {
			defer wg.Done()
			for i := 0; i < writesPerGo; i++ {
				if gID%2 == 0 {
					_ = w.WriteTransaction(ctx, makeTxRow(i))
				} else {
					_ = w.WriteGasUpdate(ctx, GasUpdateRow{
						StandardGwei: 3, Utilization: 0.4, Congestion: "low",
						Timestamp: time.Now(), EventID: fmt.Sprintf("gas-%d-%d", gID, i),
					})
				}
			}
		}(g)
	}
	wg.Wait()

	// Flush any remaining buffered rows.
	err := w.Flush(ctx)
	require.NoError(t, err)

	expected := int64(numGoroutines * writesPerGo)
	assert.Equal(t, expected, totalFlushed.Load(),
		"all rows from concurrent writers must be flushed")
}

func TestWriterClosedRejectsWrites(t *testing.T) {
	w := NewAnalyticsWriter(nil, "warchest", 100, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, _ [][]any) error { return nil })

	err := w.Close()
	require.NoError(t, err)

	err = w.WriteTransaction(context.Background(), makeTxRow(0))
	assert.Error(t, err, "writing to a closed writer should return an error")

	err = w.WriteOperation(context.Background(), makeOpRow(0))
	assert.Error(t, err, "writing to a closed writer should return an error")
}

func TestBatchNotFlushedBelowThreshold(t *testing.T) {
	hookCalled := false

	w := NewAnalyticsWriter(nil, "warchest", 100, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, _ [][]any) error {
		hookCalled = true
		return nil
	})

	ctx := context.Background()

	// Write fewer rows than batchSize - should NOT trigger auto-flush.
	for i := 0; i < 50; i++ {
		require.NoError(t, w.WriteTransaction(ctx, makeTxRow(i)))
	}

	assert.False(t, hookCalled, "auto-flush should not fire below batchSize")

	// Verify the rows are buffered.
	_, _, pending := w.Stats()
	assert.Equal(t, 50, pending, "50 transactions should be buffered")
}

func TestTableNamePrefix(t *testing.T) {
	var capturedTable string

	w := NewAnalyticsWriter(nil, "mydb", 1, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, _ [][]any) error {
		capturedTable = table
		return nil
	})

	ctx := context.Background()

	// Writing 1 transaction should trigger a flush (batchSize=1).
	require.NoError(t, w.WriteTransaction(ctx, makeTxRow(0)))

	assert.Equal(t, "mydb.coord_transactions", capturedTable,
		"table name should include the database prefix")
}

func TestTableNameNoPrefix(t *testing.T) {
	var capturedTable string

	w := NewAnalyticsWriter(nil, "", 1, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, _ [][]any) error {
		capturedTable = table
		return nil
	})

	ctx := context.Background()

	require.NoError(t, w.WriteGasUpdate(ctx, GasUpdateRow{StandardGwei: 3, EventID: "gas-0"}))

	assert.Equal(t, "chain_gas_updates", capturedTable,
		"table name should not have a prefix when database is empty")
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

func pipelineMessage(t *testing.T, topic string, event any) bus.Message {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return bus.Message{Topic: topic, Key: "op-test", Value: payload}
}

func TestPipelineJoinsStartedAndCompleted(t *testing.T) {
	var mu sync.Mutex
	flushed := map[string][][]any{}

	w := NewAnalyticsWriter(nil, "", 1000, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, rows [][]any) error {
		mu.Lock()
		flushed[table] = append(flushed[table], rows...)
		mu.Unlock()
		return nil
	})
	p := NewPipeline(nil, w)

	ctx := context.Background()

	started := bus.OperationStarted{
		BaseEvent:   bus.NewBaseEvent("warchest-coord", "1.0.0"),
		OperationID: "op-join",
		PlanID:      "plan-1",
		Kind:        "distribution",
		Wallets:     12,
		Phases:      4,
		TotalAmount: decimal.NewFromFloat(6.0),
		RiskLevel:   "medium",
	}
	require.NoError(t, p.handle(ctx, pipelineMessage(t, bus.Topics.Operations(), started)))

	_, _, _, joins := p.Stats()
	assert.Equal(t, 1, joins, "started event should be cached until completion")

	completed := bus.OperationCompleted{
		BaseEvent:   bus.NewBaseEvent("warchest-coord", "1.0.0"),
		OperationID: "op-join",
		PlanID:      "plan-1",
		Status:      "completed",
		Succeeded:   12,
		Failed:      0,
		Phases:      4,
		Adjustments: 2,
		Duration:    90_000,
	}
	require.NoError(t, p.handle(ctx, pipelineMessage(t, bus.Topics.Operations(), completed)))
	require.NoError(t, w.Flush(ctx))

	rows := flushed["coord_operations"]
	require.Len(t, rows, 1)
	// op_id, plan_id, kind, status, wallets, ...
	assert.Equal(t, "op-join", rows[0][0])
	assert.Equal(t, "distribution", rows[0][2], "kind joined in from the started event")
	assert.Equal(t, "completed", rows[0][3])
	assert.Equal(t, uint32(12), rows[0][4], "wallet count joined in from the started event")
	assert.Equal(t, "medium", rows[0][9])

	_, _, _, joins = p.Stats()
	assert.Zero(t, joins, "join cache entry must be consumed")
}

func TestPipelineRoutesByTopic(t *testing.T) {
	var mu sync.Mutex
	flushed := map[string]int{}

	w := NewAnalyticsWriter(nil, "", 1000, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, rows [][]any) error {
		mu.Lock()
		flushed[table] += len(rows)
		mu.Unlock()
		return nil
	})
	p := NewPipeline(nil, w)

	ctx := context.Background()

	tx := bus.TransactionResult{
		BaseEvent:   bus.NewBaseEvent("warchest-coord", "1.0.0"),
		OperationID: "op-test",
		PhaseID:     "ph-1",
		WalletID:    "numbered-01",
		Address:     "0x0000000000000000000000000000000000000001",
		Amount:      decimal.NewFromFloat(0.5),
		Status:      "confirmed",
		TxHash:      "0xabc",
	}
	require.NoError(t, p.handle(ctx, pipelineMessage(t, bus.Topics.Transactions("withdrawal"), tx)))

	action := bus.AdaptiveActionApplied{
		BaseEvent:   bus.NewBaseEvent("warchest-coord", "1.0.0"),
		OperationID: "op-test",
		Feature:     "gas_spike_response",
		Trigger:     "gas_spike",
		Action:      "pause",
		Threshold:   2.0,
		Observed:    2.4,
	}
	require.NoError(t, p.handle(ctx, pipelineMessage(t, bus.Topics.Adaptive(), action)))

	gas := bus.GasUpdate{
		BaseEvent:    bus.NewBaseEvent("warchest-coord", "1.0.0"),
		StandardGwei: decimal.NewFromFloat(3.2),
		Utilization:  0.55,
		Congestion:   "medium",
	}
	require.NoError(t, p.handle(ctx, pipelineMessage(t, bus.Topics.GasUpdates(), gas)))

	// Unknown topics are skipped, not errors.
	require.NoError(t, p.handle(ctx, bus.Message{Topic: "ops.heartbeat", Value: []byte(`{}`)}))

	require.NoError(t, w.Flush(ctx))

	assert.Equal(t, 1, flushed["coord_transactions"])
	assert.Equal(t, 1, flushed["coord_adaptive_actions"])
	assert.Equal(t, 1, flushed["chain_gas_updates"])

	consumed, skipped, failed, _ := p.Stats()
	assert.Equal(t, int64(3), consumed)
	assert.Equal(t, int64(1), skipped)
	assert.Zero(t, failed)
}

func TestPipelineCompletedWithoutStarted(t *testing.T) {
	var mu sync.Mutex
	var rows [][]any

	w := NewAnalyticsWriter(nil, "", 1000, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, flushedRows [][]any) error {
		mu.Lock()
		if table == "coord_operations" {
			rows = append(rows, flushedRows...)
		}
		mu.Unlock()
		return nil
	})
	p := NewPipeline(nil, w)

	ctx := context.Background()

	// Sink restarted mid-operation: only the completion arrives.
	completed := bus.OperationCompleted{
		BaseEvent:   bus.NewBaseEvent("warchest-coord", "1.0.0"),
		OperationID: "op-orphan",
		Status:      "failed",
		Failed:      3,
	}
	require.NoError(t, p.handle(ctx, pipelineMessage(t, bus.Topics.Operations(), completed)))
	require.NoError(t, w.Flush(ctx))

	require.Len(t, rows, 1)
	assert.Equal(t, "op-orphan", rows[0][0])
	assert.Equal(t, "", rows[0][2], "kind unknown without the started event")
	assert.Equal(t, "failed", rows[0][3])
}

func TestPipelineBadPayloadCountsAsFailed(t *testing.T) {
	w := NewAnalyticsWriter(nil, "", 1000, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, _ [][]any) error { return nil })
	p := NewPipeline(nil, w)

	err := p.handle(context.Background(), bus.Message{
		Topic: bus.Topics.Operations(),
		Value: []byte("{not json"),
	})
	require.Error(t, err)

	_, _, failed, _ := p.Stats()
	assert.Equal(t, int64(1), failed)
}
