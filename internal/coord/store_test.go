package coord

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warchest-ops/warchest/internal/alloc"
	"github.com/warchest-ops/warchest/internal/wallet"
)

// startedOp begins and drives an operation into the executing state.
func startedOp(t *testing.T, store *Store, plan *Plan) *Operation {
	t.Helper()
	op, err := store.Begin(plan)
	require.NoError(t, err)
	require.NoError(t, op.Tracker.Transition(op.ID, OpEventPrepare))
	require.NoError(t, op.Tracker.Transition(op.ID, OpEventStart))
	return op
}

// ---------------------------------------------------------------------------
// TestBegin_RejectsOverlappingWallets
// ---------------------------------------------------------------------------
func TestBegin_RejectsOverlappingWallets(t *testing.T) {
	store := NewStore()

	entriesA := makeEntries(wallet.RoleNumbered, 4, 0.1)
	planA := fastPlan(t, fastPlannerConfig(), KindDistribution, entriesA, quietStealth())
	opA, err := store.Begin(planA)
	require.NoError(t, err)

	// One shared wallet is enough to refuse the whole plan.
	entriesB := append(makeEntries(wallet.RoleDev, 1, 0.1), entriesA[1])
	planB := fastPlan(t, fastPlannerConfig(), KindWithdrawal, entriesB, quietStealth())
	_, err = store.Begin(planB)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWalletsBusy)
	assert.Contains(t, err.Error(), entriesA[1].WalletID)
	assert.Contains(t, err.Error(), opA.ID, "conflict names the owning operation")

	// Releasing the first operation clears the claim.
	store.Finish(opA, Result{OperationID: opA.ID, Status: OpCompleted})
	opB, err := store.Begin(planB)
	require.NoError(t, err)
	assert.NotEqual(t, opA.ID, opB.ID)
}

// ---------------------------------------------------------------------------
// TestBegin_ConflictListCapped
// ---------------------------------------------------------------------------
func TestBegin_ConflictListCapped(t *testing.T) {
	store := NewStore()

	entries := makeEntries(wallet.RoleNumbered, 8, 0.1)
	plan := fastPlan(t, fastPlannerConfig(), KindDistribution, entries, quietStealth())
	_, err := store.Begin(plan)
	require.NoError(t, err)

	_, err = store.Begin(plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWalletsBusy)
	assert.Contains(t, err.Error(), "and 3 more", "only the first five conflicts are spelled out")
}

// ---------------------------------------------------------------------------
// TestFinish_ReleasesAndFilesResult
// ---------------------------------------------------------------------------
func TestFinish_ReleasesAndFilesResult(t *testing.T) {
	store := NewStore()

	entries := makeEntries(wallet.RoleNumbered, 2, 0.1)
	plan := fastPlan(t, fastPlannerConfig(), KindDistribution, entries, quietStealth())
	op, err := store.Begin(plan)
	require.NoError(t, err)
	require.Len(t, store.Active(), 1)

	res := Result{OperationID: op.ID, PlanID: plan.ID, Status: OpCompleted, ExecutedWallets: 2}
	store.Finish(op, res)

	assert.Empty(t, store.Active())
	_, err = store.Get(op.ID)
	assert.ErrorIs(t, err, ErrOperationNotFound)

	got, err := store.Result(op.ID)
	require.NoError(t, err)
	assert.Equal(t, res, got)

	_, err = store.Result("op-unknown")
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

// ---------------------------------------------------------------------------
// TestHistory_NewestFirstAndCapped
// ---------------------------------------------------------------------------
func TestHistory_NewestFirstAndCapped(t *testing.T) {
	store := NewStore()

	entries := makeEntries(wallet.RoleNumbered, 1, 0.1)
	plan := fastPlan(t, fastPlannerConfig(), KindDistribution, entries, quietStealth())

	var firstID, lastID string
	for i := 0; i < historyCap+5; i++ {
		op, err := store.Begin(plan)
		require.NoError(t, err)
		if i == 0 {
			firstID = op.ID
		}
		lastID = op.ID
		store.Finish(op, Result{OperationID: op.ID, Status: OpCompleted})
	}

	all := store.History(0)
	require.Len(t, all, historyCap)
	assert.Equal(t, lastID, all[0].OperationID, "newest first")

	top := store.History(3)
	require.Len(t, top, 3)
	assert.Equal(t, lastID, top[0].OperationID)

	// The oldest results fell off the ring.
	_, err := store.Result(firstID)
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

// ---------------------------------------------------------------------------
// TestStoreProgress_ActiveAndFinished
// ---------------------------------------------------------------------------
func TestStoreProgress_ActiveAndFinished(t *testing.T) {
	store := NewStore()

	entries := makeEntries(wallet.RoleNumbered, 4, 0.1)
	plan := fastPlan(t, fastPlannerConfig(), KindDistribution, entries, quietStealth())
	op := startedOp(t, store, plan)
	op.markStarted()
	op.setCurrentPhase("numbered_wave_1")
	op.phaseDone()
	op.succeeded.Add(2)
	op.failed.Add(1)

	p, err := store.Progress(op.ID)
	require.NoError(t, err)
	assert.Equal(t, OpExecuting, p.State)
	assert.Equal(t, "numbered_wave_1", p.CurrentPhase)
	assert.Equal(t, 1, p.CompletedPhases)
	assert.Equal(t, 3, p.Completed)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 4, p.Total)
	assert.InDelta(t, 75.0, p.Percentage, 1e-9)
	assert.Positive(t, p.Elapsed)

	store.Finish(op, Result{
		OperationID:        op.ID,
		Status:             OpCompleted,
		ExecutedWallets:    3,
		FailedWallets:      1,
		TotalWallets:       4,
		CompletedPhases:    1,
		TotalPhases:        1,
		TotalExecutionTime: 5 * time.Second,
	})

	p, err = store.Progress(op.ID)
	require.NoError(t, err)
	assert.Equal(t, OpCompleted, p.State)
	assert.Equal(t, 4, p.Completed)
	assert.Equal(t, 1, p.Failed)
	assert.InDelta(t, 100.0, p.Percentage, 1e-9)
	assert.Equal(t, 5*time.Second, p.Elapsed)

	_, err = store.Progress("op-unknown")
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

// ---------------------------------------------------------------------------
// TestOperation_PauseGateAndCancel
// ---------------------------------------------------------------------------
func TestOperation_PauseGateAndCancel(t *testing.T) {
	store := NewStore()
	entries := makeEntries(wallet.RoleNumbered, 1, 0.1)
	plan := fastPlan(t, fastPlannerConfig(), KindDistribution, entries, quietStealth())
	op := startedOp(t, store, plan)

	// Open gate: waitResume returns immediately.
	require.NoError(t, op.waitResume(context.Background()))

	require.NoError(t, op.Pause())
	assert.Equal(t, OpPaused, op.State())
	assert.Error(t, op.Pause(), "pausing a paused operation is refused")

	unblocked := make(chan error, 1)
	go func() { unblocked <- op.waitResume(context.Background()) }()
	select {
	case <-unblocked:
		t.Fatal("waitResume must block while paused")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, op.Resume())
	select {
	case err := <-unblocked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("resume did not release the gate")
	}

	// Cancel releases paused waiters with the cooperative sentinel.
	require.NoError(t, op.Pause())
	go func() { unblocked <- op.waitResume(context.Background()) }()
	require.NoError(t, op.Cancel())
	select {
	case err := <-unblocked:
		assert.ErrorIs(t, err, errCancelled)
	case <-time.After(time.Second):
		t.Fatal("cancel did not release the gate")
	}

	assert.True(t, op.Cancelled())
	assert.Error(t, op.Cancel(), "cancelling a terminal operation is refused")
}

// ---------------------------------------------------------------------------
// TestOperation_SleepSemantics
// sleep honors cooperative cancellation; sleepHard ignores it so wallets
// already dispatched can finish.
// ---------------------------------------------------------------------------
func TestOperation_SleepSemantics(t *testing.T) {
	store := NewStore()
	entries := makeEntries(wallet.RoleNumbered, 1, 0.1)
	plan := fastPlan(t, fastPlannerConfig(), KindDistribution, entries, quietStealth())
	op := startedOp(t, store, plan)

	require.NoError(t, op.Cancel())

	assert.ErrorIs(t, op.sleep(context.Background(), time.Hour), errCancelled)
	assert.NoError(t, op.sleepHard(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, op.sleepHard(ctx, time.Hour), context.Canceled)
}

// ---------------------------------------------------------------------------
// TestOperation_AdaptiveStateAndBookkeeping
// ---------------------------------------------------------------------------
func TestOperation_AdaptiveStateAndBookkeeping(t *testing.T) {
	op := newOperation(&Plan{TotalWallets: 4})

	assert.InDelta(t, 1.0, op.DelayMultiplier(), 1e-9)
	op.ScaleDelays(1.5)
	op.ScaleDelays(1.5)
	op.ScaleDelays(0) // ignored
	assert.InDelta(t, 2.25, op.DelayMultiplier(), 1e-9)

	op.ScaleGas(1.25)
	op.ScaleGas(-3) // ignored
	assert.InDelta(t, 1.25, op.GasMultiplier(), 1e-9)

	assert.False(t, op.RandomOrderForced())
	op.ForceRandomOrder()
	assert.True(t, op.RandomOrderForced())

	// First plan error wins; every error is kept for the report.
	op.notePlanError(nil)
	errA := fmt.Errorf("first")
	op.notePlanError(errA)
	op.notePlanError(fmt.Errorf("second"))
	assert.Equal(t, errA, op.planError())

	op.setAbort("gas spike")
	op.setAbort("later reason")
	res := op.snapshotResult()
	assert.Equal(t, "gas spike", res.AbortReason)
	assert.Equal(t, []string{"first", "second"}, res.Errors)

	// Journal copies are isolated from the live journal.
	op.appendTx(TxRecord{ID: "tx-1", WalletID: "numbered-01", Status: TxPending})
	txs := op.Transactions()
	txs[0].Status = TxConfirmed
	assert.Equal(t, TxPending, op.Transactions()[0].Status)

	op.resolveTx("tx-ghost", func(r *TxRecord) { r.Status = TxFailed }) // unknown id is a no-op
	assert.Equal(t, TxPending, op.Transactions()[0].Status)

	assert.Zero(t, op.FailureRate(), "no dispatches yet")
	op.dispatched.Add(2)
	op.failed.Add(1)
	assert.InDelta(t, 0.5, op.FailureRate(), 1e-9)
}
