package coord

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warchest-ops/warchest/internal/alloc"
	"github.com/warchest-ops/warchest/internal/bus"
	"github.com/warchest-ops/warchest/internal/chain"
	"github.com/warchest-ops/warchest/internal/vault"
	"github.com/warchest-ops/warchest/internal/wallet"
)

// ---------------------------------------------------------------------------
// Service rig
// ---------------------------------------------------------------------------

type svcRig struct {
	client   *chain.StubClient
	repo     *wallet.InMemoryRepository
	session  *vault.StubSession
	producer *bus.StubProducer
	store    *Store
	svc      *Service
}

func newSvcRig(t *testing.T, limits alloc.Limits, fleet []wallet.Snapshot) *svcRig {
	t.Helper()
	rig := &svcRig{
		client:   chain.NewStubClient(),
		repo:     wallet.NewInMemoryRepository(),
		session:  vault.NewStubSession(true),
		producer: bus.NewStubProducer(),
		store:    NewStore(),
	}
	for _, w := range fleet {
		rig.repo.Add(w)
	}
	executor := NewExecutor(fastExecutorConfig(), ExecutorDeps{
		Client:   rig.client,
		Repo:     rig.repo,
		Session:  rig.session,
		Producer: rig.producer,
	})
	svc, err := NewService(ServiceConfig{
		Treasury: Treasury{WalletID: "treasury", Address: nextAddr()},
		Limits:   limits,
		Stealth:  quietStealth(),
		Planner:  fastPlannerConfig(),
	}, rig.repo, rig.session, executor, rig.store, nil, nil)
	require.NoError(t, err)
	rig.svc = svc
	return rig
}

func fleetOf(role wallet.Role, n int, balance float64) []wallet.Snapshot {
	out := make([]wallet.Snapshot, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, wallet.Snapshot{
			ID:      fmt.Sprintf("%s-%02d", role, i+1),
			Address: nextAddr(),
			Role:    role,
			Balance: decimal.NewFromFloat(balance),
		})
	}
	return out
}

func openLimits() alloc.Limits {
	return alloc.Limits{
		MaxPerWallet: decimal.NewFromInt(10),
		MaxTotal:     decimal.NewFromInt(100),
	}
}

// ---------------------------------------------------------------------------
// TestDistribute_EqualEndToEnd
// The whole pipeline: allocation, validation, planning, execution,
// history.
// ---------------------------------------------------------------------------
func TestDistribute_EqualEndToEnd(t *testing.T) {
	fleet := fleetOf(wallet.RoleNumbered, 4, 0.1)
	rig := newSvcRig(t, openLimits(), fleet)

	res, err := rig.svc.Distribute(context.Background(), DistributionRequest{
		Method:      alloc.MethodEqual,
		TotalAmount: decimal.NewFromInt(2),
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, KindDistribution, res.Kind)
	assert.Equal(t, 4, res.ExecutedWallets)
	assert.Zero(t, res.FailedWallets)

	submitted := rig.client.Submitted()
	require.Len(t, submitted, 4)
	for _, req := range submitted {
		assert.True(t, req.Amount.Equal(decimal.NewFromFloat(0.5)), "equal split of 2 over 4, got %s", req.Amount)
		assert.Equal(t, "treasury", req.FromWalletID)
	}

	// Registry advanced to 0.1 + 0.5 per wallet.
	for _, w := range fleet {
		snap, err := rig.repo.Get(context.Background(), w.ID)
		require.NoError(t, err)
		assert.True(t, snap.Balance.Equal(decimal.NewFromFloat(0.6)), "wallet %s balance %s", w.ID, snap.Balance)
	}

	// The operation is filed, its wallets released.
	assert.Empty(t, rig.svc.Active())
	history := rig.svc.History(5)
	require.Len(t, history, 1)
	assert.Equal(t, res.OperationID, history[0].OperationID)

	got, err := rig.svc.Result(res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, res.OperationID, got.OperationID)
	assert.True(t, got.Success)
}

// ---------------------------------------------------------------------------
// TestWithdraw_PartialLeavesMinimumBehind
// 0.05 balance, 0.01 floor, 50% -> recover 0.02; wallets at or under the
// floor are left alone entirely.
// ---------------------------------------------------------------------------
func TestWithdraw_PartialLeavesMinimumBehind(t *testing.T) {
	fleet := []wallet.Snapshot{
		{ID: "numbered-01", Address: nextAddr(), Role: wallet.RoleNumbered, Balance: decimal.NewFromFloat(0.05)},
		{ID: "numbered-02", Address: nextAddr(), Role: wallet.RoleNumbered, Balance: decimal.NewFromFloat(0.005)},
	}
	rig := newSvcRig(t, openLimits(), fleet)

	res, err := rig.svc.Withdraw(context.Background(), WithdrawalRequest{
		Type:           alloc.WithdrawPartial,
		MinimumBalance: decimal.NewFromFloat(0.01),
		Percentage:     decimal.NewFromInt(50),
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, KindWithdrawal, res.Kind)
	assert.Equal(t, 1, res.ExecutedWallets)
	assert.Equal(t, 1, res.TotalWallets, "the under-floor wallet never enters the plan")

	submitted := rig.client.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, "numbered-01", submitted[0].FromWalletID)
	assert.True(t, submitted[0].Amount.Equal(decimal.NewFromFloat(0.02)), "got %s", submitted[0].Amount)

	snap, err := rig.repo.Get(context.Background(), "numbered-01")
	require.NoError(t, err)
	assert.True(t, snap.Balance.Equal(decimal.NewFromFloat(0.03)))

	untouched, err := rig.repo.Get(context.Background(), "numbered-02")
	require.NoError(t, err)
	assert.True(t, untouched.Balance.Equal(decimal.NewFromFloat(0.005)))
}

// ---------------------------------------------------------------------------
// TestDistribute_ValidationReportsEveryViolation
// ---------------------------------------------------------------------------
func TestDistribute_ValidationReportsEveryViolation(t *testing.T) {
	fleet := fleetOf(wallet.RoleNumbered, 4, 0.1)
	rig := newSvcRig(t, alloc.Limits{
		MaxPerWallet: decimal.NewFromFloat(0.1),
		MaxTotal:     decimal.NewFromFloat(1.5),
	}, fleet)

	_, err := rig.svc.Distribute(context.Background(), DistributionRequest{
		Method:      alloc.MethodEqual,
		TotalAmount: decimal.NewFromInt(2),
	})
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.False(t, verr.Report.Valid)
	// Four per-wallet cap breaches plus the total cap: the caller sees
	// all of them at once, not just the first.
	assert.Len(t, verr.Report.Issues, 5)
	assert.Len(t, verr.Report.Fatal(), 5)
	assert.Contains(t, err.Error(), "plan rejected")

	assert.Empty(t, rig.client.Submitted())
	assert.Empty(t, rig.svc.Active())
	assert.Empty(t, rig.svc.History(0))
}

// ---------------------------------------------------------------------------
// TestOperations_RefusedWhileSessionLocked
// ---------------------------------------------------------------------------
func TestOperations_RefusedWhileSessionLocked(t *testing.T) {
	rig := newSvcRig(t, openLimits(), fleetOf(wallet.RoleNumbered, 2, 0.1))
	rig.session.Lock()

	_, err := rig.svc.Distribute(context.Background(), DistributionRequest{
		Method:      alloc.MethodEqual,
		TotalAmount: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, vault.ErrSessionLocked)

	_, err = rig.svc.Withdraw(context.Background(), WithdrawalRequest{Type: alloc.WithdrawAll})
	assert.ErrorIs(t, err, vault.ErrSessionLocked)

	assert.Empty(t, rig.client.Submitted())
}

// ---------------------------------------------------------------------------
// TestWithdraw_NothingAboveFloor
// ---------------------------------------------------------------------------
func TestWithdraw_NothingAboveFloor(t *testing.T) {
	rig := newSvcRig(t, openLimits(), fleetOf(wallet.RoleNumbered, 3, 0.005))

	_, err := rig.svc.Withdraw(context.Background(), WithdrawalRequest{
		Type:           alloc.WithdrawAll,
		MinimumBalance: decimal.NewFromFloat(0.01),
	})
	assert.ErrorIs(t, err, ErrNoActionableWallets)
	assert.Empty(t, rig.client.Submitted())
}

// ---------------------------------------------------------------------------
// TestDistribute_MalformedRegistryAddress
// A bad registry entry fails the request before anything moves.
// ---------------------------------------------------------------------------
func TestDistribute_MalformedRegistryAddress(t *testing.T) {
	fleet := fleetOf(wallet.RoleNumbered, 2, 0.1)
	rig := newSvcRig(t, openLimits(), fleet)
	rig.repo.Add(wallet.Snapshot{ID: "bad-01", Address: "0x123", Role: wallet.RoleNumbered})

	_, err := rig.svc.Distribute(context.Background(), DistributionRequest{
		Method:      alloc.MethodEqual,
		TotalAmount: decimal.NewFromInt(1),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, wallet.ErrBadAddress)
	assert.Contains(t, err.Error(), "bad-01")
	assert.Empty(t, rig.client.Submitted())
}

// ---------------------------------------------------------------------------
// TestService_ControlSurface
// Pause, resume, progress, and history against a live operation.
// ---------------------------------------------------------------------------
func TestService_ControlSurface(t *testing.T) {
	rig := newSvcRig(t, openLimits(), fleetOf(wallet.RoleNumbered, 6, 0.1))
	rig.client.SetLatency(25 * time.Millisecond)

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := rig.svc.Distribute(context.Background(), DistributionRequest{
			Method:      alloc.MethodEqual,
			TotalAmount: decimal.NewFromInt(3),
		})
		done <- outcome{res, err}
	}()

	var id string
	require.Eventually(t, func() bool {
		ops := rig.svc.Active()
		if len(ops) != 1 || ops[0].State != OpExecuting {
			return false
		}
		id = ops[0].OperationID
		return true
	}, 2*time.Second, time.Millisecond)

	p, err := rig.svc.Progress(id)
	require.NoError(t, err)
	assert.Equal(t, 6, p.Total)

	require.NoError(t, rig.svc.Pause(id))
	p, err = rig.svc.Progress(id)
	require.NoError(t, err)
	assert.Equal(t, OpPaused, p.State)

	require.NoError(t, rig.svc.Resume(id))

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("operation did not finish")
	}
	require.NoError(t, out.err)
	assert.True(t, out.res.Success)
	assert.Equal(t, id, out.res.OperationID)

	// Finished: out of Active, into History, Progress served from the
	// terminal record.
	assert.Empty(t, rig.svc.Active())
	history := rig.svc.History(1)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].OperationID)

	p, err = rig.svc.Progress(id)
	require.NoError(t, err)
	assert.Equal(t, OpCompleted, p.State)
	assert.InDelta(t, 100.0, p.Percentage, 1e-9)

	// Control calls on unknown or finished operations are refused.
	assert.ErrorIs(t, rig.svc.Pause(id), ErrOperationNotFound)
	assert.ErrorIs(t, rig.svc.Cancel("op-unknown"), ErrOperationNotFound)
}

// ---------------------------------------------------------------------------
// TestService_CancelRunningOperation
// ---------------------------------------------------------------------------
func TestService_CancelRunningOperation(t *testing.T) {
	rig := newSvcRig(t, openLimits(), fleetOf(wallet.RoleNumbered, 8, 0.1))
	rig.client.SetLatency(30 * time.Millisecond)

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := rig.svc.Distribute(context.Background(), DistributionRequest{
			Method:      alloc.MethodEqual,
			TotalAmount: decimal.NewFromInt(4),
		})
		done <- outcome{res, err}
	}()

	var id string
	require.Eventually(t, func() bool {
		ops := rig.svc.Active()
		if len(ops) != 1 || ops[0].State != OpExecuting {
			return false
		}
		id = ops[0].OperationID
		return true
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, rig.svc.Cancel(id))

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("operation did not finish")
	}
	require.NoError(t, out.err)
	assert.Equal(t, OpCancelled, out.res.Status)
	assert.False(t, out.res.Success)
	assert.Less(t, out.res.ExecutedWallets, 8)

	// The fleet is free again for the next operation.
	rig.client.SetLatency(0)
	res, err := rig.svc.Distribute(context.Background(), DistributionRequest{
		Method:      alloc.MethodEqual,
		TotalAmount: decimal.NewFromInt(4),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

// ---------------------------------------------------------------------------
// TestService_OverlappingOperationRejected
// ---------------------------------------------------------------------------
func TestService_OverlappingOperationRejected(t *testing.T) {
	rig := newSvcRig(t, openLimits(), fleetOf(wallet.RoleNumbered, 4, 0.1))
	rig.client.SetLatency(40 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := rig.svc.Distribute(context.Background(), DistributionRequest{
			Method:      alloc.MethodEqual,
			TotalAmount: decimal.NewFromInt(2),
		})
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(rig.svc.Active()) == 1
	}, 2*time.Second, time.Millisecond)

	_, err := rig.svc.Withdraw(context.Background(), WithdrawalRequest{Type: alloc.WithdrawAll})
	assert.ErrorIs(t, err, ErrWalletsBusy)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("first operation did not finish")
	}
}

// ---------------------------------------------------------------------------
// TestNewService_Wiring
// ---------------------------------------------------------------------------
func TestNewService_Wiring(t *testing.T) {
	repo := wallet.NewInMemoryRepository()
	session := vault.NewStubSession(true)
	executor := NewExecutor(fastExecutorConfig(), ExecutorDeps{
		Client:  chain.NewStubClient(),
		Repo:    repo,
		Session: session,
	})
	cfg := ServiceConfig{Treasury: Treasury{Address: nextAddr()}}

	_, err := NewService(cfg, nil, session, executor, nil, nil, nil)
	assert.ErrorContains(t, err, "wallet repository is required")

	_, err = NewService(cfg, repo, nil, executor, nil, nil, nil)
	assert.ErrorContains(t, err, "vault session is required")

	_, err = NewService(cfg, repo, session, nil, nil, nil, nil)
	assert.ErrorContains(t, err, "executor is required")

	bad := cfg
	bad.Treasury.Address = "not-an-address"
	_, err = NewService(bad, repo, session, executor, nil, nil, nil)
	assert.ErrorContains(t, err, "treasury address")

	svc, err := NewService(cfg, repo, session, executor, nil, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, svc)
}

// ---------------------------------------------------------------------------
// TestDistribute_UnknownMethodPropagates
// ---------------------------------------------------------------------------
func TestDistribute_UnknownMethodPropagates(t *testing.T) {
	rig := newSvcRig(t, openLimits(), fleetOf(wallet.RoleNumbered, 2, 0.1))

	_, err := rig.svc.Distribute(context.Background(), DistributionRequest{
		Method:      alloc.Method("banana"),
		TotalAmount: decimal.NewFromInt(1),
	})
	assert.ErrorContains(t, err, "unknown distribution method")
}
