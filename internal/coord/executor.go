package coord

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/warchest-ops/warchest/internal/alloc"
	"github.com/warchest-ops/warchest/internal/audit"
	"github.com/warchest-ops/warchest/internal/bus"
	"github.com/warchest-ops/warchest/internal/chain"
	"github.com/warchest-ops/warchest/internal/observability"
	"github.com/warchest-ops/warchest/internal/stealth"
	"github.com/warchest-ops/warchest/internal/vault"
	"github.com/warchest-ops/warchest/internal/wallet"
)

// Safety check names the executor recognizes. Unknown names fail the
// phase rather than being silently skipped.
const (
	CheckSessionUnlocked = "session_unlocked"
	CheckAmountsPositive = "amounts_positive"
	CheckGasSane         = "gas_price_sane"
)

// ErrDependencyDeadlock is returned when a phase's dependencies never
// resolve within the configured wait budget.
var ErrDependencyDeadlock = errors.New("coord: dependency deadlock")

// ---------------------------------------------------------------------------
// Configuration and wiring
// ---------------------------------------------------------------------------

// ExecutorConfig bounds the executor's concurrency and waits.
type ExecutorConfig struct {
	MaxConcurrentTransfers int           `yaml:"max_concurrent_transfers"`
	DependencyPollInterval time.Duration `yaml:"dependency_poll_interval"`
	DependencyTimeout      time.Duration `yaml:"dependency_timeout"`
	GasUrgency             chain.Urgency `yaml:"gas_urgency"`
	PauseHold              time.Duration `yaml:"pause_hold"` // adaptive pause length when the action carries none
}

// DefaultExecutorConfig returns production settings.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrentTransfers: 8,
		DependencyPollInterval: 250 * time.Millisecond,
		DependencyTimeout:      2 * time.Minute,
		GasUrgency:             chain.UrgencyMedium,
		PauseHold:              30 * time.Second,
	}
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	def := DefaultExecutorConfig()
	if c.MaxConcurrentTransfers <= 0 {
		c.MaxConcurrentTransfers = def.MaxConcurrentTransfers
	}
	if c.DependencyPollInterval <= 0 {
		c.DependencyPollInterval = def.DependencyPollInterval
	}
	if c.DependencyTimeout <= 0 {
		c.DependencyTimeout = def.DependencyTimeout
	}
	if c.GasUrgency == "" {
		c.GasUrgency = def.GasUrgency
	}
	if c.PauseHold <= 0 {
		c.PauseHold = def.PauseHold
	}
	return c
}

// ExecutorDeps wires the executor into the rest of the system. Client,
// Repo and Session are required; everything else degrades gracefully when
// absent.
type ExecutorDeps struct {
	Client     chain.Client
	Repo       wallet.Repository
	Session    vault.Session
	Oracle     *chain.Oracle  // optional gas source
	Congestion func() float64 // optional utilization reading for anti-MEV pacing
	Adaptive   *Engine
	Stealth    *stealth.Generator
	Producer   bus.Producer
	Trail      *audit.Trail
	Metrics    *observability.Registry // must be a WarchestMetrics registry
}

// Executor walks a plan phase by phase: waits out dependencies, runs
// safety checks, paces wallet groups with stealth timing, and lets the
// adaptive engine adjust the remainder after every completed phase.
type Executor struct {
	cfg        ExecutorConfig
	client     chain.Client
	repo       wallet.Repository
	session    vault.Session
	oracle     *chain.Oracle
	congestion func() float64
	adaptive   *Engine
	gen        *stealth.Generator
	producer   bus.Producer
	trail      *audit.Trail
	metrics    *observability.Registry
	slots      chan struct{} // in-flight transfer cap, shared by every group
}

// NewExecutor builds an executor. Optional deps left nil are replaced
// with inert defaults so call sites stay small.
func NewExecutor(cfg ExecutorConfig, deps ExecutorDeps) *Executor {
	if deps.Stealth == nil {
		deps.Stealth = stealth.NewGenerator(nil)
	}
	if deps.Adaptive == nil {
		deps.Adaptive = NewEngine(nil)
	}
	if deps.Producer == nil {
		deps.Producer = bus.NewStubProducer()
	}
	if deps.Trail == nil {
		deps.Trail = audit.NewTrail(nil, 256)
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.WarchestMetrics()
	}
	if deps.Congestion == nil {
		deps.Congestion = func() float64 { return 0 }
	}
	cfg = cfg.withDefaults()
	return &Executor{
		cfg:        cfg,
		client:     deps.Client,
		repo:       deps.Repo,
		session:    deps.Session,
		oracle:     deps.Oracle,
		congestion: deps.Congestion,
		adaptive:   deps.Adaptive,
		gen:        deps.Stealth,
		producer:   deps.Producer,
		trail:      deps.Trail,
		metrics:    deps.Metrics,
		slots:      make(chan struct{}, cfg.MaxConcurrentTransfers),
	}
}

// ---------------------------------------------------------------------------
// Operation run loop
// ---------------------------------------------------------------------------

// Run executes the operation's plan to a terminal state. The returned
// Result is always populated, including after plan-level failures,
// adaptive aborts, and cancellation; the error is non-nil only for
// plan-level failures that aborted the remaining phases.
func (e *Executor) Run(ctx context.Context, op *Operation) (Result, error) {
	if err := op.Tracker.Transition(op.ID, OpEventStart); err != nil {
		return Result{}, err
	}
	op.markStarted()

	active := e.metrics.GetGauge("warchest_active_operations")
	active.Inc()
	defer active.Dec()

	e.publishStarted(ctx, op)
	e.trail.RecordOperation(op.ID, "started", map[string]interface{}{
		"plan_id": op.Plan.ID,
		"kind":    string(op.Plan.Kind),
		"wallets": op.Plan.TotalWallets,
	})

	var runErr error
	for i := range op.Plan.Phases {
		if op.Cancelled() {
			break
		}
		phase := &op.Plan.Phases[i]
		if err := e.runPhase(ctx, op, phase); err != nil {
			if errors.Is(err, errCancelled) {
				break
			}
			op.notePlanError(err)
			runErr = err
			break
		}
		op.phaseDone()

		if op.Cancelled() {
			break
		}
		if stop, reason := e.adaptiveCheckpoint(ctx, op); stop {
			op.setAbort(reason)
			break
		}
	}

	op.markFinished()
	e.finishTracker(op, runErr)

	res := op.snapshotResult()
	e.metrics.GetCounter("warchest_operations_total").Inc()
	e.publishCompleted(ctx, op, res)
	e.trail.RecordOperation(op.ID, string(res.Status), map[string]interface{}{
		"succeeded":    res.ExecutedWallets,
		"failed":       res.FailedWallets,
		"phases":       res.CompletedPhases,
		"abort_reason": res.AbortReason,
	})

	log.Info().
		Str("operation_id", op.ID).
		Str("status", string(res.Status)).
		Int("succeeded", res.ExecutedWallets).
		Int("failed", res.FailedWallets).
		Int("phases", res.CompletedPhases).
		Dur("took", res.TotalExecutionTime).
		Msg("operation finished")

	return res, runErr
}

// finishTracker moves the operation into its terminal state. A cancel has
// already transitioned the tracker; everything else resolves here.
func (e *Executor) finishTracker(op *Operation, runErr error) {
	if op.Tracker.Terminal() {
		return
	}
	event := OpEventComplete
	if runErr != nil || op.aborted() {
		event = OpEventFail
	}
	if err := op.Tracker.Transition(op.ID, event); err != nil {
		log.Warn().Err(err).Str("operation_id", op.ID).Msg("terminal transition refused")
	}
}

// ---------------------------------------------------------------------------
// Phase execution
// ---------------------------------------------------------------------------

func (e *Executor) runPhase(ctx context.Context, op *Operation, phase *Phase) error {
	tracker := op.phaseTracker(phase.ID)
	start := time.Now()

	if len(phase.Dependencies) > 0 {
		resolved, err := e.depsResolved(op, phase)
		if err != nil {
			_ = tracker.Transition(phase.ID, PhaseEventFail)
			return err
		}
		if !resolved {
			if err := tracker.Transition(phase.ID, PhaseEventWait); err != nil {
				return err
			}
			if err := e.waitForDependencies(ctx, op, phase); err != nil {
				if !errors.Is(err, errCancelled) && !errors.Is(err, context.Canceled) {
					_ = tracker.Transition(phase.ID, PhaseEventFail)
				}
				return err
			}
		}
	}

	if err := e.safetyChecks(phase); err != nil {
		_ = tracker.Transition(phase.ID, PhaseEventFail)
		return err
	}

	if err := tracker.Transition(phase.ID, PhaseEventActivate); err != nil {
		return err
	}
	op.setCurrentPhase(phase.Name)

	log.Info().
		Str("operation_id", op.ID).
		Str("phase_id", phase.ID).
		Str("phase", phase.Name).
		Int("groups", len(phase.Groups)).
		Int("wallets", phase.WalletCount()).
		Msg("phase starting")

	// Randomized lead-in so phase boundaries never land on a fixed beat.
	lead := e.gen.Jitter(scaleDur(phase.Timing.StartDelay, op.DelayMultiplier()), phase.Timing.VariationPercent)
	if err := op.sleep(ctx, lead); err != nil {
		return err
	}

	var dispatched, failed int64
	groups := pool.New()
	for gi := range phase.Groups {
		gi := gi
		group := &phase.Groups[gi]
		groups.Go(func() {
			spread := scaleDur(time.Duration(gi)*phase.Timing.Overlap, op.DelayMultiplier())
			if err := op.sleep(ctx, spread); err != nil {
				return
			}
			d, f := e.runGroup(ctx, op, phase, group)
			atomic.AddInt64(&dispatched, d)
			atomic.AddInt64(&failed, f)
		})
	}
	groups.Wait()

	took := time.Since(start)
	e.metrics.GetHistogram("warchest_phase_duration_ms").ObserveMS(took)

	if err := op.planError(); err != nil {
		_ = tracker.Transition(phase.ID, PhaseEventFail)
		e.publishPhase(ctx, op, phase, "failed", int(dispatched), int(failed), took)
		return err
	}
	if op.Cancelled() {
		return errCancelled
	}
	// A context death between batches leaves no plan error behind; it
	// still must not let a partially dispatched phase complete.
	if err := ctx.Err(); err != nil {
		_ = tracker.Transition(phase.ID, PhaseEventFail)
		e.publishPhase(ctx, op, phase, "failed", int(dispatched), int(failed), took)
		return err
	}

	if err := tracker.Transition(phase.ID, PhaseEventComplete); err != nil {
		return err
	}
	e.publishPhase(ctx, op, phase, "completed", int(dispatched), int(failed), took)

	log.Info().
		Str("operation_id", op.ID).
		Str("phase", phase.Name).
		Int64("dispatched", dispatched).
		Int64("failed", failed).
		Dur("took", took).
		Msg("phase completed")
	return nil
}

// depsResolved reports whether every dependency has left the active path.
func (e *Executor) depsResolved(op *Operation, phase *Phase) (bool, error) {
	for _, dep := range phase.Dependencies {
		tr := op.phaseTracker(dep)
		if tr == nil {
			return false, fmt.Errorf("coord: phase %s depends on unknown phase %s", phase.ID, dep)
		}
		if !tr.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// waitForDependencies polls at a bounded interval until every dependency
// resolves or the wait budget runs out.
func (e *Executor) waitForDependencies(ctx context.Context, op *Operation, phase *Phase) error {
	deadline := time.Now().Add(e.cfg.DependencyTimeout)
	ticker := time.NewTicker(e.cfg.DependencyPollInterval)
	defer ticker.Stop()

	for {
		resolved, err := e.depsResolved(op, phase)
		if err != nil {
			return err
		}
		if resolved {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: phase %s waited %s for %v",
				ErrDependencyDeadlock, phase.ID, e.cfg.DependencyTimeout, phase.Dependencies)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-op.cancel:
			return errCancelled
		}
	}
}

func (e *Executor) safetyChecks(phase *Phase) error {
	for _, check := range phase.SafetyChecks {
		switch check {
		case CheckSessionUnlocked:
			if err := e.session.RequireUnlocked(); err != nil {
				return fmt.Errorf("coord: safety check %s: %w", check, err)
			}
		case CheckAmountsPositive:
			for i := range phase.Groups {
				for _, entry := range phase.Groups[i].Entries {
					if !entry.PlannedAmount.IsPositive() {
						return fmt.Errorf("coord: safety check %s: wallet %s planned %s",
							check, entry.WalletID, entry.PlannedAmount)
					}
				}
			}
		case CheckGasSane:
			if e.oracle != nil {
				if std := e.oracle.Info().Standard; std.GreaterThanOrEqual(decimal.NewFromInt(chain.MaxGasPriceGwei)) {
					return fmt.Errorf("coord: safety check %s: standard gas %s gwei at ceiling", check, std)
				}
			}
		default:
			return fmt.Errorf("coord: unknown safety check %q", check)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Group and batch execution
// ---------------------------------------------------------------------------

// runGroup dispatches one wallet group in stealth-ordered batches.
// Returns dispatched and failed counts.
func (e *Executor) runGroup(ctx context.Context, op *Operation, phase *Phase, group *Group) (int64, int64) {
	batches := e.groupBatches(op, group)

	var dispatched, failed int64
	for bi, batch := range batches {
		// Batch boundaries are the cooperative suspension points: pause
		// holds here, cancel stops here, plan errors stop here.
		if op.Cancelled() || op.planError() != nil {
			break
		}
		if err := op.waitResume(ctx); err != nil {
			break
		}
		if op.Cancelled() || op.planError() != nil {
			break
		}

		// Every batch member starts its stagger clock immediately; the
		// transfer slots, not goroutine count, bound actual client calls.
		var batchFailed atomic.Int64
		workers := pool.New()
		for wi, entry := range batch {
			wi, entry := wi, entry
			workers.Go(func() {
				if !e.dispatch(ctx, op, phase, group, entry, wi) {
					batchFailed.Add(1)
				}
			})
		}
		workers.Wait()

		dispatched += int64(len(batch))
		failed += batchFailed.Load()
		e.publishBatch(ctx, op, phase, group, bi, len(batch), int(batchFailed.Load()))

		if bi < len(batches)-1 {
			rest := scaleDur(group.Timing.InterBatchDelay, op.DelayMultiplier())
			if err := op.sleep(ctx, rest); err != nil {
				break
			}
		}
	}
	return dispatched, failed
}

// groupBatches orders the group's wallets by its stealth pattern and cuts
// them into batches. The organic pattern's clusters become the batches
// themselves; every other pattern is chunked by the configured batch
// size. An adaptive sequence change overrides the pattern with random.
func (e *Executor) groupBatches(op *Operation, group *Group) [][]alloc.Entry {
	pattern := group.Stealth.Pattern
	if op.RandomOrderForced() {
		pattern = stealth.PatternRandom
	}

	byID := make(map[string]alloc.Entry, len(group.Entries))
	ids := make([]string, 0, len(group.Entries))
	for _, entry := range group.Entries {
		byID[entry.WalletID] = entry
		ids = append(ids, entry.WalletID)
	}

	clusters, err := e.gen.Clusters(pattern, ids)
	if err != nil {
		log.Warn().Err(err).Str("group_id", group.ID).Msg("pattern rejected, falling back to sequential")
		clusters, _ = e.gen.Clusters(stealth.PatternSequential, ids)
	}

	if pattern == stealth.PatternOrganic {
		batches := make([][]alloc.Entry, 0, len(clusters))
		for _, cluster := range clusters {
			batch := make([]alloc.Entry, 0, len(cluster))
			for _, id := range cluster {
				batch = append(batch, byID[id])
			}
			batches = append(batches, batch)
		}
		return batches
	}

	var flat []alloc.Entry
	for _, cluster := range clusters {
		for _, id := range cluster {
			flat = append(flat, byID[id])
		}
	}
	size := group.Timing.BatchSize
	if size <= 0 {
		size = len(flat)
	}
	var batches [][]alloc.Entry
	for start := 0; start < len(flat); start += size {
		end := start + size
		if end > len(flat) {
			end = len(flat)
		}
		batches = append(batches, flat[start:end])
	}
	return batches
}

// dispatch submits one wallet's transfer and resolves its journal record.
// Reports false on any failure. Once a wallet is dispatched it always
// reaches a terminal record, even under cancellation.
func (e *Executor) dispatch(ctx context.Context, op *Operation, phase *Phase, group *Group, entry alloc.Entry, index int) bool {
	txID := "tx-" + uuid.New().String()[:12]
	rec := TxRecord{
		ID:          txID,
		PhaseID:     phase.ID,
		WalletID:    entry.WalletID,
		Address:     entry.Address,
		Role:        entry.Role,
		Amount:      entry.PlannedAmount,
		Status:      TxPending,
		SubmittedAt: time.Now(),
	}
	op.appendTx(rec)
	op.dispatched.Add(1)

	// Per-wallet stealth offset inside the batch.
	var offset time.Duration
	if group.Timing.Randomization {
		offset = e.gen.Offset(group.Timing.StaggerDelay)
	} else {
		offset = time.Duration(index) * group.Timing.StaggerDelay
	}
	if group.Stealth.Pattern == stealth.PatternBurst {
		offset += e.gen.Micro()
	}
	offset = scaleDur(offset, op.DelayMultiplier())
	offset += e.gen.AntiMEVDelay(op.Plan.Kind.opKind(), e.congestion(), group.Stealth.MEVProtection)
	e.metrics.GetHistogram("warchest_wallet_delay_ms").ObserveMS(offset)

	if err := op.sleepHard(ctx, offset); err != nil {
		return e.resolveFailed(ctx, op, phase, txID, entry, fmt.Errorf("dispatch aborted: %w", err))
	}

	from, to := e.endpoints(op, entry)
	req := chain.TransferRequest{
		FromWalletID: from.WalletID,
		FromAddress:  from.Address,
		ToAddress:    to,
		Amount:       entry.PlannedAmount,
		GasPrice:     e.gasPrice(op),
		Ref:          txID,
	}

	// One slot per in-flight client call, capped across every group and
	// batch. Like the stagger wait, a cancel request does not pull an
	// already dispatched wallet back out of the queue.
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return e.resolveFailed(ctx, op, phase, txID, entry, fmt.Errorf("dispatch aborted: %w", ctx.Err()))
	}

	start := time.Now()
	receipt, err := e.client.Transfer(ctx, req)
	latency := time.Since(start)
	<-e.slots
	op.observeLatency(latency)
	e.metrics.GetCounter("warchest_transfers_submitted_total").Inc()
	e.metrics.GetHistogram("warchest_transfer_latency_ms").ObserveMS(latency)

	if err != nil {
		// Infrastructure refusal (signing, node). This aborts the plan;
		// the wallet still gets its terminal record.
		op.notePlanError(fmt.Errorf("coord: transfer for wallet %s: %w", entry.WalletID, err))
		return e.resolveFailed(ctx, op, phase, txID, entry, err)
	}
	if !receipt.Success {
		return e.resolveFailed(ctx, op, phase, txID, entry, errors.New(receipt.Error))
	}

	op.resolveTx(txID, func(r *TxRecord) {
		r.Status = TxConfirmed
		r.TxHash = receipt.TxHash
		r.GasUsed = receipt.GasUsed
		r.BalanceAfter = entry.FinalBalance
		r.CompletedAt = time.Now()
	})
	op.succeeded.Add(1)
	e.metrics.GetCounter("warchest_transfers_confirmed_total").Inc()

	if err := e.repo.UpdateBalance(ctx, entry.Address, entry.FinalBalance); err != nil {
		log.Warn().Err(err).Str("wallet_id", entry.WalletID).Msg("balance update failed after confirmation")
	}

	e.publishTx(ctx, op, phase, entry, "confirmed", receipt.TxHash, receipt.GasUsed, "")
	e.trail.RecordTransaction(op.ID, entry.WalletID, txID, "confirmed", map[string]interface{}{
		"amount":  entry.PlannedAmount.String(),
		"tx_hash": receipt.TxHash,
	})
	return true
}

// resolveFailed finalizes a dispatched wallet's record as failed. Always
// returns false so dispatch call sites can tail-call it.
func (e *Executor) resolveFailed(ctx context.Context, op *Operation, phase *Phase, txID string, entry alloc.Entry, cause error) bool {
	msg := "transfer failed"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	op.resolveTx(txID, func(r *TxRecord) {
		r.Status = TxFailed
		r.Error = msg
		r.CompletedAt = time.Now()
	})
	op.failed.Add(1)
	e.metrics.GetCounter("warchest_transfers_failed_total").Inc()

	log.Warn().
		Str("operation_id", op.ID).
		Str("wallet_id", entry.WalletID).
		Str("error", msg).
		Msg("wallet dispatch failed")

	e.publishTx(ctx, op, phase, entry, "failed", "", decimal.Zero, msg)
	e.trail.RecordTransaction(op.ID, entry.WalletID, txID, "failed", map[string]interface{}{
		"amount": entry.PlannedAmount.String(),
		"error":  msg,
	})
	return false
}

// endpoints resolves transfer direction: treasury funds the fleet on
// distribution, the fleet drains back to treasury on withdrawal.
func (e *Executor) endpoints(op *Operation, entry alloc.Entry) (from Treasury, to string) {
	if op.Plan.Kind == KindWithdrawal {
		return Treasury{WalletID: entry.WalletID, Address: entry.Address}, op.Plan.Treasury.Address
	}
	return op.Plan.Treasury, entry.Address
}

// gasPrice picks the fee for one dispatch, scaled by any adaptive gas
// adjustment. Without an oracle the node's own suggestion is used at
// submission time, signalled here by a zero price.
func (e *Executor) gasPrice(op *Operation) decimal.Decimal {
	if e.oracle == nil {
		return decimal.Zero
	}
	price := e.oracle.Recommend(e.cfg.GasUrgency)
	return price.Mul(decimal.NewFromFloat(op.GasMultiplier()))
}

// ---------------------------------------------------------------------------
// Adaptive checkpoint — runs after every completed phase
// ---------------------------------------------------------------------------

// adaptiveCheckpoint evaluates the plan's features against a fresh
// metrics snapshot and applies every fired feature's actions in order.
// Reports whether an abort was requested.
func (e *Executor) adaptiveCheckpoint(ctx context.Context, op *Operation) (bool, string) {
	features := op.Plan.AdaptiveFeatures
	if len(features) == 0 {
		return false, ""
	}

	for _, decision := range e.adaptive.Evaluate(ctx, op, features) {
		for _, action := range decision.Feature.Actions {
			detail := e.applyAction(ctx, op, decision, action)
			op.adjustments.Add(1)
			e.metrics.GetCounter("warchest_adaptive_actions_total").Inc()
			e.publishAdaptive(ctx, op, decision, action, detail)
			e.trail.RecordAdaptive(op.ID, string(action.Type), map[string]interface{}{
				"feature":  decision.Feature.Name,
				"trigger":  string(decision.Trigger.Type),
				"observed": decision.Observed,
				"detail":   detail,
			})
			if action.Type == ActionAbort {
				reason := action.Reason
				if reason == "" {
					reason = fmt.Sprintf("%s at %.2f (threshold %.2f)",
						decision.Trigger.Type, decision.Observed, decision.Trigger.Threshold)
				}
				return true, reason
			}
		}
	}
	return false, ""
}

// applyAction mutates the operation's remaining schedule. Returns a short
// human-readable description for the event stream.
func (e *Executor) applyAction(ctx context.Context, op *Operation, decision Decision, action Action) string {
	switch action.Type {
	case ActionPause:
		hold := action.Hold
		if hold <= 0 {
			hold = e.cfg.PauseHold
		}
		log.Info().
			Str("operation_id", op.ID).
			Str("feature", decision.Feature.Name).
			Dur("hold", hold).
			Msg("adaptive pause")
		_ = op.sleep(ctx, hold)
		return fmt.Sprintf("held %s", hold)

	case ActionDelayIncrease:
		factor := action.Multiplier
		if factor <= 0 {
			factor = 1.5
		}
		op.ScaleDelays(factor)
		return fmt.Sprintf("delays x%.2f (now x%.2f)", factor, op.DelayMultiplier())

	case ActionGasAdjustment:
		factor := action.Multiplier
		if factor <= 0 {
			factor = 1.25
		}
		op.ScaleGas(factor)
		return fmt.Sprintf("gas x%.2f (now x%.2f)", factor, op.GasMultiplier())

	case ActionSequenceChange:
		op.ForceRandomOrder()
		return "remaining groups randomized"

	case ActionAbort:
		return "operation aborted"
	}
	return "no-op"
}

// ---------------------------------------------------------------------------
// Event publication
// ---------------------------------------------------------------------------

const schemaVersion = "1.0.0"

func (e *Executor) publishStarted(ctx context.Context, op *Operation) {
	event := bus.OperationStarted{
		BaseEvent:    bus.NewBaseEvent("warchest-coord", schemaVersion),
		OperationID:  op.ID,
		PlanID:       op.Plan.ID,
		Kind:         string(op.Plan.Kind),
		Wallets:      op.Plan.TotalWallets,
		Phases:       len(op.Plan.Phases),
		TotalAmount:  op.Plan.TotalAmount,
		RiskLevel:    string(op.Plan.RiskLevel),
		StealthScore: op.Plan.StealthScore,
	}
	_ = e.producer.PublishJSON(ctx, bus.Topics.Operations(), op.ID, event)
}

func (e *Executor) publishCompleted(ctx context.Context, op *Operation, res Result) {
	event := bus.OperationCompleted{
		BaseEvent:   bus.NewBaseEvent("warchest-coord", schemaVersion),
		OperationID: op.ID,
		PlanID:      op.Plan.ID,
		Status:      string(res.Status),
		Succeeded:   res.ExecutedWallets,
		Failed:      res.FailedWallets,
		Phases:      res.CompletedPhases,
		Adjustments: res.AdaptiveAdjustments,
		Duration:    res.TotalExecutionTime / time.Millisecond,
		AbortReason: res.AbortReason,
	}
	_ = e.producer.PublishJSON(ctx, bus.Topics.Operations(), op.ID, event)
}

func (e *Executor) publishPhase(ctx context.Context, op *Operation, phase *Phase, status string, dispatched, failed int, took time.Duration) {
	event := bus.PhaseCompleted{
		BaseEvent:   bus.NewBaseEvent("warchest-coord", schemaVersion),
		OperationID: op.ID,
		PhaseID:     phase.ID,
		Name:        phase.Name,
		Status:      status,
		Dispatched:  dispatched,
		Failed:      failed,
		Duration:    took / time.Millisecond,
	}
	_ = e.producer.PublishJSON(ctx, bus.Topics.Phases(), op.ID, event)
}

func (e *Executor) publishBatch(ctx context.Context, op *Operation, phase *Phase, group *Group, index, dispatched, failed int) {
	event := bus.BatchCompleted{
		BaseEvent:   bus.NewBaseEvent("warchest-coord", schemaVersion),
		OperationID: op.ID,
		PhaseID:     phase.ID,
		GroupID:     group.ID,
		BatchIndex:  index,
		Dispatched:  dispatched,
		Failed:      failed,
	}
	_ = e.producer.PublishJSON(ctx, bus.Topics.Phases(), op.ID, event)
}

func (e *Executor) publishTx(ctx context.Context, op *Operation, phase *Phase, entry alloc.Entry, status, txHash string, gasUsed decimal.Decimal, errMsg string) {
	event := bus.TransactionResult{
		BaseEvent:   bus.NewBaseEvent("warchest-coord", schemaVersion),
		OperationID: op.ID,
		PhaseID:     phase.ID,
		WalletID:    entry.WalletID,
		Address:     entry.Address,
		Amount:      entry.PlannedAmount,
		Status:      status,
		TxHash:      txHash,
		GasUsed:     gasUsed,
		Error:       errMsg,
	}
	topic := bus.Topics.Transactions(string(op.Plan.Kind))
	_ = e.producer.PublishJSON(ctx, topic, op.ID, event)
}

func (e *Executor) publishAdaptive(ctx context.Context, op *Operation, decision Decision, action Action, detail string) {
	event := bus.AdaptiveActionApplied{
		BaseEvent:   bus.NewBaseEvent("warchest-coord", schemaVersion),
		OperationID: op.ID,
		Feature:     decision.Feature.Name,
		Trigger:     string(decision.Trigger.Type),
		Action:      string(action.Type),
		Threshold:   decision.Trigger.Threshold,
		Observed:    decision.Observed,
		Detail:      detail,
	}
	_ = e.producer.PublishJSON(ctx, bus.Topics.Adaptive(), op.ID, event)
}
