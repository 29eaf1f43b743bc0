package coord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrOperationNotFound is returned for unknown operation ids.
	ErrOperationNotFound = errors.New("coord: operation not found")

	// ErrWalletsBusy rejects an operation whose wallets overlap a running
	// one. Overlapping operations on the same wallet would race balances.
	ErrWalletsBusy = errors.New("coord: wallets busy in another operation")

	// errCancelled signals a cooperative cancel inside the executor.
	errCancelled = errors.New("coord: operation cancelled")
)

// historyCap bounds the finished-operation ring.
const historyCap = 1000

// ---------------------------------------------------------------------------
// Pause gate
// ---------------------------------------------------------------------------

// gate blocks waiters while shut. The channel is closed while the gate is
// open, so the common un-paused path is a single closed-channel receive.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newGate() *gate {
	g := &gate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

func (g *gate) shut() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

func (g *gate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

func (g *gate) wait() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

// ---------------------------------------------------------------------------
// Operation — runtime record of one plan being executed
// ---------------------------------------------------------------------------

// Operation is the live execution state for one plan. The transaction
// journal is append-only: records are added when a wallet is dispatched
// and mutated exactly once into a terminal status.
type Operation struct {
	ID      string
	Plan    *Plan
	Tracker *OperationTracker

	phases map[string]*PhaseTracker

	pause      *gate
	cancel     chan struct{}
	cancelOnce sync.Once

	dispatched   atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	adjustments  atomic.Int64
	latencyNanos atomic.Int64

	mu              sync.Mutex
	txs             []TxRecord
	txIndex         map[string]int
	currentPhase    string
	completedPhases int
	delayMult       float64
	gasMult         float64
	forceRandom     bool
	planErr         error
	errs            []string
	abortReason     string
	startedAt       time.Time
	finishedAt      time.Time
}

func newOperation(plan *Plan) *Operation {
	op := &Operation{
		ID:        "op-" + uuid.New().String()[:8],
		Plan:      plan,
		Tracker:   NewOperationTracker(),
		phases:    make(map[string]*PhaseTracker, len(plan.Phases)),
		pause:     newGate(),
		cancel:    make(chan struct{}),
		txIndex:   make(map[string]int),
		delayMult: 1,
		gasMult:   1,
	}
	for i := range plan.Phases {
		op.phases[plan.Phases[i].ID] = NewPhaseTracker()
	}
	return op
}

// State returns the operation's lifecycle state.
func (o *Operation) State() OperationState { return o.Tracker.State() }

// phaseTracker returns the tracker for a phase id, or nil for unknown ids.
func (o *Operation) phaseTracker(id string) *PhaseTracker { return o.phases[id] }

// Cancel requests a cooperative stop: in-flight dispatches finish, no new
// batches or phases start, nothing is rolled back.
func (o *Operation) Cancel() error {
	if err := o.Tracker.Transition(o.ID, OpEventCancel); err != nil {
		return err
	}
	o.cancelOnce.Do(func() { close(o.cancel) })
	log.Info().Str("operation_id", o.ID).Msg("operation cancel requested")
	return nil
}

// Cancelled reports whether a cancel has been requested.
func (o *Operation) Cancelled() bool {
	select {
	case <-o.cancel:
		return true
	default:
		return false
	}
}

// Pause blocks new dispatches at the next batch boundary. Work already in
// flight is preserved.
func (o *Operation) Pause() error {
	if err := o.Tracker.Transition(o.ID, OpEventPause); err != nil {
		return err
	}
	o.pause.shut()
	log.Info().Str("operation_id", o.ID).Msg("operation paused")
	return nil
}

// Resume reopens dispatching after a pause.
func (o *Operation) Resume() error {
	if err := o.Tracker.Transition(o.ID, OpEventResume); err != nil {
		return err
	}
	o.pause.open()
	log.Info().Str("operation_id", o.ID).Msg("operation resumed")
	return nil
}

// waitResume blocks while the operation is paused.
func (o *Operation) waitResume(ctx context.Context) error {
	select {
	case <-o.pause.wait():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.cancel:
		return errCancelled
	}
}

// sleep waits d, returning early on context death or cooperative cancel.
func (o *Operation) sleep(ctx context.Context, d time.Duration) error {
	if o.Cancelled() {
		return errCancelled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.cancel:
		return errCancelled
	}
}

// sleepHard waits d, ignoring cooperative cancellation: batch members
// already in flight finish their dispatch even after a cancel request.
func (o *Operation) sleepHard(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Journal and counters
// ---------------------------------------------------------------------------

func (o *Operation) appendTx(rec TxRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.txIndex[rec.ID] = len(o.txs)
	o.txs = append(o.txs, rec)
}

func (o *Operation) resolveTx(id string, fn func(*TxRecord)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	idx, ok := o.txIndex[id]
	if !ok {
		return
	}
	fn(&o.txs[idx])
}

// Transactions returns a copy of the journal.
func (o *Operation) Transactions() []TxRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]TxRecord(nil), o.txs...)
}

// FailureRate is failed / dispatched, 0 before the first dispatch.
func (o *Operation) FailureRate() float64 {
	dispatched := o.dispatched.Load()
	if dispatched == 0 {
		return 0
	}
	return float64(o.failed.Load()) / float64(dispatched)
}

// AvgTransferTime is the mean confirmation latency over all dispatches.
func (o *Operation) AvgTransferTime() time.Duration {
	dispatched := o.dispatched.Load()
	if dispatched == 0 {
		return 0
	}
	return time.Duration(o.latencyNanos.Load() / dispatched)
}

func (o *Operation) observeLatency(d time.Duration) {
	o.latencyNanos.Add(int64(d))
}

// ---------------------------------------------------------------------------
// Adaptive state — multipliers applied to future dispatches only
// ---------------------------------------------------------------------------

// ScaleDelays multiplies all future stagger and inter-batch delays.
func (o *Operation) ScaleDelays(factor float64) {
	if factor <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delayMult *= factor
}

// DelayMultiplier returns the accumulated delay scale.
func (o *Operation) DelayMultiplier() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.delayMult
}

// ScaleGas multiplies the gas price for subsequent dispatches.
func (o *Operation) ScaleGas(factor float64) {
	if factor <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gasMult *= factor
}

// GasMultiplier returns the accumulated gas scale.
func (o *Operation) GasMultiplier() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gasMult
}

// ForceRandomOrder makes every remaining group dispatch in random order
// regardless of its configured pattern.
func (o *Operation) ForceRandomOrder() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forceRandom = true
}

// RandomOrderForced reports whether a sequence change is in effect.
func (o *Operation) RandomOrderForced() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.forceRandom
}

// ---------------------------------------------------------------------------
// Failure and lifecycle bookkeeping
// ---------------------------------------------------------------------------

// notePlanError records a plan-level failure. The first one wins; later
// ones still land in the error list.
func (o *Operation) notePlanError(err error) {
	if err == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.planErr == nil {
		o.planErr = err
	}
	o.errs = append(o.errs, err.Error())
}

func (o *Operation) planError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.planErr
}

func (o *Operation) setAbort(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.abortReason == "" {
		o.abortReason = reason
	}
}

func (o *Operation) aborted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.abortReason != ""
}

func (o *Operation) setCurrentPhase(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.currentPhase = name
}

func (o *Operation) phaseDone() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completedPhases++
}

func (o *Operation) markStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startedAt = time.Now()
}

func (o *Operation) markFinished() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finishedAt = time.Now()
}

// Progress returns a point-in-time view of the operation.
func (o *Operation) Progress() Progress {
	o.mu.Lock()
	started := o.startedAt
	current := o.currentPhase
	completedPhases := o.completedPhases
	o.mu.Unlock()

	total := o.Plan.TotalWallets
	failed := int(o.failed.Load())
	done := int(o.succeeded.Load()) + failed
	var elapsed time.Duration
	if !started.IsZero() {
		elapsed = time.Since(started)
	}

	p := Progress{
		OperationID:         o.ID,
		State:               o.Tracker.State(),
		CurrentPhase:        current,
		CompletedPhases:     completedPhases,
		TotalPhases:         len(o.Plan.Phases),
		Completed:           done,
		Failed:              failed,
		Total:               total,
		Elapsed:             elapsed,
		AdaptiveAdjustments: int(o.adjustments.Load()),
	}
	if total > 0 {
		p.Percentage = float64(done) / float64(total) * 100
	}
	switch {
	case o.Tracker.Terminal():
		// nothing left
	case done > 0:
		perWallet := elapsed / time.Duration(done)
		p.EstimatedRemaining = perWallet * time.Duration(total-done)
	default:
		if rem := o.Plan.EstimatedDuration - elapsed; rem > 0 {
			p.EstimatedRemaining = rem
		}
	}
	return p
}

// snapshotResult assembles the terminal summary. Success means the
// operation ran to completion with zero wallet failures; partial outcomes
// keep Success false and carry the journal for inspection.
func (o *Operation) snapshotResult() Result {
	state := o.Tracker.State()

	o.mu.Lock()
	defer o.mu.Unlock()

	res := Result{
		OperationID:         o.ID,
		PlanID:              o.Plan.ID,
		Kind:                o.Plan.Kind,
		Status:              state,
		CompletedPhases:     o.completedPhases,
		TotalPhases:         len(o.Plan.Phases),
		ExecutedWallets:     int(o.succeeded.Load()),
		FailedWallets:       int(o.failed.Load()),
		TotalWallets:        o.Plan.TotalWallets,
		AdaptiveAdjustments: int(o.adjustments.Load()),
		StealthScore:        o.Plan.StealthScore,
		AbortReason:         o.abortReason,
		Errors:              append([]string(nil), o.errs...),
		Transactions:        append([]TxRecord(nil), o.txs...),
		StartedAt:           o.startedAt,
		FinishedAt:          o.finishedAt,
	}
	for _, tx := range o.txs {
		if tx.Status == TxConfirmed {
			res.TotalAmountSent = res.TotalAmountSent.Add(tx.Amount)
		}
	}
	if !o.startedAt.IsZero() && !o.finishedAt.IsZero() {
		res.TotalExecutionTime = o.finishedAt.Sub(o.startedAt)
	}
	res.Success = state == OpCompleted && res.FailedWallets == 0
	return res
}

// ---------------------------------------------------------------------------
// Store — active operations, wallet single-flight, finished history
// ---------------------------------------------------------------------------

// Store owns every operation's runtime record. It enforces single-flight
// per wallet: an operation whose wallets overlap a running one is
// rejected at Begin.
type Store struct {
	mu      sync.Mutex
	active  map[string]*Operation
	busy    map[string]string // wallet id -> operation id
	history []Result
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		active: make(map[string]*Operation),
		busy:   make(map[string]string),
	}
}

// Begin registers a new operation for the plan, claiming all its wallets.
func (s *Store) Begin(plan *Plan) (*Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conflicts []string
	for i := range plan.Phases {
		for j := range plan.Phases[i].Groups {
			for _, e := range plan.Phases[i].Groups[j].Entries {
				if owner, ok := s.busy[e.WalletID]; ok {
					conflicts = append(conflicts, fmt.Sprintf("%s (%s)", e.WalletID, owner))
				}
			}
		}
	}
	if len(conflicts) > 0 {
		shown := conflicts
		suffix := ""
		if len(shown) > 5 {
			suffix = fmt.Sprintf(" and %d more", len(shown)-5)
			shown = shown[:5]
		}
		return nil, fmt.Errorf("%w: %s%s", ErrWalletsBusy, strings.Join(shown, ", "), suffix)
	}

	op := newOperation(plan)
	for i := range plan.Phases {
		for j := range plan.Phases[i].Groups {
			for _, e := range plan.Phases[i].Groups[j].Entries {
				s.busy[e.WalletID] = op.ID
			}
		}
	}
	s.active[op.ID] = op

	log.Info().
		Str("operation_id", op.ID).
		Str("plan_id", plan.ID).
		Int("wallets", plan.TotalWallets).
		Msg("operation registered")
	return op, nil
}

// Get returns an active operation by id.
func (s *Store) Get(id string) (*Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	return op, nil
}

// Active returns the running operations, ordered by id.
func (s *Store) Active() []*Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Operation, 0, len(s.active))
	for _, op := range s.active {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Finish releases the operation's wallets and files its result in the
// history ring.
func (s *Store) Finish(op *Operation, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, owner := range s.busy {
		if owner == op.ID {
			delete(s.busy, id)
		}
	}
	delete(s.active, op.ID)

	s.history = append(s.history, res)
	if len(s.history) > historyCap {
		copy(s.history, s.history[len(s.history)-historyCap:])
		s.history = s.history[:historyCap]
	}
}

// Result returns the terminal summary of a finished operation.
func (s *Store) Result(id string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].OperationID == id {
			return s.history[i], nil
		}
	}
	return Result{}, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
}

// History returns finished results, newest first. limit <= 0 means all.
func (s *Store) History(limit int) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Result, 0, n)
	for i := len(s.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// Progress reports on an active or finished operation.
func (s *Store) Progress(id string) (Progress, error) {
	s.mu.Lock()
	op, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		return op.Progress(), nil
	}

	res, err := s.Result(id)
	if err != nil {
		return Progress{}, err
	}
	done := res.ExecutedWallets + res.FailedWallets
	p := Progress{
		OperationID:         res.OperationID,
		State:               res.Status,
		CompletedPhases:     res.CompletedPhases,
		TotalPhases:         res.TotalPhases,
		Completed:           done,
		Failed:              res.FailedWallets,
		Total:               res.TotalWallets,
		Elapsed:             res.TotalExecutionTime,
		AdaptiveAdjustments: res.AdaptiveAdjustments,
	}
	if res.TotalWallets > 0 {
		p.Percentage = float64(done) / float64(res.TotalWallets) * 100
	}
	return p, nil
}
