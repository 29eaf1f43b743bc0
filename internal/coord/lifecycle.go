package coord

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Operation state machine
//
// idle -> preparing -> executing <-> paused -> completed | failed | cancelled
//
// Every state change goes through Transition; illegal moves are rejected
// rather than silently absorbed.
// ---------------------------------------------------------------------------

// OperationState is the lifecycle state of one coordinated operation.
type OperationState string

const (
	OpIdle      OperationState = "idle"
	OpPreparing OperationState = "preparing"
	OpExecuting OperationState = "executing"
	OpPaused    OperationState = "paused"
	OpCompleted OperationState = "completed"
	OpFailed    OperationState = "failed"
	OpCancelled OperationState = "cancelled"
)

// OperationEvent drives the operation state machine.
type OperationEvent string

const (
	OpEventPrepare  OperationEvent = "prepare"
	OpEventStart    OperationEvent = "start"
	OpEventPause    OperationEvent = "pause"
	OpEventResume   OperationEvent = "resume"
	OpEventComplete OperationEvent = "complete"
	OpEventFail     OperationEvent = "fail"
	OpEventCancel   OperationEvent = "cancel"
)

type opTransition struct {
	from  OperationState
	event OperationEvent
}

var opTransitions = map[opTransition]OperationState{
	{OpIdle, OpEventPrepare}:       OpPreparing,
	{OpPreparing, OpEventStart}:    OpExecuting,
	{OpPreparing, OpEventFail}:     OpFailed,
	{OpPreparing, OpEventCancel}:   OpCancelled,
	{OpExecuting, OpEventPause}:    OpPaused,
	{OpExecuting, OpEventComplete}: OpCompleted,
	{OpExecuting, OpEventFail}:     OpFailed,
	{OpExecuting, OpEventCancel}:   OpCancelled,
	{OpPaused, OpEventResume}:      OpExecuting,
	{OpPaused, OpEventFail}:        OpFailed,
	{OpPaused, OpEventCancel}:      OpCancelled,
}

// OperationTracker serializes state changes for one operation.
type OperationTracker struct {
	mu        sync.Mutex
	state     OperationState
	updatedAt time.Time
}

// NewOperationTracker starts in the idle state.
func NewOperationTracker() *OperationTracker {
	return &OperationTracker{state: OpIdle, updatedAt: time.Now()}
}

// Transition applies an event, returning an error on illegal moves.
func (t *OperationTracker) Transition(opID string, event OperationEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next, ok := opTransitions[opTransition{t.state, event}]
	if !ok {
		return fmt.Errorf("coord: invalid operation transition %s -> %s", t.state, event)
	}
	prev := t.state
	t.state = next
	t.updatedAt = time.Now()

	log.Debug().
		Str("operation_id", opID).
		Str("from", string(prev)).
		Str("event", string(event)).
		Str("to", string(next)).
		Msg("operation transition")
	return nil
}

// State returns the current state.
func (t *OperationTracker) State() OperationState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Terminal reports whether the operation has reached a final state.
func (t *OperationTracker) Terminal() bool {
	switch t.State() {
	case OpCompleted, OpFailed, OpCancelled:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Phase state machine
//
// pending -> waiting_dependencies -> active -> completed | failed
// ---------------------------------------------------------------------------

// PhaseState is the lifecycle state of one plan phase.
type PhaseState string

const (
	PhasePending   PhaseState = "pending"
	PhaseWaiting   PhaseState = "waiting_dependencies"
	PhaseActive    PhaseState = "active"
	PhaseCompleted PhaseState = "completed"
	PhaseFailed    PhaseState = "failed"
)

// PhaseEvent drives the phase state machine.
type PhaseEvent string

const (
	PhaseEventWait     PhaseEvent = "wait"
	PhaseEventActivate PhaseEvent = "activate"
	PhaseEventComplete PhaseEvent = "complete"
	PhaseEventFail     PhaseEvent = "fail"
)

type phaseTransition struct {
	from  PhaseState
	event PhaseEvent
}

var phaseTransitions = map[phaseTransition]PhaseState{
	{PhasePending, PhaseEventWait}:     PhaseWaiting,
	{PhasePending, PhaseEventActivate}: PhaseActive, // no dependencies
	{PhasePending, PhaseEventFail}:     PhaseFailed, // safety check refusal
	{PhaseWaiting, PhaseEventActivate}: PhaseActive,
	{PhaseWaiting, PhaseEventFail}:     PhaseFailed, // dependency deadlock
	{PhaseActive, PhaseEventComplete}:  PhaseCompleted,
	{PhaseActive, PhaseEventFail}:      PhaseFailed,
}

// PhaseTracker serializes state changes for one phase of an operation.
type PhaseTracker struct {
	mu    sync.Mutex
	state PhaseState
}

// NewPhaseTracker starts in the pending state.
func NewPhaseTracker() *PhaseTracker {
	return &PhaseTracker{state: PhasePending}
}

// Transition applies an event, returning an error on illegal moves.
func (t *PhaseTracker) Transition(phaseID string, event PhaseEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next, ok := phaseTransitions[phaseTransition{t.state, event}]
	if !ok {
		return fmt.Errorf("coord: invalid phase transition %s -> %s", t.state, event)
	}
	prev := t.state
	t.state = next

	log.Debug().
		Str("phase_id", phaseID).
		Str("from", string(prev)).
		Str("event", string(event)).
		Str("to", string(next)).
		Msg("phase transition")
	return nil
}

// State returns the current state.
func (t *PhaseTracker) State() PhaseState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Terminal reports whether the phase has reached a final state.
func (t *PhaseTracker) Terminal() bool {
	switch t.State() {
	case PhaseCompleted, PhaseFailed:
		return true
	}
	return false
}
