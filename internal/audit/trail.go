package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warchest-ops/warchest/internal/bus"
)

const (
	// Topic is the Kafka/RedPanda topic for audit events.
	Topic = "audit.event_store"

	// Entry event types.
	EventPlan        = "plan"
	EventValidation  = "validation"
	EventOperation   = "operation"
	EventTransaction = "transaction"
	EventAdaptive    = "adaptive_action"
)

// Entry represents a single audit trail entry. Every decision the coordinator
// makes gets recorded as an Entry, creating an immutable log for replay,
// debugging, and post-mortems.
type Entry struct {
	TraceID     string    `json:"trace_id"`
	CausationID string    `json:"causation_id,omitempty"`
	EventType   string    `json:"event_type"` // plan|validation|operation|transaction|adaptive_action
	Timestamp   time.Time `json:"ts"`
	OperationID string    `json:"operation_id,omitempty"`
	PlanID      string    `json:"plan_id,omitempty"`
	WalletID    string    `json:"wallet_id,omitempty"`
	TxID        string    `json:"tx_id,omitempty"`
	Decision    string    `json:"decision,omitempty"` // e.g. valid|invalid, confirmed|failed, pause|abort
	Payload     string    `json:"payload"`            // JSON of the full event
}

// Trail records the full decision chain for every coordinated operation.
// It maintains an in-memory buffer (capped at maxBuf) for querying and
// also publishes every entry to the audit topic via the producer.
type Trail struct {
	mu       sync.Mutex
	producer bus.Producer
	entries  []Entry
	maxBuf   int
}

// NewTrail creates a new audit trail.
// maxBuf controls the maximum number of entries kept in the in-memory buffer.
// Once the buffer is full, the oldest entries are discarded (FIFO).
// A maxBuf of 0 means no in-memory buffering (entries are only published).
func NewTrail(producer bus.Producer, maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	entries := make([]Entry, 0, maxBuf)
	return &Trail{
		producer: producer,
		entries:  entries,
		maxBuf:   maxBuf,
	}
}

// RecordPlan logs a freshly built coordination plan.
func (t *Trail) RecordPlan(operationID, planID string, plan interface{}) {
	t.record(Entry{
		TraceID:     operationID,
		CausationID: planID,
		EventType:   EventPlan,
		Timestamp:   time.Now(),
		OperationID: operationID,
		PlanID:      planID,
		Payload:     mustMarshal(plan),
	})
}

// RecordValidation logs a validation report for a plan. decision is
// "valid" or "invalid".
func (t *Trail) RecordValidation(operationID, planID string, valid bool, report interface{}) {
	decision := "invalid"
	if valid {
		decision = "valid"
	}
	t.record(Entry{
		TraceID:     operationID,
		CausationID: planID,
		EventType:   EventValidation,
		Timestamp:   time.Now(),
		OperationID: operationID,
		PlanID:      planID,
		Decision:    decision,
		Payload:     mustMarshal(report),
	})
}

// RecordOperation logs an operation state transition. The event parameter
// describes the transition (e.g. "started", "paused", "resumed",
// "completed", "failed", "cancelled").
func (t *Trail) RecordOperation(operationID, event string, payload interface{}) {
	t.record(Entry{
		TraceID:     operationID,
		EventType:   EventOperation,
		Timestamp:   time.Now(),
		OperationID: operationID,
		Decision:    event,
		Payload:     mustMarshal(payload),
	})
}

// RecordTransaction logs a per-wallet transfer outcome.
func (t *Trail) RecordTransaction(operationID, walletID, txID, outcome string, payload interface{}) {
	t.record(Entry{
		TraceID:     operationID,
		CausationID: txID,
		EventType:   EventTransaction,
		Timestamp:   time.Now(),
		OperationID: operationID,
		WalletID:    walletID,
		TxID:        txID,
		Decision:    outcome,
		Payload:     mustMarshal(payload),
	})
}

// RecordAdaptive logs an adaptive control action taken mid-operation.
func (t *Trail) RecordAdaptive(operationID, action string, payload interface{}) {
	t.record(Entry{
		TraceID:     operationID,
		EventType:   EventAdaptive,
		Timestamp:   time.Now(),
		OperationID: operationID,
		Decision:    action,
		Payload:     mustMarshal(payload),
	})
}

// Query returns all entries matching a given trace ID.
// Searches the in-memory buffer only.
func (t *Trail) Query(traceID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Entry
	for _, e := range t.entries {
		if e.TraceID == traceID {
			result = append(result, e)
		}
	}
	return result
}

// Entries returns a copy of all entries in the in-memory buffer.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]Entry, len(t.entries))
	copy(result, t.entries)
	return result
}

// Len returns the number of entries in the in-memory buffer.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// record adds an entry to the in-memory buffer and publishes it to the bus.
func (t *Trail) record(entry Entry) {
	t.mu.Lock()

	// Add to in-memory buffer with FIFO eviction.
	if t.maxBuf > 0 {
		if len(t.entries) >= t.maxBuf {
			// Shift left: discard oldest entry.
			copy(t.entries, t.entries[1:])
			t.entries[len(t.entries)-1] = entry
		} else {
			t.entries = append(t.entries, entry)
		}
	}

	t.mu.Unlock()

	// Publish to audit topic via producer (outside lock).
	if t.producer != nil {
		key := entry.EventType
		if entry.TraceID != "" {
			key = entry.TraceID
		}
		if err := t.producer.PublishJSON(context.Background(), Topic, key, entry); err != nil {
			log.Error().Err(err).
				Str("event_type", entry.EventType).
				Str("trace_id", entry.TraceID).
				Msg("Failed to publish audit entry")
		}
	}
}

// mustMarshal marshals v to JSON, returning "{}" on error.
func mustMarshal(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal audit payload")
		return "{}"
	}
	return string(data)
}
