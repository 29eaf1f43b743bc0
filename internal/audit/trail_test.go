package audit

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warchest-ops/warchest/internal/bus"
)

func TestTrailRecordsAndQueries(t *testing.T) {
	stub := bus.NewStubProducer()
	trail := NewTrail(stub, 100)

	trail.RecordPlan("op-1", "plan-1", map[string]string{"kind": "distribution"})
	trail.RecordValidation("op-1", "plan-1", true, map[string]int{"issues": 0})
	trail.RecordTransaction("op-1", "w-3", "tx-9", "confirmed", nil)
	trail.RecordOperation("op-2", "started", nil)

	require.Equal(t, 4, trail.Len())

	matched := trail.Query("op-1")
	require.Len(t, matched, 3)
	assert.Equal(t, EventPlan, matched[0].EventType)
	assert.Equal(t, "valid", matched[1].Decision)
	assert.Equal(t, "w-3", matched[2].WalletID)
	assert.Equal(t, "tx-9", matched[2].TxID)

	// Every entry is also published to the audit topic, keyed by trace ID.
	published := stub.ByTopic(Topic)
	require.Len(t, published, 4)
	assert.Equal(t, "op-1", published[0].Key)

	var entry Entry
	require.NoError(t, json.Unmarshal(published[0].Value, &entry))
	assert.Equal(t, "plan-1", entry.PlanID)
	assert.JSONEq(t, `{"kind":"distribution"}`, entry.Payload)
}

func TestTrailFIFOEviction(t *testing.T) {
	trail := NewTrail(nil, 3)

	for i := 0; i < 5; i++ {
		trail.RecordOperation(fmt.Sprintf("op-%d", i), "started", nil)
	}

	require.Equal(t, 3, trail.Len())

	entries := trail.Entries()
	assert.Equal(t, "op-2", entries[0].OperationID)
	assert.Equal(t, "op-4", entries[2].OperationID)
}

func TestTrailZeroBufferPublishesOnly(t *testing.T) {
	stub := bus.NewStubProducer()
	trail := NewTrail(stub, 0)

	trail.RecordAdaptive("op-1", "pause", map[string]float64{"observed": 42.0})

	assert.Equal(t, 0, trail.Len())
	assert.Len(t, stub.ByTopic(Topic), 1)
}
