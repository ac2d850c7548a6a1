package idempotency

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/ismaiel54/order-execution-engine/internal/msg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordExecution_UsesConfiguredTopic(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), "orders.executions.staging")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	out, err := store.RecordExecution(ctx, msg.ExecutionEventMsg{
		EventID:  "evt-1",
		IntentID: "intent-1",
		Symbol:   "AAPL",
		Side:     "buy",
		Status:   "executed",
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "orders.executions.staging", out.Topic)

	unpublished, err := store.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unpublished, 1)
	assert.Equal(t, "orders.executions.staging", unpublished[0].Topic,
		"the outbox row carries the configured topic")
}

func TestRecordExecution_Idempotency(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	event1 := msg.ExecutionEventMsg{
		EventID:      "evt-123",
		IntentID:     "intent-123",
		OrderID:      "ord-1",
		Symbol:       "AAPL",
		Side:         "buy",
		Status:       "executed",
		TsUnixMillis: 1000,
	}

	out1, err := store.RecordExecution(ctx, event1)
	require.NoError(t, err)
	require.NotNil(t, out1, "first recording should create an outbox event")
	assert.Equal(t, "evt-123", out1.EventID)
	assert.Equal(t, msg.TopicOrdersExecutions, out1.Topic)
	assert.Equal(t, "AAPL", out1.Key, "events are keyed by symbol for per-symbol ordering")

	// A redelivery produces a different event id but the same intent id.
	event2 := event1
	event2.EventID = "evt-456"
	event2.TsUnixMillis = 2000

	out2, err := store.RecordExecution(ctx, event2)
	require.NoError(t, err)
	assert.Nil(t, out2, "a replayed intent must not queue a second event")

	unpublished, err := store.ListUnpublished(ctx, 100)
	require.NoError(t, err)
	require.Len(t, unpublished, 1)
	assert.Equal(t, "evt-123", unpublished[0].EventID)

	var payload msg.ExecutionEventMsg
	require.NoError(t, json.Unmarshal([]byte(unpublished[0].PayloadJSON), &payload))
	assert.Equal(t, "executed", payload.Status)
	assert.Equal(t, "ord-1", payload.OrderID)
}

func TestSeen(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	seen, err := store.Seen(ctx, "intent-1")
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = store.RecordExecution(ctx, msg.ExecutionEventMsg{
		EventID:  "evt-1",
		IntentID: "intent-1",
		Symbol:   "SPY",
		Side:     "sell",
		Status:   "failed",
		Reason:   "broker rejected request",
	})
	require.NoError(t, err)

	seen, err = store.Seen(ctx, "intent-1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = store.Seen(ctx, "intent-2")
	require.NoError(t, err)
	assert.False(t, seen, "other intents stay unseen")
}

func TestMarkPublished(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		_, err := store.RecordExecution(ctx, msg.ExecutionEventMsg{
			EventID:      "evt-" + id,
			IntentID:     "intent-" + id,
			Symbol:       "QQQ",
			Side:         "buy",
			Status:       "executed",
			TsUnixMillis: int64(i),
		})
		require.NoError(t, err)
	}

	unpublished, err := store.ListUnpublished(ctx, 100)
	require.NoError(t, err)
	require.Len(t, unpublished, 3)
	assert.Equal(t, "evt-a", unpublished[0].EventID, "outbox drains in insertion order")

	require.NoError(t, store.MarkPublished(ctx, "evt-a", 5000))
	require.NoError(t, store.MarkPublished(ctx, "evt-b", 5001))

	unpublished, err = store.ListUnpublished(ctx, 100)
	require.NoError(t, err)
	require.Len(t, unpublished, 1)
	assert.Equal(t, "evt-c", unpublished[0].EventID)
}

func TestListUnpublished_RespectsLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := store.RecordExecution(ctx, msg.ExecutionEventMsg{
			EventID:  "evt-" + id,
			IntentID: "intent-" + id,
			Symbol:   "QQQ",
			Side:     "buy",
			Status:   "executed",
		})
		require.NoError(t, err)
	}

	unpublished, err := store.ListUnpublished(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, unpublished, 2)
}

func TestOpen_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store, err := Open(dbPath, "")
	require.NoError(t, err)
	_, err = store.RecordExecution(ctx, msg.ExecutionEventMsg{
		EventID:  "evt-1",
		IntentID: "intent-1",
		Symbol:   "AAPL",
		Side:     "buy",
		Status:   "executed",
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Dedup state must survive a restart.
	store, err = Open(dbPath, "")
	require.NoError(t, err)
	defer store.Close()

	seen, err := store.Seen(ctx, "intent-1")
	require.NoError(t, err)
	assert.True(t, seen)
}
