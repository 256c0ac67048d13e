package history

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordExecutionAndForTaskRoundTrip(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.RecordExecution(ctx, Record{TaskID: "1", Title: "demo", Attempt: 1, State: "failed", DurationMs: 50, ErrorMessage: "boom"}))
	require.NoError(t, store.RecordExecution(ctx, Record{TaskID: "1", Title: "demo", Attempt: 2, State: "completed", DurationMs: 75}))
	require.NoError(t, store.RecordExecution(ctx, Record{TaskID: "2", Title: "other", Attempt: 1, State: "completed", DurationMs: 10}))

	records, err := store.ForTask(ctx, "1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "failed", records[0].State)
	assert.Equal(t, "boom", records[0].ErrorMessage)
	assert.Equal(t, "completed", records[1].State)
}

func TestRecentReturnsNewestFirstAcrossTasks(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.RecordExecution(ctx, Record{TaskID: "1", Title: "a", Attempt: 1, State: "completed"}))
	require.NoError(t, store.RecordExecution(ctx, Record{TaskID: "2", Title: "b", Attempt: 1, State: "completed"}))

	recent, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "2", recent[0].TaskID)
}
