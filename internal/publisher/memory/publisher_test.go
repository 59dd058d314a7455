package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skyhive/skyhive/internal/pipeline"
)

func completion(entity string, stage pipeline.Stage, status pipeline.Status) pipeline.CompletionEvent {
	return pipeline.CompletionEvent{
		EntityID:  entity,
		Stage:     stage,
		Status:    status,
		Records:   2,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
}

func TestPublishRecordsCompletions(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()

	id1, err := pub.Publish(ctx, "skyhive-completions",
		completion("did:plc:abc", pipeline.StageProfile, pipeline.StatusProfiled))
	require.NoError(t, err)
	require.Equal(t, "local-1", id1)

	id2, err := pub.Publish(ctx, "skyhive-completions",
		completion("did:plc:abc", pipeline.StageContent, pipeline.StatusContentCollected))
	require.NoError(t, err)
	require.Equal(t, "local-2", id2)

	events := pub.Events()
	require.Len(t, events, 2)
	require.Equal(t, "skyhive-completions", events[0].Topic)
	require.Equal(t, pipeline.StageProfile, events[0].Completion.Stage)
	require.Nil(t, events[0].Raw)
}

func TestForEntityFiltersAndOrders(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()

	_, err := pub.Publish(ctx, "t", completion("did:plc:abc", pipeline.StageProfile, pipeline.StatusProfiled))
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "t", completion("did:plc:other", pipeline.StageProfile, pipeline.StatusProfiled))
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "t", completion("did:plc:abc", pipeline.StageContent, pipeline.StatusContentCollected))
	require.NoError(t, err)

	got := pub.ForEntity("did:plc:abc")
	require.Len(t, got, 2)
	require.Equal(t, pipeline.StageProfile, got[0].Stage)
	require.Equal(t, pipeline.StageContent, got[1].Stage)
	require.Empty(t, pub.ForEntity("did:plc:unknown"))
}

func TestPublishKeepsForeignPayloadsRaw(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "t", map[string]string{"k": "v"})
	require.NoError(t, err)

	events := pub.Events()
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Raw)
	require.Empty(t, events[0].Completion.EntityID)
}

func TestEventsReturnsCopy(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "t",
		completion("did:plc:abc", pipeline.StageProfile, pipeline.StatusProfiled))
	require.NoError(t, err)

	events := pub.Events()
	events[0].Topic = "modified"
	require.Equal(t, "t", pub.Events()[0].Topic)
}
