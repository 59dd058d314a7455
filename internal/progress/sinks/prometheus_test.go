package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/skyhive/skyhive/internal/pipeline"
	"github.com/skyhive/skyhive/internal/progress"
)

func TestPrometheusSinkCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now().UTC()
	batch := []progress.Event{
		{TS: now, Kind: progress.KindBatchClaimed, Stage: pipeline.StageProfile, Claimed: 10},
		{TS: now, Kind: progress.KindEntityCompleted, Stage: pipeline.StageProfile, EntityID: "user-1", Records: 3},
		{TS: now, Kind: progress.KindEntityFailed, Stage: pipeline.StageContent, EntityID: "user-2", Terminal: true},
		{TS: now, Kind: progress.KindLeasesSwept, Swept: 2},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, float64(10), testutil.ToFloat64(sink.entitiesClaimed.WithLabelValues("profile")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.entitiesDone.WithLabelValues("profile")))
	require.Equal(t, float64(3), testutil.ToFloat64(sink.recordsAppended.WithLabelValues("profile")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.entitiesFailed.WithLabelValues("content", "true")))
	require.Equal(t, float64(2), testutil.ToFloat64(sink.leasesSwept))
}

func TestPrometheusSinkSnapshotReplacesGauges(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now().UTC()
	first := []progress.Event{{
		TS:   now,
		Kind: progress.KindSnapshot,
		StatusCounts: map[pipeline.Status]int{
			pipeline.StatusDiscovered: 7,
			pipeline.StatusProfiled:   2,
		},
	}}
	require.NoError(t, sink.Consume(context.Background(), first))

	second := []progress.Event{{
		TS:   now,
		Kind: progress.KindSnapshot,
		StatusCounts: map[pipeline.Status]int{
			pipeline.StatusProfiled: 9,
		},
	}}
	require.NoError(t, sink.Consume(context.Background(), second))

	require.Equal(t, float64(9), testutil.ToFloat64(sink.frontierEntities.WithLabelValues("profiled")))
	require.Equal(t, float64(0), testutil.ToFloat64(sink.frontierEntities.WithLabelValues("discovered")))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
