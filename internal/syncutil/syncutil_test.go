package syncutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second)
	require.Equal(t, time.Second, b.Failure())
	require.Equal(t, 2*time.Second, b.Failure())
	require.Equal(t, 4*time.Second, b.Failure())
	require.Equal(t, 5*time.Second, b.Failure())
	require.Equal(t, 5*time.Second, b.Current())
	b.Reset()
	require.Equal(t, time.Second, b.Current())
}

func TestSleepWithContextStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, SleepWithContext(ctx, time.Hour), context.Canceled)
	require.NoError(t, SleepWithContext(context.Background(), 0))
}

func TestStagesReportToRecorder(t *testing.T) {
	var got []StageTiming
	s := &Stages{Operation: OpSyncOut, Recorder: StageMetricsRecorderFunc(func(_ context.Context, st StageTiming) {
		got = append(got, st)
	})}
	start := s.Start()
	require.False(t, start.IsZero())
	s.Observe(context.Background(), StageSend, start, 3, 1, true)
	require.Len(t, got, 1)
	require.Equal(t, OpSyncOut, got[0].Operation)
	require.Equal(t, StageSend, got[0].Stage)
	require.Equal(t, 3, got[0].Count)
	require.True(t, got[0].Error)

	var disabled *Stages
	require.True(t, disabled.Start().IsZero())
	disabled.Observe(context.Background(), StageSend, time.Now(), 0, 0, false)
}
