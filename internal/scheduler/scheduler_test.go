package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsImmediately(t *testing.T) {
	var runs atomic.Int32
	ran := make(chan struct{}, 1)
	s := New("test", time.Hour, func(context.Context) {
		runs.Add(1)
		select {
		case ran <- struct{}{}:
		default:
		}
	}, nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run on start")
	}
	assert.Equal(t, int32(1), runs.Load())
}

func TestSchedulerStopCancelsJob(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	s := New("test", time.Hour, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}, nil)

	require.NoError(t, s.Start(context.Background()))
	<-started
	s.Stop()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("job context not cancelled by Stop")
	}
}

func TestSchedulerRequiresJob(t *testing.T) {
	s := New("empty", time.Minute, nil, nil)
	assert.Error(t, s.Start(context.Background()))
}

func TestSchedulerStopWaitsForRunningJob(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	s := New("test", time.Hour, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	}, nil)

	require.NoError(t, s.Start(context.Background()))
	<-started
	s.Stop()
	assert.True(t, finished.Load())
}

func TestSchedulerNoRunAfterStop(t *testing.T) {
	var runs atomic.Int32
	s := New("test", 10*time.Millisecond, func(context.Context) { runs.Add(1) }, nil)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}
