package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestNewRetentionWorker(t *testing.T) {
	w := NewRetentionWorker(nil, 30, nil)
	require.NotNil(t, w)
	assert.Equal(t, 30*24*time.Hour, w.retention)
	assert.Equal(t, 24*time.Hour, w.interval)
}

func TestRetentionWorkerDisabled(t *testing.T) {
	done := make(chan struct{})
	go func() {
		NewRetentionWorker(nil, 7, nil).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("disabled worker did not return")
	}
}

func TestRetentionWorkerPrunesOldRuns(t *testing.T) {
	s := setupTestStore(t)
	start := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return start }
	old, err := s.Start(KindMonitor, "fylke", false)
	require.NoError(t, err)
	require.NoError(t, s.Finish(old, Counts{Processed: 15}, nil))

	s.now = func() time.Time { return start.Add(9 * 24 * time.Hour) }
	recent, err := s.Start(KindMonitor, "fylke", false)
	require.NoError(t, err)
	require.NoError(t, s.Finish(recent, Counts{Processed: 15}, nil))

	clk := testingclock.NewFakeClock(start.Add(10 * 24 * time.Hour))
	w := NewRetentionWorker(s, 7, nil)
	w.clock = clk

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := s.Get(old.ID)
		return errors.Is(err, ErrNotFound)
	}, 5*time.Second, 10*time.Millisecond)

	_, err = s.Get(recent.ID)
	require.NoError(t, err)

	cancel()
	<-done
}
