package asyncutil_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/view-syncer/internal/asyncutil"
	"github.com/stretchr/testify/require"
)

func TestFIFOLockSerializes(t *testing.T) {
	ctx := context.Background()
	l := asyncutil.NewFIFOLock()

	release, err := l.Acquire(ctx)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := l.Acquire(ctx)
		require.NoError(t, err)
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should have blocked")
	case <-time.After(20 * time.Millisecond):
	}
	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed")
	}
}

func TestLazyStreamCoalesces(t *testing.T) {
	ctx := context.Background()
	s := asyncutil.NewLazyStream[int]()
	s.Notify(1)
	s.Notify(2)

	v, err := s.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestCancellableTimerCancel(t *testing.T) {
	fired := make(chan struct{}, 1)
	timer := asyncutil.NewCancellableTimer(10*time.Millisecond, func() { fired <- struct{}{} })
	timer.Cancel()

	select {
	case <-fired:
		t.Fatal("timer fired after cancel")
	case <-time.After(30 * time.Millisecond):
	}
}
