package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpipe/blockpipe/turbo/testlog"
)

func TestCriticalFailureCancelsSiblings(t *testing.T) {
	e := NewExecutor(context.Background(), testlog.Logger(t, log.LvlError))

	var sawCancel atomic.Bool
	e.Spawn("sibling", func(ctx context.Context) error {
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})

	boom := errors.New("boom")
	e.SpawnCritical("failing", func(ctx context.Context) error {
		return boom
	})

	err := e.Wait()
	require.ErrorIs(t, err, boom)
	assert.True(t, sawCancel.Load())
}

func TestCriticalFailureCancelsExecutorContext(t *testing.T) {
	// foreground work running under Ctx must observe a critical failure
	e := NewExecutor(context.Background(), testlog.Logger(t, log.LvlError))
	boom := errors.New("boom")
	e.SpawnCritical("failing", func(ctx context.Context) error {
		return boom
	})

	select {
	case <-e.Ctx().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("executor context not cancelled after critical failure")
	}
	require.ErrorIs(t, e.Close(), boom)
}

func TestWrappedCancellationIsGraceful(t *testing.T) {
	e := NewExecutor(context.Background(), testlog.Logger(t, log.LvlError))
	e.SpawnCritical("looper", func(ctx context.Context) error {
		<-ctx.Done()
		return fmt.Errorf("stopping: %w", ctx.Err())
	})
	assert.NoError(t, e.Close())
}

func TestNonCriticalFailureIsSwallowed(t *testing.T) {
	e := NewExecutor(context.Background(), testlog.Logger(t, log.LvlCrit))
	e.Spawn("failing", func(ctx context.Context) error {
		return errors.New("boom")
	})
	assert.NoError(t, e.Wait())
}

func TestCloseStopsLongRunningTask(t *testing.T) {
	e := NewExecutor(context.Background(), testlog.Logger(t, log.LvlError))
	started := make(chan struct{})
	e.SpawnCritical("looper", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}
	// cancellation is a graceful stop, not a critical failure
	assert.NoError(t, e.Close())
}
