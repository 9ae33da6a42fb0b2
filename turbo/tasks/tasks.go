// Package tasks runs the engine's background goroutines under one
// lifecycle: normal tasks end with the executor, critical tasks take
// the executor down with them.
package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/ledgerwatch/log/v3"
	"golang.org/x/sync/errgroup"
)

// Executor owns a group of background tasks bound to one context.
type Executor struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	logger log.Logger
}

func NewExecutor(ctx context.Context, logger log.Logger) *Executor {
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	return &Executor{ctx: gctx, cancel: cancel, group: group, logger: logger}
}

// Ctx is the context shared by every task. It ends when a critical task
// fails or the executor closes; foreground work that must stop together
// with the tasks should run under it.
func (e *Executor) Ctx() context.Context { return e.ctx }

// Spawn runs fn in the background. Its error is logged but does not
// affect the other tasks.
func (e *Executor) Spawn(name string, fn func(ctx context.Context) error) {
	e.group.Go(func() error {
		if err := fn(e.ctx); err != nil && !isContextDone(e.ctx, err) {
			e.logger.Warn("task failed", "task", name, "err", err)
		}
		return nil
	})
}

// SpawnCritical runs fn in the background; if it fails, every other
// task's context is cancelled and Wait returns the failure.
func (e *Executor) SpawnCritical(name string, fn func(ctx context.Context) error) {
	e.group.Go(func() error {
		if err := fn(e.ctx); err != nil && !isContextDone(e.ctx, err) {
			return fmt.Errorf("critical task %s: %w", name, err)
		}
		return nil
	})
}

// Close cancels all tasks and waits for them to finish.
func (e *Executor) Close() error {
	e.cancel()
	return e.group.Wait()
}

// Wait blocks until all tasks finish or a critical one fails.
func (e *Executor) Wait() error {
	return e.group.Wait()
}

func isContextDone(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}
