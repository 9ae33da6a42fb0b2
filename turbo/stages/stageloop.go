// Package stages wires the staged sync together and hosts the
// debug-execution driver: an interval-stepped run of the pipeline that
// re-executes each interval to verify determinism.
package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/ledgerwatch/log/v3"
	"golang.org/x/sync/errgroup"

	"github.com/blockpipe/blockpipe/common"
	"github.com/blockpipe/blockpipe/consensus"
	"github.com/blockpipe/blockpipe/core"
	"github.com/blockpipe/blockpipe/core/rawdb"
	"github.com/blockpipe/blockpipe/eth/ethconfig"
	"github.com/blockpipe/blockpipe/eth/stagedsync"
	syncstages "github.com/blockpipe/blockpipe/eth/stagedsync/stages"
	"github.com/blockpipe/blockpipe/ethdb/prune"
	"github.com/blockpipe/blockpipe/kv"
	"github.com/blockpipe/blockpipe/p2p"
	"github.com/blockpipe/blockpipe/params"
	"github.com/blockpipe/blockpipe/turbo/snapshotsync/freezeblocks"
	"github.com/blockpipe/blockpipe/turbo/stages/bodydownload"
	"github.com/blockpipe/blockpipe/turbo/stages/headerdownload"
	"github.com/blockpipe/blockpipe/turbo/tasks"
)

// NewDefaultBackOff is the production retry policy: exponential with no
// elapsed-time cap, so transient failures are retried until the context
// ends.
func NewDefaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	return bo
}

// NewStagedSync assembles the default pipeline over the given network
// client and block executor.
func NewStagedSync(
	ctx context.Context,
	db kv.RwDB,
	client p2p.FetchClient,
	engine consensus.Engine,
	chainConfig *params.ChainConfig,
	executor core.BlockExecutor,
	syncCfg ethconfig.Sync,
	pruneMode prune.Mode,
	exex *stagedsync.ExExHandle,
	newBackOff func() backoff.BackOff,
	logger log.Logger,
) *stagedsync.Sync {
	tip := stagedsync.NewTipTracker()
	hd := headerdownload.NewHeaderDownload(client, engine, syncCfg.HeaderRequestBatch, newBackOff, logger)
	bd := bodydownload.NewBodyDownload(client, syncCfg.BodyDownloadWindow, syncCfg.BodyRequestSize, newBackOff, logger)

	return stagedsync.New(
		stagedsync.DefaultStages(
			stagedsync.StageHeadersCfg(ctx, db, hd, tip),
			stagedsync.StageBlockHashesCfg(ctx, db),
			stagedsync.StageBodiesCfg(ctx, db, bd),
			stagedsync.StageSendersCfg(ctx, db, chainConfig, syncCfg.SenderRecoveryWorkers),
			stagedsync.StageExecuteBlocksCfg(ctx, db, chainConfig, executor, syncCfg.ExecutionThresholds, syncCfg.BatchSize, pruneMode, exex),
			stagedsync.StageFinishCfg(ctx, db),
		),
		stagedsync.DefaultUnwindOrder,
		stagedsync.DefaultPruneOrder,
		tip,
		logger,
	)
}

// DebugExecutionCfg parameterizes one driver run.
type DebugExecutionCfg struct {
	To       uint64
	Interval uint64
	// Prune mirrors the pipeline's prune mode so the driver can reject
	// retention settings that would eat its own rollback data.
	Prune prune.Mode
	// Network is optional; when set its peer events are merged into the
	// events task.
	Network p2p.Handle
	// Retire is optional; when set, eligible block ranges are moved to
	// static files after each cycle.
	Retire *freezeblocks.BlockRetire
}

// RunDebugExecution advances the pipeline from its current progress to
// cfg.To in steps of cfg.Interval. Each cycle resolves the canonical
// hash of the step target, runs the pipeline to completion, then rolls
// storage back over the freshly executed interval so the next cycle
// re-executes it. A full run therefore leaves the stored checkpoint one
// interval short of cfg.To, with every earlier interval executed twice
// with identical results.
func RunDebugExecution(
	ctx context.Context,
	db kv.RwDB,
	sync *stagedsync.Sync,
	client p2p.FetchClient,
	cfg DebugExecutionCfg,
	newBackOff func() backoff.BackOff,
	logger log.Logger,
) error {
	if cfg.Interval == 0 {
		return fmt.Errorf("interval must be positive")
	}
	// the rollback replays changesets of the interval just executed; a
	// shorter history retention would prune them mid-cycle
	if cfg.Prune.History.Enabled() && uint64(cfg.Prune.History) < cfg.Interval {
		return fmt.Errorf("prune history distance %d below interval %d, rollback would find no changesets", cfg.Prune.History, cfg.Interval)
	}

	var current uint64
	if err := db.View(ctx, func(tx kv.Tx) error {
		var err error
		current, err = syncstages.GetStageProgress(tx, syncstages.Finish)
		return err
	}); err != nil {
		return err
	}
	if current >= cfg.To {
		logger.Info("[driver] Nothing to run", "progress", current, "target", cfg.To)
		return nil
	}

	executor := tasks.NewExecutor(ctx, logger)
	executor.SpawnCritical("events", func(ctx context.Context) error {
		return consumeEvents(ctx, sync, cfg.Network, logger)
	})

	// the cycles run under the executor's context so a failed critical
	// task stops the driver, and Close surfaces that failure
	runErr := runCycles(executor.Ctx(), db, sync, client, cfg, current, newBackOff, logger)
	closeErr := executor.Close()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if closeErr != nil {
		return closeErr
	}
	return runErr
}

func runCycles(
	ctx context.Context,
	db kv.RwDB,
	sync *stagedsync.Sync,
	client p2p.FetchClient,
	cfg DebugExecutionCfg,
	current uint64,
	newBackOff func() backoff.BackOff,
	logger log.Logger,
) error {
	firstCycle := true
	for current < cfg.To {
		target := min(cfg.To, current+cfg.Interval)

		hash, err := resolveTargetHash(ctx, client, target, newBackOff, logger)
		if err != nil {
			return fmt.Errorf("resolve target %d: %w", target, err)
		}
		sync.Tip().Set(stagedsync.Tip{Hash: hash, Number: target})
		logger.Info("[driver] Running pipeline", "from", current, "to", target, "tip", hash.TerminalString())

		if err := sync.Run(db, nil, firstCycle); err != nil {
			return err
		}
		if err := sync.RunPrune(db, nil, firstCycle); err != nil {
			return err
		}
		if cfg.Retire != nil {
			if err := cfg.Retire.RetireBlocks(ctx, target); err != nil {
				return err
			}
		}

		// verification rollback: drop the interval just executed so the
		// next cycle replays it; this bypasses stage unwind on purpose
		if err := db.Update(ctx, func(tx kv.RwTx) error {
			if err := rawdb.UnwindBlockRange(tx, current+1, target); err != nil {
				return err
			}
			for _, stage := range syncstages.AllStages {
				if err := syncstages.SaveStageProgress(tx, stage, current); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("rollback [%d, %d]: %w", current+1, target, err)
		}

		current = target
		firstCycle = false
	}
	return nil
}

// resolveTargetHash asks the network for the canonical hash of the
// given height, retrying transient failures under the injected policy.
func resolveTargetHash(ctx context.Context, client p2p.FetchClient, number uint64, newBackOff func() backoff.BackOff, logger log.Logger) (common.Hash, error) {
	var hash common.Hash
	op := func() error {
		header, err := client.GetHeader(ctx, p2p.ByNumber(number))
		if err != nil {
			if p2p.Transient(err) {
				logger.Debug("[driver] target resolution retry", "number", number, "err", err)
				return err
			}
			return backoff.Permanent(err)
		}
		hash = header.Hash()
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(newBackOff(), ctx)); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// consumeEvents drains the merged pipeline and peer event feeds into
// the log until the context ends.
func consumeEvents(ctx context.Context, sync *stagedsync.Sync, network p2p.Handle, logger log.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sync.Events().Run(gctx)
	})
	g.Go(func() error {
		var peerEvents <-chan p2p.PeerEvent
		if network != nil {
			peerEvents = network.Events()
		}
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case e := <-sync.Events().Events():
				logger.Debug("[events] pipeline", "type", e.Type, "stage", e.Stage, "checkpoint", e.Checkpoint)
			case e := <-peerEvents:
				logger.Debug("[events] peer", "type", e.Type, "peer", e.PeerID)
			}
		}
	})
	return g.Wait()
}
