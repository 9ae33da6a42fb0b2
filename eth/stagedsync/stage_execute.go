package stagedsync

import (
	"context"
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/ledgerwatch/log/v3"

	"github.com/blockpipe/blockpipe/core"
	"github.com/blockpipe/blockpipe/core/rawdb"
	"github.com/blockpipe/blockpipe/core/state"
	"github.com/blockpipe/blockpipe/core/types"
	"github.com/blockpipe/blockpipe/eth/ethconfig"
	"github.com/blockpipe/blockpipe/eth/stagedsync/stages"
	"github.com/blockpipe/blockpipe/ethdb/prune"
	"github.com/blockpipe/blockpipe/kv"
	"github.com/blockpipe/blockpipe/params"
)

// changeSizeEstimate approximates the write buffer cost of one staged
// account change for the BatchSize limit.
const changeSizeEstimate = 64

type ExecuteBlockCfg struct {
	db          kv.RwDB
	chainConfig *params.ChainConfig
	executor    core.BlockExecutor
	thresholds  ethconfig.ExecutionThresholds
	batchSize   datasize.ByteSize
	prune       prune.Mode
	exex        *ExExHandle
	ctx         context.Context
}

func StageExecuteBlocksCfg(
	ctx context.Context,
	db kv.RwDB,
	chainConfig *params.ChainConfig,
	executor core.BlockExecutor,
	thresholds ethconfig.ExecutionThresholds,
	batchSize datasize.ByteSize,
	pruneMode prune.Mode,
	exex *ExExHandle,
) ExecuteBlockCfg {
	if exex == nil {
		exex = EmptyExExHandle()
	}
	return ExecuteBlockCfg{
		db:          db,
		chainConfig: chainConfig,
		executor:    executor,
		thresholds:  thresholds,
		batchSize:   batchSize,
		prune:       pruneMode,
		exex:        exex,
		ctx:         ctx,
	}
}

// SpawnExecuteBlocksStage executes one batch of blocks above the stage
// checkpoint. The batch ends when a threshold trips or the ceiling set
// by the Senders stage is reached; everything the batch produced, state,
// changesets, receipts and the moved checkpoint, commits atomically.
// Returns done=false while blocks remain so the sync calls again with a
// fresh batch.
func SpawnExecuteBlocksStage(s *StageState, u Unwinder, tx kv.RwTx, cfg ExecuteBlockCfg, logger log.Logger) (bool, error) {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(cfg.ctx)
		if err != nil {
			return false, err
		}
		defer tx.Rollback()
	}

	sendersAt, err := stages.GetStageProgress(tx, stages.Senders)
	if err != nil {
		return false, err
	}
	if sendersAt <= s.BlockNumber {
		return true, nil
	}

	from := s.BlockNumber + 1
	ibs := state.New(tx)
	batchReceipts := make([]types.Receipts, 0, 64)
	started := time.Now()
	logEvery := time.NewTicker(20 * time.Second)
	defer logEvery.Stop()

	var (
		blockNum      uint64
		cumulativeGas uint64
		txCount       int
	)
	for blockNum = from; blockNum <= sendersAt; blockNum++ {
		select {
		case <-cfg.ctx.Done():
			return false, cfg.ctx.Err()
		case <-logEvery.C:
			logger.Info(fmt.Sprintf("[%s] Executed blocks", s.LogPrefix()), "number", blockNum, "txs", txCount, "gas", cumulativeGas)
		default:
		}

		header, err := rawdb.ReadHeader(tx, blockNum)
		if err != nil {
			return false, err
		}
		if header == nil {
			return false, fmt.Errorf("missing header %d below senders progress %d", blockNum, sendersAt)
		}
		body, err := rawdb.ReadBody(tx, blockNum)
		if err != nil {
			return false, err
		}
		if body == nil {
			return false, fmt.Errorf("missing body %d below senders progress %d", blockNum, sendersAt)
		}
		senders, err := rawdb.ReadSenders(tx, blockNum)
		if err != nil {
			return false, err
		}

		result, err := cfg.executor.ExecuteBlock(header, body, senders, ibs)
		if err != nil {
			return false, fmt.Errorf("execute block %d: %w", blockNum, err)
		}
		batchReceipts = append(batchReceipts, result.Receipts)
		cumulativeGas += result.GasUsed
		txCount += len(body.Transactions)

		if batchFull(cfg, blockNum-from+1, uint64(ibs.ChangeCount()), cumulativeGas, time.Since(started)) {
			break
		}
	}
	lastExecuted := min(blockNum, sendersAt)

	cfg.exex.notify(ExExNotification{FirstBlock: from, LastBlock: lastExecuted, Receipts: batchReceipts})

	if err := ibs.Flush(tx); err != nil {
		return false, err
	}
	for i, receipts := range batchReceipts {
		if err := rawdb.WriteReceipts(tx, from+uint64(i), receipts); err != nil {
			return false, err
		}
	}
	if err := s.Update(tx, lastExecuted); err != nil {
		return false, err
	}
	if err := pruneWithinCommit(tx, cfg.prune, lastExecuted); err != nil {
		return false, err
	}

	logger.Debug(fmt.Sprintf("[%s] Completed batch", s.LogPrefix()),
		"from", from, "to", lastExecuted, "txs", txCount, "gas", cumulativeGas, "in", time.Since(started))

	if !useExternalTx {
		if err := tx.Commit(); err != nil {
			return false, err
		}
	}
	return lastExecuted == sendersAt, nil
}

// batchFull reports whether the current batch should commit. A batch
// carries at least one block; a threshold crossed mid-block still keeps
// that block, so overshoot is bounded by one block.
func batchFull(cfg ExecuteBlockCfg, blocks, changes, gas uint64, elapsed time.Duration) bool {
	t := cfg.thresholds
	if t.MaxBlocks > 0 && blocks >= t.MaxBlocks {
		return true
	}
	if t.MaxChanges > 0 && changes >= t.MaxChanges {
		return true
	}
	if t.MaxCumulativeGas > 0 && gas >= t.MaxCumulativeGas {
		return true
	}
	if t.MaxDuration > 0 && elapsed >= t.MaxDuration {
		return true
	}
	if cfg.batchSize > 0 && datasize.ByteSize(changes*changeSizeEstimate) >= cfg.batchSize {
		return true
	}
	return false
}

// pruneWithinCommit applies the prune mode inside the batch commit
// transaction so retention never lags execution.
func pruneWithinCommit(tx kv.RwTx, mode prune.Mode, head uint64) error {
	if upTo, ok := mode.History.PruneTo(head); ok {
		if err := state.PruneChangeSets(tx, upTo); err != nil {
			return err
		}
	}
	if upTo, ok := mode.Receipts.PruneTo(head); ok {
		for number := uint64(1); number <= upTo; number++ {
			if err := tx.Delete(kv.Receipts, rawdb.EncodeBlockNumber(number)); err != nil {
				return err
			}
		}
	}
	return nil
}

// UnwindExecutionStage rolls PlainState back to the unwind point by
// replaying changesets in descending block order, drops the receipts of
// the unwound blocks and lowers the checkpoint.
func UnwindExecutionStage(u *UnwindState, s *StageState, tx kv.RwTx, cfg ExecuteBlockCfg, logger log.Logger) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(cfg.ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}

	logger.Info(fmt.Sprintf("[%s] Unwind Execution", s.LogPrefix()), "from", s.BlockNumber, "to", u.UnwindPoint)

	if err := state.UnwindState(tx, u.UnwindPoint, s.BlockNumber); err != nil {
		return fmt.Errorf("unwind state to %d: %w", u.UnwindPoint, err)
	}
	for blockNum := s.BlockNumber; blockNum > u.UnwindPoint; blockNum-- {
		if err := tx.Delete(kv.Receipts, rawdb.EncodeBlockNumber(blockNum)); err != nil {
			return err
		}
	}
	if err := u.Done(tx); err != nil {
		return err
	}
	if !useExternalTx {
		return tx.Commit()
	}
	return nil
}

// PruneExecutionStage drops changesets and receipts that the prune mode
// no longer requires, resuming from the recorded prune progress.
func PruneExecutionStage(p *PruneState, tx kv.RwTx, cfg ExecuteBlockCfg, logger log.Logger) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(cfg.ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}

	pruned := p.PruneProgress
	if upTo, ok := cfg.prune.History.PruneTo(p.ForwardProgress); ok && upTo > p.PruneProgress {
		if err := state.PruneChangeSets(tx, upTo); err != nil {
			return err
		}
		pruned = max(pruned, upTo)
	}
	if upTo, ok := cfg.prune.Receipts.PruneTo(p.ForwardProgress); ok && upTo > p.PruneProgress {
		for number := p.PruneProgress + 1; number <= upTo; number++ {
			if err := tx.Delete(kv.Receipts, rawdb.EncodeBlockNumber(number)); err != nil {
				return err
			}
		}
		pruned = max(pruned, upTo)
	}
	if pruned > p.PruneProgress {
		if err := p.Done(tx, pruned); err != nil {
			return err
		}
	}
	if !useExternalTx {
		return tx.Commit()
	}
	return nil
}
