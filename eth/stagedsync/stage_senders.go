package stagedsync

import (
	"context"
	"fmt"

	"github.com/ledgerwatch/log/v3"
	"golang.org/x/sync/errgroup"

	"github.com/blockpipe/blockpipe/common"
	"github.com/blockpipe/blockpipe/core/rawdb"
	"github.com/blockpipe/blockpipe/eth/stagedsync/stages"
	"github.com/blockpipe/blockpipe/kv"
	"github.com/blockpipe/blockpipe/params"
)

type SendersCfg struct {
	db          kv.RwDB
	chainConfig *params.ChainConfig
	workers     int
	ctx         context.Context
}

func StageSendersCfg(ctx context.Context, db kv.RwDB, chainConfig *params.ChainConfig, workers int) SendersCfg {
	if workers <= 0 {
		workers = 1
	}
	return SendersCfg{db: db, chainConfig: chainConfig, workers: workers, ctx: ctx}
}

// SpawnRecoverSendersStage recovers the "from" address of every
// transaction in the blocks confirmed by the Bodies stage. Signature
// recovery dominates the cost, so blocks are recovered in parallel and
// written back in order.
func SpawnRecoverSendersStage(cfg SendersCfg, s *StageState, tx kv.RwTx, logger log.Logger) (bool, error) {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(cfg.ctx)
		if err != nil {
			return false, err
		}
		defer tx.Rollback()
	}

	bodiesAt, err := stages.GetStageProgress(tx, stages.Bodies)
	if err != nil {
		return false, err
	}
	if bodiesAt <= s.BlockNumber {
		return true, nil
	}

	from, to := s.BlockNumber+1, bodiesAt
	logger.Debug(fmt.Sprintf("[%s] Recovering senders", s.LogPrefix()), "from", from, "to", to)

	recovered := make([][]common.Address, to-from+1)
	g, _ := errgroup.WithContext(cfg.ctx)
	g.SetLimit(cfg.workers)
	for blockNum := from; blockNum <= to; blockNum++ {
		body, err := rawdb.ReadBody(tx, blockNum)
		if err != nil {
			return false, err
		}
		if body == nil {
			return false, fmt.Errorf("gap in bodies at %d", blockNum)
		}
		blockNum := blockNum
		g.Go(func() error {
			senders := make([]common.Address, len(body.Transactions))
			for i, txn := range body.Transactions {
				sender, err := txn.Sender(cfg.chainConfig.ChainID)
				if err != nil {
					return fmt.Errorf("block %d txn %d: %w", blockNum, i, err)
				}
				senders[i] = sender
			}
			recovered[blockNum-from] = senders
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	for blockNum := from; blockNum <= to; blockNum++ {
		if err := rawdb.WriteSenders(tx, blockNum, recovered[blockNum-from]); err != nil {
			return false, err
		}
	}
	if err := s.Update(tx, to); err != nil {
		return false, err
	}
	if !useExternalTx {
		if err := tx.Commit(); err != nil {
			return false, err
		}
	}
	return true, nil
}

func UnwindSendersStage(u *UnwindState, tx kv.RwTx, cfg SendersCfg) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(cfg.ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}
	for blockNum := u.CurrentBlockNumber; blockNum > u.UnwindPoint; blockNum-- {
		if err := tx.Delete(kv.Senders, rawdb.EncodeBlockNumber(blockNum)); err != nil {
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

func PruneSendersStage(p *PruneState, tx kv.RwTx, cfg SendersCfg) error {
	return nil
}
